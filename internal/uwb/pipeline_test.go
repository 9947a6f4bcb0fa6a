package uwb

import (
	"context"
	"errors"
	"math"
	"net"
	"testing"
	"time"
)

// measurementFor builds one node's packet for the scripted scenario.
func measurementFor(id uint32, d NodeDesignation, seq uint32, reports []PeerReport) *MeasurementPacket {
	return &MeasurementPacket{
		NodeID:        id,
		TxTimestampNS: uint64(time.Now().UnixNano()),
		SeqNum:        seq,
		Designation:   d,
		BatteryMV:     3800,
		Orientation:   IdentityQuat(),
		Reports:       reports,
	}
}

func cleanReport(peer uint32, rangeM float64, seq uint32) PeerReport {
	return PeerReport{PeerID: peer, RangeMM: int32(rangeM * 1000), CirSNRdB10: 350, SeqNum: seq}
}

// Full pipeline scenario: marks anchor a 100m line, one boat approaches
// from the pre-start side and ends 15cm over. The published packet must
// carry the boat on the OCS side with callable quality.
func TestHubEpochPipeline(t *testing.T) {
	recv, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to open receive socket: %v", err)
	}
	defer recv.Close()

	hub, err := NewHub(HubConfig{
		Engine:       DefaultEngineConfig(),
		Scheduler:    DefaultSchedulerConfig(),
		PublishGroup: recv.LocalAddr().String(),
	})
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}
	defer hub.publisher.Close()

	markA := Vec2{X: -50}
	markB := Vec2{X: 50}
	now := time.Now()

	var last *FusedPositionPacket
	const epochs = 20
	for e := uint64(1); e <= epochs; e++ {
		// Boat closes on the line at 3 m/s and finishes 15cm over.
		boatY := float32(-2.0) + 0.15*float32(e)
		if boatY > 0.15 {
			boatY = 0.15
		}
		boat := Vec2{X: 4.2, Y: boatY}
		seq := uint32(e)

		packets := []*MeasurementPacket{
			measurementFor(1, DesignationMarkA, seq, []PeerReport{cleanReport(2, 100, seq)}),
			measurementFor(2, DesignationMarkB, seq, []PeerReport{cleanReport(1, 100, seq)}),
			measurementFor(10, DesignationBoat, seq, []PeerReport{
				cleanReport(1, float64(boat.Sub(markA).Norm()), seq),
				cleanReport(2, float64(boat.Sub(markB).Norm()), seq),
			}),
		}
		for _, pkt := range packets {
			if err := hub.agg.Ingest(pkt, now); err != nil {
				t.Fatalf("epoch %d: ingest node %d: %v", e, pkt.NodeID, err)
			}
		}

		hub.runEpoch(Epoch{Seq: e, Start: now.Add(time.Duration(e) * 50 * time.Millisecond), Interval: 50 * time.Millisecond})

		recv.SetReadDeadline(time.Now().Add(time.Second))
		buf := make([]byte, 4096)
		n, _, err := recv.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("epoch %d: no packet published: %v", e, err)
		}
		last, err = DecodeFusedPacket(buf[:n])
		if err != nil {
			t.Fatalf("epoch %d: decode failed: %v", e, err)
		}
	}

	if last.BatchMode {
		t.Error("incremental epoch flagged as batch mode")
	}
	// Line geometry committed from the marks' own ranging.
	if !approxEq(last.MarkAPos.X, -50, 0.5) || !approxEq(last.MarkBPos.X, 50, 0.5) {
		t.Errorf("published marks (%f, %f), want ±50", last.MarkAPos.X, last.MarkBPos.X)
	}

	var boat *NodePosition2D
	for i := range last.Nodes {
		if last.Nodes[i].NodeID == 10 {
			boat = &last.Nodes[i]
		}
	}
	if boat == nil {
		t.Fatal("boat 10 missing from published packet")
	}
	if !approxEq(boat.XLineM, 4.2, 0.1) {
		t.Errorf("boat x = %f, want 4.2", boat.XLineM)
	}
	if boat.YLineM <= OCSThresholdM {
		t.Errorf("boat y = %f, want over the %fm threshold", boat.YLineM, float64(OCSThresholdM))
	}
	if boat.FixQuality < MinFixQuality {
		t.Errorf("boat quality = %d, below the OCS gate", boat.FixQuality)
	}
	if got := ClassifyOCS(*boat); got != CallOCS {
		t.Errorf("classification = %v, want OCS", got)
	}

	// Edge-triggered OCS state recorded for the boat.
	hub.mu.Lock()
	wasOCS := hub.ocsState[10]
	hub.mu.Unlock()
	if !wasOCS {
		t.Error("hub did not latch the OCS transition")
	}
}

// A boat that power-cycles mid-race restarts its firmware sequence
// counter at 1. Once the engine tears the node down for silence, the
// hub must drop its sequence tracking too, or the rebooted node's
// packets are rejected as replays for the rest of the session.
func TestHubReleasesSequenceAfterTeardown(t *testing.T) {
	recv, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to open receive socket: %v", err)
	}
	defer recv.Close()

	engCfg := DefaultEngineConfig()
	engCfg.MaxMissedEpochs = 2
	hub, err := NewHub(HubConfig{
		Engine:       engCfg,
		Scheduler:    DefaultSchedulerConfig(),
		PublishGroup: recv.LocalAddr().String(),
	})
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}
	defer hub.publisher.Close()

	markA := Vec2{X: -50}
	markB := Vec2{X: 50}
	boat := Vec2{X: 4.2, Y: -2}
	now := time.Now()

	epoch := uint64(0)
	run := func(withBoat bool) {
		epoch++
		seq := uint32(5000) + uint32(epoch)
		packets := []*MeasurementPacket{
			measurementFor(1, DesignationMarkA, seq, []PeerReport{cleanReport(2, 100, seq)}),
			measurementFor(2, DesignationMarkB, seq, []PeerReport{cleanReport(1, 100, seq)}),
		}
		if withBoat {
			packets = append(packets, measurementFor(10, DesignationBoat, seq, []PeerReport{
				cleanReport(1, float64(boat.Sub(markA).Norm()), seq),
				cleanReport(2, float64(boat.Sub(markB).Norm()), seq),
			}))
		}
		for _, pkt := range packets {
			if err := hub.agg.Ingest(pkt, now); err != nil {
				t.Fatalf("epoch %d: ingest node %d: %v", epoch, pkt.NodeID, err)
			}
		}
		hub.runEpoch(Epoch{Seq: epoch, Start: now.Add(time.Duration(epoch) * 50 * time.Millisecond), Interval: 50 * time.Millisecond})
	}

	for i := 0; i < 5; i++ {
		run(true)
	}
	if hub.engine.Arena().Get(10) == nil {
		t.Fatal("boat never bootstrapped")
	}

	// Silence past the miss budget tears the node down.
	for i := 0; i < engCfg.MaxMissedEpochs+2; i++ {
		run(false)
	}
	if hub.engine.Arena().Get(10) != nil {
		t.Fatal("boat still tracked after sustained silence")
	}

	// The rebooted node comes back with a fresh counter and must be
	// accepted, not flagged as a replay of the old session.
	reboot := measurementFor(10, DesignationBoat, 1, []PeerReport{
		cleanReport(1, float64(boat.Sub(markA).Norm()), 1),
		cleanReport(2, float64(boat.Sub(markB).Norm()), 1),
	})
	if err := hub.agg.Ingest(reboot, now); err != nil {
		t.Fatalf("rebooted boat rejected: %v", err)
	}
}

// Tuning overrides set on the hub must reach the components that
// consume them: the peer cap lands in the aggregator and the stats
// interval in the listener.
func TestHubAppliesTuningOverrides(t *testing.T) {
	recv, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to open receive socket: %v", err)
	}
	defer recv.Close()

	hub, err := NewHub(HubConfig{
		Engine:           DefaultEngineConfig(),
		Scheduler:        DefaultSchedulerConfig(),
		ListenAddress:    "127.0.0.1:0",
		PublishGroup:     recv.LocalAddr().String(),
		MaxPeers:         1,
		StatsLogInterval: time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}

	pkt := measurementFor(10, DesignationBoat, 1, []PeerReport{
		cleanReport(1, 50, 1),
		cleanReport(2, 60, 1),
		cleanReport(3, 70, 1),
	})
	if err := hub.agg.Ingest(pkt, time.Now()); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	batch := hub.agg.Harvest(1)
	obs := batch.Nodes[10]
	if obs == nil {
		t.Fatal("node 10 missing from batch")
	}
	if len(obs.Reports) != 1 {
		t.Errorf("retained %d reports, want 1 under the configured cap", len(obs.Reports))
	}
	if obs.DroppedEvicted != 2 {
		t.Errorf("DroppedEvicted = %d, want 2", obs.DroppedEvicted)
	}

	// The full pipeline comes up with the overrides and shuts down with
	// the context.
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if err := hub.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run returned %v, want deadline exceeded", err)
	}
}

func TestMarkTrackerSmoothsLineLength(t *testing.T) {
	mt := NewMarkTracker()

	batch := func(rangeM float32) *EpochBatch {
		return &EpochBatch{Nodes: map[uint32]*NodeObservation{
			1: markObs(1, DesignationMarkA, 2, rangeM),
			2: markObs(2, DesignationMarkB, 1, rangeM),
		}}
	}

	mt.Observe(batch(100))
	g, err := mt.Geometry()
	if err != nil {
		t.Fatalf("geometry failed: %v", err)
	}
	if !approxEq(g.Length, 100, 0.01) {
		t.Errorf("seeded length = %f, want 100", g.Length)
	}

	// A mark drags anchor: the estimate moves toward the new range but
	// not in one jump.
	mt.Observe(batch(104))
	g, _ = mt.Geometry()
	if g.Length <= 100 || g.Length >= 104 {
		t.Errorf("smoothed length = %f, want between 100 and 104", g.Length)
	}

	// Converges with repeated observations.
	for i := 0; i < 50; i++ {
		mt.Observe(batch(104))
	}
	g, _ = mt.Geometry()
	if math.Abs(float64(g.Length-104)) > 0.5 {
		t.Errorf("converged length = %f, want ~104", g.Length)
	}
}

func TestMarkTrackerIgnoresFlaggedRanges(t *testing.T) {
	mt := NewMarkTracker()
	obs := markObs(1, DesignationMarkA, 2, 80)
	obs.Reports[0].QualityFlags = QualityNLOS
	mt.Observe(&EpochBatch{Nodes: map[uint32]*NodeObservation{
		1: obs,
		2: markObs(2, DesignationMarkB, 1, 100),
	}})
	g, err := mt.Geometry()
	if err != nil {
		t.Fatalf("geometry failed: %v", err)
	}
	// Only the clean 100m observation counts.
	if !approxEq(g.Length, 100, 0.01) {
		t.Errorf("length = %f, want 100 (flagged 80m range ignored)", g.Length)
	}
}
