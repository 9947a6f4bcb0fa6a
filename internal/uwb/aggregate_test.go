package uwb

import (
	"errors"
	"testing"
	"time"
)

func ingestPacket(t *testing.T, a *Aggregator, nodeID, seq uint32, reports []PeerReport) {
	t.Helper()
	err := a.Ingest(&MeasurementPacket{
		NodeID:      nodeID,
		SeqNum:      seq,
		Designation: DesignationBoat,
		Orientation: IdentityQuat(),
		Reports:     reports,
	}, time.Now())
	if err != nil {
		t.Fatalf("ingest node %d seq %d failed: %v", nodeID, seq, err)
	}
}

func TestAggregatorDedupeLatestWins(t *testing.T) {
	a := NewAggregator(DefaultAggregatorConfig())

	// Same peer observed in two packets within the epoch; the later
	// sequence number must win.
	ingestPacket(t, a, 10, 100, []PeerReport{
		{PeerID: 1, RangeMM: 50000, CirSNRdB10: 300, SeqNum: 100},
	})
	ingestPacket(t, a, 10, 101, []PeerReport{
		{PeerID: 1, RangeMM: 50100, CirSNRdB10: 310, SeqNum: 101},
	})

	batch := a.Harvest(1)
	obs := batch.Nodes[10]
	if obs == nil {
		t.Fatal("node 10 missing from batch")
	}
	if len(obs.Reports) != 1 {
		t.Fatalf("expected 1 deduplicated report, got %d", len(obs.Reports))
	}
	if obs.Reports[0].RangeMM != 50100 {
		t.Errorf("expected later report to win, got range %d", obs.Reports[0].RangeMM)
	}
}

func TestAggregatorDropsSTSFailures(t *testing.T) {
	a := NewAggregator(DefaultAggregatorConfig())

	ingestPacket(t, a, 10, 1, []PeerReport{
		{PeerID: 1, RangeMM: 50000, QualityFlags: QualitySTSFail, SeqNum: 1},
		{PeerID: 2, RangeMM: 48000, QualityFlags: QualityNLOS, SeqNum: 1},
	})

	obs := a.Harvest(1).Nodes[10]
	if len(obs.Reports) != 1 {
		t.Fatalf("expected 1 report after STS drop, got %d", len(obs.Reports))
	}
	if obs.Reports[0].PeerID != 2 {
		t.Errorf("wrong report retained: peer %d", obs.Reports[0].PeerID)
	}
	if obs.DroppedSTS != 1 {
		t.Errorf("DroppedSTS = %d, want 1", obs.DroppedSTS)
	}
}

func TestAggregatorEvictsLowestSNRBeyondCap(t *testing.T) {
	a := NewAggregator(AggregatorConfig{MaxPeers: 2})

	ingestPacket(t, a, 10, 1, []PeerReport{
		{PeerID: 1, CirSNRdB10: 100, SeqNum: 1},
		{PeerID: 2, CirSNRdB10: 300, SeqNum: 1},
		{PeerID: 3, CirSNRdB10: 200, SeqNum: 1},
	})

	obs := a.Harvest(1).Nodes[10]
	if len(obs.Reports) != 2 {
		t.Fatalf("expected 2 reports after eviction, got %d", len(obs.Reports))
	}
	// Strongest SNR first; the weakest (peer 1) evicted.
	if obs.Reports[0].PeerID != 2 || obs.Reports[1].PeerID != 3 {
		t.Errorf("wrong reports retained: %d, %d", obs.Reports[0].PeerID, obs.Reports[1].PeerID)
	}
	if obs.DroppedEvicted != 1 {
		t.Errorf("DroppedEvicted = %d, want 1", obs.DroppedEvicted)
	}
}

func TestAggregatorReplayProtection(t *testing.T) {
	a := NewAggregator(DefaultAggregatorConfig())
	now := time.Now()

	pkt := func(seq uint32) *MeasurementPacket {
		return &MeasurementPacket{NodeID: 10, SeqNum: seq, Orientation: IdentityQuat()}
	}

	if err := a.Ingest(pkt(5000), now); err != nil {
		t.Fatalf("first packet rejected: %v", err)
	}
	// Exact duplicate
	if err := a.Ingest(pkt(5000), now); !errors.Is(err, ErrStaleSequence) {
		t.Errorf("duplicate seq: got %v, want stale", err)
	}
	// Backward jump
	if err := a.Ingest(pkt(4990), now); !errors.Is(err, ErrStaleSequence) {
		t.Errorf("backward seq: got %v, want stale", err)
	}
	// Forward within window
	if err := a.Ingest(pkt(5003), now); err != nil {
		t.Errorf("forward seq rejected: %v", err)
	}
	// Forward beyond the accept window
	if err := a.Ingest(pkt(5003+seqAcceptWindow+1), now); !errors.Is(err, ErrStaleSequence) {
		t.Errorf("distant seq: got %v, want stale", err)
	}
	// ForgetNode allows a rejoin from an arbitrary sequence
	a.ForgetNode(10)
	if err := a.Ingest(pkt(1), now); err != nil {
		t.Errorf("rejoin after ForgetNode rejected: %v", err)
	}
}

func TestAggregatorSequenceWraparound(t *testing.T) {
	a := NewAggregator(DefaultAggregatorConfig())
	now := time.Now()

	if err := a.Ingest(&MeasurementPacket{NodeID: 10, SeqNum: ^uint32(0) - 1, Orientation: IdentityQuat()}, now); err != nil {
		t.Fatalf("pre-wrap packet rejected: %v", err)
	}
	// 0xFFFFFFFE -> 2 wraps around: diff is 4, inside the window.
	if err := a.Ingest(&MeasurementPacket{NodeID: 10, SeqNum: 2, Orientation: IdentityQuat()}, now); err != nil {
		t.Errorf("wraparound seq rejected: %v", err)
	}
}

func TestAggregatorHarvestRotation(t *testing.T) {
	a := NewAggregator(DefaultAggregatorConfig())

	ingestPacket(t, a, 10, 1, []PeerReport{{PeerID: 1, SeqNum: 1}})
	first := a.Harvest(1)
	if len(first.Nodes) != 1 || first.Epoch != 1 {
		t.Fatalf("first harvest: %d nodes, epoch %d", len(first.Nodes), first.Epoch)
	}

	// After the close, new packets land in the next epoch.
	ingestPacket(t, a, 10, 2, []PeerReport{{PeerID: 1, SeqNum: 2}})
	second := a.Harvest(2)
	if len(second.Nodes) != 1 {
		t.Fatalf("second harvest: %d nodes", len(second.Nodes))
	}
	if second.Nodes[10].SeqNum != 2 {
		t.Errorf("second epoch carries seq %d, want 2", second.Nodes[10].SeqNum)
	}

	empty := a.Harvest(3)
	if len(empty.Nodes) != 0 {
		t.Errorf("third harvest should be empty, got %d nodes", len(empty.Nodes))
	}
}

func TestAggregatorNormalizesOrientation(t *testing.T) {
	a := NewAggregator(DefaultAggregatorConfig())
	err := a.Ingest(&MeasurementPacket{
		NodeID:      10,
		SeqNum:      1,
		Orientation: Quat{W: 2}, // not unit length
	}, time.Now())
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	obs := a.Harvest(1).Nodes[10]
	if obs.Orientation.W != 1 {
		t.Errorf("orientation not renormalized: %+v", obs.Orientation)
	}
}
