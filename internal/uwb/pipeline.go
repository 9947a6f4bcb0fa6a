package uwb

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/marlin-data/startline.report/internal/monitoring"
	"github.com/marlin-data/startline.report/internal/observability"
	"github.com/marlin-data/startline.report/internal/racelog"
)

// markRangeAlpha is the smoothing factor for the mark-to-mark range
// estimate. Mark buoys swing on their anchors slowly; a heavy filter
// keeps the committed line stable between epochs.
const markRangeAlpha = 0.2

// defaultLineLengthM seeds the line before the first mark-to-mark
// measurement arrives.
const defaultLineLengthM = 100.0

// MarkTracker maintains the committed world-frame positions of the two
// line marks. The world frame is anchored by the marks themselves:
// the line midpoint is the origin and MarkA-to-MarkB is +X, so the
// only free parameter is the measured distance between the marks.
// Updates are applied between epochs; every epoch fuses against a
// single committed geometry.
type MarkTracker struct {
	mu      sync.Mutex
	lengthM float32
	seeded  bool

	markA, markB uint32 // node IDs learned from designations
}

// NewMarkTracker creates a tracker with the default line length.
func NewMarkTracker() *MarkTracker {
	return &MarkTracker{lengthM: defaultLineLengthM}
}

// Observe folds one epoch's mark observations into the estimate.
// Mark-to-mark ranges are taken from reports where a mark node ranged
// the opposite mark; flagged reports are ignored.
func (t *MarkTracker) Observe(batch *EpochBatch) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, obs := range batch.Nodes {
		switch obs.Designation {
		case DesignationMarkA:
			t.markA = id
		case DesignationMarkB:
			t.markB = id
		}
	}
	if t.markA == 0 || t.markB == 0 {
		return
	}

	for id, obs := range batch.Nodes {
		if !obs.Designation.IsMark() {
			continue
		}
		other := t.markB
		if id == t.markB {
			other = t.markA
		}
		for _, r := range obs.Reports {
			if r.PeerID != other || r.Flagged() {
				continue
			}
			rng := HorizontalRangeM(r)
			if rng < minLineLengthM {
				continue
			}
			if !t.seeded {
				t.lengthM = rng
				t.seeded = true
			} else {
				t.lengthM += markRangeAlpha * (rng - t.lengthM)
			}
		}
	}
}

// Geometry returns the committed line geometry for the next epoch.
func (t *MarkTracker) Geometry() (LineGeometry, error) {
	t.mu.Lock()
	half := t.lengthM / 2
	t.mu.Unlock()
	return NewLineGeometry(Vec3{X: -half}, Vec3{X: half})
}

// HubConfig wires the full pipeline together.
type HubConfig struct {
	Engine    EngineConfig
	Scheduler SchedulerConfig

	ListenAddress string
	PublishGroup  string
	UDPRcvBuf     int

	// MaxPeers caps per-node peer reports per epoch; zero means the
	// aggregator default. StatsLogInterval sets the listener's periodic
	// counter log cadence; zero means the listener default.
	MaxPeers         int
	StatsLogInterval time.Duration

	RaceLog *racelog.RaceLog            // optional
	Metrics *observability.HubCollector // optional
}

// Hub is the shore-station pipeline: UDP measurement ingest, epoch
// aggregation, position fusion, OCS classification, and multicast
// publish, all driven by the epoch scheduler.
type Hub struct {
	cfg       HubConfig
	agg       *Aggregator
	engine    *Engine
	sched     *EpochScheduler
	marks     *MarkTracker
	stats     *PacketStats
	publisher *MulticastPublisher

	mu        sync.Mutex
	sessionID string
	lastEpoch time.Time
	lastBurst bool
	lastNodes []NodePosition2D
	ocsState  map[uint32]bool  // edge detection for race log entries
	health    map[uint32]uint8 // last seen node flags, for health logging
}

// NewHub constructs the pipeline. The publish socket is opened
// immediately; the listener socket opens in Run.
func NewHub(cfg HubConfig) (*Hub, error) {
	pub, err := NewMulticastPublisher(cfg.PublishGroup)
	if err != nil {
		return nil, fmt.Errorf("failed to open publisher: %w", err)
	}
	aggCfg := DefaultAggregatorConfig()
	if cfg.MaxPeers > 0 {
		aggCfg.MaxPeers = cfg.MaxPeers
	}
	return &Hub{
		cfg:       cfg,
		agg:       NewAggregator(aggCfg),
		engine:    NewEngine(cfg.Engine),
		sched:     NewEpochScheduler(cfg.Scheduler),
		marks:     NewMarkTracker(),
		stats:     NewPacketStats(),
		publisher: pub,
		ocsState:  make(map[uint32]bool),
		health:    make(map[uint32]uint8),
	}, nil
}

// Engine exposes the fusion engine for debug endpoints.
func (h *Hub) Engine() *Engine { return h.engine }

// Stats exposes the packet counters for debug endpoints.
func (h *Hub) Stats() *PacketStats { return h.stats }

// SetBatchMode switches fusion and cadence together: batch mode runs
// the 25 ms burst superframe and the joint gun solve.
func (h *Hub) SetBatchMode(on bool) {
	h.engine.SetBatchMode(on)
	h.sched.SetBurst(on)
	h.recordModeSwitch(on)
}

// ArmGunWindow enters batch mode until the deadline, typically armed a
// few seconds before the starting gun.
func (h *Hub) ArmGunWindow(until time.Time) {
	h.engine.SetBatchMode(true)
	h.sched.BurstWindow(until)
	h.recordModeSwitch(true)
}

func (h *Hub) recordModeSwitch(on bool) {
	if h.cfg.RaceLog == nil {
		return
	}
	h.mu.Lock()
	session := h.sessionID
	h.mu.Unlock()
	if session == "" {
		return
	}
	payload := map[string]any{"batch_mode": on}
	if err := h.cfg.RaceLog.Record(session, h.sched.EpochSeq(), racelog.EventModeSwitch, 0, payload); err != nil {
		monitoring.Logf("Error recording mode switch: %v", err)
	}
}

// Run starts the listener and the epoch loop and blocks until the
// context is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	if h.cfg.RaceLog != nil {
		session, err := h.cfg.RaceLog.StartSession("hub start")
		if err != nil {
			return fmt.Errorf("failed to start race log session: %w", err)
		}
		h.mu.Lock()
		h.sessionID = session
		h.mu.Unlock()
		defer func() {
			if err := h.cfg.RaceLog.EndSession(session); err != nil {
				monitoring.Logf("Error ending race log session: %v", err)
			}
		}()
	}

	listener := NewUDPListener(UDPListenerConfig{
		Address:     h.cfg.ListenAddress,
		RcvBuf:      h.cfg.UDPRcvBuf,
		Stats:       h.stats,
		Aggregator:  h.agg,
		Metrics:     h.cfg.Metrics,
		LogInterval: h.cfg.StatsLogInterval,
	})

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- listener.Start(ctx)
	}()

	defer h.publisher.Close()

	schedErr := make(chan error, 1)
	go func() {
		schedErr <- h.sched.Run(ctx, h.runEpoch)
	}()

	select {
	case err := <-listenErr:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("listener failed: %w", err)
	case err := <-schedErr:
		return err
	}
}

// runEpoch is the per-tick serialization point: close the epoch,
// commit mark geometry, fuse, classify, log, publish.
func (h *Hub) runEpoch(epoch Epoch) {
	// A bounded burst window expires inside the scheduler; the falling
	// edge is the gun. Snapshot the final batch picture, then drop the
	// engine back to incremental mode.
	h.mu.Lock()
	gunEdge := h.lastBurst && !epoch.Burst && h.engine.BatchMode()
	h.lastBurst = epoch.Burst
	gunNodes := h.lastNodes
	h.mu.Unlock()
	if gunEdge {
		h.engine.SetBatchMode(false)
		h.RecordGunSolve(epoch.Seq-1, gunNodes)
	}

	batch := h.agg.Harvest(epoch.Seq)
	h.logNodeHealth(batch)

	h.marks.Observe(batch)
	line, err := h.marks.Geometry()
	if err != nil {
		monitoring.Logf("Error committing line geometry: %v", err)
		return
	}

	h.mu.Lock()
	dt := float32(epoch.Interval.Seconds())
	if !h.lastEpoch.IsZero() {
		dt = float32(epoch.Start.Sub(h.lastEpoch).Seconds())
	}
	h.lastEpoch = epoch.Start
	h.mu.Unlock()

	nodes := h.engine.FuseEpoch(batch, line, dt)
	// Torn-down nodes lose their sequence tracking too, so a node that
	// power-cycled mid-race rejoins instead of tripping replay protection.
	for _, id := range h.engine.RemovedNodes() {
		h.agg.ForgetNode(id)
		monitoring.Logf("Node %d torn down, cleared for rejoin", id)
	}
	h.mu.Lock()
	h.lastNodes = nodes
	h.mu.Unlock()
	calls := ClassifyAll(nodes)
	h.recordOCSEvents(epoch.Seq, nodes, calls)

	if h.cfg.Metrics != nil {
		h.cfg.Metrics.EpochsFused.Inc()
		h.cfg.Metrics.NodesTracked.Set(float64(h.engine.Arena().Count()))
		h.cfg.Metrics.SolveResidualM.Observe(float64(h.engine.LastResidualM()))
		for _, call := range calls {
			h.cfg.Metrics.OCSCalls.WithLabelValues(call.String()).Inc()
		}
	}

	pkt := &FusedPositionPacket{
		EpochMS:     uint64(epoch.Start.UnixMilli()),
		MarkAPos:    line.MarkA,
		MarkBPos:    line.MarkB,
		LineOrigin:  line.Origin,
		LineDirUnit: line.Dir,
		BatchMode:   epoch.Burst,
		Nodes:       nodes,
	}
	if err := h.publisher.Publish(pkt); err != nil {
		monitoring.Logf("Error publishing fused packet: %v", err)
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.PublishFailures.Inc()
		}
	}
}

// logNodeHealth warns when a node raises a health flag it did not have
// last epoch. Flags come straight off the measurement packet header.
func (h *Hub) logNodeHealth(batch *EpochBatch) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, obs := range batch.Nodes {
		raised := obs.NodeFlags &^ h.health[id]
		h.health[id] = obs.NodeFlags
		if raised == 0 {
			continue
		}
		if raised&NodeFlagLowBattery != 0 {
			monitoring.Logf("Node %d low battery (%d mV)", id, obs.BatteryMV)
		}
		if raised&NodeFlagSDFull != 0 {
			monitoring.Logf("Node %d SD card full", id)
		}
		if raised&NodeFlagWifiLost != 0 {
			monitoring.Logf("Node %d lost wifi uplink", id)
		}
	}
}

// recordOCSEvents writes an OCS_DETECTED entry on each node's
// transition into OCS. Steady state is not re-logged every epoch.
func (h *Hub) recordOCSEvents(epoch uint64, nodes []NodePosition2D, calls map[uint32]OCSCall) {
	h.mu.Lock()
	defer h.mu.Unlock()

	byID := make(map[uint32]NodePosition2D, len(nodes))
	for _, n := range nodes {
		byID[n.NodeID] = n
	}

	for id, call := range calls {
		isOCS := call == CallOCS
		was := h.ocsState[id]
		h.ocsState[id] = isOCS
		if !isOCS || was {
			continue
		}
		n := byID[id]
		monitoring.Logf("OCS: node %d over by %.0f cm (quality %d)", id, n.DistanceToLineCM(), n.FixQuality)
		if h.cfg.RaceLog == nil || h.sessionID == "" {
			continue
		}
		payload := map[string]any{
			"x_line_m":       n.XLineM,
			"y_line_m":       n.YLineM,
			"fix_quality":    n.FixQuality,
			"batch_mode":     n.BatchMode,
			"distance_to_cm": n.DistanceToLineCM(),
		}
		if err := h.cfg.RaceLog.Record(h.sessionID, epoch, racelog.EventOCSDetected, id, payload); err != nil {
			monitoring.Logf("Error recording OCS event: %v", err)
		}
	}
}

// RecordGunSolve logs the final batch solve snapshot taken at the
// starting signal, the authoritative record for protest review.
func (h *Hub) RecordGunSolve(epoch uint64, nodes []NodePosition2D) {
	h.mu.Lock()
	session := h.sessionID
	h.mu.Unlock()
	if h.cfg.RaceLog == nil || session == "" {
		return
	}
	for _, n := range nodes {
		payload := map[string]any{
			"x_line_m":    n.XLineM,
			"y_line_m":    n.YLineM,
			"fix_quality": n.FixQuality,
			"ocs":         ClassifyOCS(n).String(),
		}
		if err := h.cfg.RaceLog.Record(session, epoch, racelog.EventGunSolve, n.NodeID, payload); err != nil {
			monitoring.Logf("Error recording gun solve: %v", err)
		}
	}
}
