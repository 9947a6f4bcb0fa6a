package uwb

import (
	"math"
	"sort"
	"sync"
)

// FilterState is the lifecycle state of one node's filter.
type FilterState int

const (
	// FilterUninitialized means the node has no committed state yet;
	// output is suppressed until a solve can bootstrap it.
	FilterUninitialized FilterState = iota
	// FilterTracking means the filter carries a committed position and
	// produces one output per epoch (fused or dead-reckoned).
	FilterTracking
)

// Numerical guards for the covariance update, matching the incremental
// tracker's behavior when the innovation covariance degenerates.
const (
	minInnovationDet = 1e-9
	// headingSpeedFloorMPS is the speed below which heading falls back
	// to the IMU yaw instead of the velocity direction.
	headingSpeedFloorMPS = 0.3
)

// EngineConfig holds fusion engine tuning. Values are per-superframe
// filter noise and lifecycle thresholds; DefaultEngineConfig gives the
// field-tuned defaults.
type EngineConfig struct {
	ProcessNoisePos       float32 // position process noise per epoch (m^2)
	ProcessNoiseVel       float32 // velocity process noise per epoch ((m/s)^2)
	MeasurementNoiseFloor float32 // lower bound on solve-position variance (m^2)
	MaxMissedEpochs       int     // consecutive missed epochs before teardown
	BatchWindowEpochs     int     // superframes accumulated for the gun solve
	SolveIterations       int     // Gauss-Newton iterations, incremental solve
	SolveConvergeM        float32 // incremental solve convergence threshold
}

// DefaultEngineConfig returns the default fusion tuning.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		ProcessNoisePos:       0.0004, // (2 cm)^2 drift per superframe
		ProcessNoiseVel:       0.01,
		MeasurementNoiseFloor: 0.0004,
		MaxMissedEpochs:       20, // one second of silence at 50 ms cadence
		BatchWindowEpochs:     40,
		SolveIterations:       10,
		SolveConvergeM:        0.005,
	}
}

// NodeFilter is the persistent fused state of one node, in the line
// frame: constant-velocity Kalman state [x y vx vy] with a 4x4
// covariance, plus lifecycle and quality bookkeeping. Exclusively
// written by the fusion task owning the node for the current epoch.
type NodeFilter struct {
	NodeID      uint32
	Designation NodeDesignation
	State       FilterState

	// Kalman state, line frame.
	X, Y   float32
	VX, VY float32
	P      [16]float32 // row-major 4x4

	HeadingDeg float32
	Quality    uint8
	LastEpoch  uint64
	Misses     int // consecutive epochs without a usable solve
	Epochs     int // committed epochs since bootstrap
}

// predict advances the filter one interval under the constant-velocity
// model: x' = x + v*dt, with covariance P' = F P F^T + Q computed
// in-place.
func (f *NodeFilter) predict(dt, qPos, qVel float32) {
	f.X += f.VX * dt
	f.Y += f.VY * dt

	P := f.P
	var FP [16]float32
	for j := 0; j < 4; j++ {
		FP[0*4+j] = P[0*4+j] + dt*P[2*4+j]
		FP[1*4+j] = P[1*4+j] + dt*P[3*4+j]
		FP[2*4+j] = P[2*4+j]
		FP[3*4+j] = P[3*4+j]
	}
	for i := 0; i < 4; i++ {
		f.P[i*4+0] = FP[i*4+0] + dt*FP[i*4+2]
		f.P[i*4+1] = FP[i*4+1] + dt*FP[i*4+3]
		f.P[i*4+2] = FP[i*4+2]
		f.P[i*4+3] = FP[i*4+3]
	}
	f.P[0*4+0] += qPos
	f.P[1*4+1] += qPos
	f.P[2*4+2] += qVel
	f.P[3*4+3] += qVel
}

// update blends a solved position measurement into the filter with
// measurement variance r (m^2), the standard position-only Kalman
// update with the 2x2 innovation inverted in closed form.
func (f *NodeFilter) update(z Vec2, r float32) {
	yX := z.X - f.X
	yY := z.Y - f.Y

	S00 := f.P[0*4+0] + r
	S01 := f.P[0*4+1]
	S10 := f.P[1*4+0]
	S11 := f.P[1*4+1] + r

	det := S00*S11 - S01*S10
	if det < minInnovationDet {
		return
	}
	invS00 := S11 / det
	invS01 := -S01 / det
	invS10 := -S10 / det
	invS11 := S00 / det

	var K [8]float32
	for i := 0; i < 4; i++ {
		K[i*2+0] = f.P[i*4+0]*invS00 + f.P[i*4+1]*invS10
		K[i*2+1] = f.P[i*4+0]*invS01 + f.P[i*4+1]*invS11
	}

	f.X += K[0*2+0]*yX + K[0*2+1]*yY
	f.Y += K[1*2+0]*yX + K[1*2+1]*yY
	f.VX += K[2*2+0]*yX + K[2*2+1]*yY
	f.VY += K[3*2+0]*yX + K[3*2+1]*yY

	var IKH [16]float32
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var identity float32
			if i == j {
				identity = 1
			}
			var kh float32
			switch j {
			case 0:
				kh = K[i*2+0]
			case 1:
				kh = K[i*2+1]
			}
			IKH[i*4+j] = identity - kh
		}
	}
	var newP [16]float32
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var sum float32
			for k := 0; k < 4; k++ {
				sum += IKH[i*4+k] * f.P[k*4+j]
			}
			newP[i*4+j] = sum
		}
	}
	f.P = newP
}

// bootstrap initializes the filter at a solved position with high
// position uncertainty and zero velocity.
func (f *NodeFilter) bootstrap(z Vec2) {
	f.X, f.Y = z.X, z.Y
	f.VX, f.VY = 0, 0
	f.P = [16]float32{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 0.25, 0,
		0, 0, 0, 0.25,
	}
	f.State = FilterTracking
	f.Epochs = 0
	f.Misses = 0
}

// Speed returns the filter's current speed magnitude.
func (f *NodeFilter) Speed() float32 {
	return float32(math.Sqrt(float64(f.VX*f.VX + f.VY*f.VY)))
}

// Engine is the position fusion core: per epoch it turns aggregated
// ranging observations plus the committed line geometry into one
// NodePosition2D per tracked node. Incremental mode blends a
// per-epoch multilateration solve with the Kalman prediction; batch
// mode accumulates burst superframes and solves them jointly.
type Engine struct {
	cfg   EngineConfig
	arena *FilterArena
	batch *BatchAccumulator

	mu            sync.Mutex
	batchMode     bool
	lastResidualM float32
	removed       []uint32
}

// LastResidualM returns the RMS range residual of the most recent
// successful solve, in meters.
func (e *Engine) LastResidualM() float32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastResidualM
}

// NewEngine creates a fusion engine with the given tuning.
func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{
		cfg:   cfg,
		arena: NewFilterArena(),
		batch: NewBatchAccumulator(cfg.BatchWindowEpochs),
	}
}

// Arena exposes the filter arena for read-only inspection (debug
// endpoints, tests).
func (e *Engine) Arena() *FilterArena { return e.arena }

// SetBatchMode switches the engine between incremental tracking and
// the high-precision batch (gun) solve. Entering batch mode starts a
// fresh accumulation window; leaving it discards the window. The
// per-epoch output stream is unaffected by switches: every epoch still
// produces exactly one output per tracked node.
func (e *Engine) SetBatchMode(on bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if on == e.batchMode {
		return
	}
	e.batchMode = on
	e.batch.Reset()
}

// BatchMode reports whether the engine is in batch mode.
func (e *Engine) BatchMode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.batchMode
}

// FuseEpoch runs one epoch of fusion. batch holds the harvested
// observations, line is the epoch's committed geometry, and dt is the
// superframe interval in seconds. Returns one NodePosition2D per node
// that has committed state this epoch, sorted by node ID; nodes that
// could not be bootstrapped are absent.
func (e *Engine) FuseEpoch(batch *EpochBatch, line LineGeometry, dt float32) []NodePosition2D {
	e.mu.Lock()
	batchMode := e.batchMode
	e.mu.Unlock()

	anchors := e.anchorPositions(batch, line)
	meas := e.rangeMeasurements(batch, anchors)

	// Warm start from the one-step prediction, not the last state.
	// Ranging against two collinear anchors cannot tell the two sides
	// of the line apart; the filter's momentum is what carries the
	// solve onto the correct branch as a boat crosses.
	initial := make(map[uint32]Vec2)
	for _, f := range e.arena.All() {
		if f.State == FilterTracking {
			initial[f.NodeID] = Vec2{f.X + f.VX*dt, f.Y + f.VY*dt}
		}
	}

	var solved *SolveResult
	if batchMode {
		e.batch.Add(meas)
		if r, err := e.batch.Solve(anchors, initial); err == nil {
			solved = r
		}
	}
	if solved == nil {
		if r, err := SolvePositions(meas, anchors, initial, e.cfg.SolveIterations, e.cfg.SolveConvergeM); err == nil {
			solved = r
		}
	}
	if solved != nil {
		e.mu.Lock()
		e.lastResidualM = solved.RMSResidualM
		e.mu.Unlock()
	}

	// Track every node that either reported or is already tracked.
	nodeIDs := make(map[uint32]bool)
	for id, obs := range batch.Nodes {
		if !obs.Designation.IsMark() {
			nodeIDs[id] = true
		}
	}
	for _, f := range e.arena.All() {
		nodeIDs[f.NodeID] = true
	}

	var out []NodePosition2D
	var removed []uint32
	for id := range nodeIDs {
		obs := batch.Nodes[id]
		designation := DesignationBoat
		if obs != nil {
			designation = obs.Designation
		} else if f := e.arena.Get(id); f != nil {
			designation = f.Designation
		}
		if designation.IsMark() {
			continue // marks are emitted from the anchor table below
		}

		f := e.arena.Ensure(id, designation)
		if pos := e.fuseNode(f, obs, solved, batch.Epoch, dt, batchMode); pos != nil {
			out = append(out, *pos)
		} else if e.arena.Get(id) == nil {
			removed = append(removed, id)
		}
	}
	e.mu.Lock()
	e.removed = removed
	e.mu.Unlock()

	out = append(out, e.markPositions(batch, line, batchMode)...)
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// RemovedNodes returns the node IDs torn down during the most recent
// FuseEpoch. Callers use it to clear per-node state elsewhere so a
// rebooted node can rejoin with a fresh sequence counter.
func (e *Engine) RemovedNodes() []uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removed
}

// fuseNode advances one non-mark node by one epoch. Returns nil when
// the node's output is suppressed (uninitialized with no solve, or torn
// down after too many misses).
func (e *Engine) fuseNode(f *NodeFilter, obs *NodeObservation, solved *SolveResult, epoch uint64, dt float32, batchMode bool) *NodePosition2D {
	var solvedPos *Vec2
	var residual float32
	if solved != nil {
		if p, ok := solved.Positions[f.NodeID]; ok {
			solvedPos = &p
			residual = solved.RMSResidualM
		}
	}

	hasReports := obs != nil && len(obs.Reports) > 0

	switch f.State {
	case FilterUninitialized:
		if solvedPos == nil || !hasReports {
			// Insufficient data to bootstrap; output suppressed rather
			// than publishing a low-confidence guess.
			return nil
		}
		f.bootstrap(*solvedPos)
		f.Quality = e.scoreEpoch(obs, residual)

	case FilterTracking:
		f.predict(dt, e.cfg.ProcessNoisePos, e.cfg.ProcessNoiseVel)
		if solvedPos != nil && hasReports {
			r := residual * residual
			if r < e.cfg.MeasurementNoiseFloor {
				r = e.cfg.MeasurementNoiseFloor
			}
			f.update(*solvedPos, r)
			f.Misses = 0
			f.Quality = e.scoreEpoch(obs, residual)
		} else {
			// Dead-reckoning hold: IMU-propagated prediction only, with
			// quality capped below the OCS gate.
			f.Misses++
			if f.Misses > e.cfg.MaxMissedEpochs {
				e.arena.Remove(f.NodeID)
				return nil
			}
			f.Quality = DeadReckonQuality(f.Quality, f.Misses)
		}
	}

	f.HeadingDeg = e.heading(f, obs)
	f.LastEpoch = epoch
	f.Epochs++

	return &NodePosition2D{
		NodeID:     f.NodeID,
		XLineM:     f.X,
		YLineM:     f.Y,
		VXLineMPS:  f.VX,
		VYLineMPS:  f.VY,
		HeadingDeg: f.HeadingDeg,
		FixQuality: f.Quality,
		BatchMode:  batchMode,
	}
}

// scoreEpoch computes the fix quality for a node's epoch from its
// retained reports and the solve residual.
func (e *Engine) scoreEpoch(obs *NodeObservation, residual float32) uint8 {
	var in QualityInputs
	in.ResidualM = residual
	var snrSum float32
	for _, r := range obs.Reports {
		if r.Flagged() {
			in.FlaggedPeers++
			continue
		}
		in.CleanPeers++
		snrSum += r.SNRdB()
	}
	if in.CleanPeers > 0 {
		in.MeanCleanSNR = snrSum / float32(in.CleanPeers)
	}
	return ComputeFixQuality(in)
}

// heading derives the output heading: velocity direction when the node
// is moving, IMU yaw otherwise. Degrees clockwise from the course-side
// axis (+Y line frame), so 0 means sailing straight at the line.
func (e *Engine) heading(f *NodeFilter, obs *NodeObservation) float32 {
	if f.Speed() >= headingSpeedFloorMPS {
		h := float32(math.Atan2(float64(f.VX), float64(f.VY)) * 180 / math.Pi)
		if h < 0 {
			h += 360
		}
		return h
	}
	if obs != nil {
		h := 90 - obs.Orientation.YawDeg()
		for h < 0 {
			h += 360
		}
		for h >= 360 {
			h -= 360
		}
		return h
	}
	return f.HeadingDeg
}

// anchorPositions builds the fixed-position table for the solve: the
// two marks at their line-frame projections.
func (e *Engine) anchorPositions(batch *EpochBatch, line LineGeometry) AnchorMap {
	anchors := make(AnchorMap, 2)
	for id, obs := range batch.Nodes {
		switch obs.Designation {
		case DesignationMarkA:
			anchors[id] = line.MarkALine()
		case DesignationMarkB:
			anchors[id] = line.MarkBLine()
		}
	}
	// Marks that went quiet this epoch but are tracked keep anchoring.
	for _, f := range e.arena.All() {
		if _, ok := anchors[f.NodeID]; ok {
			continue
		}
		switch f.Designation {
		case DesignationMarkA:
			anchors[f.NodeID] = line.MarkALine()
		case DesignationMarkB:
			anchors[f.NodeID] = line.MarkBLine()
		}
	}
	return anchors
}

// rangeMeasurements flattens the epoch's observations into horizontal
// range constraints. Edges to peers that are neither anchors, tracked,
// nor reporting this epoch are ignored (unregistered peers).
func (e *Engine) rangeMeasurements(batch *EpochBatch, anchors AnchorMap) []RangeMeasurement {
	known := func(id uint32) bool {
		if anchors.IsAnchor(id) {
			return true
		}
		if _, ok := batch.Nodes[id]; ok {
			return true
		}
		return e.arena.Get(id) != nil
	}

	var meas []RangeMeasurement
	for id, obs := range batch.Nodes {
		for _, r := range obs.Reports {
			if !known(r.PeerID) {
				continue
			}
			meas = append(meas, RangeMeasurement{
				NodeI:  id,
				NodeJ:  r.PeerID,
				RangeM: HorizontalRangeM(r),
				SigmaM: r.SigmaRangeM(),
				NLOS:   r.IsNLOS(),
			})
		}
	}
	return meas
}

// markPositions emits the marks' own outputs. Marks anchor the frame,
// so their line positions come from the committed geometry rather than
// a solve; a mark that did not report this epoch is omitted.
func (e *Engine) markPositions(batch *EpochBatch, line LineGeometry, batchMode bool) []NodePosition2D {
	var out []NodePosition2D
	for id, obs := range batch.Nodes {
		var p Vec2
		switch obs.Designation {
		case DesignationMarkA:
			p = line.MarkALine()
		case DesignationMarkB:
			p = line.MarkBLine()
		default:
			continue
		}
		// Track marks in the arena for designation lookups and
		// connection-loss accounting.
		f := e.arena.Ensure(id, obs.Designation)
		f.State = FilterTracking
		f.X, f.Y = p.X, p.Y
		f.LastEpoch = batch.Epoch
		f.Misses = 0
		f.Quality = e.scoreEpoch(obs, 0)

		out = append(out, NodePosition2D{
			NodeID:     id,
			XLineM:     p.X,
			YLineM:     p.Y,
			HeadingDeg: 0,
			FixQuality: f.Quality,
			BatchMode:  batchMode,
		})
	}
	return out
}
