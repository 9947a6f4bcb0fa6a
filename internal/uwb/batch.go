package uwb

import (
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// Batch solve tuning.
const (
	batchMaxIterations = 20
	batchConvergeM     = 0.001
	// batchDamping is a small Levenberg term keeping the normal matrix
	// positive definite when an unknown is briefly under-observed.
	batchDamping = 1e-6
)

// BatchAccumulator collects range measurements across several burst
// superframes and solves them jointly. The denser multi-epoch
// observation set is what pushes accuracy from the 3-5 cm incremental
// regime down to ~1 cm at the gun.
type BatchAccumulator struct {
	mu        sync.Mutex
	window    [][]RangeMeasurement
	maxEpochs int
}

// NewBatchAccumulator creates an accumulator holding at most maxEpochs
// superframes of measurements; older epochs fall off the window.
func NewBatchAccumulator(maxEpochs int) *BatchAccumulator {
	if maxEpochs < 1 {
		maxEpochs = 1
	}
	return &BatchAccumulator{maxEpochs: maxEpochs}
}

// Add appends one epoch's measurements to the window.
func (b *BatchAccumulator) Add(meas []RangeMeasurement) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]RangeMeasurement, len(meas))
	copy(cp, meas)
	b.window = append(b.window, cp)
	if len(b.window) > b.maxEpochs {
		b.window = b.window[len(b.window)-b.maxEpochs:]
	}
}

// Epochs returns how many epochs are currently accumulated.
func (b *BatchAccumulator) Epochs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.window)
}

// Reset clears the window, e.g. when leaving batch mode.
func (b *BatchAccumulator) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.window = nil
}

// Solve runs a joint Gauss-Newton WLS over the whole window. Unlike the
// per-node incremental solve, all unknowns are relinearized and updated
// together each iteration through one stacked normal-equation system,
// so boat-to-boat edges constrain both endpoints simultaneously.
func (b *BatchAccumulator) Solve(anchors AnchorMap, initial map[uint32]Vec2) (*SolveResult, error) {
	b.mu.Lock()
	var all []RangeMeasurement
	for _, epoch := range b.window {
		all = append(all, epoch...)
	}
	b.mu.Unlock()

	unknownSet := make(map[uint32]bool)
	for _, m := range all {
		if !anchors.IsAnchor(m.NodeI) {
			unknownSet[m.NodeI] = true
		}
		if !anchors.IsAnchor(m.NodeJ) {
			unknownSet[m.NodeJ] = true
		}
	}
	if len(unknownSet) == 0 || len(all) == 0 {
		return nil, ErrUnderdetermined
	}

	unknowns := make([]uint32, 0, len(unknownSet))
	for id := range unknownSet {
		unknowns = append(unknowns, id)
	}
	sort.Slice(unknowns, func(i, j int) bool { return unknowns[i] < unknowns[j] })
	slot := make(map[uint32]int, len(unknowns)) // node -> index of its x coordinate
	for i, id := range unknowns {
		slot[id] = 2 * i
	}

	dim := 2 * len(unknowns)
	state := mat.NewVecDense(dim, nil)
	for i, id := range unknowns {
		p, ok := initial[id]
		if !ok {
			p = Vec2{X: 0, Y: -50}
		}
		state.SetVec(2*i, float64(p.X))
		state.SetVec(2*i+1, float64(p.Y))
	}

	res := &SolveResult{}
	normal := mat.NewSymDense(dim, nil)
	rhs := mat.NewVecDense(dim, nil)
	delta := mat.NewVecDense(dim, nil)

	pos := func(id uint32) (x, y float64, ok bool) {
		if p, isAnchor := anchors[id]; isAnchor {
			return float64(p.X), float64(p.Y), true
		}
		if s, known := slot[id]; known {
			return state.AtVec(s), state.AtVec(s + 1), true
		}
		return 0, 0, false
	}

	for iter := 0; iter < batchMaxIterations; iter++ {
		res.Iterations = iter + 1
		normal.Zero()
		rhs.Zero()
		var sumSq float64
		res.Used, res.Rejected = 0, 0

		for _, m := range all {
			xi, yi, okI := pos(m.NodeI)
			xj, yj, okJ := pos(m.NodeJ)
			if !okI || !okJ {
				continue
			}
			dx := xi - xj
			dy := yi - yj
			dist := math.Max(math.Sqrt(dx*dx+dy*dy), minSolveRange)
			residual := float64(m.RangeM) - dist

			if norm := residual / float64(m.SigmaM); norm*norm > mahalanobisGate {
				res.Rejected++
				continue
			}
			w := huberWeight(float32(residual), m.SigmaM)
			sumSq += residual * residual
			res.Used++

			jx := dx / dist
			jy := dy / dist

			// Jacobian rows: +J at node i's slots, -J at node j's slots
			// (anchors contribute no columns).
			type entry struct {
				idx  int
				coef float64
			}
			var entries []entry
			if s, known := slot[m.NodeI]; known {
				entries = append(entries, entry{s, jx}, entry{s + 1, jy})
			}
			if s, known := slot[m.NodeJ]; known {
				entries = append(entries, entry{s, -jx}, entry{s + 1, -jy})
			}
			for _, ei := range entries {
				rhs.SetVec(ei.idx, rhs.AtVec(ei.idx)+w*ei.coef*residual)
				for _, ej := range entries {
					if ej.idx >= ei.idx {
						normal.SetSym(ei.idx, ej.idx, normal.At(ei.idx, ej.idx)+w*ei.coef*ej.coef)
					}
				}
			}
		}

		if res.Used == 0 {
			return nil, ErrUnderdetermined
		}
		for i := 0; i < dim; i++ {
			normal.SetSym(i, i, normal.At(i, i)+batchDamping)
		}

		var chol mat.Cholesky
		if ok := chol.Factorize(normal); !ok {
			// Not positive definite even with damping: some unknown has
			// no usable edges this window.
			break
		}
		if err := chol.SolveVecTo(delta, rhs); err != nil {
			break
		}

		var maxUpdate float64
		for i := 0; i < len(unknowns); i++ {
			ux := delta.AtVec(2 * i)
			uy := delta.AtVec(2*i + 1)
			if n := math.Sqrt(ux*ux + uy*uy); n > maxUpdate {
				maxUpdate = n
			}
		}
		state.AddVec(state, delta)
		res.RMSResidualM = float32(math.Sqrt(sumSq / float64(res.Used)))

		if maxUpdate < batchConvergeM {
			res.Converged = true
			break
		}
	}

	res.Positions = make(map[uint32]Vec2, len(unknowns))
	for i, id := range unknowns {
		res.Positions[id] = Vec2{
			X: float32(state.AtVec(2 * i)),
			Y: float32(state.AtVec(2*i + 1)),
		}
	}
	return res, nil
}
