package uwb

import (
	"errors"
	"math"
	"sort"
)

// Multilateration solver configuration constants.
const (
	// huberDeltaNorm is the normalized-residual threshold beyond which a
	// measurement's weight is reduced (robustness against NLOS bias).
	huberDeltaNorm = 1.5
	// mahalanobisGate rejects measurements whose squared normalized
	// residual exceeds the chi-squared 2-DoF 99th percentile.
	mahalanobisGate = 9.21
	// minSolveRange avoids a singular Jacobian when two estimates
	// momentarily coincide.
	minSolveRange = 0.001
)

// ErrUnderdetermined is returned when no unknown node has enough
// measurements to solve.
var ErrUnderdetermined = errors.New("uwb: not enough measurements to solve")

// RangeMeasurement is one range constraint between two nodes, already
// reduced to the horizontal plane.
type RangeMeasurement struct {
	NodeI  uint32
	NodeJ  uint32
	RangeM float32
	SigmaM float32 // per-edge 1-sigma noise (SigmaRangeM of the report)
	NLOS   bool
}

// AnchorMap holds the nodes whose line-frame positions are known and
// fixed for the solve (the marks, and optionally the committee boat).
type AnchorMap map[uint32]Vec2

// IsAnchor reports whether a node's position is fixed in this solve.
func (m AnchorMap) IsAnchor(nodeID uint32) bool {
	_, ok := m[nodeID]
	return ok
}

// SolveResult is the output of one multilateration solve.
type SolveResult struct {
	Positions    map[uint32]Vec2 // solved line-frame positions of the unknowns
	RMSResidualM float32
	Iterations   int
	Converged    bool
	Used         int // measurements inside the gate on the final pass
	Rejected     int // measurements rejected by the gate
}

// huberWeight returns the robust WLS weight for a residual: full
// inverse-variance weight inside the Huber threshold, tapered beyond it.
func huberWeight(residual, sigma float32) float64 {
	s := float64(sigma)
	normalized := math.Abs(float64(residual)) / s
	if normalized <= huberDeltaNorm {
		return 1.0 / (s * s)
	}
	return huberDeltaNorm / (normalized * s * s)
}

// SolvePositions runs iterative Gauss-Newton weighted least squares on
// the given range constraints. Each unknown node is relinearized against
// the current estimates of its peers per iteration; anchors stay fixed.
// Positions for unknowns missing from initial start at the line origin
// on the pre-start side.
//
// This is the per-epoch incremental solve; the batch (gun) path stacks
// several epochs and solves them jointly (see BatchAccumulator).
func SolvePositions(meas []RangeMeasurement, anchors AnchorMap, initial map[uint32]Vec2, maxIter int, convergeM float32) (*SolveResult, error) {
	unknownSet := make(map[uint32]bool)
	for _, m := range meas {
		if !anchors.IsAnchor(m.NodeI) {
			unknownSet[m.NodeI] = true
		}
		if !anchors.IsAnchor(m.NodeJ) {
			unknownSet[m.NodeJ] = true
		}
	}
	if len(unknownSet) == 0 {
		return nil, ErrUnderdetermined
	}
	unknowns := make([]uint32, 0, len(unknownSet))
	for id := range unknownSet {
		unknowns = append(unknowns, id)
	}
	sort.Slice(unknowns, func(i, j int) bool { return unknowns[i] < unknowns[j] })

	positions := make(map[uint32]Vec2, len(unknowns))
	for _, id := range unknowns {
		if p, ok := initial[id]; ok {
			positions[id] = p
		} else {
			positions[id] = Vec2{X: 0, Y: -50} // 50 m below the line pre-start
		}
	}

	res := &SolveResult{Positions: positions}
	for iter := 0; iter < maxIter; iter++ {
		res.Iterations = iter + 1
		var maxUpdate float32
		var sumSq float64
		res.Used, res.Rejected = 0, 0

		for _, id := range unknowns {
			pi := positions[id]
			// 2x2 normal equations for this node.
			var a00, a01, a11, b0, b1 float64

			for _, m := range meas {
				var peer uint32
				switch id {
				case m.NodeI:
					peer = m.NodeJ
				case m.NodeJ:
					peer = m.NodeI
				default:
					continue
				}
				pj, ok := anchors[peer]
				if !ok {
					pj, ok = positions[peer]
					if !ok {
						continue
					}
				}

				dx := float64(pi.X - pj.X)
				dy := float64(pi.Y - pj.Y)
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
				a00 += w * jx * jx
				a01 += w * jx * jy
				a11 += w * jy * jy
				b0 += w * jx * residual
				b1 += w * jy * residual
			}

			det := a00*a11 - a01*a01
			if math.Abs(det) < 1e-10 {
				continue // singular: too few usable edges for this node
			}
			dx := (a11*b0 - a01*b1) / det
			dy := (a00*b1 - a01*b0) / det

			update := float32(math.Sqrt(dx*dx + dy*dy))
			if update > maxUpdate {
				maxUpdate = update
			}
			positions[id] = Vec2{pi.X + float32(dx), pi.Y + float32(dy)}
		}

		if res.Used > 0 {
			res.RMSResidualM = float32(math.Sqrt(sumSq / float64(res.Used)))
		}
		if maxUpdate < convergeM {
			res.Converged = true
			break
		}
	}

	if res.Used == 0 {
		return nil, ErrUnderdetermined
	}
	return res, nil
}
