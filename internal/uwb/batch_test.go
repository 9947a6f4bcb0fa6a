package uwb

import (
	"errors"
	"testing"
)

func TestBatchAccumulatorWindow(t *testing.T) {
	b := NewBatchAccumulator(3)
	for i := 0; i < 5; i++ {
		b.Add([]RangeMeasurement{{NodeI: 10, NodeJ: 1, RangeM: float32(i), SigmaM: 0.07}})
	}
	if got := b.Epochs(); got != 3 {
		t.Errorf("Epochs() = %d, want window cap 3", got)
	}
	b.Reset()
	if got := b.Epochs(); got != 0 {
		t.Errorf("Epochs() after reset = %d", got)
	}
}

func TestBatchSolveExactRanges(t *testing.T) {
	anchors := testAnchors()
	truth := Vec2{X: 3, Y: -8}

	b := NewBatchAccumulator(40)
	// Several identical epochs of noise-free ranges.
	for i := 0; i < 10; i++ {
		b.Add([]RangeMeasurement{
			rangeTo(10, 1, truth, anchors[1]),
			rangeTo(10, 2, truth, anchors[2]),
			rangeTo(10, 3, truth, anchors[3]),
		})
	}

	res, err := b.Solve(anchors, map[uint32]Vec2{10: {X: 2, Y: -9}})
	if err != nil {
		t.Fatalf("batch solve failed: %v", err)
	}
	if !res.Converged {
		t.Error("batch solve did not converge")
	}
	got := res.Positions[10]
	if !approxEq(got.X, truth.X, 0.005) || !approxEq(got.Y, truth.Y, 0.005) {
		t.Errorf("solved %+v, want %+v", got, truth)
	}
}

// The joint solve must use boat-to-boat edges to constrain both
// endpoints: node 11 has only one anchor edge and one edge to node 10,
// which a per-node solve cannot pin down but the joint system can.
func TestBatchSolveJointEdges(t *testing.T) {
	anchors := testAnchors()
	truthA := Vec2{X: -10, Y: -15}
	truthB := Vec2{X: 12, Y: -22}

	b := NewBatchAccumulator(40)
	for i := 0; i < 5; i++ {
		b.Add([]RangeMeasurement{
			rangeTo(10, 1, truthA, anchors[1]),
			rangeTo(10, 2, truthA, anchors[2]),
			rangeTo(10, 3, truthA, anchors[3]),
			rangeTo(11, 2, truthB, anchors[2]),
			rangeTo(11, 3, truthB, anchors[3]),
			{NodeI: 10, NodeJ: 11, RangeM: truthA.Sub(truthB).Norm(), SigmaM: 0.07},
		})
	}

	initial := map[uint32]Vec2{10: {X: -9, Y: -16}, 11: {X: 13, Y: -21}}
	res, err := b.Solve(anchors, initial)
	if err != nil {
		t.Fatalf("batch solve failed: %v", err)
	}
	for id, truth := range map[uint32]Vec2{10: truthA, 11: truthB} {
		got := res.Positions[id]
		if !approxEq(got.X, truth.X, 0.02) || !approxEq(got.Y, truth.Y, 0.02) {
			t.Errorf("node %d: solved %+v, want %+v", id, got, truth)
		}
	}
}

func TestBatchSolveEmptyWindow(t *testing.T) {
	b := NewBatchAccumulator(40)
	if _, err := b.Solve(testAnchors(), nil); !errors.Is(err, ErrUnderdetermined) {
		t.Errorf("empty window: got %v, want underdetermined", err)
	}
}
