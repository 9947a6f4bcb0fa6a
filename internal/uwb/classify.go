package uwb

// OCSCall is the three-valued result of the OCS rule. Indeterminate is
// a first-class outcome: below the quality gate the classifier refuses
// to call either way, and callers must never collapse it into NotOCS.
type OCSCall int

const (
	CallIndeterminate OCSCall = iota
	CallNotOCS
	CallOCS
)

// String returns the call as a wire/log label.
func (c OCSCall) String() string {
	switch c {
	case CallOCS:
		return "ocs"
	case CallNotOCS:
		return "not-ocs"
	}
	return "indeterminate"
}

// ClassifyOCS applies the quality-gated line-crossing rule to one fused
// output. A node is OCS iff it is more than OCSThresholdM over the line
// AND its fix quality meets MinFixQuality; below the gate the result is
// always Indeterminate regardless of position.
func ClassifyOCS(n NodePosition2D) OCSCall {
	if n.FixQuality < MinFixQuality {
		return CallIndeterminate
	}
	if n.YLineM > OCSThresholdM {
		return CallOCS
	}
	return CallNotOCS
}

// ClassifyAll applies the rule to every node in a fused set.
func ClassifyAll(nodes []NodePosition2D) map[uint32]OCSCall {
	calls := make(map[uint32]OCSCall, len(nodes))
	for _, n := range nodes {
		calls[n.NodeID] = ClassifyOCS(n)
	}
	return calls
}
