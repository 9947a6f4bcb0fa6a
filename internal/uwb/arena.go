package uwb

import "sync"

// FilterArena holds the per-node filter states that persist across
// epochs. Each filter has a single writer — the fusion task handling
// that node for the current epoch — while the publisher and classifier
// read immutable snapshots taken after the epoch commits. Map
// membership (add/remove) is mutated only between epochs by the
// engine, never concurrently with fusion.
type FilterArena struct {
	mu      sync.RWMutex
	filters map[uint32]*NodeFilter
}

// NewFilterArena creates an empty arena.
func NewFilterArena() *FilterArena {
	return &FilterArena{filters: make(map[uint32]*NodeFilter)}
}

// Get returns the filter for a node, or nil if the node is untracked.
func (a *FilterArena) Get(nodeID uint32) *NodeFilter {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.filters[nodeID]
}

// Ensure returns the filter for a node, creating an uninitialized one
// if the node is new.
func (a *FilterArena) Ensure(nodeID uint32, designation NodeDesignation) *NodeFilter {
	a.mu.Lock()
	defer a.mu.Unlock()
	f := a.filters[nodeID]
	if f == nil {
		f = &NodeFilter{NodeID: nodeID, Designation: designation, State: FilterUninitialized}
		a.filters[nodeID] = f
	}
	f.Designation = designation
	return f
}

// Remove tears down a node's filter, discarding its state. Called when
// the node exceeds the missed-epoch threshold; the node bootstraps from
// scratch on reconnection.
func (a *FilterArena) Remove(nodeID uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.filters, nodeID)
}

// All returns the tracked filters in unspecified order.
func (a *FilterArena) All() []*NodeFilter {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*NodeFilter, 0, len(a.filters))
	for _, f := range a.filters {
		out = append(out, f)
	}
	return out
}

// Count returns the number of tracked nodes.
func (a *FilterArena) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.filters)
}
