package room

// VectorClock maps a participant id to the number of that participant's
// updates the carrying state reflects. Absent entries count as zero.
type VectorClock map[string]uint64

// Ordering is the result of comparing two vector clocks
type Ordering int

const (
	OrderEqual      Ordering = iota
	OrderBefore              // receiver is causally before the other
	OrderAfter               // receiver dominates the other
	OrderConcurrent          // neither dominates
)

// Compare returns the causal ordering of vc relative to other
func (vc VectorClock) Compare(other VectorClock) Ordering {
	var ahead, behind bool
	for id, n := range vc {
		if n > other[id] {
			ahead = true
		}
	}
	for id, n := range other {
		if n > vc[id] {
			behind = true
		}
	}
	switch {
	case ahead && behind:
		return OrderConcurrent
	case ahead:
		return OrderAfter
	case behind:
		return OrderBefore
	default:
		return OrderEqual
	}
}

// Dominates reports whether vc causally succeeds other
// (>= in every component, > in at least one)
func (vc VectorClock) Dominates(other VectorClock) bool {
	return vc.Compare(other) == OrderAfter
}

// Merge returns the component-wise maximum of both clocks
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	out := make(VectorClock, len(vc)+len(other))
	for id, n := range vc {
		out[id] = n
	}
	for id, n := range other {
		if n > out[id] {
			out[id] = n
		}
	}
	return out
}

// Clone returns an independent copy so stored clocks are never aliased
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for id, n := range vc {
		out[id] = n
	}
	return out
}
