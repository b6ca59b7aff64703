package op

// VectorClock maps a participant ID to the count of operations it has
// authored. It tags operations with causal context so replicas can tell
// "happened before" apart from "concurrent"; total order still comes from
// the room's server_sequence.
type VectorClock map[string]int64

// Bump increments the counter for one participant and returns the clock.
func (vc VectorClock) Bump(id string) VectorClock {
	vc[id]++
	return vc
}

// Clone returns an independent copy.
func (vc VectorClock) Clone() VectorClock {
	if vc == nil {
		return nil
	}
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Merge folds another clock in, taking the max per participant.
func (vc VectorClock) Merge(other VectorClock) {
	for k, v := range other {
		if v > vc[k] {
			vc[k] = v
		}
	}
}

// Dominates reports whether every counter in other is covered by this clock.
func (vc VectorClock) Dominates(other VectorClock) bool {
	for k, v := range other {
		if vc[k] < v {
			return false
		}
	}
	return true
}

// Concurrent reports whether neither clock dominates the other.
func (vc VectorClock) Concurrent(other VectorClock) bool {
	return !vc.Dominates(other) && !other.Dominates(vc)
}
