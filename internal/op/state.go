package op

import (
	"reflect"
	"sort"
)

// State is the resolved field map of one diagram element. Fields are opaque
// JSON values to this subsystem; the merge policy compares them only for
// equality.
type State map[string]any

// Clone returns a shallow copy. Field values are treated as immutable by
// every consumer, so one level of copying is enough.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Equal reports whether two states carry the same fields with equal values.
func (s State) Equal(other State) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		ov, ok := other[k]
		if !ok || !reflect.DeepEqual(v, ov) {
			return false
		}
	}
	return true
}

// DiffFields lists the fields that differ between two states, sorted so the
// transform result is deterministic regardless of map iteration order.
func DiffFields(before, after State) []string {
	seen := make(map[string]bool)
	var fields []string
	for k, v := range after {
		bv, ok := before[k]
		if !ok || !reflect.DeepEqual(v, bv) {
			fields = append(fields, k)
			seen[k] = true
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok && !seen[k] {
			fields = append(fields, k)
		}
	}
	sort.Strings(fields)
	return fields
}
