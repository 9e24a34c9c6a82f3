package processor

import (
	"github.com/werdnum/family-assistant/internal/events"
)

// matchConditions evaluates a structured dotted-path equality map
// against the event tree. All entries must match. Semantics:
//
//   - a missing path never matches
//   - arrays are opaque: traversal into or comparison against an
//     array never matches (use a condition script for array logic)
//   - maps as comparison targets never match
//   - booleans and numbers compare by value, not string form
//
// An empty condition map is rejected at registration time, so it is
// treated here as no-match rather than match-everything.
func matchConditions(conds map[string]any, ev events.Event) bool {
	if len(conds) == 0 {
		return false
	}
	for path, want := range conds {
		got, ok := ev.Lookup(path)
		if !ok {
			return false
		}
		if !scalarEqual(got, want) {
			return false
		}
	}
	return true
}

// scalarEqual compares two scalar values. Numeric types compare
// numerically (JSON decoding yields float64, event producers may use
// native ints). Non-scalar values never compare equal.
func scalarEqual(got, want any) bool {
	switch g := got.(type) {
	case map[string]any, []any:
		return false
	case bool:
		w, ok := want.(bool)
		return ok && g == w
	case string:
		w, ok := want.(string)
		return ok && g == w
	case nil:
		return want == nil
	default:
		gf, gok := toFloat(got)
		wf, wok := toFloat(want)
		if gok && wok {
			return gf == wf
		}
		return got == want
	}
}

// toFloat widens any numeric type to float64 for comparison.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
