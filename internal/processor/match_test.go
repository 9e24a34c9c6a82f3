package processor

import (
	"testing"

	"github.com/werdnum/family-assistant/internal/events"
)

func stateChangeEvent() events.Event {
	return events.Event{
		ID:     events.NewID(),
		Source: events.SourceHome,
		Type:   "state_changed",
		Data: map[string]any{
			"entity_id": "light.kitchen",
			"new_state": map[string]any{
				"state": "on",
				"attributes": map[string]any{
					"brightness": float64(200),
					"on":         true,
				},
			},
			"tags": []any{"a", "b"},
		},
	}
}

func TestMatchConditions(t *testing.T) {
	ev := stateChangeEvent()

	tests := []struct {
		name  string
		conds map[string]any
		want  bool
	}{
		{
			name:  "single path match",
			conds: map[string]any{"entity_id": "light.kitchen"},
			want:  true,
		},
		{
			name: "all conditions must match",
			conds: map[string]any{
				"entity_id":       "light.kitchen",
				"new_state.state": "on",
			},
			want: true,
		},
		{
			name: "one mismatch fails all",
			conds: map[string]any{
				"entity_id":       "light.kitchen",
				"new_state.state": "off",
			},
			want: false,
		},
		{
			name:  "event_type pseudo-path",
			conds: map[string]any{"event_type": "state_changed"},
			want:  true,
		},
		{
			name:  "missing path never matches",
			conds: map[string]any{"no_such_field": "x"},
			want:  false,
		},
		{
			name:  "empty conditions never match",
			conds: map[string]any{},
			want:  false,
		},
		{
			name:  "nil conditions never match",
			conds: nil,
			want:  false,
		},
		{
			// JSON round trips store the condition as float64; producers
			// may put native ints in the event.
			name:  "numeric widening",
			conds: map[string]any{"new_state.attributes.brightness": 200},
			want:  true,
		},
		{
			name:  "bool compares by value",
			conds: map[string]any{"new_state.attributes.on": true},
			want:  true,
		},
		{
			name:  "bool against string fails",
			conds: map[string]any{"new_state.attributes.on": "true"},
			want:  false,
		},
		{
			name:  "arrays are opaque",
			conds: map[string]any{"tags": []any{"a", "b"}},
			want:  false,
		},
		{
			name:  "traversal into arrays fails",
			conds: map[string]any{"tags.0": "a"},
			want:  false,
		},
		{
			name:  "map comparison target fails",
			conds: map[string]any{"new_state": map[string]any{"state": "on"}},
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := matchConditions(tt.conds, ev); got != tt.want {
				t.Errorf("matchConditions(%v) = %v, want %v", tt.conds, got, tt.want)
			}
		})
	}
}

func TestScalarEqual(t *testing.T) {
	tests := []struct {
		name string
		got  any
		want any
		eq   bool
	}{
		{"int vs float64", 5, float64(5), true},
		{"int64 vs int", int64(7), 7, true},
		{"float mismatch", float64(5), float64(6), false},
		{"string", "x", "x", true},
		{"string vs number", "5", float64(5), false},
		{"nil vs nil", nil, nil, true},
		{"nil vs value", nil, "x", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scalarEqual(tt.got, tt.want); got != tt.eq {
				t.Errorf("scalarEqual(%v, %v) = %v, want %v", tt.got, tt.want, got, tt.eq)
			}
		})
	}
}
