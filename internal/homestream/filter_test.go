package homestream

import (
	"testing"
	"time"
)

func TestEntityFilterMatch(t *testing.T) {
	tests := []struct {
		name     string
		globs    []string
		entityID string
		want     bool
	}{
		{"no patterns pass everything", nil, "light.kitchen", true},
		{"domain glob", []string{"person.*"}, "person.alice", true},
		{"domain glob rejects others", []string{"person.*"}, "light.kitchen", false},
		{"substring glob", []string{"binary_sensor.*door*"}, "binary_sensor.front_door", true},
		{"any of several", []string{"person.*", "light.*"}, "light.kitchen", true},
		{"exact id", []string{"sensor.outside_temp"}, "sensor.outside_temp", true},
		{"bad pattern skipped", []string{"[", "light.*"}, "light.kitchen", true},
		{"bad pattern alone rejects", []string{"["}, "light.kitchen", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEntityFilter(tt.globs, nil)
			if got := f.match(tt.entityID); got != tt.want {
				t.Errorf("match(%q) = %v, want %v", tt.entityID, got, tt.want)
			}
		})
	}
}

func TestEntityLimiterWindow(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	lim := newEntityLimiter(2, func() time.Time { return now })

	if !lim.allow("sensor.power") || !lim.allow("sensor.power") {
		t.Fatal("first two events rejected")
	}
	if lim.allow("sensor.power") {
		t.Error("third event within the window allowed")
	}

	// Another entity has its own budget.
	if !lim.allow("sensor.water") {
		t.Error("unrelated entity rejected")
	}

	// Sliding past the minute frees the budget.
	now = now.Add(61 * time.Second)
	if !lim.allow("sensor.power") {
		t.Error("event after window expiry rejected")
	}
}

func TestEntityLimiterDisabled(t *testing.T) {
	lim := newEntityLimiter(0, nil)
	for i := 0; i < 100; i++ {
		if !lim.allow("sensor.chatty") {
			t.Fatal("disabled limiter rejected an event")
		}
	}
}

func TestEntityLimiterSweep(t *testing.T) {
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	lim := newEntityLimiter(5, func() time.Time { return now })

	lim.allow("sensor.old")
	now = now.Add(2 * time.Minute)
	lim.allow("sensor.fresh")

	lim.sweep()

	lim.mu.Lock()
	_, hasOld := lim.history["sensor.old"]
	_, hasFresh := lim.history["sensor.fresh"]
	lim.mu.Unlock()

	if hasOld {
		t.Error("expired entity not swept")
	}
	if !hasFresh {
		t.Error("fresh entity swept")
	}
}
