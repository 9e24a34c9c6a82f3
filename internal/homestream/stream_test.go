package homestream

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/werdnum/family-assistant/internal/clock"
	"github.com/werdnum/family-assistant/internal/events"
)

type emitRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *emitRecorder) Emit(e events.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return true
}

func (r *emitRecorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func newTestStream(t *testing.T, cfg Config) (*Stream, *emitRecorder) {
	t.Helper()
	rec := &emitRecorder{}
	clk := clock.NewFake(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	return New(cfg, rec, nil, clk, nil), rec
}

func stateChangedEvent(t *testing.T, entityID, oldState, newState string) wsEvent {
	t.Helper()
	payload := map[string]any{
		"entity_id": entityID,
	}
	if oldState != "" {
		payload["old_state"] = map[string]any{"state": oldState}
	}
	if newState != "" {
		payload["new_state"] = map[string]any{
			"state":      newState,
			"attributes": map[string]any{"friendly_name": "Kitchen"},
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return wsEvent{Type: "state_changed", Data: raw}
}

func TestNormalizeStateChanged(t *testing.T) {
	s, _ := newTestStream(t, Config{})

	data := s.normalize(stateChangedEvent(t, "light.kitchen", "off", "on"))
	if data == nil {
		t.Fatal("state change skipped")
	}
	if data["entity_id"] != "light.kitchen" || data["event_type"] != "state_changed" {
		t.Errorf("data = %v", data)
	}
	ns, ok := data["new_state"].(map[string]any)
	if !ok || ns["state"] != "on" {
		t.Errorf("new_state = %v", data["new_state"])
	}
	attrs, ok := ns["attributes"].(map[string]any)
	if !ok || attrs["friendly_name"] != "Kitchen" {
		t.Errorf("attributes = %v", ns["attributes"])
	}
	os, ok := data["old_state"].(map[string]any)
	if !ok || os["state"] != "off" {
		t.Errorf("old_state = %v", data["old_state"])
	}
}

func TestNormalizeSkipsEntityRemoval(t *testing.T) {
	s, _ := newTestStream(t, Config{})

	if data := s.normalize(stateChangedEvent(t, "light.gone", "on", "")); data != nil {
		t.Errorf("removal produced payload %v, want skip", data)
	}
}

func TestNormalizeAppliesEntityFilter(t *testing.T) {
	s, _ := newTestStream(t, Config{EntityFilters: []string{"person.*"}})

	if data := s.normalize(stateChangedEvent(t, "light.kitchen", "off", "on")); data != nil {
		t.Error("filtered entity passed")
	}
	if data := s.normalize(stateChangedEvent(t, "person.alice", "away", "home")); data == nil {
		t.Error("matching entity skipped")
	}
}

func TestNormalizeRateLimits(t *testing.T) {
	s, _ := newTestStream(t, Config{RateLimitPerMinute: 1})

	if s.normalize(stateChangedEvent(t, "sensor.power", "1", "2")) == nil {
		t.Fatal("first event skipped")
	}
	if s.normalize(stateChangedEvent(t, "sensor.power", "2", "3")) != nil {
		t.Error("over-limit event passed")
	}
	// Unrelated entity unaffected.
	if s.normalize(stateChangedEvent(t, "sensor.water", "1", "2")) == nil {
		t.Error("unrelated entity limited")
	}
}

func TestNormalizeOtherEventTypes(t *testing.T) {
	s, _ := newTestStream(t, Config{})

	ev := wsEvent{Type: "automation_triggered", Data: json.RawMessage(`{"name": "porch"}`)}
	data := s.normalize(ev)
	if data == nil {
		t.Fatal("event skipped")
	}
	if data["event_type"] != "automation_triggered" || data["name"] != "porch" {
		t.Errorf("data = %v", data)
	}

	// Empty payloads still produce a usable map.
	data = s.normalize(wsEvent{Type: "homeassistant_started"})
	if data == nil || data["event_type"] != "homeassistant_started" {
		t.Errorf("data = %v", data)
	}

	// Undecodable payloads are dropped, not crashed on.
	if data := s.normalize(wsEvent{Type: "weird", Data: json.RawMessage(`[1,2]`)}); data != nil {
		t.Errorf("non-object payload produced %v, want skip", data)
	}
}

func TestHandleEventEmitsWithFiredTime(t *testing.T) {
	s, rec := newTestStream(t, Config{})

	fired := time.Date(2025, 6, 1, 9, 59, 0, 0, time.UTC)
	ev := stateChangedEvent(t, "light.kitchen", "off", "on")
	ev.TimeFired = fired
	s.handleEvent(ev)

	got := rec.all()
	if len(got) != 1 {
		t.Fatalf("emitted %d events, want 1", len(got))
	}
	if got[0].Source != events.SourceHome || got[0].Type != "state_changed" {
		t.Errorf("event = %s/%s", got[0].Source, got[0].Type)
	}
	if !got[0].OccurredAt.Equal(fired) {
		t.Errorf("occurred_at = %v, want %v", got[0].OccurredAt, fired)
	}
	if got[0].EntityKey() != "light.kitchen" {
		t.Errorf("entity key = %q", got[0].EntityKey())
	}
}

func TestStartRequiresConfig(t *testing.T) {
	s, _ := newTestStream(t, Config{})
	if err := s.Start(t.Context()); err == nil {
		t.Error("Start accepted empty config")
	}
	s, _ = newTestStream(t, Config{URL: "http://hub.local:8123"})
	if err := s.Start(t.Context()); err == nil {
		t.Error("Start accepted missing token")
	}
}
