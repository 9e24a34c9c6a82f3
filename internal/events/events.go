// Package events defines the event model shared by all ingestion
// sources and the processing pipeline. Events flow from sources
// (smart-home stream, webhook receiver, indexing signals, schedule
// ticker) into bounded queues drained by the processor. The queue is
// nil-safe: calling Emit on a nil *Queue is a no-op, so sources do not
// need guard checks.
package events

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Source constants identify which subsystem produced an event.
const (
	// SourceHome identifies events from the smart-home stream.
	SourceHome = "home"
	// SourceWebhook identifies events pushed through the webhook receiver.
	SourceWebhook = "webhook"
	// SourceIndexing identifies internal document-indexing signals.
	SourceIndexing = "indexing"
	// SourceSchedule identifies synthetic events from the schedule ticker.
	SourceSchedule = "schedule"
)

// KnownSource reports whether s names a valid event source.
func KnownSource(s string) bool {
	switch s {
	case SourceHome, SourceWebhook, SourceIndexing, SourceSchedule:
		return true
	}
	return false
}

// Event is a single normalized occurrence from any source. Data holds
// the source-specific payload tree; structured match conditions
// traverse it by dotted path.
type Event struct {
	// ID is a system-generated UUIDv7. Payloads cannot override it.
	ID string `json:"event_id"`
	// Source identifies the producing subsystem (home, webhook,
	// indexing, schedule).
	Source string `json:"source"`
	// Type is the source-specific event type (e.g. "state_changed").
	Type string `json:"event_type"`
	// Data is the normalized payload tree.
	Data map[string]any `json:"data,omitempty"`
	// OccurredAt is when the event happened upstream, or when it was
	// received if the upstream did not say.
	OccurredAt time.Time `json:"occurred_at"`
}

// New creates an event with a fresh ID and the current time.
func New(source, eventType string, data map[string]any) Event {
	return Event{
		ID:         NewID(),
		Source:     source,
		Type:       eventType,
		Data:       data,
		OccurredAt: time.Now().UTC(),
	}
}

// NewID generates a new UUIDv7, falling back to v4 if v7 fails.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// EntityKey derives the sampling identity of an event. The stored
// recent-events sample keeps at most one row per (source, entity key)
// per window, so the key must be stable for "the same thing changing".
//
//   - home: the entity_id field
//   - webhook: source tag + event type
//   - indexing: the document_id field
//   - schedule: the automation_id field
func (e Event) EntityKey() string {
	switch e.Source {
	case SourceHome:
		if id, ok := e.Data["entity_id"].(string); ok && id != "" {
			return id
		}
		return e.Type
	case SourceWebhook:
		tag, _ := e.Data["source"].(string)
		if tag == "" {
			tag = "default"
		}
		return tag + ":" + e.Type
	case SourceIndexing:
		if id, ok := e.Data["document_id"].(string); ok && id != "" {
			return id
		}
		return e.Type
	case SourceSchedule:
		if id, ok := e.Data["automation_id"].(string); ok && id != "" {
			return id
		}
		return e.Type
	}
	return e.Type
}

// Lookup traverses the event tree by dotted path and returns the value
// at that path. Traversal descends nested maps only: arrays and other
// non-map values terminate traversal early (found=false). The path
// "event_type" resolves to the event's Type field; all other paths
// resolve against Data.
func (e Event) Lookup(path string) (any, bool) {
	if path == "event_type" {
		return e.Type, true
	}
	var cur any = e.Data
	for part := range strings.SplitSeq(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Context returns the event as a plain map suitable for binding into
// the script sandbox or serializing into a trigger context. The
// event's identity fields are merged over a copy of Data.
func (e Event) Context() map[string]any {
	ctx := make(map[string]any, len(e.Data)+4)
	for k, v := range e.Data {
		ctx[k] = v
	}
	ctx["event_id"] = e.ID
	ctx["source"] = e.Source
	ctx["event_type"] = e.Type
	ctx["occurred_at"] = e.OccurredAt.Format(time.RFC3339Nano)
	return ctx
}
