package indexing

import (
	"context"
	"testing"

	"github.com/werdnum/family-assistant/internal/events"
)

type emitRecorder struct {
	events []events.Event
}

func (r *emitRecorder) Emit(e events.Event) bool {
	r.events = append(r.events, e)
	return true
}

func TestNotify(t *testing.T) {
	rec := &emitRecorder{}
	n := NewNotifier(rec, nil, nil)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	n.Notify(TypeIndexed, "doc-1", map[string]any{
		"title":       "Meeting notes",
		"document_id": "spoofed",
	})

	if len(rec.events) != 1 {
		t.Fatalf("emitted %d events, want 1", len(rec.events))
	}
	ev := rec.events[0]
	if ev.Source != events.SourceIndexing || ev.Type != TypeIndexed {
		t.Errorf("event = %s/%s", ev.Source, ev.Type)
	}
	if ev.Data["document_id"] != "doc-1" {
		t.Errorf("document_id = %v, the argument must win over extra", ev.Data["document_id"])
	}
	if ev.Data["title"] != "Meeting notes" {
		t.Errorf("extra fields lost: %v", ev.Data)
	}
	if ev.EntityKey() != "doc-1" {
		t.Errorf("entity key = %q", ev.EntityKey())
	}
}

func TestNotifyBeforeStartDropped(t *testing.T) {
	rec := &emitRecorder{}
	n := NewNotifier(rec, nil, nil)

	n.Notify(TypeModified, "doc-1", nil)
	if len(rec.events) != 0 {
		t.Errorf("emitted %d events before Start, want 0", len(rec.events))
	}
}

func TestNotifyAfterStopDropped(t *testing.T) {
	rec := &emitRecorder{}
	n := NewNotifier(rec, nil, nil)
	n.Start(context.Background())
	n.Stop()
	n.Stop() // idempotent

	n.Notify(TypeDeleted, "doc-1", nil)
	if len(rec.events) != 0 {
		t.Errorf("emitted %d events after Stop, want 0", len(rec.events))
	}
}
