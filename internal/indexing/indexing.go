// Package indexing is the in-process signal source for document
// indexing. Subsystems that index or modify documents call Notify and
// the change shows up on the pipeline like any other event.
package indexing

import (
	"context"
	"log/slog"

	"github.com/werdnum/family-assistant/internal/events"
	"github.com/werdnum/family-assistant/internal/metrics"
)

// Event types emitted by this source.
const (
	TypeIndexed  = "document_indexed"
	TypeModified = "document_modified"
	TypeDeleted  = "document_deleted"
)

// Notifier is the in-process indexing source. Unlike the network
// sources it has no connection lifecycle; Start and Stop only gate
// whether Notify emits.
type Notifier struct {
	emitter events.Emitter
	metrics *metrics.Metrics
	logger  *slog.Logger

	started chan struct{}
	stopped chan struct{}
}

// NewNotifier creates the indexing source. metrics may be nil.
func NewNotifier(emitter events.Emitter, m *metrics.Metrics, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		emitter: emitter,
		metrics: m,
		logger:  logger.With("source", events.SourceIndexing),
		started: make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Name implements events.Source.
func (n *Notifier) Name() string { return events.SourceIndexing }

// Start implements events.Source.
func (n *Notifier) Start(ctx context.Context) error {
	close(n.started)
	return nil
}

// Stop implements events.Source.
func (n *Notifier) Stop() {
	select {
	case <-n.stopped:
	default:
		close(n.stopped)
	}
}

// Notify emits an indexing signal for a document. extra fields are
// merged into the payload; document_id always wins.
func (n *Notifier) Notify(eventType, documentID string, extra map[string]any) {
	select {
	case <-n.started:
	default:
		return
	}
	select {
	case <-n.stopped:
		return
	default:
	}

	data := make(map[string]any, len(extra)+1)
	for k, v := range extra {
		data[k] = v
	}
	data["document_id"] = documentID

	ev := events.New(events.SourceIndexing, eventType, data)
	if !n.emitter.Emit(ev) {
		if n.metrics != nil {
			n.metrics.EventsDropped.WithLabelValues(events.SourceIndexing).Inc()
		}
		n.logger.Warn("indexing event dropped, queue full", "document_id", documentID)
	}
}
