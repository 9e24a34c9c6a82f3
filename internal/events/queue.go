package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the per-source queue capacity when the config
// does not say otherwise.
const DefaultQueueSize = 1000

// Queue is a bounded fan-in buffer between sources and the processor.
// Multiple sources emit into one queue; the processor's worker pool
// drains it. When the queue is full the newest event is dropped with a
// warning; producers are never blocked.
type Queue struct {
	ch      chan Event
	logger  *slog.Logger
	dropped atomic.Int64

	closeOnce sync.Once
}

// NewQueue creates a queue with the given capacity. A capacity of zero
// or less uses [DefaultQueueSize].
func NewQueue(capacity int, logger *slog.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		ch:     make(chan Event, capacity),
		logger: logger,
	}
}

// Emit enqueues an event without blocking. If the queue is full the
// event is dropped and a warning is logged. Safe to call on a nil
// receiver (no-op). Reports whether the event was accepted.
func (q *Queue) Emit(e Event) bool {
	if q == nil {
		return false
	}
	select {
	case q.ch <- e:
		return true
	default:
		n := q.dropped.Add(1)
		q.logger.Warn("event queue full, dropping event",
			"source", e.Source,
			"event_type", e.Type,
			"dropped_total", n,
		)
		return false
	}
}

// Events returns the receive side of the queue for the processor.
func (q *Queue) Events() <-chan Event {
	return q.ch
}

// Dropped returns the number of events dropped because the queue was
// full.
func (q *Queue) Dropped() int64 {
	if q == nil {
		return 0
	}
	return q.dropped.Load()
}

// Len returns the number of events currently buffered.
func (q *Queue) Len() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

// Close closes the queue channel. Emit after Close panics, so sources
// must be stopped first; the processor drains remaining events and
// exits when the channel is empty.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.ch) })
}

// Emitter is the narrow interface sources use to hand events to the
// pipeline. *Queue satisfies it; tests substitute a recording fake.
type Emitter interface {
	Emit(e Event) bool
}

// Source is a pluggable event producer. Start begins producing into
// the emitter given at construction and returns once the source's
// background work is running; Stop halts production and blocks until
// the source has shut down. Both are idempotent.
type Source interface {
	// Name identifies the source for logging and health reporting.
	Name() string
	Start(ctx context.Context) error
	Stop()
}
