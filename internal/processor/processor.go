// Package processor is the single logical consumer of all event
// sources. It samples events into the store, evaluates listeners from
// the in-memory cache, dispatches matching actions, and keeps the
// execution accounting straight. A pool of workers drains the merged
// queue; dispatch itself runs asynchronously so one slow agent turn
// cannot starve other listeners.
package processor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/werdnum/family-assistant/internal/agent"
	"github.com/werdnum/family-assistant/internal/clock"
	"github.com/werdnum/family-assistant/internal/confirm"
	"github.com/werdnum/family-assistant/internal/events"
	"github.com/werdnum/family-assistant/internal/metrics"
	"github.com/werdnum/family-assistant/internal/sandbox"
	"github.com/werdnum/family-assistant/internal/store"
)

// Defaults for the pipeline; overridable through Config.
const (
	defaultWorkers        = 4
	defaultSampleInterval = time.Hour
	defaultWakeTimeout    = 5 * time.Minute
	samplerCacheSize      = 4096
)

// AttachmentSink receives attachment descriptors produced by script
// actions, for delivery to the conversation's front-end.
type AttachmentSink interface {
	DeliverAttachment(ctx context.Context, conversationID string, att *sandbox.AttachmentDescriptor) error
}

// Config tunes the processor.
type Config struct {
	// Workers is the dispatch pool size (default 4).
	Workers int
	// SampleInterval is the recent-events storage window (default 1h).
	SampleInterval time.Duration
	// WakeTimeout bounds a single agent wake (default 5m).
	WakeTimeout time.Duration
}

// Processor drains the merged source queue.
type Processor struct {
	cfg      Config
	queue    *events.Queue
	store    *store.Store
	cache    *ListenerCache
	sandbox  *sandbox.Sandbox
	waker    agent.Waker
	mediator *confirm.Mediator
	sink     AttachmentSink
	metrics  *metrics.Metrics
	clock    clock.Clock
	logger   *slog.Logger

	// sampled is a fast-path memo of (source, entity) pairs stored in
	// the current window; entries expire with the window. The store's
	// guarded insert stays authoritative; a miss here only costs one
	// extra query.
	sampled *expirable.LRU[string, struct{}]

	// dispatches tracks in-flight async action dispatches so Run can
	// drain them on shutdown.
	dispatches sync.WaitGroup
}

// New creates a processor. waker, mediator, and sink may be nil in
// reduced deployments; affected actions then fail per-listener
// without disturbing the pipeline.
func New(cfg Config, queue *events.Queue, st *store.Store, cache *ListenerCache,
	sb *sandbox.Sandbox, waker agent.Waker, mediator *confirm.Mediator,
	sink AttachmentSink, m *metrics.Metrics, clk clock.Clock, logger *slog.Logger) *Processor {

	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = defaultSampleInterval
	}
	if cfg.WakeTimeout <= 0 {
		cfg.WakeTimeout = defaultWakeTimeout
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Processor{
		cfg:      cfg,
		queue:    queue,
		store:    st,
		cache:    cache,
		sandbox:  sb,
		waker:    waker,
		mediator: mediator,
		sink:     sink,
		metrics:  m,
		clock:    clk,
		logger:   logger,
		sampled:  expirable.NewLRU[string, struct{}](samplerCacheSize, nil, cfg.SampleInterval),
	}
}

// Run drains the queue with a pool of workers until the queue is
// closed or ctx is cancelled, then waits for in-flight dispatches.
func (p *Processor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case ev, ok := <-p.queue.Events():
					if !ok {
						return nil
					}
					p.process(gctx, ev)
				}
			}
		})
	}

	err := g.Wait()
	p.dispatches.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// process handles a single event end to end.
func (p *Processor) process(ctx context.Context, ev events.Event) {
	if p.metrics != nil {
		p.metrics.EventsReceived.WithLabelValues(ev.Source).Inc()
	}

	p.sample(ctx, ev)

	if ev.Source == events.SourceSchedule {
		p.processSchedule(ctx, ev)
		return
	}

	listeners := p.cache.Listeners(ctx, ev.Source)
	for _, l := range listeners {
		if !p.matches(ctx, l, ev) {
			continue
		}
		p.dispatchAsync(l.Kind, l.ID, ev)
	}
}

// sample stores at most one snapshot per (source, entity key) per
// window. The in-memory memo short-circuits repeat offenders; the
// store's guarded insert is the source of truth.
func (p *Processor) sample(ctx context.Context, ev events.Event) {
	key := ev.Source + "\x00" + ev.EntityKey()
	if _, ok := p.sampled.Get(key); ok {
		return
	}

	stored, err := p.store.SampleEvent(ctx, store.RecentEvent{
		SourceID:    ev.Source,
		EntityKey:   ev.EntityKey(),
		WindowStart: ev.OccurredAt,
		EventID:     ev.ID,
		EventType:   ev.Type,
		Payload:     ev.Data,
	}, p.cfg.SampleInterval)
	if err != nil {
		p.logger.Error("event sampling failed",
			"source", ev.Source, "entity_key", ev.EntityKey(), "error", err)
		return
	}
	if !stored {
		// The row belongs to a window opened before this process saw
		// the entity. Memoizing here would stretch the suppression past
		// that window's end, so only accepted inserts enter the memo.
		return
	}
	p.sampled.Add(key, struct{}{})
	if p.metrics != nil {
		p.metrics.EventsSampled.WithLabelValues(ev.Source).Inc()
	}
}

// matches evaluates the structured conditions and then the optional
// condition script. Script errors (including deadline overruns)
// evaluate to false; the skip is logged.
func (p *Processor) matches(ctx context.Context, l *store.Automation, ev events.Event) bool {
	if !matchConditions(l.MatchConditions, ev) {
		return false
	}
	if l.ConditionScript == "" {
		return true
	}

	ok, err := p.sandbox.EvalCondition(ctx, l.ConditionScript, ev.Context(), allowedTools(l))
	if err != nil {
		if p.metrics != nil {
			p.metrics.SandboxErrors.Inc()
		}
		p.logger.Warn("condition script failed, skipping listener",
			"automation_id", l.ID, "name", l.Name, "error", err)
		return false
	}
	return ok
}

// dispatchAsync runs the quota check and action dispatch off the
// worker goroutine. Failures in one listener never prevent others
// from firing.
func (p *Processor) dispatchAsync(kind store.Kind, id string, ev events.Event) {
	p.dispatches.Add(1)
	go func() {
		defer p.dispatches.Done()

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WakeTimeout)
		defer cancel()

		p.dispatchOne(ctx, kind, id, ev)
	}()
}

// dispatchOne re-fetches the automation (the cache copy may be
// stale), applies quota and one-time rules, executes the action, and
// records the outcome.
func (p *Processor) dispatchOne(ctx context.Context, kind store.Kind, id string, ev events.Event) {
	a, err := p.store.GetAutomation(ctx, kind, id, "")
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			p.logger.Error("failed to load automation for dispatch", "automation_id", id, "error", err)
		}
		return
	}
	if !a.Enabled {
		return
	}

	now := p.clock.Now()
	if !p.applyQuota(ctx, a, now) {
		return
	}

	outcome := p.execute(ctx, a, ev)

	switch outcome {
	case outcomeSuccess:
		disable := a.Kind == store.KindEvent && a.OneTime
		if err := p.store.MarkExecuted(ctx, a.Kind, a.ID, now, disable); err != nil {
			p.logger.Error("failed to record execution", "automation_id", a.ID, "error", err)
		}
		if disable {
			p.cache.Invalidate()
		}
	case outcomeFailure:
		// Quota still counts the attempt so a permanently failing
		// wake cannot hot-loop.
		if err := p.store.MarkExecuted(ctx, a.Kind, a.ID, now, false); err != nil {
			p.logger.Error("failed to record execution", "automation_id", a.ID, "error", err)
		}
	case outcomeDenied, outcomeSkipped:
	}
}

// applyQuota resets the daily counter when its boundary has passed
// and enforces the optional daily cap from action_config. Exceeded
// caps drop silently (debug log only).
func (p *Processor) applyQuota(ctx context.Context, a *store.Automation, now time.Time) bool {
	if a.DailyResetAt == nil || !now.Before(*a.DailyResetAt) {
		resetAt := clock.NextLocalMidnight(now, a.Timezone)
		if err := p.store.ResetDailyCounter(ctx, a.Kind, a.ID, resetAt); err != nil {
			p.logger.Error("failed to reset daily counter", "automation_id", a.ID, "error", err)
			return false
		}
		a.DailyExecutions = 0
	}

	if cap, ok := toFloat(a.ActionConfig["daily_limit"]); ok && cap > 0 {
		if float64(a.DailyExecutions) >= cap {
			p.logger.Debug("daily execution cap reached, dropping dispatch",
				"automation_id", a.ID, "name", a.Name, "cap", cap)
			return false
		}
	}
	return true
}

// processSchedule dispatches the firing schedule automation named in
// the synthetic event.
func (p *Processor) processSchedule(ctx context.Context, ev events.Event) {
	id, _ := ev.Data["automation_id"].(string)
	if id == "" {
		p.logger.Warn("schedule event without automation_id")
		return
	}
	p.dispatchAsync(store.KindSchedule, id, ev)
}

// allowedTools extracts the per-automation tool allow-set from
// action_config. nil means no restriction beyond the sandbox's own
// deny-all flag.
func allowedTools(a *store.Automation) []string {
	raw, ok := a.ActionConfig["allowed_tools"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// InvalidateListeners marks the listener cache stale. Exposed for the
// registry's write path.
func (p *Processor) InvalidateListeners() {
	p.cache.Invalidate()
}
