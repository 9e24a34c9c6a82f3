package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/werdnum/family-assistant/internal/clock"
	"github.com/werdnum/family-assistant/internal/events"
	"github.com/werdnum/family-assistant/internal/store"
)

// rearmInterval bounds how long the ticker sleeps when no schedule is
// armed, so newly created automations are picked up even if a wake
// signal is lost.
const rearmInterval = time.Minute

// Ticker is the schedule-driven event source. It scans enabled
// schedule automations, sleeps until the earliest next_scheduled_at,
// and emits one synthetic event per due schedule. Missed fires (after
// downtime) fire at most once on resume, then the schedule catches up
// to the next future instant.
type Ticker struct {
	store   *store.Store
	engine  *Engine
	emitter events.Emitter
	clock   clock.Clock
	logger  *slog.Logger

	wake chan struct{}

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewTicker creates the schedule ticker source.
func NewTicker(st *store.Store, engine *Engine, emitter events.Emitter, clk clock.Clock, logger *slog.Logger) *Ticker {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Ticker{
		store:   st,
		engine:  engine,
		emitter: emitter,
		clock:   clk,
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}
}

// Name identifies the source.
func (t *Ticker) Name() string { return events.SourceSchedule }

// Start launches the ticker loop.
func (t *Ticker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}
	t.running = true

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})

	go t.run(runCtx)
	return nil
}

// Stop halts the ticker and waits for its goroutine to exit.
func (t *Ticker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	cancel()
	<-done
}

// Wake nudges the ticker to rescan, e.g. after a registry write
// created or changed a schedule. Non-blocking.
func (t *Ticker) Wake() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Ticker) run(ctx context.Context) {
	defer close(t.done)
	t.logger.Info("schedule ticker started")
	defer t.logger.Info("schedule ticker stopped")

	for {
		sleep := t.tick(ctx)

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-t.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// tick fires all due schedules and returns how long to sleep until
// the next one.
func (t *Ticker) tick(ctx context.Context) time.Duration {
	now := t.clock.Now()

	autos, err := t.store.EnabledScheduleAutomations(ctx)
	if err != nil {
		t.logger.Error("failed to load schedule automations", "error", err)
		return rearmInterval
	}

	earliest := now.Add(rearmInterval)
	for _, a := range autos {
		next := a.NextScheduledAt

		// Newly created or never-armed schedules get their first fire
		// time computed here.
		if next == nil {
			computed, ok, err := t.engine.NextAfter(a.RecurrenceRule, a.Timezone, a.CreatedAt, now)
			if err != nil {
				t.logger.Error("failed to compute next fire time",
					"automation_id", a.ID, "rule", a.RecurrenceRule, "error", err)
				continue
			}
			if !ok {
				t.logger.Info("schedule exhausted before first fire, disabling", "automation_id", a.ID)
				if err := t.store.SetNextScheduled(ctx, a.ID, nil); err != nil {
					t.logger.Error("failed to disable exhausted schedule", "automation_id", a.ID, "error", err)
				}
				continue
			}
			if err := t.store.SetNextScheduled(ctx, a.ID, &computed); err != nil {
				t.logger.Error("failed to arm schedule", "automation_id", a.ID, "error", err)
				continue
			}
			next = &computed
		}

		if next.After(now) {
			if next.Before(earliest) {
				earliest = *next
			}
			continue
		}

		// Due (possibly long overdue after downtime): fire once, then
		// advance past now so the schedule does not replay every
		// missed instant.
		t.fire(a.ID, a.Name, *next)

		following, ok, err := t.engine.NextAfter(a.RecurrenceRule, a.Timezone, a.CreatedAt, now)
		if err != nil {
			t.logger.Error("failed to advance schedule",
				"automation_id", a.ID, "rule", a.RecurrenceRule, "error", err)
			continue
		}
		if !ok {
			t.logger.Info("schedule exhausted, disabling", "automation_id", a.ID, "name", a.Name)
			if err := t.store.SetNextScheduled(ctx, a.ID, nil); err != nil {
				t.logger.Error("failed to disable exhausted schedule", "automation_id", a.ID, "error", err)
			}
			continue
		}
		if err := t.store.SetNextScheduled(ctx, a.ID, &following); err != nil {
			t.logger.Error("failed to advance schedule", "automation_id", a.ID, "error", err)
			continue
		}
		if following.Before(earliest) {
			earliest = following
		}
	}

	sleep := earliest.Sub(t.clock.Now())
	if sleep < 0 {
		sleep = 0
	}
	if sleep > rearmInterval {
		sleep = rearmInterval
	}
	return sleep
}

// fire emits the synthetic schedule event onto the pipeline.
func (t *Ticker) fire(automationID, name string, scheduledFor time.Time) {
	ev := events.New(events.SourceSchedule, "schedule_fired", map[string]any{
		"automation_id": automationID,
		"name":          name,
		"fired_at":      t.clock.Now().Format(time.RFC3339Nano),
		"scheduled_for": scheduledFor.Format(time.RFC3339Nano),
	})
	if !t.emitter.Emit(ev) {
		t.logger.Warn("schedule fire dropped, queue full",
			"automation_id", automationID, "name", name)
	}
	t.logger.Debug("schedule fired",
		"automation_id", automationID,
		"name", name,
		"scheduled_for", scheduledFor,
	)
}
