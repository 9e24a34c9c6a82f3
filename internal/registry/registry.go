// Package registry is the unified CRUD surface over event and
// schedule automations. It validates kind-specific payloads, computes
// initial schedule fire times, and signals the processor's listener
// cache and the schedule ticker after every write so changes take
// effect without waiting for a TTL refresh.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/werdnum/family-assistant/internal/clock"
	"github.com/werdnum/family-assistant/internal/events"
	"github.com/werdnum/family-assistant/internal/schedule"
	"github.com/werdnum/family-assistant/internal/store"
)

// ErrValidation wraps all payload validation failures.
var ErrValidation = errors.New("validation failed")

// invalidator is the processor's listener cache.
type invalidator interface {
	Invalidate()
}

// ticker is the schedule ticker's rearm nudge.
type ticker interface {
	Wake()
}

// Stats is the execution summary for one automation.
type Stats struct {
	DailyExecutions int        `json:"daily_executions"`
	LastExecutionAt *time.Time `json:"last_execution_at,omitempty"`
	NextScheduledAt *time.Time `json:"next_scheduled_at,omitempty"`
	ExecutionCount  *int       `json:"execution_count,omitempty"`
}

// Registry coordinates automation CRUD across the store, the listener
// cache, and the schedule ticker.
type Registry struct {
	store  *store.Store
	engine *schedule.Engine
	cache  invalidator
	ticker ticker
	clk    clock.Clock
	logger *slog.Logger
}

// New creates a registry. cache and ticker may be nil in tests.
func New(st *store.Store, engine *schedule.Engine, cache invalidator, tk ticker, clk clock.Clock, logger *slog.Logger) *Registry {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  st,
		engine: engine,
		cache:  cache,
		ticker: tk,
		clk:    clk,
		logger: logger,
	}
}

// Create validates and persists a new automation. The enabled flag is
// taken as given; the API layer defaults it to true when the payload
// omits it. Schedule kinds get their first next_scheduled_at computed
// here so the ticker can fire them without a warmup scan.
func (r *Registry) Create(ctx context.Context, a *store.Automation) (*store.Automation, error) {
	if err := r.validate(a); err != nil {
		return nil, err
	}

	if a.Kind == store.KindSchedule {
		now := r.clk.Now()
		// Creation time anchors RRULE INTERVAL and COUNT arithmetic,
		// here and in the ticker.
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now.UTC()
		}
		next, ok, err := r.engine.NextAfter(a.RecurrenceRule, a.Timezone, a.CreatedAt, now)
		if err != nil {
			return nil, fmt.Errorf("%w: recurrence_rule: %v", ErrValidation, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: recurrence_rule has no future occurrences", ErrValidation)
		}
		a.NextScheduledAt = &next
	}

	if err := r.store.CreateAutomation(ctx, a); err != nil {
		return nil, err
	}

	r.notify(a.Kind)
	r.logger.Info("automation created",
		"kind", a.Kind, "id", a.ID, "name", a.Name, "conversation_id", a.ConversationID)
	return a, nil
}

// Get returns one automation scoped to a conversation.
func (r *Registry) Get(ctx context.Context, kind store.Kind, id, conversationID string) (*store.Automation, error) {
	return r.store.GetAutomation(ctx, kind, id, conversationID)
}

// List returns a page of automations plus the total count.
func (r *Registry) List(ctx context.Context, f store.ListFilter) ([]*store.Automation, int, error) {
	return r.store.ListAutomations(ctx, f)
}

// Update validates and persists a full replacement of an existing
// automation. Callers implement partial semantics by merging over the
// current row before calling.
func (r *Registry) Update(ctx context.Context, a *store.Automation) (*store.Automation, error) {
	if err := r.validate(a); err != nil {
		return nil, err
	}

	if a.Kind == store.KindSchedule {
		// Rule or timezone edits move the next fire; recompute instead
		// of trusting the stored instant. The anchor stays the creation
		// time so an edit that leaves the rule alone cannot shift
		// INTERVAL or COUNT arithmetic.
		now := r.clk.Now()
		dtstart := a.CreatedAt
		if dtstart.IsZero() {
			dtstart = now
		}
		next, ok, err := r.engine.NextAfter(a.RecurrenceRule, a.Timezone, dtstart, now)
		if err != nil {
			return nil, fmt.Errorf("%w: recurrence_rule: %v", ErrValidation, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: recurrence_rule has no future occurrences", ErrValidation)
		}
		a.NextScheduledAt = &next
	}

	if err := r.store.UpdateAutomation(ctx, a); err != nil {
		return nil, err
	}

	r.notify(a.Kind)
	r.logger.Info("automation updated", "kind", a.Kind, "id", a.ID, "name", a.Name)
	return a, nil
}

// SetEnabled flips the enabled flag.
func (r *Registry) SetEnabled(ctx context.Context, kind store.Kind, id, conversationID string, enabled bool) error {
	if err := r.store.UpdateEnabled(ctx, kind, id, conversationID, enabled); err != nil {
		return err
	}
	r.notify(kind)
	r.logger.Info("automation enabled flag changed", "kind", kind, "id", id, "enabled", enabled)
	return nil
}

// Delete removes an automation.
func (r *Registry) Delete(ctx context.Context, kind store.Kind, id, conversationID string) error {
	if err := r.store.DeleteAutomation(ctx, kind, id, conversationID); err != nil {
		return err
	}
	r.notify(kind)
	r.logger.Info("automation deleted", "kind", kind, "id", id)
	return nil
}

// Stats reports execution counters for one automation. Schedule kinds
// include the next fire and total execution count.
func (r *Registry) Stats(ctx context.Context, kind store.Kind, id, conversationID string) (*Stats, error) {
	a, err := r.store.GetAutomation(ctx, kind, id, conversationID)
	if err != nil {
		return nil, err
	}

	st := &Stats{
		DailyExecutions: a.DailyExecutions,
		LastExecutionAt: a.LastExecutionAt,
	}
	if a.Kind == store.KindSchedule {
		st.NextScheduledAt = a.NextScheduledAt
		count := a.ExecutionCount
		st.ExecutionCount = &count
	}

	// A counter from a previous local day reads as zero.
	if a.DailyResetAt != nil && !r.clk.Now().Before(*a.DailyResetAt) {
		st.DailyExecutions = 0
	}
	return st, nil
}

// validate checks required fields per kind.
func (r *Registry) validate(a *store.Automation) error {
	if a.Name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if a.ConversationID == "" {
		return fmt.Errorf("%w: conversation_id is required", ErrValidation)
	}
	switch a.ActionType {
	case store.ActionWakeAgent:
	case store.ActionScript:
		if code, _ := a.ActionConfig["script_code"].(string); code == "" {
			return fmt.Errorf("%w: script actions require action_config.script_code", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: action_type must be wake_agent or script", ErrValidation)
	}

	switch a.Kind {
	case store.KindEvent:
		if !events.KnownSource(a.SourceID) || a.SourceID == events.SourceSchedule {
			return fmt.Errorf("%w: source_id must be one of home, webhook, indexing", ErrValidation)
		}
		if len(a.MatchConditions) == 0 {
			return fmt.Errorf("%w: match_conditions must not be empty", ErrValidation)
		}
		if a.RecurrenceRule != "" {
			return fmt.Errorf("%w: event automations cannot carry a recurrence_rule", ErrValidation)
		}
	case store.KindSchedule:
		if a.RecurrenceRule == "" {
			return fmt.Errorf("%w: recurrence_rule is required", ErrValidation)
		}
		if a.Timezone == "" {
			return fmt.Errorf("%w: timezone is required for schedules", ErrValidation)
		}
		if err := r.engine.Validate(a.RecurrenceRule, a.Timezone); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
	default:
		return fmt.Errorf("%w: kind must be event or schedule", ErrValidation)
	}
	return nil
}

// notify pushes write signals to the read paths.
func (r *Registry) notify(kind store.Kind) {
	if r.cache != nil {
		r.cache.Invalidate()
	}
	if kind == store.KindSchedule && r.ticker != nil {
		r.ticker.Wake()
	}
}
