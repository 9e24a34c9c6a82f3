package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Kind distinguishes the two physical automation tables.
type Kind string

const (
	KindEvent    Kind = "event"
	KindSchedule Kind = "schedule"
)

// Action types form a closed sum; dispatch matches on the tag.
const (
	ActionWakeAgent = "wake_agent"
	ActionScript    = "script"
)

// Automation is the unified view over the two automation tables. Kind
// determines which of the event-only or schedule-only fields are
// meaningful.
type Automation struct {
	ID             string         `json:"id"`
	Kind           Kind           `json:"kind"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	ConversationID string         `json:"conversation_id"`
	InterfaceType  string         `json:"interface_type,omitempty"`
	Enabled        bool           `json:"enabled"`
	ActionType     string         `json:"action_type"`
	ActionConfig   map[string]any `json:"action_config,omitempty"`
	Timezone       string         `json:"timezone,omitempty"`

	CreatedAt       time.Time  `json:"created_at"`
	LastExecutionAt *time.Time `json:"last_execution_at,omitempty"`
	DailyExecutions int        `json:"daily_executions"`
	DailyResetAt    *time.Time `json:"daily_reset_at,omitempty"`

	// Event kind only.
	SourceID        string         `json:"source_id,omitempty"`
	MatchConditions map[string]any `json:"match_conditions,omitempty"`
	ConditionScript string         `json:"condition_script,omitempty"`
	OneTime         bool           `json:"one_time,omitempty"`

	// Schedule kind only.
	RecurrenceRule  string     `json:"recurrence_rule,omitempty"`
	NextScheduledAt *time.Time `json:"next_scheduled_at,omitempty"`
	ExecutionCount  int        `json:"execution_count,omitempty"`
}

// DefaultPageSize is the page size when the filter leaves it zero.
const DefaultPageSize = 50

// ListFilter narrows ListAutomations results. Zero values mean "any".
type ListFilter struct {
	ConversationID string
	Kind           Kind  // empty = both kinds
	Enabled        *bool // nil = both
	Page           int   // 1-based; 0 means 1
	PageSize       int   // 0 means DefaultPageSize
}

// CreateAutomation inserts a new automation, enforcing name uniqueness
// per conversation across both kinds. The caller must have validated
// kind-specific required fields; the store only guards identity.
func (s *Store) CreateAutomation(ctx context.Context, a *Automation) error {
	if a.ID == "" {
		a.ID = NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	return s.withRetry(ctx, "create automation", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		taken, err := nameTaken(tx, a.ConversationID, a.Name)
		if err != nil {
			return err
		}
		if taken {
			return fmt.Errorf("%w: %q in conversation %q", ErrConflict, a.Name, a.ConversationID)
		}

		switch a.Kind {
		case KindEvent:
			err = insertEventAutomation(tx, a)
		case KindSchedule:
			err = insertScheduleAutomation(tx, a)
		default:
			return fmt.Errorf("unknown automation kind %q", a.Kind)
		}
		if err != nil {
			return err
		}

		return tx.Commit()
	})
}

// nameTaken checks both tables for a case-sensitive name match within
// the conversation.
func nameTaken(tx *sql.Tx, conversationID, name string) (bool, error) {
	var n int
	err := tx.QueryRow(`
		SELECT (SELECT COUNT(*) FROM event_automations
			WHERE conversation_id = ? AND name = ?)
		     + (SELECT COUNT(*) FROM schedule_automations
			WHERE conversation_id = ? AND name = ?)`,
		conversationID, name, conversationID, name,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func insertEventAutomation(tx *sql.Tx, a *Automation) error {
	matchJSON, err := json.Marshal(a.MatchConditions)
	if err != nil {
		return fmt.Errorf("marshal match_conditions: %w", err)
	}
	configJSON, err := json.Marshal(a.ActionConfig)
	if err != nil {
		return fmt.Errorf("marshal action_config: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO event_automations (
			id, conversation_id, interface_type, name, description, enabled,
			source_id, match_conditions, condition_script,
			action_type, action_config, one_time, timezone,
			created_at, last_execution_at, daily_executions, daily_reset_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ConversationID, a.InterfaceType, a.Name, a.Description, boolInt(a.Enabled),
		a.SourceID, string(matchJSON), a.ConditionScript,
		a.ActionType, string(configJSON), boolInt(a.OneTime), a.Timezone,
		timeText(a.CreatedAt), timePtrText(a.LastExecutionAt),
		a.DailyExecutions, timePtrText(a.DailyResetAt),
	)
	return err
}

func insertScheduleAutomation(tx *sql.Tx, a *Automation) error {
	configJSON, err := json.Marshal(a.ActionConfig)
	if err != nil {
		return fmt.Errorf("marshal action_config: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO schedule_automations (
			id, conversation_id, interface_type, name, description, enabled,
			recurrence_rule, timezone, action_type, action_config,
			created_at, last_execution_at, daily_executions, daily_reset_at,
			next_scheduled_at, execution_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ConversationID, a.InterfaceType, a.Name, a.Description, boolInt(a.Enabled),
		a.RecurrenceRule, a.Timezone, a.ActionType, string(configJSON),
		timeText(a.CreatedAt), timePtrText(a.LastExecutionAt),
		a.DailyExecutions, timePtrText(a.DailyResetAt),
		timePtrText(a.NextScheduledAt), a.ExecutionCount,
	)
	return err
}

const eventColumns = `id, conversation_id, interface_type, name, description, enabled,
	source_id, match_conditions, condition_script, action_type, action_config,
	one_time, timezone, created_at, last_execution_at, daily_executions, daily_reset_at`

const scheduleColumns = `id, conversation_id, interface_type, name, description, enabled,
	recurrence_rule, timezone, action_type, action_config,
	created_at, last_execution_at, daily_executions, daily_reset_at,
	next_scheduled_at, execution_count`

// GetAutomation retrieves an automation by kind and ID. A non-empty
// conversationID scopes the lookup: rows belonging to a different
// conversation report ErrNotFound, never an authorization error.
func (s *Store) GetAutomation(ctx context.Context, kind Kind, id, conversationID string) (*Automation, error) {
	var (
		a   *Automation
		err error
	)
	switch kind {
	case KindEvent:
		row := s.db.QueryRowContext(ctx,
			`SELECT `+eventColumns+` FROM event_automations WHERE id = ?`, id)
		a, err = scanEventAutomation(row)
	case KindSchedule:
		row := s.db.QueryRowContext(ctx,
			`SELECT `+scheduleColumns+` FROM schedule_automations WHERE id = ?`, id)
		a, err = scanScheduleAutomation(row)
	default:
		return nil, fmt.Errorf("unknown automation kind %q", kind)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if conversationID != "" && a.ConversationID != conversationID {
		return nil, ErrNotFound
	}
	return a, nil
}

// ListAutomations returns a page of automations, newest first, plus
// the total match count for pagination.
func (s *Store) ListAutomations(ctx context.Context, f ListFilter) ([]*Automation, int, error) {
	var all []*Automation

	if f.Kind == "" || f.Kind == KindEvent {
		rows, err := s.queryEventAutomations(ctx, f)
		if err != nil {
			return nil, 0, err
		}
		all = append(all, rows...)
	}
	if f.Kind == "" || f.Kind == KindSchedule {
		rows, err := s.queryScheduleAutomations(ctx, f)
		if err != nil {
			return nil, 0, err
		}
		all = append(all, rows...)
	}

	// Newest first; ID (UUIDv7, time-ordered) breaks creation-time ties
	// so pagination is stable.
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	total := len(all)
	page := f.Page
	if page < 1 {
		page = 1
	}
	size := f.PageSize
	if size < 1 {
		size = DefaultPageSize
	}
	start := (page - 1) * size
	if start >= total {
		return []*Automation{}, total, nil
	}
	end := min(start+size, total)
	return all[start:end], total, nil
}

func (s *Store) queryEventAutomations(ctx context.Context, f ListFilter) ([]*Automation, error) {
	query := `SELECT ` + eventColumns + ` FROM event_automations WHERE 1=1`
	var args []any
	if f.ConversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, f.ConversationID)
	}
	if f.Enabled != nil {
		query += ` AND enabled = ?`
		args = append(args, boolInt(*f.Enabled))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Automation
	for rows.Next() {
		a, err := scanEventAutomation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) queryScheduleAutomations(ctx context.Context, f ListFilter) ([]*Automation, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedule_automations WHERE 1=1`
	var args []any
	if f.ConversationID != "" {
		query += ` AND conversation_id = ?`
		args = append(args, f.ConversationID)
	}
	if f.Enabled != nil {
		query += ` AND enabled = ?`
		args = append(args, boolInt(*f.Enabled))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Automation
	for rows.Next() {
		a, err := scanScheduleAutomation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// EnabledEventAutomations returns all enabled event automations,
// used to build the processor's listener cache.
func (s *Store) EnabledEventAutomations(ctx context.Context) ([]*Automation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM event_automations WHERE enabled = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Automation
	for rows.Next() {
		a, err := scanEventAutomation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// EnabledScheduleAutomations returns all enabled schedule automations,
// used by the schedule ticker to arm its timer.
func (s *Store) EnabledScheduleAutomations(ctx context.Context) ([]*Automation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedule_automations WHERE enabled = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Automation
	for rows.Next() {
		a, err := scanScheduleAutomation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAutomation rewrites the mutable fields of an automation. The
// row is located by kind+ID and must belong to a.ConversationID.
// Renames are checked against both tables for uniqueness.
func (s *Store) UpdateAutomation(ctx context.Context, a *Automation) error {
	return s.withRetry(ctx, "update automation", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		// Fetch through the transaction: the pool is capped at one
		// connection, so a query outside the tx would deadlock.
		var currentName string
		err = tx.QueryRow(
			`SELECT name FROM `+tableFor(a.Kind)+` WHERE id = ? AND conversation_id = ?`,
			a.ID, a.ConversationID,
		).Scan(&currentName)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if a.Name != currentName {
			taken, err := nameTaken(tx, a.ConversationID, a.Name)
			if err != nil {
				return err
			}
			if taken {
				return fmt.Errorf("%w: %q in conversation %q", ErrConflict, a.Name, a.ConversationID)
			}
		}

		switch a.Kind {
		case KindEvent:
			matchJSON, err := json.Marshal(a.MatchConditions)
			if err != nil {
				return fmt.Errorf("marshal match_conditions: %w", err)
			}
			configJSON, err := json.Marshal(a.ActionConfig)
			if err != nil {
				return fmt.Errorf("marshal action_config: %w", err)
			}
			_, err = tx.Exec(`
				UPDATE event_automations SET
					name = ?, description = ?, enabled = ?,
					source_id = ?, match_conditions = ?, condition_script = ?,
					action_type = ?, action_config = ?, one_time = ?, timezone = ?
				WHERE id = ? AND conversation_id = ?`,
				a.Name, a.Description, boolInt(a.Enabled),
				a.SourceID, string(matchJSON), a.ConditionScript,
				a.ActionType, string(configJSON), boolInt(a.OneTime), a.Timezone,
				a.ID, a.ConversationID,
			)
			if err != nil {
				return err
			}
		case KindSchedule:
			configJSON, err := json.Marshal(a.ActionConfig)
			if err != nil {
				return fmt.Errorf("marshal action_config: %w", err)
			}
			_, err = tx.Exec(`
				UPDATE schedule_automations SET
					name = ?, description = ?, enabled = ?,
					recurrence_rule = ?, timezone = ?,
					action_type = ?, action_config = ?, next_scheduled_at = ?
				WHERE id = ? AND conversation_id = ?`,
				a.Name, a.Description, boolInt(a.Enabled),
				a.RecurrenceRule, a.Timezone,
				a.ActionType, string(configJSON), timePtrText(a.NextScheduledAt),
				a.ID, a.ConversationID,
			)
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown automation kind %q", a.Kind)
		}

		return tx.Commit()
	})
}

// UpdateEnabled flips the enabled flag on an automation, scoped to the
// conversation.
func (s *Store) UpdateEnabled(ctx context.Context, kind Kind, id, conversationID string, enabled bool) error {
	return s.withRetry(ctx, "update enabled", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE `+tableFor(kind)+` SET enabled = ? WHERE id = ? AND conversation_id = ?`,
			boolInt(enabled), id, conversationID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteAutomation removes an automation, scoped to the conversation.
func (s *Store) DeleteAutomation(ctx context.Context, kind Kind, id, conversationID string) error {
	return s.withRetry(ctx, "delete automation", func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM `+tableFor(kind)+` WHERE id = ? AND conversation_id = ?`,
			id, conversationID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ResetDailyCounter zeroes the daily execution counter and advances
// the reset boundary. Called by the processor when now >= daily_reset_at.
func (s *Store) ResetDailyCounter(ctx context.Context, kind Kind, id string, resetAt time.Time) error {
	return s.withRetry(ctx, "reset daily counter", func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE `+tableFor(kind)+` SET daily_executions = 0, daily_reset_at = ? WHERE id = ?`,
			timeText(resetAt), id)
		return err
	})
}

// MarkExecuted records a successful dispatch: bumps the daily counter,
// sets last_execution_at, and optionally disables the automation
// (one-time listeners). The increment runs inside the UPDATE so
// concurrent workers cannot lose updates.
func (s *Store) MarkExecuted(ctx context.Context, kind Kind, id string, at time.Time, disable bool) error {
	return s.withRetry(ctx, "mark executed", func() error {
		query := `UPDATE ` + tableFor(kind) + ` SET
			daily_executions = daily_executions + 1,
			last_execution_at = ?`
		args := []any{timeText(at)}
		if kind == KindSchedule {
			query += `, execution_count = execution_count + 1`
		}
		if disable {
			query += `, enabled = 0`
		}
		query += ` WHERE id = ?`
		args = append(args, id)

		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetNextScheduled advances a schedule automation's next fire time.
// A nil next disables the automation (rule exhausted).
func (s *Store) SetNextScheduled(ctx context.Context, id string, next *time.Time) error {
	return s.withRetry(ctx, "set next scheduled", func() error {
		if next == nil {
			_, err := s.db.ExecContext(ctx,
				`UPDATE schedule_automations SET next_scheduled_at = NULL, enabled = 0 WHERE id = ?`, id)
			return err
		}
		_, err := s.db.ExecContext(ctx,
			`UPDATE schedule_automations SET next_scheduled_at = ? WHERE id = ?`,
			timePtrText(next), id)
		return err
	})
}

func tableFor(kind Kind) string {
	if kind == KindSchedule {
		return "schedule_automations"
	}
	return "event_automations"
}

func scanEventAutomation(sc scanner) (*Automation, error) {
	var (
		a                                   Automation
		description, script                 sql.NullString
		matchJSON, configJSON               sql.NullString
		enabled, oneTime                    int
		createdAt                           string
		lastExecutionAt, dailyResetAt       sql.NullString
	)

	err := sc.Scan(
		&a.ID, &a.ConversationID, &a.InterfaceType, &a.Name, &description, &enabled,
		&a.SourceID, &matchJSON, &script, &a.ActionType, &configJSON,
		&oneTime, &a.Timezone, &createdAt, &lastExecutionAt,
		&a.DailyExecutions, &dailyResetAt,
	)
	if err != nil {
		return nil, err
	}

	a.Kind = KindEvent
	a.Description = description.String
	a.ConditionScript = script.String
	a.Enabled = enabled != 0
	a.OneTime = oneTime != 0
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		a.CreatedAt = t.UTC()
	}
	a.LastExecutionAt = parseTime(lastExecutionAt)
	a.DailyResetAt = parseTime(dailyResetAt)

	if matchJSON.Valid && matchJSON.String != "" {
		_ = json.Unmarshal([]byte(matchJSON.String), &a.MatchConditions)
	}
	if configJSON.Valid && configJSON.String != "" {
		_ = json.Unmarshal([]byte(configJSON.String), &a.ActionConfig)
	}

	return &a, nil
}

func scanScheduleAutomation(sc scanner) (*Automation, error) {
	var (
		a                             Automation
		description, configJSON       sql.NullString
		enabled                       int
		createdAt                     string
		lastExecutionAt, dailyResetAt sql.NullString
		nextScheduledAt               sql.NullString
	)

	err := sc.Scan(
		&a.ID, &a.ConversationID, &a.InterfaceType, &a.Name, &description, &enabled,
		&a.RecurrenceRule, &a.Timezone, &a.ActionType, &configJSON,
		&createdAt, &lastExecutionAt, &a.DailyExecutions, &dailyResetAt,
		&nextScheduledAt, &a.ExecutionCount,
	)
	if err != nil {
		return nil, err
	}

	a.Kind = KindSchedule
	a.Description = description.String
	a.Enabled = enabled != 0
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		a.CreatedAt = t.UTC()
	}
	a.LastExecutionAt = parseTime(lastExecutionAt)
	a.DailyResetAt = parseTime(dailyResetAt)
	a.NextScheduledAt = parseTime(nextScheduledAt)

	if configJSON.Valid && configJSON.String != "" {
		_ = json.Unmarshal([]byte(configJSON.String), &a.ActionConfig)
	}

	return &a, nil
}
