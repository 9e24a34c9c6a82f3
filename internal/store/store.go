// Package store handles persistence for the automation core:
// automations (event and schedule kinds), the recent-events sample,
// and worker task rows. Backed by SQLite; all timestamps are stored
// as RFC 3339 UTC text. Mutations that matter for correctness retry
// transient database errors with bounded exponential backoff.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Sentinel errors surfaced to callers. The registry and orchestrator
// translate these into their own error kinds at the edge.
var (
	// ErrNotFound indicates the row does not exist, or is not visible
	// to the requesting conversation.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a name-uniqueness violation.
	ErrConflict = errors.New("name already in use")
	// ErrTaskLimit indicates the active worker-task cap was reached.
	ErrTaskLimit = errors.New("too many active tasks")
	// ErrTerminal indicates a worker task is already in a terminal
	// state and cannot transition further.
	ErrTerminal = errors.New("task already terminal")
	// ErrInvalidArgument indicates a request that fails validation
	// before reaching the database.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Store is the SQLite-backed persistence layer.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates a store at dbPath, running migrations. The returned
// store is safe for concurrent use.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows one writer; serialize access through a single
	// connection to avoid SQLITE_BUSY under concurrent mutation.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for sibling stores that share
// the same database file (attachments).
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS event_automations (
		id                TEXT PRIMARY KEY,
		conversation_id   TEXT NOT NULL,
		interface_type    TEXT NOT NULL DEFAULT '',
		name              TEXT NOT NULL,
		description       TEXT,
		enabled           INTEGER NOT NULL DEFAULT 1,
		source_id         TEXT NOT NULL,
		match_conditions  TEXT NOT NULL,
		condition_script  TEXT,
		action_type       TEXT NOT NULL,
		action_config     TEXT,
		one_time          INTEGER NOT NULL DEFAULT 0,
		timezone          TEXT NOT NULL DEFAULT 'UTC',
		created_at        TEXT NOT NULL,
		last_execution_at TEXT,
		daily_executions  INTEGER NOT NULL DEFAULT 0,
		daily_reset_at    TEXT
	);

	CREATE TABLE IF NOT EXISTS schedule_automations (
		id                TEXT PRIMARY KEY,
		conversation_id   TEXT NOT NULL,
		interface_type    TEXT NOT NULL DEFAULT '',
		name              TEXT NOT NULL,
		description       TEXT,
		enabled           INTEGER NOT NULL DEFAULT 1,
		recurrence_rule   TEXT NOT NULL,
		timezone          TEXT NOT NULL,
		action_type       TEXT NOT NULL,
		action_config     TEXT,
		created_at        TEXT NOT NULL,
		last_execution_at TEXT,
		daily_executions  INTEGER NOT NULL DEFAULT 0,
		daily_reset_at    TEXT,
		next_scheduled_at TEXT,
		execution_count   INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_event_automations_conv
		ON event_automations(conversation_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_event_automations_source
		ON event_automations(source_id, enabled);
	CREATE INDEX IF NOT EXISTS idx_schedule_automations_conv
		ON schedule_automations(conversation_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_schedule_automations_next
		ON schedule_automations(enabled, next_scheduled_at);

	CREATE TABLE IF NOT EXISTS recent_events (
		source_id    TEXT NOT NULL,
		entity_key   TEXT NOT NULL,
		window_start TEXT NOT NULL,
		event_id     TEXT NOT NULL,
		event_type   TEXT NOT NULL,
		payload      TEXT,
		PRIMARY KEY (source_id, entity_key, window_start)
	);

	CREATE INDEX IF NOT EXISTS idx_recent_events_window
		ON recent_events(window_start);

	CREATE TABLE IF NOT EXISTS worker_tasks (
		task_id          TEXT PRIMARY KEY,
		conversation_id  TEXT NOT NULL,
		interface_type   TEXT NOT NULL DEFAULT '',
		model            TEXT NOT NULL,
		task_description TEXT NOT NULL,
		context_files    TEXT,
		timeout_minutes  INTEGER NOT NULL,
		status           TEXT NOT NULL,
		job_name         TEXT,
		started_at       TEXT,
		completed_at     TEXT,
		duration_seconds REAL,
		exit_code        INTEGER,
		output_files     TEXT,
		summary          TEXT,
		error_message    TEXT,
		callback_token   TEXT NOT NULL,
		created_at       TEXT NOT NULL,
		updated_at       TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_worker_tasks_status
		ON worker_tasks(status);
	CREATE INDEX IF NOT EXISTS idx_worker_tasks_conv
		ON worker_tasks(conversation_id, created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// NewID generates a new UUIDv7, falling back to v4 if v7 fails.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Retry tuning for transient database errors.
const (
	retryAttempts  = 3
	retryBaseDelay = 50 * time.Millisecond
)

// withRetry runs fn up to retryAttempts times, sleeping with
// exponential backoff plus jitter between attempts. Errors that
// indicate a domain outcome (not found, conflict, limits) are never
// retried.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	delay := retryBaseDelay
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		err = fn()
		if err == nil || isDomainError(err) {
			return err
		}
		if attempt == retryAttempts {
			break
		}
		sleep := delay + rand.N(delay/2)
		s.logger.Warn("store operation failed, retrying",
			"op", op,
			"attempt", attempt,
			"delay", sleep,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		delay *= 2
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isDomainError reports whether err is a deliberate outcome rather
// than a transient failure.
func isDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrTaskLimit) ||
		errors.Is(err, ErrTerminal) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// scanner abstracts *sql.Row and *sql.Rows for shared scanning logic.
type scanner interface {
	Scan(dest ...any) error
}

// timeText formats a time for storage; zero times become NULL.
func timeText(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// timePtrText formats an optional time for storage.
func timePtrText(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a stored timestamp, tolerating NULL.
func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// boolInt converts a bool to the 0/1 form SQLite stores.
func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// placeholderList returns a "(?, ?, ...)" fragment with n markers.
func placeholderList(n int) string {
	return "(" + strings.TrimSuffix(strings.Repeat("?,", n), ",") + ")"
}
