package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a worker task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskSubmitted TaskStatus = "submitted"
	TaskRunning   TaskStatus = "running"
	TaskSuccess   TaskStatus = "success"
	TaskFailed    TaskStatus = "failed"
	TaskTimeout   TaskStatus = "timeout"
	TaskCancelled TaskStatus = "cancelled"
)

// activeStatuses are states a task may still transition out of.
var activeStatuses = []TaskStatus{TaskPending, TaskSubmitted, TaskRunning}

// IsTerminal reports whether the status admits no further transitions.
func (st TaskStatus) IsTerminal() bool {
	switch st {
	case TaskSuccess, TaskFailed, TaskTimeout, TaskCancelled:
		return true
	}
	return false
}

// IsActive reports whether the task is still in flight.
func (st TaskStatus) IsActive() bool {
	switch st {
	case TaskPending, TaskSubmitted, TaskRunning:
		return true
	}
	return false
}

// WorkerTask is one delegated unit of work tracked against the
// execution backend.
type WorkerTask struct {
	TaskID          string     `json:"task_id"`
	ConversationID  string     `json:"conversation_id"`
	InterfaceType   string     `json:"interface_type,omitempty"`
	Model           string     `json:"model"`
	TaskDescription string     `json:"task_description"`
	ContextFiles    []string   `json:"context_files,omitempty"`
	TimeoutMinutes  int        `json:"timeout_minutes"`
	Status          TaskStatus `json:"status"`
	JobName         string     `json:"job_name,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	DurationSeconds *float64   `json:"duration_seconds,omitempty"`
	ExitCode        *int       `json:"exit_code,omitempty"`
	OutputFiles     []string   `json:"output_files,omitempty"`
	Summary         string     `json:"summary,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CallbackToken   string     `json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}

// TaskUpdate carries the optional completion fields applied alongside
// a status transition.
type TaskUpdate struct {
	JobName         *string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationSeconds *float64
	ExitCode        *int
	OutputFiles     []string
	Summary         *string
	ErrorMessage    *string
}

// CreateWorkerTask inserts a new task in pending state. The active
// count and the insert run in one transaction so the concurrency cap
// cannot be oversubscribed by racing spawns. maxActive <= 0 disables
// the cap.
func (s *Store) CreateWorkerTask(ctx context.Context, t *WorkerTask, maxActive int) error {
	if t.TaskID == "" {
		t.TaskID = NewID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = TaskPending
	}

	contextJSON, err := json.Marshal(t.ContextFiles)
	if err != nil {
		return fmt.Errorf("marshal context_files: %w", err)
	}

	return s.withRetry(ctx, "create worker task", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if maxActive > 0 {
			var active int
			err := tx.QueryRow(
				`SELECT COUNT(*) FROM worker_tasks WHERE status IN `+statusPlaceholders(),
				statusArgs()...,
			).Scan(&active)
			if err != nil {
				return err
			}
			if active >= maxActive {
				return fmt.Errorf("%w: %d active, limit %d", ErrTaskLimit, active, maxActive)
			}
		}

		_, err = tx.Exec(`
			INSERT INTO worker_tasks (
				task_id, conversation_id, interface_type, model, task_description,
				context_files, timeout_minutes, status, callback_token, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.TaskID, t.ConversationID, t.InterfaceType, t.Model, t.TaskDescription,
			string(contextJSON), t.TimeoutMinutes, string(t.Status),
			t.CallbackToken, timeText(t.CreatedAt),
		)
		if err != nil {
			return err
		}

		return tx.Commit()
	})
}

const taskColumns = `task_id, conversation_id, interface_type, model, task_description,
	context_files, timeout_minutes, status, job_name, started_at, completed_at,
	duration_seconds, exit_code, output_files, summary, error_message,
	callback_token, created_at, updated_at`

// GetWorkerTask retrieves a task row by ID.
func (s *Store) GetWorkerTask(ctx context.Context, taskID string) (*WorkerTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM worker_tasks WHERE task_id = ?`, taskID)
	t, err := scanWorkerTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ActiveWorkerTasks returns all tasks in a non-terminal state, oldest
// first, for the reconciler and stale marker.
func (s *Store) ActiveWorkerTasks(ctx context.Context) ([]*WorkerTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM worker_tasks WHERE status IN `+statusPlaceholders()+
			` ORDER BY created_at ASC`,
		statusArgs()...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WorkerTask
	for rows.Next() {
		t, err := scanWorkerTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListWorkerTasks returns tasks for a conversation, newest first. An
// empty conversationID lists all tasks. A zero limit returns all rows.
func (s *Store) ListWorkerTasks(ctx context.Context, conversationID string, limit int) ([]*WorkerTask, error) {
	query := `SELECT ` + taskColumns + ` FROM worker_tasks`
	var args []any
	if conversationID != "" {
		query += ` WHERE conversation_id = ?`
		args = append(args, conversationID)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WorkerTask
	for rows.Next() {
		t, err := scanWorkerTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TransitionWorkerTask moves a task to a new status, applying any
// completion fields. The update is guarded: it only fires while the
// row is still in an active state, so terminal states are final and
// duplicate webhooks after completion are no-ops. Returns ErrTerminal
// when the guard blocks the write and ErrNotFound when no row exists.
func (s *Store) TransitionWorkerTask(ctx context.Context, taskID string, to TaskStatus, upd TaskUpdate) error {
	return s.withRetry(ctx, "transition worker task", func() error {
		set := `status = ?, updated_at = ?`
		args := []any{string(to), timeText(time.Now())}

		if upd.JobName != nil {
			set += `, job_name = ?`
			args = append(args, *upd.JobName)
		}
		if upd.StartedAt != nil {
			set += `, started_at = ?`
			args = append(args, timePtrText(upd.StartedAt))
		}
		if upd.CompletedAt != nil {
			set += `, completed_at = ?`
			args = append(args, timePtrText(upd.CompletedAt))
		}
		if upd.DurationSeconds != nil {
			set += `, duration_seconds = ?`
			args = append(args, *upd.DurationSeconds)
		}
		if upd.ExitCode != nil {
			set += `, exit_code = ?`
			args = append(args, *upd.ExitCode)
		}
		if upd.OutputFiles != nil {
			outputJSON, err := json.Marshal(upd.OutputFiles)
			if err != nil {
				return fmt.Errorf("marshal output_files: %w", err)
			}
			set += `, output_files = ?`
			args = append(args, string(outputJSON))
		}
		if upd.Summary != nil {
			set += `, summary = ?`
			args = append(args, *upd.Summary)
		}
		if upd.ErrorMessage != nil {
			set += `, error_message = ?`
			args = append(args, *upd.ErrorMessage)
		}

		query := `UPDATE worker_tasks SET ` + set +
			` WHERE task_id = ? AND status IN ` + statusPlaceholders()
		args = append(args, taskID)
		args = append(args, statusArgs()...)

		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Distinguish a missing row from a terminal one.
			var status string
			err := s.db.QueryRowContext(ctx,
				`SELECT status FROM worker_tasks WHERE task_id = ?`, taskID,
			).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: %s", ErrTerminal, status)
		}
		return nil
	})
}

// CleanupWorkerTasks deletes terminal tasks created before the cutoff
// and returns the number removed. Active rows are never deleted here,
// regardless of age; they belong to the reconciler.
func (s *Store) CleanupWorkerTasks(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.withRetry(ctx, "cleanup worker tasks", func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM worker_tasks WHERE created_at < ? AND status NOT IN `+statusPlaceholders(),
			append([]any{timeText(cutoff)}, statusArgs()...)...,
		)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// CountActiveWorkerTasks returns the number of in-flight tasks.
func (s *Store) CountActiveWorkerTasks(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM worker_tasks WHERE status IN `+statusPlaceholders(),
		statusArgs()...,
	).Scan(&n)
	return n, err
}

func statusPlaceholders() string {
	return placeholderList(len(activeStatuses))
}

func statusArgs() []any {
	args := make([]any, len(activeStatuses))
	for i, st := range activeStatuses {
		args[i] = string(st)
	}
	return args
}

func scanWorkerTask(sc scanner) (*WorkerTask, error) {
	var (
		t                              WorkerTask
		contextJSON, outputJSON        sql.NullString
		jobName, summary, errMsg       sql.NullString
		status, createdAt              string
		startedAt, completedAt, updated sql.NullString
		duration                       sql.NullFloat64
		exitCode                       sql.NullInt64
	)

	err := sc.Scan(
		&t.TaskID, &t.ConversationID, &t.InterfaceType, &t.Model, &t.TaskDescription,
		&contextJSON, &t.TimeoutMinutes, &status, &jobName,
		&startedAt, &completedAt, &duration, &exitCode,
		&outputJSON, &summary, &errMsg, &t.CallbackToken, &createdAt, &updated,
	)
	if err != nil {
		return nil, err
	}

	t.Status = TaskStatus(status)
	t.JobName = jobName.String
	t.Summary = summary.String
	t.ErrorMessage = errMsg.String
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		t.CreatedAt = ts.UTC()
	}
	t.StartedAt = parseTime(startedAt)
	t.CompletedAt = parseTime(completedAt)
	t.UpdatedAt = parseTime(updated)
	if duration.Valid {
		d := duration.Float64
		t.DurationSeconds = &d
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		t.ExitCode = &c
	}
	if contextJSON.Valid && contextJSON.String != "" {
		_ = json.Unmarshal([]byte(contextJSON.String), &t.ContextFiles)
	}
	if outputJSON.Valid && outputJSON.String != "" {
		_ = json.Unmarshal([]byte(outputJSON.String), &t.OutputFiles)
	}

	return &t, nil
}
