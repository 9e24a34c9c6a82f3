package worker

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/werdnum/family-assistant/internal/clock"
	"github.com/werdnum/family-assistant/internal/metrics"
	"github.com/werdnum/family-assistant/internal/store"
)

// Orchestrator errors beyond the store's sentinels.
var (
	// ErrUnauthorized is returned when a completion report carries the
	// wrong callback token.
	ErrUnauthorized = errors.New("callback token mismatch")
)

// Defaults for the periodic activities.
const (
	DefaultReconcileInterval = 60 * time.Second
	DefaultSubmittedTimeout  = time.Hour
	DefaultRunningBuffer     = 30 * time.Minute
	DefaultRetention         = 48 * time.Hour

	staleInterval   = 5 * time.Minute
	cleanupInterval = time.Hour

	// noJobGrace covers the window between the DB insert and the
	// backend spawn before the reconciler declares a crash.
	noJobGrace = 2 * time.Minute

	// eventRetention bounds the recent-events sample table, purged on
	// the same cleanup cadence as old tasks.
	eventRetention = 7 * 24 * time.Hour
)

// Config tunes the orchestrator.
type Config struct {
	// MaxConcurrent caps active tasks; zero disables the cap.
	MaxConcurrent int
	// CallbackBaseURL is prefixed onto the completion webhook path
	// passed to the backend.
	CallbackBaseURL string
	// ReconcileInterval is the backend reconciliation cadence.
	ReconcileInterval time.Duration
	// SubmittedTimeout fails tasks stuck in submitted.
	SubmittedTimeout time.Duration
	// RunningBuffer is added to a task's own timeout before a running
	// task is declared stale.
	RunningBuffer time.Duration
	// Retention is how long terminal rows are kept.
	Retention time.Duration
}

// SpawnRequest describes a task to delegate.
type SpawnRequest struct {
	ConversationID  string   `json:"conversation_id"`
	InterfaceType   string   `json:"interface_type,omitempty"`
	Model           string   `json:"model"`
	TaskDescription string   `json:"task_description"`
	ContextFiles    []string `json:"context_files,omitempty"`
	TimeoutMinutes  int      `json:"timeout_minutes"`
}

// CompletionReport is the payload of the completion webhook.
type CompletionReport struct {
	Token           string   `json:"token"`
	Status          string   `json:"status,omitempty"`
	ExitCode        *int     `json:"exit_code,omitempty"`
	DurationSeconds *float64 `json:"duration_seconds,omitempty"`
	Summary         string   `json:"summary,omitempty"`
	ErrorMessage    string   `json:"error_message,omitempty"`
	OutputFiles     []string `json:"output_files,omitempty"`
}

// forgetter is implemented by backends that keep in-memory job
// records worth releasing after retention.
type forgetter interface {
	Forget(jobName string)
}

// Orchestrator owns the worker-task lifecycle: spawn, webhook
// completion, periodic reconciliation against the backend, stale
// marking, and retention cleanup.
type Orchestrator struct {
	cfg     Config
	store   *store.Store
	backend Backend
	metrics *metrics.Metrics
	clk     clock.Clock
	logger  *slog.Logger
}

// New creates an orchestrator. metrics may be nil.
func New(cfg Config, st *store.Store, backend Backend, m *metrics.Metrics, clk clock.Clock, logger *slog.Logger) *Orchestrator {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultReconcileInterval
	}
	if cfg.SubmittedTimeout <= 0 {
		cfg.SubmittedTimeout = DefaultSubmittedTimeout
	}
	if cfg.RunningBuffer <= 0 {
		cfg.RunningBuffer = DefaultRunningBuffer
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:     cfg,
		store:   st,
		backend: backend,
		metrics: m,
		clk:     clk,
		logger:  logger,
	}
}

// Spawn persists the task intent and hands it to the backend. The row
// exists before the backend is called; a crash in between leaves a
// pending row the reconciler fails after a grace period.
func (o *Orchestrator) Spawn(ctx context.Context, req SpawnRequest) (*store.WorkerTask, error) {
	if req.TaskDescription == "" {
		return nil, fmt.Errorf("%w: task_description is required", store.ErrInvalidArgument)
	}
	if req.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversation_id is required", store.ErrInvalidArgument)
	}

	token, err := newCallbackToken()
	if err != nil {
		return nil, fmt.Errorf("generate callback token: %w", err)
	}

	task := &store.WorkerTask{
		ConversationID:  req.ConversationID,
		InterfaceType:   req.InterfaceType,
		Model:           req.Model,
		TaskDescription: req.TaskDescription,
		ContextFiles:    req.ContextFiles,
		TimeoutMinutes:  req.TimeoutMinutes,
		Status:          store.TaskPending,
		CallbackToken:   token,
		CreatedAt:       o.clk.Now().UTC(),
	}
	if err := o.store.CreateWorkerTask(ctx, task, o.cfg.MaxConcurrent); err != nil {
		return nil, err
	}

	jobName, err := o.backend.Spawn(ctx, SpawnSpec{
		TaskID:          task.TaskID,
		TaskDescription: req.TaskDescription,
		Model:           req.Model,
		ContextFiles:    req.ContextFiles,
		TimeoutMinutes:  req.TimeoutMinutes,
		CallbackURL:     o.callbackURL(task.TaskID),
		CallbackToken:   token,
	})
	if err != nil {
		o.logger.Error("backend spawn failed", "task_id", task.TaskID, "error", err)
		msg := err.Error()
		o.transition(ctx, task.TaskID, store.TaskFailed, store.TaskUpdate{ErrorMessage: &msg})
		task.Status = store.TaskFailed
		task.ErrorMessage = msg
		return task, nil
	}

	o.transition(ctx, task.TaskID, store.TaskSubmitted, store.TaskUpdate{JobName: &jobName})
	task.Status = store.TaskSubmitted
	task.JobName = jobName

	o.logger.Info("worker task submitted",
		"task_id", task.TaskID, "job_name", jobName, "conversation_id", req.ConversationID)
	return task, nil
}

// GetStatus returns the stored row. Consumers observe the reconciled
// DB state, never the backend directly. A non-empty conversationID
// scopes the lookup; cross-conversation access reads as not-found.
func (o *Orchestrator) GetStatus(ctx context.Context, taskID, conversationID string) (*store.WorkerTask, error) {
	task, err := o.store.GetWorkerTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if conversationID != "" && task.ConversationID != conversationID {
		return nil, store.ErrNotFound
	}
	return task, nil
}

// List returns tasks for a conversation, newest first.
func (o *Orchestrator) List(ctx context.Context, conversationID string, limit int) ([]*store.WorkerTask, error) {
	return o.store.ListWorkerTasks(ctx, conversationID, limit)
}

// Logs returns the job's output tail from the backend.
func (o *Orchestrator) Logs(ctx context.Context, taskID string, tailBytes int) (string, error) {
	task, err := o.store.GetWorkerTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task.JobName == "" {
		return "", fmt.Errorf("%w: task has no job", ErrUnknownJob)
	}
	return o.backend.Logs(ctx, task.JobName, tailBytes)
}

// HandleCompletion applies a completion webhook. Token mismatch is
// unauthorized; reports for already-terminal tasks are no-ops so
// duplicate deliveries stay idempotent.
func (o *Orchestrator) HandleCompletion(ctx context.Context, taskID string, report CompletionReport) error {
	task, err := o.store.GetWorkerTask(ctx, taskID)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(task.CallbackToken), []byte(report.Token)) != 1 {
		o.logger.Warn("rejected completion webhook, bad token", "task_id", taskID)
		return ErrUnauthorized
	}
	if task.Status.IsTerminal() {
		o.logger.Debug("ignoring completion for terminal task",
			"task_id", taskID, "status", task.Status)
		return nil
	}

	to := reportedStatus(report)
	now := o.clk.Now().UTC()
	upd := store.TaskUpdate{
		CompletedAt:     &now,
		DurationSeconds: report.DurationSeconds,
		ExitCode:        report.ExitCode,
		OutputFiles:     report.OutputFiles,
	}
	if report.Summary != "" {
		upd.Summary = &report.Summary
	}
	if report.ErrorMessage != "" {
		upd.ErrorMessage = &report.ErrorMessage
	}

	err = o.store.TransitionWorkerTask(ctx, taskID, to, upd)
	if errors.Is(err, store.ErrTerminal) {
		// Lost the race with the reconciler; same end state either way.
		return nil
	}
	if err != nil {
		return err
	}

	o.observeTransition(to)
	o.logger.Info("worker task completed", "task_id", taskID, "status", to)
	return nil
}

// Cancel stops an active task. Cancelling a terminal task is an
// error so callers learn the action had no effect.
func (o *Orchestrator) Cancel(ctx context.Context, taskID, conversationID string) error {
	task, err := o.GetStatus(ctx, taskID, conversationID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return fmt.Errorf("%w: %s", store.ErrTerminal, task.Status)
	}

	if task.JobName != "" {
		if err := o.backend.Cancel(ctx, task.JobName); err != nil && !errors.Is(err, ErrUnknownJob) {
			return fmt.Errorf("backend cancel: %w", err)
		}
	}

	msg := "cancelled by user"
	now := o.clk.Now().UTC()
	err = o.store.TransitionWorkerTask(ctx, taskID, store.TaskCancelled, store.TaskUpdate{
		CompletedAt:  &now,
		ErrorMessage: &msg,
	})
	if errors.Is(err, store.ErrTerminal) {
		return nil
	}
	if err != nil {
		return err
	}
	o.observeTransition(store.TaskCancelled)
	o.logger.Info("worker task cancelled", "task_id", taskID)
	return nil
}

// Run drives the three periodic activities until ctx is cancelled:
// backend reconciliation, stale marking, and retention cleanup.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for o.clk.Sleep(gctx, o.cfg.ReconcileInterval) {
			o.reconcile(gctx)
		}
		return nil
	})
	g.Go(func() error {
		for o.clk.Sleep(gctx, staleInterval) {
			o.markStale(gctx)
		}
		return nil
	})
	g.Go(func() error {
		for o.clk.Sleep(gctx, cleanupInterval) {
			o.cleanup(gctx)
		}
		return nil
	})

	return g.Wait()
}

// reconcile trues up active rows against the backend. Covered cases:
// crashed spawns (no job_name past the grace period), ghost jobs the
// backend has forgotten, and jobs the backend finished without a
// webhook landing.
func (o *Orchestrator) reconcile(ctx context.Context) {
	tasks, err := o.store.ActiveWorkerTasks(ctx)
	if err != nil {
		o.logger.Error("reconciler failed to list active tasks", "error", err)
		return
	}

	now := o.clk.Now()
	for _, task := range tasks {
		if task.JobName == "" {
			if now.Sub(task.CreatedAt) > noJobGrace {
				o.fail(ctx, task.TaskID, "no job_name after spawn grace period")
			}
			continue
		}

		status, err := o.backend.Status(ctx, task.JobName)
		if errors.Is(err, ErrUnknownJob) {
			o.fail(ctx, task.TaskID, "ghost job: backend has no record of "+task.JobName)
			continue
		}
		if err != nil {
			o.logger.Warn("backend status check failed",
				"task_id", task.TaskID, "job_name", task.JobName, "error", err)
			continue
		}

		switch status.State {
		case JobRunning:
			if task.Status == store.TaskSubmitted {
				started := now.UTC()
				if err := o.store.TransitionWorkerTask(ctx, task.TaskID, store.TaskRunning,
					store.TaskUpdate{StartedAt: &started}); err == nil {
					o.observeTransition(store.TaskRunning)
				}
			}
		case JobSucceeded, JobFailed:
			to := store.TaskSuccess
			if status.State == JobFailed {
				to = store.TaskFailed
			}
			completed := now.UTC()
			upd := store.TaskUpdate{CompletedAt: &completed, ExitCode: status.ExitCode}
			if status.Message != "" {
				upd.ErrorMessage = &status.Message
			}
			err := o.store.TransitionWorkerTask(ctx, task.TaskID, to, upd)
			if err == nil {
				o.observeTransition(to)
				o.logger.Info("reconciler resolved task",
					"task_id", task.TaskID, "status", to)
			} else if !errors.Is(err, store.ErrTerminal) {
				o.logger.Error("reconciler transition failed", "task_id", task.TaskID, "error", err)
			}
		}
	}
}

// markStale fails tasks stuck in submitted past the deadline and
// running tasks past their own timeout plus the buffer.
func (o *Orchestrator) markStale(ctx context.Context) {
	tasks, err := o.store.ActiveWorkerTasks(ctx)
	if err != nil {
		o.logger.Error("stale marker failed to list active tasks", "error", err)
		return
	}

	now := o.clk.Now()
	for _, task := range tasks {
		switch task.Status {
		case store.TaskSubmitted:
			if now.Sub(task.CreatedAt) > o.cfg.SubmittedTimeout {
				o.fail(ctx, task.TaskID,
					fmt.Sprintf("stuck in submitted for more than %s", o.cfg.SubmittedTimeout))
			}
		case store.TaskRunning:
			if task.StartedAt == nil {
				continue
			}
			allowed := time.Duration(task.TimeoutMinutes)*time.Minute + o.cfg.RunningBuffer
			if now.Sub(*task.StartedAt) > allowed {
				o.fail(ctx, task.TaskID,
					fmt.Sprintf("exceeded timeout of %d minutes plus buffer", task.TimeoutMinutes))
			}
		}
	}
}

// cleanup deletes terminal rows past retention and purges the
// recent-events sample. Active rows are never touched regardless of
// age.
func (o *Orchestrator) cleanup(ctx context.Context) {
	cutoff := o.clk.Now().Add(-o.cfg.Retention)

	// Release backend job records for rows about to be deleted.
	if fg, ok := o.backend.(forgetter); ok {
		tasks, err := o.store.ListWorkerTasks(ctx, "", 0)
		if err == nil {
			for _, task := range tasks {
				if task.Status.IsTerminal() && task.CreatedAt.Before(cutoff) && task.JobName != "" {
					fg.Forget(task.JobName)
				}
			}
		}
	}

	deleted, err := o.store.CleanupWorkerTasks(ctx, cutoff)
	if err != nil {
		o.logger.Error("task cleanup failed", "error", err)
	} else if deleted > 0 {
		o.logger.Info("cleaned up old worker tasks", "deleted", deleted)
	}

	purged, err := o.store.PurgeRecentEvents(ctx, o.clk.Now().Add(-eventRetention))
	if err != nil {
		o.logger.Error("recent-events purge failed", "error", err)
	} else if purged > 0 {
		o.logger.Debug("purged old event samples", "purged", purged)
	}
}

// fail moves a task to failed with a reason, tolerating races with a
// concurrent completion.
func (o *Orchestrator) fail(ctx context.Context, taskID, reason string) {
	now := o.clk.Now().UTC()
	err := o.store.TransitionWorkerTask(ctx, taskID, store.TaskFailed, store.TaskUpdate{
		CompletedAt:  &now,
		ErrorMessage: &reason,
	})
	if errors.Is(err, store.ErrTerminal) {
		return
	}
	if err != nil {
		o.logger.Error("failed to mark task failed", "task_id", taskID, "error", err)
		return
	}
	o.observeTransition(store.TaskFailed)
	o.logger.Warn("marked worker task failed", "task_id", taskID, "reason", reason)
}

// transition is a fire-and-forget transition used on the spawn path.
func (o *Orchestrator) transition(ctx context.Context, taskID string, to store.TaskStatus, upd store.TaskUpdate) {
	if err := o.store.TransitionWorkerTask(ctx, taskID, to, upd); err != nil {
		o.logger.Error("task transition failed", "task_id", taskID, "to", to, "error", err)
		return
	}
	o.observeTransition(to)
}

func (o *Orchestrator) observeTransition(to store.TaskStatus) {
	if o.metrics != nil {
		o.metrics.TaskTransitions.WithLabelValues(string(to)).Inc()
	}
}

func (o *Orchestrator) callbackURL(taskID string) string {
	base := strings.TrimSuffix(o.cfg.CallbackBaseURL, "/")
	return base + "/workers/" + taskID + "/complete"
}

// reportedStatus maps a webhook report to a terminal status. An
// explicit valid status wins; otherwise the exit code decides.
func reportedStatus(report CompletionReport) store.TaskStatus {
	switch store.TaskStatus(report.Status) {
	case store.TaskSuccess, store.TaskFailed, store.TaskTimeout, store.TaskCancelled:
		return store.TaskStatus(report.Status)
	}
	if report.ExitCode != nil && *report.ExitCode == 0 && report.ErrorMessage == "" {
		return store.TaskSuccess
	}
	return store.TaskFailed
}

func newCallbackToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
