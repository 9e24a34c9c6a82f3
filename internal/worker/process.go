package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/werdnum/family-assistant/internal/events"
)

const (
	// jobLogLimit caps the per-job output buffer.
	jobLogLimit = 256 * 1024

	callbackTimeout = 30 * time.Second
)

// ProcessBackend runs jobs as local child processes. Each job gets a
// workspace directory and the task parameters in its environment; on
// exit the backend posts the completion webhook on the worker's
// behalf, so simple commands need no callback code of their own.
type ProcessBackend struct {
	// command is the argv template every job runs.
	command []string
	// workspaceRoot is where per-task workspaces are created.
	workspaceRoot string
	client        *http.Client
	logger        *slog.Logger

	mu   sync.Mutex
	jobs map[string]*processJob
}

type processJob struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	output   bytes.Buffer
	exitCode int
	finished bool
	timedOut bool
}

// NewProcessBackend creates a local backend running the given
// command. The spec's parameters reach the command via environment
// variables (WORKER_TASK_ID, WORKER_TASK_DESCRIPTION, WORKER_MODEL,
// WORKER_CALLBACK_URL, WORKER_CALLBACK_TOKEN, WORKER_TIMEOUT_MINUTES,
// WORKER_CONTEXT_FILES).
func NewProcessBackend(command []string, workspaceRoot string, logger *slog.Logger) (*ProcessBackend, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("process backend: command not configured")
	}
	if workspaceRoot == "" {
		workspaceRoot = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessBackend{
		command:       command,
		workspaceRoot: workspaceRoot,
		client:        &http.Client{Timeout: callbackTimeout},
		logger:        logger.With("backend", "process"),
		jobs:          make(map[string]*processJob),
	}, nil
}

// Spawn implements Backend.
func (b *ProcessBackend) Spawn(ctx context.Context, spec SpawnSpec) (string, error) {
	jobName := "proc-" + events.NewID()

	workspace := filepath.Join(b.workspaceRoot, spec.TaskID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}

	timeout := time.Duration(spec.TimeoutMinutes) * time.Minute
	if timeout <= 0 {
		timeout = time.Hour
	}

	// The job outlives the spawn request; its lifetime is the timeout,
	// not the caller's context.
	jobCtx, cancel := context.WithTimeout(context.Background(), timeout)

	cmd := exec.CommandContext(jobCtx, b.command[0], b.command[1:]...)
	cmd.Dir = workspace
	cmd.Env = append(os.Environ(),
		"WORKER_TASK_ID="+spec.TaskID,
		"WORKER_TASK_DESCRIPTION="+spec.TaskDescription,
		"WORKER_MODEL="+spec.Model,
		"WORKER_CALLBACK_URL="+spec.CallbackURL,
		"WORKER_CALLBACK_TOKEN="+spec.CallbackToken,
		"WORKER_TIMEOUT_MINUTES="+strconv.Itoa(spec.TimeoutMinutes),
		"WORKER_CONTEXT_FILES="+strings.Join(spec.ContextFiles, ":"),
	)

	job := &processJob{cmd: cmd, cancel: cancel, done: make(chan struct{})}
	cmd.Stdout = limitedWriter{job}
	cmd.Stderr = limitedWriter{job}

	if err := cmd.Start(); err != nil {
		cancel()
		return "", fmt.Errorf("start worker process: %w", err)
	}

	b.mu.Lock()
	b.jobs[jobName] = job
	b.mu.Unlock()

	started := time.Now()
	go b.await(jobCtx, jobName, job, spec, started)

	b.logger.Info("worker process started",
		"job_name", jobName, "task_id", spec.TaskID, "pid", cmd.Process.Pid, "timeout", timeout)
	return jobName, nil
}

// await waits for process exit, records the outcome, and posts the
// completion webhook.
func (b *ProcessBackend) await(jobCtx context.Context, jobName string, job *processJob, spec SpawnSpec, started time.Time) {
	err := job.cmd.Wait()
	timedOut := jobCtx.Err() == context.DeadlineExceeded
	job.cancel()

	exitCode := 0
	if err != nil {
		exitCode = -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
	}

	job.mu.Lock()
	job.finished = true
	job.exitCode = exitCode
	job.timedOut = timedOut
	job.mu.Unlock()
	close(job.done)

	b.logger.Info("worker process exited",
		"job_name", jobName, "exit_code", exitCode, "timed_out", timedOut)

	if spec.CallbackURL != "" {
		b.postCompletion(jobName, spec, exitCode, timedOut, time.Since(started))
	}
}

// postCompletion reports the outcome to the orchestrator's webhook.
func (b *ProcessBackend) postCompletion(jobName string, spec SpawnSpec, exitCode int, timedOut bool, elapsed time.Duration) {
	status := "success"
	switch {
	case timedOut:
		status = "timeout"
	case exitCode != 0:
		status = "failed"
	}

	body, err := json.Marshal(map[string]any{
		"token":            spec.CallbackToken,
		"status":           status,
		"exit_code":        exitCode,
		"duration_seconds": elapsed.Seconds(),
	})
	if err != nil {
		b.logger.Error("marshal completion report", "job_name", jobName, "error", err)
		return
	}

	resp, err := b.client.Post(spec.CallbackURL, "application/json", bytes.NewReader(body))
	if err != nil {
		// The reconciler will pick the task up from backend state.
		b.logger.Warn("completion webhook failed, reconciler will catch up",
			"job_name", jobName, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		b.logger.Warn("completion webhook rejected",
			"job_name", jobName, "status", resp.StatusCode)
	}
}

// Status implements Backend.
func (b *ProcessBackend) Status(ctx context.Context, jobName string) (JobStatus, error) {
	b.mu.Lock()
	job, ok := b.jobs[jobName]
	b.mu.Unlock()
	if !ok {
		return JobStatus{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobName)
	}

	job.mu.Lock()
	defer job.mu.Unlock()
	if !job.finished {
		return JobStatus{State: JobRunning}, nil
	}
	code := job.exitCode
	st := JobStatus{ExitCode: &code}
	switch {
	case job.timedOut:
		st.State = JobFailed
		st.Message = "process timed out"
	case code == 0:
		st.State = JobSucceeded
	default:
		st.State = JobFailed
		st.Message = fmt.Sprintf("exit code %d", code)
	}
	return st, nil
}

// Cancel implements Backend.
func (b *ProcessBackend) Cancel(ctx context.Context, jobName string) error {
	b.mu.Lock()
	job, ok := b.jobs[jobName]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobName)
	}

	job.mu.Lock()
	finished := job.finished
	job.mu.Unlock()
	if finished {
		return nil
	}

	job.cancel()
	select {
	case <-job.done:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		// CommandContext sends SIGKILL on cancel; if the process still
		// has not reaped, report but do not block the caller further.
		return fmt.Errorf("job %s did not exit after cancel", jobName)
	}
	return nil
}

// Logs implements Backend.
func (b *ProcessBackend) Logs(ctx context.Context, jobName string, tailBytes int) (string, error) {
	b.mu.Lock()
	job, ok := b.jobs[jobName]
	b.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, jobName)
	}

	job.mu.Lock()
	defer job.mu.Unlock()
	out := job.output.String()
	if tailBytes > 0 && len(out) > tailBytes {
		out = out[len(out)-tailBytes:]
	}
	return out, nil
}

// Forget drops the in-memory record of a finished job. Called by the
// orchestrator's cleanup so the jobs map does not grow forever.
func (b *ProcessBackend) Forget(jobName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if job, ok := b.jobs[jobName]; ok {
		job.mu.Lock()
		finished := job.finished
		job.mu.Unlock()
		if finished {
			delete(b.jobs, jobName)
		}
	}
}

// limitedWriter appends process output to the job buffer, dropping
// bytes past the cap.
type limitedWriter struct {
	job *processJob
}

func (w limitedWriter) Write(p []byte) (int, error) {
	w.job.mu.Lock()
	defer w.job.mu.Unlock()
	if room := jobLogLimit - w.job.output.Len(); room > 0 {
		if len(p) > room {
			w.job.output.Write(p[:room])
		} else {
			w.job.output.Write(p)
		}
	}
	return len(p), nil
}
