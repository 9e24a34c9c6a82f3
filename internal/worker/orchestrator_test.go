package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/werdnum/family-assistant/internal/clock"
	"github.com/werdnum/family-assistant/internal/store"
)

// fakeBackend is an in-memory Backend with scriptable job states.
type fakeBackend struct {
	mu        sync.Mutex
	jobs      map[string]JobStatus
	spawnErr  error
	spawned   []SpawnSpec
	cancelled []string
	forgotten []string
	nextJob   int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{jobs: make(map[string]JobStatus)}
}

func (b *fakeBackend) Spawn(ctx context.Context, spec SpawnSpec) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.spawnErr != nil {
		return "", b.spawnErr
	}
	b.nextJob++
	name := fmt.Sprintf("job-%d", b.nextJob)
	b.jobs[name] = JobStatus{State: JobRunning}
	b.spawned = append(b.spawned, spec)
	return name, nil
}

func (b *fakeBackend) Status(ctx context.Context, jobName string) (JobStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.jobs[jobName]
	if !ok {
		return JobStatus{}, ErrUnknownJob
	}
	return st, nil
}

func (b *fakeBackend) Cancel(ctx context.Context, jobName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.jobs[jobName]; !ok {
		return ErrUnknownJob
	}
	b.cancelled = append(b.cancelled, jobName)
	return nil
}

func (b *fakeBackend) Logs(ctx context.Context, jobName string, tailBytes int) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.jobs[jobName]; !ok {
		return "", ErrUnknownJob
	}
	return "log output for " + jobName, nil
}

func (b *fakeBackend) Forget(jobName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forgotten = append(b.forgotten, jobName)
}

func (b *fakeBackend) setState(jobName string, st JobStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jobs[jobName] = st
}

func (b *fakeBackend) drop(jobName string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.jobs, jobName)
}

func newTestOrchestrator(t *testing.T, cfg Config) (*Orchestrator, *store.Store, *fakeBackend, *clock.Fake) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if cfg.CallbackBaseURL == "" {
		cfg.CallbackBaseURL = "http://localhost:8080/api/v1"
	}
	backend := newFakeBackend()
	clk := clock.NewFake(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC))
	o := New(cfg, st, backend, nil, clk, nil)
	return o, st, backend, clk
}

func spawnReq() SpawnRequest {
	return SpawnRequest{
		ConversationID:  "conv-1",
		Model:           "large",
		TaskDescription: "summarize the inbox",
		TimeoutMinutes:  30,
	}
}

func TestSpawnSubmitsTask(t *testing.T) {
	o, st, backend, _ := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	task, err := o.Spawn(ctx, spawnReq())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if task.Status != store.TaskSubmitted {
		t.Errorf("status = %s, want submitted", task.Status)
	}
	if task.JobName == "" {
		t.Error("no job name recorded")
	}
	if task.CallbackToken == "" {
		t.Error("no callback token")
	}

	spec := backend.spawned[0]
	wantURL := "http://localhost:8080/api/v1/workers/" + task.TaskID + "/complete"
	if spec.CallbackURL != wantURL {
		t.Errorf("callback url = %q, want %q", spec.CallbackURL, wantURL)
	}
	if spec.CallbackToken != task.CallbackToken {
		t.Error("callback token mismatch between spec and row")
	}

	fresh, err := st.GetWorkerTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("GetWorkerTask: %v", err)
	}
	if fresh.Status != store.TaskSubmitted || fresh.JobName != task.JobName {
		t.Errorf("stored row = %s/%s", fresh.Status, fresh.JobName)
	}
}

func TestSpawnValidation(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t, Config{})

	req := spawnReq()
	req.TaskDescription = ""
	if _, err := o.Spawn(context.Background(), req); !errors.Is(err, store.ErrInvalidArgument) {
		t.Errorf("Spawn = %v, want ErrInvalidArgument", err)
	}

	req = spawnReq()
	req.ConversationID = ""
	if _, err := o.Spawn(context.Background(), req); !errors.Is(err, store.ErrInvalidArgument) {
		t.Errorf("Spawn = %v, want ErrInvalidArgument", err)
	}
}

func TestSpawnBackendFailureFailsTask(t *testing.T) {
	o, st, backend, _ := newTestOrchestrator(t, Config{})
	backend.spawnErr = errors.New("scheduler unavailable")

	task, err := o.Spawn(context.Background(), spawnReq())
	if err != nil {
		t.Fatalf("Spawn: %v (backend failures resolve through the task row)", err)
	}
	if task.Status != store.TaskFailed {
		t.Errorf("status = %s, want failed", task.Status)
	}

	fresh, _ := st.GetWorkerTask(context.Background(), task.TaskID)
	if fresh.Status != store.TaskFailed || !strings.Contains(fresh.ErrorMessage, "scheduler unavailable") {
		t.Errorf("stored row = %s/%q", fresh.Status, fresh.ErrorMessage)
	}
}

func TestSpawnConcurrencyCap(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t, Config{MaxConcurrent: 1})
	ctx := context.Background()

	if _, err := o.Spawn(ctx, spawnReq()); err != nil {
		t.Fatalf("first Spawn: %v", err)
	}
	if _, err := o.Spawn(ctx, spawnReq()); !errors.Is(err, store.ErrTaskLimit) {
		t.Errorf("second Spawn = %v, want ErrTaskLimit", err)
	}
}

func TestHandleCompletion(t *testing.T) {
	o, st, _, _ := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	task, err := o.Spawn(ctx, spawnReq())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	exit := 0
	dur := 42.5
	report := CompletionReport{
		Token:           task.CallbackToken,
		ExitCode:        &exit,
		DurationSeconds: &dur,
		Summary:         "done",
	}
	if err := o.HandleCompletion(ctx, task.TaskID, report); err != nil {
		t.Fatalf("HandleCompletion: %v", err)
	}

	fresh, _ := st.GetWorkerTask(ctx, task.TaskID)
	if fresh.Status != store.TaskSuccess {
		t.Errorf("status = %s, want success", fresh.Status)
	}
	if fresh.Summary != "done" || fresh.CompletedAt == nil {
		t.Errorf("row = %+v", fresh)
	}

	// Duplicate delivery is a silent no-op.
	if err := o.HandleCompletion(ctx, task.TaskID, report); err != nil {
		t.Errorf("duplicate HandleCompletion = %v, want nil", err)
	}
}

func TestHandleCompletionBadToken(t *testing.T) {
	o, st, _, _ := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	task, err := o.Spawn(ctx, spawnReq())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	err = o.HandleCompletion(ctx, task.TaskID, CompletionReport{Token: "guessed"})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("HandleCompletion = %v, want ErrUnauthorized", err)
	}

	fresh, _ := st.GetWorkerTask(ctx, task.TaskID)
	if fresh.Status != store.TaskSubmitted {
		t.Errorf("status = %s, rejected report must not transition", fresh.Status)
	}
}

func TestReportedStatus(t *testing.T) {
	zero, one := 0, 1
	tests := []struct {
		name   string
		report CompletionReport
		want   store.TaskStatus
	}{
		{"explicit success", CompletionReport{Status: "success"}, store.TaskSuccess},
		{"explicit timeout", CompletionReport{Status: "timeout"}, store.TaskTimeout},
		{"invalid status falls back to exit code", CompletionReport{Status: "finished", ExitCode: &zero}, store.TaskSuccess},
		{"zero exit", CompletionReport{ExitCode: &zero}, store.TaskSuccess},
		{"nonzero exit", CompletionReport{ExitCode: &one}, store.TaskFailed},
		{"zero exit with error message", CompletionReport{ExitCode: &zero, ErrorMessage: "x"}, store.TaskFailed},
		{"no signal at all", CompletionReport{}, store.TaskFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := reportedStatus(tt.report); got != tt.want {
				t.Errorf("reportedStatus = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestReconcilePromotesRunning(t *testing.T) {
	o, st, _, _ := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	task, _ := o.Spawn(ctx, spawnReq())
	o.reconcile(ctx)

	fresh, _ := st.GetWorkerTask(ctx, task.TaskID)
	if fresh.Status != store.TaskRunning {
		t.Errorf("status = %s, want running", fresh.Status)
	}
	if fresh.StartedAt == nil {
		t.Error("started_at not recorded")
	}
}

func TestReconcileResolvesFinishedJob(t *testing.T) {
	o, st, backend, _ := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	task, _ := o.Spawn(ctx, spawnReq())
	exit := 0
	backend.setState(task.JobName, JobStatus{State: JobSucceeded, ExitCode: &exit})

	o.reconcile(ctx)

	fresh, _ := st.GetWorkerTask(ctx, task.TaskID)
	if fresh.Status != store.TaskSuccess {
		t.Errorf("status = %s, want success (finished without webhook)", fresh.Status)
	}
}

func TestReconcileFailsGhostJob(t *testing.T) {
	o, st, backend, _ := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	task, _ := o.Spawn(ctx, spawnReq())
	backend.drop(task.JobName)

	o.reconcile(ctx)

	fresh, _ := st.GetWorkerTask(ctx, task.TaskID)
	if fresh.Status != store.TaskFailed {
		t.Errorf("status = %s, want failed", fresh.Status)
	}
	if !strings.Contains(fresh.ErrorMessage, "ghost job") {
		t.Errorf("error = %q", fresh.ErrorMessage)
	}
}

func TestReconcileNoJobNameGracePeriod(t *testing.T) {
	o, st, _, clk := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	// A pending row with no job, as left by a crash mid-spawn.
	task := &store.WorkerTask{
		ConversationID:  "conv-1",
		TaskDescription: "orphan",
		Status:          store.TaskPending,
		CallbackToken:   "tok",
		CreatedAt:       clk.Now().UTC(),
	}
	if err := st.CreateWorkerTask(ctx, task, 0); err != nil {
		t.Fatalf("CreateWorkerTask: %v", err)
	}

	// Inside the grace window nothing happens.
	o.reconcile(ctx)
	fresh, _ := st.GetWorkerTask(ctx, task.TaskID)
	if fresh.Status != store.TaskPending {
		t.Fatalf("status = %s, want pending within grace", fresh.Status)
	}

	clk.Advance(3 * time.Minute)
	o.reconcile(ctx)
	fresh, _ = st.GetWorkerTask(ctx, task.TaskID)
	if fresh.Status != store.TaskFailed {
		t.Errorf("status = %s, want failed after grace", fresh.Status)
	}
}

func TestMarkStale(t *testing.T) {
	o, st, backend, clk := newTestOrchestrator(t, Config{
		SubmittedTimeout: 10 * time.Minute,
		RunningBuffer:    5 * time.Minute,
	})
	ctx := context.Background()

	running, _ := o.Spawn(ctx, spawnReq())
	backend.setState(running.JobName, JobStatus{State: JobRunning})
	o.reconcile(ctx)

	// 30m own timeout + 5m buffer = 35m allowance.
	clk.Advance(36 * time.Minute)
	o.markStale(ctx)

	fresh, _ := st.GetWorkerTask(ctx, running.TaskID)
	if fresh.Status != store.TaskFailed {
		t.Errorf("status = %s, want failed past timeout", fresh.Status)
	}
	if !strings.Contains(fresh.ErrorMessage, "exceeded timeout") {
		t.Errorf("error = %q", fresh.ErrorMessage)
	}
}

func TestMarkStaleSubmitted(t *testing.T) {
	o, st, _, clk := newTestOrchestrator(t, Config{SubmittedTimeout: 10 * time.Minute})
	ctx := context.Background()

	task, _ := o.Spawn(ctx, spawnReq())

	clk.Advance(11 * time.Minute)
	o.markStale(ctx)

	fresh, _ := st.GetWorkerTask(ctx, task.TaskID)
	if fresh.Status != store.TaskFailed {
		t.Errorf("status = %s, want failed when stuck in submitted", fresh.Status)
	}
}

func TestCancel(t *testing.T) {
	o, st, backend, _ := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	task, _ := o.Spawn(ctx, spawnReq())
	if err := o.Cancel(ctx, task.TaskID, "conv-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	fresh, _ := st.GetWorkerTask(ctx, task.TaskID)
	if fresh.Status != store.TaskCancelled {
		t.Errorf("status = %s, want cancelled", fresh.Status)
	}
	if len(backend.cancelled) != 1 {
		t.Errorf("backend cancels = %d, want 1", len(backend.cancelled))
	}

	// Cancelling again reports the terminal state.
	if err := o.Cancel(ctx, task.TaskID, "conv-1"); !errors.Is(err, store.ErrTerminal) {
		t.Errorf("second Cancel = %v, want ErrTerminal", err)
	}
}

func TestCancelWrongConversation(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	task, _ := o.Spawn(ctx, spawnReq())
	if err := o.Cancel(ctx, task.TaskID, "conv-other"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Cancel = %v, want ErrNotFound", err)
	}
}

func TestGetStatusScoping(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	task, _ := o.Spawn(ctx, spawnReq())

	if _, err := o.GetStatus(ctx, task.TaskID, "conv-1"); err != nil {
		t.Errorf("scoped GetStatus = %v", err)
	}
	if _, err := o.GetStatus(ctx, task.TaskID, "conv-other"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("cross-conversation GetStatus = %v, want ErrNotFound", err)
	}
	if _, err := o.GetStatus(ctx, task.TaskID, ""); err != nil {
		t.Errorf("unscoped GetStatus = %v", err)
	}
}

func TestLogs(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t, Config{})
	ctx := context.Background()

	task, _ := o.Spawn(ctx, spawnReq())
	out, err := o.Logs(ctx, task.TaskID, 4096)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if !strings.Contains(out, task.JobName) {
		t.Errorf("logs = %q", out)
	}
}

func TestCleanupForgetsAndDeletes(t *testing.T) {
	o, st, backend, clk := newTestOrchestrator(t, Config{Retention: time.Hour})
	ctx := context.Background()

	task, _ := o.Spawn(ctx, spawnReq())
	exit := 0
	if err := o.HandleCompletion(ctx, task.TaskID, CompletionReport{
		Token:    task.CallbackToken,
		ExitCode: &exit,
	}); err != nil {
		t.Fatalf("HandleCompletion: %v", err)
	}

	clk.Advance(2 * time.Hour)
	o.cleanup(ctx)

	if _, err := st.GetWorkerTask(ctx, task.TaskID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetWorkerTask after cleanup = %v, want ErrNotFound", err)
	}
	if len(backend.forgotten) != 1 || backend.forgotten[0] != task.JobName {
		t.Errorf("forgotten = %v, want [%s]", backend.forgotten, task.JobName)
	}
}
