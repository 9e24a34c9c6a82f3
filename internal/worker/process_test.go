package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func newProcessBackend(t *testing.T, command []string) *ProcessBackend {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-based backend tests require a POSIX shell")
	}
	b, err := NewProcessBackend(command, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewProcessBackend: %v", err)
	}
	return b
}

// waitTerminal polls Status until the job leaves running.
func waitTerminal(t *testing.T, b *ProcessBackend, jobName string) JobStatus {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		st, err := b.Status(context.Background(), jobName)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if st.State != JobRunning {
			return st
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job did not finish")
	return JobStatus{}
}

func TestProcessBackendRequiresCommand(t *testing.T) {
	if _, err := NewProcessBackend(nil, "", nil); err == nil {
		t.Error("empty command accepted")
	}
}

func TestProcessBackendSuccess(t *testing.T) {
	b := newProcessBackend(t, []string{"/bin/sh", "-c", "echo hello from $WORKER_TASK_ID"})

	jobName, err := b.Spawn(context.Background(), SpawnSpec{
		TaskID:          "task-1",
		TaskDescription: "say hello",
		TimeoutMinutes:  1,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	st := waitTerminal(t, b, jobName)
	if st.State != JobSucceeded {
		t.Errorf("state = %s, want succeeded (%s)", st.State, st.Message)
	}
	if st.ExitCode == nil || *st.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", st.ExitCode)
	}

	out, err := b.Logs(context.Background(), jobName, 4096)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if !strings.Contains(out, "hello from task-1") {
		t.Errorf("logs = %q", out)
	}
}

func TestProcessBackendFailure(t *testing.T) {
	b := newProcessBackend(t, []string{"/bin/sh", "-c", "echo boom >&2; exit 3"})

	jobName, err := b.Spawn(context.Background(), SpawnSpec{TaskID: "task-2", TimeoutMinutes: 1})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	st := waitTerminal(t, b, jobName)
	if st.State != JobFailed {
		t.Errorf("state = %s, want failed", st.State)
	}
	if st.ExitCode == nil || *st.ExitCode != 3 {
		t.Errorf("exit code = %v, want 3", st.ExitCode)
	}

	out, _ := b.Logs(context.Background(), jobName, 4096)
	if !strings.Contains(out, "boom") {
		t.Errorf("stderr not captured: %q", out)
	}
}

func TestProcessBackendEnvironment(t *testing.T) {
	b := newProcessBackend(t, []string{"/bin/sh", "-c",
		"echo $WORKER_TASK_DESCRIPTION; echo $WORKER_MODEL; echo $WORKER_CONTEXT_FILES"})

	jobName, err := b.Spawn(context.Background(), SpawnSpec{
		TaskID:          "task-3",
		TaskDescription: "check the env",
		Model:           "small",
		ContextFiles:    []string{"/a.txt", "/b.txt"},
		TimeoutMinutes:  1,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitTerminal(t, b, jobName)

	out, _ := b.Logs(context.Background(), jobName, 4096)
	for _, want := range []string{"check the env", "small", "/a.txt:/b.txt"} {
		if !strings.Contains(out, want) {
			t.Errorf("logs missing %q: %q", want, out)
		}
	}
}

func TestProcessBackendWorkspace(t *testing.T) {
	b := newProcessBackend(t, []string{"/bin/sh", "-c", "pwd"})

	jobName, err := b.Spawn(context.Background(), SpawnSpec{TaskID: "task-ws", TimeoutMinutes: 1})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitTerminal(t, b, jobName)

	want := filepath.Join(b.workspaceRoot, "task-ws")
	if _, err := os.Stat(want); err != nil {
		t.Errorf("workspace not created: %v", err)
	}
	out, _ := b.Logs(context.Background(), jobName, 4096)
	if !strings.Contains(out, "task-ws") {
		t.Errorf("process cwd = %q, want under %q", out, want)
	}
}

func TestProcessBackendCancel(t *testing.T) {
	b := newProcessBackend(t, []string{"/bin/sh", "-c", "sleep 30"})

	jobName, err := b.Spawn(context.Background(), SpawnSpec{TaskID: "task-4", TimeoutMinutes: 1})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	if err := b.Cancel(context.Background(), jobName); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	st := waitTerminal(t, b, jobName)
	if st.State != JobFailed {
		t.Errorf("state = %s, want failed after cancel", st.State)
	}

	// Cancelling a finished job is a no-op.
	if err := b.Cancel(context.Background(), jobName); err != nil {
		t.Errorf("second Cancel = %v, want nil", err)
	}
}

func TestProcessBackendUnknownJob(t *testing.T) {
	b := newProcessBackend(t, []string{"/bin/true"})

	if _, err := b.Status(context.Background(), "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("Status = %v, want ErrUnknownJob", err)
	}
	if err := b.Cancel(context.Background(), "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("Cancel = %v, want ErrUnknownJob", err)
	}
	if _, err := b.Logs(context.Background(), "nope", 0); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("Logs = %v, want ErrUnknownJob", err)
	}
}

func TestProcessBackendCompletionWebhook(t *testing.T) {
	reports := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var report map[string]any
		if err := json.Unmarshal(body, &report); err != nil {
			t.Errorf("bad report body: %v", err)
		}
		reports <- report
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := newProcessBackend(t, []string{"/bin/sh", "-c", "exit 0"})
	jobName, err := b.Spawn(context.Background(), SpawnSpec{
		TaskID:         "task-5",
		TimeoutMinutes: 1,
		CallbackURL:    srv.URL + "/workers/task-5/complete",
		CallbackToken:  "secret-token",
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitTerminal(t, b, jobName)

	select {
	case report := <-reports:
		if report["token"] != "secret-token" {
			t.Errorf("token = %v", report["token"])
		}
		if report["status"] != "success" {
			t.Errorf("status = %v", report["status"])
		}
		if report["exit_code"] != float64(0) {
			t.Errorf("exit_code = %v", report["exit_code"])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no completion webhook arrived")
	}
}

func TestProcessBackendForget(t *testing.T) {
	b := newProcessBackend(t, []string{"/bin/sh", "-c", "exit 0"})

	jobName, err := b.Spawn(context.Background(), SpawnSpec{TaskID: "task-6", TimeoutMinutes: 1})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitTerminal(t, b, jobName)

	b.Forget(jobName)
	if _, err := b.Status(context.Background(), jobName); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("Status after Forget = %v, want ErrUnknownJob", err)
	}
}

func TestLogsTail(t *testing.T) {
	b := newProcessBackend(t, []string{"/bin/sh", "-c", "printf 'aaaaabbbbb'"})

	jobName, err := b.Spawn(context.Background(), SpawnSpec{TaskID: "task-7", TimeoutMinutes: 1})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitTerminal(t, b, jobName)

	out, err := b.Logs(context.Background(), jobName, 5)
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}
	if out != "bbbbb" {
		t.Errorf("tail = %q, want bbbbb", out)
	}
}
