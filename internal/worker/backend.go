// Package worker delegates long-running jobs to an execution backend
// and reconciles their lifecycle against the task store. The
// orchestrator persists intent before touching the backend, so a
// crash between the two leaves a row the reconciler can fail cleanly
// instead of a ghost process.
package worker

import (
	"context"
	"errors"
)

// Backend errors.
var (
	// ErrUnknownJob is returned by Status, Cancel, and Logs when the
	// backend has no record of the job name.
	ErrUnknownJob = errors.New("unknown job")
)

// JobState is the backend's view of a job.
type JobState string

const (
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// SpawnSpec describes a job to start. The callback fields let the
// worker (or the backend) report completion to the orchestrator's
// webhook endpoint.
type SpawnSpec struct {
	TaskID          string
	TaskDescription string
	Model           string
	ContextFiles    []string
	TimeoutMinutes  int
	CallbackURL     string
	CallbackToken   string
	WorkspaceDir    string
}

// JobStatus is a point-in-time backend report.
type JobStatus struct {
	State    JobState
	ExitCode *int
	Message  string
}

// Backend executes delegated jobs. Implementations wrap a local
// process runner or a cluster scheduler; the orchestrator only ever
// holds the string job name it gets back from Spawn.
type Backend interface {
	// Spawn starts a job and returns its backend handle.
	Spawn(ctx context.Context, spec SpawnSpec) (jobName string, err error)
	// Status reports the job's current state. Unknown job names
	// return ErrUnknownJob.
	Status(ctx context.Context, jobName string) (JobStatus, error)
	// Cancel stops a job. Cancelling a finished job is a no-op.
	Cancel(ctx context.Context, jobName string) error
	// Logs returns up to tailBytes of the job's combined output.
	Logs(ctx context.Context, jobName string, tailBytes int) (string, error)
}
