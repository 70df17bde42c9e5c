package executor

import (
	"context"
	"strings"
	"time"

	"github.com/cuemby/foreman/pkg/types"
)

// State represents the lifecycle state of an executor.
type State string

const (
	StateIdle       State = "idle"
	StateExecuting  State = "executing"
	StateTerminated State = "terminated"
)

// Output sentinel markers shared by the process protocol and the container
// wrapper entrypoint. The agent emits its result between the two markers.
const (
	OutputStartMarker = "=== OUTPUT START ==="
	OutputEndMarker   = "=== OUTPUT END ==="
)

// Environment variable names of the session execution contract.
const (
	EnvSessionID    = "SESSION_ID"
	EnvTask         = "TASK"
	EnvRepoURL      = "REPO_URL"
	EnvWorkspaceDir = "WORKSPACE_DIR"
	EnvCredential   = "FOREMAN_CREDENTIAL"
)

// ExitCodeTimeout is the wrapper's exit code for an agent timeout.
const ExitCodeTimeout = 124

// DefaultGracePeriod is the SIGTERM-to-SIGKILL window on termination.
const DefaultGracePeriod = 10 * time.Second

// Status is a point-in-time snapshot of an executor.
type Status struct {
	ID             string               `json:"id"`
	Mode           types.ExecutionMode  `json:"mode"`
	State          State                `json:"state"`
	Uptime         time.Duration        `json:"uptime"`
	TasksCompleted int                  `json:"tasksCompleted"`
	LastUsage      *types.ResourceUsage `json:"lastUsage,omitempty"`
}

// Executor is a single in-flight execution slot for one task. Execute never
// returns an error: any internal failure becomes a TaskResult with
// status=failed and an error kind set.
type Executor interface {
	Execute(ctx context.Context, task *types.Task) *types.TaskResult
	Terminate() error
	Healthy() bool
	Status() Status
}

// extractOutput returns the text between the sentinel markers, or the whole
// raw output when no markers are present.
func extractOutput(raw string) string {
	start := strings.Index(raw, OutputStartMarker)
	if start < 0 {
		return strings.TrimSpace(raw)
	}
	rest := raw[start+len(OutputStartMarker):]
	end := strings.Index(rest, OutputEndMarker)
	if end < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}

// failedResult builds a failed TaskResult for an executor-level error.
func failedResult(taskID string, kind types.ErrorKind, msg string, started time.Time) *types.TaskResult {
	now := time.Now()
	return &types.TaskResult{
		TaskID:    taskID,
		Status:    types.TaskStatusFailed,
		Error:     msg,
		ErrorKind: kind,
		Metrics: &types.TaskMetrics{
			StartedAt:   started,
			CompletedAt: now,
			Duration:    now.Sub(started),
		},
	}
}
