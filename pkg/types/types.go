package types

import (
	"fmt"
	"time"
)

// Task is a single unit of work submitted to the driver.
type Task struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	Description  string       `json:"description,omitempty"`
	Category     TaskCategory `json:"category"`
	Priority     TaskPriority `json:"priority"`
	Status       TaskStatus   `json:"status"`
	Dependencies []string     `json:"dependencies,omitempty"`
	Context      *TaskContext `json:"context,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// TaskCategory classifies the kind of work a task performs.
type TaskCategory string

const (
	CategoryCoding        TaskCategory = "coding"
	CategoryAnalysis      TaskCategory = "analysis"
	CategoryRefactoring   TaskCategory = "refactoring"
	CategoryTesting       TaskCategory = "testing"
	CategoryDocumentation TaskCategory = "documentation"
	CategorySystem        TaskCategory = "system"
)

// Categories lists every valid task category.
func Categories() []TaskCategory {
	return []TaskCategory{
		CategoryCoding,
		CategoryAnalysis,
		CategoryRefactoring,
		CategoryTesting,
		CategoryDocumentation,
		CategorySystem,
	}
}

// TaskPriority orders tasks within the scheduler queue.
type TaskPriority string

const (
	PriorityCritical   TaskPriority = "critical"
	PriorityHigh       TaskPriority = "high"
	PriorityNormal     TaskPriority = "normal"
	PriorityLow        TaskPriority = "low"
	PriorityBackground TaskPriority = "background"
)

// DefaultPriorityWeights maps each priority to its scheduling weight.
func DefaultPriorityWeights() map[TaskPriority]int {
	return map[TaskPriority]int{
		PriorityCritical:   100,
		PriorityHigh:       75,
		PriorityNormal:     50,
		PriorityLow:        25,
		PriorityBackground: 10,
	}
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusUnknown   TaskStatus = "unknown"
)

// Terminal reports whether the status is a final state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// ExecutionMode selects how a worker runs a task.
type ExecutionMode string

const (
	// ModeProcessPool runs the task in a reusable agent subprocess.
	ModeProcessPool ExecutionMode = "process_pool"

	// ModeContainerAgentic runs the task in a one-shot isolated container.
	ModeContainerAgentic ExecutionMode = "container_agentic"
)

// TaskContext carries per-task execution inputs.
type TaskContext struct {
	WorkingDir     string            `json:"workingDir,omitempty"`
	RepoURL        string            `json:"repoUrl,omitempty"`
	Environment    map[string]string `json:"environment,omitempty"`
	ResourceLimits *ResourceLimits   `json:"resourceLimits,omitempty"`
	SessionID      string            `json:"sessionId,omitempty"`
	ExecutionMode  ExecutionMode     `json:"executionMode,omitempty"`
	Timeout        time.Duration     `json:"timeout,omitempty"`
}

// ResourceLimits caps the resources available to a task's executor.
type ResourceLimits struct {
	MemoryBytes int64         `json:"memoryBytes,omitempty"`
	CPUShares   int64         `json:"cpuShares,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// TaskResult is the immutable outcome of a terminal task.
type TaskResult struct {
	TaskID    string            `json:"taskId"`
	Status    TaskStatus        `json:"status"`
	Output    string            `json:"output,omitempty"`
	Error     string            `json:"error,omitempty"`
	ErrorKind ErrorKind         `json:"errorKind,omitempty"`
	Artifacts []*Artifact       `json:"artifacts,omitempty"`
	Metrics   *TaskMetrics      `json:"metrics,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// TaskMetrics records execution timing and resource usage.
type TaskMetrics struct {
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt time.Time      `json:"completedAt"`
	Duration    time.Duration  `json:"duration"`
	Usage       *ResourceUsage `json:"usage,omitempty"`
}

// ResourceUsage is a point-in-time resource sample.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpuPercent,omitempty"`
	MemoryBytes int64   `json:"memoryBytes,omitempty"`
}

// Artifact describes one file produced in a task workspace.
type Artifact struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	Hash      string    `json:"hash"`
	MIME      string    `json:"mime,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// WorkerStatus represents a worker as seen by the driver.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusError   WorkerStatus = "error"
	WorkerStatusOffline WorkerStatus = "offline"
)

// WorkerCapabilities is the static capability descriptor a worker exposes.
type WorkerCapabilities struct {
	SupportedCategories        []TaskCategory  `json:"supportedCategories"`
	MaxConcurrentTasks         int             `json:"maxConcurrentTasks"`
	SupportsContainerExecution bool            `json:"supportsContainerExecution"`
	ExecutionModes             []ExecutionMode `json:"executionModes"`
}

// SupportsCategory reports whether the worker accepts tasks of category cat.
func (c *WorkerCapabilities) SupportsCategory(cat TaskCategory) bool {
	for _, sc := range c.SupportedCategories {
		if sc == cat {
			return true
		}
	}
	return false
}

// SupportsMode reports whether the worker can execute in the given mode.
func (c *WorkerCapabilities) SupportsMode(mode ExecutionMode) bool {
	for _, m := range c.ExecutionModes {
		if m == mode {
			return true
		}
	}
	return false
}

// WorkerHealth tracks liveness as observed by the driver.
type WorkerHealth struct {
	LastSeen     time.Time     `json:"lastSeen"`
	ResponseTime time.Duration `json:"responseTime"`
	Healthy      bool          `json:"healthy"`
}

// WorkerInfo is the driver's registry record for one worker.
type WorkerInfo struct {
	ID           string              `json:"id"`
	Endpoint     string              `json:"endpoint"`
	Status       WorkerStatus        `json:"status"`
	Capabilities *WorkerCapabilities `json:"capabilities"`
	Health       *WorkerHealth       `json:"health,omitempty"`
	CurrentTasks []string            `json:"currentTasks,omitempty"`
}

// Session is a long-lived container execution context bound to one worker.
type Session struct {
	ID           string          `json:"id"`
	WorkerID     string          `json:"workerId"`
	CreatedAt    time.Time       `json:"createdAt"`
	ExpiresAt    time.Time       `json:"expiresAt"`
	LastActivity time.Time       `json:"lastActivity"`
	Options      *SessionOptions `json:"options,omitempty"`
}

// Expired reports whether the session's lifetime has passed at t.
func (s *Session) Expired(t time.Time) bool {
	return t.After(s.ExpiresAt)
}

// SessionOptions are the creation-time parameters of a session.
type SessionOptions struct {
	RepoURL        string            `json:"repoUrl,omitempty"`
	Timeout        time.Duration     `json:"timeout,omitempty"`
	ResourceLimits *ResourceLimits   `json:"resourceLimits,omitempty"`
	Environment    map[string]string `json:"environment,omitempty"`
}

// ExecutionPlan is the immutable record of one scheduling decision.
type ExecutionPlan struct {
	TaskID            string        `json:"taskId"`
	WorkerID          string        `json:"workerId"`
	EstimatedDuration time.Duration `json:"estimatedDuration"`
	PriorityScore     int           `json:"priorityScore"`
	ScheduledAt       time.Time     `json:"scheduledAt"`
	Dependencies      []string      `json:"dependencies,omitempty"`
	RetryCount        int           `json:"retryCount"`
}

// MergeStrategy controls how a decomposed parent's result is synthesized.
type MergeStrategy string

const (
	MergeConcat MergeStrategy = "concat"
	MergeMerge  MergeStrategy = "merge"
	MergeReduce MergeStrategy = "reduce"
	MergeCustom MergeStrategy = "custom"
)

// ExecuteOptions accompany a task submission to a worker.
type ExecuteOptions struct {
	ExecutionMode ExecutionMode `json:"executionMode,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
}

// TaskProgress is the worker-reported view of an in-flight task.
type TaskProgress struct {
	TaskID      string     `json:"taskId"`
	Status      TaskStatus `json:"status"`
	Progress    float64    `json:"progress"`
	CurrentStep string     `json:"currentStep,omitempty"`
	StartTime   time.Time  `json:"startTime,omitempty"`
}

// Validate checks the structural invariants of a task submission.
func (t *Task) Validate() error {
	if t.ID == "" {
		return NewError(ErrValidation, "task id is required")
	}
	if t.Title == "" {
		return NewError(ErrValidation, "task title is required")
	}
	if !validCategory(t.Category) {
		return NewError(ErrValidation, fmt.Sprintf("unknown category %q", t.Category))
	}
	if !validPriority(t.Priority) {
		return NewError(ErrValidation, fmt.Sprintf("unknown priority %q", t.Priority))
	}
	for _, dep := range t.Dependencies {
		if dep == t.ID {
			return NewError(ErrValidation, "task cannot depend on itself")
		}
	}
	return nil
}

func validCategory(c TaskCategory) bool {
	for _, v := range Categories() {
		if v == c {
			return true
		}
	}
	return false
}

func validPriority(p TaskPriority) bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBackground:
		return true
	}
	return false
}
