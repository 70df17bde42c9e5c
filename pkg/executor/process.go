package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ProcessConfig holds configuration for a process-pool executor.
type ProcessConfig struct {
	// AgentPath is the agent binary launched as the reusable child process.
	AgentPath string

	// Args are extra arguments passed to the agent.
	Args []string

	// WorkspaceRoot is the directory under which per-task workspaces are
	// created. Each task gets its own subdirectory for isolation.
	WorkspaceRoot string

	// Env is added to the child process environment.
	Env map[string]string

	// DefaultTimeout bounds executions of tasks that carry no timeout of
	// their own. Zero means unbounded.
	DefaultTimeout time.Duration

	// GracePeriod is the SIGTERM-to-SIGKILL window. Defaults to 10s.
	GracePeriod time.Duration
}

// ProcessExecutor wraps a reusable agent subprocess speaking a line-oriented
// protocol: the task prompt is written to stdin and the response is read
// from stdout until the end-of-output sentinel.
type ProcessExecutor struct {
	id     string
	cfg    ProcessConfig
	logger zerolog.Logger

	mu             sync.Mutex
	cmd            *exec.Cmd
	stdin          io.WriteCloser
	lines          chan string
	waitCh         chan error
	stderr         lockedBuffer
	state          State
	healthy        bool
	startedAt      time.Time
	tasksCompleted int
}

// lockedBuffer is a goroutine-safe bytes.Buffer for stderr capture.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// NewProcessExecutor spawns the agent subprocess and starts its reader.
func NewProcessExecutor(cfg ProcessConfig) (*ProcessExecutor, error) {
	if cfg.AgentPath == "" {
		return nil, types.NewError(types.ErrValidation, "agent path is required")
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = os.TempDir()
	}

	e := &ProcessExecutor{
		id:        "proc-" + uuid.New().String()[:8],
		cfg:       cfg,
		state:     StateIdle,
		startedAt: time.Now(),
	}
	e.logger = log.WithComponent("executor").With().Str("executor_id", e.id).Logger()

	cmd := exec.Command(cfg.AgentPath, cfg.Args...)
	cmd.Dir = cfg.WorkspaceRoot
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = &e.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open agent stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent %s: %w", cfg.AgentPath, err)
	}

	e.cmd = cmd
	e.stdin = stdin
	e.healthy = true
	e.lines = make(chan string, 256)
	e.waitCh = make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			e.lines <- scanner.Text()
		}
		close(e.lines)
	}()
	go func() {
		e.waitCh <- cmd.Wait()
	}()

	e.logger.Debug().Str("agent", cfg.AgentPath).Int("pid", cmd.Process.Pid).Msg("agent process started")
	return e, nil
}

// Execute runs one task against the agent subprocess. It blocks until the
// agent emits the end-of-output sentinel, the context is done, or the
// process exits.
func (e *ProcessExecutor) Execute(ctx context.Context, task *types.Task) *types.TaskResult {
	started := time.Now()

	e.mu.Lock()
	if e.state == StateTerminated {
		e.mu.Unlock()
		return failedResult(task.ID, types.ErrExecutorTerminated, "executor has been terminated", started)
	}
	e.state = StateExecuting
	stdin := e.stdin
	lines := e.lines
	e.mu.Unlock()

	timeout := taskTimeout(task)
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	workspace := filepath.Join(e.cfg.WorkspaceRoot, task.ID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		e.setIdle()
		return failedResult(task.ID, types.ErrInternal, fmt.Sprintf("failed to create workspace: %v", err), started)
	}

	if err := e.writePrompt(stdin, task, workspace); err != nil {
		e.markUnhealthy()
		e.setIdle()
		return failedResult(task.ID, types.ErrInternal, fmt.Sprintf("failed to write task to agent: %v", err), started)
	}

	var out strings.Builder
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				// Agent died mid-task.
				e.markUnhealthy()
				e.setIdle()
				msg := "agent process exited unexpectedly"
				if s := e.stderr.String(); s != "" {
					msg = msg + ": " + lastLine(s)
				}
				return failedResult(task.ID, types.ErrInternal, msg, started)
			}
			if strings.TrimSpace(line) == OutputEndMarker {
				return e.finish(task, workspace, out.String(), started)
			}
			out.WriteString(line)
			out.WriteString("\n")

		case <-ctx.Done():
			e.killProcess()
			e.markUnhealthy()
			e.setIdle()
			if ctx.Err() == context.DeadlineExceeded {
				return failedResult(task.ID, types.ErrTimedOut, "task execution timed out", started)
			}
			res := failedResult(task.ID, types.ErrInternal, "task execution cancelled", started)
			res.Status = types.TaskStatusCancelled
			res.ErrorKind = ""
			res.Error = ""
			return res
		}
	}
}

func (e *ProcessExecutor) finish(task *types.Task, workspace, raw string, started time.Time) *types.TaskResult {
	artifacts, err := CollectArtifacts(workspace)
	if err != nil {
		e.logger.Warn().Err(err).Msg("artifact collection failed")
	}

	e.mu.Lock()
	e.tasksCompleted++
	e.state = StateIdle
	e.mu.Unlock()

	now := time.Now()
	return &types.TaskResult{
		TaskID:    task.ID,
		Status:    types.TaskStatusCompleted,
		Output:    extractOutput(raw),
		Artifacts: artifacts,
		Metrics: &types.TaskMetrics{
			StartedAt:   started,
			CompletedAt: now,
			Duration:    now.Sub(started),
		},
		Metadata: map[string]string{
			"executorId": e.id,
			"mode":       string(types.ModeProcessPool),
		},
	}
}

func (e *ProcessExecutor) writePrompt(stdin io.Writer, task *types.Task, workspace string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "TASK %s\n", task.ID)
	fmt.Fprintf(&b, "TITLE %s\n", task.Title)
	fmt.Fprintf(&b, "CATEGORY %s\n", task.Category)
	fmt.Fprintf(&b, "WORKSPACE %s\n", workspace)
	if task.Context != nil && task.Context.RepoURL != "" {
		fmt.Fprintf(&b, "REPO %s\n", task.Context.RepoURL)
	}
	b.WriteString("\n")
	if task.Description != "" {
		b.WriteString(task.Description)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	_, err := io.WriteString(stdin, b.String())
	return err
}

// Terminate stops the agent subprocess. Idempotent.
func (e *ProcessExecutor) Terminate() error {
	e.mu.Lock()
	if e.state == StateTerminated {
		e.mu.Unlock()
		return nil
	}
	e.state = StateTerminated
	e.healthy = false
	stdin := e.stdin
	e.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}
	e.killProcess()
	e.logger.Debug().Msg("process executor terminated")
	return nil
}

// killProcess sends SIGTERM, waits out the grace period, then SIGKILLs.
func (e *ProcessExecutor) killProcess() {
	e.mu.Lock()
	cmd := e.cmd
	waitCh := e.waitCh
	e.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-waitCh:
	case <-time.After(e.cfg.GracePeriod):
		_ = cmd.Process.Kill()
		<-waitCh
	}
}

// Healthy reports whether the agent process can accept another task.
func (e *ProcessExecutor) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthy && e.state != StateTerminated
}

// Status returns a snapshot of the executor.
func (e *ProcessExecutor) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		ID:             e.id,
		Mode:           types.ModeProcessPool,
		State:          e.state,
		Uptime:         time.Since(e.startedAt),
		TasksCompleted: e.tasksCompleted,
	}
}

func (e *ProcessExecutor) markUnhealthy() {
	e.mu.Lock()
	e.healthy = false
	e.mu.Unlock()
}

func (e *ProcessExecutor) setIdle() {
	e.mu.Lock()
	if e.state != StateTerminated {
		e.state = StateIdle
	}
	e.mu.Unlock()
}

// taskTimeout resolves the effective timeout for a task.
func taskTimeout(task *types.Task) time.Duration {
	if task.Context == nil {
		return 0
	}
	if task.Context.Timeout > 0 {
		return task.Context.Timeout
	}
	if task.Context.ResourceLimits != nil && task.Context.ResourceLimits.Timeout > 0 {
		return task.Context.ResourceLimits.Timeout
	}
	return 0
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
