package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/executor"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/provider"
	"github.com/cuemby/foreman/pkg/types"
)

// DefaultSessionTTL is the session lifetime when the driver sends none.
const DefaultSessionTTL = 30 * time.Minute

// Config holds the worker's identity and capability surface.
type Config struct {
	ID                  string
	SupportedCategories []types.TaskCategory
	MaxConcurrentTasks  int
}

// Worker executes tasks on behalf of a driver. It keeps one state cell per
// task, runs executions in background goroutines, and serializes session
// executes per session. Terminal transitions are sticky: within one
// execution nothing overwrites a recorded result; only a fresh resubmission
// of the same id replaces the cell.
type Worker struct {
	id       string
	cfg      Config
	provider *provider.Provider
	logger   zerolog.Logger

	startedAt time.Time

	mu       sync.Mutex
	tasks    map[string]*taskState
	sessions map[string]*sessionState
	stopped  bool
}

type taskState struct {
	task        *types.Task
	status      types.TaskStatus
	progress    float64
	currentStep string
	result      *types.TaskResult
	cancel      context.CancelFunc
	startTime   time.Time
}

type sessionState struct {
	mu      sync.Mutex // serializes executes within the session
	session *types.Session
	exec    executor.Executor
}

// New creates a worker around an execution provider.
func New(cfg Config, p *provider.Provider) *Worker {
	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.New().String()[:8]
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 4
	}
	if len(cfg.SupportedCategories) == 0 {
		cfg.SupportedCategories = types.Categories()
	}

	return &Worker{
		id:        cfg.ID,
		cfg:       cfg,
		provider:  p,
		logger:    log.WithWorkerID(cfg.ID),
		startedAt: time.Now(),
		tasks:     make(map[string]*taskState),
		sessions:  make(map[string]*sessionState),
	}
}

// ID returns the worker's identifier.
func (w *Worker) ID() string {
	return w.id
}

// Capabilities returns the worker's static capability descriptor.
func (w *Worker) Capabilities() *types.WorkerCapabilities {
	modes := w.provider.Modes()
	container := false
	for _, m := range modes {
		if m == types.ModeContainerAgentic {
			container = true
		}
	}
	return &types.WorkerCapabilities{
		SupportedCategories:        w.cfg.SupportedCategories,
		MaxConcurrentTasks:         w.cfg.MaxConcurrentTasks,
		SupportsContainerExecution: container,
		ExecutionModes:             modes,
	}
}

// Submit accepts a task for asynchronous execution. Ids of tasks still in
// flight are rejected as duplicates; a task that already reached a terminal
// state may be resubmitted, which starts a fresh execution. The driver
// relies on that when it re-dispatches a retried task to the same worker.
func (w *Worker) Submit(task *types.Task, opts *types.ExecuteOptions) error {
	if err := task.Validate(); err != nil {
		return err
	}

	mode := w.provider.ResolveMode(task, opts)

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return types.NewError(types.ErrInternal, "worker is shutting down")
	}
	if st, exists := w.tasks[task.ID]; exists && !st.status.Terminal() {
		w.mu.Unlock()
		return types.NewError(types.ErrDuplicateTask, fmt.Sprintf("task %s already submitted", task.ID))
	}

	ctx, cancel := context.WithCancel(context.Background())
	st := &taskState{
		task:      task,
		status:    types.TaskStatusPending,
		cancel:    cancel,
		startTime: time.Now(),
	}
	w.tasks[task.ID] = st
	w.mu.Unlock()

	w.logger.Info().Str("task_id", task.ID).Str("mode", string(mode)).Msg("task accepted")
	go w.run(ctx, task, mode)
	return nil
}

// run drives one task to a terminal state. Executor errors and panics
// become failed results; the worker itself never dies on a task failure.
func (w *Worker) run(ctx context.Context, task *types.Task, mode types.ExecutionMode) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Str("task_id", task.ID).Interface("panic", r).Msg("task execution panicked")
			w.complete(&types.TaskResult{
				TaskID:    task.ID,
				Status:    types.TaskStatusFailed,
				Error:     fmt.Sprintf("execution panicked: %v", r),
				ErrorKind: types.ErrInternal,
			})
		}
	}()

	exec, err := w.provider.Get(ctx, task, mode)
	if err != nil {
		res := &types.TaskResult{
			TaskID:    task.ID,
			Status:    types.TaskStatusFailed,
			Error:     err.Error(),
			ErrorKind: types.KindOf(err),
		}
		if ctx.Err() == context.Canceled {
			res.Status = types.TaskStatusCancelled
			res.Error = ""
			res.ErrorKind = ""
		}
		w.complete(res)
		return
	}

	w.setRunning(task.ID)
	result := exec.Execute(ctx, task)
	w.provider.Release(exec)
	w.complete(result)
}

func (w *Worker) setRunning(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.tasks[taskID]
	if !ok || st.status.Terminal() {
		return
	}
	st.status = types.TaskStatusRunning
	st.startTime = time.Now()
	if st.progress < 0.1 {
		st.progress = 0.1
	}
	st.currentStep = "executing"
}

// UpdateProgress records executor-reported progress. Progress is monotone:
// regressions are clamped to the last observed value.
func (w *Worker) UpdateProgress(taskID string, progress float64, step string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.tasks[taskID]
	if !ok || st.status.Terminal() {
		return
	}
	if progress > st.progress {
		if progress > 1.0 {
			progress = 1.0
		}
		st.progress = progress
	}
	if step != "" {
		st.currentStep = step
	}
}

// complete records the terminal result exactly once.
func (w *Worker) complete(result *types.TaskResult) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.tasks[result.TaskID]
	if !ok || st.status.Terminal() {
		return
	}
	st.status = result.Status
	st.result = result
	st.progress = 1.0
	st.currentStep = ""
	w.logger.Info().Str("task_id", result.TaskID).Str("status", string(result.Status)).Msg("task finished")
}

// Cancel stops a running task. Idempotent: cancelling an unknown or already
// terminal task is a no-op.
func (w *Worker) Cancel(taskID string) {
	w.mu.Lock()
	st, ok := w.tasks[taskID]
	if !ok || st.status.Terminal() {
		w.mu.Unlock()
		return
	}
	cancel := st.cancel
	w.mu.Unlock()

	w.logger.Info().Str("task_id", taskID).Msg("cancelling task")
	cancel()
}

// Progress returns the current view of a task.
func (w *Worker) Progress(taskID string) (*types.TaskProgress, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.tasks[taskID]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("task %s not found", taskID))
	}
	return &types.TaskProgress{
		TaskID:      taskID,
		Status:      st.status,
		Progress:    st.progress,
		CurrentStep: st.currentStep,
		StartTime:   st.startTime,
	}, nil
}

// Result returns the terminal result of a task, or nil while it is still
// in flight.
func (w *Worker) Result(taskID string) (*types.TaskResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.tasks[taskID]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("task %s not found", taskID))
	}
	return st.result, nil
}

// CreateSession builds a session-bound container executor. The session id
// normally comes from the driver; an empty id gets one generated.
func (w *Worker) CreateSession(id string, opts *types.SessionOptions) (*types.Session, error) {
	if id == "" {
		id = "session-" + uuid.New().String()[:8]
	}

	ttl := DefaultSessionTTL
	if opts != nil && opts.Timeout > 0 {
		ttl = opts.Timeout
	}
	now := time.Now()
	session := &types.Session{
		ID:           id,
		WorkerID:     w.id,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		LastActivity: now,
		Options:      opts,
	}

	exec, err := w.provider.CreateSessionExecutor(session)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	if _, exists := w.sessions[id]; exists {
		w.mu.Unlock()
		_ = exec.Terminate()
		return nil, types.NewError(types.ErrDuplicateTask, fmt.Sprintf("session %s already exists", id))
	}
	w.sessions[id] = &sessionState{session: session, exec: exec}
	w.mu.Unlock()

	w.logger.Info().Str("session_id", id).Time("expires_at", session.ExpiresAt).Msg("session created")
	return session, nil
}

// ExecuteInSession runs one task inside an existing session, synchronously.
// Executes within the same session are serialized; expired sessions are torn
// down on access. Options may carry a per-execute timeout.
func (w *Worker) ExecuteInSession(ctx context.Context, sessionID string, task *types.Task, opts *types.ExecuteOptions) (*types.TaskResult, error) {
	w.mu.Lock()
	ss, ok := w.sessions[sessionID]
	w.mu.Unlock()
	if !ok {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("session %s not found", sessionID))
	}

	if ss.session.Expired(time.Now()) {
		_ = w.EndSession(sessionID)
		return nil, types.NewError(types.ErrSessionExpired, fmt.Sprintf("session %s has expired", sessionID))
	}

	if opts != nil && opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	ss.mu.Lock()
	defer ss.mu.Unlock()

	// Session executes count against the worker's concurrency limit too.
	if err := w.provider.AcquireSlot(ctx); err != nil {
		return nil, err
	}
	defer w.provider.ReleaseSlot()

	result := ss.exec.Execute(ctx, task)

	w.mu.Lock()
	if cur, ok := w.sessions[sessionID]; ok && cur == ss {
		ss.session.LastActivity = time.Now()
	}
	w.mu.Unlock()

	return result, nil
}

// GetSession returns the session record.
func (w *Worker) GetSession(sessionID string) (*types.Session, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ss, ok := w.sessions[sessionID]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("session %s not found", sessionID))
	}
	return ss.session, nil
}

// EndSession terminates the session's executor and drops the record.
// Idempotent.
func (w *Worker) EndSession(sessionID string) error {
	w.mu.Lock()
	ss, ok := w.sessions[sessionID]
	if ok {
		delete(w.sessions, sessionID)
	}
	w.mu.Unlock()
	if !ok {
		return nil
	}

	if err := ss.exec.Terminate(); err != nil {
		w.logger.Warn().Err(err).Str("session_id", sessionID).Msg("session executor terminate failed")
	}
	w.logger.Info().Str("session_id", sessionID).Msg("session ended")
	return nil
}

// Health is the worker's self-reported health snapshot.
type Health struct {
	WorkerID       string         `json:"workerId"`
	Status         string         `json:"status"`
	Uptime         time.Duration  `json:"uptime"`
	ActiveTasks    int            `json:"activeTasks"`
	ActiveSessions int            `json:"activeSessions"`
	Pool           provider.Stats `json:"pool"`
}

// HealthSnapshot returns the current health view.
func (w *Worker) HealthSnapshot() Health {
	w.mu.Lock()
	active := 0
	for _, st := range w.tasks {
		if !st.status.Terminal() {
			active++
		}
	}
	sessions := len(w.sessions)
	w.mu.Unlock()

	status := "healthy"
	if !w.provider.Healthy() {
		status = "unhealthy"
	}
	return Health{
		WorkerID:       w.id,
		Status:         status,
		Uptime:         time.Since(w.startedAt),
		ActiveTasks:    active,
		ActiveSessions: sessions,
		Pool:           w.provider.Stats(),
	}
}

// Shutdown cancels in-flight tasks, ends sessions, and cleans the provider.
func (w *Worker) Shutdown() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	var cancels []context.CancelFunc
	for _, st := range w.tasks {
		if !st.status.Terminal() {
			cancels = append(cancels, st.cancel)
		}
	}
	var sessionIDs []string
	for id := range w.sessions {
		sessionIDs = append(sessionIDs, id)
	}
	w.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, id := range sessionIDs {
		_ = w.EndSession(id)
	}
	w.provider.Cleanup()
	w.logger.Info().Msg("worker shut down")
}
