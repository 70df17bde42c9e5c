package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/scheduler"
	"github.com/cuemby/foreman/pkg/types"
)

// SubmitTask validates and accepts one task. Session-bound tasks execute
// synchronously against the session's worker; decomposable tasks are split
// into child chains; everything else enters the queue.
func (d *Driver) SubmitTask(task *types.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	task.Status = types.TaskStatusPending

	if task.Context != nil && task.Context.SessionID != "" {
		return d.submitToSession(task)
	}

	d.mu.Lock()
	if _, exists := d.tasks[task.ID]; exists {
		d.mu.Unlock()
		return types.NewError(types.ErrDuplicateTask, fmt.Sprintf("task %s already submitted", task.ID))
	}
	if err := d.checkAcyclicLocked(task); err != nil {
		d.mu.Unlock()
		return err
	}

	if d.scheduler.Decomposable(task) {
		d.tasks[task.ID] = task
		d.mu.Unlock()

		children := d.scheduler.Decompose(task)
		d.mu.Lock()
		for _, child := range children {
			d.tasks[child.ID] = child
		}
		d.mu.Unlock()
		for _, child := range children {
			if err := d.scheduler.Enqueue(child); err != nil {
				d.logger.Warn().Err(err).Str("task_id", child.ID).Msg("failed to enqueue subtask")
			}
		}
		d.checkpointTask(task)
		d.broker.Publish(&events.Event{Type: events.EventTaskSubmitted, TaskID: task.ID})
		d.kickTick()
		return nil
	}

	d.tasks[task.ID] = task
	workers := make([]*types.WorkerInfo, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
	}
	d.mu.Unlock()

	if err := d.scheduler.Enqueue(task); err != nil {
		d.mu.Lock()
		delete(d.tasks, task.ID)
		d.mu.Unlock()
		return err
	}

	if !scheduler.CompatibleWorkerExists(task, workers) {
		d.logger.Warn().Str("task_id", task.ID).Str("kind", string(types.ErrNoWorkersAvailable)).
			Msg("no compatible worker registered; task will wait in queue")
	}

	d.checkpointTask(task)
	d.broker.Publish(&events.Event{Type: events.EventTaskSubmitted, TaskID: task.ID})
	d.kickTick()
	return nil
}

// BatchItem is the per-task outcome of a batch submission.
type BatchItem struct {
	TaskID string `json:"taskId"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SubmitBatch submits many tasks, reporting per-item acceptance.
func (d *Driver) SubmitBatch(tasks []*types.Task) []BatchItem {
	items := make([]BatchItem, 0, len(tasks))
	for _, task := range tasks {
		item := BatchItem{TaskID: task.ID}
		if err := d.SubmitTask(task); err != nil {
			item.Error = err.Error()
		} else {
			item.Status = "accepted"
		}
		items = append(items, item)
	}
	return items
}

// submitToSession routes a task straight to its session's worker and waits
// for the synchronous result.
func (d *Driver) submitToSession(task *types.Task) error {
	sessionID := task.Context.SessionID

	d.mu.Lock()
	if _, exists := d.tasks[task.ID]; exists {
		d.mu.Unlock()
		return types.NewError(types.ErrDuplicateTask, fmt.Sprintf("task %s already submitted", task.ID))
	}
	session, ok := d.sessions[sessionID]
	if !ok {
		d.mu.Unlock()
		return types.NewError(types.ErrNotFound, fmt.Sprintf("session %s not found", sessionID))
	}
	if session.Expired(time.Now()) {
		d.mu.Unlock()
		return types.NewError(types.ErrSessionExpired, fmt.Sprintf("session %s has expired", sessionID))
	}
	client, ok := d.clients[session.WorkerID]
	if !ok {
		d.mu.Unlock()
		return types.NewError(types.ErrWorkerLost, fmt.Sprintf("session worker %s is gone", session.WorkerID))
	}
	task.Status = types.TaskStatusRunning
	d.tasks[task.ID] = task
	d.mu.Unlock()

	d.broker.Publish(&events.Event{Type: events.EventTaskSubmitted, TaskID: task.ID, SessionID: sessionID})
	d.broker.Publish(&events.Event{Type: events.EventTaskStarted, TaskID: task.ID, WorkerID: session.WorkerID})

	ctx := context.Background()
	if timeout := d.taskTimeout(task); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := client.executeInSession(ctx, sessionID, task)
	if err != nil {
		result = &types.TaskResult{
			TaskID:    task.ID,
			Status:    types.TaskStatusFailed,
			Error:     err.Error(),
			ErrorKind: types.KindOf(err),
		}
	}

	d.mu.Lock()
	if s, ok := d.sessions[sessionID]; ok {
		s.LastActivity = time.Now()
	}
	d.mu.Unlock()

	d.recordResult(result)
	return nil
}

// taskTimeout resolves the effective timeout for a task.
func (d *Driver) taskTimeout(task *types.Task) time.Duration {
	if task.Context != nil && task.Context.Timeout > 0 {
		return task.Context.Timeout
	}
	return d.cfg.TaskTimeout
}

// checkAcyclicLocked rejects a submission whose dependency edges would close
// a cycle through already-known tasks.
func (d *Driver) checkAcyclicLocked(task *types.Task) error {
	visited := map[string]bool{}
	var walk func(id string) bool
	walk = func(id string) bool {
		if id == task.ID {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		if t, ok := d.tasks[id]; ok {
			for _, dep := range t.Dependencies {
				if walk(dep) {
					return true
				}
			}
		}
		return false
	}
	for _, dep := range task.Dependencies {
		if walk(dep) {
			return types.NewError(types.ErrValidation, "dependency cycle detected")
		}
	}
	return nil
}

// dispatch sends one execution plan to its worker and starts the poll loop.
func (d *Driver) dispatch(plan *types.ExecutionPlan) {
	d.mu.Lock()
	task, ok := d.tasks[plan.TaskID]
	client, haveClient := d.clients[plan.WorkerID]
	d.mu.Unlock()
	if !ok || !haveClient {
		d.scheduler.Unassign(plan.TaskID)
		return
	}

	submitCtx, cancelSubmit := context.WithTimeout(context.Background(), d.cfg.PollInterval*2)
	err := client.submitTask(submitCtx, task, nil)
	cancelSubmit()
	if err != nil {
		if types.KindOf(err) == types.ErrDuplicateTask {
			// Already active there from a previous dispatch; just poll it.
			d.logger.Debug().Str("task_id", task.ID).Msg("task already active on worker")
		} else {
			d.logger.Warn().Err(err).Str("task_id", task.ID).Str("worker_id", plan.WorkerID).Msg("dispatch failed")
			d.handleWorkerLoss(task.ID, plan.WorkerID)
			return
		}
	}

	var pollCtx context.Context
	var cancel context.CancelFunc
	if timeout := d.taskTimeout(task); timeout > 0 {
		pollCtx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		pollCtx, cancel = context.WithCancel(context.Background())
	}

	d.mu.Lock()
	task.Status = types.TaskStatusRunning
	task.UpdatedAt = time.Now()
	ec := &execContext{
		taskID:    task.ID,
		workerID:  plan.WorkerID,
		startTime: time.Now(),
		status:    types.TaskStatusRunning,
		cancel:    cancel,
	}
	d.contexts[task.ID] = ec
	if w, ok := d.workers[plan.WorkerID]; ok {
		w.CurrentTasks = append(w.CurrentTasks, task.ID)
		w.Status = types.WorkerStatusBusy
	}
	d.mu.Unlock()

	d.logger.Info().Str("task_id", task.ID).Str("worker_id", plan.WorkerID).Int("retry", plan.RetryCount).Msg("task dispatched")
	d.broker.Publish(&events.Event{Type: events.EventTaskStarted, TaskID: task.ID, WorkerID: plan.WorkerID})

	go d.pollTask(pollCtx, ec, client)
}

// pollTask polls the worker until the task turns terminal, the timeout
// fires, or the worker stops answering.
func (d *Driver) pollTask(ctx context.Context, ec *execContext, client *workerClient) {
	logger := log.WithTaskID(ec.taskID)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			d.handlePollEnd(ctx, ec, client)
			return

		case <-ticker.C:
			status, err := client.taskStatus(ctx, ec.taskID)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				misses++
				if misses >= 3 {
					logger.Warn().Str("worker_id", ec.workerID).Msg("worker stopped answering polls")
					d.handleWorkerLoss(ec.taskID, ec.workerID)
					return
				}
				continue
			}
			misses = 0

			d.mu.Lock()
			if status.Progress > ec.progress {
				ec.progress = status.Progress
			}
			ec.status = status.Status
			d.mu.Unlock()

			if status.Status.Terminal() {
				d.handleTerminalStatus(ec, status)
				return
			}
			d.broker.Publish(&events.Event{
				Type:     events.EventTaskProgress,
				TaskID:   ec.taskID,
				WorkerID: ec.workerID,
				Metadata: map[string]string{"progress": fmt.Sprintf("%.2f", status.Progress)},
			})
		}
	}
}

// handlePollEnd finalizes a task whose poll context died: either a client
// cancel (result already recorded) or the driver-side timeout.
func (d *Driver) handlePollEnd(ctx context.Context, ec *execContext, client *workerClient) {
	d.mu.Lock()
	cancelled := ec.cancelRequested
	d.mu.Unlock()
	if cancelled || ctx.Err() != context.DeadlineExceeded {
		return
	}

	// Timeout: stop the task downstream, then apply the retry policy.
	stopCtx, cancel := context.WithTimeout(context.Background(), d.cfg.PollInterval*2)
	if err := client.cancelTask(stopCtx, ec.taskID); err != nil {
		d.logger.Warn().Err(err).Str("task_id", ec.taskID).Msg("failed to cancel timed-out task on worker")
	}
	cancel()

	d.retryOrFail(ec.taskID, &types.TaskResult{
		TaskID:    ec.taskID,
		Status:    types.TaskStatusFailed,
		Error:     "task timed out",
		ErrorKind: types.ErrTimedOut,
	})
}

// handleTerminalStatus converts a worker terminal status into a result and
// applies the retry policy for failures.
func (d *Driver) handleTerminalStatus(ec *execContext, status *workerTaskStatus) {
	result := &types.TaskResult{
		TaskID:    ec.taskID,
		Status:    status.Status,
		Output:    status.Output,
		Error:     status.Error,
		ErrorKind: status.ErrorKind,
		Artifacts: status.Artifacts,
		Metadata:  status.Metadata,
		Metrics: &types.TaskMetrics{
			StartedAt:   ec.startTime,
			CompletedAt: time.Now(),
			Duration:    time.Since(ec.startTime),
		},
	}

	if status.Status == types.TaskStatusFailed {
		d.retryOrFail(ec.taskID, result)
		return
	}
	d.recordResult(result)
}

// retryOrFail requeues a failed task while retries remain, otherwise
// records the terminal failure. Cancellations never reach here.
func (d *Driver) retryOrFail(taskID string, result *types.TaskResult) {
	if d.cfg.RetryFailedTasks && d.scheduler.Requeue(taskID) {
		d.clearContext(taskID)
		d.mu.Lock()
		if task, ok := d.tasks[taskID]; ok {
			task.Status = types.TaskStatusPending
			task.UpdatedAt = time.Now()
		}
		d.mu.Unlock()
		d.logger.Info().Str("task_id", taskID).Str("kind", string(result.ErrorKind)).Msg("task will retry")
		d.kickTick()
		return
	}
	d.recordResult(result)
}

// handleWorkerLoss requeues a task whose worker vanished, or records a
// terminal worker-lost failure when the retry budget is spent. Worker loss
// always retries while budget remains, independent of retryFailedTasks.
func (d *Driver) handleWorkerLoss(taskID, workerID string) {
	d.clearContext(taskID)
	if d.scheduler.Requeue(taskID) {
		d.mu.Lock()
		if task, ok := d.tasks[taskID]; ok {
			task.Status = types.TaskStatusPending
			task.UpdatedAt = time.Now()
		}
		d.mu.Unlock()
		d.kickTick()
		return
	}
	d.recordResult(&types.TaskResult{
		TaskID:    taskID,
		Status:    types.TaskStatusFailed,
		Error:     fmt.Sprintf("worker %s lost while executing task", workerID),
		ErrorKind: types.ErrWorkerLost,
	})
}

// clearContext removes the execution context and the worker load entry.
func (d *Driver) clearContext(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ec, ok := d.contexts[taskID]
	if !ok {
		return
	}
	delete(d.contexts, taskID)
	ec.cancel()

	if w, ok := d.workers[ec.workerID]; ok {
		kept := w.CurrentTasks[:0]
		for _, id := range w.CurrentTasks {
			if id != taskID {
				kept = append(kept, id)
			}
		}
		w.CurrentTasks = kept
		if len(w.CurrentTasks) == 0 && w.Status == types.WorkerStatusBusy {
			w.Status = types.WorkerStatusIdle
		}
	}
}

// CancelTask cancels a queued or running task. Cancel-after-complete and
// double-cancel are no-ops.
func (d *Driver) CancelTask(taskID string) error {
	d.mu.Lock()
	if _, done := d.results[taskID]; done {
		d.mu.Unlock()
		return nil
	}
	if _, known := d.tasks[taskID]; !known {
		d.mu.Unlock()
		return types.NewError(types.ErrNotFound, fmt.Sprintf("task %s not found", taskID))
	}
	ec, running := d.contexts[taskID]
	var client *workerClient
	if running {
		ec.cancelRequested = true
		client = d.clients[ec.workerID]
	}
	d.mu.Unlock()

	if running {
		if client != nil {
			ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PollInterval*2)
			if err := client.cancelTask(ctx, taskID); err != nil {
				d.logger.Warn().Err(err).Str("task_id", taskID).Msg("worker-side cancel failed")
			}
			cancel()
		}
		ec.cancel()
	} else {
		d.scheduler.Remove(taskID)
	}

	d.recordResult(&types.TaskResult{
		TaskID: taskID,
		Status: types.TaskStatusCancelled,
	})
	return nil
}

// recordResult writes the single immutable result for a task, then handles
// the fallout: dependent auto-cancellation, merge synthesis, events, and
// checkpointing. Duplicate recordings are no-ops.
func (d *Driver) recordResult(result *types.TaskResult) {
	d.mu.Lock()
	if _, done := d.results[result.TaskID]; done {
		d.mu.Unlock()
		return
	}
	d.results[result.TaskID] = result
	task, known := d.tasks[result.TaskID]
	if known {
		task.Status = result.Status
		task.UpdatedAt = time.Now()
	}
	if result.Status == types.TaskStatusCompleted && result.Metrics != nil {
		d.completedCount++
		d.sumDuration += result.Metrics.Duration
	}

	// Dependents of a non-completed task can never become ready.
	var doomed []string
	if result.Status != types.TaskStatusCompleted {
		for id, t := range d.tasks {
			if _, settled := d.results[id]; settled {
				continue
			}
			for _, dep := range t.Dependencies {
				if dep == result.TaskID {
					doomed = append(doomed, id)
					break
				}
			}
		}
	}
	d.mu.Unlock()

	d.clearContext(result.TaskID)
	d.scheduler.Remove(result.TaskID)
	d.checkpointResult(result)

	switch result.Status {
	case types.TaskStatusCompleted:
		d.broker.Publish(&events.Event{Type: events.EventTaskCompleted, TaskID: result.TaskID})
	case types.TaskStatusCancelled:
		d.broker.Publish(&events.Event{Type: events.EventTaskCancelled, TaskID: result.TaskID})
	default:
		d.broker.Publish(&events.Event{
			Type:     events.EventTaskFailed,
			TaskID:   result.TaskID,
			Message:  result.Error,
			Metadata: map[string]string{"kind": string(result.ErrorKind)},
		})
	}

	for _, id := range doomed {
		d.scheduler.Remove(id)
		d.recordResult(&types.TaskResult{
			TaskID:    id,
			Status:    types.TaskStatusCancelled,
			Error:     fmt.Sprintf("dependency %s did not complete", result.TaskID),
			ErrorKind: types.ErrDependencyFailed,
		})
	}

	if parentID := d.scheduler.ParentOf(result.TaskID); parentID != "" {
		if merged := d.scheduler.RecordChildResult(parentID, result); merged != nil {
			d.recordResult(merged)
		}
	}

	d.kickTick()
}

func (d *Driver) checkpointTask(task *types.Task) {
	if d.store == nil {
		return
	}
	if err := d.store.SaveTask(task); err != nil {
		d.logger.Warn().Err(err).Str("task_id", task.ID).Msg("checkpoint task failed")
	}
}

func (d *Driver) checkpointResult(result *types.TaskResult) {
	if d.store == nil {
		return
	}
	if err := d.store.SaveResult(result); err != nil {
		d.logger.Warn().Err(err).Str("task_id", result.TaskID).Msg("checkpoint result failed")
	}
	d.mu.Lock()
	task := d.tasks[result.TaskID]
	d.mu.Unlock()
	if task != nil {
		d.checkpointTask(task)
	}
}

// GetTask returns the task record.
func (d *Driver) GetTask(taskID string) (*types.Task, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	task, ok := d.tasks[taskID]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("task %s not found", taskID))
	}
	return task, nil
}

// GetTaskResult returns the terminal result, or not-found while in flight.
func (d *Driver) GetTaskResult(taskID string) (*types.TaskResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, known := d.tasks[taskID]; !known {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("task %s not found", taskID))
	}
	result, ok := d.results[taskID]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("task %s has no result yet", taskID))
	}
	return result, nil
}

// GetTaskProgress returns the live progress view of a task.
func (d *Driver) GetTaskProgress(taskID string) (*types.TaskProgress, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	task, ok := d.tasks[taskID]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("task %s not found", taskID))
	}

	progress := &types.TaskProgress{
		TaskID: taskID,
		Status: task.Status,
	}
	if ec, running := d.contexts[taskID]; running {
		progress.Progress = ec.progress
		progress.StartTime = ec.startTime
	}
	if task.Status.Terminal() {
		progress.Progress = 1.0
	}
	return progress, nil
}

// RunningTasks lists tasks currently dispatched to workers.
func (d *Driver) RunningTasks() []*types.TaskProgress {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*types.TaskProgress, 0, len(d.contexts))
	for id, ec := range d.contexts {
		out = append(out, &types.TaskProgress{
			TaskID:    id,
			Status:    ec.status,
			Progress:  ec.progress,
			StartTime: ec.startTime,
		})
	}
	return out
}

// Tasks lists every known task.
func (d *Driver) Tasks() []*types.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*types.Task, 0, len(d.tasks))
	for _, t := range d.tasks {
		out = append(out, t)
	}
	return out
}
