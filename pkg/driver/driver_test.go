package driver

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/executor"
	"github.com/cuemby/foreman/pkg/provider"
	"github.com/cuemby/foreman/pkg/scheduler"
	"github.com/cuemby/foreman/pkg/types"
	"github.com/cuemby/foreman/pkg/worker"
)

// stubExecutor is the worker-side executor used in driver tests: instant
// success by default, optionally blocking until cancelled or failing. A
// shared failRemaining budget lets a worker fail the first N executions and
// then recover.
type stubExecutor struct {
	mode          types.ExecutionMode
	block         bool
	fail          bool
	failRemaining *atomic.Int32
}

func (s *stubExecutor) Execute(ctx context.Context, task *types.Task) *types.TaskResult {
	if s.block {
		<-ctx.Done()
		return &types.TaskResult{TaskID: task.ID, Status: types.TaskStatusCancelled}
	}
	if s.fail || (s.failRemaining != nil && s.failRemaining.Add(-1) >= 0) {
		return &types.TaskResult{
			TaskID:    task.ID,
			Status:    types.TaskStatusFailed,
			Error:     "agent crashed",
			ErrorKind: types.ErrInternal,
		}
	}
	return &types.TaskResult{TaskID: task.ID, Status: types.TaskStatusCompleted, Output: "done"}
}

func (s *stubExecutor) Terminate() error { return nil }
func (s *stubExecutor) Healthy() bool    { return true }
func (s *stubExecutor) Status() executor.Status {
	return executor.Status{ID: "stub", Mode: s.mode}
}

type stubOpts struct {
	block    bool
	fail     bool
	failures int // fail this many executions, then succeed
}

// startStubWorker runs a real worker over httptest, backed by stub executors.
func startStubWorker(t *testing.T, id string, opts stubOpts) *types.WorkerInfo {
	t.Helper()
	var failRemaining *atomic.Int32
	if opts.failures > 0 {
		failRemaining = new(atomic.Int32)
		failRemaining.Store(int32(opts.failures))
	}
	p, err := provider.New(provider.Config{
		MaxConcurrent: 4,
		ProcessFactory: func() (executor.Executor, error) {
			return &stubExecutor{mode: types.ModeProcessPool, block: opts.block, fail: opts.fail, failRemaining: failRemaining}, nil
		},
		ContainerFactory: func(sessionID string) (executor.Executor, error) {
			return &stubExecutor{mode: types.ModeContainerAgentic, block: opts.block, fail: opts.fail, failRemaining: failRemaining}, nil
		},
	})
	require.NoError(t, err)

	w := worker.New(worker.Config{ID: id, MaxConcurrentTasks: 4}, p)
	srv := httptest.NewServer(worker.NewServer(w, "127.0.0.1:0").Routes())
	t.Cleanup(func() {
		srv.Close()
		w.Shutdown()
	})

	return &types.WorkerInfo{
		ID:           id,
		Endpoint:     srv.URL,
		Capabilities: w.Capabilities(),
	}
}

func newTestDriver(t *testing.T, mutate func(*Config)) *Driver {
	t.Helper()
	cfg := Config{
		DriverID:       "driver-test",
		TickInterval:   20 * time.Millisecond,
		PollInterval:   20 * time.Millisecond,
		HealthInterval: 40 * time.Millisecond,
		StatsInterval:  time.Second,
		RequestTimeout: 2 * time.Second,
		Scheduler: scheduler.Config{
			RetryDelay: 10 * time.Millisecond,
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	d := New(cfg, nil)
	d.Start()
	t.Cleanup(d.Stop)
	return d
}

func waitResult(t *testing.T, d *Driver, taskID string) *types.TaskResult {
	t.Helper()
	var result *types.TaskResult
	require.Eventually(t, func() bool {
		r, err := d.GetTaskResult(taskID)
		if err != nil {
			return false
		}
		result = r
		return true
	}, 10*time.Second, 10*time.Millisecond, "task %s never produced a result", taskID)
	return result
}

func driverTask(id string) *types.Task {
	return &types.Task{ID: id, Title: "Build feature", Category: types.CategoryCoding, Priority: types.PriorityNormal}
}

func TestTaskRunsToCompletion(t *testing.T) {
	d := newTestDriver(t, nil)
	require.NoError(t, d.RegisterWorker(startStubWorker(t, "w1", stubOpts{})))

	require.NoError(t, d.SubmitTask(driverTask("t1")))

	result := waitResult(t, d, "t1")
	assert.Equal(t, types.TaskStatusCompleted, result.Status)
	assert.Equal(t, "done", result.Output)
	require.NotNil(t, result.Metrics)

	progress, err := d.GetTaskProgress("t1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, progress.Progress)
}

func TestDuplicateSubmitRejected(t *testing.T) {
	d := newTestDriver(t, nil)
	require.NoError(t, d.SubmitTask(driverTask("t1")))

	err := d.SubmitTask(driverTask("t1"))
	require.Error(t, err)
	assert.Equal(t, types.ErrDuplicateTask, types.KindOf(err))
}

func TestDependencyChainCompletes(t *testing.T) {
	d := newTestDriver(t, nil)
	require.NoError(t, d.RegisterWorker(startStubWorker(t, "w1", stubOpts{})))

	dependent := driverTask("t2")
	dependent.Dependencies = []string{"t1"}
	require.NoError(t, d.SubmitTask(dependent))
	require.NoError(t, d.SubmitTask(driverTask("t1")))

	assert.Equal(t, types.TaskStatusCompleted, waitResult(t, d, "t1").Status)
	assert.Equal(t, types.TaskStatusCompleted, waitResult(t, d, "t2").Status)
}

func TestDependencyFailureCancelsDependents(t *testing.T) {
	d := newTestDriver(t, nil)
	require.NoError(t, d.RegisterWorker(startStubWorker(t, "w1", stubOpts{fail: true})))

	require.NoError(t, d.SubmitTask(driverTask("t1")))
	dependent := driverTask("t2")
	dependent.Dependencies = []string{"t1"}
	require.NoError(t, d.SubmitTask(dependent))

	failed := waitResult(t, d, "t1")
	assert.Equal(t, types.TaskStatusFailed, failed.Status)
	assert.Equal(t, types.ErrInternal, failed.ErrorKind)

	cancelled := waitResult(t, d, "t2")
	assert.Equal(t, types.TaskStatusCancelled, cancelled.Status)
	assert.Equal(t, types.ErrDependencyFailed, cancelled.ErrorKind)
}

func TestDependencyCycleRejected(t *testing.T) {
	d := newTestDriver(t, nil)

	first := driverTask("t1")
	first.Dependencies = []string{"t2"}
	require.NoError(t, d.SubmitTask(first))

	second := driverTask("t2")
	second.Dependencies = []string{"t1"}
	err := d.SubmitTask(second)
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.KindOf(err))
}

func TestCancelQueuedTask(t *testing.T) {
	d := newTestDriver(t, nil) // no workers; task stays queued

	require.NoError(t, d.SubmitTask(driverTask("t1")))
	require.NoError(t, d.CancelTask("t1"))

	result := waitResult(t, d, "t1")
	assert.Equal(t, types.TaskStatusCancelled, result.Status)

	// Cancel is idempotent once a result exists.
	require.NoError(t, d.CancelTask("t1"))

	err := d.CancelTask("missing")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.KindOf(err))
}

func TestCancelRunningTask(t *testing.T) {
	d := newTestDriver(t, nil)
	require.NoError(t, d.RegisterWorker(startStubWorker(t, "w1", stubOpts{block: true})))

	require.NoError(t, d.SubmitTask(driverTask("t1")))
	require.Eventually(t, func() bool {
		task, err := d.GetTask("t1")
		return err == nil && task.Status == types.TaskStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, d.CancelTask("t1"))
	result := waitResult(t, d, "t1")
	assert.Equal(t, types.TaskStatusCancelled, result.Status)
	assert.Empty(t, result.ErrorKind)
}

func TestTaskTimeout(t *testing.T) {
	d := newTestDriver(t, nil)
	require.NoError(t, d.RegisterWorker(startStubWorker(t, "w1", stubOpts{block: true})))

	task := driverTask("t1")
	task.Context = &types.TaskContext{Timeout: 150 * time.Millisecond}
	require.NoError(t, d.SubmitTask(task))

	result := waitResult(t, d, "t1")
	assert.Equal(t, types.TaskStatusFailed, result.Status)
	assert.Equal(t, types.ErrTimedOut, result.ErrorKind)
}

func TestFailedTaskRetriesThenExhausts(t *testing.T) {
	d := newTestDriver(t, func(cfg *Config) {
		cfg.RetryFailedTasks = true
		cfg.Scheduler.RetryAttempts = 2
	})
	require.NoError(t, d.RegisterWorker(startStubWorker(t, "w1", stubOpts{fail: true})))

	require.NoError(t, d.SubmitTask(driverTask("t1")))

	result := waitResult(t, d, "t1")
	assert.Equal(t, types.TaskStatusFailed, result.Status)
	assert.Equal(t, types.ErrInternal, result.ErrorKind)
}

func TestFailedTaskRetriesOnSameWorker(t *testing.T) {
	d := newTestDriver(t, func(cfg *Config) {
		cfg.RetryFailedTasks = true
		cfg.Scheduler.RetryAttempts = 2
	})
	// Only one worker: the retry must re-execute there, not just re-read
	// the stale terminal state.
	require.NoError(t, d.RegisterWorker(startStubWorker(t, "w1", stubOpts{failures: 1})))

	require.NoError(t, d.SubmitTask(driverTask("t1")))

	result := waitResult(t, d, "t1")
	assert.Equal(t, types.TaskStatusCompleted, result.Status)
	assert.Equal(t, "done", result.Output)
}

func TestStatsDuringScheduling(t *testing.T) {
	d := newTestDriver(t, nil)

	require.NoError(t, d.SubmitTask(driverTask("t1")))
	for i := 2; i <= 8; i++ {
		task := driverTask(fmt.Sprintf("t%d", i))
		task.Dependencies = []string{"t1"}
		require.NoError(t, d.SubmitTask(task))
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				d.schedule()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				d.Stats()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("concurrent scheduling and stats reads stalled")
	}
}

func TestRegisterWorkerFetchesCapabilities(t *testing.T) {
	d := newTestDriver(t, nil)

	info := startStubWorker(t, "w1", stubOpts{})
	info.Capabilities = nil
	require.NoError(t, d.RegisterWorker(info))

	got, err := d.GetWorker("w1")
	require.NoError(t, err)
	require.NotNil(t, got.Capabilities)
	assert.Equal(t, 4, got.Capabilities.MaxConcurrentTasks)

	require.NoError(t, d.SubmitTask(driverTask("t1")))
	result := waitResult(t, d, "t1")
	assert.Equal(t, types.TaskStatusCompleted, result.Status)

	err = d.RegisterWorker(&types.WorkerInfo{ID: "w2", Endpoint: "http://127.0.0.1:1"})
	require.Error(t, err)
}

func TestUnreachableWorkerIsLost(t *testing.T) {
	d := newTestDriver(t, nil)

	// A registered worker whose endpoint answers nothing.
	gone := httptest.NewServer(nil)
	endpoint := gone.URL
	gone.Close()
	require.NoError(t, d.RegisterWorker(&types.WorkerInfo{
		ID:       "w1",
		Endpoint: endpoint,
		Capabilities: &types.WorkerCapabilities{
			SupportedCategories: types.Categories(),
			MaxConcurrentTasks:  4,
			ExecutionModes:      []types.ExecutionMode{types.ModeProcessPool},
		},
	}))

	require.NoError(t, d.SubmitTask(driverTask("t1")))

	result := waitResult(t, d, "t1")
	assert.Equal(t, types.TaskStatusFailed, result.Status)
	assert.Equal(t, types.ErrWorkerLost, result.ErrorKind)
}

func TestUnregisterWorkerFailsInFlightTask(t *testing.T) {
	d := newTestDriver(t, nil)
	require.NoError(t, d.RegisterWorker(startStubWorker(t, "w1", stubOpts{block: true})))

	require.NoError(t, d.SubmitTask(driverTask("t1")))
	require.Eventually(t, func() bool {
		task, err := d.GetTask("t1")
		return err == nil && task.Status == types.TaskStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, d.UnregisterWorker("w1"))

	result := waitResult(t, d, "t1")
	assert.Equal(t, types.TaskStatusFailed, result.Status)
	assert.Equal(t, types.ErrWorkerLost, result.ErrorKind)

	err := d.UnregisterWorker("w1")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.KindOf(err))
}

func TestWorkerLossRequeuesOntoSurvivor(t *testing.T) {
	d := newTestDriver(t, func(cfg *Config) {
		cfg.Scheduler.RetryAttempts = 2
	})
	require.NoError(t, d.RegisterWorker(startStubWorker(t, "w1", stubOpts{block: true})))

	require.NoError(t, d.SubmitTask(driverTask("t1")))
	require.Eventually(t, func() bool {
		task, err := d.GetTask("t1")
		return err == nil && task.Status == types.TaskStatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	// Healthy worker joins, then the one holding the task disappears.
	require.NoError(t, d.RegisterWorker(startStubWorker(t, "w2", stubOpts{})))
	require.NoError(t, d.UnregisterWorker("w1"))

	result := waitResult(t, d, "t1")
	assert.Equal(t, types.TaskStatusCompleted, result.Status)
}

func TestDecompositionAndMerge(t *testing.T) {
	d := newTestDriver(t, func(cfg *Config) {
		cfg.Scheduler.EnableDecomposition = true
		cfg.Scheduler.EnableMerging = true
	})
	require.NoError(t, d.RegisterWorker(startStubWorker(t, "w1", stubOpts{})))

	parent := driverTask("parent-1")
	parent.Title = "Refactor auth"
	parent.Category = types.CategoryRefactoring
	require.NoError(t, d.SubmitTask(parent))

	result := waitResult(t, d, "parent-1")
	assert.Equal(t, types.TaskStatusCompleted, result.Status)
	assert.Equal(t, "done\n\ndone\n\ndone", result.Output)
	assert.Equal(t, "true", result.Metadata["merged"])
	assert.Equal(t, "refactor-auth-analyze,refactor-auth-plan,refactor-auth-execute", result.Metadata["subtasks"])

	for _, child := range []string{"refactor-auth-analyze", "refactor-auth-plan", "refactor-auth-execute"} {
		assert.Equal(t, types.TaskStatusCompleted, waitResult(t, d, child).Status)
	}
}

func TestBatchSubmit(t *testing.T) {
	d := newTestDriver(t, nil)
	require.NoError(t, d.RegisterWorker(startStubWorker(t, "w1", stubOpts{})))

	items := d.SubmitBatch([]*types.Task{
		driverTask("t1"),
		{ID: "bad"}, // fails validation
		driverTask("t2"),
	})
	require.Len(t, items, 3)
	assert.Equal(t, "accepted", items[0].Status)
	assert.NotEmpty(t, items[1].Error)
	assert.Equal(t, "accepted", items[2].Status)

	assert.Equal(t, types.TaskStatusCompleted, waitResult(t, d, "t1").Status)
	assert.Equal(t, types.TaskStatusCompleted, waitResult(t, d, "t2").Status)
}

func TestSessionLifecycle(t *testing.T) {
	d := newTestDriver(t, nil)
	require.NoError(t, d.RegisterWorker(startStubWorker(t, "w1", stubOpts{})))

	session, err := d.CreateSession(&types.SessionOptions{Timeout: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "w1", session.WorkerID)

	// Session-bound tasks run synchronously on the session's worker.
	task := driverTask("t1")
	task.Context = &types.TaskContext{SessionID: session.ID}
	require.NoError(t, d.SubmitTask(task))

	result, err := d.GetTaskResult("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, result.Status)

	require.NoError(t, d.EndSession(session.ID))
	require.NoError(t, d.EndSession(session.ID)) // idempotent
	assert.Empty(t, d.ActiveSessions())

	task2 := driverTask("t2")
	task2.Context = &types.TaskContext{SessionID: session.ID}
	err = d.SubmitTask(task2)
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.KindOf(err))
}

func TestSessionRequiresContainerWorker(t *testing.T) {
	d := newTestDriver(t, nil)
	_, err := d.CreateSession(nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrNoWorkersAvailable, types.KindOf(err))
}

func TestSessionExpirySweep(t *testing.T) {
	d := newTestDriver(t, nil)
	require.NoError(t, d.RegisterWorker(startStubWorker(t, "w1", stubOpts{})))

	session, err := d.CreateSession(&types.SessionOptions{Timeout: 30 * time.Millisecond})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := d.GetSession(session.ID)
		return err != nil
	}, 5*time.Second, 10*time.Millisecond, "health loop must sweep the expired session")

	stats := d.Stats()
	assert.Equal(t, 1, stats.ExpiredSessions)
	assert.Equal(t, 1, stats.TotalSessions)
	assert.Equal(t, 0, stats.ActiveSessions)
}

func TestStatsSnapshot(t *testing.T) {
	d := newTestDriver(t, nil)
	require.NoError(t, d.RegisterWorker(startStubWorker(t, "w1", stubOpts{})))

	require.NoError(t, d.SubmitTask(driverTask("t1")))
	waitResult(t, d, "t1")

	stats := d.Stats()
	assert.Equal(t, "driver-test", stats.DriverID)
	assert.Equal(t, 1, stats.TotalTasks)
	assert.Equal(t, 1, stats.CompletedTasks)
	assert.Equal(t, 1, stats.TotalWorkers)
	assert.Equal(t, 1, stats.HealthyWorkers)
	assert.Equal(t, 1.0, stats.SuccessRate)
	assert.True(t, stats.AverageTaskDuration > 0)
}
