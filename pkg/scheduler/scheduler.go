package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/types"
)

// Strategy selects how tasks are matched to workers.
type Strategy string

const (
	StrategyRoundRobin      Strategy = "round-robin"
	StrategyLeastLoaded     Strategy = "least-loaded"
	StrategyCapabilityBased Strategy = "capability-based"
	StrategyAffinityBased   Strategy = "affinity-based"
)

// Config tunes scheduling behavior.
type Config struct {
	Strategy        Strategy
	PriorityWeights map[types.TaskPriority]int

	// CategoryAffinities maps workerID -> category -> affinity in [0,1],
	// used by the affinity-based strategy.
	CategoryAffinities map[string]map[types.TaskCategory]float64

	RetryAttempts int
	RetryDelay    time.Duration

	EnableDecomposition bool
	EnableMerging       bool
}

// QueuedTask is the scheduler's record of a submitted, not-yet-terminal task.
type QueuedTask struct {
	Task        *types.Task
	QueuedAt    time.Time
	RetryCount  int
	LastAttempt time.Time
	Assigned    bool
	WorkerID    string
}

// Scheduler holds the task queue and assignment bookkeeping. It is owned by
// the driver and never calls back into it; all decisions happen inside
// Schedule against the worker snapshot the driver passes in.
type Scheduler struct {
	mu     sync.Mutex
	cfg    Config
	logger zerolog.Logger

	queue map[string]*QueuedTask

	// assignments counts total dispatches per worker, for round-robin.
	assignments map[string]int

	merges map[string]*PendingMerge

	// plans is a bounded history of recent scheduling decisions, kept for
	// introspection endpoints.
	plans          []*types.ExecutionPlan
	scheduledTotal int
}

// planHistoryLimit bounds the retained plan history.
const planHistoryLimit = 100

// New creates a scheduler with defaults filled in.
func New(cfg Config) *Scheduler {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyCapabilityBased
	}
	if cfg.PriorityWeights == nil {
		cfg.PriorityWeights = types.DefaultPriorityWeights()
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Scheduler{
		cfg:         cfg,
		logger:      log.WithComponent("scheduler"),
		queue:       make(map[string]*QueuedTask),
		assignments: make(map[string]int),
		merges:      make(map[string]*PendingMerge),
	}
}

// Strategy returns the active load balancing strategy.
func (s *Scheduler) Strategy() Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Strategy
}

// SetStrategy switches the load balancing strategy at runtime.
func (s *Scheduler) SetStrategy(strategy Strategy) error {
	switch strategy {
	case StrategyRoundRobin, StrategyLeastLoaded, StrategyCapabilityBased, StrategyAffinityBased:
	default:
		return types.NewError(types.ErrValidation, fmt.Sprintf("unknown strategy %q", strategy))
	}
	s.mu.Lock()
	s.cfg.Strategy = strategy
	s.mu.Unlock()
	return nil
}

// RetryAttempts returns the configured retry budget.
func (s *Scheduler) RetryAttempts() int {
	return s.cfg.RetryAttempts
}

// Enqueue adds a task to the queue.
func (s *Scheduler) Enqueue(task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.queue[task.ID]; exists {
		return types.NewError(types.ErrDuplicateTask, fmt.Sprintf("task %s already queued", task.ID))
	}
	s.queue[task.ID] = &QueuedTask{
		Task:     task,
		QueuedAt: time.Now(),
	}
	return nil
}

// Remove drops a task from the queue and returns its record, or nil.
func (s *Scheduler) Remove(taskID string) *QueuedTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	qt := s.queue[taskID]
	delete(s.queue, taskID)
	return qt
}

// Get returns the queue record for a task, or nil.
func (s *Scheduler) Get(taskID string) *QueuedTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue[taskID]
}

// Requeue puts a dispatched task back in the queue after a failure,
// consuming one retry. Returns false when the retry budget is exhausted;
// the task is then removed.
func (s *Scheduler) Requeue(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	qt, ok := s.queue[taskID]
	if !ok {
		return false
	}
	if qt.RetryCount >= s.cfg.RetryAttempts {
		delete(s.queue, taskID)
		return false
	}
	qt.RetryCount++
	qt.LastAttempt = time.Now()
	qt.Assigned = false
	qt.WorkerID = ""
	s.logger.Info().Str("task_id", taskID).Int("retry", qt.RetryCount).Msg("task requeued")
	return true
}

// MarkAssigned records that a task was dispatched to a worker.
func (s *Scheduler) MarkAssigned(taskID, workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if qt, ok := s.queue[taskID]; ok {
		qt.Assigned = true
		qt.WorkerID = workerID
		qt.LastAttempt = time.Now()
	}
}

// Unassign clears the assignment without consuming a retry.
func (s *Scheduler) Unassign(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if qt, ok := s.queue[taskID]; ok {
		qt.Assigned = false
		qt.WorkerID = ""
	}
}

// QueueDepth returns the number of unassigned queued tasks.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, qt := range s.queue {
		if !qt.Assigned {
			n++
		}
	}
	return n
}

// ScheduledTotal returns how many plans this scheduler has emitted.
func (s *Scheduler) ScheduledTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduledTotal
}

// Schedule matches ready tasks to available workers and returns one
// ExecutionPlan per match. A task is ready when it is unassigned, all of
// its dependencies appear in the completed set, and its retry cooldown has
// passed. Ready tasks are served by priority weight, ties broken by queue
// order. The completed set is a snapshot the caller takes outside this
// scheduler's lock, so Schedule never has to call back into caller state.
func (s *Scheduler) Schedule(now time.Time, workers []*types.WorkerInfo, completed map[string]bool) []*types.ExecutionPlan {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*QueuedTask
	for _, qt := range s.queue {
		if qt.Assigned {
			continue
		}
		if qt.RetryCount > 0 && now.Sub(qt.LastAttempt) < s.cfg.RetryDelay {
			continue
		}
		if !s.depsCompleted(qt.Task, completed) {
			continue
		}
		ready = append(ready, qt)
	}
	if len(ready) == 0 {
		return nil
	}

	sort.SliceStable(ready, func(i, j int) bool {
		wi := s.cfg.PriorityWeights[ready[i].Task.Priority]
		wj := s.cfg.PriorityWeights[ready[j].Task.Priority]
		if wi != wj {
			return wi > wj
		}
		return ready[i].QueuedAt.Before(ready[j].QueuedAt)
	})

	// Snapshot worker load so assignments made in this pass count.
	load := make(map[string]int, len(workers))
	var candidates []*types.WorkerInfo
	for _, w := range workers {
		if w.Status != types.WorkerStatusIdle && w.Status != types.WorkerStatusBusy {
			continue
		}
		if w.Capabilities == nil {
			continue
		}
		load[w.ID] = len(w.CurrentTasks)
		candidates = append(candidates, w)
	}

	var plans []*types.ExecutionPlan
	for _, qt := range ready {
		worker := s.pickWorker(qt.Task, candidates, load)
		if worker == nil {
			continue
		}

		qt.Assigned = true
		qt.WorkerID = worker.ID
		qt.LastAttempt = now
		load[worker.ID]++
		s.assignments[worker.ID]++
		s.scheduledTotal++

		plan := &types.ExecutionPlan{
			TaskID:        qt.Task.ID,
			WorkerID:      worker.ID,
			PriorityScore: s.cfg.PriorityWeights[qt.Task.Priority],
			ScheduledAt:   now,
			Dependencies:  qt.Task.Dependencies,
			RetryCount:    qt.RetryCount,
		}
		plans = append(plans, plan)
		s.plans = append(s.plans, plan)
		if len(s.plans) > planHistoryLimit {
			s.plans = s.plans[len(s.plans)-planHistoryLimit:]
		}
	}
	return plans
}

// QueueSnapshot returns a copy of the current queue records.
func (s *Scheduler) QueueSnapshot() []*QueuedTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*QueuedTask, 0, len(s.queue))
	for _, qt := range s.queue {
		copied := *qt
		out = append(out, &copied)
	}
	return out
}

// RecentPlans returns the retained scheduling-decision history.
func (s *Scheduler) RecentPlans() []*types.ExecutionPlan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.ExecutionPlan(nil), s.plans...)
}

func (s *Scheduler) depsCompleted(task *types.Task, completed map[string]bool) bool {
	for _, dep := range task.Dependencies {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// pickWorker applies the active strategy over workers with spare capacity.
func (s *Scheduler) pickWorker(task *types.Task, workers []*types.WorkerInfo, load map[string]int) *types.WorkerInfo {
	var open []*types.WorkerInfo
	for _, w := range workers {
		if load[w.ID] < w.Capabilities.MaxConcurrentTasks {
			open = append(open, w)
		}
	}
	if len(open) == 0 {
		return nil
	}

	switch s.cfg.Strategy {
	case StrategyRoundRobin:
		return s.pickRoundRobin(open)
	case StrategyLeastLoaded:
		return pickLeastLoaded(open, load)
	case StrategyAffinityBased:
		return s.pickAffinity(task, open, load)
	default:
		return s.pickCapability(task, open, load)
	}
}

// pickRoundRobin chooses the worker with the fewest total assignments.
func (s *Scheduler) pickRoundRobin(workers []*types.WorkerInfo) *types.WorkerInfo {
	var best *types.WorkerInfo
	for _, w := range workers {
		if best == nil || s.assignments[w.ID] < s.assignments[best.ID] {
			best = w
		}
	}
	return best
}

func pickLeastLoaded(workers []*types.WorkerInfo, load map[string]int) *types.WorkerInfo {
	var best *types.WorkerInfo
	for _, w := range workers {
		if best == nil || load[w.ID] < load[best.ID] {
			best = w
		}
	}
	return best
}

// pickCapability filters by task category and takes the least loaded match,
// falling back to least loaded overall when no worker declares the category.
func (s *Scheduler) pickCapability(task *types.Task, workers []*types.WorkerInfo, load map[string]int) *types.WorkerInfo {
	var capable []*types.WorkerInfo
	for _, w := range workers {
		if w.Capabilities.SupportsCategory(task.Category) {
			capable = append(capable, w)
		}
	}
	if len(capable) > 0 {
		return pickLeastLoaded(capable, load)
	}
	return pickLeastLoaded(workers, load)
}

// pickAffinity scores each worker as categoryAffinity + (1-load)*0.5 and
// takes the highest.
func (s *Scheduler) pickAffinity(task *types.Task, workers []*types.WorkerInfo, load map[string]int) *types.WorkerInfo {
	var best *types.WorkerInfo
	bestScore := -1.0
	for _, w := range workers {
		affinity := 0.0
		if m, ok := s.cfg.CategoryAffinities[w.ID]; ok {
			affinity = m[task.Category]
		}
		cap := w.Capabilities.MaxConcurrentTasks
		loadFrac := 0.0
		if cap > 0 {
			loadFrac = float64(load[w.ID]) / float64(cap)
		}
		score := affinity + (1-loadFrac)*0.5
		if score > bestScore {
			bestScore = score
			best = w
		}
	}
	return best
}

// SelectSessionWorker picks the worker a new session should bind to:
// container-capable, fewest current tasks, then lowest health response time.
func SelectSessionWorker(workers []*types.WorkerInfo) *types.WorkerInfo {
	var best *types.WorkerInfo
	for _, w := range workers {
		if w.Status != types.WorkerStatusIdle && w.Status != types.WorkerStatusBusy {
			continue
		}
		if w.Capabilities == nil || !w.Capabilities.SupportsContainerExecution {
			continue
		}
		if best == nil {
			best = w
			continue
		}
		if len(w.CurrentTasks) != len(best.CurrentTasks) {
			if len(w.CurrentTasks) < len(best.CurrentTasks) {
				best = w
			}
			continue
		}
		if w.Health != nil && best.Health != nil && w.Health.ResponseTime < best.Health.ResponseTime {
			best = w
		}
	}
	return best
}

// CompatibleWorkerExists reports whether any registered worker could ever
// run the task, regardless of current load.
func CompatibleWorkerExists(task *types.Task, workers []*types.WorkerInfo) bool {
	for _, w := range workers {
		if w.Capabilities == nil {
			continue
		}
		if !w.Capabilities.SupportsCategory(task.Category) {
			continue
		}
		if task.Context != nil && task.Context.ExecutionMode != "" &&
			!w.Capabilities.SupportsMode(task.Context.ExecutionMode) {
			continue
		}
		return true
	}
	return false
}
