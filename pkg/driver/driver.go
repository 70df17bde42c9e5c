package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/scheduler"
	"github.com/cuemby/foreman/pkg/storage"
	"github.com/cuemby/foreman/pkg/types"
)

// Default loop intervals. All overridable through Config so tests run fast.
const (
	DefaultTickInterval   = 1 * time.Second
	DefaultPollInterval   = 2 * time.Second
	DefaultHealthInterval = 30 * time.Second
	DefaultStatsInterval  = 10 * time.Second
)

// Config holds driver configuration.
type Config struct {
	DriverID           string
	MaxConcurrentTasks int

	TaskTimeout    time.Duration
	RequestTimeout time.Duration

	TickInterval   time.Duration
	PollInterval   time.Duration
	HealthInterval time.Duration
	StatsInterval  time.Duration

	RetryFailedTasks bool

	Scheduler scheduler.Config
}

// execContext tracks one dispatched task: the worker running it, the
// observed progress, and the cancel func that stops its poll loop.
type execContext struct {
	taskID    string
	workerID  string
	startTime time.Time
	progress  float64
	status    types.TaskStatus
	cancel    context.CancelFunc

	// cancelRequested distinguishes a client cancel from a driver timeout
	// when the poll loop's context dies.
	cancelRequested bool
}

// Driver is the orchestrator: it owns the task table, worker registry,
// execution contexts, session registry, and stats, all serialized under one
// mutex. Background loops (schedule tick, per-task polls, worker health,
// stats) coordinate through it.
type Driver struct {
	cfg       Config
	logger    zerolog.Logger
	scheduler *scheduler.Scheduler
	broker    *events.Broker
	store     *storage.Store // nil when checkpointing is off

	mu       sync.Mutex
	tasks    map[string]*types.Task
	results  map[string]*types.TaskResult
	workers  map[string]*types.WorkerInfo
	clients  map[string]*workerClient
	contexts map[string]*execContext
	sessions map[string]*types.Session

	startedAt       time.Time
	expiredSessions int
	totalSessions   int
	sumDuration     time.Duration
	completedCount  int

	kick   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a driver. store may be nil to disable checkpointing.
func New(cfg Config, store *storage.Store) *Driver {
	if cfg.DriverID == "" {
		cfg.DriverID = "driver"
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = DefaultStatsInterval
	}

	d := &Driver{
		cfg:       cfg,
		logger:    log.WithComponent("driver"),
		scheduler: scheduler.New(cfg.Scheduler),
		broker:    events.NewBroker(),
		store:     store,
		tasks:     make(map[string]*types.Task),
		results:   make(map[string]*types.TaskResult),
		workers:   make(map[string]*types.WorkerInfo),
		clients:   make(map[string]*workerClient),
		contexts:  make(map[string]*execContext),
		sessions:  make(map[string]*types.Session),
		startedAt: time.Now(),
		kick:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}

	if store != nil {
		d.restore()
	}
	return d
}

// Broker exposes the event stream for subscribers.
func (d *Driver) Broker() *events.Broker {
	return d.broker
}

// Scheduler exposes the scheduler for introspection endpoints.
func (d *Driver) Scheduler() *scheduler.Scheduler {
	return d.scheduler
}

// Start launches the background loops.
func (d *Driver) Start() {
	d.broker.Start()
	d.wg.Add(3)
	go d.tickLoop()
	go d.healthLoop()
	go d.statsLoop()
	d.logger.Info().Str("driver_id", d.cfg.DriverID).Msg("driver started")
}

// Stop terminates the loops, cancels in-flight polls, and closes the
// checkpoint store.
func (d *Driver) Stop() {
	select {
	case <-d.stopCh:
		return
	default:
	}
	close(d.stopCh)
	d.wg.Wait()

	d.mu.Lock()
	for _, ec := range d.contexts {
		ec.cancel()
	}
	d.mu.Unlock()

	d.broker.Stop()
	if d.store != nil {
		_ = d.store.Close()
	}
	d.logger.Info().Msg("driver stopped")
}

// restore reloads checkpointed tasks, results, and sessions.
func (d *Driver) restore() {
	tasks, err := d.store.LoadTasks()
	if err != nil {
		d.logger.Warn().Err(err).Msg("failed to restore tasks")
	}
	for _, task := range tasks {
		d.tasks[task.ID] = task
	}
	results, err := d.store.LoadResults()
	if err != nil {
		d.logger.Warn().Err(err).Msg("failed to restore results")
	}
	for _, result := range results {
		d.results[result.TaskID] = result
	}
	sessions, err := d.store.LoadSessions()
	if err != nil {
		d.logger.Warn().Err(err).Msg("failed to restore sessions")
	}
	for _, session := range sessions {
		d.sessions[session.ID] = session
	}
	if len(tasks)+len(results)+len(sessions) > 0 {
		d.logger.Info().
			Int("tasks", len(tasks)).
			Int("results", len(results)).
			Int("sessions", len(sessions)).
			Msg("restored checkpoint state")
	}
}

// tickLoop runs the scheduler on a fixed cadence and whenever a submission
// kicks it.
func (d *Driver) tickLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.schedule()
		case <-d.kick:
			d.schedule()
		case <-d.stopCh:
			return
		}
	}
}

// kickTick nudges the scheduler without waiting for the next tick.
func (d *Driver) kickTick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// schedule runs one scheduling pass and dispatches the resulting plans.
// The worker and completed-dependency snapshots are taken under d.mu and
// handed to the scheduler by value; Schedule must never reach back into
// driver state while holding its own lock.
func (d *Driver) schedule() {
	d.mu.Lock()
	workers := make([]*types.WorkerInfo, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
	}
	completed := make(map[string]bool, len(d.results))
	for id, result := range d.results {
		if result.Status == types.TaskStatusCompleted {
			completed[id] = true
		}
	}
	inflight := len(d.contexts)
	d.mu.Unlock()

	if d.cfg.MaxConcurrentTasks > 0 && inflight >= d.cfg.MaxConcurrentTasks {
		return
	}

	plans := d.scheduler.Schedule(time.Now(), workers, completed)
	for _, plan := range plans {
		d.dispatch(plan)
	}
}

// RegisterWorker adds a worker to the registry. A registration without a
// capability descriptor is completed by asking the worker directly.
func (d *Driver) RegisterWorker(info *types.WorkerInfo) error {
	if info.ID == "" || info.Endpoint == "" {
		return types.NewError(types.ErrValidation, "worker id and endpoint are required")
	}
	client := newWorkerClient(info.Endpoint, d.cfg.RequestTimeout)
	if info.Capabilities == nil {
		ctx, cancel := context.WithTimeout(context.Background(), client.http.Timeout)
		caps, err := client.capabilities(ctx)
		cancel()
		if err != nil {
			return types.NewError(types.ErrValidation,
				fmt.Sprintf("worker %s sent no capabilities and none could be fetched: %v", info.ID, err))
		}
		info.Capabilities = caps
	}
	if info.Status == "" {
		info.Status = types.WorkerStatusIdle
	}
	if info.Health == nil {
		info.Health = &types.WorkerHealth{LastSeen: time.Now(), Healthy: true}
	}

	d.mu.Lock()
	d.workers[info.ID] = info
	d.clients[info.ID] = client
	d.mu.Unlock()

	d.logger.Info().Str("worker_id", info.ID).Str("endpoint", info.Endpoint).Msg("worker registered")
	d.broker.Publish(&events.Event{Type: events.EventWorkerJoined, WorkerID: info.ID})
	d.kickTick()
	return nil
}

// UnregisterWorker removes a worker and requeues its in-flight tasks.
// Tasks whose retry budget is exhausted become terminal worker-lost.
func (d *Driver) UnregisterWorker(workerID string) error {
	d.mu.Lock()
	if _, ok := d.workers[workerID]; !ok {
		d.mu.Unlock()
		return types.NewError(types.ErrNotFound, fmt.Sprintf("worker %s not registered", workerID))
	}
	delete(d.workers, workerID)
	delete(d.clients, workerID)

	var lost []*execContext
	for _, ec := range d.contexts {
		if ec.workerID == workerID {
			lost = append(lost, ec)
		}
	}
	d.mu.Unlock()

	for _, ec := range lost {
		ec.cancel()
		d.handleWorkerLoss(ec.taskID, workerID)
	}

	d.logger.Info().Str("worker_id", workerID).Int("requeued", len(lost)).Msg("worker unregistered")
	d.broker.Publish(&events.Event{Type: events.EventWorkerRemoved, WorkerID: workerID})
	return nil
}

// GetWorker returns a registry entry.
func (d *Driver) GetWorker(workerID string) (*types.WorkerInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.workers[workerID]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("worker %s not registered", workerID))
	}
	return w, nil
}

// Workers returns every registry entry.
func (d *Driver) Workers() []*types.WorkerInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*types.WorkerInfo, 0, len(d.workers))
	for _, w := range d.workers {
		out = append(out, w)
	}
	return out
}

// healthLoop fans out GET /health to every worker and sweeps expired
// sessions on the same cadence.
func (d *Driver) healthLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.checkWorkers()
			d.sweepSessions()
		case <-d.stopCh:
			return
		}
	}
}

// checkWorkers probes every worker and handles health transitions.
func (d *Driver) checkWorkers() {
	d.mu.Lock()
	type probe struct {
		id     string
		client *workerClient
	}
	probes := make([]probe, 0, len(d.workers))
	for id, client := range d.clients {
		probes = append(probes, probe{id: id, client: client})
	}
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.HealthInterval)
	defer cancel()

	var wg sync.WaitGroup
	for _, p := range probes {
		wg.Add(1)
		go func(p probe) {
			defer wg.Done()
			rt, err := p.client.health(ctx)
			d.recordHealth(p.id, rt, err == nil)
		}(p)
	}
	wg.Wait()
}

// recordHealth applies one probe outcome. An unhealthy transition requeues
// the worker's in-flight tasks; a healthy transition restores it for
// selection.
func (d *Driver) recordHealth(workerID string, responseTime time.Duration, healthy bool) {
	d.mu.Lock()
	w, ok := d.workers[workerID]
	if !ok {
		d.mu.Unlock()
		return
	}
	wasHealthy := w.Health == nil || w.Health.Healthy
	w.Health = &types.WorkerHealth{
		LastSeen:     time.Now(),
		ResponseTime: responseTime,
		Healthy:      healthy,
	}
	if healthy {
		if w.Status == types.WorkerStatusOffline || w.Status == types.WorkerStatusError {
			w.Status = types.WorkerStatusIdle
		}
	} else {
		w.Status = types.WorkerStatusOffline
	}

	var lost []*execContext
	if wasHealthy && !healthy {
		for _, ec := range d.contexts {
			if ec.workerID == workerID {
				lost = append(lost, ec)
			}
		}
	}
	d.mu.Unlock()

	if wasHealthy != healthy {
		d.logger.Warn().Str("worker_id", workerID).Bool("healthy", healthy).Msg("worker health changed")
		d.broker.Publish(&events.Event{
			Type:     events.EventWorkerHealth,
			WorkerID: workerID,
			Metadata: map[string]string{"healthy": fmt.Sprintf("%t", healthy)},
		})
	}
	for _, ec := range lost {
		ec.cancel()
		d.handleWorkerLoss(ec.taskID, workerID)
	}
}

// statsLoop publishes aggregated stats on a fixed cadence.
func (d *Driver) statsLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := d.Stats()
			d.broker.Publish(&events.Event{
				Type: events.EventStatsUpdated,
				Metadata: map[string]string{
					"running":   fmt.Sprintf("%d", stats.RunningTasks),
					"queued":    fmt.Sprintf("%d", stats.QueuedTasks),
					"completed": fmt.Sprintf("%d", stats.CompletedTasks),
					"failed":    fmt.Sprintf("%d", stats.FailedTasks),
				},
			})
		case <-d.stopCh:
			return
		}
	}
}
