package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/executor"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/types"
)

// ProcessPoolConfig configures the reusable process pool.
type ProcessPoolConfig struct {
	MaxProcesses   int
	AgentPath      string
	Args           []string
	WorkspaceRoot  string
	ReuseProcesses bool
	ProcessTimeout time.Duration
}

// ContainerPoolConfig configures one-shot container executors.
type ContainerPoolConfig struct {
	Client      executor.DockerClient
	Image       string
	Entrypoint  []string
	Credential  string
	Env         map[string]string
	Resources   *types.ResourceLimits
	AutoRemove  bool
	GracePeriod time.Duration
}

// Config holds provider configuration. The factory fields override the
// built-in executor constructors; tests use them to inject fakes.
type Config struct {
	DefaultMode   types.ExecutionMode
	MaxConcurrent int
	Process       *ProcessPoolConfig
	Container     *ContainerPoolConfig

	ProcessFactory   func() (executor.Executor, error)
	ContainerFactory func(sessionID string) (executor.Executor, error)
}

// Provider supplies executors per task under a single mode policy, bounds
// concurrent executions with a slot semaphore, and reclaims executors on
// release. Process executors are pooled; container executors are one-shot.
type Provider struct {
	cfg    Config
	logger zerolog.Logger

	// slots bounds simultaneous executions. Get blocks here, FIFO.
	slots chan struct{}

	mu   sync.Mutex
	cond *sync.Cond // signalled when a process is returned or retired

	idleProcs []executor.Executor
	procCount int
	active    int
	closed    bool

	// Factories are swappable for tests.
	newProcess   func() (executor.Executor, error)
	newContainer func(sessionID string) (executor.Executor, error)
}

// Stats is the provider's health snapshot exposed by the worker.
type Stats struct {
	ActiveSlots   int                 `json:"activeSlots"`
	MaxSlots      int                 `json:"maxSlots"`
	IdleProcesses int                 `json:"idleProcesses"`
	PoolProcesses int                 `json:"poolProcesses"`
	DefaultMode   types.ExecutionMode `json:"defaultMode"`
}

// New creates a provider. At least one execution mode must be configured,
// either through a pool config or a factory.
func New(cfg Config) (*Provider, error) {
	processMode := cfg.Process != nil || cfg.ProcessFactory != nil
	containerMode := cfg.Container != nil || cfg.ContainerFactory != nil
	if !processMode && !containerMode {
		return nil, types.NewError(types.ErrValidation, "provider needs at least one execution mode")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.DefaultMode == "" {
		if processMode {
			cfg.DefaultMode = types.ModeProcessPool
		} else {
			cfg.DefaultMode = types.ModeContainerAgentic
		}
	}
	if cfg.Process == nil && processMode {
		cfg.Process = &ProcessPoolConfig{ReuseProcesses: true}
	}
	if cfg.Process != nil && cfg.Process.MaxProcesses <= 0 {
		cfg.Process.MaxProcesses = cfg.MaxConcurrent
	}

	p := &Provider{
		cfg:    cfg,
		logger: log.WithComponent("provider"),
		slots:  make(chan struct{}, cfg.MaxConcurrent),
	}
	p.cond = sync.NewCond(&p.mu)

	if cfg.Process != nil && cfg.Process.AgentPath != "" {
		p.newProcess = func() (executor.Executor, error) {
			return executor.NewProcessExecutor(executor.ProcessConfig{
				AgentPath:      cfg.Process.AgentPath,
				Args:           cfg.Process.Args,
				WorkspaceRoot:  cfg.Process.WorkspaceRoot,
				DefaultTimeout: cfg.Process.ProcessTimeout,
			})
		}
	}
	if cfg.Container != nil {
		p.newContainer = func(sessionID string) (executor.Executor, error) {
			return executor.NewContainerExecutor(cfg.Container.Client, executor.ContainerConfig{
				Image:       cfg.Container.Image,
				Entrypoint:  cfg.Container.Entrypoint,
				SessionID:   sessionID,
				Credential:  cfg.Container.Credential,
				Env:         cfg.Container.Env,
				Resources:   cfg.Container.Resources,
				AutoRemove:  cfg.Container.AutoRemove,
				GracePeriod: cfg.Container.GracePeriod,
			})
		}
	}
	if cfg.ProcessFactory != nil {
		p.newProcess = cfg.ProcessFactory
	}
	if cfg.ContainerFactory != nil {
		p.newContainer = cfg.ContainerFactory
	}
	if p.newProcess == nil && p.newContainer == nil {
		return nil, types.NewError(types.ErrValidation, "provider has no usable executor factory")
	}

	return p, nil
}

// Modes lists the execution modes this provider supports.
func (p *Provider) Modes() []types.ExecutionMode {
	var modes []types.ExecutionMode
	if p.newProcess != nil {
		modes = append(modes, types.ModeProcessPool)
	}
	if p.newContainer != nil {
		modes = append(modes, types.ModeContainerAgentic)
	}
	return modes
}

// DefaultMode returns the provider's default execution mode.
func (p *Provider) DefaultMode() types.ExecutionMode {
	return p.cfg.DefaultMode
}

// ResolveMode applies the routing order: task context, then submit options,
// then the worker default.
func (p *Provider) ResolveMode(task *types.Task, opts *types.ExecuteOptions) types.ExecutionMode {
	if task != nil && task.Context != nil && task.Context.ExecutionMode != "" {
		return task.Context.ExecutionMode
	}
	if opts != nil && opts.ExecutionMode != "" {
		return opts.ExecutionMode
	}
	return p.cfg.DefaultMode
}

// Get returns a healthy executor for the task in the given mode. It blocks
// waiting for a free slot; it never fails for capacity. Unsupported modes
// fail immediately with mode-unsupported.
func (p *Provider) Get(ctx context.Context, task *types.Task, mode types.ExecutionMode) (executor.Executor, error) {
	if err := p.checkMode(mode); err != nil {
		return nil, err
	}

	if err := p.AcquireSlot(ctx); err != nil {
		return nil, err
	}

	exec, err := p.acquire(mode)
	if err != nil {
		p.ReleaseSlot()
		return nil, err
	}
	return exec, nil
}

// AcquireSlot blocks until a concurrency slot is free or ctx is done.
func (p *Provider) AcquireSlot(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	p.active++
	p.mu.Unlock()
	return nil
}

// ReleaseSlot frees one concurrency slot.
func (p *Provider) ReleaseSlot() {
	p.mu.Lock()
	if p.active > 0 {
		p.active--
	}
	p.mu.Unlock()
	<-p.slots
}

func (p *Provider) checkMode(mode types.ExecutionMode) error {
	switch mode {
	case types.ModeProcessPool:
		if p.newProcess == nil {
			return types.NewError(types.ErrModeUnsupported, "worker does not support process pool execution")
		}
	case types.ModeContainerAgentic:
		if p.newContainer == nil {
			return types.NewError(types.ErrModeUnsupported, "worker does not support container execution")
		}
	default:
		return types.NewError(types.ErrModeUnsupported, fmt.Sprintf("unknown execution mode %q", mode))
	}
	return nil
}

func (p *Provider) acquire(mode types.ExecutionMode) (executor.Executor, error) {
	if mode == types.ModeContainerAgentic {
		return p.newContainer("")
	}

	// Process mode: pop an idle healthy executor, grow the pool up to
	// maxProcesses, or wait for a release.
	for {
		p.mu.Lock()
		for !p.closed && len(p.idleProcs) == 0 && p.procCount >= p.cfg.Process.MaxProcesses {
			p.cond.Wait()
		}
		if p.closed {
			p.mu.Unlock()
			return nil, types.NewError(types.ErrExecutorTerminated, "provider is shut down")
		}
		if n := len(p.idleProcs); n > 0 {
			exec := p.idleProcs[n-1]
			p.idleProcs = p.idleProcs[:n-1]
			p.mu.Unlock()

			if exec.Healthy() {
				return exec, nil
			}
			// Unhealthy pooled process: evict and retry.
			_ = exec.Terminate()
			p.retireProcess()
			continue
		}
		p.procCount++
		p.mu.Unlock()

		exec, err := p.newProcess()
		if err != nil {
			p.retireProcess()
			return nil, err
		}
		return exec, nil
	}
}

// retireProcess drops one live process from the pool count and wakes a
// waiter blocked on the maxProcesses bound.
func (p *Provider) retireProcess() {
	p.mu.Lock()
	p.procCount--
	p.cond.Signal()
	p.mu.Unlock()
}

// CreateSessionExecutor builds a container executor bound to a session. The
// executor is owned by the session and does not consume a slot; each
// session execute acquires a slot around the call.
func (p *Provider) CreateSessionExecutor(session *types.Session) (executor.Executor, error) {
	if p.newContainer == nil {
		return nil, types.NewError(types.ErrModeUnsupported, "worker does not support container execution")
	}
	return p.newContainer(session.ID)
}

// Release returns the executor to the pool (process mode, healthy) or
// terminates it (container mode, or unhealthy process), then frees the slot.
func (p *Provider) Release(exec executor.Executor) {
	defer p.ReleaseSlot()

	status := exec.Status()
	if status.Mode == types.ModeProcessPool {
		reuse := p.cfg.Process != nil && p.cfg.Process.ReuseProcesses
		p.mu.Lock()
		if !p.closed && reuse && exec.Healthy() && len(p.idleProcs) < p.cfg.Process.MaxProcesses {
			p.idleProcs = append(p.idleProcs, exec)
			p.cond.Signal()
			p.mu.Unlock()
			return
		}
		p.procCount--
		p.cond.Signal()
		p.mu.Unlock()
	}

	if err := exec.Terminate(); err != nil {
		p.logger.Warn().Err(err).Str("executor_id", status.ID).Msg("executor terminate failed")
	}
}

// Cleanup terminates every pooled executor. Idempotent; called on worker
// shutdown.
func (p *Provider) Cleanup() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idleProcs
	p.idleProcs = nil
	p.procCount = 0
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, exec := range idle {
		_ = exec.Terminate()
	}
	p.logger.Info().Int("terminated", len(idle)).Msg("provider cleaned up")
}

// Healthy reports whether at least one mode can still produce an executor.
func (p *Provider) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	return p.newProcess != nil || p.newContainer != nil
}

// Stats returns a snapshot of pool state.
func (p *Provider) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		ActiveSlots:   p.active,
		MaxSlots:      p.cfg.MaxConcurrent,
		IdleProcesses: len(p.idleProcs),
		PoolProcesses: p.procCount,
		DefaultMode:   p.cfg.DefaultMode,
	}
}
