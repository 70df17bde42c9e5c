package config

import (
	"fmt"
	"os"
	"time"

	units "github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/foreman/pkg/types"
)

// SchedulerConfig is the scheduler section of the driver config file.
// Durations are expressed in seconds in the file.
type SchedulerConfig struct {
	LoadBalancingStrategy string                        `yaml:"loadBalancingStrategy"`
	PriorityWeights       map[string]int                `yaml:"priorityWeights,omitempty"`
	CategoryAffinities    map[string]map[string]float64 `yaml:"categoryAffinities,omitempty"`
	RetryAttempts         int                           `yaml:"retryAttempts"`
	RetryDelaySeconds     int                           `yaml:"retryDelay"`
}

// RetryDelay converts the file value to a Duration.
func (c *SchedulerConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// Weights converts the file's priority map to typed weights, falling back
// to the defaults for priorities the file omits.
func (c *SchedulerConfig) Weights() map[types.TaskPriority]int {
	weights := types.DefaultPriorityWeights()
	for name, weight := range c.PriorityWeights {
		weights[types.TaskPriority(name)] = weight
	}
	return weights
}

// Affinities converts the file's affinity table to typed keys.
func (c *SchedulerConfig) Affinities() map[string]map[types.TaskCategory]float64 {
	if len(c.CategoryAffinities) == 0 {
		return nil
	}
	out := make(map[string]map[types.TaskCategory]float64, len(c.CategoryAffinities))
	for workerID, byCategory := range c.CategoryAffinities {
		m := make(map[types.TaskCategory]float64, len(byCategory))
		for category, affinity := range byCategory {
			m[types.TaskCategory(category)] = affinity
		}
		out[workerID] = m
	}
	return out
}

// DriverConfig is the driver's YAML configuration.
type DriverConfig struct {
	DriverID   string `yaml:"driverId"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	CORSOrigin string `yaml:"corsOrigin"`

	MaxConcurrentTasks int `yaml:"maxConcurrentTasks"`

	TaskTimeoutSeconds              int `yaml:"taskTimeout"`
	WorkerHealthCheckIntervalSecond int `yaml:"workerHealthCheckInterval"`
	ResultAggregationTimeoutSeconds int `yaml:"resultAggregationTimeout"`

	EnableTaskDecomposition *bool `yaml:"enableTaskDecomposition,omitempty"`
	EnableResultMerging     *bool `yaml:"enableResultMerging,omitempty"`
	RetryFailedTasks        *bool `yaml:"retryFailedTasks,omitempty"`

	DataDir string `yaml:"dataDir,omitempty"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// DefaultDriver returns the driver defaults.
func DefaultDriver() *DriverConfig {
	return &DriverConfig{
		DriverID:                        "driver",
		Host:                            "0.0.0.0",
		Port:                            8080,
		MaxConcurrentTasks:              32,
		TaskTimeoutSeconds:              600,
		WorkerHealthCheckIntervalSecond: 30,
		ResultAggregationTimeoutSeconds: 60,
		Scheduler: SchedulerConfig{
			LoadBalancingStrategy: "capability-based",
			RetryAttempts:         3,
			RetryDelaySeconds:     5,
		},
	}
}

// LoadDriver reads a driver config file over the defaults. An empty path
// returns the defaults.
func LoadDriver(path string) (*DriverConfig, error) {
	cfg := DefaultDriver()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Addr returns the listen address.
func (c *DriverConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TaskTimeout converts the file value to a Duration.
func (c *DriverConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

// HealthInterval converts the file value to a Duration.
func (c *DriverConfig) HealthInterval() time.Duration {
	return time.Duration(c.WorkerHealthCheckIntervalSecond) * time.Second
}

// AggregationTimeout bounds worker requests made while collecting results.
func (c *DriverConfig) AggregationTimeout() time.Duration {
	return time.Duration(c.ResultAggregationTimeoutSeconds) * time.Second
}

// Decomposition reports whether task decomposition is on. Defaults to true.
func (c *DriverConfig) Decomposition() bool {
	return c.EnableTaskDecomposition == nil || *c.EnableTaskDecomposition
}

// Merging reports whether result merging is on. Defaults to true.
func (c *DriverConfig) Merging() bool {
	return c.EnableResultMerging == nil || *c.EnableResultMerging
}

// Retries reports whether failed tasks retry. Defaults to true.
func (c *DriverConfig) Retries() bool {
	return c.RetryFailedTasks == nil || *c.RetryFailedTasks
}

// ResourceLimitsConfig carries human-readable resource caps; memory uses
// docker-style strings ("512m", "2g").
type ResourceLimitsConfig struct {
	Memory         string `yaml:"memory,omitempty"`
	CPU            int64  `yaml:"cpu,omitempty"`
	TimeoutSeconds int    `yaml:"timeout,omitempty"`
}

// Parse converts the file values to typed limits.
func (c *ResourceLimitsConfig) Parse() (*types.ResourceLimits, error) {
	limits := &types.ResourceLimits{
		CPUShares: c.CPU,
		Timeout:   time.Duration(c.TimeoutSeconds) * time.Second,
	}
	if c.Memory != "" {
		bytes, err := units.RAMInBytes(c.Memory)
		if err != nil {
			return nil, fmt.Errorf("invalid memory limit %q: %w", c.Memory, err)
		}
		limits.MemoryBytes = bytes
	}
	return limits, nil
}

// ProcessPoolConfig is the process-pool section of the worker config.
type ProcessPoolConfig struct {
	MaxProcesses          int    `yaml:"maxProcesses"`
	ProcessTimeoutSeconds int    `yaml:"processTimeout"`
	AgentPath             string `yaml:"agentPath"`
	WorkspaceRoot         string `yaml:"workspaceRoot,omitempty"`
	ReuseProcesses        bool   `yaml:"reuseProcesses"`
}

// ContainerConfig is the container section of the worker config.
type ContainerConfig struct {
	Orchestrator   string               `yaml:"orchestrator"`
	Image          string               `yaml:"image"`
	ResourceLimits ResourceLimitsConfig `yaml:"resourceLimits"`
	Env            map[string]string    `yaml:"env,omitempty"`
	AutoRemove     *bool                `yaml:"autoRemove,omitempty"`
	Credential     string               `yaml:"credential,omitempty"`
}

// WorkerConfig is the worker's YAML configuration.
type WorkerConfig struct {
	WorkerID string `yaml:"workerId"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`

	DriverEndpoint string `yaml:"driverEndpoint,omitempty"`

	MaxConcurrentTasks    int      `yaml:"maxConcurrentTasks"`
	RequestTimeoutSeconds int      `yaml:"requestTimeout"`
	ExecutionMode         string   `yaml:"executionMode"`
	Categories            []string `yaml:"categories,omitempty"`

	ProcessPool *ProcessPoolConfig `yaml:"processPool,omitempty"`
	Container   *ContainerConfig   `yaml:"container,omitempty"`
}

// DefaultWorker returns the worker defaults.
func DefaultWorker() *WorkerConfig {
	return &WorkerConfig{
		Host:                  "0.0.0.0",
		Port:                  8081,
		MaxConcurrentTasks:    4,
		RequestTimeoutSeconds: 30,
		ExecutionMode:         string(types.ModeProcessPool),
	}
}

// LoadWorker reads a worker config file over the defaults.
func LoadWorker(path string) (*WorkerConfig, error) {
	cfg := DefaultWorker()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *WorkerConfig) validate() error {
	if c.ProcessPool == nil && c.Container == nil {
		return types.NewError(types.ErrValidation, "worker config needs a processPool or container section")
	}
	if c.Container != nil && c.Container.Orchestrator != "" && c.Container.Orchestrator != "docker" {
		return types.NewError(types.ErrValidation, fmt.Sprintf("unsupported orchestrator %q", c.Container.Orchestrator))
	}
	switch types.ExecutionMode(c.ExecutionMode) {
	case types.ModeProcessPool, types.ModeContainerAgentic, "":
	default:
		return types.NewError(types.ErrValidation, fmt.Sprintf("unknown execution mode %q", c.ExecutionMode))
	}
	return nil
}

// Addr returns the listen address.
func (c *WorkerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RequestTimeout converts the file value to a Duration.
func (c *WorkerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// TaskCategories converts the category names to typed values, defaulting
// to all categories.
func (c *WorkerConfig) TaskCategories() []types.TaskCategory {
	if len(c.Categories) == 0 {
		return types.Categories()
	}
	out := make([]types.TaskCategory, 0, len(c.Categories))
	for _, name := range c.Categories {
		out = append(out, types.TaskCategory(name))
	}
	return out
}
