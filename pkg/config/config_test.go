package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDriverDefaults(t *testing.T) {
	cfg, err := LoadDriver("")
	require.NoError(t, err)
	assert.Equal(t, "driver", cfg.DriverID)
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
	assert.Equal(t, 10*time.Minute, cfg.TaskTimeout())
	assert.Equal(t, 30*time.Second, cfg.HealthInterval())
	assert.True(t, cfg.Decomposition())
	assert.True(t, cfg.Merging())
	assert.True(t, cfg.Retries())
	assert.Equal(t, 3, cfg.Scheduler.RetryAttempts)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.RetryDelay())
}

func TestLoadDriverFile(t *testing.T) {
	path := writeConfig(t, `
driverId: driver-east
port: 9090
taskTimeout: 120
enableTaskDecomposition: false
scheduler:
  loadBalancingStrategy: least-loaded
  retryAttempts: 5
  retryDelay: 10
  priorityWeights:
    critical: 200
  categoryAffinities:
    w1:
      coding: 0.9
`)
	cfg, err := LoadDriver(path)
	require.NoError(t, err)
	assert.Equal(t, "driver-east", cfg.DriverID)
	assert.Equal(t, "0.0.0.0:9090", cfg.Addr())
	assert.Equal(t, 2*time.Minute, cfg.TaskTimeout())
	assert.False(t, cfg.Decomposition())
	assert.Equal(t, "least-loaded", cfg.Scheduler.LoadBalancingStrategy)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.RetryDelay())

	weights := cfg.Scheduler.Weights()
	assert.Equal(t, 200, weights[types.PriorityCritical])
	assert.Equal(t, 75, weights[types.PriorityHigh]) // default kept

	affinities := cfg.Scheduler.Affinities()
	require.Contains(t, affinities, "w1")
	assert.InDelta(t, 0.9, affinities["w1"][types.CategoryCoding], 0.001)
}

func TestLoadWorkerFile(t *testing.T) {
	path := writeConfig(t, `
workerId: worker-1
port: 8085
maxConcurrentTasks: 8
executionMode: container_agentic
categories: [coding, testing]
container:
  orchestrator: docker
  image: foreman/agent:latest
  resourceLimits:
    memory: 512m
    cpu: 512
    timeout: 300
  autoRemove: true
`)
	cfg, err := LoadWorker(path)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", cfg.WorkerID)
	assert.Equal(t, 8, cfg.MaxConcurrentTasks)
	assert.Equal(t, []types.TaskCategory{types.CategoryCoding, types.CategoryTesting}, cfg.TaskCategories())

	limits, err := cfg.Container.ResourceLimits.Parse()
	require.NoError(t, err)
	assert.Equal(t, int64(512*1024*1024), limits.MemoryBytes)
	assert.Equal(t, int64(512), limits.CPUShares)
	assert.Equal(t, 5*time.Minute, limits.Timeout)
}

func TestLoadWorkerRejectsMissingModes(t *testing.T) {
	path := writeConfig(t, `
workerId: worker-1
`)
	_, err := LoadWorker(path)
	require.Error(t, err)
	assert.Equal(t, types.ErrValidation, types.KindOf(err))
}

func TestLoadWorkerRejectsUnknownOrchestrator(t *testing.T) {
	path := writeConfig(t, `
workerId: worker-1
container:
  orchestrator: podman
  image: foreman/agent:latest
`)
	_, err := LoadWorker(path)
	require.Error(t, err)
}

func TestResourceLimitsParseInvalidMemory(t *testing.T) {
	limits := ResourceLimitsConfig{Memory: "lots"}
	_, err := limits.Parse()
	require.Error(t, err)
}

func TestWorkerDefaultCategories(t *testing.T) {
	cfg := DefaultWorker()
	assert.Equal(t, types.Categories(), cfg.TaskCategories())
}
