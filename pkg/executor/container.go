package executor

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	containerapi "github.com/docker/docker/api/types/container"
	imageapi "github.com/docker/docker/api/types/image"
	networkapi "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/types"
)

// Container labels applied to every agentic container.
const (
	LabelSession = "foreman.session"
	LabelType    = "foreman.type"
	LabelCreated = "foreman.created"
)

// DefaultWorkspaceDir is the workspace path inside agentic containers.
const DefaultWorkspaceDir = "/workspace"

// DockerClient is the subset of the Docker Engine API the container
// executor uses. Narrowed to an interface to ease testing subtle error
// conditions.
type DockerClient interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (imageapi.InspectResponse, []byte, error)
	ImagePull(ctx context.Context, refStr string, options imageapi.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *containerapi.Config, hostConfig *containerapi.HostConfig, networkingConfig *networkapi.NetworkingConfig, platform *ocispec.Platform, containerName string) (containerapi.CreateResponse, error)
	ContainerAttach(ctx context.Context, container string, options containerapi.AttachOptions) (dockertypes.HijackedResponse, error)
	ContainerStart(ctx context.Context, container string, options containerapi.StartOptions) error
	ContainerWait(ctx context.Context, container string, condition containerapi.WaitCondition) (<-chan containerapi.WaitResponse, <-chan error)
	ContainerStop(ctx context.Context, container string, options containerapi.StopOptions) error
	ContainerRemove(ctx context.Context, container string, options containerapi.RemoveOptions) error
	CopyFromContainer(ctx context.Context, container, srcPath string) (io.ReadCloser, containerapi.PathStat, error)
}

// ContainerConfig holds configuration for a container executor.
type ContainerConfig struct {
	// Image is the agentic base image.
	Image string

	// Entrypoint is the wrapper command run as the container's single
	// process. It validates the environment contract, optionally clones
	// the repository, executes the task, and emits output between the
	// sentinel markers.
	Entrypoint []string

	// SessionID binds the executor to a session. Empty for one-shot tasks.
	SessionID string

	// WorkspaceDir is the workspace path inside the container.
	WorkspaceDir string

	// Credential is the already-authenticated token injected at create time.
	Credential string

	// Env is added to every container's environment.
	Env map[string]string

	// Resources caps the container (memory bytes, CPU shares).
	Resources *types.ResourceLimits

	// AutoRemove lets the engine clean up container disk state on exit.
	AutoRemove bool

	// GracePeriod is the SIGTERM-to-SIGKILL window on stop. Defaults to 10s.
	GracePeriod time.Duration
}

// ContainerExecutor runs each task in a freshly created isolated container.
// A session-bound executor is reused for sequential session tasks; the
// provider never shares one executor across concurrent tasks.
type ContainerExecutor struct {
	id     string
	cli    DockerClient
	cfg    ContainerConfig
	logger zerolog.Logger

	mu             sync.Mutex
	state          State
	healthy        bool
	imagePulled    bool
	containerID    string
	startedAt      time.Time
	tasksCompleted int
}

// NewContainerExecutor builds a container executor. No container exists
// until the first Execute call.
func NewContainerExecutor(cli DockerClient, cfg ContainerConfig) (*ContainerExecutor, error) {
	if cfg.Image == "" {
		return nil, types.NewError(types.ErrValidation, "container image is required")
	}
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = DefaultWorkspaceDir
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}

	e := &ContainerExecutor{
		id:        "ctr-" + uuid.New().String()[:8],
		cli:       cli,
		cfg:       cfg,
		state:     StateIdle,
		healthy:   true,
		startedAt: time.Now(),
	}
	e.logger = log.WithComponent("executor").With().Str("executor_id", e.id).Logger()
	return e, nil
}

// Execute creates one container for the task, attaches to its output
// streams, and blocks until the container exits, the context is done, or
// the executor is terminated.
func (e *ContainerExecutor) Execute(ctx context.Context, task *types.Task) *types.TaskResult {
	started := time.Now()

	e.mu.Lock()
	if e.state == StateTerminated {
		e.mu.Unlock()
		return failedResult(task.ID, types.ErrExecutorTerminated, "executor has been terminated", started)
	}
	e.state = StateExecuting
	e.mu.Unlock()
	defer e.setIdle()

	if timeout := taskTimeout(task); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := e.ensureImage(ctx); err != nil {
		e.markUnhealthy()
		return failedResult(task.ID, types.ErrInternal, fmt.Sprintf("failed to pull image %s: %v", e.cfg.Image, err), started)
	}

	containerID, err := e.createContainer(ctx, task)
	if err != nil {
		e.markUnhealthy()
		return failedResult(task.ID, types.ErrInternal, fmt.Sprintf("failed to create container: %v", err), started)
	}

	e.mu.Lock()
	e.containerID = containerID
	e.mu.Unlock()

	// Attach before start so no output is lost.
	attach, err := e.cli.ContainerAttach(ctx, containerID, containerapi.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		e.markUnhealthy()
		e.removeContainer(containerID)
		return failedResult(task.ID, types.ErrInternal, fmt.Sprintf("failed to attach to container: %v", err), started)
	}
	defer attach.Close()

	var stdout, stderr strings.Builder
	demuxDone := make(chan struct{})
	go func() {
		// The raw attach stream multiplexes stdout and stderr.
		_, _ = stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		close(demuxDone)
	}()

	waitCh, waitErrCh := e.cli.ContainerWait(ctx, containerID, containerapi.WaitConditionNotRunning)

	if err := e.cli.ContainerStart(ctx, containerID, containerapi.StartOptions{}); err != nil {
		e.markUnhealthy()
		e.removeContainer(containerID)
		return failedResult(task.ID, types.ErrInternal, fmt.Sprintf("failed to start container: %v", err), started)
	}

	select {
	case resp := <-waitCh:
		<-demuxDone
		return e.finish(task, containerID, resp.StatusCode, stdout.String(), stderr.String(), started)

	case err := <-waitErrCh:
		e.markUnhealthy()
		e.stopContainer(containerID)
		return failedResult(task.ID, types.ErrInternal, fmt.Sprintf("container wait failed: %v", err), started)

	case <-ctx.Done():
		e.stopContainer(containerID)
		if ctx.Err() == context.DeadlineExceeded {
			return failedResult(task.ID, types.ErrTimedOut, "task execution timed out", started)
		}
		res := failedResult(task.ID, "", "", started)
		res.Status = types.TaskStatusCancelled
		return res
	}
}

func (e *ContainerExecutor) finish(task *types.Task, containerID string, exitCode int64, stdout, stderr string, started time.Time) *types.TaskResult {
	now := time.Now()
	result := &types.TaskResult{
		TaskID: task.ID,
		Metrics: &types.TaskMetrics{
			StartedAt:   started,
			CompletedAt: now,
			Duration:    now.Sub(started),
		},
		Metadata: map[string]string{
			"executorId": e.id,
			"mode":       string(types.ModeContainerAgentic),
			"exitCode":   fmt.Sprintf("%d", exitCode),
		},
	}
	if e.cfg.SessionID != "" {
		result.Metadata["sessionId"] = e.cfg.SessionID
	}

	switch {
	case exitCode == 0:
		result.Status = types.TaskStatusCompleted
		result.Output = extractOutput(stdout)
		result.Artifacts = e.snapshotWorkspace(containerID)
		e.mu.Lock()
		e.tasksCompleted++
		e.mu.Unlock()
	case exitCode == ExitCodeTimeout:
		result.Status = types.TaskStatusFailed
		result.ErrorKind = types.ErrTimedOut
		result.Error = "agent reported timeout"
	default:
		result.Status = types.TaskStatusFailed
		result.ErrorKind = types.ErrInternal
		result.Error = fmt.Sprintf("container exited with code %d: %s", exitCode, lastLine(stderr))
		result.Output = extractOutput(stdout)
	}

	if !e.cfg.AutoRemove {
		e.removeContainer(containerID)
	}
	return result
}

// ensureImage pulls the base image once if it is not present locally.
func (e *ContainerExecutor) ensureImage(ctx context.Context) error {
	e.mu.Lock()
	pulled := e.imagePulled
	e.mu.Unlock()
	if pulled {
		return nil
	}

	if inspect, _, err := e.cli.ImageInspectWithRaw(ctx, e.cfg.Image); err == nil && inspect.ID != "" {
		e.mu.Lock()
		e.imagePulled = true
		e.mu.Unlock()
		return nil
	}

	e.logger.Info().Str("image", e.cfg.Image).Msg("pulling agentic base image")
	rc, err := e.cli.ImagePull(ctx, e.cfg.Image, imageapi.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return err
	}

	e.mu.Lock()
	e.imagePulled = true
	e.mu.Unlock()
	return nil
}

func (e *ContainerExecutor) createContainer(ctx context.Context, task *types.Task) (string, error) {
	env := []string{
		EnvTask + "=" + taskText(task),
		EnvWorkspaceDir + "=" + e.cfg.WorkspaceDir,
	}
	if e.cfg.SessionID != "" {
		env = append(env, EnvSessionID+"="+e.cfg.SessionID)
	}
	if task.Context != nil && task.Context.RepoURL != "" {
		env = append(env, EnvRepoURL+"="+task.Context.RepoURL)
	}
	if e.cfg.Credential != "" {
		env = append(env, EnvCredential+"="+e.cfg.Credential)
	}
	for k, v := range e.cfg.Env {
		env = append(env, k+"="+v)
	}
	if task.Context != nil {
		for k, v := range task.Context.Environment {
			env = append(env, k+"="+v)
		}
	}

	labels := map[string]string{
		LabelType:    "agentic",
		LabelCreated: time.Now().UTC().Format(time.RFC3339),
	}
	if e.cfg.SessionID != "" {
		labels[LabelSession] = e.cfg.SessionID
	}

	config := &containerapi.Config{
		Image:      e.cfg.Image,
		Env:        env,
		Labels:     labels,
		WorkingDir: e.cfg.WorkspaceDir,
	}
	if len(e.cfg.Entrypoint) > 0 {
		config.Cmd = strslice.StrSlice(e.cfg.Entrypoint)
	}

	hostConfig := &containerapi.HostConfig{
		AutoRemove: e.cfg.AutoRemove,
		CapDrop:    strslice.StrSlice{"ALL"},
	}
	if limits := effectiveLimits(task, e.cfg.Resources); limits != nil {
		hostConfig.Resources = containerapi.Resources{
			Memory:    limits.MemoryBytes,
			CPUShares: limits.CPUShares,
		}
	}

	name := containerName(task.ID)
	resp, err := e.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// snapshotWorkspace captures the container workspace as artifacts. The copy
// is best effort: with AutoRemove the container may already be gone.
func (e *ContainerExecutor) snapshotWorkspace(containerID string) []*types.Artifact {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rc, _, err := e.cli.CopyFromContainer(ctx, containerID, e.cfg.WorkspaceDir)
	if err != nil {
		e.logger.Debug().Err(err).Msg("workspace snapshot unavailable")
		return nil
	}
	defer rc.Close()

	var artifacts []*types.Artifact
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			e.logger.Debug().Err(err).Msg("workspace snapshot truncated")
			break
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		h := sha256.New()
		if _, err := io.Copy(h, tr); err != nil {
			continue
		}

		rel := strings.TrimPrefix(hdr.Name, path.Base(e.cfg.WorkspaceDir)+"/")
		artifacts = append(artifacts, &types.Artifact{
			ID:        uuid.New().String(),
			Type:      "file",
			Name:      path.Base(hdr.Name),
			Path:      rel,
			Size:      hdr.Size,
			Hash:      hex.EncodeToString(h.Sum(nil)),
			MIME:      mimeType(hdr.Name),
			CreatedAt: time.Now(),
		})
	}
	return artifacts
}

// stopContainer stops with the grace period; the engine escalates SIGTERM
// to SIGKILL. Residual containers are force removed.
func (e *ContainerExecutor) stopContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.GracePeriod+30*time.Second)
	defer cancel()

	grace := int(e.cfg.GracePeriod.Seconds())
	if err := e.cli.ContainerStop(ctx, containerID, containerapi.StopOptions{Timeout: &grace}); err != nil {
		e.logger.Debug().Err(err).Str("container_id", containerID).Msg("container stop failed")
	}
	e.removeContainer(containerID)
}

func (e *ContainerExecutor) removeContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := e.cli.ContainerRemove(ctx, containerID, containerapi.RemoveOptions{Force: true})
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "no such container") {
		e.logger.Debug().Err(err).Str("container_id", containerID).Msg("container remove failed")
	}
}

// Terminate stops any running container and marks the executor done.
// Idempotent.
func (e *ContainerExecutor) Terminate() error {
	e.mu.Lock()
	if e.state == StateTerminated {
		e.mu.Unlock()
		return nil
	}
	e.state = StateTerminated
	e.healthy = false
	containerID := e.containerID
	e.mu.Unlock()

	if containerID != "" {
		e.stopContainer(containerID)
	}
	e.logger.Debug().Msg("container executor terminated")
	return nil
}

// Healthy reports whether the executor can run another task.
func (e *ContainerExecutor) Healthy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.healthy && e.state != StateTerminated
}

// Status returns a snapshot of the executor.
func (e *ContainerExecutor) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		ID:             e.id,
		Mode:           types.ModeContainerAgentic,
		State:          e.state,
		Uptime:         time.Since(e.startedAt),
		TasksCompleted: e.tasksCompleted,
	}
}

func (e *ContainerExecutor) markUnhealthy() {
	e.mu.Lock()
	e.healthy = false
	e.mu.Unlock()
}

func (e *ContainerExecutor) setIdle() {
	e.mu.Lock()
	if e.state != StateTerminated {
		e.state = StateIdle
	}
	e.mu.Unlock()
}

// effectiveLimits resolves per-task limits over executor defaults.
func effectiveLimits(task *types.Task, fallback *types.ResourceLimits) *types.ResourceLimits {
	if task.Context != nil && task.Context.ResourceLimits != nil {
		return task.Context.ResourceLimits
	}
	return fallback
}

// taskText flattens the task into the TASK environment value.
func taskText(task *types.Task) string {
	if task.Description == "" {
		return task.Title
	}
	return task.Title + "\n\n" + task.Description
}

// containerName derives a stable, engine-safe container name.
func containerName(taskID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, taskID)
	return "foreman-" + safe + "-" + uuid.New().String()[:8]
}
