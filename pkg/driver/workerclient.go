package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/foreman/pkg/types"
)

// workerClient speaks the worker control-plane protocol. One client is
// cached per registered worker.
type workerClient struct {
	endpoint string
	http     *http.Client
}

func newWorkerClient(endpoint string, timeout time.Duration) *workerClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &workerClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: timeout},
	}
}

// workerTaskStatus mirrors the worker's GET /tasks/{id} response.
type workerTaskStatus struct {
	TaskID      string            `json:"taskId"`
	Status      types.TaskStatus  `json:"status"`
	Progress    float64           `json:"progress"`
	CurrentStep string            `json:"currentStep,omitempty"`
	Output      string            `json:"output,omitempty"`
	Error       string            `json:"error,omitempty"`
	ErrorKind   types.ErrorKind   `json:"errorKind,omitempty"`
	Artifacts   []*types.Artifact `json:"artifacts,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (c *workerClient) submitTask(ctx context.Context, task *types.Task, opts *types.ExecuteOptions) error {
	body := map[string]interface{}{"task": task}
	if opts != nil {
		body["options"] = opts
	}
	return c.do(ctx, http.MethodPost, "/tasks", body, nil)
}

func (c *workerClient) taskStatus(ctx context.Context, taskID string) (*workerTaskStatus, error) {
	var status workerTaskStatus
	if err := c.do(ctx, http.MethodGet, "/tasks/"+taskID, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *workerClient) cancelTask(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodDelete, "/tasks/"+taskID, nil, nil)
}

func (c *workerClient) createSession(ctx context.Context, sessionID string, opts *types.SessionOptions) error {
	body := map[string]interface{}{"sessionId": sessionID}
	if opts != nil {
		body["options"] = opts
	}
	return c.do(ctx, http.MethodPost, "/sessions", body, nil)
}

func (c *workerClient) executeInSession(ctx context.Context, sessionID string, task *types.Task) (*types.TaskResult, error) {
	var result types.TaskResult
	body := map[string]interface{}{"task": task}
	if err := c.do(ctx, http.MethodPost, "/sessions/"+sessionID+"/execute", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *workerClient) endSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+sessionID, nil, nil)
}

// health pings the worker and returns the observed response time.
func (c *workerClient) health(ctx context.Context) (time.Duration, error) {
	started := time.Now()
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil); err != nil {
		return 0, err
	}
	return time.Since(started), nil
}

func (c *workerClient) capabilities(ctx context.Context) (*types.WorkerCapabilities, error) {
	var caps types.WorkerCapabilities
	if err := c.do(ctx, http.MethodGet, "/capabilities", nil, &caps); err != nil {
		return nil, err
	}
	return &caps, nil
}

// errorEnvelope is the worker's flat error body: the kind under "error",
// the human-readable text under "message".
type errorEnvelope struct {
	Error   types.ErrorKind `json:"error"`
	Message string          `json:"message"`
}

func (c *workerClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return types.NewError(types.ErrWorkerLost, fmt.Sprintf("worker request failed: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope errorEnvelope
		if decodeErr := json.NewDecoder(resp.Body).Decode(&envelope); decodeErr == nil && envelope.Error != "" {
			return types.NewError(envelope.Error, envelope.Message)
		}
		return types.NewError(types.ErrInternal, fmt.Sprintf("worker returned status %d", resp.StatusCode))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode worker response: %w", err)
		}
	}
	return nil
}
