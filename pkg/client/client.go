package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/foreman/pkg/driver"
	"github.com/cuemby/foreman/pkg/types"
)

// Client talks to the driver's HTTP API.
type Client struct {
	endpoint string
	http     *http.Client
}

// New creates a client for the driver at endpoint.
func New(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: timeout},
	}
}

// SubmitTask submits one task.
func (c *Client) SubmitTask(ctx context.Context, task *types.Task) error {
	return c.do(ctx, http.MethodPost, "/tasks", task, nil)
}

// SubmitBatch submits many tasks and returns per-item outcomes.
func (c *Client) SubmitBatch(ctx context.Context, tasks []*types.Task) ([]driver.BatchItem, error) {
	var resp struct {
		Items []driver.BatchItem `json:"items"`
	}
	body := map[string]interface{}{"tasks": tasks}
	if err := c.do(ctx, http.MethodPost, "/tasks/batch", body, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// TaskSummary is the driver's aggregated task listing.
type TaskSummary struct {
	Total     int                   `json:"total"`
	Running   []*types.TaskProgress `json:"running"`
	Queued    int                   `json:"queued"`
	Completed int                   `json:"completed"`
	Failed    int                   `json:"failed"`
}

// Tasks returns the aggregated task listing.
func (c *Client) Tasks(ctx context.Context) (*TaskSummary, error) {
	var summary TaskSummary
	if err := c.do(ctx, http.MethodGet, "/tasks", nil, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// TaskStatus returns the live status view of a task.
func (c *Client) TaskStatus(ctx context.Context, taskID string) (map[string]interface{}, error) {
	var status map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/tasks/"+taskID, nil, &status); err != nil {
		return nil, err
	}
	return status, nil
}

// TaskResult returns the terminal result of a task.
func (c *Client) TaskResult(ctx context.Context, taskID string) (*types.TaskResult, error) {
	var result types.TaskResult
	if err := c.do(ctx, http.MethodGet, "/tasks/"+taskID+"/result", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// TaskProgress returns the progress record of a task.
func (c *Client) TaskProgress(ctx context.Context, taskID string) (*types.TaskProgress, error) {
	var progress types.TaskProgress
	if err := c.do(ctx, http.MethodGet, "/tasks/"+taskID+"/progress", nil, &progress); err != nil {
		return nil, err
	}
	return &progress, nil
}

// CancelTask cancels a task.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodDelete, "/tasks/"+taskID, nil, nil)
}

// RegisterWorker registers a worker with the driver.
func (c *Client) RegisterWorker(ctx context.Context, worker *types.WorkerInfo) error {
	body := map[string]interface{}{"worker": worker}
	return c.do(ctx, http.MethodPost, "/workers", body, nil)
}

// UnregisterWorker removes a worker from the driver's registry.
func (c *Client) UnregisterWorker(ctx context.Context, workerID string) error {
	return c.do(ctx, http.MethodDelete, "/workers/"+workerID, nil, nil)
}

// Workers lists the driver's registered workers.
func (c *Client) Workers(ctx context.Context) ([]*types.WorkerInfo, error) {
	var resp struct {
		Workers []*types.WorkerInfo `json:"workers"`
	}
	if err := c.do(ctx, http.MethodGet, "/workers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Workers, nil
}

// Stats returns the driver's aggregated stats.
func (c *Client) Stats(ctx context.Context) (*driver.Stats, error) {
	var stats driver.Stats
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// CreateSession creates a container session.
func (c *Client) CreateSession(ctx context.Context, opts *types.SessionOptions) (*types.Session, error) {
	var session types.Session
	if err := c.do(ctx, http.MethodPost, "/sessions", opts, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// EndSession terminates a session.
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+sessionID, nil, nil)
}

// Health checks the driver's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// errorEnvelope is the driver's flat error body: the kind under "error",
// the human-readable text under "message".
type errorEnvelope struct {
	Error   types.ErrorKind `json:"error"`
	Message string          `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
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
		return fmt.Errorf("driver request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope errorEnvelope
		if decodeErr := json.NewDecoder(resp.Body).Decode(&envelope); decodeErr == nil && envelope.Error != "" {
			return types.NewError(envelope.Error, envelope.Message)
		}
		return types.NewError(types.ErrInternal, fmt.Sprintf("driver returned status %d", resp.StatusCode))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode driver response: %w", err)
		}
	}
	return nil
}
