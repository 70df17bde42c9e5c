package driver

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/types"
)

func newAPIServer(t *testing.T, d *Driver) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(d, ServerConfig{}).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func apiPost(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	return resp
}

func apiDecode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestAPISubmitAndResult(t *testing.T) {
	d := newTestDriver(t, nil)
	require.NoError(t, d.RegisterWorker(startStubWorker(t, "w1", stubOpts{})))
	srv := newAPIServer(t, d)

	resp := apiPost(t, srv.URL+"/tasks", driverTask("t1"))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted map[string]string
	apiDecode(t, resp, &accepted)
	assert.Equal(t, "t1", accepted["taskId"])

	waitResult(t, d, "t1")

	resp, err := http.Get(srv.URL + "/tasks/t1/result")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result types.TaskResult
	apiDecode(t, resp, &result)
	assert.Equal(t, types.TaskStatusCompleted, result.Status)
	assert.Equal(t, "done", result.Output)

	resp, err = http.Get(srv.URL + "/tasks/t1")
	require.NoError(t, err)
	var status map[string]interface{}
	apiDecode(t, resp, &status)
	assert.Equal(t, string(types.TaskStatusCompleted), status["status"])
	assert.Equal(t, 1.0, status["progress"])
}

func TestAPIErrorEnvelope(t *testing.T) {
	d := newTestDriver(t, nil)
	srv := newAPIServer(t, d)

	resp, err := http.Get(srv.URL + "/tasks/missing")
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	apiDecode(t, resp, &envelope)
	assert.Equal(t, string(types.ErrNotFound), envelope.Error)
	assert.NotEmpty(t, envelope.Message)

	resp = apiPost(t, srv.URL+"/tasks", &types.Task{ID: "bad"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestAPIBatch(t *testing.T) {
	d := newTestDriver(t, nil)
	require.NoError(t, d.RegisterWorker(startStubWorker(t, "w1", stubOpts{})))
	srv := newAPIServer(t, d)

	resp := apiPost(t, srv.URL+"/tasks/batch", batchRequest{
		Tasks: []*types.Task{driverTask("t1"), driverTask("t2")},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var body struct {
		Items []BatchItem `json:"items"`
	}
	apiDecode(t, resp, &body)
	require.Len(t, body.Items, 2)
	assert.Equal(t, "accepted", body.Items[0].Status)

	resp = apiPost(t, srv.URL+"/tasks/batch", batchRequest{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestAPIWorkerRegistry(t *testing.T) {
	d := newTestDriver(t, nil)
	srv := newAPIServer(t, d)

	info := startStubWorker(t, "w1", stubOpts{})
	resp := apiPost(t, srv.URL+"/workers", registerWorkerRequest{Worker: info})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/workers/w1")
	require.NoError(t, err)
	var got types.WorkerInfo
	apiDecode(t, resp, &got)
	assert.Equal(t, "w1", got.ID)
	assert.Equal(t, info.Endpoint, got.Endpoint)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/workers/w1", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/workers/w1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPISchedulerEndpoints(t *testing.T) {
	d := newTestDriver(t, nil)
	srv := newAPIServer(t, d)

	require.NoError(t, d.SubmitTask(driverTask("t1")))

	resp, err := http.Get(srv.URL + "/scheduler/stats")
	require.NoError(t, err)
	var stats map[string]interface{}
	apiDecode(t, resp, &stats)
	assert.Equal(t, "capability-based", stats["strategy"])
	assert.Equal(t, 1.0, stats["queueDepth"])

	resp, err = http.Get(srv.URL + "/scheduler/queue")
	require.NoError(t, err)
	var queue struct {
		Queue []map[string]interface{} `json:"queue"`
	}
	apiDecode(t, resp, &queue)
	require.Len(t, queue.Queue, 1)
	assert.Equal(t, "t1", queue.Queue[0]["taskId"])

	req, err := http.NewRequest(http.MethodPut, srv.URL+"/scheduler/strategy", strings.NewReader(`{"strategy":"least-loaded"}`))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "least-loaded", string(d.Scheduler().Strategy()))

	req, err = http.NewRequest(http.MethodPut, srv.URL+"/scheduler/strategy", strings.NewReader(`{"strategy":"best-effort"}`))
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPIHealthAndMetrics(t *testing.T) {
	d := newTestDriver(t, nil)
	srv := newAPIServer(t, d)

	for _, path := range []string{"/health", "/health/ready", "/health/live", "/stats", "/driver", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err, path)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestMetricsObserveTaskLifecycle(t *testing.T) {
	d := newTestDriver(t, nil)
	require.NoError(t, d.RegisterWorker(startStubWorker(t, "w1", stubOpts{})))

	s := NewServer(d, ServerConfig{})
	go s.consumeEvents()
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)

	// Give the consumer a moment to register its broker subscription.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, d.SubmitTask(driverTask("t1")))
	waitResult(t, d, "t1")

	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/metrics")
		if err != nil {
			return false
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return false
		}
		return strings.Contains(string(body), "foreman_tasks_submitted_total 1") &&
			strings.Contains(string(body), "foreman_task_duration_seconds_count 1")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAPIEventsWebsocket(t *testing.T) {
	d := newTestDriver(t, nil)
	srv := newAPIServer(t, d)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the handler a moment to register its broker subscription.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, d.SubmitTask(driverTask("t1")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var event events.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, events.EventTaskSubmitted, event.Type)
	assert.Equal(t, "t1", event.TaskID)
}
