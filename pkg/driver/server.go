package driver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/scheduler"
	"github.com/cuemby/foreman/pkg/types"
)

// ServerConfig holds the driver API listener options.
type ServerConfig struct {
	Addr       string
	CORSOrigin string
}

// Server is the driver's client-facing HTTP API.
type Server struct {
	driver    *Driver
	cfg       ServerConfig
	logger    zerolog.Logger
	registry  *metrics.Registry
	collector *metrics.Collector
	upgrader  websocket.Upgrader
	srv       *http.Server
}

// NewServer wires the driver to an HTTP listener and the metrics registry.
func NewServer(d *Driver, cfg ServerConfig) *Server {
	s := &Server{
		driver:   d,
		cfg:      cfg,
		logger:   log.WithComponent("driver-server"),
		registry: metrics.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.collector = metrics.NewCollector(s.registry, d.cfg.StatsInterval, func() metrics.Snapshot {
		stats := d.Stats()
		return metrics.Snapshot{
			RunningTasks:   stats.RunningTasks,
			QueuedTasks:    stats.QueuedTasks,
			Workers:        stats.TotalWorkers,
			HealthyWorkers: stats.HealthyWorkers,
			ActiveSessions: stats.ActiveSessions,
		}
	})
	s.srv = &http.Server{
		Addr:        cfg.Addr,
		Handler:     s.Routes(),
		ReadTimeout: 30 * time.Second,
	}
	return s
}

// Routes builds the API router. Exposed so tests can drive it with httptest.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware)

	r.HandleFunc("/tasks", s.handleSubmitTask).Methods(http.MethodPost)
	r.HandleFunc("/tasks/batch", s.handleSubmitBatch).Methods(http.MethodPost)
	r.HandleFunc("/tasks", s.handleListTasks).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}", s.handleTaskStatus).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}/result", s.handleTaskResult).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}/progress", s.handleTaskProgress).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}", s.handleCancelTask).Methods(http.MethodDelete)

	r.HandleFunc("/workers", s.handleRegisterWorker).Methods(http.MethodPost)
	r.HandleFunc("/workers", s.handleListWorkers).Methods(http.MethodGet)
	r.HandleFunc("/workers/{id}", s.handleGetWorker).Methods(http.MethodGet)
	r.HandleFunc("/workers/{id}/health", s.handleWorkerHealth).Methods(http.MethodGet)
	r.HandleFunc("/workers/{id}", s.handleUnregisterWorker).Methods(http.MethodDelete)

	r.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", s.handleGetSession).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", s.handleEndSession).Methods(http.MethodDelete)

	r.HandleFunc("/driver", s.handleDriverInfo).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", s.registry.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/scheduler/stats", s.handleSchedulerStats).Methods(http.MethodGet)
	r.HandleFunc("/scheduler/queue", s.handleSchedulerQueue).Methods(http.MethodGet)
	r.HandleFunc("/scheduler/plans", s.handleSchedulerPlans).Methods(http.MethodGet)
	r.HandleFunc("/scheduler/strategy", s.handleSetStrategy).Methods(http.MethodPut)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.handleLive).Methods(http.MethodGet)

	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	return r
}

// Start launches the listener and the metrics plumbing.
func (s *Server) Start() error {
	s.collector.Start()
	go s.consumeEvents()
	s.logger.Info().Str("addr", s.srv.Addr).Msg("driver API listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the listener and collector down.
func (s *Server) Stop() {
	s.collector.Stop()
	_ = s.srv.Close()
}

// consumeEvents feeds event-driven counters.
func (s *Server) consumeEvents() {
	sub := s.driver.Broker().Subscribe()
	defer s.driver.Broker().Unsubscribe(sub)
	for event := range sub {
		switch event.Type {
		case events.EventTaskSubmitted:
			s.registry.TasksSubmitted.Inc()
		case events.EventTaskCompleted:
			s.registry.TasksTerminal.WithLabelValues(string(types.TaskStatusCompleted)).Inc()
			if result, err := s.driver.GetTaskResult(event.TaskID); err == nil && result.Metrics != nil {
				s.registry.TaskDuration.Observe(result.Metrics.Duration.Seconds())
			}
		case events.EventTaskFailed:
			s.registry.TasksTerminal.WithLabelValues(string(types.TaskStatusFailed)).Inc()
		case events.EventTaskCancelled:
			s.registry.TasksTerminal.WithLabelValues(string(types.TaskStatusCancelled)).Inc()
		case events.EventSessionExpired:
			s.registry.SessionsExpired.Inc()
		}
	}
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.CORSOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.cfg.CORSOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var task types.Task
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeError(w, types.NewError(types.ErrValidation, "invalid request body: "+err.Error()))
		return
	}
	if err := s.driver.SubmitTask(&task); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": task.ID, "status": "accepted"})
}

type batchRequest struct {
	Tasks    []*types.Task `json:"tasks"`
	Parallel *bool         `json:"parallel,omitempty"`
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewError(types.ErrValidation, "invalid request body: "+err.Error()))
		return
	}
	if len(req.Tasks) == 0 {
		writeError(w, types.NewError(types.ErrValidation, "tasks are required"))
		return
	}
	items := s.driver.SubmitBatch(req.Tasks)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"items": items})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	stats := s.driver.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":     stats.TotalTasks,
		"running":   s.driver.RunningTasks(),
		"queued":    stats.QueuedTasks,
		"completed": stats.CompletedTasks,
		"failed":    stats.FailedTasks,
	})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	progress, err := s.driver.GetTaskProgress(id)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := map[string]interface{}{
		"taskId":   id,
		"status":   progress.Status,
		"progress": progress.Progress,
	}
	if progress.CurrentStep != "" {
		resp["currentStep"] = progress.CurrentStep
	}
	if !progress.StartTime.IsZero() {
		resp["startTime"] = progress.StartTime
		if progress.Progress > 0 && !progress.Status.Terminal() {
			elapsed := time.Since(progress.StartTime)
			remaining := time.Duration(float64(elapsed) * (1 - progress.Progress) / progress.Progress)
			resp["estimatedTimeRemaining"] = remaining.String()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	result, err := s.driver.GetTaskResult(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleTaskProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.driver.GetTaskProgress(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.driver.CancelTask(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"taskId": id, "status": "cancelled"})
}

type registerWorkerRequest struct {
	Worker *types.WorkerInfo `json:"worker"`
}

func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewError(types.ErrValidation, "invalid request body: "+err.Error()))
		return
	}
	if req.Worker == nil {
		writeError(w, types.NewError(types.ErrValidation, "worker is required"))
		return
	}
	if err := s.driver.RegisterWorker(req.Worker); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"workerId": req.Worker.ID, "status": "registered"})
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"workers": s.driver.Workers()})
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := s.driver.GetWorker(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *Server) handleWorkerHealth(w http.ResponseWriter, r *http.Request) {
	worker, err := s.driver.GetWorker(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, worker.Health)
}

func (s *Server) handleUnregisterWorker(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.driver.UnregisterWorker(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"workerId": id, "status": "unregistered"})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var opts types.SessionOptions
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			writeError(w, types.NewError(types.ErrValidation, "invalid request body: "+err.Error()))
			return
		}
	}
	session, err := s.driver.CreateSession(&opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": s.driver.ActiveSessions()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.driver.GetSession(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.driver.EndSession(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": id, "status": "ended"})
}

func (s *Server) handleDriverInfo(w http.ResponseWriter, r *http.Request) {
	stats := s.driver.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"driverId": stats.DriverID,
		"uptime":   stats.Uptime.String(),
		"strategy": s.driver.Scheduler().Strategy(),
		"stats":    stats,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.driver.Stats())
}

func (s *Server) handleSchedulerStats(w http.ResponseWriter, r *http.Request) {
	sched := s.driver.Scheduler()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"strategy":       sched.Strategy(),
		"queueDepth":     sched.QueueDepth(),
		"scheduledTotal": sched.ScheduledTotal(),
	})
}

func (s *Server) handleSchedulerQueue(w http.ResponseWriter, r *http.Request) {
	snapshot := s.driver.Scheduler().QueueSnapshot()
	type entry struct {
		TaskID     string    `json:"taskId"`
		Priority   string    `json:"priority"`
		QueuedAt   time.Time `json:"queuedAt"`
		RetryCount int       `json:"retryCount"`
		Assigned   bool      `json:"assigned"`
		WorkerID   string    `json:"workerId,omitempty"`
	}
	entries := make([]entry, 0, len(snapshot))
	for _, qt := range snapshot {
		entries = append(entries, entry{
			TaskID:     qt.Task.ID,
			Priority:   string(qt.Task.Priority),
			QueuedAt:   qt.QueuedAt,
			RetryCount: qt.RetryCount,
			Assigned:   qt.Assigned,
			WorkerID:   qt.WorkerID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"queue": entries})
}

func (s *Server) handleSchedulerPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"plans": s.driver.Scheduler().RecentPlans()})
}

func (s *Server) handleSetStrategy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Strategy scheduler.Strategy `json:"strategy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewError(types.ErrValidation, "invalid request body: "+err.Error()))
		return
	}
	if err := s.driver.Scheduler().SetStrategy(req.Strategy); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"strategy": string(req.Strategy)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.driver.stopCh:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "stopping"})
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleEvents streams broker events over a websocket.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := s.driver.Broker().Subscribe()
	defer s.driver.Broker().Unsubscribe(sub)

	// Drain client frames so pings and close messages are handled.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-sub:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-done:
			return
		case <-s.driver.stopCh:
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps typed errors onto the protocol's flat error envelope.
func writeError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	writeJSON(w, kind.HTTPStatus(), map[string]string{
		"error":   string(kind),
		"message": err.Error(),
	})
}
