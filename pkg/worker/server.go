package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/types"
)

// Server exposes the worker's HTTP control plane to the driver.
type Server struct {
	worker *Worker
	logger zerolog.Logger
	srv    *http.Server
}

// NewServer wires a worker to an HTTP listener address.
func NewServer(w *Worker, addr string) *Server {
	s := &Server{
		worker: w,
		logger: log.WithComponent("worker-server"),
	}
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // session executes are synchronous and long
	}
	return s
}

// Routes builds the worker's router. Exposed separately so tests can drive
// it with httptest.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recoverMiddleware)

	r.HandleFunc("/tasks", s.handleSubmitTask).Methods(http.MethodPost)
	r.HandleFunc("/tasks/{id}", s.handleTaskStatus).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}", s.handleCancelTask).Methods(http.MethodDelete)

	r.HandleFunc("/sessions", s.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/execute", s.handleSessionExecute).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}", s.handleEndSession).Methods(http.MethodDelete)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/capabilities", s.handleCapabilities).Methods(http.MethodGet)

	return r
}

// Start runs the HTTP server until Stop is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.srv.Addr).Msg("worker server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the listener down and then the worker itself.
func (s *Server) Stop() {
	_ = s.srv.Close()
	s.worker.Shutdown()
}

// A task handler must never take the worker down.
func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panicked")
				writeError(w, types.NewError(types.ErrInternal, fmt.Sprintf("internal error: %v", rec)))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type submitRequest struct {
	Task    *types.Task           `json:"task"`
	Options *types.ExecuteOptions `json:"options,omitempty"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewError(types.ErrValidation, "invalid request body: "+err.Error()))
		return
	}
	if req.Task == nil {
		writeError(w, types.NewError(types.ErrValidation, "task is required"))
		return
	}

	if err := s.worker.Submit(req.Task, req.Options); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"taskId": req.Task.ID,
		"status": "accepted",
	})
}

// taskStatusResponse merges the progress view with result fields once the
// task is terminal.
type taskStatusResponse struct {
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

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	progress, err := s.worker.Progress(id)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := taskStatusResponse{
		TaskID:      id,
		Status:      progress.Status,
		Progress:    progress.Progress,
		CurrentStep: progress.CurrentStep,
	}
	if result, _ := s.worker.Result(id); result != nil {
		resp.Output = result.Output
		resp.Error = result.Error
		resp.ErrorKind = result.ErrorKind
		resp.Artifacts = result.Artifacts
		resp.Metadata = result.Metadata
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.worker.Cancel(id)
	writeJSON(w, http.StatusOK, map[string]string{
		"taskId": id,
		"status": "cancelled",
	})
}

type createSessionRequest struct {
	SessionID string                `json:"sessionId,omitempty"`
	Options   *types.SessionOptions `json:"options,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewError(types.ErrValidation, "invalid request body: "+err.Error()))
		return
	}

	session, err := s.worker.CreateSession(req.SessionID, req.Options)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"sessionId": session.ID,
		"endpoint":  "/sessions/" + session.ID + "/execute",
	})
}

func (s *Server) handleSessionExecute(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, types.NewError(types.ErrValidation, "invalid request body: "+err.Error()))
		return
	}
	if req.Task == nil {
		writeError(w, types.NewError(types.ErrValidation, "task is required"))
		return
	}

	result, err := s.worker.ExecuteInSession(r.Context(), id, req.Task, req.Options)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.worker.EndSession(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"sessionId": id,
		"status":    "ended",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.worker.HealthSnapshot())
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.worker.Capabilities())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps typed errors onto the protocol's flat error envelope and
// HTTP status. Untyped errors are reported as internal.
func writeError(w http.ResponseWriter, err error) {
	kind := types.KindOf(err)
	writeJSON(w, kind.HTTPStatus(), map[string]string{
		"error":   string(kind),
		"message": err.Error(),
	})
}
