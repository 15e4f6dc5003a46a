// Package gateway exposes the task manager over HTTP and WebSocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/taskherd/taskherd/internal/events"
	"github.com/taskherd/taskherd/internal/gateway/ws"
	"github.com/taskherd/taskherd/internal/scheduler"
	"github.com/taskherd/taskherd/internal/storage"
	"github.com/taskherd/taskherd/internal/tasks"
)

// Server is the taskherd gateway HTTP server.
type Server struct {
	httpServer *http.Server
	hub        *ws.Hub
	bus        *events.Bus
	manager    *tasks.Manager
	handler    *TaskHandler
	sched      *scheduler.Scheduler
	eventLog   *storage.EventLogger
	host       string
	port       int
}

// Options carries the optional collaborators of a Server.
type Options struct {
	Scheduler *scheduler.Scheduler
	EventLog  *storage.EventLogger
}

// NewServer creates a new gateway server.
func NewServer(bus *events.Bus, manager *tasks.Manager, host string, port int, opts Options) *Server {
	handler := NewTaskHandler(manager)
	hub := ws.NewHub(bus, handler)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	s := &Server{
		hub:      hub,
		bus:      bus,
		manager:  manager,
		handler:  handler,
		sched:    opts.Scheduler,
		eventLog: opts.EventLog,
		host:     host,
		port:     port,
	}

	// Routes
	r.Get("/api/health", s.handleHealth)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/ws", hub.ServeWS)
	r.Get("/api/events", s.handleEvents)

	r.Get("/api/tasks", s.handleListTasks)
	r.Post("/api/tasks", s.handleLaunchTask)
	r.Get("/api/tasks/{id}", s.handleGetTask)
	r.Delete("/api/tasks/{id}", s.handleRemoveTask)
	r.Post("/api/tasks/{id}/status", s.handleUpdateStatus)
	r.Post("/api/tasks/{id}/progress", s.handleUpdateProgress)

	r.Post("/api/resume", s.handleResume)
	r.Get("/api/resume/{sessionID}", s.handleResumeContext)

	r.Get("/api/notifications/{sessionID}", s.handlePeekNotifications)
	r.Delete("/api/notifications/{sessionID}", s.handleDrainNotifications)

	r.Get("/api/schedules", s.handleListSchedules)
	r.Post("/api/schedules", s.handleAddSchedule)
	r.Delete("/api/schedules/{id}", s.handleRemoveSchedule)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: r,
	}

	return s
}

// Start begins listening. It blocks until the server is stopped.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	slog.Info("taskherd gateway listening", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps manager errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var capErr *tasks.CapacityError
	switch {
	case errors.Is(err, tasks.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, tasks.ErrAlreadyTerminal):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.As(err, &capErr):
		writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": err.Error()})
	case errors.Is(err, context.Canceled):
		writeJSON(w, http.StatusRequestTimeout, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	all := s.manager.All()
	var running, queued int
	for _, t := range all {
		switch t.Status {
		case tasks.StatusRunning:
			running++
		case tasks.StatusQueued:
			queued++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"summary": s.manager.StatusSummary(),
		"running": running,
		"queued":  queued,
		"total":   len(all),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if sessionID := r.URL.Query().Get("session_id"); sessionID != "" && s.eventLog != nil {
		logged, err := s.eventLog.ReadSession(sessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, logged)
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		fmt.Sscanf(limitStr, "%d", &limit)
	}

	history := s.bus.History(limit)

	type eventJSON struct {
		ID        string             `json:"id"`
		SessionID string             `json:"session_id,omitempty"`
		Type      string             `json:"type"`
		Timestamp string             `json:"timestamp"`
		Source    events.EventSource `json:"source"`
		Payload   map[string]any     `json:"payload"`
	}

	result := make([]eventJSON, len(history))
	for i, e := range history {
		result[i] = eventJSON{
			ID:        e.ID,
			SessionID: e.SessionID,
			Type:      string(e.Type),
			Timestamp: e.Timestamp.Format(time.RFC3339Nano),
			Source:    e.Source,
			Payload:   e.Payload,
		}
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	result, err := s.handler.List(r.URL.Query().Get("parent_session_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleLaunchTask blocks while the task is queued for a concurrency slot;
// closing the request aborts the queued launch.
func (s *Server) handleLaunchTask(w http.ResponseWriter, r *http.Request) {
	var params ws.LaunchParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if params.Agent == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent is required"})
		return
	}

	result, err := s.handler.Launch(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	result, err := s.handler.Check(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRemoveTask(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Remove(chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status tasks.TaskStatus `json:"status"`
		Result string           `json:"result,omitempty"`
		Error  string           `json:"error,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	if err := s.manager.UpdateStatus(chi.URLParam(r, "id"), body.Status, body.Result, body.Error); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(body.Status)})
}

func (s *Server) handleUpdateProgress(w http.ResponseWriter, r *http.Request) {
	var upd tasks.ProgressUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	if err := s.manager.UpdateProgress(chi.URLParam(r, "id"), upd); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var params ws.ResumeParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	result, err := s.handler.Resume(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleResumeContext(w http.ResponseWriter, r *http.Request) {
	result, err := s.handler.ResumeContext(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePeekNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.PeekNotifications(chi.URLParam(r, "sessionID")))
}

func (s *Server) handleDrainNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.DrainNotifications(chi.URLParam(r, "sessionID")))
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scheduler not available"})
		return
	}
	writeJSON(w, http.StatusOK, s.sched.List())
}

func (s *Server) handleAddSchedule(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scheduler not available"})
		return
	}

	var entry scheduler.Entry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	entry.Enabled = true

	if err := s.sched.Add(&entry); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleRemoveSchedule(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "scheduler not available"})
		return
	}
	if err := s.sched.Remove(chi.URLParam(r, "id")); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}
