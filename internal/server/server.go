// Package server exposes a Tracker over REST and a websocket event stream.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/factgraph/internal/client"
	"github.com/raphaelgruber/factgraph/internal/metrics"
	"github.com/raphaelgruber/factgraph/internal/models"
	"github.com/raphaelgruber/factgraph/internal/preview"
	"github.com/raphaelgruber/factgraph/internal/service"
)

// maxBodyBytes bounds submission bodies.
const maxBodyBytes = 64 << 10

// Server serves the tracker API.
type Server struct {
	tracker  *service.Tracker
	metrics  *metrics.Collector
	logger   *slog.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

// New creates a server for tracker. metrics may be nil.
func New(tracker *service.Tracker, collector *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		tracker: tracker,
		metrics: collector,
		logger:  logger,
		upgrader: websocket.Upgrader{
			// The UI is served from another origin during local development.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		mux: http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the root handler with request logging.
func (s *Server) Handler() http.Handler {
	return LoggingMiddleware(s.logger)(s.mux)
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/tasks", s.handleSubmit)
	s.mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	s.mux.HandleFunc("DELETE /api/tasks", s.handleClearTasks)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("DELETE /api/tasks/{id}", s.handleDismissTask)
	s.mux.HandleFunc("GET /api/sources", s.handleSources)
	s.mux.HandleFunc("POST /api/sources/refresh", s.handleRefreshSources)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /ws", s.handleStream)
	s.mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
}

type submitRequest struct {
	Input string `json:"input"`
}

type submitResponse struct {
	Kind   service.HandleKind  `json:"kind"`
	Key    string              `json:"key,omitempty"`
	Card   *preview.Card       `json:"card,omitempty"`
	Source *client.SourceEntry `json:"source,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Input string `json:"input,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	h, err := s.tracker.Submit(r.Context(), req.Input)
	switch {
	case errors.Is(err, service.ErrEmptyInput):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Input: h.Input})
		return
	case err != nil:
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error(), Input: h.Input})
		return
	}

	resp := submitResponse{Kind: h.Kind, Key: h.Key, Source: h.Source}
	if h.Task != nil {
		card := preview.FromTask(*h.Task)
		resp.Card = &card
	}
	status := http.StatusOK
	if h.Kind == service.HandleCreated || h.Kind == service.HandleCached {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, preview.FromTasks(s.tracker.Tasks()))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tracker.Task(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview.FromTask(task))
}

func (s *Server) handleDismissTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tracker.Dismiss(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearTasks(w http.ResponseWriter, r *http.Request) {
	if err := s.tracker.ClearAll(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sourcesResponse struct {
	FetchedAt *time.Time           `json:"fetchedAt,omitempty"`
	Sources   []client.SourceEntry `json:"sources"`
}

func (s *Server) sources() sourcesResponse {
	resp := sourcesResponse{Sources: s.tracker.Sources()}
	if resp.Sources == nil {
		resp.Sources = []client.SourceEntry{}
	}
	if at := s.tracker.SourcesFetchedAt(); !at.IsZero() {
		resp.FetchedAt = &at
	}
	return resp
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sources())
}

func (s *Server) handleRefreshSources(w http.ResponseWriter, r *http.Request) {
	if err := s.tracker.RefreshSources(r.Context()); err != nil {
		s.logger.Warn("source refresh failed", "error", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.sources())
}

type statsResponse struct {
	metrics.Snapshot
	Tasks map[models.LifecycleState]int `json:"tasks"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Snapshot: s.metrics.Snapshot(),
		Tasks:    make(map[models.LifecycleState]int),
	}
	for _, task := range s.tracker.Tasks() {
		resp.Tasks[task.State]++
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, service.ErrNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write response", "error", err)
	}
}
