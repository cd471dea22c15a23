// Package server exposes the loop controller, story store, event log and
// transcripts over HTTP, plus a websocket notification stream.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/user/ralph/internal/dispatch"
	"github.com/user/ralph/internal/loop"
	"github.com/user/ralph/internal/state"
	"github.com/user/ralph/internal/types"
)

// Server is the HTTP control surface.
type Server struct {
	ctrl        *loop.Controller
	hub         http.Handler
	transcripts *state.TranscriptDB
	md          goldmark.Markdown
	mux         *http.ServeMux

	mu     sync.Mutex
	stores map[string]*state.PRDStore
}

// Option configures a Server.
type Option func(*Server)

// WithHub serves the websocket notification stream at /ws.
func WithHub(h http.Handler) Option {
	return func(s *Server) { s.hub = h }
}

// WithTranscripts enables transcripts of past runs.
func WithTranscripts(db *state.TranscriptDB) Option {
	return func(s *Server) { s.transcripts = db }
}

func New(ctrl *loop.Controller, opts ...Option) *Server {
	s := &Server{
		ctrl:   ctrl,
		md:     goldmark.New(goldmark.WithExtensions(extension.GFM)),
		mux:    http.NewServeMux(),
		stores: make(map[string]*state.PRDStore),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /api/ralph/start", s.handleStart)
	s.mux.HandleFunc("POST /api/ralph/stop", s.handleStop)
	s.mux.HandleFunc("GET /api/ralph/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/projects/{id}/ralph/start", s.handleStart)
	s.mux.HandleFunc("POST /api/projects/{id}/ralph/stop", s.handleStop)
	s.mux.HandleFunc("GET /api/projects/{id}/ralph/status", s.handleProjectStatus)

	s.mux.HandleFunc("GET /api/ralph/events", s.handleEvents)
	s.mux.HandleFunc("GET /api/ralph/events/history", s.handleEventHistory)
	s.mux.HandleFunc("GET /api/ralph/events/summary", s.handleEventSummary)
	s.mux.HandleFunc("GET /api/ralph/progress", s.handleProgress)

	s.mux.HandleFunc("GET /api/conversations/orchestrator", s.handleOrchestrator)
	s.mux.HandleFunc("GET /api/conversations/subagents", s.handleSubagents)
	s.mux.HandleFunc("GET /api/conversations/subagents/{iteration}", s.handleSubagent)
	s.mux.HandleFunc("GET /api/conversations/summary", s.handleConversationSummary)
	s.mux.HandleFunc("DELETE /api/conversations", s.handleClearConversations)
	s.mux.HandleFunc("DELETE /api/conversations/{$}", s.handleClearConversations)
	s.mux.HandleFunc("DELETE /api/conversations/orchestrator", s.handleClearOrchestrator)
	s.mux.HandleFunc("DELETE /api/conversations/subagents", s.handleClearSubagents)

	s.mux.HandleFunc("GET /api/prd", s.handleGetPRD)
	s.mux.HandleFunc("GET /api/prd/{$}", s.handleGetPRD)
	s.mux.HandleFunc("POST /api/prd", s.handleCreatePRD)
	s.mux.HandleFunc("POST /api/prd/{$}", s.handleCreatePRD)
	s.mux.HandleFunc("PUT /api/prd", s.handleUpdatePRD)
	s.mux.HandleFunc("PUT /api/prd/{$}", s.handleUpdatePRD)
	s.mux.HandleFunc("DELETE /api/prd", s.handleDeletePRD)
	s.mux.HandleFunc("DELETE /api/prd/{$}", s.handleDeletePRD)
	s.mux.HandleFunc("POST /api/prd/stories", s.handleAddStory)
	s.mux.HandleFunc("PUT /api/prd/stories/{id}", s.handleUpdateStory)
	s.mux.HandleFunc("GET /api/prd/next-story", s.handleNextStory)
	s.mux.HandleFunc("GET /api/prd/status", s.handlePRDStatus)

	s.mux.HandleFunc("GET /api/runs", s.handleRuns)
	s.mux.HandleFunc("GET /api/runs/{id}", s.handleRun)
	s.mux.HandleFunc("GET /api/runs/{id}/conversations", s.handleRunConversations)
	s.mux.HandleFunc("GET /api/runs/{id}/iterations/{n}", s.handleIteration)

	if s.hub != nil {
		s.mux.Handle("GET /ws", s.hub)
	}
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// target reads the target from the project path segment or ?target=.
func target(r *http.Request) types.TargetID {
	if isProjectPath(r) {
		return types.TargetID(r.PathValue("id"))
	}
	if t := r.URL.Query().Get("target"); t != "" {
		return types.TargetID(t)
	}
	return types.GlobalTarget
}

func isProjectPath(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/api/projects/") && r.PathValue("id") != ""
}

// prdStore returns the story store of the request's target. Stores are
// shared so in-process writers serialise on the same lock.
func (s *Server) prdStore(r *http.Request) (*state.PRDStore, error) {
	dir, err := s.ctrl.Dir(target(r))
	if err != nil {
		return nil, err
	}
	path := filepath.Join(dir, state.PRDFile)

	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.stores[path]
	if !ok {
		store = state.NewPRDStore(path)
		s.stores[path] = store
	}
	return store, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps domain errors to status codes. Anything unrecognised is a 500.
func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, loop.ErrAlreadyRunning), errors.Is(err, loop.ErrNotRunning):
		status = http.StatusBadRequest
	case errors.Is(err, loop.ErrAtCapacity):
		status = http.StatusTooManyRequests
	case errors.Is(err, dispatch.ErrConfig):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, state.ErrPRDLocked):
		status = http.StatusConflict
	case errors.Is(err, loop.ErrUnknownTarget), errors.Is(err, state.ErrNoPRD), errors.Is(err, state.ErrStoryNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeError(w, status, err.Error())
}

func queryInt(r *http.Request, key string, def int) int {
	if q := r.URL.Query().Get(key); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			return n
		}
	}
	return def
}
