package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/user/ralph/internal/loop"
	"github.com/user/ralph/internal/state"
	"github.com/user/ralph/internal/types"
)

type startRequest struct {
	MaxIterations int                `json:"max_iterations"`
	UseCLI        bool               `json:"use_cli"`
	Mode          types.DispatchMode `json:"mode"`
	Agent         string             `json:"agent"`
	Target        types.TargetID     `json:"target"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	t := target(r)
	if req.Target != "" && !isProjectPath(r) {
		t = req.Target
	}
	mode := req.Mode
	if req.UseCLI {
		mode = types.DispatchCLI
	}

	h, err := s.ctrl.Start(r.Context(), t, loop.StartOptions{
		MaxIterations: req.MaxIterations,
		Mode:          mode,
		Agent:         req.Agent,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	view := s.ctrl.Status(r.Context(), t)
	maxIter := req.MaxIterations
	if view.Run != nil {
		maxIter = view.Run.MaxIterations
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":        "Ralph loop started",
		"run_id":         h.RunID,
		"target":         h.Target,
		"max_iterations": maxIter,
		"use_cli":        req.UseCLI,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Stop(target(r)); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Ralph loop stop requested"})
}

type statusResponse struct {
	Target           types.TargetID `json:"target"`
	Running          bool           `json:"running"`
	CurrentIteration int            `json:"current_iteration"`
	MaxIterations    int            `json:"max_iterations"`
	CurrentStoryID   string         `json:"current_story_id,omitempty"`
	Run              *types.Run     `json:"run,omitempty"`
}

func (s *Server) status(r *http.Request) (statusResponse, error) {
	t := target(r)
	if _, err := s.ctrl.Dir(t); err != nil {
		return statusResponse{}, err
	}
	view := s.ctrl.Status(r.Context(), t)
	resp := statusResponse{Target: view.Target, Running: view.Running, Run: view.Run}
	if view.Run != nil && view.Running {
		resp.CurrentIteration = view.Run.CurrentIteration
		resp.MaxIterations = view.Run.MaxIterations
		resp.CurrentStoryID = view.Run.CurrentStoryID
	}
	return resp, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.status(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProjectStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.status(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"project_id":    r.PathValue("id"),
		"ralph_running": resp.Running,
		"status":        resp,
		"conversation":  s.ctrl.Recorder(target(r)).Summary(),
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	store := s.ctrl.Runs()
	if store == nil {
		writeJSON(w, http.StatusOK, []*types.Run{})
		return
	}
	var filter types.TargetID
	if t := r.URL.Query().Get("target"); t != "" {
		filter = types.TargetID(t)
	}
	runs, err := store.List(r.Context(), filter)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	store := s.ctrl.Runs()
	if store == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	run, err := store.Get(r.Context(), types.RunID(r.PathValue("id")))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleIteration(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil || n < 1 {
		writeError(w, http.StatusBadRequest, "iteration must be a positive integer")
		return
	}
	outputs := s.ctrl.Outputs()
	if outputs == nil {
		writeError(w, http.StatusNotFound, "iteration output not found")
		return
	}
	out, err := outputs.Get(r.Context(), types.RunID(r.PathValue("id")), n)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if q := r.URL.Query().Get("q"); q != "" {
		excerpt, err := outputs.Excerpt(r.Context(), out.RunID, n, q, queryInt(r, "max_chars", 2000))
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"excerpt": excerpt})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	dir, err := s.ctrl.Dir(target(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	progress := state.NewProgressLog(dir)

	switch r.URL.Query().Get("format") {
	case "html":
		text, err := progress.Read()
		if err != nil {
			writeErr(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := s.md.Convert([]byte(text), w); err != nil {
			writeErr(w, err)
		}
	case "text":
		text, err := progress.Read()
		if err != nil {
			writeErr(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		io.WriteString(w, text)
	default:
		tail, err := progress.Tail(queryInt(r, "lines", 10))
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, tail)
	}
}
