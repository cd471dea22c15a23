package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/user/ralph/internal/state"
	"github.com/user/ralph/internal/types"
)

// whileRunning applies g only while the request's target has an active run.
// The run check happens under the store lock together with the write.
func (s *Server) whileRunning(r *http.Request, g state.Guard) state.Guard {
	t := target(r)
	return func(before, after *types.PRD) error {
		if !s.ctrl.IsRunning(t) {
			return nil
		}
		return g(before, after)
	}
}

func (s *Server) handleGetPRD(w http.ResponseWriter, r *http.Request) {
	store, err := s.prdStore(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	prd, err := store.Load(r.Context())
	if errors.Is(err, state.ErrNoPRD) {
		writeError(w, http.StatusNotFound, "No PRD found")
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prd)
}

func (s *Server) handleCreatePRD(w http.ResponseWriter, r *http.Request) {
	var req types.PRDCreate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.ProjectName == "" {
		writeError(w, http.StatusBadRequest, "projectName is required")
		return
	}
	store, err := s.prdStore(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	prd, err := store.Create(r.Context(), req, s.whileRunning(r, state.Frozen))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prd)
}

func (s *Server) handleUpdatePRD(w http.ResponseWriter, r *http.Request) {
	var req types.PRDUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	store, err := s.prdStore(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	prd, err := store.Update(r.Context(), req, s.whileRunning(r, state.KeepPasses))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prd)
}

func (s *Server) handleDeletePRD(w http.ResponseWriter, r *http.Request) {
	store, err := s.prdStore(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := store.Delete(r.Context(), s.whileRunning(r, state.Frozen)); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "PRD deleted successfully"})
}

func (s *Server) handleAddStory(w http.ResponseWriter, r *http.Request) {
	var story types.Story
	if err := json.NewDecoder(r.Body).Decode(&story); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if story.ID == "" || story.Title == "" {
		writeError(w, http.StatusBadRequest, "story id and title are required")
		return
	}
	store, err := s.prdStore(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	prd, err := store.AddStory(r.Context(), story)
	if err != nil {
		if errors.Is(err, state.ErrNoPRD) {
			writeErr(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, prd)
}

// handleUpdateStory sets a story's passes flag. Reopening a story while its
// target is running is refused: the loop treats passes as monotonic.
func (s *Server) handleUpdateStory(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("passes")
	if raw == "" {
		var body struct {
			Passes *bool `json:"passes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Passes == nil {
			writeError(w, http.StatusBadRequest, "passes is required")
			return
		}
		raw = strconv.FormatBool(*body.Passes)
	}
	passes, err := strconv.ParseBool(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid passes value %q", raw))
		return
	}

	id := r.PathValue("id")
	store, err := s.prdStore(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	prd, err := store.UpdateStory(r.Context(), id, passes, s.whileRunning(r, state.KeepPasses))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prd)
}

func (s *Server) handleNextStory(w http.ResponseWriter, r *http.Request) {
	store, err := s.prdStore(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	story, ok, err := store.NextIncomplete(r.Context())
	if errors.Is(err, state.ErrNoPRD) {
		writeError(w, http.StatusNotFound, "No PRD found")
		return
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "No incomplete stories found")
		return
	}
	writeJSON(w, http.StatusOK, story)
}

func (s *Server) handlePRDStatus(w http.ResponseWriter, r *http.Request) {
	store, err := s.prdStore(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	st, err := store.Status(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
