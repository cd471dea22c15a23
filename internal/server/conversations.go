package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/user/ralph/internal/types"
)

func (s *Server) handleOrchestrator(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Recorder(target(r)).Orchestrator())
}

func (s *Server) handleSubagents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Recorder(target(r)).Subagents())
}

func (s *Server) handleSubagent(w http.ResponseWriter, r *http.Request) {
	iteration, err := strconv.Atoi(r.PathValue("iteration"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "iteration must be an integer")
		return
	}
	conv, ok := s.ctrl.Recorder(target(r)).Subagent(iteration)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("No conversation found for iteration %d", iteration))
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleConversationSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Recorder(target(r)).Summary())
}

func (s *Server) handleClearConversations(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Recorder(target(r)).ClearAll()
	writeJSON(w, http.StatusOK, map[string]string{"message": "All conversations cleared"})
}

func (s *Server) handleClearOrchestrator(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Recorder(target(r)).ClearOrchestrator()
	writeJSON(w, http.StatusOK, map[string]string{"message": "Orchestrator conversation cleared"})
}

func (s *Server) handleClearSubagents(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Recorder(target(r)).ClearSubagents()
	writeJSON(w, http.StatusOK, map[string]string{"message": "Subagent conversations cleared"})
}

// handleRunConversations serves the archived transcripts of a past run.
func (s *Server) handleRunConversations(w http.ResponseWriter, r *http.Request) {
	if s.transcripts == nil {
		writeError(w, http.StatusNotFound, "transcript archive is disabled")
		return
	}
	convs, err := s.transcripts.RunConversations(r.Context(), types.RunID(r.PathValue("id")))
	if err != nil {
		writeErr(w, err)
		return
	}
	if len(convs) == 0 {
		writeError(w, http.StatusNotFound, "no transcripts for run")
		return
	}
	writeJSON(w, http.StatusOK, convs)
}
