package server

import (
	"net/http"

	"github.com/user/ralph/internal/state"
	"github.com/user/ralph/internal/types"
)

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	log, err := s.ctrl.EventLog(target(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	q := r.URL.Query()
	events := log.Recent(state.RecentQuery{
		Limit:   queryInt(r, "limit", 50),
		Type:    types.EventType(q.Get("event_type")),
		StoryID: q.Get("story_id"),
	})
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleEventHistory(w http.ResponseWriter, r *http.Request) {
	log, err := s.ctrl.EventLog(target(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	events, err := log.History()
	if err != nil {
		writeErr(w, err)
		return
	}
	if events == nil {
		events = []types.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleEventSummary(w http.ResponseWriter, r *http.Request) {
	log, err := s.ctrl.EventLog(target(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	sum, err := log.Summarize()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
