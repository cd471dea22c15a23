package state

import (
	"time"

	"github.com/user/ralph/internal/types"
)

const (
	StoryInProgress = "in_progress"
	StoryCompleted  = "completed"
	StoryFailed     = "failed"
)

// StorySummary aggregates the events recorded against one story.
type StorySummary struct {
	StoryID string `json:"story_id"`
	Status  string `json:"status"`
	Title   string `json:"title,omitempty"`
	Events  int    `json:"events"`
	Commits int    `json:"commits"`
	Errors  int    `json:"errors"`
}

// EventSummary is the rollup of a target's full event history.
type EventSummary struct {
	TotalEvents       int                      `json:"total_events"`
	EventTypes        map[types.EventType]int  `json:"event_types"`
	Stories           map[string]*StorySummary `json:"stories"`
	LastEventTime     *time.Time               `json:"last_event_time"`
	TotalCommits      int                      `json:"total_commits"`
	TotalErrors       int                      `json:"total_errors"`
	StoriesCompleted  int                      `json:"stories_completed"`
	StoriesInProgress int                      `json:"stories_in_progress"`
}

// Summarize reads the full history and aggregates it.
func (l *EventLog) Summarize() (*EventSummary, error) {
	events, err := l.History()
	if err != nil {
		return nil, err
	}
	return Summarize(events), nil
}

// Summarize aggregates events given in chronological order. A story's
// status follows its latest start/complete event.
func Summarize(events []types.Event) *EventSummary {
	sum := &EventSummary{
		TotalEvents: len(events),
		EventTypes:  make(map[types.EventType]int),
		Stories:     make(map[string]*StorySummary),
	}

	for _, e := range events {
		sum.EventTypes[e.Type]++

		if e.StoryID != "" {
			st, ok := sum.Stories[e.StoryID]
			if !ok {
				st = &StorySummary{StoryID: e.StoryID, Status: StoryInProgress}
				sum.Stories[e.StoryID] = st
			}
			st.Events++

			switch e.Type {
			case types.EventStoryStart:
				st.Status = StoryInProgress
				if d, ok := e.Data.(types.StoryStartData); ok {
					st.Title = d.StoryTitle
				}
			case types.EventStoryComplete:
				st.Status = StoryFailed
				if d, ok := e.Data.(types.StoryCompleteData); ok && d.Passed {
					st.Status = StoryCompleted
				}
			case types.EventCommit:
				st.Commits++
			case types.EventError:
				st.Errors++
			}
		}

		switch e.Type {
		case types.EventCommit:
			sum.TotalCommits++
		case types.EventError:
			sum.TotalErrors++
		}
	}

	// Only stories that saw a start or complete event count toward the totals.
	seen := make(map[string]bool)
	for _, e := range events {
		if e.StoryID != "" && (e.Type == types.EventStoryStart || e.Type == types.EventStoryComplete) {
			seen[e.StoryID] = true
		}
	}
	for id := range seen {
		switch sum.Stories[id].Status {
		case StoryCompleted:
			sum.StoriesCompleted++
		case StoryInProgress:
			sum.StoriesInProgress++
		}
	}

	if len(events) > 0 {
		last := events[len(events)-1].Timestamp
		sum.LastEventTime = &last
	}
	return sum
}
