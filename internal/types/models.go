// internal/types/models.go
package types

import (
	"sort"
	"time"
)

// Story is one unit of backlog work.
type Story struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
	Priority           int      `json:"priority"`
	Passes             bool     `json:"passes"`
}

// PRD is the on-disk backlog document (prd.json).
type PRD struct {
	ProjectName string  `json:"projectName"`
	BranchName  string  `json:"branchName"`
	Description string  `json:"description"`
	UserStories []Story `json:"userStories"`
}

type PRDCreate struct {
	ProjectName string `json:"projectName"`
	BranchName  string `json:"branchName"`
	Description string `json:"description"`
}

// PRDUpdate holds optional replacements; nil fields are left untouched.
type PRDUpdate struct {
	ProjectName *string `json:"projectName,omitempty"`
	BranchName  *string `json:"branchName,omitempty"`
	Description *string `json:"description,omitempty"`
	UserStories []Story `json:"userStories,omitempty"`
}

// NextIncomplete returns the lowest-priority-number story with passes=false.
// Ties keep document order.
func (p *PRD) NextIncomplete() (Story, bool) {
	if p == nil {
		return Story{}, false
	}
	var incomplete []Story
	for _, s := range p.UserStories {
		if !s.Passes {
			incomplete = append(incomplete, s)
		}
	}
	if len(incomplete) == 0 {
		return Story{}, false
	}
	sort.SliceStable(incomplete, func(i, j int) bool {
		return incomplete[i].Priority < incomplete[j].Priority
	})
	return incomplete[0], true
}

// AllComplete reports whether every story passes. An empty backlog is not complete.
func (p *PRD) AllComplete() bool {
	if p == nil || len(p.UserStories) == 0 {
		return false
	}
	for _, s := range p.UserStories {
		if !s.Passes {
			return false
		}
	}
	return true
}

// Story looks up a story by id.
func (p *PRD) Story(id string) (Story, bool) {
	if p == nil {
		return Story{}, false
	}
	for _, s := range p.UserStories {
		if s.ID == id {
			return s, true
		}
	}
	return Story{}, false
}

// PRDStatus is the backlog progress rollup.
type PRDStatus struct {
	Exists      bool         `json:"exists"`
	Project     string       `json:"project"`
	Branch      string       `json:"branch"`
	Total       int          `json:"total_stories"`
	Completed   int          `json:"completed_stories"`
	Remaining   int          `json:"incomplete_stories"`
	AllComplete bool         `json:"all_complete"`
	Percentage  float64      `json:"percentage"`
	Incomplete  []StoryBrief `json:"incomplete"`
}

type StoryBrief struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Priority int    `json:"priority"`
}

// RunStatus is the lifecycle state of a loop run.
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusStopped   RunStatus = "stopped"
	RunStatusError     RunStatus = "error"
	RunStatusExhausted RunStatus = "exhausted"
)

// Terminal reports whether no further iterations will execute.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusStopped, RunStatusError, RunStatusExhausted:
		return true
	}
	return false
}

// DispatchMode selects how the external agent is invoked.
type DispatchMode string

const (
	DispatchAuto DispatchMode = "auto"
	DispatchAPI  DispatchMode = "api"
	DispatchCLI  DispatchMode = "cli"
)

// Run is one execution of the iteration loop for a target.
type Run struct {
	ID               RunID        `json:"run_id"`
	TargetID         TargetID     `json:"target_id"`
	Status           RunStatus    `json:"status"`
	Mode             DispatchMode `json:"mode"`
	StartedAt        time.Time    `json:"started_at"`
	EndedAt          *time.Time   `json:"ended_at,omitempty"`
	CurrentIteration int          `json:"current_iteration"`
	MaxIterations    int          `json:"max_iterations"`
	CurrentStoryID   string       `json:"current_story_id,omitempty"`
	Error            string       `json:"error,omitempty"`
}
