// internal/types/notification.go
package types

import "time"

type NotificationType string

const (
	NotifyOrchestratorMessage NotificationType = "orchestrator_message"
	NotifySubagentMessage     NotificationType = "subagent_message"
	NotifyToolCall            NotificationType = "tool_call"
	NotifyToolResult          NotificationType = "tool_result"
	NotifyIterationStart      NotificationType = "iteration_start"
	NotifyIterationComplete   NotificationType = "iteration_complete"
	NotifyStoryUpdate         NotificationType = "story_update"
	NotifyProgressUpdate      NotificationType = "progress_update"
	NotifyGitCommit           NotificationType = "git_commit"
	NotifyError               NotificationType = "error"
	NotifyComplete            NotificationType = "complete"
)

// Notification is pushed to observers. Data holds one of the payload types below.
type Notification struct {
	Type      NotificationType `json:"type"`
	Target    TargetID         `json:"target"`
	Data      any              `json:"data"`
	Timestamp time.Time        `json:"timestamp"`
	Iteration *int             `json:"iteration,omitempty"`
}

type MessagePayload struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type ToolCallPayload struct {
	ToolName   string            `json:"tool_name"`
	Parameters map[string]string `json:"parameters"`
}

type ToolResultPayload struct {
	ToolName string `json:"tool_name"`
	Output   string `json:"output"`
	Success  bool   `json:"success"`
}

type IterationStartPayload struct {
	Iteration  int    `json:"iteration"`
	StoryID    string `json:"story_id"`
	StoryTitle string `json:"story_title"`
}

type IterationCompletePayload struct {
	Iteration int    `json:"iteration"`
	StoryID   string `json:"story_id"`
	Success   bool   `json:"success"`
}

type StoryUpdatePayload struct {
	StoryID string `json:"story_id"`
	Passes  bool   `json:"passes"`
}

type ProgressPayload struct {
	Entry string `json:"entry"`
}

type CommitPayload struct {
	CommitHash string `json:"commit_hash,omitempty"`
	Message    string `json:"message"`
	StoryID    string `json:"story_id,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type CompletePayload struct {
	Status  RunStatus `json:"status"`
	Message string    `json:"message"`
}

// NewNotification stamps a notification for target. iteration <= 0 leaves it untagged.
func NewNotification(target TargetID, t NotificationType, iteration int, data any) Notification {
	n := Notification{
		Type:      t,
		Target:    target,
		Data:      data,
		Timestamp: time.Now(),
	}
	if iteration > 0 {
		it := iteration
		n.Iteration = &it
	}
	return n
}
