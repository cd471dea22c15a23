// internal/types/conversation.go
package types

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type ConversationKind string

const (
	ConversationOrchestrator ConversationKind = "orchestrator"
	ConversationSubagent     ConversationKind = "subagent"
)

type ToolCall struct {
	Name       string          `json:"tool_name"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

type ToolResult struct {
	Name    string `json:"tool_name"`
	Output  string `json:"output"`
	Success bool   `json:"success"`
}

// Message is one entry of a conversation transcript.
type Message struct {
	ID          MessageID    `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Timestamp   time.Time    `json:"timestamp"`
	Tokens      int          `json:"tokens,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// Conversation is an ordered transcript for the orchestrator or one iteration's subagent.
type Conversation struct {
	ID        ConversationID   `json:"id"`
	Type      ConversationKind `json:"type"`
	RunID     RunID            `json:"run_id,omitempty"`
	Iteration *int             `json:"iteration,omitempty"`
	StoryID   string           `json:"story_id,omitempty"`
	Messages  []Message        `json:"messages"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// ConversationSummary bundles every conversation of a target.
type ConversationSummary struct {
	Orchestrator Conversation   `json:"orchestrator"`
	Subagents    []Conversation `json:"subagents"`
}
