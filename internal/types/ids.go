// internal/types/ids.go
package types

import (
	"fmt"

	"github.com/google/uuid"
)

type TargetID string
type RunID string
type MessageID string
type ConversationID string

// GlobalTarget is the target used when no project is named.
const GlobalTarget TargetID = "global"

// OrchestratorConversationID is the fixed id of the per-run orchestrator conversation.
const OrchestratorConversationID ConversationID = "orchestrator-main"

func NewRunID() RunID {
	return RunID(uuid.New().String())
}

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

func SubagentConversationID(iteration int) ConversationID {
	return ConversationID(fmt.Sprintf("subagent-iteration-%d", iteration))
}
