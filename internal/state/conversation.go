// internal/state/conversation.go
package state

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/user/ralph/internal/types"
)

// TranscriptSink durably stores recorded messages.
type TranscriptSink interface {
	SaveMessage(ctx context.Context, rec TranscriptRecord) error
}

// TranscriptRecord is one message together with the conversation it belongs to.
type TranscriptRecord struct {
	RunID          types.RunID
	Target         types.TargetID
	ConversationID types.ConversationID
	Kind           types.ConversationKind
	Iteration      int
	StoryID        string
	Message        types.Message
}

// Recorder keeps the orchestrator transcript and one subagent transcript per
// iteration for a single target. Every added message is broadcast.
type Recorder struct {
	target   types.TargetID
	notifier types.Notifier
	counter  types.TokenCounter
	sink     TranscriptSink

	mu           sync.Mutex
	runID        types.RunID
	orchestrator types.Conversation
	subagents    map[int]*types.Conversation
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithTokenCounter annotates each message with its token count.
func WithTokenCounter(c types.TokenCounter) RecorderOption {
	return func(r *Recorder) { r.counter = c }
}

// WithTranscriptSink persists every message to sink.
func WithTranscriptSink(s TranscriptSink) RecorderOption {
	return func(r *Recorder) { r.sink = s }
}

func NewRecorder(target types.TargetID, notifier types.Notifier, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		target:    target,
		notifier:  notifier,
		subagents: make(map[int]*types.Conversation),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.orchestrator = newOrchestrator("")
	return r
}

func newOrchestrator(runID types.RunID) types.Conversation {
	now := time.Now()
	return types.Conversation{
		ID:        types.OrchestratorConversationID,
		Type:      types.ConversationOrchestrator,
		RunID:     runID,
		Messages:  []types.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MessageOption attaches optional fields to a recorded message.
type MessageOption func(*types.Message)

func WithToolCalls(calls ...types.ToolCall) MessageOption {
	return func(m *types.Message) { m.ToolCalls = append(m.ToolCalls, calls...) }
}

func WithToolResults(results ...types.ToolResult) MessageOption {
	return func(m *types.Message) { m.ToolResults = append(m.ToolResults, results...) }
}

func (r *Recorder) newMessage(role types.Role, content string, opts []MessageOption) types.Message {
	m := types.Message{
		ID:        types.NewMessageID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
	if r.counter != nil {
		m.Tokens = r.counter.CountTokens(content)
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Reset starts a fresh transcript set for a new run.
func (r *Recorder) Reset(runID types.RunID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runID = runID
	r.orchestrator = newOrchestrator(runID)
	r.subagents = make(map[int]*types.Conversation)
}

func (r *Recorder) AddOrchestratorMessage(ctx context.Context, role types.Role, content string, opts ...MessageOption) types.Message {
	m := r.newMessage(role, content, opts)

	r.mu.Lock()
	r.orchestrator.Messages = append(r.orchestrator.Messages, m)
	r.orchestrator.UpdatedAt = m.Timestamp
	rec := TranscriptRecord{
		RunID:          r.runID,
		Target:         r.target,
		ConversationID: types.OrchestratorConversationID,
		Kind:           types.ConversationOrchestrator,
		Message:        m,
	}
	r.mu.Unlock()

	r.persist(ctx, rec)
	r.notify(ctx, types.NotifyOrchestratorMessage, 0, types.MessagePayload{Role: role, Content: content})
	return m
}

// AddSubagentMessage appends to the transcript of iteration, creating it on first use.
func (r *Recorder) AddSubagentMessage(ctx context.Context, iteration int, storyID string, role types.Role, content string, opts ...MessageOption) types.Message {
	m := r.newMessage(role, content, opts)

	r.mu.Lock()
	conv, ok := r.subagents[iteration]
	if !ok {
		it := iteration
		conv = &types.Conversation{
			ID:        types.SubagentConversationID(iteration),
			Type:      types.ConversationSubagent,
			RunID:     r.runID,
			Iteration: &it,
			StoryID:   storyID,
			Messages:  []types.Message{},
			CreatedAt: m.Timestamp,
		}
		r.subagents[iteration] = conv
	}
	conv.Messages = append(conv.Messages, m)
	conv.UpdatedAt = m.Timestamp
	rec := TranscriptRecord{
		RunID:          r.runID,
		Target:         r.target,
		ConversationID: conv.ID,
		Kind:           types.ConversationSubagent,
		Iteration:      iteration,
		StoryID:        conv.StoryID,
		Message:        m,
	}
	r.mu.Unlock()

	r.persist(ctx, rec)
	r.notify(ctx, types.NotifySubagentMessage, iteration, types.MessagePayload{Role: role, Content: content})
	return m
}

func (r *Recorder) persist(ctx context.Context, rec TranscriptRecord) {
	if r.sink == nil {
		return
	}
	if err := r.sink.SaveMessage(ctx, rec); err != nil {
		slog.Warn("transcript persist failed", "target", string(r.target), "conversation", string(rec.ConversationID), "error", err)
	}
}

func (r *Recorder) notify(ctx context.Context, t types.NotificationType, iteration int, data any) {
	if r.notifier == nil {
		return
	}
	r.notifier.Notify(ctx, types.NewNotification(r.target, t, iteration, data))
}

func (r *Recorder) Orchestrator() types.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyConversation(&r.orchestrator)
}

// Subagent returns the transcript of iteration.
func (r *Recorder) Subagent(iteration int) (types.Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conv, ok := r.subagents[iteration]
	if !ok {
		return types.Conversation{}, false
	}
	return copyConversation(conv), true
}

// Subagents returns every subagent transcript ordered by iteration.
func (r *Recorder) Subagents() []types.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subagentsLocked()
}

func (r *Recorder) subagentsLocked() []types.Conversation {
	iterations := make([]int, 0, len(r.subagents))
	for it := range r.subagents {
		iterations = append(iterations, it)
	}
	sort.Ints(iterations)
	out := make([]types.Conversation, 0, len(iterations))
	for _, it := range iterations {
		out = append(out, copyConversation(r.subagents[it]))
	}
	return out
}

func (r *Recorder) Summary() types.ConversationSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return types.ConversationSummary{
		Orchestrator: copyConversation(&r.orchestrator),
		Subagents:    r.subagentsLocked(),
	}
}

func (r *Recorder) ClearOrchestrator() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orchestrator = newOrchestrator(r.runID)
}

func (r *Recorder) ClearSubagents() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subagents = make(map[int]*types.Conversation)
}

func (r *Recorder) ClearAll() {
	r.ClearOrchestrator()
	r.ClearSubagents()
}

func copyConversation(c *types.Conversation) types.Conversation {
	out := *c
	out.Messages = append([]types.Message{}, c.Messages...)
	return out
}
