package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/user/ralph/internal/types"
)

func TestTranscriptDB_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "transcripts.db")
	db, err := OpenTranscriptDB(path)
	if err != nil {
		t.Fatalf("OpenTranscriptDB failed: %v", err)
	}
	defer db.Close()

	r := NewRecorder("web", nil, WithTranscriptSink(db))
	r.Reset("run-1")
	ctx := context.Background()
	r.AddOrchestratorMessage(ctx, types.RoleSystem, "Starting run")
	r.AddSubagentMessage(ctx, 2, "US-002", types.RoleUser, "second prompt")
	r.AddSubagentMessage(ctx, 1, "US-001", types.RoleUser, "first prompt")
	r.AddSubagentMessage(ctx, 1, "US-001", types.RoleAssistant, "did it",
		WithToolCalls(types.ToolCall{Name: "bash"}))
	r.AddOrchestratorMessage(ctx, types.RoleSystem, "Run finished")

	r.Reset("run-2")
	r.AddOrchestratorMessage(ctx, types.RoleSystem, "other run")

	convs, err := db.RunConversations(ctx, "run-1")
	if err != nil {
		t.Fatalf("RunConversations failed: %v", err)
	}
	if len(convs) != 3 {
		t.Fatalf("expected 3 conversations, got %d", len(convs))
	}
	if convs[0].Type != types.ConversationOrchestrator {
		t.Errorf("expected orchestrator first, got %s", convs[0].Type)
	}
	if len(convs[0].Messages) != 2 || convs[0].Messages[1].Content != "Run finished" {
		t.Errorf("unexpected orchestrator messages: %+v", convs[0].Messages)
	}
	if convs[1].Iteration == nil || *convs[1].Iteration != 1 {
		t.Errorf("expected iteration 1 second")
	}
	if len(convs[1].Messages) != 2 || len(convs[1].Messages[1].ToolCalls) != 1 {
		t.Errorf("unexpected iteration 1 messages: %+v", convs[1].Messages)
	}
	if convs[2].StoryID != "US-002" {
		t.Errorf("expected US-002 last, got %s", convs[2].StoryID)
	}
}

func TestTranscriptDB_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transcripts.db")
	db, err := OpenTranscriptDB(path)
	if err != nil {
		t.Fatalf("OpenTranscriptDB failed: %v", err)
	}
	r := NewRecorder("web", nil, WithTranscriptSink(db))
	r.Reset("run-1")
	r.AddOrchestratorMessage(context.Background(), types.RoleSystem, "persisted")
	db.Close()

	db, err = OpenTranscriptDB(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()

	convs, err := db.RunConversations(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("RunConversations failed: %v", err)
	}
	if len(convs) != 1 || convs[0].Messages[0].Content != "persisted" {
		t.Errorf("expected persisted message after reopen, got %+v", convs)
	}
}

func TestTranscriptDB_UnknownRun(t *testing.T) {
	db, err := OpenTranscriptDB(filepath.Join(t.TempDir(), "transcripts.db"))
	if err != nil {
		t.Fatalf("OpenTranscriptDB failed: %v", err)
	}
	defer db.Close()

	convs, err := db.RunConversations(context.Background(), "nope")
	if err != nil {
		t.Fatalf("RunConversations failed: %v", err)
	}
	if len(convs) != 0 {
		t.Errorf("expected no conversations, got %d", len(convs))
	}
}
