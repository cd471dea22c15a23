package prompt

import (
	"errors"
	"strings"
	"testing"
)

func TestNewEngine(t *testing.T) {
	e, err := New("claude-sonnet-4-5-20250929", 200000, 8000)
	if err != nil {
		t.Fatal(err)
	}
	if e.Budget() != 192000 {
		t.Errorf("expected budget 192000, got %d", e.Budget())
	}
	if n := e.CountTokens("hello world"); n <= 0 || n > 4 {
		t.Errorf("expected a handful of tokens, got %d", n)
	}
}

func TestBuild(t *testing.T) {
	e, err := New("gpt-4", 200000, 8000)
	if err != nil {
		t.Fatal(err)
	}

	messages, used, err := e.Build(DefaultInstructions, Data{
		Target:     "web",
		Iteration:  3,
		StoryID:    "US-002",
		StoryTitle: "Login form",
		Time:       "2024-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}
	if messages[0].Role != "system" {
		t.Errorf("expected system message first, got %q", messages[0].Role)
	}
	if !strings.Contains(messages[0].Content, "Story: US-002 - Login form") {
		t.Errorf("expected story in system prompt, got %q", messages[0].Content)
	}
	if strings.Contains(messages[0].Content, "Working directory") {
		t.Error("expected no working directory line when Dir is empty")
	}
	if messages[1].Role != "user" || messages[1].Content != DefaultInstructions {
		t.Error("expected instructions as the user turn")
	}
	if used <= 0 {
		t.Errorf("expected positive token count, got %d", used)
	}
}

func TestBuildOverBudget(t *testing.T) {
	e, err := New("gpt-4", 100, 50)
	if err != nil {
		t.Fatal(err)
	}

	_, used, err := e.Build(strings.Repeat("word ", 500), Data{Target: "global"})
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("expected ErrTooLarge, got %v", err)
	}
	if used <= 50 {
		t.Errorf("expected used tokens reported, got %d", used)
	}
}
