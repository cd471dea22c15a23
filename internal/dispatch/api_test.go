package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/ralph/internal/prompt"
	"github.com/user/ralph/internal/retry"
	"github.com/user/ralph/pkg/llm"
)

// scriptedProvider fails the first failures Stream calls, then replays deltas.
type scriptedProvider struct {
	mu       sync.Mutex
	failures int
	calls    int
	deltas   []llm.Delta
	messages []llm.Message
}

func (p *scriptedProvider) Complete(context.Context, []llm.Message) (*llm.Response, error) {
	return nil, errors.New("not used")
}

func (p *scriptedProvider) Stream(_ context.Context, messages []llm.Message) (<-chan llm.Delta, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failures {
		return nil, errors.New("connection reset by peer")
	}
	p.messages = messages
	ch := make(chan llm.Delta, len(p.deltas))
	for _, d := range p.deltas {
		ch <- d
	}
	close(ch)
	return ch, nil
}

func fastRetry() *retry.Policy {
	return &retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
}

func newTestAPI(t *testing.T, p llm.Provider) (*API, string) {
	t.Helper()
	engine, err := prompt.New("claude-sonnet-4-5-20250929", 200000, 8000)
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte("Implement the next story."), 0o644); err != nil {
		t.Fatal(err)
	}
	return NewAPI(p, engine, "CLAUDE.md", true, WithRetryPolicy(fastRetry())), dir
}

func TestAPI_SentinelSuccess(t *testing.T) {
	p := &scriptedProvider{deltas: []llm.Delta{
		{Content: "Reading file: prd.json\nWorking on "},
		{Content: "US-001\n<promise>COMPLETE</promise>"},
	}}
	api, dir := newTestAPI(t, p)

	var lines []string
	req := newRequest(dir, incomplete())
	req.OnLine = func(_ context.Context, line string) { lines = append(lines, line) }

	res := api.Dispatch(context.Background(), req)
	if !res.Succeeded || !res.Sentinel {
		t.Fatalf("expected sentinel success, got %+v", res)
	}
	if res.Prompt != "Implement the next story." {
		t.Errorf("unexpected prompt %q", res.Prompt)
	}
	if res.Backend != "api" {
		t.Errorf("expected backend api, got %s", res.Backend)
	}
	want := []string{"Reading file: prd.json", "Working on US-001", Sentinel}
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Errorf("expected lines %v, got %v", want, lines)
	}
	if len(p.messages) != 2 || p.messages[0].Role != "system" || p.messages[1].Content != "Implement the next story." {
		t.Errorf("unexpected request messages %+v", p.messages)
	}
}

func TestAPI_RetriesOpeningStream(t *testing.T) {
	p := &scriptedProvider{failures: 2, deltas: []llm.Delta{{Content: "done"}}}
	api, dir := newTestAPI(t, p)

	res := api.Dispatch(context.Background(), newRequest(dir, incomplete()))
	if res.Error != "" {
		t.Fatalf("expected recovery after retries, got %q", res.Error)
	}
	if p.calls != 3 {
		t.Errorf("expected 3 stream attempts, got %d", p.calls)
	}
	if res.Succeeded {
		t.Error("expected failure without sentinel or passing story")
	}
}

func TestAPI_RetriesExhausted(t *testing.T) {
	p := &scriptedProvider{failures: 10}
	api, dir := newTestAPI(t, p)

	res := api.Dispatch(context.Background(), newRequest(dir, incomplete()))
	if !strings.Contains(res.Error, "API request failed") {
		t.Errorf("expected request failure, got %q", res.Error)
	}
}

func TestAPI_StreamErrorKeepsPartialOutput(t *testing.T) {
	p := &scriptedProvider{deltas: []llm.Delta{
		{Content: "<promise>COMPLETE</promise> partial"},
		{Err: errors.New("overloaded")},
	}}
	api, dir := newTestAPI(t, p)

	res := api.Dispatch(context.Background(), newRequest(dir, incomplete()))
	if res.Succeeded {
		t.Fatal("expected stream error to fail the iteration")
	}
	if !strings.Contains(res.Error, "overloaded") {
		t.Errorf("expected stream error, got %q", res.Error)
	}
	if !strings.Contains(res.Output, "partial") {
		t.Errorf("expected partial output kept, got %q", res.Output)
	}
}

func TestAPI_Validate(t *testing.T) {
	engine, err := prompt.New("claude-sonnet-4-5-20250929", 200000, 8000)
	if err != nil {
		t.Fatal(err)
	}
	if err := NewAPI(&scriptedProvider{}, engine, "CLAUDE.md", false).Validate(); !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig without key, got %v", err)
	}
	if err := NewAPI(&scriptedProvider{}, engine, "", true).Validate(); !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig without instructions, got %v", err)
	}
}
