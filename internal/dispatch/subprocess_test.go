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

	"github.com/user/ralph/internal/types"
)

type fakeStories struct {
	prd *types.PRD
	err error
}

func (f *fakeStories) Load(context.Context) (*types.PRD, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.prd, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []types.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n types.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

func (r *recordingNotifier) ofType(t types.NotificationType) []types.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.Notification
	for _, n := range r.notes {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

// writeScript creates an executable fake agent in dir.
func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-agent")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func newRequest(dir string, stories types.StoryReader) Request {
	return Request{
		RunID:     "run-1",
		Target:    "web",
		Dir:       dir,
		Iteration: 1,
		Story:     types.Story{ID: "US-001", Title: "Login"},
		Stories:   stories,
	}
}

func incomplete() *fakeStories {
	return &fakeStories{prd: &types.PRD{UserStories: []types.Story{{ID: "US-001", Title: "Login", Priority: 1}}}}
}

func TestSubprocess_SentinelSuccess(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte("do the next story\n"), 0o644)
	script := writeScript(t, dir, `
read first
echo "got: $first"
echo "Reading file: main.go"
echo "working on US-001" >&2
echo "<promise>COMPLETE</promise>"`)

	sub := NewSubprocess(Backend{Name: "fake", Command: script, Stdin: "CLAUDE.md"})

	var mu sync.Mutex
	var lines []string
	req := newRequest(dir, incomplete())
	req.OnLine = func(_ context.Context, line string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, line)
	}

	res := sub.Dispatch(context.Background(), req)
	if !res.Succeeded || !res.Sentinel {
		t.Fatalf("expected sentinel success, got %+v", res)
	}
	if res.Prompt != "do the next story\n" {
		t.Errorf("expected prompt from CLAUDE.md, got %q", res.Prompt)
	}
	if !strings.Contains(res.Output, "got: do the next story") {
		t.Errorf("expected stdin echoed, got %q", res.Output)
	}
	if !strings.Contains(res.Output, "working on US-001") {
		t.Errorf("expected stderr captured, got %q", res.Output)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %v", res.ExitCode)
	}
	if res.Backend != "fake" {
		t.Errorf("expected backend fake, got %s", res.Backend)
	}
	if res.Duration <= 0 {
		t.Error("expected duration recorded")
	}
	if len(lines) != 4 {
		t.Errorf("expected 4 lines observed, got %d: %v", len(lines), lines)
	}
}

func TestSubprocess_StoryPassedViaStore(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `echo "implemented login"`)
	stories := &fakeStories{prd: &types.PRD{UserStories: []types.Story{{ID: "US-001", Passes: true}}}}
	notifier := &recordingNotifier{}

	req := newRequest(dir, stories)
	req.Notifier = notifier
	res := NewSubprocess(Backend{Name: "fake", Command: script}).Dispatch(context.Background(), req)

	if !res.Succeeded || res.Sentinel || !res.StoryPassed {
		t.Fatalf("expected success via store, got %+v", res)
	}
	updates := notifier.ofType(types.NotifyStoryUpdate)
	if len(updates) != 1 {
		t.Fatalf("expected 1 story_update, got %d", len(updates))
	}
	if p := updates[0].Data.(types.StoryUpdatePayload); p.StoryID != "US-001" || !p.Passes {
		t.Errorf("unexpected payload %+v", p)
	}
}

func TestSubprocess_NoSignalIsFailure(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `echo "thinking"`)

	res := NewSubprocess(Backend{Name: "fake", Command: script}).Dispatch(context.Background(), newRequest(dir, incomplete()))
	if res.Succeeded {
		t.Fatalf("expected failure, got %+v", res)
	}
	if res.Error != "" {
		t.Errorf("expected no error text, got %q", res.Error)
	}
}

func TestSubprocess_NonZeroExit(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `echo "<promise>COMPLETE</promise>"; exit 3`)

	res := NewSubprocess(Backend{Name: "fake", Command: script}).Dispatch(context.Background(), newRequest(dir, incomplete()))
	if res.Succeeded {
		t.Fatal("expected non-zero exit to fail even with sentinel")
	}
	if !strings.Contains(res.Error, "exited with code 3") {
		t.Errorf("expected exit code in error, got %q", res.Error)
	}
	if res.ExitCode == nil || *res.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %v", res.ExitCode)
	}
	if !strings.Contains(res.Output, Sentinel) {
		t.Error("expected output kept on failure")
	}
}

func TestSubprocess_FailedExitStillReportsStory(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `echo "committed, then lint failed"; exit 1`)
	stories := &fakeStories{prd: &types.PRD{UserStories: []types.Story{{ID: "US-001", Passes: true}}}}
	notifier := &recordingNotifier{}

	req := newRequest(dir, stories)
	req.Notifier = notifier
	res := NewSubprocess(Backend{Name: "fake", Command: script}).Dispatch(context.Background(), req)

	if res.Succeeded {
		t.Fatalf("expected non-zero exit to fail, got %+v", res)
	}
	if !res.StoryPassed {
		t.Error("expected the flipped story to be detected")
	}
	updates := notifier.ofType(types.NotifyStoryUpdate)
	if len(updates) != 1 {
		t.Fatalf("expected 1 story_update, got %d", len(updates))
	}
	if p := updates[0].Data.(types.StoryUpdatePayload); p.StoryID != "US-001" || !p.Passes {
		t.Errorf("unexpected payload %+v", p)
	}
}

func TestSubprocess_MissingBinary(t *testing.T) {
	dir := t.TempDir()
	sub := NewSubprocess(Backend{Name: "ghost", Command: "ralph-no-such-agent-binary"})

	res := sub.Dispatch(context.Background(), newRequest(dir, incomplete()))
	if res.Succeeded {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "not found") {
		t.Errorf("expected not found error, got %q", res.Error)
	}
}

func TestSubprocess_MissingInstructions(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `echo hi`)

	res := NewSubprocess(Backend{Name: "fake", Command: script, Stdin: "CLAUDE.md"}).Dispatch(context.Background(), newRequest(dir, incomplete()))
	if res.Succeeded || !strings.Contains(res.Error, "load instructions") {
		t.Errorf("expected instruction load failure, got %+v", res)
	}
}

func TestSubprocess_Timeout(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, `echo started; sleep 10; echo never`)

	start := time.Now()
	sub := NewSubprocess(Backend{Name: "fake", Command: script}, WithTimeout(200*time.Millisecond))
	res := sub.Dispatch(context.Background(), newRequest(dir, incomplete()))

	if res.Succeeded {
		t.Fatal("expected timeout failure")
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Errorf("expected timeout error, got %q", res.Error)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("expected child killed promptly, took %s", elapsed)
	}
}

func TestSubprocess_DrainsBothStreamsConcurrently(t *testing.T) {
	dir := t.TempDir()
	// Far more than a pipe buffer on each stream.
	script := writeScript(t, dir, `
i=0
while [ $i -lt 3000 ]; do
  echo "stderr line $i padding padding padding padding padding" >&2
  echo "stdout line $i padding padding padding padding padding"
  i=$((i+1))
done`)

	done := make(chan Result, 1)
	go func() {
		done <- NewSubprocess(Backend{Name: "fake", Command: script}).Dispatch(context.Background(), newRequest(dir, incomplete()))
	}()

	select {
	case res := <-done:
		if res.Error != "" {
			t.Fatalf("unexpected error %q", res.Error)
		}
		if n := strings.Count(res.Output, "\n"); n != 6000 {
			t.Errorf("expected 6000 lines, got %d", n)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("dispatch deadlocked")
	}
}

func TestSubprocess_Validate(t *testing.T) {
	if err := NewSubprocess(Backend{Name: "x"}).Validate(); !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}
}
