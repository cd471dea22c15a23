//go:build integration

package test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/user/ralph/internal/dispatch"
	"github.com/user/ralph/internal/loop"
	"github.com/user/ralph/internal/notify"
	"github.com/user/ralph/internal/server"
	"github.com/user/ralph/internal/state"
	"github.com/user/ralph/internal/types"
)

// fakeAgent flips the first story still marked "passes": false, logs a
// progress note and emits the sentinel once nothing is left.
const fakeAgent = `#!/bin/sh
cat > /dev/null
echo "Reading file: prd.json"
awk 'BEGIN{d=0} !d && /"passes": false/ {sub(/"passes": false/, "\"passes\": true"); d=1} {print}' prd.json > prd.tmp && mv prd.tmp prd.json
echo "## iteration done" >> progress.txt
if ! grep -q '"passes": false' prd.json; then
  echo "<promise>COMPLETE</promise>"
fi
`

func TestEndToEnd(t *testing.T) {
	dir := t.TempDir()
	agent := filepath.Join(dir, "fake-agent")
	if err := os.WriteFile(agent, []byte(fakeAgent), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte("implement the next story\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	store := state.NewPRDStore(filepath.Join(dir, state.PRDFile))
	ctx := context.Background()
	if err := store.Save(ctx, &types.PRD{
		ProjectName: "e2e",
		BranchName:  "ralph/e2e",
		UserStories: []types.Story{
			{ID: "US-001", Title: "first", Priority: 1},
			{ID: "US-002", Title: "second", Priority: 2},
			{ID: "US-003", Title: "third", Priority: 3},
		},
	}); err != nil {
		t.Fatal(err)
	}

	backend := dispatch.Backend{Name: "fake", Command: agent, Stdin: "CLAUDE.md"}
	hub := notify.NewHub()
	fanout := notify.NewFanout()
	fanout.Register("websocket", hub)

	ctrl := loop.New(
		func(types.TargetID) (string, bool) { return dir, true },
		func(dispatch.Options) (dispatch.Dispatcher, error) {
			return dispatch.NewSubprocess(backend, dispatch.WithTimeout(30*time.Second)), nil
		},
		loop.WithNotifier(fanout),
		loop.WithDelay(10*time.Millisecond),
		loop.WithRunStore(state.NewRunStore(filepath.Join(dir, "data", "runs.json"))),
		loop.WithOutputStore(state.NewOutputStore(filepath.Join(dir, "data"))),
	)
	defer ctrl.Shutdown(ctx)

	ts := httptest.NewServer(server.New(ctrl, server.WithHub(hub)))
	defer ts.Close()

	wctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(wctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")
	for hub.Clients() == 0 {
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Post(ts.URL+"/api/ralph/start", "application/json", strings.NewReader(`{"max_iterations": 5}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var final types.Notification
	for {
		var n types.Notification
		if err := wsjson.Read(wctx, ws, &n); err != nil {
			t.Fatalf("read notification: %v", err)
		}
		if n.Type == types.NotifyComplete {
			final = n
			break
		}
	}
	data, _ := final.Data.(map[string]any)
	if data["status"] != string(types.RunStatusCompleted) {
		t.Errorf("expected completed, got %v", data["status"])
	}

	for ctrl.IsRunning("") {
		time.Sleep(10 * time.Millisecond)
	}
	prd, err := store.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !prd.AllComplete() {
		t.Error("expected every story to pass")
	}
	view := ctrl.Status(ctx, "")
	if view.Run == nil || view.Run.CurrentIteration != 3 {
		t.Errorf("expected 3 iterations, got %+v", view.Run)
	}

	events, err := state.ReadEvents(filepath.Join(dir, state.EventsFile))
	if err != nil {
		t.Fatal(err)
	}
	completed := 0
	for _, e := range events {
		if e.Type == types.EventStoryComplete {
			completed++
		}
	}
	if completed != 3 {
		t.Errorf("expected 3 story_complete events, got %d", completed)
	}

	progress, err := os.ReadFile(filepath.Join(dir, state.ProgressFile))
	if err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(string(progress), "## iteration done"); n != 3 {
		t.Errorf("expected 3 progress notes, got %d", n)
	}
}
