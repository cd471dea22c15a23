package loop

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/ralph/internal/dispatch"
	"github.com/user/ralph/internal/state"
	"github.com/user/ralph/internal/types"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatch.Request
	fn    func(ctx context.Context, req dispatch.Request) dispatch.Result
}

func (f *fakeDispatcher) Name() string    { return "fake" }
func (f *fakeDispatcher) Validate() error { return nil }

func (f *fakeDispatcher) Dispatch(ctx context.Context, req dispatch.Request) dispatch.Result {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	res := f.fn(ctx, req)
	res.Backend = "fake"
	return res
}

func (f *fakeDispatcher) storyOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.calls))
	for i, c := range f.calls {
		ids[i] = c.Story.ID
	}
	return ids
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

func (r *recordingNotifier) count(t types.NotificationType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, note := range r.notes {
		if note.Type == t {
			n++
		}
	}
	return n
}

func writePRD(t *testing.T, dir string, stories ...types.Story) *state.PRDStore {
	t.Helper()
	store := state.NewPRDStore(filepath.Join(dir, state.PRDFile))
	prd := &types.PRD{ProjectName: "demo", Description: "test backlog", UserStories: stories}
	if err := store.Save(context.Background(), prd); err != nil {
		t.Fatal(err)
	}
	return store
}

func newTestController(t *testing.T, dir string, d dispatch.Dispatcher, opts ...Option) *Controller {
	t.Helper()
	resolve := func(target types.TargetID) (string, bool) {
		if target == types.GlobalTarget {
			return dir, true
		}
		return "", false
	}
	factory := func(dispatch.Options) (dispatch.Dispatcher, error) { return d, nil }
	base := []Option{
		WithDelay(10 * time.Millisecond),
		WithRunStore(state.NewRunStore(filepath.Join(dir, "data", "runs.json"))),
		WithOutputStore(state.NewOutputStore(filepath.Join(dir, "data"))),
	}
	c := New(resolve, factory, append(base, opts...)...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Shutdown(ctx)
	})
	return c
}

func waitRun(t *testing.T, h *Handle) types.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("run did not finish: %v", err)
	}
	return run
}

// blockingDispatcher parks every dispatch until release is closed.
func blockingDispatcher() (*fakeDispatcher, chan struct{}, chan struct{}) {
	entered := make(chan struct{}, 10)
	release := make(chan struct{})
	d := &fakeDispatcher{fn: func(ctx context.Context, req dispatch.Request) dispatch.Result {
		entered <- struct{}{}
		<-release
		if ctx.Err() != nil {
			return dispatch.Result{Error: "dispatch cancelled"}
		}
		return dispatch.Result{Output: "still working"}
	}}
	return d, entered, release
}

func TestController_PriorityOrderUntilComplete(t *testing.T) {
	dir := t.TempDir()
	store := writePRD(t, dir,
		types.Story{ID: "US-A", Title: "second", Priority: 2},
		types.Story{ID: "US-B", Title: "first", Priority: 1},
		types.Story{ID: "US-C", Title: "third", Priority: 3},
	)
	d := &fakeDispatcher{fn: func(ctx context.Context, req dispatch.Request) dispatch.Result {
		if err := store.MarkComplete(ctx, req.Story.ID); err != nil {
			return dispatch.Result{Error: err.Error()}
		}
		return dispatch.Result{Succeeded: true, StoryPassed: true, Output: "implemented " + req.Story.ID}
	}}
	notifier := &recordingNotifier{}
	c := newTestController(t, dir, d, WithNotifier(notifier))

	h, err := c.Start(context.Background(), "", StartOptions{MaxIterations: 10})
	if err != nil {
		t.Fatal(err)
	}
	run := waitRun(t, h)

	if run.Status != types.RunStatusCompleted {
		t.Errorf("expected completed, got %s", run.Status)
	}
	if got := strings.Join(d.storyOrder(), ","); got != "US-B,US-A,US-C" {
		t.Errorf("expected US-B,US-A,US-C, got %s", got)
	}
	if run.CurrentIteration != 3 {
		t.Errorf("expected 3 iterations, got %d", run.CurrentIteration)
	}
	if n := notifier.count(types.NotifyIterationStart); n != 3 {
		t.Errorf("expected 3 iteration_start notifications, got %d", n)
	}
	if n := notifier.count(types.NotifyComplete); n != 1 {
		t.Errorf("expected 1 complete notification, got %d", n)
	}
	notes, err := state.NewProgressLog(dir).Read()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(notes, "## Run "+string(run.ID)+" completed after 3 iterations") {
		t.Errorf("expected run summary in progress log, got %q", notes)
	}
	if n := notifier.count(types.NotifyProgressUpdate); n < 1 {
		t.Error("expected a progress_update notification")
	}
}

func TestController_ExhaustedWithOneErrorEvent(t *testing.T) {
	dir := t.TempDir()
	writePRD(t, dir, types.Story{ID: "US-001", Title: "Login", Priority: 1})
	d := &fakeDispatcher{fn: func(context.Context, dispatch.Request) dispatch.Result {
		return dispatch.Result{Output: "I could not finish this one"}
	}}
	notifier := &recordingNotifier{}
	c := newTestController(t, dir, d, WithNotifier(notifier))

	h, err := c.Start(context.Background(), types.GlobalTarget, StartOptions{MaxIterations: 1})
	if err != nil {
		t.Fatal(err)
	}
	run := waitRun(t, h)

	if run.Status != types.RunStatusExhausted {
		t.Fatalf("expected exhausted, got %s", run.Status)
	}
	events, err := state.ReadEvents(filepath.Join(dir, state.EventsFile))
	if err != nil {
		t.Fatal(err)
	}
	errorsSeen := 0
	for _, e := range events {
		if e.Type == types.EventError {
			errorsSeen++
		}
	}
	if errorsSeen != 1 {
		t.Errorf("expected exactly 1 error event, got %d", errorsSeen)
	}
	if n := notifier.count(types.NotifyError); n != 1 {
		t.Errorf("expected 1 error notification, got %d", n)
	}
	if len(d.calls) != 1 {
		t.Errorf("expected 1 dispatch, got %d", len(d.calls))
	}
}

func TestController_StopDuringDispatch(t *testing.T) {
	dir := t.TempDir()
	writePRD(t, dir, types.Story{ID: "US-001", Title: "Login", Priority: 1})
	d, entered, release := blockingDispatcher()
	c := newTestController(t, dir, d)

	h, err := c.Start(context.Background(), "", StartOptions{MaxIterations: 5})
	if err != nil {
		t.Fatal(err)
	}
	<-entered

	if err := c.Stop(""); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !c.IsRunning("") {
		t.Error("expected run to stay active until the dispatch returns")
	}
	close(release)
	run := waitRun(t, h)

	if run.Status != types.RunStatusStopped {
		t.Errorf("expected stopped, got %s", run.Status)
	}
	if len(d.calls) != 1 {
		t.Errorf("expected 1 dispatch, got %d", len(d.calls))
	}

	out, err := c.Outputs().Get(context.Background(), run.ID, 1)
	if err != nil {
		t.Fatalf("expected iteration artifact: %v", err)
	}
	if out.Error != "" {
		t.Errorf("expected the in-flight dispatch to finish uninterrupted, got %q", out.Error)
	}
}

func TestController_StartRejectedWhileRunning(t *testing.T) {
	dir := t.TempDir()
	writePRD(t, dir, types.Story{ID: "US-001", Title: "Login", Priority: 1})
	d, entered, release := blockingDispatcher()
	c := newTestController(t, dir, d)

	h, err := c.Start(context.Background(), "", StartOptions{MaxIterations: 1})
	if err != nil {
		t.Fatal(err)
	}
	<-entered

	if _, err := c.Start(context.Background(), "", StartOptions{MaxIterations: 1}); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
	view := c.Status(context.Background(), "")
	if !view.Running || view.Run.ID != h.RunID || view.Run.CurrentIteration != 1 {
		t.Errorf("unexpected status while running: %+v", view)
	}

	close(release)
	waitRun(t, h)

	h2, err := c.Start(context.Background(), "", StartOptions{MaxIterations: 1})
	if err != nil {
		t.Fatalf("expected start after termination, got %v", err)
	}
	waitRun(t, h2)
	if h2.RunID == h.RunID {
		t.Error("expected a new run id")
	}
}

func TestController_StopWhenIdle(t *testing.T) {
	c := newTestController(t, t.TempDir(), &fakeDispatcher{})
	if err := c.Stop(""); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}

func TestController_ConfigErrorAtStart(t *testing.T) {
	dir := t.TempDir()
	factory := func(dispatch.Options) (dispatch.Dispatcher, error) {
		return nil, fmt.Errorf("%w: no API key", dispatch.ErrConfig)
	}
	c := New(func(types.TargetID) (string, bool) { return dir, true }, factory)

	if _, err := c.Start(context.Background(), "", StartOptions{}); !errors.Is(err, dispatch.ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}
	if c.IsRunning("") {
		t.Error("expected nothing running after a config error")
	}
}

func TestController_UnknownTarget(t *testing.T) {
	c := newTestController(t, t.TempDir(), &fakeDispatcher{})
	if _, err := c.Start(context.Background(), "nope", StartOptions{}); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("expected ErrUnknownTarget, got %v", err)
	}
}

func TestController_NoPRDIsError(t *testing.T) {
	d := &fakeDispatcher{fn: func(context.Context, dispatch.Request) dispatch.Result { return dispatch.Result{} }}
	c := newTestController(t, t.TempDir(), d)

	h, err := c.Start(context.Background(), "", StartOptions{MaxIterations: 3})
	if err != nil {
		t.Fatal(err)
	}
	run := waitRun(t, h)
	if run.Status != types.RunStatusError {
		t.Errorf("expected error status, got %s", run.Status)
	}
	if run.Error == "" {
		t.Error("expected error text on run")
	}
	if len(d.calls) != 0 {
		t.Errorf("expected no dispatch, got %d", len(d.calls))
	}
}

func TestController_AllPassingCompletesImmediately(t *testing.T) {
	dir := t.TempDir()
	writePRD(t, dir, types.Story{ID: "US-001", Priority: 1, Passes: true})
	d := &fakeDispatcher{fn: func(context.Context, dispatch.Request) dispatch.Result { return dispatch.Result{} }}
	c := newTestController(t, dir, d)

	h, err := c.Start(context.Background(), "", StartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if run := waitRun(t, h); run.Status != types.RunStatusCompleted || run.CurrentIteration != 0 {
		t.Errorf("expected completed with no iterations, got %s after %d", run.Status, run.CurrentIteration)
	}
}

func TestController_StopOnSentinel(t *testing.T) {
	dir := t.TempDir()
	writePRD(t, dir,
		types.Story{ID: "US-001", Priority: 1},
		types.Story{ID: "US-002", Priority: 2},
	)
	d := &fakeDispatcher{fn: func(context.Context, dispatch.Request) dispatch.Result {
		return dispatch.Result{Succeeded: true, Sentinel: true, Output: dispatch.Sentinel}
	}}
	c := newTestController(t, dir, d, WithStopOnSentinel(true))

	h, err := c.Start(context.Background(), "", StartOptions{MaxIterations: 5})
	if err != nil {
		t.Fatal(err)
	}
	run := waitRun(t, h)
	if run.Status != types.RunStatusCompleted || run.CurrentIteration != 1 {
		t.Errorf("expected completed after 1 iteration, got %s after %d", run.Status, run.CurrentIteration)
	}
}

func TestController_CapacityLimit(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	writePRD(t, dirA, types.Story{ID: "US-001", Priority: 1})
	writePRD(t, dirB, types.Story{ID: "US-001", Priority: 1})
	d, entered, release := blockingDispatcher()

	resolve := func(target types.TargetID) (string, bool) {
		switch target {
		case "a":
			return dirA, true
		case "b":
			return dirB, true
		}
		return "", false
	}
	c := New(resolve, func(dispatch.Options) (dispatch.Dispatcher, error) { return d, nil }, WithMaxConcurrent(1))

	h, err := c.Start(context.Background(), "a", StartOptions{MaxIterations: 1})
	if err != nil {
		t.Fatal(err)
	}
	<-entered
	if _, err := c.Start(context.Background(), "b", StartOptions{MaxIterations: 1}); !errors.Is(err, ErrAtCapacity) {
		t.Errorf("expected ErrAtCapacity, got %v", err)
	}
	close(release)
	waitRun(t, h)
}

func TestController_RecordsTranscriptsAndRuns(t *testing.T) {
	dir := t.TempDir()
	writePRD(t, dir, types.Story{ID: "US-001", Title: "Login", Priority: 1})
	d := &fakeDispatcher{fn: func(context.Context, dispatch.Request) dispatch.Result {
		return dispatch.Result{Prompt: "do it", Output: "did part of it"}
	}}
	c := newTestController(t, dir, d)

	h, err := c.Start(context.Background(), "", StartOptions{MaxIterations: 1})
	if err != nil {
		t.Fatal(err)
	}
	run := waitRun(t, h)

	rec := c.Recorder("")
	orch := rec.Orchestrator()
	if orch.RunID != run.ID {
		t.Errorf("expected orchestrator tied to run %s, got %s", run.ID, orch.RunID)
	}
	if len(orch.Messages) == 0 || orch.Messages[0].Content != "Starting Ralph autonomous loop (max 1 iterations)" {
		t.Errorf("unexpected orchestrator transcript %+v", orch.Messages)
	}
	last := orch.Messages[len(orch.Messages)-1].Content
	if last != "Reached max iterations (1). Some stories may still be incomplete." {
		t.Errorf("unexpected final orchestrator message %q", last)
	}

	sub, ok := rec.Subagent(1)
	if !ok {
		t.Fatal("expected subagent transcript for iteration 1")
	}
	if len(sub.Messages) != 3 || sub.Messages[1].Content != "do it" || sub.Messages[2].Content != "did part of it" {
		t.Errorf("unexpected subagent transcript %+v", sub.Messages)
	}

	saved, err := c.Runs().Get(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if saved.Status != types.RunStatusExhausted || saved.EndedAt == nil {
		t.Errorf("expected persisted exhausted run, got %+v", saved)
	}

	view := c.Status(context.Background(), "")
	if view.Running || view.Run == nil || view.Run.ID != run.ID {
		t.Errorf("expected last run in status, got %+v", view)
	}
}

// hookNotifier records notifications and runs hook synchronously on each.
type hookNotifier struct {
	recordingNotifier
	hook func(types.Notification)
}

func (h *hookNotifier) Notify(ctx context.Context, n types.Notification) {
	h.recordingNotifier.Notify(ctx, n)
	if h.hook != nil {
		h.hook(n)
	}
}

func TestController_TargetHeldUntilRecordsWritten(t *testing.T) {
	dir := t.TempDir()
	writePRD(t, dir, types.Story{ID: "US-001", Priority: 1, Passes: true})

	var (
		mu              sync.Mutex
		runningAtNote   bool
		restartErr      error
		runningAtFinish = true
	)
	notifier := &hookNotifier{}
	c := newTestController(t, dir, &fakeDispatcher{}, WithNotifier(notifier), WithMaxConcurrent(1))
	notifier.hook = func(n types.Notification) {
		mu.Lock()
		defer mu.Unlock()
		switch n.Type {
		case types.NotifyProgressUpdate:
			runningAtNote = c.IsRunning("")
			_, restartErr = c.Start(context.Background(), "", StartOptions{MaxIterations: 1})
		case types.NotifyComplete:
			runningAtFinish = c.IsRunning("")
		}
	}

	h, err := c.Start(context.Background(), "", StartOptions{MaxIterations: 1})
	if err != nil {
		t.Fatal(err)
	}
	waitRun(t, h)

	mu.Lock()
	defer mu.Unlock()
	if !runningAtNote {
		t.Error("expected target still running while the run summary is written")
	}
	if !errors.Is(restartErr, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning during finalization, got %v", restartErr)
	}
	if runningAtFinish {
		t.Error("expected target idle by the complete notification")
	}
}

func TestController_WaitReturnsOwnRun(t *testing.T) {
	dir := t.TempDir()
	writePRD(t, dir, types.Story{ID: "US-001", Priority: 1, Passes: true})
	c := newTestController(t, dir, &fakeDispatcher{})

	first, err := c.Start(context.Background(), "", StartOptions{MaxIterations: 1})
	if err != nil {
		t.Fatal(err)
	}
	<-first.Done()
	second, err := c.Start(context.Background(), "", StartOptions{MaxIterations: 1})
	if err != nil {
		t.Fatal(err)
	}
	waitRun(t, second)

	run := waitRun(t, first)
	if run.ID != first.RunID {
		t.Errorf("expected run %s, got %s", first.RunID, run.ID)
	}
	if run.Status != types.RunStatusCompleted {
		t.Errorf("expected completed, got %s", run.Status)
	}
}
