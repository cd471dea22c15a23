package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/user/ralph/internal/archive"
	"github.com/user/ralph/internal/dispatch"
	"github.com/user/ralph/internal/state"
	"github.com/user/ralph/internal/types"
)

// maxErrorDetails bounds the output tail stored with an error event.
const maxErrorDetails = 2000

// session is everything one run touches.
type session struct {
	a        *activeRun
	target   types.TargetID
	runID    types.RunID
	dir      string
	max      int
	prd      *state.PRDStore
	progress *state.ProgressLog
	events   *state.EventLog
	rec      *state.Recorder
	d        dispatch.Dispatcher
}

// outcome is how a run ended.
type outcome struct {
	status  types.RunStatus
	message string
	err     string
}

func (c *Controller) execute(a *activeRun, dir string, d dispatch.Dispatcher) {
	ctx := c.base
	s := &session{
		a:        a,
		target:   a.run.TargetID,
		runID:    a.run.ID,
		dir:      dir,
		max:      a.run.MaxIterations,
		prd:      state.NewPRDStore(filepath.Join(dir, state.PRDFile)),
		progress: state.NewProgressLog(dir),
		rec:      c.Recorder(a.run.TargetID),
		d:        d,
	}

	events, err := c.events.Get(s.target, dir)
	if err != nil {
		c.finish(ctx, s, outcome{status: types.RunStatusError, message: "Ralph orchestrator error: " + err.Error(), err: err.Error()})
		return
	}
	s.events = events
	s.rec.Reset(s.runID)

	c.prepare(ctx, s)

	var w *state.PRDWatcher
	if c.watchPRD {
		w = c.watch(ctx, s)
	}
	out := c.iterate(ctx, s)
	if w != nil {
		w.Stop()
	}
	c.finish(ctx, s, out)
}

// prepare runs before the first iteration: archival, progress file and the
// start records.
func (c *Controller) prepare(ctx context.Context, s *session) {
	res, err := archive.New(s.dir).MaybeArchive(ctx)
	switch {
	case err != nil:
		slog.Warn("archive check failed", "target", string(s.target), "error", err)
	case res.Archived:
		msg := fmt.Sprintf("Archived previous run (%s) to %s", res.PreviousBranch, res.Folder)
		s.events.System(msg, types.SystemData{RunID: s.runID, Path: res.Folder})
		s.rec.AddOrchestratorMessage(ctx, types.RoleAssistant, msg)
	}

	if err := s.progress.Ensure(); err != nil {
		slog.Warn("create progress log failed", "target", string(s.target), "error", err)
	}

	s.events.System("Ralph loop started", types.SystemData{
		RunID:         s.runID,
		Status:        types.RunStatusRunning,
		MaxIterations: s.max,
	})
	s.rec.AddOrchestratorMessage(ctx, types.RoleAssistant,
		fmt.Sprintf("Starting Ralph autonomous loop (max %d iterations)", s.max))
}

func (c *Controller) iterate(ctx context.Context, s *session) outcome {
	for i := 1; ; i++ {
		if s.a.stopRequested() {
			return outcome{status: types.RunStatusStopped, message: "Ralph loop stopped by user"}
		}
		if ctx.Err() != nil {
			return outcome{status: types.RunStatusStopped, message: "Ralph loop stopped by shutdown"}
		}

		story, ok, err := s.prd.NextIncomplete(ctx)
		if err != nil {
			msg := fmt.Sprintf("Ralph orchestrator error: %v", err)
			if errors.Is(err, state.ErrNoPRD) {
				msg = fmt.Sprintf("Ralph orchestrator error: no %s in %s", state.PRDFile, s.dir)
			}
			return outcome{status: types.RunStatusError, message: msg, err: err.Error()}
		}
		if !ok {
			return outcome{status: types.RunStatusCompleted, message: "No incomplete stories found. All done!"}
		}

		c.advance(ctx, s, i, story.ID)
		res := c.runIteration(ctx, s, i, story)

		if res.Sentinel && c.stopOnSentinel {
			return outcome{status: types.RunStatusCompleted, message: fmt.Sprintf("Ralph completed all tasks! Completed at iteration %d of %d", i, s.max)}
		}
		all, err := s.prd.AllComplete(ctx)
		if err != nil {
			slog.Warn("completion check failed", "target", string(s.target), "error", err)
		}
		if all {
			return outcome{status: types.RunStatusCompleted, message: "All stories completed! Ralph is done."}
		}
		if i >= s.max {
			return outcome{status: types.RunStatusExhausted, message: fmt.Sprintf("Reached max iterations (%d). Some stories may still be incomplete.", s.max)}
		}

		select {
		case <-s.a.stop:
		case <-ctx.Done():
		case <-time.After(c.delay):
		}
	}
}

// advance moves the run to iteration i. current_iteration never decreases.
func (c *Controller) advance(ctx context.Context, s *session, i int, storyID string) {
	c.mu.Lock()
	s.a.run.CurrentIteration = i
	s.a.run.CurrentStoryID = storyID
	run := s.a.run
	c.mu.Unlock()
	c.saveRun(ctx, run)
}

// runIteration dispatches the agent for story and records everything that
// came back before returning.
func (c *Controller) runIteration(ctx context.Context, s *session, i int, story types.Story) dispatch.Result {
	s.rec.AddOrchestratorMessage(ctx, types.RoleAssistant, fmt.Sprintf("Starting iteration %d of %d", i, s.max))
	c.notify(ctx, s.target, types.NotifyIterationStart, i, types.IterationStartPayload{
		Iteration:  i,
		StoryID:    story.ID,
		StoryTitle: story.Title,
	})
	s.events.StoryStart(story.ID, story.Title)

	observer := dispatch.NewObserver(s.target, i, story.ID, c.notifier, s.events)
	res := s.d.Dispatch(ctx, dispatch.Request{
		RunID:     s.runID,
		Target:    s.target,
		Dir:       s.dir,
		Iteration: i,
		Story:     story,
		Stories:   s.prd,
		Notifier:  c.notifier,
		OnLine:    observer.Line,
	})
	slog.Info("iteration finished", "target", string(s.target), "run_id", string(s.runID), "iteration", i,
		"story", story.ID, "backend", res.Backend, "succeeded", res.Succeeded, "duration", res.Duration)

	s.rec.AddSubagentMessage(ctx, i, story.ID, types.RoleSystem,
		fmt.Sprintf("Running iteration %d with %s for story: %s", i, res.Backend, story.ID))
	if res.Prompt != "" {
		s.rec.AddSubagentMessage(ctx, i, story.ID, types.RoleUser, res.Prompt)
	}
	if res.Output != "" {
		s.rec.AddSubagentMessage(ctx, i, story.ID, types.RoleAssistant, res.Output)
	}
	if res.Error != "" {
		s.rec.AddSubagentMessage(ctx, i, story.ID, types.RoleSystem, "Error: "+res.Error)
	}

	s.events.StoryComplete(story.ID, story.Title, res.Succeeded, i, nil)
	c.saveOutput(ctx, s, i, story.ID, res)

	c.notify(ctx, s.target, types.NotifyIterationComplete, i, types.IterationCompletePayload{
		Iteration: i,
		StoryID:   story.ID,
		Success:   res.Succeeded,
	})

	if !res.Succeeded {
		msg := res.Error
		if msg == "" {
			msg = fmt.Sprintf("Iteration %d failed for story %s", i, story.ID)
		}
		s.events.Error(msg, tail(res.Output, maxErrorDetails), story.ID)
		c.notify(ctx, s.target, types.NotifyError, i, types.ErrorPayload{Message: msg})
	}
	return res
}

func (c *Controller) saveOutput(ctx context.Context, s *session, i int, storyID string, res dispatch.Result) {
	if c.outputs == nil {
		return
	}
	err := c.outputs.Put(ctx, &state.IterationOutput{
		RunID:     s.runID,
		Target:    s.target,
		Iteration: i,
		StoryID:   storyID,
		Backend:   res.Backend,
		Succeeded: res.Succeeded,
		Sentinel:  res.Sentinel,
		ExitCode:  res.ExitCode,
		Output:    res.Output,
		Error:     res.Error,
		Duration:  res.Duration.String(),
	})
	if err != nil {
		slog.Warn("save iteration output failed", "target", string(s.target), "run_id", string(s.runID), "iteration", i, "error", err)
	}
}

// finish records the terminal state and then frees the target. Every record
// of the run is written before a new run of the target can start; only the
// complete notification follows the release, so observers reacting to it
// find the target idle.
func (c *Controller) finish(ctx context.Context, s *session, out outcome) {
	now := time.Now()
	c.mu.Lock()
	s.a.run.Status = out.status
	s.a.run.EndedAt = &now
	s.a.run.Error = out.err
	run := s.a.run
	c.mu.Unlock()

	c.saveRun(ctx, run)
	s.rec.AddOrchestratorMessage(ctx, types.RoleAssistant, out.message)
	if s.events != nil {
		s.events.System(fmt.Sprintf("Ralph loop %s", out.status), types.SystemData{
			RunID:         run.ID,
			Status:        run.Status,
			Iteration:     run.CurrentIteration,
			MaxIterations: run.MaxIterations,
		})
	}
	entry := fmt.Sprintf("## Run %s %s after %d iterations (%s)", run.ID, run.Status, run.CurrentIteration, now.Format("2006-01-02 15:04:05"))
	if err := s.progress.Append(entry); err != nil {
		slog.Warn("append progress note failed", "target", string(s.target), "error", err)
	} else {
		c.notify(ctx, s.target, types.NotifyProgressUpdate, 0, types.ProgressPayload{Entry: entry})
	}
	if out.status == types.RunStatusError {
		c.notify(ctx, s.target, types.NotifyError, 0, types.ErrorPayload{Message: out.message})
	}

	c.release(s.a, run)
	c.notify(ctx, s.target, types.NotifyComplete, 0, types.CompletePayload{Status: out.status, Message: out.message})
	slog.Info("ralph loop finished", "target", string(s.target), "run_id", string(run.ID), "status", string(run.Status), "iterations", run.CurrentIteration)
}

// watch reports stories the agent flips in prd.json while the run is active.
func (c *Controller) watch(ctx context.Context, s *session) *state.PRDWatcher {
	w, err := state.NewPRDWatcher(s.prd, func(changes []state.StoryChange) {
		c.mu.Lock()
		iteration := s.a.run.CurrentIteration
		c.mu.Unlock()
		for _, ch := range changes {
			c.notify(ctx, s.target, types.NotifyStoryUpdate, iteration, types.StoryUpdatePayload{StoryID: ch.StoryID, Passes: ch.Passes})
			verb := "reopened"
			if ch.Passes {
				verb = "passed"
			}
			entry := fmt.Sprintf("Story %s %s: %s", ch.StoryID, verb, ch.Title)
			s.events.Progress(entry, ch.StoryID, types.ProgressData{Iteration: iteration})
			c.notify(ctx, s.target, types.NotifyProgressUpdate, iteration, types.ProgressPayload{Entry: entry})
		}
	})
	if err != nil {
		slog.Warn("prd watcher unavailable", "target", string(s.target), "error", err)
		return nil
	}
	w.Start(ctx)
	return w
}

func tail(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[len(r)-n:])
	}
	return s
}
