// Package dispatch runs one iteration of the external coding agent, either
// through the hosted API or as a subprocess, and decides whether it succeeded.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/user/ralph/internal/types"
)

// Sentinel is the agent's explicit report that every story is done.
const Sentinel = "<promise>COMPLETE</promise>"

// ErrConfig marks configuration that makes dispatching impossible. It is
// reported before the first iteration.
var ErrConfig = errors.New("dispatch configuration error")

func configError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

// Request is one iteration's work order.
type Request struct {
	RunID     types.RunID
	Target    types.TargetID
	Dir       string
	Iteration int
	Story     types.Story

	// Stories is re-read after the agent exits to see whether it flipped passes.
	Stories types.StoryReader
	// Notifier receives story_update when the re-read finds the story passing.
	Notifier types.Notifier
	// OnLine, when set, sees every non-empty output line as it arrives.
	OnLine func(ctx context.Context, line string)
}

// Result is the outcome of one dispatch. Failures are carried in Error;
// Dispatch never returns a Go error.
type Result struct {
	Succeeded   bool
	Sentinel    bool
	StoryPassed bool
	Backend     string
	Prompt      string
	Output      string
	Error       string
	ExitCode    *int
	Duration    time.Duration
}

// Dispatcher runs the agent for one iteration.
type Dispatcher interface {
	Name() string
	// Validate reports configuration problems wrapped in ErrConfig.
	Validate() error
	Dispatch(ctx context.Context, req Request) Result
}

// conclude applies completion detection: the sentinel wins, then the story
// store is re-read. Any dispatch error is a failure regardless of output, but
// a story the agent managed to flip before failing is still reported.
func conclude(ctx context.Context, req Request, res *Result) {
	failed := res.Error != ""
	res.Succeeded = false
	if !failed && strings.Contains(res.Output, Sentinel) {
		res.Sentinel = true
		res.Succeeded = true
		return
	}
	if req.Stories == nil {
		return
	}
	// The dispatch ctx may already be done after a timeout.
	ctx = context.WithoutCancel(ctx)
	prd, err := req.Stories.Load(ctx)
	if err != nil {
		slog.Warn("re-read stories after dispatch", "target", string(req.Target), "error", err)
		return
	}
	if s, ok := prd.Story(req.Story.ID); ok && s.Passes {
		res.StoryPassed = true
		res.Succeeded = !failed
		if req.Notifier != nil {
			req.Notifier.Notify(ctx, types.NewNotification(req.Target, types.NotifyStoryUpdate, req.Iteration,
				types.StoryUpdatePayload{StoryID: s.ID, Passes: true}))
		}
	}
}

// lineSplitter turns a stream of text chunks into complete lines.
type lineSplitter struct {
	buf  strings.Builder
	emit func(line string)
}

func (l *lineSplitter) Write(chunk string) {
	for {
		i := strings.IndexByte(chunk, '\n')
		if i < 0 {
			l.buf.WriteString(chunk)
			return
		}
		l.buf.WriteString(chunk[:i])
		l.flushLine()
		chunk = chunk[i+1:]
	}
}

func (l *lineSplitter) Close() {
	if l.buf.Len() > 0 {
		l.flushLine()
	}
}

func (l *lineSplitter) flushLine() {
	line := strings.TrimSpace(l.buf.String())
	l.buf.Reset()
	if line != "" {
		l.emit(line)
	}
}
