package loop

import (
	"time"

	"github.com/user/ralph/internal/config"
	"github.com/user/ralph/internal/dispatch"
	"github.com/user/ralph/internal/state"
	"github.com/user/ralph/internal/types"
)

// Option configures a Controller.
type Option func(c *Controller, maxConcurrent *int64)

func WithNotifier(n types.Notifier) Option {
	return func(c *Controller, _ *int64) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithEventLogs shares an event log set with other readers such as the HTTP server.
func WithEventLogs(s *state.EventLogSet) Option {
	return func(c *Controller, _ *int64) { c.events = s }
}

func WithRunStore(s *state.RunStore) Option {
	return func(c *Controller, _ *int64) { c.runs = s }
}

func WithOutputStore(s *state.OutputStore) Option {
	return func(c *Controller, _ *int64) { c.outputs = s }
}

func WithTranscriptSink(s state.TranscriptSink) Option {
	return func(c *Controller, _ *int64) { c.sink = s }
}

func WithTokenCounter(tc types.TokenCounter) Option {
	return func(c *Controller, _ *int64) { c.counter = tc }
}

// WithMaxConcurrent caps how many targets may run at once.
func WithMaxConcurrent(n int) Option {
	return func(_ *Controller, max *int64) {
		if n > 0 {
			*max = int64(n)
		}
	}
}

// WithMaxIterations sets the default iteration budget.
func WithMaxIterations(n int) Option {
	return func(c *Controller, _ *int64) {
		if n > 0 {
			c.maxIterations = n
		}
	}
}

// WithDelay sets the pause between iterations.
func WithDelay(d time.Duration) Option {
	return func(c *Controller, _ *int64) {
		if d >= 0 {
			c.delay = d
		}
	}
}

// WithStopOnSentinel ends the run as completed as soon as the agent prints
// the completion sentinel, without re-checking the story store.
func WithStopOnSentinel(on bool) Option {
	return func(c *Controller, _ *int64) { c.stopOnSentinel = on }
}

// WithPRDWatch watches prd.json during a run and reports stories the agent
// flips.
func WithPRDWatch(on bool) Option {
	return func(c *Controller, _ *int64) { c.watchPRD = on }
}

// FromConfig wires a controller to cfg: targets resolve through the project
// list, dispatchers are built by dispatch.New, and runs, artifacts and
// loop limits follow the configuration. opts are applied last.
func FromConfig(cfg *config.Config, opts ...Option) *Controller {
	resolve := func(target types.TargetID) (string, bool) {
		return cfg.ProjectPath(string(target))
	}
	factory := func(o dispatch.Options) (dispatch.Dispatcher, error) {
		return dispatch.New(cfg, o)
	}
	base := []Option{
		WithMaxConcurrent(cfg.MaxConcurrent),
		WithMaxIterations(cfg.MaxIterations),
		WithDelay(cfg.IterationDelay()),
		WithEventLogs(state.NewEventLogSet(cfg.EventBuffer)),
		WithRunStore(state.NewRunStore(cfg.RunsPath())),
		WithOutputStore(state.NewOutputStore(cfg.DataDir)),
	}
	return New(resolve, factory, append(base, opts...)...)
}
