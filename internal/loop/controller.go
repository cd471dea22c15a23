// Package loop runs the Ralph iteration loop: pick the next incomplete
// story, dispatch the agent, record what happened, repeat until the backlog
// is done, the iteration budget runs out or someone asks it to stop.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/ralph/internal/dispatch"
	"github.com/user/ralph/internal/state"
	"github.com/user/ralph/internal/types"
)

var (
	ErrAlreadyRunning = errors.New("ralph is already running")
	ErrNotRunning     = errors.New("ralph is not running")
	ErrAtCapacity     = errors.New("too many loops running")
	ErrUnknownTarget  = errors.New("unknown target")
)

// DefaultDelay is the pause between iterations.
const DefaultDelay = 2 * time.Second

// Resolver maps a target to the directory holding its prd.json.
type Resolver func(target types.TargetID) (string, bool)

// DispatcherFactory builds the dispatcher for one run.
type DispatcherFactory func(opts dispatch.Options) (dispatch.Dispatcher, error)

// StartOptions parameterise a run. Zero values use the controller defaults.
type StartOptions struct {
	MaxIterations int
	Mode          types.DispatchMode
	Agent         string
}

// RunView is a snapshot of a target's loop.
type RunView struct {
	Target  types.TargetID `json:"target"`
	Running bool           `json:"running"`
	// Run is the active run, or the last finished one.
	Run *types.Run `json:"run,omitempty"`
}

// Controller owns every loop in the process. At most one run is active per
// target; the number of targets running at once is capped.
type Controller struct {
	resolve    Resolver
	dispatcher DispatcherFactory
	notifier   types.Notifier
	events     *state.EventLogSet
	runs       *state.RunStore
	outputs    *state.OutputStore
	sink       state.TranscriptSink
	counter    types.TokenCounter

	maxIterations  int
	delay          time.Duration
	stopOnSentinel bool
	watchPRD       bool
	sem            *semaphore.Weighted

	// base is cancelled by Shutdown once the grace period is over; it is the
	// only thing that interrupts an in-flight dispatch.
	base   context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	active    map[types.TargetID]*activeRun
	last      map[types.TargetID]types.Run
	recorders map[types.TargetID]*state.Recorder
}

type activeRun struct {
	run      types.Run
	final    types.Run
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func (a *activeRun) requestStop() {
	a.stopOnce.Do(func() { close(a.stop) })
}

func (a *activeRun) stopRequested() bool {
	select {
	case <-a.stop:
		return true
	default:
		return false
	}
}

// New creates a controller. resolve and factory are required.
func New(resolve Resolver, factory DispatcherFactory, opts ...Option) *Controller {
	base, cancel := context.WithCancel(context.Background())
	c := &Controller{
		resolve:       resolve,
		dispatcher:    factory,
		notifier:      nopNotifier{},
		events:        state.NewEventLogSet(state.DefaultEventBuffer),
		maxIterations: 10,
		delay:         DefaultDelay,
		base:          base,
		cancel:        cancel,
		active:        make(map[types.TargetID]*activeRun),
		last:          make(map[types.TargetID]types.Run),
		recorders:     make(map[types.TargetID]*state.Recorder),
	}
	maxConcurrent := int64(4)
	for _, opt := range opts {
		opt(c, &maxConcurrent)
	}
	c.sem = semaphore.NewWeighted(maxConcurrent)
	return c
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, types.Notification) {}

// Handle tracks a started run.
type Handle struct {
	RunID  types.RunID
	Target types.TargetID
	a      *activeRun
	ctrl   *Controller
}

// Done is closed when the run has reached a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.a.done }

// Wait blocks until the run finishes and returns its final record.
func (h *Handle) Wait(ctx context.Context) (types.Run, error) {
	select {
	case <-h.a.done:
	case <-ctx.Done():
		return types.Run{}, ctx.Err()
	}
	h.ctrl.mu.Lock()
	defer h.ctrl.mu.Unlock()
	return h.a.final, nil
}

// release publishes run as the final record of a and frees its target and
// concurrency slot in one step.
func (c *Controller) release(a *activeRun, run types.Run) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a.final = run
	c.last[run.TargetID] = run
	if c.active[run.TargetID] == a {
		delete(c.active, run.TargetID)
	}
	c.sem.Release(1)
}

// Dir resolves target to its directory.
func (c *Controller) Dir(target types.TargetID) (string, error) {
	dir, ok := c.resolve(normalize(target))
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	return dir, nil
}

func normalize(target types.TargetID) types.TargetID {
	if target == "" {
		return types.GlobalTarget
	}
	return target
}

// Start launches a run for target and returns immediately. Configuration
// problems are reported here, before any iteration runs.
func (c *Controller) Start(ctx context.Context, target types.TargetID, opts StartOptions) (*Handle, error) {
	target = normalize(target)
	dir, err := c.Dir(target)
	if err != nil {
		return nil, err
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = c.maxIterations
	}

	d, err := c.dispatcher(dispatch.Options{Mode: opts.Mode, Agent: opts.Agent})
	if err != nil {
		return nil, err
	}
	mode := types.DispatchCLI
	if d.Name() == "api" {
		mode = types.DispatchAPI
	}

	c.mu.Lock()
	if _, running := c.active[target]; running {
		c.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	if !c.sem.TryAcquire(1) {
		c.mu.Unlock()
		return nil, ErrAtCapacity
	}
	a := &activeRun{
		run: types.Run{
			ID:            types.NewRunID(),
			TargetID:      target,
			Status:        types.RunStatusRunning,
			Mode:          mode,
			StartedAt:     time.Now(),
			MaxIterations: opts.MaxIterations,
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	c.active[target] = a
	c.mu.Unlock()

	slog.Info("ralph loop starting", "target", string(target), "run_id", string(a.run.ID), "backend", d.Name(), "max_iterations", opts.MaxIterations)
	c.saveRun(ctx, a.run)

	go func() {
		defer close(a.done)
		c.execute(a, dir, d)
	}()

	return &Handle{RunID: a.run.ID, Target: target, a: a, ctrl: c}, nil
}

// Stop asks the run of target to halt. The in-flight dispatch is allowed to
// finish; the loop stops at the next iteration boundary.
func (c *Controller) Stop(target types.TargetID) error {
	target = normalize(target)
	c.mu.Lock()
	a, ok := c.active[target]
	c.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	slog.Info("ralph loop stop requested", "target", string(target), "run_id", string(a.run.ID))
	a.requestStop()
	return nil
}

// IsRunning reports whether target has an active run.
func (c *Controller) IsRunning(target types.TargetID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[normalize(target)]
	return ok
}

// Status returns the active run of target, or its most recent finished run.
func (c *Controller) Status(ctx context.Context, target types.TargetID) RunView {
	target = normalize(target)
	c.mu.Lock()
	if a, ok := c.active[target]; ok {
		run := a.run
		c.mu.Unlock()
		return RunView{Target: target, Running: true, Run: &run}
	}
	if run, ok := c.last[target]; ok {
		c.mu.Unlock()
		return RunView{Target: target, Run: &run}
	}
	c.mu.Unlock()

	if c.runs != nil {
		if run, ok, err := c.runs.Latest(ctx, target); err == nil && ok {
			return RunView{Target: target, Run: run}
		}
	}
	return RunView{Target: target}
}

// Active lists the runs currently in progress.
func (c *Controller) Active() []types.Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Run, 0, len(c.active))
	for _, a := range c.active {
		out = append(out, a.run)
	}
	return out
}

// Recorder returns the conversation recorder of target.
func (c *Controller) Recorder(target types.TargetID) *state.Recorder {
	target = normalize(target)
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.recorders[target]
	if !ok {
		var opts []state.RecorderOption
		if c.counter != nil {
			opts = append(opts, state.WithTokenCounter(c.counter))
		}
		if c.sink != nil {
			opts = append(opts, state.WithTranscriptSink(c.sink))
		}
		r = state.NewRecorder(target, c.notifier, opts...)
		c.recorders[target] = r
	}
	return r
}

// EventLog returns the event log of target, opening it on first use.
func (c *Controller) EventLog(target types.TargetID) (*state.EventLog, error) {
	target = normalize(target)
	dir, err := c.Dir(target)
	if err != nil {
		return nil, err
	}
	return c.events.Get(target, dir)
}

// Runs returns the run index, which may be nil.
func (c *Controller) Runs() *state.RunStore { return c.runs }

// Outputs returns the iteration artifact store, which may be nil.
func (c *Controller) Outputs() *state.OutputStore { return c.outputs }

// Shutdown stops every run and waits for them. When ctx expires first,
// in-flight dispatches are cancelled and Shutdown returns ctx's error.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	runs := make([]*activeRun, 0, len(c.active))
	for _, a := range c.active {
		runs = append(runs, a)
	}
	c.mu.Unlock()

	for _, a := range runs {
		a.requestStop()
	}
	for _, a := range runs {
		select {
		case <-a.done:
		case <-ctx.Done():
			c.cancel()
			return ctx.Err()
		}
	}
	c.cancel()
	return nil
}

func (c *Controller) saveRun(ctx context.Context, run types.Run) {
	if c.runs == nil {
		return
	}
	if err := c.runs.Put(ctx, run); err != nil {
		slog.Warn("save run failed", "target", string(run.TargetID), "run_id", string(run.ID), "error", err)
	}
}

func (c *Controller) notify(ctx context.Context, target types.TargetID, t types.NotificationType, iteration int, data any) {
	c.notifier.Notify(ctx, types.NewNotification(target, t, iteration, data))
}
