// Package scheduler starts loops on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/user/ralph/internal/loop"
	"github.com/user/ralph/internal/state"
	"github.com/user/ralph/internal/types"
)

// Starter launches a loop run.
type Starter interface {
	Start(ctx context.Context, target types.TargetID, opts loop.StartOptions) (*loop.Handle, error)
}

// Scheduler evaluates cron expressions from the schedule store and starts a
// run for the schedule's target each time one fires.
type Scheduler struct {
	store   *state.ScheduleStore
	starter Starter

	mu   sync.Mutex
	cron *cron.Cron
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate reports whether expr is a schedule the scheduler accepts.
func Validate(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

func New(store *state.ScheduleStore, starter Starter) *Scheduler {
	return &Scheduler{
		store:   store,
		starter: starter,
		cron:    cron.New(cron.WithParser(cronParser)),
	}
}

// Start registers every enabled schedule and starts the cron ticker.
// Invalid expressions are logged and skipped.
func (s *Scheduler) Start() error {
	schedules, err := s.store.List()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sc := range schedules {
		if sc.Cron == "" || !sc.Enabled {
			continue
		}
		sc := sc
		if _, err := s.cron.AddFunc(sc.Cron, func() { s.fire(sc) }); err != nil {
			slog.Error("invalid cron schedule", "name", sc.Name, "schedule", sc.Cron, "error", err)
			continue
		}
		slog.Info("scheduled loop", "name", sc.Name, "target", string(sc.Target), "schedule", sc.Cron)
	}

	s.cron.Start()
	return nil
}

func (s *Scheduler) fire(sc *state.Schedule) {
	slog.Info("cron firing schedule", "name", sc.Name, "target", string(sc.Target))
	h, err := s.starter.Start(context.Background(), sc.Target, loop.StartOptions{
		MaxIterations: sc.MaxIterations,
		Mode:          sc.Mode,
	})
	switch {
	case errors.Is(err, loop.ErrAlreadyRunning):
		slog.Info("scheduled start skipped, loop already running", "name", sc.Name, "target", string(sc.Target))
	case err != nil:
		slog.Error("scheduled start rejected", "name", sc.Name, "target", string(sc.Target), "error", err)
	default:
		slog.Info("scheduled run started", "name", sc.Name, "target", string(sc.Target), "run_id", string(h.RunID))
	}
}

// Reload stops the existing cron, creates a new one, and calls Start() again.
func (s *Scheduler) Reload() error {
	s.mu.Lock()
	s.cron.Stop()
	s.cron = cron.New(cron.WithParser(cronParser))
	s.mu.Unlock()
	return s.Start()
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cron.Stop()
}
