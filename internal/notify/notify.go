// Package notify delivers loop notifications to observers: websocket
// clients, Telegram and the terminal running `ralph run`.
package notify

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/user/ralph/internal/types"
)

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(context.Context, types.Notification) {}

// Sink delivers notifications to one channel. Unlike types.Notifier it
// reports failures; Fanout logs them.
type Sink interface {
	Send(ctx context.Context, n types.Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n types.Notification) error

func (f SinkFunc) Send(ctx context.Context, n types.Notification) error { return f(ctx, n) }

// Fanout routes each notification to every registered sink. Delivery is
// best-effort: a failing sink is logged and the others still receive it.
type Fanout struct {
	mu      sync.RWMutex
	sinks   map[string]Sink
	timeout time.Duration
}

func NewFanout() *Fanout {
	return &Fanout{
		sinks:   make(map[string]Sink),
		timeout: 5 * time.Second,
	}
}

// Register adds or replaces the sink called name.
func (f *Fanout) Register(name string, s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks[name] = s
}

func (f *Fanout) Unregister(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sinks, name)
}

// Names lists registered sinks in sorted order.
func (f *Fanout) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.sinks))
	for name := range f.sinks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Notify implements types.Notifier.
func (f *Fanout) Notify(ctx context.Context, n types.Notification) {
	f.mu.RLock()
	sinks := make(map[string]Sink, len(f.sinks))
	for name, s := range f.sinks {
		sinks[name] = s
	}
	f.mu.RUnlock()

	for name, s := range sinks {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.timeout)
		if err := s.Send(sendCtx, n); err != nil {
			slog.Warn("notification delivery failed", "sink", name, "type", string(n.Type), "target", string(n.Target), "error", err)
		}
		cancel()
	}
}
