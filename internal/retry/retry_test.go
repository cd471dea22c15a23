package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicy(t *testing.T) {
	policy := Default()

	if !policy.ShouldRetry(errors.New("connection refused"), 1) {
		t.Error("expected connection error to be retryable")
	}
	if policy.ShouldRetry(errors.New("error"), 4) {
		t.Error("should not retry after max attempts")
	}

	for attempt, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second} {
		if got := policy.NextDelay(attempt); got != want {
			t.Errorf("attempt %d: expected %v delay, got %v", attempt, want, got)
		}
	}
}

func TestPolicyNonRetryable(t *testing.T) {
	policy := Default()
	for _, msg := range []string{"invalid request", "unauthorized", "forbidden", "API error (status 401): bad key"} {
		if policy.ShouldRetry(errors.New(msg), 1) {
			t.Errorf("expected %q to be non-retryable", msg)
		}
	}
	if policy.ShouldRetry(nil, 1) {
		t.Error("nil error should not be retryable")
	}
	if policy.ShouldRetry(Permanent(errors.New("timeout")), 1) {
		t.Error("permanent error should not be retryable")
	}
	if !policy.ShouldRetry(Transient(errors.New("invalid character '}'")), 1) {
		t.Error("transient error should be retryable")
	}
}

func TestPolicyMaxDelayCap(t *testing.T) {
	policy := &Policy{
		MaxAttempts:  10,
		InitialDelay: time.Second,
		Multiplier:   10,
		MaxDelay:     5 * time.Second,
	}
	if got := policy.NextDelay(4); got != 5*time.Second {
		t.Errorf("expected delay capped at 5s, got %v", got)
	}
}

func TestExecute(t *testing.T) {
	policy := &Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}

	calls := 0
	err := policy.Execute(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("unexpected end of JSON input")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}

	calls = 0
	sentinel := errors.New("boom")
	err = policy.Execute(context.Background(), func() error {
		calls++
		return Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("expected sentinel error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call for permanent error, got %d", calls)
	}
}

func TestExecuteContextCancel(t *testing.T) {
	policy := &Policy{MaxAttempts: 5, InitialDelay: time.Hour, Multiplier: 1, MaxDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := policy.Execute(ctx, func() error { return errors.New("timeout") })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
