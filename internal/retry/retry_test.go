package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"specscan/internal/retry"
)

var errFlaky = errors.New("503 service unavailable")

func recordingSleeper(delays *[]time.Duration) retry.Sleeper {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	var delays []time.Duration
	policy := retry.Policy{MaxAttempts: 5, InitialDelay: 100 * time.Millisecond, MaxDelay: 250 * time.Millisecond}

	calls := 0
	err := retry.Do(context.Background(), policy, recordingSleeper(&delays), nil, func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 4 {
			return errFlaky
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 attempts, got %d", calls)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond}
	if len(delays) != len(want) {
		t.Fatalf("delays %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Fatalf("delays %v, want %v", delays, want)
		}
	}
}

func TestDoEscalatesAfterAttemptCap(t *testing.T) {
	var delays []time.Duration
	policy := retry.Policy{MaxAttempts: 3, InitialDelay: time.Millisecond}
	err := retry.Do(context.Background(), policy, recordingSleeper(&delays), nil, func(context.Context, int) error {
		return errFlaky
	})
	var esc *retry.EscalationError
	if !errors.As(err, &esc) {
		t.Fatalf("expected escalation, got %v", err)
	}
	if esc.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", esc.Attempts)
	}
	if !errors.Is(err, errFlaky) {
		t.Fatal("escalation should wrap the last failure")
	}
	if len(delays) != 2 {
		t.Fatalf("expected 2 waits, got %d", len(delays))
	}
}

func TestDoEscalatesImmediatelyOnNonRetryable(t *testing.T) {
	notFound := errors.New("404")
	policy := retry.Policy{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		Retryable:    func(err error) bool { return !errors.Is(err, notFound) },
	}
	calls := 0
	err := retry.Do(context.Background(), policy, func(context.Context, time.Duration) error {
		t.Fatal("should not wait")
		return nil
	}, nil, func(context.Context, int) error {
		calls++
		return notFound
	})
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
	if !errors.Is(err, notFound) {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestDoStopsOnCancellationDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := retry.Policy{MaxAttempts: 5, InitialDelay: time.Hour}
	err := retry.Do(ctx, policy, func(ctx context.Context, d time.Duration) error {
		cancel()
		return retry.SleepContext(ctx, d)
	}, nil, func(context.Context, int) error { return errFlaky })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestMachineTransitions(t *testing.T) {
	m := retry.Policy{MaxAttempts: 2, InitialDelay: time.Second}.Start()
	if m.State() != retry.StateAttempt || m.Attempt() != 1 {
		t.Fatalf("unexpected start: %s %d", m.State(), m.Attempt())
	}
	if s := m.Record(errFlaky); s != retry.StateWait {
		t.Fatalf("expected wait, got %s", s)
	}
	if s := m.Waited(); s != retry.StateAttempt || m.Attempt() != 2 {
		t.Fatalf("expected second attempt, got %s %d", s, m.Attempt())
	}
	if s := m.Record(errFlaky); s != retry.StateEscalate {
		t.Fatalf("expected escalate, got %s", s)
	}
	if s := m.Record(nil); s != retry.StateEscalate {
		t.Fatal("terminal state must not change")
	}
}
