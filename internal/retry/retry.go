// Package retry implements the fetch retry policy as an explicit state
// machine: ATTEMPT -> WAIT -> ATTEMPT -> ... -> ESCALATE (or DONE).
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State is a position in the retry state machine.
type State int

const (
	StateAttempt State = iota
	StateWait
	StateEscalate
	StateDone
)

func (s State) String() string {
	switch s {
	case StateAttempt:
		return "attempt"
	case StateWait:
		return "wait"
	case StateEscalate:
		return "escalate"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Policy configures attempts and exponential backoff.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Retryable decides whether a failed attempt may be retried. A nil
	// Retryable treats every error as retryable.
	Retryable func(error) bool
}

// EscalationError is returned once the policy gives up.
type EscalationError struct {
	Attempts int
	Err      error
}

func (e *EscalationError) Error() string {
	return fmt.Sprintf("gave up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *EscalationError) Unwrap() error { return e.Err }

// Machine tracks one operation through the policy. It is not safe for
// concurrent use.
type Machine struct {
	policy  Policy
	state   State
	attempt int
	delay   time.Duration
	lastErr error
}

// Start returns a machine positioned at the first attempt.
func (p Policy) Start() *Machine {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.MaxDelay > 0 && p.InitialDelay > p.MaxDelay {
		p.InitialDelay = p.MaxDelay
	}
	return &Machine{policy: p, state: StateAttempt, attempt: 1}
}

func (m *Machine) State() State { return m.state }

// Attempt is the 1-based number of the current (or last) attempt.
func (m *Machine) Attempt() int { return m.attempt }

// Err is the error recorded by the last attempt.
func (m *Machine) Err() error { return m.lastErr }

// Delay is the wait scheduled by the last transition into WAIT.
func (m *Machine) Delay() time.Duration { return m.delay }

// Record feeds the outcome of the current attempt and returns the next state.
func (m *Machine) Record(err error) State {
	if m.state != StateAttempt {
		return m.state
	}
	m.lastErr = err
	switch {
	case err == nil:
		m.state = StateDone
	case m.policy.Retryable != nil && !m.policy.Retryable(err):
		m.state = StateEscalate
	case m.attempt >= m.policy.MaxAttempts:
		m.state = StateEscalate
	default:
		m.delay = m.backoff()
		m.state = StateWait
	}
	return m.state
}

// Waited moves the machine from WAIT to the next ATTEMPT.
func (m *Machine) Waited() State {
	if m.state == StateWait {
		m.attempt++
		m.state = StateAttempt
	}
	return m.state
}

// backoff is InitialDelay * 2^(attempt-1), capped at MaxDelay.
func (m *Machine) backoff() time.Duration {
	delay := m.policy.InitialDelay
	for i := 1; i < m.attempt; i++ {
		delay *= 2
		if m.policy.MaxDelay > 0 && delay >= m.policy.MaxDelay {
			return m.policy.MaxDelay
		}
	}
	if m.policy.MaxDelay > 0 && delay > m.policy.MaxDelay {
		return m.policy.MaxDelay
	}
	return delay
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the production Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Observer is notified before each wait.
type Observer func(attempt int, delay time.Duration, err error)

// Do runs op under the policy. It returns nil on success, the context error
// when cancelled while waiting, or an *EscalationError wrapping the last
// failure.
func Do(ctx context.Context, p Policy, sleep Sleeper, observe Observer, op func(ctx context.Context, attempt int) error) error {
	if sleep == nil {
		sleep = SleepContext
	}
	m := p.Start()
	for {
		switch m.State() {
		case StateAttempt:
			if err := ctx.Err(); err != nil {
				return err
			}
			m.Record(op(ctx, m.Attempt()))
		case StateWait:
			if observe != nil {
				observe(m.Attempt(), m.Delay(), m.Err())
			}
			if err := sleep(ctx, m.Delay()); err != nil {
				return err
			}
			m.Waited()
		case StateDone:
			return nil
		case StateEscalate:
			if errors.Is(m.Err(), context.Canceled) {
				return m.Err()
			}
			return &EscalationError{Attempts: m.Attempt(), Err: m.Err()}
		}
	}
}
