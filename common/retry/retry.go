// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package retry runs an operation under an explicit, bounded attempt budget.
//
// A Policy describes the budget (attempt count, overall deadline, backoff
// schedule). Each call to Do walks a fresh State through
// attempt -> backoff -> attempt ... until the operation succeeds, the error is
// not retryable, the attempts run out, or the deadline passes.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy configures retry behavior.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps a single wait.
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier applied per attempt.
	BackoffFactor float64

	// Jitter adds +/- randomness to each wait (0.0-1.0).
	Jitter float64

	// Deadline bounds the whole sequence. Zero means no deadline beyond ctx.
	Deadline time.Duration

	// RetryIf reports whether an error may be retried. Nil retries everything.
	RetryIf func(err error) bool
}

// DefaultPolicy returns the policy used for durable-store writes.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    4,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         0.1,
		Deadline:       5 * time.Second,
	}
}

// Validate checks the policy for values that would make the budget unbounded.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return errors.New("retry: max attempts must be at least 1")
	}
	if p.InitialBackoff < 0 || p.MaxBackoff < 0 || p.Deadline < 0 {
		return errors.New("retry: durations must not be negative")
	}
	if p.BackoffFactor < 1 && p.MaxAttempts > 1 {
		return errors.New("retry: backoff factor must be >= 1")
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return errors.New("retry: jitter must be within [0, 1]")
	}
	return nil
}

// Phase is the position of a State in the retry sequence.
type Phase int

const (
	PhaseReady Phase = iota
	PhaseBackoff
	PhaseSucceeded
	PhaseExhausted
	PhaseAborted
)

func (p Phase) String() string {
	switch p {
	case PhaseReady:
		return "ready"
	case PhaseBackoff:
		return "backoff"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseExhausted:
		return "exhausted"
	case PhaseAborted:
		return "aborted"
	}
	return "unknown"
}

// State tracks one run of a Policy.
type State struct {
	policy   Policy
	phase    Phase
	attempt  int
	deadline time.Time
	lastErr  error
}

// Start begins a new retry sequence at now.
func (p Policy) Start(now time.Time) *State {
	s := &State{policy: p, phase: PhaseReady}
	if p.Deadline > 0 {
		s.deadline = now.Add(p.Deadline)
	}
	return s
}

// Phase returns the current phase.
func (s *State) Phase() Phase { return s.phase }

// Attempts returns the number of attempts recorded so far.
func (s *State) Attempts() int { return s.attempt }

// Err returns the last recorded failure.
func (s *State) Err() error { return s.lastErr }

// Record feeds the outcome of an attempt made at now and returns the wait
// before the next attempt. ok is false when the sequence is finished.
func (s *State) Record(now time.Time, err error) (wait time.Duration, ok bool) {
	s.attempt++
	if err == nil {
		s.phase = PhaseSucceeded
		s.lastErr = nil
		return 0, false
	}
	s.lastErr = err

	if s.policy.RetryIf != nil && !s.policy.RetryIf(err) {
		s.phase = PhaseAborted
		return 0, false
	}
	if s.attempt >= s.policy.MaxAttempts {
		s.phase = PhaseExhausted
		return 0, false
	}

	wait = s.backoff()
	if !s.deadline.IsZero() && now.Add(wait).After(s.deadline) {
		s.phase = PhaseExhausted
		return 0, false
	}

	s.phase = PhaseBackoff
	return wait, true
}

func (s *State) backoff() time.Duration {
	p := s.policy
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	wait := time.Duration(float64(p.InitialBackoff) * math.Pow(factor, float64(s.attempt-1)))
	if p.MaxBackoff > 0 && wait > p.MaxBackoff {
		wait = p.MaxBackoff
	}
	if p.Jitter > 0 && wait > 0 {
		delta := float64(wait) * p.Jitter
		wait = time.Duration(float64(wait) + rand.Float64()*2*delta - delta)
	}
	return wait
}

// ExhaustedError is returned by Do when the budget ran out.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do runs fn under policy p. Errors rejected by RetryIf are returned as-is;
// an exhausted budget is reported as *ExhaustedError.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if err := p.Validate(); err != nil {
		return err
	}

	state := p.Start(time.Now())
	for {
		err := fn(ctx)
		wait, again := state.Record(time.Now(), err)
		if !again {
			switch state.Phase() {
			case PhaseSucceeded:
				return nil
			case PhaseAborted:
				return err
			default:
				return &ExhaustedError{Attempts: state.Attempts(), Err: err}
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &ExhaustedError{Attempts: state.Attempts(), Err: errors.Join(err, ctx.Err())}
		case <-timer.C:
		}
	}
}
