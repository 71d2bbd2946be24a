// Package retry provides a bounded retry combinator with exponential backoff.
//
// The combinator knows nothing about what it retries: callers hand it an
// operation and a Policy, and get back either nil, the operation's permanent
// error, or an *ExhaustedError describing the last failure.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds a retry loop.
type Policy struct {
	// MaxAttempts is the total number of times the operation may run. Must be >= 1.
	MaxAttempts int
	// InitialBackoff is the wait after the first failure.
	InitialBackoff time.Duration
	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration
	// Multiplier grows the wait after every failure. Values below 1 mean a constant wait.
	Multiplier float64
	// Jitter randomizes each wait by +/- this fraction. Zero disables it.
	Jitter float64
	// MaxElapsed stops retrying once this much time has passed. Zero means no limit.
	MaxElapsed time.Duration
	// OnRetry, if set, is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultPolicy returns the policy used for topology bring-up: five attempts,
// starting at one second and doubling up to thirty seconds.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
	}
}

// Validate checks the policy for values the combinator cannot honour.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.InitialBackoff < 0 || p.MaxBackoff < 0 {
		return fmt.Errorf("backoff durations must not be negative")
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return fmt.Errorf("jitter must be in [0, 1), got %v", p.Jitter)
	}
	return nil
}

// ExhaustedError is returned when every attempt failed, or when the context
// ended between attempts.
type ExhaustedError struct {
	// Attempts is the number of times the operation ran.
	Attempts int
	// Err is the last error returned by the operation, joined with the
	// context error if the context ended the loop.
	Err error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Permanent marks err as non-retryable. Do returns it unwrapped immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a Permanent error, the attempts are
// used up, or ctx is done. attempt passed to op starts at 1.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) error {
	if err := p.Validate(); err != nil {
		return err
	}

	attempt := 0
	var lastErr error
	permanent := false

	operation := func() (struct{}, error) {
		attempt++
		err := op(ctx, attempt)
		if err == nil {
			return struct{}{}, nil
		}
		lastErr = err

		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			permanent = true
		}
		return struct{}{}, err
	}

	maxElapsed := p.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = time.Duration(math.MaxInt64)
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(maxElapsed),
	}
	if p.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, wait time.Duration) {
			p.OnRetry(attempt, err, wait)
		}))
	}

	_, err := backoff.Retry(ctx, operation, opts...)
	if err == nil {
		return nil
	}
	if permanent {
		return err
	}

	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(lastErr, ctxErr) {
		return &ExhaustedError{Attempts: attempt, Err: errors.Join(ctxErr, lastErr)}
	}
	return &ExhaustedError{Attempts: attempt, Err: lastErr}
}

func (p Policy) backOff() backoff.BackOff {
	if p.Multiplier < 1 {
		return backoff.NewConstantBackOff(p.InitialBackoff)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	if p.MaxBackoff > 0 {
		b.MaxInterval = p.MaxBackoff
	}
	b.Reset()
	return b
}
