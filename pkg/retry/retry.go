// Package retry holds the bounded polling policy shared by the ComfyUI
// status loop, the artifact visibility loop and transient request retries.
package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrExhausted is returned by Until when the predicate never held within
// MaxAttempts.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy describes how many times to try and how long to sleep in between.
// Delay before attempt n+1 is Interval * Multiplier^(n-1), capped at
// MaxInterval when that is positive. A Multiplier below 1 means a constant
// interval.
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
	Multiplier  float64
	MaxInterval time.Duration
}

// Delay returns the sleep that follows the given 1-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	raw := float64(p.Interval) * math.Pow(mult, float64(attempt-1))
	if p.MaxInterval > 0 && raw >= float64(p.MaxInterval) {
		return p.MaxInterval
	}
	if raw >= math.MaxInt64 || math.IsInf(raw, 0) || math.IsNaN(raw) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(raw)
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Until calls fn until it reports done, returns an error, or the policy is
// exhausted. The attempt number passed to fn starts at 1. There is no sleep
// after the final attempt.
func Until(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (bool, error)) error {
	n := p.attempts()
	for attempt := 1; attempt <= n; attempt++ {
		done, err := fn(ctx, attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if attempt == n {
			break
		}
		if err := Sleep(ctx, p.Delay(attempt)); err != nil {
			return err
		}
	}
	return ErrExhausted
}

// Do runs fn until it succeeds, the error is not retryable, or the policy
// is exhausted. The last error is returned unchanged.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context) error) error {
	n := p.attempts()
	var err error
	for attempt := 1; attempt <= n; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == n {
			break
		}
		if serr := Sleep(ctx, p.Delay(attempt)); serr != nil {
			return serr
		}
	}
	return err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
