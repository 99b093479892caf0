// Package retry holds the single retry policy shared by the poll loop and the
// health prober: attempt count, staged per-attempt timeouts and backoff.
package retry

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
)

// Policy describes a bounded retry schedule. Attempt indexes start at 0.
type Policy struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries int
	// TimeoutBase and TimeoutStep stage the per-attempt timeout as
	// TimeoutBase + attempt*TimeoutStep.
	TimeoutBase time.Duration
	TimeoutStep time.Duration
	// BackoffBase is the wait before the first retry; later waits grow by
	// BackoffFactor up to BackoffMax.
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	BackoffFactor float64
}

// Attempts is the total number of attempts allowed.
func (p Policy) Attempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Timeout returns the timeout of the given attempt.
func (p Policy) Timeout(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return p.TimeoutBase + time.Duration(attempt)*p.TimeoutStep
}

// Backoff returns the wait before retrying after the given failed attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	if p.BackoffBase <= 0 {
		return 0
	}
	b := &backoff.Backoff{
		Min:    p.BackoffBase,
		Max:    p.BackoffMax,
		Factor: p.BackoffFactor,
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}
	if b.Factor <= 0 {
		b.Factor = 2
	}
	if attempt < 0 {
		attempt = 0
	}
	return b.ForAttempt(float64(attempt))
}

// Wait sleeps for the backoff of attempt, returning false if ctx ends first.
func (p Policy) Wait(ctx context.Context, attempt int) bool {
	d := p.Backoff(attempt)
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
