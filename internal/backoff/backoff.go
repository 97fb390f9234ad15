// Package backoff implements the delay policy applied when transient
// operations are retried: a constant or exponentially growing wait with an
// attempt bound.
package backoff

import (
	"context"
	"math"
	"time"
)

// Policy describes how long to wait between attempts.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Factor multiplies the delay after every retry. Values at or below 1
	// keep the delay constant.
	Factor float64
	// Cap bounds the delay. Zero leaves it unbounded.
	Cap time.Duration
	// MaxAttempts bounds the total number of attempts, including the first.
	// Zero retries without bound.
	MaxAttempts int
}

// Transport is the policy for transport-level failures: 100ms doubling up to
// a 30s cap, at most 10 attempts.
func Transport() Policy {
	return Policy{
		Initial:     100 * time.Millisecond,
		Factor:      2,
		Cap:         30 * time.Second,
		MaxAttempts: 10,
	}
}

// Exponential returns a doubling policy starting at initial, capped at 30s,
// retrying without bound.
func Exponential(initial time.Duration) Policy {
	return Policy{Initial: initial, Factor: 2, Cap: 30 * time.Second}
}

// Constant returns a fixed-interval policy retrying without bound.
func Constant(interval time.Duration) Policy {
	return Policy{Initial: interval, Factor: 1}
}

// Delay returns the wait after the given attempt number (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Initial
	if p.Factor > 1 && attempt > 1 {
		d = time.Duration(float64(p.Initial) * math.Pow(p.Factor, float64(attempt-1)))
	}
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	return d
}

// Operation is a function that may be retried.
type Operation func(ctx context.Context) error

// Retry runs op until it succeeds, the policy's attempts are exhausted, or
// the context is done. The retriable predicate decides whether an error is
// worth retrying; nil retries every error. The last operation error is
// returned on exhaustion.
func Retry(ctx context.Context, op Operation, p Policy, retriable func(error) bool) error {
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if retriable != nil && !retriable(err) {
			return err
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
}
