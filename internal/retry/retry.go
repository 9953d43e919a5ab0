// Package retry holds the backoff policy shared by refund scheduling and
// webhook delivery.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// jitter is the +-fraction applied to webhook retry delays.
const jitter = 0.25

// Permanent marks err as not worth retrying. Do returns the inner error.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Backoff returns base * 2^attempts capped at limit (no cap when limit is
// zero). It has no jitter, so a stored next-attempt time can be recomputed.
func Backoff(base, limit time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	attempts = max(attempts, 0)
	d := float64(base) * math.Pow(2, float64(attempts))
	if limit > 0 && d >= float64(limit) {
		return limit
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Do calls fn until it succeeds, returns a Permanent error, ctx ends, or
// maxAttempts calls have been made. Delays start at baseDelay and double,
// with jitter.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = baseDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = jitter
	policy.MaxInterval = max(baseDelay, time.Minute)

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(max(maxAttempts, 1))),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
