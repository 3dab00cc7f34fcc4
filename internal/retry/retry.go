package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"
)

// Policy bounds retries of transient failures with exponential backoff
// and jitter. One policy value is shared by the source clients and the
// sink writer; attempt counts differ per caller.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// OnRetry, when set, observes each backoff before it is taken.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// Do runs fn until it succeeds, exhausts MaxAttempts, or returns an
// error retryable reports false for. Non-retryable errors come back
// unwrapped so callers can inspect them; exhaustion wraps the last
// error with the operation name.
func (p Policy) Do(ctx context.Context, op string, retryable func(error) bool, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "%s aborted", op)
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}
		wait := backoffWithJitter(p.BaseDelay, p.MaxDelay, attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, lastErr)
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "%s aborted", op)
		case <-time.After(wait):
		}
	}
	return errors.Wrapf(lastErr, "%s failed after %d attempts", op, attempts)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
