package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter paces API requests against one CI server so job discovery and
// build fetches do not trip server-side throttling. A nil *Limiter is
// valid and imposes no limit.
type Limiter struct {
	lim *rate.Limiter
}

// New constructs a limiter allowing perSecond sustained requests with
// the given burst. Non-positive perSecond returns nil (unlimited).
func New(perSecond float64, burst int) *Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until a request may proceed or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil {
		return ctx.Err()
	}
	return l.lim.Wait(ctx)
}

// Allow reports whether a request may proceed without waiting.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.lim.Allow()
}
