package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter throttles how fast a cerver accepts new connections.
//
// It wraps a golang.org/x/time/rate token bucket: every accepted connection
// consumes one token, tokens refill at the configured rate and the bucket
// holds at most burst tokens, so a quiet listener can absorb a short
// connection storm before throttling.
//
// A nil *RateLimiter is valid and never limits.
//
// Thread safety:
// All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing perSecond accepts per second with bursts of
// up to burst accepts.
//
// Special cases:
//   - perSecond = 0: no limiting, New returns nil
//   - burst = 0: burst defaults to perSecond (at least 1)
func New(perSecond float64, burst int) *RateLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = max(int(perSecond), 1)
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow consumes a token if one is available and reports whether it did.
// The accept loop uses it to refuse a connection outright instead of
// queuing it.
func (r *RateLimiter) Allow() bool {
	if r == nil {
		return true
	}
	return r.limiter.Allow()
}

// Wait blocks until a token is available or ctx is cancelled.
//
// Returns:
//   - nil if a token was acquired
//   - the context error if ctx ended first
func (r *RateLimiter) Wait(ctx context.Context) error {
	if r == nil {
		return ctx.Err()
	}
	return r.limiter.Wait(ctx)
}

// Limit returns the sustained rate, 0 for an unlimited limiter.
func (r *RateLimiter) Limit() float64 {
	if r == nil {
		return 0
	}
	return float64(r.limiter.Limit())
}

// Burst returns the bucket capacity, 0 for an unlimited limiter.
func (r *RateLimiter) Burst() int {
	if r == nil {
		return 0
	}
	return r.limiter.Burst()
}

// Tokens returns the tokens currently available. Useful for debugging only:
// the value may change right after the call.
func (r *RateLimiter) Tokens() float64 {
	if r == nil {
		return 0
	}
	return r.limiter.Tokens()
}
