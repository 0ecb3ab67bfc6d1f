// ratelimit.go paces requests to the trade API.
//
// Brokerage vendors meter each endpoint family separately, so the client
// keeps one bucket per category. Tokens refill continuously instead of
// resetting per window; a steady poller therefore never slams into the
// vendor's hard ceiling at the window edge.
//
// Categories and their budgets:
//   - Submit: 30 burst, 10/s
//   - Cancel: 30 burst, 10/s
//   - Query:  60 burst, 20/s (fill polling is the dominant load)
package broker

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a continuously refilling rate limiter. Wait blocks the
// caller until a token frees up or the context ends.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // may be fractional between refills
	capacity float64   // burst ceiling
	rate     float64   // tokens per second
	lastTime time.Time // instant of the previous refill computation
}

// NewTokenBucket creates a bucket that starts full.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait consumes one token, sleeping until one accrues if the bucket is dry.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Sleep exactly until the next whole token accrues.
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiter holds the per-category buckets the client draws from.
type RateLimiter struct {
	Submit *TokenBucket
	Cancel *TokenBucket
	Query  *TokenBucket
}

// NewRateLimiter creates the default bucket set.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Submit: NewTokenBucket(30, 10),
		Cancel: NewTokenBucket(30, 10),
		Query:  NewTokenBucket(60, 20),
	}
}
