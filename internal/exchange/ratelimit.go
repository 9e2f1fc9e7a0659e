// ratelimit.go implements token-bucket rate limiting for the venue's trading
// API.
//
// Venues publish per-category limits as requests per fixed window (e.g.
// N per 10 seconds). This file provides a smooth token-bucket
// implementation that refills continuously rather than in discrete bursts,
// so a caller never gets a burst of rejects right at a window boundary.
//
// Three buckets are maintained, sized from config.RateLimitConfig:
//   - Order:  order placement
//   - Cancel: single cancel, cancel-all, cancel-by-symbol
//   - Book:   order book / snapshot reads
package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/0xtitan6/avellaneda-mm/internal/config"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
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

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by venue API endpoint category.
// Each trading operation must call the appropriate bucket's Wait() before
// making the HTTP request.
type RateLimiter struct {
	Order  *TokenBucket // placing new orders
	Cancel *TokenBucket // single cancel, cancel-all, cancel-by-symbol
	Book   *TokenBucket // order book reads
}

// NewRateLimiter creates rate limiters sized from the venue's configured
// per-category burst/rate limits.
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		Order:  NewTokenBucket(cfg.OrderBurst, cfg.OrderRate),
		Cancel: NewTokenBucket(cfg.CancelBurst, cfg.CancelRate),
		Book:   NewTokenBucket(cfg.BookBurst, cfg.BookRate),
	}
}
