// ratelimit.go implements token-bucket rate limiting for the futures API.
//
// The exchange enforces a request-weight budget per minute plus a separate
// order-placement budget per 10-second window. Two continuously-refilling
// buckets keep the client under both: "general" covers every request,
// "orders" is additionally consumed by order placement.
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is
// cancelled. Waiters are served in arrival order within scheduler fairness.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and
// per-minute refill rate. The bucket starts full.
func NewTokenBucket(capacity float64, ratePerMinute float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerMinute / 60.0,
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

		// Time until the next token accrues
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

// RateLimiter groups the two buckets the client consults. Every request
// waits on General; order placement additionally waits on Orders.
type RateLimiter struct {
	General *TokenBucket
	Orders  *TokenBucket
}

// NewRateLimiter builds buckets from the configured budgets. The general
// budget is scaled by the safety buffer; the per-10s order budget is
// normalized to a per-minute rate.
func NewRateLimiter(perMinute int, buffer float64, ordersPer10s int) *RateLimiter {
	general := float64(perMinute) * buffer
	orders := float64(ordersPer10s) * 6
	return &RateLimiter{
		General: NewTokenBucket(general, general),
		Orders:  NewTokenBucket(orders, orders),
	}
}
