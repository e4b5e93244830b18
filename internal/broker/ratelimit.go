// ratelimit.go implements token-bucket rate limiting for the Tradovate API.
//
// Tradovate meters requests per endpoint family and answers violations with
// penalty lockouts, so the buckets here sit well under the published
// ceilings. Refill is continuous rather than per-window to avoid bursting
// into a lockout.
//
// Three buckets are maintained:
//   - Order: 20 burst / 5 per sec — order placement and cancellation
//   - Data:  30 burst / 10 per sec — quotes, contract lookup, position list
//   - Auth:  5 burst / 1 per sec — token exchange and refresh
package broker

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is
// cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	rate     float64
	lastTime time.Time
}

// NewTokenBucket creates a rate limiter with the given capacity and refill
// rate.
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

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiter groups token buckets by Tradovate endpoint family.
type RateLimiter struct {
	Order *TokenBucket // /order/placeorder, /order/cancelorder
	Data  *TokenBucket // /md/getquote, /contract/find, /position/list
	Auth  *TokenBucket // /auth/oauthtoken
}

// NewRateLimiter creates buckets tuned under Tradovate's penalty limits.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order: NewTokenBucket(20, 5),
		Data:  NewTokenBucket(30, 10),
		Auth:  NewTokenBucket(5, 1),
	}
}
