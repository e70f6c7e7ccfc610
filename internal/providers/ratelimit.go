package providers

import (
	"context"
	"math"
	"sync"
	"time"
)

// RateLimiter is a token-bucket limiter placed in front of a provider by
// callers that need admission control; providers themselves never throttle.
type RateLimiter struct {
	mu sync.Mutex

	requestsPerSecond float64
	capacity          float64

	tokens     float64
	lastUpdate time.Time
}

// NewRateLimiter creates a limiter refilling at rps tokens per second with a
// burst capacity of one second's worth of requests (at least one).
func NewRateLimiter(rps float64) *RateLimiter {
	if rps <= 0 {
		rps = 1.0
	}
	capacity := math.Max(1.0, rps)
	return &RateLimiter{
		requestsPerSecond: rps,
		capacity:          capacity,
		tokens:            capacity,
		lastUpdate:        time.Now(),
	}
}

// Wait blocks until a token is available or the context is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		r.refill()

		if r.tokens >= 1.0 {
			r.tokens--
			r.mu.Unlock()
			return nil
		}

		tokensNeeded := 1.0 - r.tokens
		waitTime := time.Duration(tokensNeeded / r.requestsPerSecond * float64(time.Second))
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
		}
	}
}

// TryConsume takes a token without blocking. Returns false when none are
// available.
func (r *RateLimiter) TryConsume() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refill()
	if r.tokens >= 1.0 {
		r.tokens--
		return true
	}
	return false
}

// RecordThrottle drains the bucket after an upstream 429 so subsequent
// waiters back off for a full refill interval.
func (r *RateLimiter) RecordThrottle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens = 0
}

// refill adds tokens based on elapsed time. Must be called with lock held.
func (r *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(r.lastUpdate).Seconds()
	r.lastUpdate = now

	r.tokens += elapsed * r.requestsPerSecond
	if r.tokens > r.capacity {
		r.tokens = r.capacity
	}
}
