package broker

import (
	"context"
	"sync"
	"time"
)

// RateLimiter implements token bucket rate limiting for venue calls
type RateLimiter struct {
	capacity   int
	tokens     int
	refillRate int // tokens added per second
	lastRefill time.Time
	mutex      sync.Mutex
	name       string
}

// NewRateLimiter creates a rate limiter starting at full capacity
func NewRateLimiter(name string, capacity, refillRate int) *RateLimiter {
	return &RateLimiter{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
		name:       name,
	}
}

// Allow checks if one call is allowed under the rate limit
func (rl *RateLimiter) Allow() bool {
	return rl.AllowN(1)
}

// AllowN checks if N calls are allowed under the rate limit
func (rl *RateLimiter) AllowN(n int) bool {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	rl.refillTokens()

	if rl.tokens >= n {
		rl.tokens -= n
		return true
	}
	return false
}

// Wait blocks until one call is allowed or the context is done
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		if rl.Allow() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(rl.calculateWaitTime(1)):
		}
	}
}

func (rl *RateLimiter) refillTokens() {
	now := time.Now()
	elapsed := now.Sub(rl.lastRefill)
	if elapsed < time.Second {
		return
	}

	tokensToAdd := int(elapsed.Seconds()) * rl.refillRate
	if tokensToAdd > 0 {
		rl.tokens += tokensToAdd
		if rl.tokens > rl.capacity {
			rl.tokens = rl.capacity
		}
		rl.lastRefill = now
	}
}

func (rl *RateLimiter) calculateWaitTime(n int) time.Duration {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	rl.refillTokens()

	if rl.tokens >= n {
		return 0
	}

	tokensNeeded := n - rl.tokens
	secondsToWait := float64(tokensNeeded) / float64(rl.refillRate)

	// Small buffer for timing precision.
	return time.Duration(secondsToWait*1000+100) * time.Millisecond
}
