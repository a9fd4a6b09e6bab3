package guard

import (
	"sync"
	"time"
)

// RateLimitConfig configures the token bucket limiter.
type RateLimitConfig struct {
	Capacity     int           `mapstructure:"capacity"`
	RefillTokens int           `mapstructure:"refill_tokens"`
	RefillEvery  time.Duration `mapstructure:"refill_every"`
}

// TokenBucket caps the call rate towards one upstream. A nil bucket never limits.
type TokenBucket struct {
	capacity     int
	tokens       float64
	refillAmount float64
	refillEvery  time.Duration
	lastRefill   time.Time
	mu           sync.Mutex
}

// NewTokenBucket returns nil when any parameter is non-positive.
func NewTokenBucket(capacity int, refillAmount int, refillEvery time.Duration) *TokenBucket {
	if capacity <= 0 || refillAmount <= 0 || refillEvery <= 0 {
		return nil
	}
	return &TokenBucket{
		capacity:     capacity,
		tokens:       float64(capacity),
		refillAmount: float64(refillAmount),
		refillEvery:  refillEvery,
		lastRefill:   time.Now(),
	}
}

// Allow consumes a single token if available.
func (b *TokenBucket) Allow(now time.Time) bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(now)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (b *TokenBucket) refill(now time.Time) {
	if now.Before(b.lastRefill) {
		b.lastRefill = now
		return
	}

	elapsed := now.Sub(b.lastRefill)
	if elapsed < b.refillEvery {
		return
	}

	units := float64(elapsed) / float64(b.refillEvery)
	b.tokens += units * b.refillAmount
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
	b.lastRefill = now
}
