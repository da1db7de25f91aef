package httpapi

import (
	"sync"
	"time"
)

// TokenBucketLimiter admits a burst of events and refills capacity at a steady rate.
type TokenBucketLimiter struct {
	capacity float64
	refill   time.Duration
	now      func() time.Time

	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// NewTokenBucketLimiter constructs a limiter holding up to capacity tokens that
// regains one token per refill interval. A non-positive capacity or interval
// disables throttling entirely.
func NewTokenBucketLimiter(capacity int, refill time.Duration, timeSource func() time.Time) *TokenBucketLimiter {
	if capacity <= 0 || refill <= 0 {
		return &TokenBucketLimiter{capacity: float64(capacity), refill: refill}
	}
	if timeSource == nil {
		timeSource = time.Now
	}
	limiter := &TokenBucketLimiter{
		capacity: float64(capacity),
		refill:   refill,
		now:      timeSource,
	}
	limiter.tokens = limiter.capacity
	limiter.last = timeSource()
	return limiter
}

// Allow reports whether the caller may proceed under the current rate limits.
func (l *TokenBucketLimiter) Allow() bool {
	if l == nil || l.capacity <= 0 || l.refill <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	//1.- Credit tokens for the time elapsed since the last call, capped at capacity.
	elapsed := now.Sub(l.last)
	if elapsed > 0 {
		l.tokens += float64(elapsed) / float64(l.refill)
		if l.tokens > l.capacity {
			l.tokens = l.capacity
		}
	}
	l.last = now
	//2.- Spend one whole token when available, otherwise deny without debt.
	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}
