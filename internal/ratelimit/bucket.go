package ratelimit

import "time"

// TokenBucket limits the inbound message rate of a single connection.
// Refill is continuous: elapsed wall-clock time since the previous check is
// converted to tokens and clamped to capacity. Each connection owns its own
// bucket and the ingress loop is the sole caller, so no locking is needed.
type TokenBucket struct {
	rate     float64
	capacity float64
	tokens   float64
	last     time.Time
	now      func() time.Time
}

// NewTokenBucket creates a bucket refilling at ratePerSecond with a maximum
// burst of capacity tokens. A capacity below 1 is clamped to 1; a rate at or
// below 0 yields a bucket that only ever spends its initial capacity.
func NewTokenBucket(ratePerSecond float64, capacity int) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if ratePerSecond < 0 {
		ratePerSecond = 0
	}
	b := &TokenBucket{
		rate:     ratePerSecond,
		capacity: float64(capacity),
		tokens:   float64(capacity),
		now:      time.Now,
	}
	b.last = b.now()
	return b
}

// Allow reports whether cost tokens are available, spending them if so.
// On rejection the stored token count is left unchanged.
func (b *TokenBucket) Allow(cost float64) bool {
	now := b.now()
	elapsed := now.Sub(b.last).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	b.last = now

	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}

	if b.tokens >= cost {
		b.tokens -= cost
		return true
	}
	return false
}
