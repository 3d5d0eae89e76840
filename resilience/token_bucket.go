// Package resilience provides the admission-control primitives applied
// uniformly to every inference backend: token-bucket rate limiting,
// circuit breaking, and tenant quota accounting.
package resilience

import (
	"sync"
	"time"

	"github.com/bhangun/gollek/core"
)

// TokenBucket is a lazily refilled token bucket. One token refills every
// refillPeriod; refill happens on the calling goroutine, so an idle bucket
// costs nothing.
type TokenBucket struct {
	mu           sync.Mutex
	capacity     int64
	tokens       int64
	refillPeriod time.Duration
	lastRefill   time.Time
}

// NewTokenBucket creates a bucket holding capacity tokens, refilling one
// token per refillPeriod. Capacity is clamped to at least 1.
func NewTokenBucket(capacity int64, refillPeriod time.Duration) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillPeriod < time.Nanosecond {
		refillPeriod = time.Nanosecond
	}
	return &TokenBucket{
		capacity:     capacity,
		tokens:       capacity,
		refillPeriod: refillPeriod,
		lastRefill:   time.Now(),
	}
}

// NewTokenBucketRate creates a bucket from a burst size and a sustained
// rate in tokens per second. The refill period is 1/rate, floored to 1 ns.
func NewTokenBucketRate(burst int64, perSecond float64) *TokenBucket {
	period := time.Nanosecond
	if perSecond > 0 {
		period = time.Duration(float64(time.Second) / perSecond)
		if period < time.Nanosecond {
			period = time.Nanosecond
		}
	}
	return NewTokenBucket(burst, period)
}

// TryAcquire consumes one token if available. Never blocks.
func (b *TokenBucket) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(time.Now())
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Available returns the current token count after a refill pass
func (b *TokenBucket) Available() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(time.Now())
	return b.tokens
}

// refill converts elapsed time into whole tokens. The last-refill timestamp
// advances by exactly added*refillPeriod so fractional progress toward the
// next token is never lost. Caller holds the lock.
func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed < b.refillPeriod {
		return
	}
	added := int64(elapsed / b.refillPeriod)
	b.tokens += added
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(added) * b.refillPeriod)
}

// KeyedLimiter maintains one TokenBucket per key, creating buckets on first
// use. Keys are typically "tenant:model" pairs.
type KeyedLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*keyedBucket
	burst    int64
	rate     float64
	maxIdle  time.Duration
	lastScan time.Time
	logger   core.Logger
}

type keyedBucket struct {
	bucket   *TokenBucket
	lastUsed time.Time
}

// NewKeyedLimiter creates a limiter whose per-key buckets share the same
// burst and rate configuration
func NewKeyedLimiter(burst int64, perSecond float64, logger core.Logger) *KeyedLimiter {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &KeyedLimiter{
		buckets:  make(map[string]*keyedBucket),
		burst:    burst,
		rate:     perSecond,
		maxIdle:  10 * time.Minute,
		lastScan: time.Now(),
		logger:   logger,
	}
}

// TryAcquire consumes one token from the key's bucket
func (kl *KeyedLimiter) TryAcquire(key string) bool {
	kl.mu.Lock()
	now := time.Now()
	kl.sweep(now)
	entry, ok := kl.buckets[key]
	if !ok {
		entry = &keyedBucket{bucket: NewTokenBucketRate(kl.burst, kl.rate)}
		kl.buckets[key] = entry
	}
	entry.lastUsed = now
	kl.mu.Unlock()

	allowed := entry.bucket.TryAcquire()
	if !allowed {
		kl.logger.Debug("Rate limit rejection", map[string]interface{}{
			"operation": "rate_limit_reject",
			"key":       key,
			"burst":     kl.burst,
			"rate":      kl.rate,
		})
	}
	return allowed
}

// sweep drops buckets idle past maxIdle. Caller holds the lock; the scan
// itself is rate limited to once a minute.
func (kl *KeyedLimiter) sweep(now time.Time) {
	if now.Sub(kl.lastScan) < time.Minute {
		return
	}
	kl.lastScan = now
	for key, entry := range kl.buckets {
		if now.Sub(entry.lastUsed) > kl.maxIdle {
			delete(kl.buckets, key)
		}
	}
}
