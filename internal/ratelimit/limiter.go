// Package ratelimit provides a small in-process, per-key token bucket used
// to throttle noisy log lines (for example a misconfigured proxy sending a
// malformed forwarded header on every request).
package ratelimit

import (
	"sync"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
)

// defaultMaxCost is the memory budget for tracked keys (4 MiB).
const defaultMaxCost = 4 << 20

var bucketCost = int64(unsafe.Sizeof(bucket{}))

// KeyLimiter allows up to burst events per key, refilled at rate per second.
// ristretto bounds the number of tracked keys and expires idle ones; a key
// that is evicted simply starts again with a full bucket.
type KeyLimiter struct {
	disabled bool
	cache    *ristretto.Cache[string, *bucket]
	rate     float64
	burst    float64
	ttl      time.Duration
}

type bucket struct {
	mu       sync.Mutex
	tokens   float64
	lastTime time.Time
}

// NewKeyLimiter creates a limiter. A rate <= 0 disables limiting.
func NewKeyLimiter(ratePerSecond float64, burst int, ttl time.Duration) *KeyLimiter {
	if burst < 1 {
		burst = 1
	}
	estimatedItems := int64(defaultMaxCost) / bucketCost

	cache, err := ristretto.NewCache(&ristretto.Config[string, *bucket]{
		NumCounters: estimatedItems * 10,
		MaxCost:     defaultMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		// Only fails with invalid config; the values above are always valid.
		panic("ristretto: " + err.Error())
	}

	return &KeyLimiter{
		disabled: ratePerSecond <= 0,
		cache:    cache,
		rate:     ratePerSecond,
		burst:    float64(burst),
		ttl:      ttl,
	}
}

// Allow reports whether one more event for key fits in its bucket.
func (l *KeyLimiter) Allow(key string) bool {
	if l.disabled {
		return true
	}

	now := time.Now()

	b, found := l.cache.Get(key)
	if !found {
		b = &bucket{tokens: l.burst - 1, lastTime: now}
		l.cache.SetWithTTL(key, b, bucketCost, l.ttl)
		// Make the bucket visible to the next Get; only paid on a key's
		// first event.
		l.cache.Wait()
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens += l.rate * now.Sub(b.lastTime).Seconds()
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastTime = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Close releases the cache. Safe to call multiple times.
func (l *KeyLimiter) Close() {
	if l.cache != nil {
		l.cache.Close()
	}
}
