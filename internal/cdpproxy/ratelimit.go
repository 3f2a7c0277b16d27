package cdpproxy

import (
	"sync"
	"time"
)

const (
	// maxBuckets caps the tracked client set; hitting it evicts buckets
	// idle longer than a minute.
	maxBuckets = 1024
	bucketIdle = time.Minute
)

// RateLimiter is a per-client token bucket in front of the upgrade path.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   float64
	now     func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewRateLimiter allows rate connections per second per client with the
// given burst.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		burst:   float64(burst),
		now:     time.Now,
	}
}

// Allow reports whether the client identified by key may open a connection
// now, consuming a token if so.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= maxBuckets {
			l.evict(now)
		}
		b = &bucket{tokens: l.burst, last: now}
		l.buckets[key] = b
	}

	b.tokens += now.Sub(b.last).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// evict drops buckets that have been idle long enough to be full again.
// Called with the lock held.
func (l *RateLimiter) evict(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.last) > bucketIdle {
			delete(l.buckets, key)
		}
	}
}
