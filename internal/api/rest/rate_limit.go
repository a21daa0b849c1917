package rest

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// keyedLimiterSweepThreshold bounds the tracked-client map; crossing it
// triggers eviction of entries idle past the stale window.
const (
	keyedLimiterSweepThreshold = 10_000
	keyedLimiterStaleAfter     = 3 * time.Minute
)

// KeyedLimiter is an in-process token-bucket limiter with one bucket per
// key, used when no shared Redis limiter is configured. Buckets refill at
// the configured rate and idle keys are swept so hostile clients cannot
// grow the map without bound.
type KeyedLimiter struct {
	mu      sync.Mutex
	buckets map[string]*keyedBucket
	rps     rate.Limit
	burst   int
	now     func() time.Time
}

type keyedBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewKeyedLimiter builds a limiter admitting rps sustained requests per
// key with the given burst headroom.
func NewKeyedLimiter(rps, burst int) *KeyedLimiter {
	if rps < 1 {
		rps = 1
	}
	if burst < rps {
		burst = rps
	}
	return &KeyedLimiter{
		buckets: make(map[string]*keyedBucket),
		rps:     rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
	}
}

// Allow reports whether one more request fits the key's bucket.
func (l *KeyedLimiter) Allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= keyedLimiterSweepThreshold {
			l.sweepLocked()
		}
		b = &keyedBucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = l.now()
	l.mu.Unlock()

	return b.limiter.Allow()
}

// Tracked returns the number of keys currently held, for tests and the
// metrics poller.
func (l *KeyedLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *KeyedLimiter) sweepLocked() {
	cutoff := l.now().Add(-keyedLimiterStaleAfter)
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
