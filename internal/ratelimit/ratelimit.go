// Package ratelimit implements a per-key token bucket rate limiter on top
// of golang.org/x/time/rate. Thread-safe. Buckets are created lazily; Prune
// drops the ones nobody has used for a while.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a key has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter is a per-key token bucket rate limiter. Keys are API key
// fingerprints or session ids; one key cannot exhaust another's quota.
type Limiter struct {
	mu    sync.Mutex
	keys  map[string]*entry
	limit rate.Limit
	burst int
	now   func() time.Time
}

type entry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		keys:  make(map[string]*entry),
		limit: rate.Limit(float64(cfg.RequestsPerMinute) / 60.0),
		burst: burst,
		now:   time.Now,
	}
}

// Allow consumes one token for key. Returns ErrRateLimited if the bucket
// is empty. A new key starts with a full bucket.
func (l *Limiter) Allow(key string) error {
	if l.limit <= 0 {
		return nil
	}

	l.mu.Lock()
	now := l.now()
	e, ok := l.keys[key]
	if !ok {
		e = &entry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.keys[key] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	if !e.lim.AllowN(now, 1) {
		return ErrRateLimited
	}
	return nil
}

// Prune drops buckets idle for longer than idle and returns how many were
// dropped. A dropped key starts over with a full bucket, so idle should be
// at least the time a bucket takes to refill.
func (l *Limiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idle)
	n := 0
	for k, e := range l.keys {
		if e.lastSeen.Before(cutoff) {
			delete(l.keys, k)
			n++
		}
	}
	return n
}

// RefillInterval is how long an empty bucket takes to fill up again.
func (l *Limiter) RefillInterval() time.Duration {
	if l.limit <= 0 {
		return 0
	}
	return time.Duration(float64(l.burst) / float64(l.limit) * float64(time.Second))
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
