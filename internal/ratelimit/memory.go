package ratelimit

import (
	"context"
	"sync"
	"time"
)

// tokenBucket holds the refill state for one key. Tokens accrue
// continuously at the limiter's rate, capped at the burst size.
type tokenBucket struct {
	tokens float64
	seen   time.Time
}

// MemoryLimiter is the built-in Limiter: one token bucket per key in
// process memory. Keys come from the HTTP middleware, a resource id for
// scoped callers or a client IP as fallback, so the key space is
// open-ended; idle buckets are swept so the map stays bounded.
type MemoryLimiter struct {
	rate  float64 // tokens per second
	burst float64

	mu      sync.Mutex
	buckets map[string]*tokenBucket

	closeOnce sync.Once
	closed    chan struct{}
}

const (
	sweepInterval = time.Minute
	idleTTL       = 10 * time.Minute
)

// NewMemoryLimiter creates a limiter that sustains rate requests per
// second per key and absorbs bursts up to burst. Call Close to stop the
// background sweeper.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	l := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*tokenBucket),
		closed:  make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Allow takes one token from key's bucket, reporting whether one was
// available. An unseen key starts with a full bucket.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &tokenBucket{tokens: l.burst}
		l.buckets[key] = b
	} else {
		b.tokens += now.Sub(b.seen).Seconds() * l.rate
		if b.tokens > l.burst {
			b.tokens = l.burst
		}
	}
	b.seen = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the sweeper. Idempotent.
func (l *MemoryLimiter) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *MemoryLimiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.closed:
			return
		case <-ticker.C:
			l.dropIdle(time.Now().Add(-idleTTL))
		}
	}
}

// dropIdle evicts buckets last touched before cutoff.
func (l *MemoryLimiter) dropIdle(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, b := range l.buckets {
		if b.seen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
