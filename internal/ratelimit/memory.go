package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Buckets idle past evictAfter are dropped on the next sweep so the map
// stays bounded by the active client set, not by every key ever seen.
const (
	evictAfter    = 10 * time.Minute
	sweepInterval = time.Minute
)

// bucket tracks the remaining tokens for one key. Refill is computed lazily
// from the time elapsed since the last access.
type bucket struct {
	tokens     float64
	lastAccess time.Time
}

func (b *bucket) take(now time.Time, rate, burst float64) bool {
	b.tokens += now.Sub(b.lastAccess).Seconds() * rate
	if b.tokens > burst {
		b.tokens = burst
	}
	b.lastAccess = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// MemoryLimiter is a per-key token bucket held in process memory. It is the
// limiter behind the decide endpoints on a single-node deployment; keys are
// whatever the middleware hands it, typically an API principal or client IP.
type MemoryLimiter struct {
	rate  float64 // tokens per second
	burst float64 // bucket capacity

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter returns a limiter allowing rate requests per second per
// key with the given burst capacity. It starts a sweeper goroutine; call
// Close to stop it.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Allow consumes one token from key's bucket. False means the caller should
// be turned away with 429.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[key]
	if !ok {
		// A new key starts full and pays for this request.
		m.buckets[key] = &bucket{tokens: m.burst - 1, lastAccess: now}
		return true, nil
	}
	return b.take(now, m.rate, m.burst), nil
}

// Close stops the sweeper. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-evictAfter)
	for key, b := range m.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
