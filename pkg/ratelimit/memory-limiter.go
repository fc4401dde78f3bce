package ratelimit

import (
	"context"
	"marquee/pkg/utils/logger"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryRateLimiter keeps one token bucket per key in process memory.
type MemoryRateLimiter struct {
	buckets   map[string]*bucket
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	ttl       time.Duration // idle buckets older than this are reaped
	logger    *logger.Logger
	stopChan  chan struct{}
	closeOnce sync.Once
}

// NewMemoryRateLimiter allows maxRequests per window per key, bursting up to maxRequests.
func NewMemoryRateLimiter(maxRequests int64, window time.Duration, logger *logger.Logger) *MemoryRateLimiter {
	limiter := &MemoryRateLimiter{
		buckets:  make(map[string]*bucket),
		limit:    rate.Limit(float64(maxRequests) / window.Seconds()),
		burst:    int(maxRequests),
		ttl:      max(window*2, time.Second),
		logger:   logger,
		stopChan: make(chan struct{}),
	}

	go limiter.cleanup()

	return limiter
}

func (m *MemoryRateLimiter) bucketFor(key string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(m.limit, m.burst)}
		m.buckets[key] = b
		m.logger.Debug("Created new token bucket for " + key)
	}
	b.lastSeen = time.Now()
	return b.limiter
}

func (m *MemoryRateLimiter) Wait(ctx context.Context, key string) error {
	return m.bucketFor(key).Wait(ctx)
}

func (m *MemoryRateLimiter) Allow(_ context.Context, key string) (bool, error) {
	return m.bucketFor(key).Allow(), nil
}

// cleanup periodically removes idle buckets
func (m *MemoryRateLimiter) cleanup() {
	ticker := time.NewTicker(m.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for key, b := range m.buckets {
				if now.Sub(b.lastSeen) > m.ttl {
					delete(m.buckets, key)
				}
			}
			m.mu.Unlock()
		}
	}
}

// Len is the number of live buckets.
func (m *MemoryRateLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

func (m *MemoryRateLimiter) Close() error {
	m.closeOnce.Do(func() {
		m.logger.Debug("Closing memory rate limiter")
		close(m.stopChan)
		m.mu.Lock()
		m.buckets = make(map[string]*bucket)
		m.mu.Unlock()
	})
	return nil
}
