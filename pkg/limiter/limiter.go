// Package limiter budgets governed mutations per actor with a token bucket.
package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRateLimited is returned when an actor has exhausted its budget.
var ErrRateLimited = errors.New("mutation budget exhausted")

// Policy is a token bucket refilled at PerMinute/60 tokens per second.
type Policy struct {
	PerMinute int
	Burst     int
}

// DefaultPolicy allows a sustained mutation per second with a burst of 30.
var DefaultPolicy = Policy{PerMinute: 60, Burst: 30}

func (p Policy) rate() float64 {
	r := float64(p.PerMinute) / 60.0
	if r <= 0 {
		r = 1
	}
	return r
}

func (p Policy) capacity() int {
	if p.Burst <= 0 {
		return 1
	}
	return p.Burst
}

// Store holds the buckets.
type Store interface {
	// Allow consumes cost tokens from the bucket of key.
	Allow(ctx context.Context, key string, policy Policy, cost int) (bool, error)
}

// Check consumes one token for key. A missing or failing store rejects.
func Check(ctx context.Context, store Store, key string, policy Policy) error {
	if store == nil {
		return fmt.Errorf("limiter: no store configured")
	}
	allowed, err := store.Allow(ctx, key, policy, 1)
	if err != nil {
		return fmt.Errorf("limiter check failed: %w", err)
	}
	if !allowed {
		return fmt.Errorf("%s: %w", key, ErrRateLimited)
	}
	return nil
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

func (b *bucket) take(now time.Time, rate, capacity float64, cost int) bool {
	if elapsed := now.Sub(b.lastRefill).Seconds(); elapsed > 0 {
		b.tokens += elapsed * rate
		if b.tokens > capacity {
			b.tokens = capacity
		}
		b.lastRefill = now
	}
	if b.tokens >= float64(cost) {
		b.tokens -= float64(cost)
		return true
	}
	return false
}

// MemoryStore keeps buckets in process for single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	clock   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*bucket), clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
	return s
}

func (s *MemoryStore) Allow(_ context.Context, key string, policy Policy, cost int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	b, ok := s.buckets[key]
	if !ok {
		b = &bucket{tokens: float64(policy.capacity()), lastRefill: now}
		s.buckets[key] = b
	}
	return b.take(now, policy.rate(), float64(policy.capacity()), cost), nil
}
