// Package ratelimit provides the stores a payment gate consults before it
// asks for payment: a sliding-window request limiter and a daily free-tier
// usage counter. Both are interfaces so deployments can back them with
// shared storage; the in-memory implementations suit a single process.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimitStore counts requests per key inside a sliding window
type RateLimitStore interface {
	// Allow records a request for key and reports whether it fits within
	// limit requests per window. A rejected request is not recorded.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)

	// Count returns the requests recorded for key inside window
	Count(ctx context.Context, key string, window time.Duration) (int, error)

	// Reset forgets every request recorded for key
	Reset(ctx context.Context, key string) error
}

// UsageStore counts free-tier uses per user and tool per UTC day
type UsageStore interface {
	// CanUse reports whether user has uses of tool left today
	CanUse(ctx context.Context, user, tool string, dailyLimit int) (bool, error)

	// Track records one use of tool by user
	Track(ctx context.Context, user, tool string) error

	// Usage returns today's uses of tool by user
	Usage(ctx context.Context, user, tool string) (int, error)

	// Reset clears today's uses of tool by user
	Reset(ctx context.Context, user, tool string) error
}

// MemoryRateLimitStore is an in-process RateLimitStore
type MemoryRateLimitStore struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	now      func() time.Time
}

// NewMemoryRateLimitStore creates an empty store
func NewMemoryRateLimitStore() *MemoryRateLimitStore {
	return &MemoryRateLimitStore{
		requests: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// WithClock replaces the store's clock
func (s *MemoryRateLimitStore) WithClock(now func() time.Time) *MemoryRateLimitStore {
	s.now = now
	return s
}

// prune drops timestamps outside window. Callers hold s.mu.
func (s *MemoryRateLimitStore) prune(key string, window time.Duration) []time.Time {
	cutoff := s.now().Add(-window)
	kept := s.requests[key][:0]
	for _, t := range s.requests[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(s.requests, key)
		return nil
	}
	s.requests[key] = kept
	return kept
}

// Allow implements RateLimitStore
func (s *MemoryRateLimitStore) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.prune(key, window)) >= limit {
		return false, nil
	}
	s.requests[key] = append(s.requests[key], s.now())
	return true, nil
}

// Count implements RateLimitStore
func (s *MemoryRateLimitStore) Count(ctx context.Context, key string, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.prune(key, window)), nil
}

// Reset implements RateLimitStore
func (s *MemoryRateLimitStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, key)
	return nil
}

// MemoryUsageStore is an in-process UsageStore
type MemoryUsageStore struct {
	mu     sync.Mutex
	counts map[string]int
	now    func() time.Time
}

// NewMemoryUsageStore creates an empty store
func NewMemoryUsageStore() *MemoryUsageStore {
	return &MemoryUsageStore{
		counts: make(map[string]int),
		now:    time.Now,
	}
}

// WithClock replaces the store's clock
func (s *MemoryUsageStore) WithClock(now func() time.Time) *MemoryUsageStore {
	s.now = now
	return s
}

// Day returns the usage bucket of t
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (s *MemoryUsageStore) key(user, tool string) string {
	return user + "|" + tool + "|" + Day(s.now())
}

// CanUse implements UsageStore
func (s *MemoryUsageStore) CanUse(ctx context.Context, user, tool string, dailyLimit int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[s.key(user, tool)] < dailyLimit, nil
}

// Track implements UsageStore
func (s *MemoryUsageStore) Track(ctx context.Context, user, tool string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[s.key(user, tool)]++
	return nil
}

// Usage implements UsageStore
func (s *MemoryUsageStore) Usage(ctx context.Context, user, tool string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[s.key(user, tool)], nil
}

// Reset implements UsageStore
func (s *MemoryUsageStore) Reset(ctx context.Context, user, tool string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counts, s.key(user, tool))
	return nil
}

var (
	_ RateLimitStore = (*MemoryRateLimitStore)(nil)
	_ UsageStore     = (*MemoryUsageStore)(nil)
)
