// Package ratelimit provides fixed-window request limiters keyed by client.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCapacityExceeded is returned when the in-memory limiter tracks too many keys.
var ErrCapacityExceeded = errors.New("rate limiter capacity exceeded")

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts hits per key inside a fixed window.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// MemoryConfig configures a Memory limiter.
type MemoryConfig struct {
	Now     func() time.Time
	MaxKeys int
}

type bucket struct {
	count     int
	windowEnd time.Time
}

// Memory is a process-local limiter.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	data    map[string]*bucket
	maxKeys int
}

// NewMemory creates an in-memory limiter. MaxKeys defaults to 10000.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 10000
	}
	return &Memory{
		now:     cfg.Now,
		data:    make(map[string]*bucket),
		maxKeys: cfg.MaxKeys,
	}
}

// Allow records a hit for key. A non-positive limit disables limiting.
func (m *Memory) Allow(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true, Limit: limit, Remaining: limit}, nil
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.data[key]
	if ok && !now.Before(b.windowEnd) {
		delete(m.data, key)
		ok = false
	}
	if !ok {
		if len(m.data) >= m.maxKeys {
			m.gc(now)
		}
		if len(m.data) >= m.maxKeys {
			return Decision{}, ErrCapacityExceeded
		}
		b = &bucket{windowEnd: now.Add(window)}
		m.data[key] = b
	}

	if b.count < limit {
		b.count++
		return Decision{Allowed: true, Limit: limit, Remaining: limit - b.count, ResetAt: b.windowEnd}, nil
	}
	return Decision{Allowed: false, Limit: limit, ResetAt: b.windowEnd}, nil
}

func (m *Memory) gc(now time.Time) {
	for key, b := range m.data {
		if !now.Before(b.windowEnd) {
			delete(m.data, key)
		}
	}
}
