package cache

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/signalix/identity/internal/clock"
)

type entry struct {
	value     string
	expiresAt time.Time
	// hits is the event log of a sliding window key, oldest first.
	hits []time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is an in-process Store for tests and single-node development
type Memory struct {
	mu    sync.Mutex
	clock clock.Clock
	items map[string]entry
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty Memory store
func NewMemory(c clock.Clock) *Memory {
	if c == nil {
		c = clock.Real{}
	}
	return &Memory{clock: c, items: map[string]entry{}}
}

func (m *Memory) live(key string) (entry, bool) {
	e, ok := m.items[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(m.clock.Now()) {
		delete(m.items, key)
		return entry{}, false
	}
	return e, true
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return "", ErrMiss
	}
	return e.value, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = m.clock.Now().Add(ttl)
	}
	m.items[key] = e
	return nil
}

func (m *Memory) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.items, k)
	}
	return nil
}

// DeletePattern matches keys with path.Match, which shares redis' * and ? globs.
func (m *Memory) DeletePattern(_ context.Context, pattern string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.items {
		ok, err := path.Match(pattern, k)
		if err != nil {
			return n, err
		}
		if ok {
			delete(m.items, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Hit(_ context.Context, key string, limit int, window time.Duration) (WindowResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	e, _ := m.live(key)

	cutoff := now.Add(-window)
	kept := e.hits[:0]
	for _, h := range e.hits {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}
	e.hits = kept

	if len(e.hits) >= limit {
		m.items[key] = e
		res := WindowResult{Count: int64(len(e.hits))}
		if len(e.hits) > 0 {
			res.RetryAfter = e.hits[0].Add(window).Sub(now)
		}
		return res, nil
	}
	e.hits = append(e.hits, now)
	e.expiresAt = now.Add(window)
	m.items[key] = e
	return WindowResult{Allowed: true, Count: int64(len(e.hits))}, nil
}
