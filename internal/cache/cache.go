// Package cache provides the key/value store used for rate-limit counters
// and refresh-token lookup.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key does not exist or has expired.
var ErrMiss = errors.New("cache miss")

// Store is a key/value store with per-key TTL, atomic increment and
// pattern deletion.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeletePattern removes every key matching a glob pattern and returns the count.
	DeletePattern(ctx context.Context, pattern string) (int, error)
	// Hit records one event under key unless limit events already fall inside
	// the trailing window. Rejected hits are not recorded.
	Hit(ctx context.Context, key string, limit int, window time.Duration) (WindowResult, error)
}

// WindowResult reports the outcome of a sliding-window Hit
type WindowResult struct {
	Allowed bool
	// Count is the number of events inside the window, this one included when allowed.
	Count int64
	// RetryAfter is how long until the oldest event leaves the window. Zero when allowed.
	RetryAfter time.Duration
}
