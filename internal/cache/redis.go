package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/signalix/identity/internal/clock"
)

// hitScript keeps a sorted-set log of event times in milliseconds.
// ARGV: now, window, limit, member.
var hitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local n = redis.call('ZCARD', KEYS[1])
if n >= limit then
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  if oldest[2] == nil then
    return {0, n, 0}
  end
  return {0, n, tonumber(oldest[2]) + window - now}
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return {1, n + 1, 0}
`)

const scanCount = 100

// Redis implements Store on a go-redis client
type Redis struct {
	client *redis.Client
	clock  clock.Clock
}

var _ Store = (*Redis)(nil)

// NewRedis creates a new Redis store. Window timestamps come from c so every
// instance sharing the server agrees on them as far as their clocks do.
func NewRedis(client *redis.Client, c clock.Clock) *Redis {
	if c == nil {
		c = clock.Real{}
	}
	return &Redis{client: client, clock: c}
}

// Get returns the value stored at key
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrMiss
		}
		return "", fmt.Errorf("failed to get %s: %w", key, err)
	}
	return v, nil
}

// Set stores value at key with the given TTL
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Delete removes keys; missing keys are ignored
func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// DeletePattern walks the keyspace with SCAN rather than KEYS so large
// keyspaces do not block the server.
func (r *Redis) DeletePattern(ctx context.Context, pattern string) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return deleted, fmt.Errorf("failed to scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("failed to delete keys: %w", err)
			}
			deleted += int(n)
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}

// Hit records an event in the sliding window at key
func (r *Redis) Hit(ctx context.Context, key string, limit int, window time.Duration) (WindowResult, error) {
	now := r.clock.Now().UnixMilli()
	member := fmt.Sprintf("%d-%s", now, uuid.NewString())
	vals, err := hitScript.Run(ctx, r.client, []string{key}, now, window.Milliseconds(), limit, member).Int64Slice()
	if err != nil {
		return WindowResult{}, fmt.Errorf("failed to record hit on %s: %w", key, err)
	}
	if len(vals) != 3 {
		return WindowResult{}, fmt.Errorf("unexpected hit reply for %s: %v", key, vals)
	}
	return WindowResult{
		Allowed:    vals[0] == 1,
		Count:      vals[1],
		RetryAfter: time.Duration(vals[2]) * time.Millisecond,
	}, nil
}

// Ping checks connectivity
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
