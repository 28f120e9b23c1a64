package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter enforces the per-IP sliding admission window.
type RateLimiter interface {
	// Allow admits or rejects one request from ip. When rejected,
	// retryAfter is the seconds until the oldest request in the window
	// expires (always >= 1).
	Allow(ctx context.Context, ip string) (allowed bool, retryAfter int, err error)
}

// Lua script for an atomic sliding-window check. Plain GET/check/INCR would
// race between concurrent requests from the same IP; the script trims,
// counts and admits in one step. Exact timestamps are kept (a ZSET scored
// by unix time) so retry_after comes from the oldest surviving entry, not a
// fixed backoff.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)

local count = redis.call("ZCARD", key)
if count >= limit then
    local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
    return {0, tonumber(oldest[2])}
end

redis.call("ZADD", key, now, ARGV[4])
redis.call("EXPIRE", key, window)
return {1, 0}
`

// RedisRateLimiter implements RateLimiter on a Redis ZSET per IP.
type RedisRateLimiter struct {
	rdb    *redis.Client
	script *redis.Script
	limit  int
	window time.Duration

	now func() time.Time
}

// NewRedisRateLimiter creates the Redis-backed limiter.
func NewRedisRateLimiter(rdb *redis.Client, limit int, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{
		rdb:    rdb,
		script: redis.NewScript(slidingWindowScript),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (r *RedisRateLimiter) Allow(ctx context.Context, ip string) (bool, int, error) {
	now := r.now().Unix()
	key := fmt.Sprintf("ratelimit:ip:%s", ip)
	member := fmt.Sprintf("%d:%s", now, uuid.New().String()[:8])

	res, err := r.script.Run(ctx, r.rdb,
		[]string{key},
		now,
		int(r.window.Seconds()),
		r.limit,
		member,
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check: %w", err)
	}

	if res[0].(int64) == 1 {
		return true, 0, nil
	}

	oldest := res[1].(int64)
	retryAfter := int(oldest + int64(r.window.Seconds()) - now)
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter, nil
}

// MemoryRateLimiter is the in-process fallback used when no Redis is
// configured. Single-instance deployments only; windows are per-IP and
// evaporate on restart.
type MemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string][]int64
	limit   int
	window  time.Duration

	now func() time.Time
}

// NewMemoryRateLimiter creates the in-process limiter.
func NewMemoryRateLimiter(limit int, window time.Duration) *MemoryRateLimiter {
	return &MemoryRateLimiter{
		windows: make(map[string][]int64),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

func (m *MemoryRateLimiter) Allow(_ context.Context, ip string) (bool, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().Unix()
	cutoff := now - int64(m.window.Seconds())

	stamps := m.windows[ip]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= m.limit {
		m.windows[ip] = kept
		retryAfter := int(kept[0] + int64(m.window.Seconds()) - now)
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter, nil
	}

	m.windows[ip] = append(kept, now)
	return true, 0, nil
}
