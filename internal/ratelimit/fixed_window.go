package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// Limiter decides whether a keyed request is within quota.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// FixedWindowLimiter limits requests per key in a fixed time window shared
// by every instance through Redis.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration

	redisClient redis.UniversalClient
	redisPrefix string
	// failOpen admits requests when Redis cannot be reached.
	failOpen bool
	logger   *slog.Logger
}

// NewRedisFixedWindowLimiter creates a Redis-backed distributed limiter.
func NewRedisFixedWindowLimiter(client redis.UniversalClient, prefix string, limit int, window time.Duration, failOpen bool) (*FixedWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	if client == nil {
		return nil, errors.New("rate limiter redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "sciencebuddy:ratelimit"
	}
	return &FixedWindowLimiter{
		limit:       limit,
		window:      window,
		redisClient: client,
		redisPrefix: prefix,
		failOpen:    failOpen,
		logger:      slog.Default(),
	}, nil
}

// Allow returns true when the key is within quota.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) bool {
	if l == nil {
		return false
	}
	return l.allowRedis(ctx, normalizeKey(key))
}

func (l *FixedWindowLimiter) allowRedis(ctx context.Context, key string) bool {
	windowMs := l.window.Milliseconds()
	if windowMs <= 0 {
		return true
	}
	windowSlot := time.Now().UTC().UnixMilli() / windowMs
	redisKey := fmt.Sprintf("%s:%s:%d", l.redisPrefix, key, windowSlot)
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := fixedWindowScript.Run(ctx, l.redisClient, []string{redisKey}, windowMs).Int64()
	if err != nil {
		l.logger.Warn("rate limiter unavailable", "key", key, "fail_open", l.failOpen, "err", err)
		return l.failOpen
	}
	return res <= int64(l.limit)
}

// MemoryFixedWindowLimiter is the single-instance limiter used when no Redis
// is configured.
type MemoryFixedWindowLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	slot    int64
	counts  map[string]int
	nowFunc func() time.Time
}

// NewMemoryFixedWindowLimiter creates an in-process limiter.
func NewMemoryFixedWindowLimiter(limit int, window time.Duration) (*MemoryFixedWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	return &MemoryFixedWindowLimiter{
		limit:   limit,
		window:  window,
		counts:  map[string]int{},
		nowFunc: time.Now,
	}, nil
}

// Allow returns true when the key is within quota for the current window.
func (l *MemoryFixedWindowLimiter) Allow(_ context.Context, key string) bool {
	if l == nil {
		return false
	}
	key = normalizeKey(key)
	slot := l.nowFunc().UTC().UnixMilli() / l.window.Milliseconds()

	l.mu.Lock()
	defer l.mu.Unlock()
	if slot != l.slot {
		l.slot = slot
		l.counts = map[string]int{}
	}
	l.counts[key]++
	return l.counts[key] <= l.limit
}

func normalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "unknown"
	}
	return key
}
