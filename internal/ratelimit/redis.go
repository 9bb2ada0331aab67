package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingScript atomically trims the window, checks the count, and records
// the event. Returns 1 when the send is admitted.
var slidingScript = redis.NewScript(`
local key = KEYS[1]
local windowStart = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local now = ARGV[3]
local windowMs = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', windowStart)

local count = redis.call('ZCARD', key)
if count >= limit then
  return 0
end

redis.call('ZADD', key, now, now)
redis.call('PEXPIRE', key, windowMs)
return 1
`)

// RedisLimiter is a sliding window limiter backed by a Redis sorted set per
// client. Events are stored with their microsecond timestamp as score, so the
// window slides continuously instead of bursting at fixed boundaries.
//
// On Redis error it fails open: a dead Redis must not halt delivery, the
// provider-side limits are the backstop.
type RedisLimiter struct {
	client redis.UniversalClient
	limit  int
	window time.Duration
	logger *slog.Logger
}

// NewRedisLimiter creates a Redis-backed limiter allowing limit sends per
// window per client.
func NewRedisLimiter(client redis.UniversalClient, limit int, window time.Duration, logger *slog.Logger) *RedisLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLimiter{client: client, limit: limit, window: window, logger: logger}
}

// Allow runs the sliding window script for the client's key.
func (r *RedisLimiter) Allow(ctx context.Context, clientID string) bool {
	now := time.Now()
	key := "duespark:ratelimit:" + clientID

	result, err := slidingScript.Run(ctx, r.client, []string{key},
		now.Add(-r.window).UnixMicro(),
		r.limit,
		strconv.FormatInt(now.UnixMicro(), 10),
		r.window.Milliseconds(),
	).Int()
	if err != nil {
		r.logger.Warn("rate limiter unavailable, failing open", "client_id", clientID, "error", err)
		return true
	}
	return result == 1
}

var (
	_ Limiter = (*RedisLimiter)(nil)
	_ Limiter = (*MemoryLimiter)(nil)
	_ Limiter = Unlimited{}
)
