package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"risk-auth-service/internal/client"
	"risk-auth-service/internal/util"
)

const rateLimitPrefix = "rate_limit:"

// Sliding window over a sorted set of request times in milliseconds. Returns
// {allowed, retry_after_ms}.
var slidingWindowScript = goredis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local member = ARGV[4]

	redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
	local count = redis.call('ZCARD', key)
	if count < limit then
		redis.call('ZADD', key, ARGV[1], member)
		redis.call('PEXPIRE', key, ARGV[2])
		return {1, 0}
	end
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	local retry = tonumber(oldest[2]) + window - now
	if retry < 0 then
		retry = 0
	end
	return {0, retry}
`)

// RateLimiter caps OTP requests per key across replicas.
type RateLimiter struct {
	client *client.RedisClient
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRateLimiter(c *client.RedisClient, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{client: c, limit: max(limit, 1), window: window, now: time.Now}
}

func (l *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	l.now = now
	return l
}

func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, time.Duration, error) {
	now := l.now().UnixMilli()
	member := fmt.Sprintf("%d-%s", now, uuid.NewString())

	res, err := l.client.RunScript(ctx, slidingWindowScript, []string{rateLimitPrefix + key},
		now, l.window.Milliseconds(), l.limit, member)
	if err != nil {
		util.Error("Failed to execute sliding window rate limit",
			zap.String("key", key),
			zap.Int("limit", l.limit),
			zap.Duration("window", l.window),
			zap.Error(err))
		return false, 0, fmt.Errorf("failed to execute sliding window rate limit: %w", err)
	}

	out, ok := res.([]interface{})
	if !ok || len(out) != 2 {
		return false, 0, fmt.Errorf("unexpected result format from sliding window script")
	}
	allowed, _ := out[0].(int64)
	retryMs, _ := out[1].(int64)
	return allowed == 1, time.Duration(retryMs) * time.Millisecond, nil
}
