package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"security-monitor/internal/client"
	"security-monitor/internal/repository"
	"security-monitor/internal/util"
)

// Admitted hits are sorted-set members scored by their timestamp in ms.
// Returns {allowed, count, retry_after_ms}.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, ARGV[4])
    redis.call('PEXPIRE', key, window)
    return {1, count + 1, 0}
end

local retry = window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
end
return {0, count, retry}
`

// RateLimiter implements repository.RateLimiter with an atomic sliding
// window evaluated server side.
type RateLimiter struct {
	client *client.RedisClient
	now    func() time.Time
	member func() string
}

func NewRateLimiter(client *client.RedisClient) *RateLimiter {
	return &RateLimiter{client: client, now: time.Now, member: uuid.NewString}
}

func (l *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (repository.RateDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	result, err := l.client.Eval(ctx, slidingWindowScript, []string{key},
		l.now().UnixMilli(), window.Milliseconds(), limit, l.member())
	if err != nil {
		util.Error("Failed to execute sliding window rate limit",
			zap.String("key", key),
			zap.Int("limit", limit),
			zap.Duration("window", window),
			zap.Error(err))
		return repository.RateDecision{}, fmt.Errorf("failed to execute sliding window rate limit: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return repository.RateDecision{}, fmt.Errorf("unexpected result format from sliding window script")
	}
	allowed, _ := values[0].(int64)
	count, _ := values[1].(int64)
	retryMs, _ := values[2].(int64)

	decision := repository.RateDecision{
		Allowed:    allowed == 1,
		Count:      int(count),
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
	}
	util.Debug("Sliding window rate limit check",
		zap.String("key", key),
		zap.Bool("allowed", decision.Allowed),
		zap.Int("current_count", decision.Count),
		zap.Int("limit", limit))
	return decision, nil
}

func (l *RateLimiter) Clear(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := l.client.Del(ctx, key); err != nil {
		return fmt.Errorf("failed to clear rate limit %s: %w", key, err)
	}
	return nil
}
