package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"security-monitor/internal/client"
	"security-monitor/internal/util"
)

const (
	opTimeout = 2 * time.Second
	lockValue = "1"
)

// CounterStore implements repository.CounterStore on Redis INCR + EXPIRE.
type CounterStore struct {
	client *client.RedisClient
}

func NewCounterStore(client *client.RedisClient) *CounterStore {
	return &CounterStore{client: client}
}

func (c *CounterStore) Increment(ctx context.Context, key string, ttl time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	count, err := c.client.IncrWithExpire(ctx, key, ttl)
	if err != nil {
		util.Error("Failed to increment counter",
			zap.String("key", key),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}

	util.Debug("Counter incremented",
		zap.String("key", key),
		zap.Int64("count", count))
	return int(count), nil
}

func (c *CounterStore) Get(ctx context.Context, key string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	countStr, err := c.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}

	count, err := strconv.Atoi(countStr)
	if err != nil {
		return 0, fmt.Errorf("invalid counter format for %s: %w", key, err)
	}
	return count, nil
}

func (c *CounterStore) Reset(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := c.client.Del(ctx, key)
	if err != nil {
		util.Error("Failed to reset counter", zap.String("key", key), zap.Error(err))
		return false, fmt.Errorf("failed to reset counter: %w", err)
	}
	return n > 0, nil
}

func (c *CounterStore) SetLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ok, err := c.client.SetNX(ctx, key, lockValue, ttl)
	if err != nil {
		util.Error("Failed to set lock",
			zap.String("key", key),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return false, fmt.Errorf("failed to set lock: %w", err)
	}
	return ok, nil
}

func (c *CounterStore) IsLocked(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	exists, err := c.client.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("failed to check lock: %w", err)
	}
	return exists, nil
}
