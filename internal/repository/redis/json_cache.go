package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"security-monitor/internal/client"
	"security-monitor/internal/repository"
	"security-monitor/internal/util"
)

// JSONCache stores stats and reports as JSON strings.
type JSONCache struct {
	client *client.RedisClient
}

func NewJSONCache(client *client.RedisClient) *JSONCache {
	return &JSONCache{client: client}
}

func (c *JSONCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if err := c.client.Set(ctx, key, string(data), ttl); err != nil {
		util.Error("Failed to set cache entry",
			zap.String("key", key),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return fmt.Errorf("failed to set cache entry: %w", err)
	}
	return nil
}

func (c *JSONCache) GetJSON(ctx context.Context, key string, target interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := c.client.Get(ctx, key)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return repository.ErrCacheMiss
		}
		return fmt.Errorf("failed to get cache entry: %w", err)
	}

	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return fmt.Errorf("failed to unmarshal cache entry %s: %w", key, err)
	}
	return nil
}

func (c *JSONCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := c.client.Del(ctx, key); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}
