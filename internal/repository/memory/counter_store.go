package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"security-monitor/internal/repository"
)

const cleanupInterval = time.Minute

// CounterStore is the in-process CounterStore used when Redis is disabled
// and in tests.
type CounterStore struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

func NewCounterStore() *CounterStore {
	return &CounterStore{cache: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

// Increment serializes read and write under mu so concurrent callers on the
// same key never lose an update. The TTL is refreshed on every call.
func (s *CounterStore) Increment(_ context.Context, key string, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	if v, ok := s.cache.Get(key); ok {
		n, _ = v.(int)
	}
	n++
	s.cache.Set(key, n, ttl)
	return n, nil
}

func (s *CounterStore) Get(_ context.Context, key string) (int, error) {
	v, ok := s.cache.Get(key)
	if !ok {
		return 0, nil
	}
	n, ok := v.(int)
	if !ok {
		return 0, fmt.Errorf("counter %s holds a non-integer value", key)
	}
	return n, nil
}

func (s *CounterStore) Reset(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.cache.Get(key)
	s.cache.Delete(key)
	return existed, nil
}

func (s *CounterStore) SetLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if err := s.cache.Add(key, true, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *CounterStore) IsLocked(_ context.Context, key string) (bool, error) {
	_, ok := s.cache.Get(key)
	return ok, nil
}

// DeleteExpired drops expired counters ahead of the janitor.
func (s *CounterStore) DeleteExpired() {
	s.cache.DeleteExpired()
}

// JSONCache keeps encoded documents so callers get copies, like the Redis one.
type JSONCache struct {
	cache *gocache.Cache
}

func NewJSONCache() *JSONCache {
	return &JSONCache{cache: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

func (c *JSONCache) SetJSON(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cache value: %w", err)
	}
	c.cache.Set(key, data, ttl)
	return nil
}

func (c *JSONCache) GetJSON(_ context.Context, key string, target interface{}) error {
	v, ok := c.cache.Get(key)
	if !ok {
		return repository.ErrCacheMiss
	}
	data, _ := v.([]byte)
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal cache entry %s: %w", key, err)
	}
	return nil
}

func (c *JSONCache) Delete(_ context.Context, key string) error {
	c.cache.Delete(key)
	return nil
}
