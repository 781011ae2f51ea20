package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"security-monitor/internal/metrics"
	"security-monitor/internal/repository"
)

// CounterService wraps a CounterStore with the fail-open policy: a store
// failure is logged and the caller receives 0 or false, never an error.
type CounterService struct {
	store  repository.CounterStore
	logger *zap.Logger
}

func NewCounterService(store repository.CounterStore, logger *zap.Logger) *CounterService {
	return &CounterService{store: store, logger: logger}
}

// Increment returns the new value, or 0 when the store is unreachable.
func (s *CounterService) Increment(ctx context.Context, key string, ttl time.Duration) int {
	n, err := s.store.Increment(ctx, key, ttl)
	if err != nil {
		s.fail("increment", key, err)
		return 0
	}
	return n
}

func (s *CounterService) Get(ctx context.Context, key string) int {
	n, err := s.store.Get(ctx, key)
	if err != nil {
		s.fail("get", key, err)
		return 0
	}
	return n
}

// Reset reports false only when the store failed.
func (s *CounterService) Reset(ctx context.Context, key string) bool {
	if _, err := s.store.Reset(ctx, key); err != nil {
		s.fail("reset", key, err)
		return false
	}
	return true
}

func (s *CounterService) IsLimitExceeded(ctx context.Context, key string, limit int) bool {
	return s.Get(ctx, key) >= limit
}

// Lock sets a flag key for ttl. It reports whether this call set it.
func (s *CounterService) Lock(ctx context.Context, key string, ttl time.Duration) bool {
	ok, err := s.store.SetLock(ctx, key, ttl)
	if err != nil {
		s.fail("lock", key, err)
		return false
	}
	return ok
}

func (s *CounterService) IsLocked(ctx context.Context, key string) bool {
	locked, err := s.store.IsLocked(ctx, key)
	if err != nil {
		s.fail("is_locked", key, err)
		return false
	}
	return locked
}

// purge drops expired entries when the store keeps them in process.
// Networked stores expire keys on their own.
func (s *CounterService) purge() bool {
	p, ok := s.store.(interface{ DeleteExpired() })
	if ok {
		p.DeleteExpired()
	}
	return ok
}

func (s *CounterService) fail(op, key string, err error) {
	metrics.CounterStoreErrorsTotal.WithLabelValues(op).Inc()
	s.logger.Warn("Counter store failure, using safe default",
		zap.String("operation", op),
		zap.String("key", key),
		zap.Error(fmt.Errorf("%w: %v", ErrCounterUnavailable, err)))
}
