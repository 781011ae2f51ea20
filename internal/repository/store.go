package repository

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by JSONCache.GetJSON when the key is absent or expired.
var ErrCacheMiss = errors.New("cache miss")

// CounterStore is a key-value store with per-key TTL and atomic increment.
// Implementations must not lose increments under concurrent callers.
type CounterStore interface {
	// Increment adds 1 to key and refreshes its TTL. Returns the new value.
	Increment(ctx context.Context, key string, ttl time.Duration) (int, error)
	// Get returns the current value, 0 when absent. It never touches the TTL.
	Get(ctx context.Context, key string) (int, error)
	// Reset deletes key and reports whether it existed.
	Reset(ctx context.Context, key string) (bool, error)
	// SetLock sets a flag key only if absent. Returns false if already set.
	SetLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	IsLocked(ctx context.Context, key string) (bool, error)
}

// JSONCache stores JSON documents with a TTL.
type JSONCache interface {
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, target interface{}) error
	Delete(ctx context.Context, key string) error
}

// RateDecision is the outcome of one sliding-window check.
type RateDecision struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

// RateLimiter admits at most limit hits per key within any window-long span.
// A hit is recorded only when it is admitted.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (RateDecision, error)
	Clear(ctx context.Context, key string) error
}
