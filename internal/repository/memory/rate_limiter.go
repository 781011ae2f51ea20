package memory

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"security-monitor/internal/repository"
)

// RateLimiter keeps the admitted hit times per key in process.
type RateLimiter struct {
	mu    sync.Mutex
	cache *gocache.Cache
	now   func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{cache: gocache.New(gocache.NoExpiration, cleanupInterval), now: time.Now}
}

func (l *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (repository.RateDecision, error) {
	if limit <= 0 {
		return repository.RateDecision{RetryAfter: window}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-window)

	var hits []time.Time
	if v, ok := l.cache.Get(key); ok {
		hits, _ = v.([]time.Time)
	}
	live := hits[:0:0]
	for _, h := range hits {
		if h.After(cutoff) {
			live = append(live, h)
		}
	}

	if len(live) < limit {
		live = append(live, now)
		l.cache.Set(key, live, window)
		return repository.RateDecision{Allowed: true, Count: len(live)}, nil
	}

	l.cache.Set(key, live, live[len(live)-1].Add(window).Sub(now))
	return repository.RateDecision{
		Allowed:    false,
		Count:      len(live),
		RetryAfter: live[0].Add(window).Sub(now),
	}, nil
}

func (l *RateLimiter) Clear(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache.Delete(key)
	return nil
}
