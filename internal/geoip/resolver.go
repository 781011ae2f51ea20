package geoip

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/oschwald/geoip2-golang"
	cache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	Unknown   = "Unknown"
	Localhost = "localhost"
	Local     = "local"

	cacheTTL   = 24 * time.Hour
	cachePurge = time.Hour
)

// Resolver maps IPs to ISO country codes from a local MaxMind database.
// Without a database every public address resolves to Unknown.
type Resolver struct {
	db     *geoip2.Reader
	cache  *cache.Cache
	hits   int64
	misses int64
}

// Open loads dbPath. An empty path yields a resolver without a database.
func Open(dbPath string, logger *zap.Logger) (*Resolver, error) {
	r := &Resolver{cache: cache.New(cacheTTL, cachePurge)}
	if dbPath == "" {
		logger.Info("GeoIP database not configured, countries resolve to Unknown")
		return r, nil
	}

	db, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, err
	}
	r.db = db
	logger.Info("GeoIP database loaded", zap.String("path", dbPath))
	return r, nil
}

func (r *Resolver) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Country returns the ISO code of ip, localhost for loopback addresses,
// local for private ranges and Unknown when no answer is available.
func (r *Resolver) Country(ip string) string {
	parsed := net.ParseIP(ip)
	switch {
	case parsed == nil:
		return Unknown
	case parsed.IsLoopback():
		return Localhost
	case parsed.IsPrivate(), parsed.IsLinkLocalUnicast():
		return Local
	}

	if v, ok := r.cache.Get(ip); ok {
		atomic.AddInt64(&r.hits, 1)
		return v.(string)
	}
	atomic.AddInt64(&r.misses, 1)

	country := Unknown
	if r.db != nil {
		if rec, err := r.db.Country(parsed); err == nil && rec.Country.IsoCode != "" {
			country = rec.Country.IsoCode
		}
	}
	r.cache.Set(ip, country, cache.DefaultExpiration)
	return country
}

// CacheStats returns hits, misses and the number of cached entries.
func (r *Resolver) CacheStats() (hits, misses int64, size int) {
	return atomic.LoadInt64(&r.hits), atomic.LoadInt64(&r.misses), r.cache.ItemCount()
}
