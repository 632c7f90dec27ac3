package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vyrodovalexey/tenantgate/internal/config"
	"github.com/vyrodovalexey/tenantgate/internal/observability"
)

const cacheTracerName = "tenantgate/cache"

// Common cache errors.
var (
	// ErrCacheMiss indicates that the key was not found in the cache.
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheDisabled indicates that caching is disabled.
	ErrCacheDisabled = errors.New("cache disabled")

	// ErrCacheUnavailable indicates the backend is failing or its circuit
	// breaker is open.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrInvalidConfig indicates that the cache configuration is invalid.
	ErrInvalidConfig = errors.New("invalid cache configuration")

	// ErrNotCacheable indicates a tag above the tenant baseline
	// classification. Such data is never cached.
	ErrNotCacheable = errors.New("data above tenant baseline classification is not cacheable")

	// ErrStaleGeneration indicates the scope was invalidated after the
	// value was read, so the value must not be cached.
	ErrStaleGeneration = errors.New("cache scope invalidated since read")
)

// Cache is a byte-oriented key-value cache.
type Cache interface {
	// Get returns ErrCacheMiss if the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value. A zero TTL uses the backend default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int, error)

	// Close releases the backend.
	Close() error
}

// Option is a functional option for cache backends.
type Option func(*options)

type options struct {
	metrics *Metrics
}

// WithMetrics sets the metrics used by the backend.
func WithMetrics(metrics *Metrics) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}

// New creates the backend named by cfg. A disabled cache returns a cache
// that misses on every read.
func New(cfg *config.CacheConfig, logger observability.Logger, opts ...Option) (Cache, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	if !cfg.Enabled {
		return newDisabledCache(), nil
	}

	switch cfg.Type {
	case config.CacheTypeMemory, "":
		return newMemoryCache(cfg, logger, o.metrics), nil
	case config.CacheTypeRedis:
		c, err := newRedisCache(cfg, logger, o.metrics)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("%w: unknown cache type %q", ErrInvalidConfig, cfg.Type)
	}
}

// NewTagIndex returns the tag index matching the backend of c. Redis
// backends keep their tag sets next to the entries so that every replica
// sees the same index; other backends use an in-process index.
func NewTagIndex(c Cache) TagIndex {
	if rc, ok := c.(*redisCache); ok {
		return NewRedisTagIndex(rc.client, rc.prefix)
	}
	return NewMemoryTagIndex()
}

// disabledCache is a cache that stores nothing.
type disabledCache struct{}

func newDisabledCache() Cache {
	return disabledCache{}
}

func (disabledCache) Get(context.Context, string) ([]byte, error) {
	return nil, ErrCacheDisabled
}

func (disabledCache) Set(context.Context, string, []byte, time.Duration) error {
	return ErrCacheDisabled
}

func (disabledCache) Delete(context.Context, ...string) (int, error) {
	return 0, nil
}

func (disabledCache) Close() error {
	return nil
}
