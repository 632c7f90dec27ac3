package cache

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/tenantgate/internal/config"
	"github.com/vyrodovalexey/tenantgate/internal/observability"
)

const (
	backendRedis     = "redis"
	defaultKeyPrefix = "tenantgate:"
)

// redisCache stores entries in redis. Reads go through a circuit breaker
// so a failing redis degrades to cache misses instead of slow reads.
type redisCache struct {
	client     *redis.Client
	prefix     string
	defaultTTL time.Duration
	ttlJitter  float64
	breaker    *breaker
	logger     observability.Logger
	metrics    *Metrics
}

func newRedisCache(cfg *config.CacheConfig, logger observability.Logger, metrics *Metrics) (*redisCache, error) {
	if cfg.Redis == nil || cfg.Redis.URL == "" {
		return nil, fmt.Errorf("%w: redis url is required", ErrInvalidConfig)
	}
	client, err := newRedisClient(cfg.Redis)
	if err != nil {
		return nil, err
	}

	c := newRedisCacheFromClient(client, cfg, logger, metrics)

	logger.Info("redis cache initialized",
		observability.String("prefix", c.prefix),
		observability.Duration("defaultTTL", c.defaultTTL),
		observability.Float64("ttlJitter", c.ttlJitter),
	)
	return c, nil
}

func newRedisCacheFromClient(
	client *redis.Client,
	cfg *config.CacheConfig,
	logger observability.Logger,
	metrics *Metrics,
) *redisCache {
	c := &redisCache{
		client:     client,
		prefix:     defaultKeyPrefix,
		defaultTTL: cfg.TTL.Duration(),
		breaker:    newBreaker("cache-redis", cfg.CircuitBreaker, logger, metrics),
		logger:     logger,
		metrics:    metrics,
	}
	if cfg.Redis != nil {
		c.prefix = resolveKeyPrefix(cfg.Redis.KeyPrefix)
		c.ttlJitter = cfg.Redis.TTLJitter
	}
	return c
}

// newRedisClient parses the URL, applies pool settings and pings.
func newRedisClient(cfg *config.RedisCacheConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid redis url: %w", ErrInvalidConfig, err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.ConnectTimeout > 0 {
		opts.DialTimeout = cfg.ConnectTimeout.Duration()
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout.Duration()
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout.Duration()
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// resolveKeyPrefix defaults the prefix and makes it end in ':'.
func resolveKeyPrefix(prefix string) string {
	if prefix == "" {
		return defaultKeyPrefix
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return prefix
}

// applyTTLJitter varies ttl by up to ±factor so that entries written
// together do not expire together.
func applyTTLJitter(ttl time.Duration, factor float64) time.Duration {
	if factor <= 0 || ttl <= 0 {
		return ttl
	}
	if factor > 1.0 {
		factor = 1.0
	}
	//nolint:gosec // G404: jitter needs no cryptographic randomness
	jitter := time.Duration(float64(ttl) * factor * (2*rand.Float64() - 1))
	if result := ttl + jitter; result > 0 {
		return result
	}
	return ttl
}

func (c *redisCache) key(key string) string {
	return c.prefix + "entry:" + key
}

func (c *redisCache) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(cacheTracerName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(append(attrs, attribute.String("cache.backend", backendRedis))...),
	)
}

// Get retrieves a value through the circuit breaker. A redis miss does not
// count as a breaker failure.
func (c *redisCache) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := c.span(ctx, "cache.Get", attribute.String("cache.key", key))
	defer span.End()
	defer c.metrics.observe(backendRedis, "get", time.Now())

	v, err := c.breaker.execute(func() (interface{}, error) {
		val, err := c.client.Get(ctx, c.key(key)).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return val, err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "redis get failed")
		c.logger.Warn("redis get failed",
			observability.String("key", key),
			observability.String("breaker", c.breaker.state().String()),
			observability.Error(err),
		)
		if errors.Is(err, ErrCacheUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrCacheUnavailable, err)
	}

	val, _ := v.([]byte)
	if val == nil {
		c.metrics.miss(backendRedis)
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	}

	c.metrics.hit(backendRedis)
	span.SetAttributes(attribute.Bool("cache.hit", true), attribute.Int("cache.value_size", len(val)))
	return val, nil
}

// Set stores a value with the jittered TTL.
func (c *redisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span := c.span(ctx, "cache.Set", attribute.String("cache.key", key))
	defer span.End()
	defer c.metrics.observe(backendRedis, "set", time.Now())

	if ttl == 0 {
		ttl = c.defaultTTL
	}
	ttl = applyTTLJitter(ttl, c.ttlJitter)

	if err := c.client.Set(ctx, c.key(key), value, ttl).Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "redis set failed")
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes keys with a single DEL.
func (c *redisCache) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	ctx, span := c.span(ctx, "cache.Delete", attribute.Int("cache.keys", len(keys)))
	defer span.End()
	defer c.metrics.observe(backendRedis, "delete", time.Now())

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	n, err := c.client.Del(ctx, full...).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "redis delete failed")
		return 0, fmt.Errorf("redis delete: %w", err)
	}
	return int(n), nil
}

// Close closes the redis client.
func (c *redisCache) Close() error {
	c.logger.Info("redis cache closed")
	return c.client.Close()
}
