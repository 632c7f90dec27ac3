package config

// Cache backend types.
const (
	CacheTypeMemory = "memory"
	CacheTypeRedis  = "redis"
)

// CacheConfig configures the scope-tagged read cache.
type CacheConfig struct {
	// Enabled turns the read cache on. Disabled caching sends every read
	// to storage.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Type is the backend: "memory" or "redis". The tag index uses the
	// same backend.
	Type string `yaml:"type" json:"type"`

	// TTL is the default time-to-live of cached reads.
	TTL Duration `yaml:"ttl,omitempty" json:"ttl,omitempty"`

	// MaxEntries bounds the memory backend.
	MaxEntries int `yaml:"maxEntries,omitempty" json:"maxEntries,omitempty"`

	// Redis holds redis backend settings.
	Redis *RedisCacheConfig `yaml:"redis,omitempty" json:"redis,omitempty"`

	// CircuitBreaker guards redis reads.
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuitBreaker,omitempty" json:"circuitBreaker,omitempty"`
}

// RedisCacheConfig contains redis connection settings.
type RedisCacheConfig struct {
	// URL is the connection URL: redis://[user:password@]host:port[/db].
	URL string `yaml:"url" json:"url"`

	// PoolSize is the maximum number of connections.
	PoolSize int `yaml:"poolSize,omitempty" json:"poolSize,omitempty"`

	// ConnectTimeout bounds dialing.
	ConnectTimeout Duration `yaml:"connectTimeout,omitempty" json:"connectTimeout,omitempty"`

	// ReadTimeout bounds reads.
	ReadTimeout Duration `yaml:"readTimeout,omitempty" json:"readTimeout,omitempty"`

	// WriteTimeout bounds writes.
	WriteTimeout Duration `yaml:"writeTimeout,omitempty" json:"writeTimeout,omitempty"`

	// KeyPrefix is prepended to every key, cache entries and tag sets alike.
	KeyPrefix string `yaml:"keyPrefix,omitempty" json:"keyPrefix,omitempty"`

	// TTLJitter spreads expirations by up to this fraction of the TTL
	// (0.0 to 1.0).
	TTLJitter float64 `yaml:"ttlJitter,omitempty" json:"ttlJitter,omitempty"`
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// Enabled turns the breaker on.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Threshold is the minimum number of requests in an interval before
	// the failure ratio can trip the breaker.
	Threshold int `yaml:"threshold,omitempty" json:"threshold,omitempty"`

	// Timeout is how long the breaker stays open.
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}
