package cache

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/tenantgate/internal/config"
	"github.com/vyrodovalexey/tenantgate/internal/observability"
)

func newTestMemoryCache(t *testing.T, maxEntries int, metrics *Metrics) *memoryCache {
	t.Helper()
	c := newMemoryCache(&config.CacheConfig{
		Enabled:    true,
		Type:       config.CacheTypeMemory,
		TTL:        config.Duration(time.Minute),
		MaxEntries: maxEntries,
	}, observability.NopLogger(), metrics)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// ============================================================
// New
// ============================================================

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     *config.CacheConfig
		wantErr bool
		check   func(t *testing.T, c Cache)
	}{
		{
			name:    "nil config",
			wantErr: true,
		},
		{
			name: "disabled",
			cfg:  &config.CacheConfig{Enabled: false},
			check: func(t *testing.T, c Cache) {
				_, err := c.Get(context.Background(), "k")
				assert.ErrorIs(t, err, ErrCacheDisabled)
				assert.ErrorIs(t, c.Set(context.Background(), "k", []byte("v"), 0), ErrCacheDisabled)
				n, err := c.Delete(context.Background(), "k")
				assert.NoError(t, err)
				assert.Zero(t, n)
			},
		},
		{
			name: "memory",
			cfg:  &config.CacheConfig{Enabled: true, Type: config.CacheTypeMemory},
			check: func(t *testing.T, c Cache) {
				_, ok := c.(*memoryCache)
				assert.True(t, ok)
			},
		},
		{
			name:    "unknown type",
			cfg:     &config.CacheConfig{Enabled: true, Type: "memcached"},
			wantErr: true,
		},
		{
			name:    "redis without url",
			cfg:     &config.CacheConfig{Enabled: true, Type: config.CacheTypeRedis},
			wantErr: true,
		},
		{
			name: "redis bad url",
			cfg: &config.CacheConfig{
				Enabled: true,
				Type:    config.CacheTypeRedis,
				Redis:   &config.RedisCacheConfig{URL: "http://not-redis"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, err := New(tt.cfg, nil)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			t.Cleanup(func() { _ = c.Close() })
			if tt.check != nil {
				tt.check(t, c)
			}
		})
	}
}

// ============================================================
// Memory backend
// ============================================================

func TestMemoryCache_GetSetDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newTestMemoryCache(t, 10, nil)

	_, err := c.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))

	v, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	require.NoError(t, c.Set(ctx, "a", []byte("updated"), 0))
	v, err = c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("updated"), v)

	n, err := c.Delete(ctx, "a", "b", "missing")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, c.Len())
}

func TestMemoryCache_Expiry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newTestMemoryCache(t, 10, nil)

	now := time.Now()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "short", []byte("v"), time.Second))
	require.NoError(t, c.Set(ctx, "default", []byte("v"), 0))
	require.NoError(t, c.Set(ctx, "forever", []byte("v"), -1))

	now = now.Add(2 * time.Second)
	_, err := c.Get(ctx, "short")
	assert.ErrorIs(t, err, ErrCacheMiss)
	_, err = c.Get(ctx, "default")
	assert.NoError(t, err)

	now = now.Add(time.Hour)
	c.cleanup()
	assert.Equal(t, 1, c.Len())
	_, err = c.Get(ctx, "forever")
	assert.NoError(t, err)
}

func TestMemoryCache_LRUEviction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics := NewMetricsWithRegisterer("test", reg)
	c := newTestMemoryCache(t, 2, metrics)

	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))
	_, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, "c", []byte("3"), 0))

	_, err = c.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrCacheMiss, "least recently used entry is evicted")
	_, err = c.Get(ctx, "a")
	assert.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.evictionsTotal.WithLabelValues(backendMemory)))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.hitsTotal.WithLabelValues(backendMemory)))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.missesTotal.WithLabelValues(backendMemory)))
}

func TestMemoryCache_CloseIdempotent(t *testing.T) {
	t.Parallel()

	c := newTestMemoryCache(t, 10, nil)
	require.NoError(t, c.Set(context.Background(), "a", []byte("1"), 0))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Zero(t, c.Len())
}

func TestApplyTTLJitter(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Minute, applyTTLJitter(time.Minute, 0))
	assert.Equal(t, time.Duration(0), applyTTLJitter(0, 0.5))

	for i := 0; i < 100; i++ {
		got := applyTTLJitter(time.Minute, 0.1)
		assert.GreaterOrEqual(t, got, 54*time.Second)
		assert.LessOrEqual(t, got, 66*time.Second)
	}
}

func TestResolveKeyPrefix(t *testing.T) {
	t.Parallel()

	assert.Equal(t, defaultKeyPrefix, resolveKeyPrefix(""))
	assert.Equal(t, "tg:", resolveKeyPrefix("tg"))
	assert.Equal(t, "tg:", resolveKeyPrefix("tg:"))
}

func TestNewTagIndex(t *testing.T) {
	t.Parallel()

	mem := newTestMemoryCache(t, 10, nil)
	_, ok := NewTagIndex(mem).(*memoryTagIndex)
	assert.True(t, ok)

	_, ok = NewTagIndex(newDisabledCache()).(*memoryTagIndex)
	assert.True(t, ok)
}
