package authz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/vyrodovalexey/tenantgate/internal/observability"
)

// DecisionCache caches ABAC decisions.
type DecisionCache interface {
	// Get retrieves a cached decision.
	Get(ctx context.Context, key *CacheKey) (*CachedDecision, bool)

	// Set stores a decision in the cache.
	Set(ctx context.Context, key *CacheKey, decision *CachedDecision)

	// Clear clears all cached decisions.
	Clear(ctx context.Context)

	// Close closes the cache.
	Close() error
}

// CacheKey identifies one ABAC evaluation. Version is the policy snapshot
// version, so a reload makes every earlier key unreachable.
type CacheKey struct {
	Version    uint64
	OrgID      string
	UserID     string
	Roles      []string
	Action     string
	Resource   string
	ResourceID string
	Attributes map[string]interface{}
}

// String returns a digest of the key. Roles are order-insensitive.
func (k *CacheKey) String() string {
	roles := append([]string(nil), k.Roles...)
	sort.Strings(roles)

	h := sha256.New()
	h.Write([]byte(strconv.FormatUint(k.Version, 10)))
	for _, part := range []string{k.OrgID, k.UserID, k.Action, k.Resource, k.ResourceID} {
		h.Write([]byte{0})
		h.Write([]byte(part))
	}
	for _, role := range roles {
		h.Write([]byte(":r:"))
		h.Write([]byte(role))
	}
	if len(k.Attributes) > 0 {
		// encoding/json sorts map keys.
		attrs, err := json.Marshal(k.Attributes)
		if err != nil {
			attrs = []byte(err.Error())
		}
		h.Write([]byte(":a:"))
		h.Write(attrs)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CachedDecision represents a cached decision.
type CachedDecision struct {
	Allowed   bool
	Policy    string
	Reason    string
	CachedAt  time.Time
	ExpiresAt time.Time
}

// IsExpired returns true if the cached decision has expired.
func (d *CachedDecision) IsExpired() bool {
	return time.Now().After(d.ExpiresAt)
}

// memoryDecisionCache implements DecisionCache in process memory.
type memoryDecisionCache struct {
	mu       sync.RWMutex
	entries  map[string]*CachedDecision
	ttl      time.Duration
	maxSize  int
	logger   observability.Logger
	metrics  *Metrics
	stopChan chan struct{}
	stopOnce sync.Once
}

// MemoryCacheOption is a functional option for the memory cache.
type MemoryCacheOption func(*memoryDecisionCache)

// WithMemoryCacheLogger sets the logger.
func WithMemoryCacheLogger(logger observability.Logger) MemoryCacheOption {
	return func(c *memoryDecisionCache) {
		c.logger = logger
	}
}

// WithMemoryCacheMetrics sets the metrics.
func WithMemoryCacheMetrics(metrics *Metrics) MemoryCacheOption {
	return func(c *memoryDecisionCache) {
		c.metrics = metrics
	}
}

// NewMemoryDecisionCache creates a new in-memory decision cache.
func NewMemoryDecisionCache(ttl time.Duration, maxSize int, opts ...MemoryCacheOption) DecisionCache {
	c := &memoryDecisionCache{
		entries:  make(map[string]*CachedDecision),
		ttl:      ttl,
		maxSize:  maxSize,
		logger:   observability.NopLogger(),
		stopChan: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	go c.cleanupLoop()

	return c
}

// Get retrieves a cached decision.
func (c *memoryDecisionCache) Get(_ context.Context, key *CacheKey) (*CachedDecision, bool) {
	c.mu.RLock()
	decision, ok := c.entries[key.String()]
	c.mu.RUnlock()

	if !ok || decision.IsExpired() {
		c.metrics.RecordCacheMiss()
		return nil, false
	}

	c.metrics.RecordCacheHit()
	cp := *decision
	return &cp, true
}

// Set stores a decision in the cache.
func (c *memoryDecisionCache) Set(_ context.Context, key *CacheKey, decision *CachedDecision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	now := time.Now()
	entry := *decision
	entry.CachedAt = now
	entry.ExpiresAt = now.Add(c.ttl)
	c.entries[key.String()] = &entry
}

// Clear clears all cached decisions.
func (c *memoryDecisionCache) Clear(_ context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*CachedDecision)
}

// Close stops the cleanup loop.
func (c *memoryDecisionCache) Close() error {
	c.stopOnce.Do(func() { close(c.stopChan) })
	return nil
}

// evictOldest drops expired entries, then the oldest one if still full.
// Callers hold c.mu.
func (c *memoryDecisionCache) evictOldest() {
	for key, decision := range c.entries {
		if decision.IsExpired() {
			delete(c.entries, key)
		}
	}

	if len(c.entries) < c.maxSize {
		return
	}

	var oldestKey string
	var oldestTime time.Time
	for key, decision := range c.entries {
		if oldestKey == "" || decision.CachedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = decision.CachedAt
		}
	}
	delete(c.entries, oldestKey)
}

func (c *memoryDecisionCache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopChan:
			return
		}
	}
}

func (c *memoryDecisionCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, decision := range c.entries {
		if decision.IsExpired() {
			delete(c.entries, key)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("expired decisions removed", observability.Int("count", removed))
	}
}

// noopDecisionCache caches nothing.
type noopDecisionCache struct{}

// NewNoopDecisionCache creates a new no-op decision cache.
func NewNoopDecisionCache() DecisionCache {
	return noopDecisionCache{}
}

func (noopDecisionCache) Get(context.Context, *CacheKey) (*CachedDecision, bool) { return nil, false }
func (noopDecisionCache) Set(context.Context, *CacheKey, *CachedDecision)        {}
func (noopDecisionCache) Clear(context.Context)                                  {}
func (noopDecisionCache) Close() error                                           { return nil }

// Ensure implementations satisfy the interface.
var (
	_ DecisionCache = (*memoryDecisionCache)(nil)
	_ DecisionCache = noopDecisionCache{}
)
