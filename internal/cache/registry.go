package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/tenantgate/internal/compliance"
	"github.com/vyrodovalexey/tenantgate/internal/observability"
)

// scopeState tracks the invalidations this process ran on one scope.
// attempt increases on every invalidation; dirtyAt is the attempt of the
// newest failed one. The generation that guards stores lives in the
// TagIndex.
type scopeState struct {
	mu      sync.Mutex
	attempt uint64
	dirty   bool
	dirtyAt uint64
}

// Registry tags cached reads with their tenant scope and invalidates them
// by (orgId, scope). Only data at the tenant's baseline classification is
// ever registered.
//
// A scope whose invalidation failed is dirty: reads bypass the cache and
// nothing is stored until an invalidation of that scope succeeds. Dirty
// state is local to the process; a failed invalidation on another
// replica is only seen here through the advanced generation, which stops
// new stores but does not hide entries already cached.
type Registry struct {
	cache    Cache
	index    TagIndex
	profiles *compliance.Registry
	logger   observability.Logger
	metrics  *Metrics

	mu     sync.Mutex
	scopes map[ScopeKey]*scopeState
}

// RegistryOption is a functional option for the registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger observability.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithRegistryMetrics sets the metrics.
func WithRegistryMetrics(metrics *Metrics) RegistryOption {
	return func(r *Registry) {
		r.metrics = metrics
	}
}

// NewRegistry creates a registry over the cache and tag index. Baselines
// come from the tenant profiles.
func NewRegistry(c Cache, index TagIndex, profiles *compliance.Registry, opts ...RegistryOption) *Registry {
	r := &Registry{
		cache:    c,
		index:    index,
		profiles: profiles,
		logger:   observability.NopLogger(),
		scopes:   make(map[ScopeKey]*scopeState),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) state(key ScopeKey) *scopeState {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.scopes[key]
	if !ok {
		s = &scopeState{}
		r.scopes[key] = s
	}
	return s
}

// Eligible returns ErrNotCacheable unless tag is at its tenant's baseline
// classification.
func (r *Registry) Eligible(tag Tag) error {
	if tag.OrgID == "" || tag.Scope == "" {
		return fmt.Errorf("%w: tag requires orgId and scope", ErrNotCacheable)
	}
	profile, err := r.profiles.Lookup(tag.OrgID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotCacheable, err)
	}
	if tag.Classification != profile.Classification {
		return fmt.Errorf("%w: %s is %s, baseline is %s",
			ErrNotCacheable, tag.Key(), tag.Classification, profile.Classification)
	}
	return nil
}

// RegisterTag records key under the tag's scope so that a later
// Invalidate of that scope removes it.
func (r *Registry) RegisterTag(ctx context.Context, tag Tag, key string) error {
	return r.register(ctx, tag, key, 0)
}

func (r *Registry) register(ctx context.Context, tag Tag, key string, ttl time.Duration) error {
	if err := r.Eligible(tag); err != nil {
		r.metrics.tagRegistered(tag.Scope, "not_cacheable")
		return err
	}
	if err := r.index.Add(ctx, tag.Key(), key, ttl); err != nil {
		r.metrics.tagRegistered(tag.Scope, "error")
		return err
	}
	r.metrics.tagRegistered(tag.Scope, "success")
	return nil
}

// Generation returns the invalidation generation of a scope. Read it
// before loading a value and pass it to Store.
func (r *Registry) Generation(ctx context.Context, orgID, scope string) (uint64, error) {
	return r.index.Generation(ctx, ScopeKey{OrgID: orgID, Scope: scope})
}

// IsDirty reports whether reads of a scope must bypass the cache.
func (r *Registry) IsDirty(orgID, scope string) bool {
	s := r.state(ScopeKey{OrgID: orgID, Scope: scope})
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Get returns the cached value of key within the tag's scope. Dirty
// scopes always miss.
func (r *Registry) Get(ctx context.Context, tag Tag, key string) ([]byte, error) {
	if r.IsDirty(tag.OrgID, tag.Scope) {
		return nil, ErrCacheMiss
	}
	return r.cache.Get(ctx, key)
}

// Store registers key under tag and caches value, provided the scope was
// not invalidated since gen was read and is not dirty. The key is
// registered before the value is written, so every cached key is
// reachable by invalidation. If the generation moved while the value was
// written, the value is removed again.
func (r *Registry) Store(ctx context.Context, tag Tag, key string, value []byte, ttl time.Duration, gen uint64) error {
	s := r.state(tag.Key())
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dirty {
		return ErrStaleGeneration
	}
	if err := r.checkGeneration(ctx, tag.Key(), gen); err != nil {
		return err
	}
	if err := r.register(ctx, tag, key, ttl); err != nil {
		return err
	}
	if err := r.cache.Set(ctx, key, value, ttl); err != nil {
		return err
	}

	// An invalidation that advanced after the first check may have listed
	// the scope before the key was registered.
	if err := r.checkGeneration(ctx, tag.Key(), gen); err != nil {
		if _, derr := r.cache.Delete(ctx, key); derr != nil && !errors.Is(derr, ErrCacheDisabled) {
			r.logger.WithContext(ctx).Warn("failed to remove stale cache entry",
				observability.String("scope", tag.Scope),
				observability.Error(derr),
			)
		}
		return err
	}
	return nil
}

func (r *Registry) checkGeneration(ctx context.Context, key ScopeKey, gen uint64) error {
	cur, err := r.index.Generation(ctx, key)
	if err != nil {
		return err
	}
	if cur != gen {
		return ErrStaleGeneration
	}
	return nil
}

// Invalidate removes every key registered under (orgID, scope), whatever
// classification or residency it was cached with, and returns how many
// cache entries were removed. On failure the scope stays dirty until a
// later invalidation succeeds.
func (r *Registry) Invalidate(ctx context.Context, orgID, scope string) (int, error) {
	key := ScopeKey{OrgID: orgID, Scope: scope}

	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Invalidate",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.org_id", orgID),
			attribute.String("cache.scope", scope),
		),
	)
	defer span.End()

	s := r.state(key)
	s.mu.Lock()
	s.attempt++
	attempt := s.attempt
	s.mu.Unlock()

	removed := 0
	_, err := r.index.Advance(ctx, key)
	if err == nil {
		removed, err = r.drop(ctx, key)
	}

	s.mu.Lock()
	if err != nil {
		s.dirty = true
		if attempt > s.dirtyAt {
			s.dirtyAt = attempt
		}
	} else if attempt >= s.dirtyAt {
		s.dirty = false
	}
	s.mu.Unlock()
	r.metrics.setDirty(len(r.DirtyScopes()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalidation failed")
		r.metrics.invalidation(scope, "error", removed)
		r.logger.WithContext(ctx).Error("cache invalidation failed, scope bypasses cache",
			observability.String("org_id", orgID),
			observability.String("scope", scope),
			observability.Error(err),
		)
		return removed, err
	}

	span.SetAttributes(attribute.Int("cache.removed", removed))
	r.metrics.invalidation(scope, "success", removed)
	r.logger.WithContext(ctx).Debug("cache scope invalidated",
		observability.String("org_id", orgID),
		observability.String("scope", scope),
		observability.Int("removed", removed),
	)
	return removed, nil
}

func (r *Registry) drop(ctx context.Context, key ScopeKey) (int, error) {
	members, err := r.index.Members(ctx, key)
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}
	removed, err := r.cache.Delete(ctx, members...)
	if err != nil && !errors.Is(err, ErrCacheDisabled) {
		return removed, err
	}
	return removed, r.index.Remove(ctx, key, members...)
}

// DirtyScopes returns the scopes currently bypassing the cache.
func (r *Registry) DirtyScopes() []ScopeKey {
	r.mu.Lock()
	states := make(map[ScopeKey]*scopeState, len(r.scopes))
	for k, s := range r.scopes {
		states[k] = s
	}
	r.mu.Unlock()

	var out []ScopeKey
	for k, s := range states {
		s.mu.Lock()
		if s.dirty {
			out = append(out, k)
		}
		s.mu.Unlock()
	}
	return out
}

// RetryDirty retries the invalidation of every dirty scope and returns
// how many are still dirty.
func (r *Registry) RetryDirty(ctx context.Context) int {
	remaining := 0
	for _, k := range r.DirtyScopes() {
		if _, err := r.Invalidate(ctx, k.OrgID, k.Scope); err != nil {
			remaining++
		}
	}
	return remaining
}
