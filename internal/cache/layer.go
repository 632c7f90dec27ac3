package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vyrodovalexey/tenantgate/internal/authz"
	"github.com/vyrodovalexey/tenantgate/internal/compliance"
	"github.com/vyrodovalexey/tenantgate/internal/observability"
	"github.com/vyrodovalexey/tenantgate/internal/tenant"
)

// Layer results.
const (
	layerHit    = "hit"
	layerMiss   = "miss"
	layerBypass = "bypass"
	layerError  = "error"
)

// Layer is a read-through cache middleware for tenant.Port. It sits
// inside the tenant guard, so every operation it sees is already scoped
// to the caller's tenant.
//
// Reads of cacheable entities whose data is at the tenant baseline
// classification are served from the cache. Every successful mutation
// invalidates the entity's cache scope for the caller's tenant. Cache
// failures never fail an operation.
type Layer struct {
	registry *Registry
	entities *tenant.EntityRegistry
	ttl      time.Duration
	logger   observability.Logger
	metrics  *Metrics
	group    singleflight.Group

	// cachedScopes are the scopes of cacheable entities.
	cachedScopes map[string]struct{}
}

// LayerOption is a functional option for the layer.
type LayerOption func(*Layer)

// WithLayerTTL sets the TTL of cached reads. Zero uses the backend default.
func WithLayerTTL(ttl time.Duration) LayerOption {
	return func(l *Layer) {
		l.ttl = ttl
	}
}

// WithLayerLogger sets the logger.
func WithLayerLogger(logger observability.Logger) LayerOption {
	return func(l *Layer) {
		l.logger = logger
	}
}

// WithLayerMetrics sets the metrics.
func WithLayerMetrics(metrics *Metrics) LayerOption {
	return func(l *Layer) {
		l.metrics = metrics
	}
}

// NewLayer creates a cache layer for the registered entities.
func NewLayer(registry *Registry, entities *tenant.EntityRegistry, opts ...LayerOption) *Layer {
	l := &Layer{
		registry:     registry,
		entities:     entities,
		logger:       observability.NopLogger(),
		cachedScopes: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	for _, e := range entities.Entities() {
		if e.Cacheable && e.Scope == tenant.ScopeStrict {
			l.cachedScopes[e.CacheScope] = struct{}{}
		}
	}
	return l
}

// Wrap returns next with read-through caching.
func (l *Layer) Wrap(next tenant.Port) tenant.Port {
	return tenant.PortFunc(func(ctx context.Context, op *tenant.Operation) (*tenant.Result, error) {
		return l.execute(ctx, next, op)
	})
}

// Middleware returns the layer as a tenant.Middleware.
func (l *Layer) Middleware() tenant.Middleware {
	return l.Wrap
}

func (l *Layer) execute(ctx context.Context, next tenant.Port, op *tenant.Operation) (*tenant.Result, error) {
	entity, err := l.entities.Lookup(op.Model)
	if err != nil || entity.Scope != tenant.ScopeStrict {
		return next.Execute(ctx, op)
	}
	actx, ok := authz.FromContext(ctx)
	if !ok {
		return next.Execute(ctx, op)
	}

	if op.Kind.IsMutation() {
		res, err := next.Execute(ctx, op)
		if err == nil {
			l.invalidate(ctx, actx.OrgID(), entity.CacheScope)
		}
		return res, err
	}

	if !entity.Cacheable {
		return next.Execute(ctx, op)
	}

	tag := Tag{
		OrgID:          actx.OrgID(),
		Scope:          entity.CacheScope,
		Classification: entity.Classification,
		Residency:      entity.Residency,
	}
	if !tag.Classification.IsSet() {
		tag.Classification = actx.Classification()
	}
	if tag.Residency == "" {
		tag.Residency = actx.Residency()
	}
	if l.registry.Eligible(tag) != nil {
		l.metrics.layer(op.Model, layerBypass)
		return next.Execute(ctx, op)
	}

	key, err := readKey(tag, op)
	if err != nil {
		l.metrics.layer(op.Model, layerBypass)
		return next.Execute(ctx, op)
	}

	if res, ok := l.lookup(ctx, tag, key); ok {
		l.metrics.layer(op.Model, layerHit)
		return res, nil
	}
	l.metrics.layer(op.Model, layerMiss)

	v, err, _ := l.group.Do(key, func() (interface{}, error) {
		gen, genErr := l.registry.Generation(ctx, tag.OrgID, tag.Scope)
		res, err := next.Execute(ctx, op)
		if err != nil {
			return nil, err
		}
		if genErr == nil {
			l.store(ctx, op.Model, tag, key, res, gen)
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneResult(v.(*tenant.Result)), nil
}

func (l *Layer) lookup(ctx context.Context, tag Tag, key string) (*tenant.Result, bool) {
	data, err := l.registry.Get(ctx, tag, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) && !errors.Is(err, ErrCacheDisabled) {
			l.logger.WithContext(ctx).Warn("cache read failed, reading from storage",
				observability.String("scope", tag.Scope),
				observability.Error(err),
			)
		}
		return nil, false
	}
	res, err := decodeResult(data)
	if err != nil {
		l.logger.WithContext(ctx).Warn("discarding undecodable cache entry",
			observability.String("scope", tag.Scope),
			observability.Error(err),
		)
		return nil, false
	}
	return res, true
}

// store caches res unless a row is classified above the baseline.
func (l *Layer) store(ctx context.Context, model string, tag Tag, key string, res *tenant.Result, gen uint64) {
	if res == nil {
		return
	}
	for _, row := range res.Records {
		if !atBaseline(row, tag.Classification) {
			l.metrics.layer(model, layerBypass)
			return
		}
	}

	data, err := json.Marshal(res.Records)
	if err != nil {
		return
	}
	err = l.registry.Store(ctx, tag, key, data, l.ttl, gen)
	switch {
	case err == nil, errors.Is(err, ErrStaleGeneration), errors.Is(err, ErrCacheDisabled):
	default:
		l.metrics.layer(model, layerError)
		l.logger.WithContext(ctx).Warn("cache write failed",
			observability.String("scope", tag.Scope),
			observability.Error(err),
		)
	}
}

func (l *Layer) invalidate(ctx context.Context, orgID, scope string) {
	if _, ok := l.cachedScopes[scope]; !ok {
		return
	}
	// Failures mark the scope dirty inside the registry, so the
	// mutation result stands.
	_, _ = l.registry.Invalidate(ctx, orgID, scope)
}

// atBaseline reports whether a row's classification, if present, equals
// the baseline.
func atBaseline(row tenant.Record, baseline compliance.Classification) bool {
	switch v := row[tenant.FieldClassification].(type) {
	case nil:
		return true
	case compliance.Classification:
		return v == baseline
	case string:
		if v == "" {
			return true
		}
		c, err := compliance.ParseClassification(v)
		return err == nil && c == baseline
	default:
		return false
	}
}

// readKey derives the cache key from the tenant, scope, model, kind and
// filter of a read.
func readKey(tag Tag, op *tenant.Operation) (string, error) {
	where, err := json.Marshal(op.Args.Where)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	for _, part := range []string{tag.OrgID, tag.Scope, op.Model, string(op.Kind)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(where)
	return "read:" + hex.EncodeToString(h.Sum(nil)), nil
}

// decodeResult decodes cached records. Numbers decode as json.Number.
func decodeResult(data []byte) (*tenant.Result, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var records []tenant.Record
	if err := dec.Decode(&records); err != nil {
		return nil, err
	}
	return &tenant.Result{Records: records}, nil
}

// cloneResult gives each singleflight caller its own records.
func cloneResult(res *tenant.Result) *tenant.Result {
	if res == nil {
		return nil
	}
	out := &tenant.Result{Affected: res.Affected, Records: make([]tenant.Record, len(res.Records))}
	for i, r := range res.Records {
		out.Records[i] = r.Clone()
	}
	return out
}
