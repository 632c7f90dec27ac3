package enforcer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vyrodovalexey/tenantgate/internal/admin"
	"github.com/vyrodovalexey/tenantgate/internal/audit"
	"github.com/vyrodovalexey/tenantgate/internal/authz"
	"github.com/vyrodovalexey/tenantgate/internal/authz/abac"
	"github.com/vyrodovalexey/tenantgate/internal/authz/rbac"
	"github.com/vyrodovalexey/tenantgate/internal/cache"
	"github.com/vyrodovalexey/tenantgate/internal/compliance"
	"github.com/vyrodovalexey/tenantgate/internal/config"
	"github.com/vyrodovalexey/tenantgate/internal/observability"
	"github.com/vyrodovalexey/tenantgate/internal/storage"
	"github.com/vyrodovalexey/tenantgate/internal/tenant"
)

// ErrClosed is returned by operations on a closed engine.
var ErrClosed = errors.New("enforcer closed")

// Engine is a fully wired tenantgate instance.
type Engine struct {
	logger     observability.Logger
	registerer prometheus.Registerer
	namespace  string

	profiles   *compliance.Registry
	resolver   *rbac.Resolver
	store      *abac.Store
	authorizer authz.Authorizer
	builder    *authz.Builder
	audit      *audit.AtomicEmitter
	auditOpts  []audit.EmitterOption

	entities *tenant.EntityRegistry
	db       *storage.DB
	kv       cache.Cache
	scopes   *cache.Registry
	port     tenant.Port

	policies *admin.PolicyService
	roles    *admin.RoleService

	reloadInterval time.Duration

	mu      sync.Mutex
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// Option is a functional option for the engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithRegisterer sets the Prometheus registerer every component registers
// its metrics with. Defaults to a private registry.
func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(e *Engine) {
		e.registerer = registerer
	}
}

// New wires every component described by cfg, opens storage and loads
// the first policy and role snapshots.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("nil configuration")
	}

	e := &Engine{
		logger:         observability.NopLogger(),
		namespace:      cfg.Metrics.Namespace,
		reloadInterval: cfg.Authz.ReloadInterval.Duration(),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registerer == nil {
		e.registerer = prometheus.NewRegistry()
	}
	if e.namespace == "" {
		e.namespace = config.DefaultMetricsNamespace
	}

	if err := e.build(ctx, cfg); err != nil {
		e.closeAll()
		return nil, err
	}

	e.logger.Info("enforcer ready",
		observability.Int("tenants", len(cfg.Tenants)),
		observability.Int("entities", len(cfg.Entities)),
		observability.String("storage", cfg.Storage.Driver),
		observability.Bool("cache", cfg.Cache.Enabled),
	)
	return e, nil
}

func (e *Engine) build(ctx context.Context, cfg *config.Config) error {
	var err error

	e.profiles, err = compliance.NewRegistry(cfg.Tenants...)
	if err != nil {
		return fmt.Errorf("tenant profiles: %w", err)
	}

	e.auditOpts = []audit.EmitterOption{
		audit.WithEmitterLogger(e.logger),
		audit.WithEmitterMetrics(audit.NewMetricsWithRegisterer(e.namespace, e.registerer)),
	}
	sink, err := audit.New(cfg.Audit, e.auditOpts...)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	e.audit = audit.NewAtomicEmitter(sink)

	e.db, err = storage.Open(&cfg.Storage, e.logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	policyRepo := storage.NewPolicyRepository(e.db)
	roleRepo := storage.NewRoleRepository(e.db)

	e.resolver, err = rbac.NewResolver(cfg.Authz.BootstrapRoles(),
		rbac.WithSource(roleRepo),
		rbac.WithResolverLogger(e.logger),
		rbac.WithResolverMetrics(rbac.NewMetricsWithRegisterer(e.namespace, e.registerer)),
	)
	if err != nil {
		return fmt.Errorf("roles: %w", err)
	}

	abacMetrics := abac.NewMetricsWithRegisterer(e.namespace, e.registerer)
	e.store, err = abac.NewStore(cfg.Authz.BootstrapPolicies(),
		abac.WithPolicySource(policyRepo),
		abac.WithTopTierRoles(e.resolver.TopTierRoles),
		abac.WithStoreLogger(e.logger),
		abac.WithStoreMetrics(abacMetrics),
	)
	if err != nil {
		return fmt.Errorf("policies: %w", err)
	}

	if err := e.resolver.Load(ctx); err != nil {
		return fmt.Errorf("initial role load: %w", err)
	}
	if err := e.store.Load(ctx); err != nil {
		return fmt.Errorf("initial policy load: %w", err)
	}

	authzMetrics := authz.NewMetricsWithRegisterer(e.namespace, e.registerer)
	authzOpts := []authz.AuthorizerOption{
		authz.WithAuthorizerLogger(e.logger),
		authz.WithAuthorizerMetrics(authzMetrics),
		authz.WithAuditEmitter(e.audit),
	}
	if dc := cfg.Authz.DecisionCache; dc.Enabled {
		authzOpts = append(authzOpts, authz.WithDecisionCache(authz.NewMemoryDecisionCache(
			dc.TTL.OrDefault(config.DefaultDecisionCacheTTL),
			dc.MaxEntries,
			authz.WithMemoryCacheLogger(e.logger),
			authz.WithMemoryCacheMetrics(authzMetrics),
		)))
	}
	evaluator := abac.NewEvaluator(e.store,
		abac.WithEvaluatorLogger(e.logger),
		abac.WithEvaluatorMetrics(abacMetrics),
	)
	e.authorizer, err = authz.New(evaluator, authzOpts...)
	if err != nil {
		return fmt.Errorf("authorizer: %w", err)
	}
	e.builder = authz.NewBuilder(e.profiles, e.resolver, authz.WithBuilderLogger(e.logger))

	return e.buildPersistence(cfg)
}

// buildPersistence wires the guarded, cached port and the admin services.
func (e *Engine) buildPersistence(cfg *config.Config) error {
	var err error

	e.entities, err = tenant.NewEntityRegistry(cfg.Entities...)
	if err != nil {
		return fmt.Errorf("entities: %w", err)
	}

	cacheMetrics := cache.NewMetricsWithRegisterer(e.namespace, e.registerer)
	e.kv, err = cache.New(&cfg.Cache, e.logger, cache.WithMetrics(cacheMetrics))
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	e.scopes = cache.NewRegistry(e.kv, cache.NewTagIndex(e.kv), e.profiles,
		cache.WithRegistryLogger(e.logger),
		cache.WithRegistryMetrics(cacheMetrics),
	)
	layer := cache.NewLayer(e.scopes, e.entities,
		cache.WithLayerTTL(cfg.Cache.TTL.Duration()),
		cache.WithLayerLogger(e.logger),
		cache.WithLayerMetrics(cacheMetrics),
	)
	guard := tenant.NewGuard(e.entities,
		tenant.WithGuardLogger(e.logger),
		tenant.WithGuardMetrics(tenant.NewMetricsWithRegisterer(e.namespace, e.registerer)),
		tenant.WithGuardAudit(e.audit),
	)

	// The guard runs first so the cache only ever sees scoped operations.
	e.port = tenant.Chain(storage.NewPort(e.db, e.entities), guard.Middleware(), layer.Middleware())

	adminOpts := []admin.Option{
		admin.WithLogger(e.logger),
		admin.WithAudit(e.audit),
		admin.WithInvalidator(e.scopes),
	}
	e.policies = admin.NewPolicyService(e.authorizer, storage.NewPolicyRepository(e.db), e.store, adminOpts...)
	e.roles = admin.NewRoleService(e.authorizer, storage.NewRoleRepository(e.db), e.resolver, adminOpts...)
	return nil
}

// Builder returns the authorization context builder.
func (e *Engine) Builder() *authz.Builder { return e.builder }

// Authorizer returns the authorizer.
func (e *Engine) Authorizer() authz.Authorizer { return e.authorizer }

// Port returns the guarded, cached persistence port. Callers must
// authorize before using it directly; Execute does both.
func (e *Engine) Port() tenant.Port { return e.port }

// Policies returns the policy administration service.
func (e *Engine) Policies() *admin.PolicyService { return e.policies }

// Roles returns the role administration service.
func (e *Engine) Roles() *admin.RoleService { return e.roles }

// Scopes returns the cache scope registry.
func (e *Engine) Scopes() *cache.Registry { return e.scopes }

// Storage returns the database handle.
func (e *Engine) Storage() *storage.DB { return e.db }

// Execute authorizes req for the caller in ctx and then runs op through
// the guarded port. An empty req.Resource defaults to op.Model and an
// empty req.ResourceID to the id in op's filter.
func (e *Engine) Execute(ctx context.Context, req authz.Request, op *tenant.Operation) (*tenant.Result, error) {
	actx, ok := authz.FromContext(ctx)
	if !ok {
		return nil, authz.ErrNoContext
	}
	if req.Resource == "" {
		req.Resource = op.Model
	}
	if req.ResourceID == "" {
		if id, ok := op.Args.Where[tenant.FieldID].(string); ok {
			req.ResourceID = id
		}
	}
	if _, err := e.authorizer.Authorize(ctx, actx, req); err != nil {
		return nil, err
	}
	return e.port.Execute(ctx, op)
}

// Reload reloads tenant policies and roles from storage and retries
// failed cache invalidations. A failed policy or role load keeps the
// previous snapshot.
func (e *Engine) Reload(ctx context.Context) error {
	var errs []error
	if err := e.resolver.Load(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.store.Load(ctx); err != nil {
		errs = append(errs, err)
	}
	if dirty := e.scopes.RetryDirty(ctx); dirty > 0 {
		e.logger.Warn("cache scopes still dirty after retry", observability.Int("scopes", dirty))
	}
	return errors.Join(errs...)
}

// Start runs the periodic reload loop until ctx is done or Close is
// called. A non-positive reload interval disables it.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.started || e.reloadInterval <= 0 {
		return nil
	}
	e.started = true
	go e.reloadLoop(ctx)
	return nil
}

func (e *Engine) reloadLoop(ctx context.Context) {
	defer close(e.doneCh)

	ticker := time.NewTicker(e.reloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if err := e.Reload(ctx); err != nil {
				e.logger.Error("periodic reload failed", observability.Error(err))
			}
		}
	}
}

// ApplyConfig applies the hot-reloadable parts of cfg: bootstrap roles
// and policies, tenant profiles and the audit sink. Storage, cache and
// entity settings take effect on restart.
func (e *Engine) ApplyConfig(cfg *config.Config) error {
	if err := e.resolver.SetBootstrap(cfg.Authz.BootstrapRoles()); err != nil {
		return fmt.Errorf("roles: %w", err)
	}
	if err := e.store.SetBootstrap(cfg.Authz.BootstrapPolicies()); err != nil {
		return fmt.Errorf("policies: %w", err)
	}
	if err := e.profiles.Replace(cfg.Tenants); err != nil {
		return fmt.Errorf("tenant profiles: %w", err)
	}

	sink, err := audit.New(cfg.Audit, e.auditOpts...)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	if old := e.audit.Swap(sink); old != nil {
		if err := old.Close(); err != nil {
			e.logger.Warn("failed to close previous audit emitter", observability.Error(err))
		}
	}

	e.audit.Record(context.Background(),
		audit.NewEvent(audit.EventTypeConfigReload, "apply", "config", audit.OutcomeSuccess).
			WithPayload("tenants", len(cfg.Tenants)))
	e.logger.Info("configuration applied", observability.Int("tenants", len(cfg.Tenants)))
	return nil
}

// Ready reports whether storage is reachable.
func (e *Engine) Ready(ctx context.Context) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return e.db.Ping(ctx)
}

// Close stops the reload loop and releases every component.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	e.mu.Unlock()

	close(e.stopCh)
	if started {
		<-e.doneCh
	}
	return e.closeAll()
}

// closeAll closes whatever build managed to create.
func (e *Engine) closeAll() error {
	var errs []error
	if e.authorizer != nil {
		errs = append(errs, e.authorizer.Close())
	}
	if e.kv != nil {
		errs = append(errs, e.kv.Close())
	}
	if e.db != nil {
		errs = append(errs, e.db.Close())
	}
	if e.audit != nil {
		errs = append(errs, e.audit.Close())
	}
	return errors.Join(errs...)
}
