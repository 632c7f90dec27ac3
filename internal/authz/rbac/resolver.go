package rbac

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vyrodovalexey/tenantgate/internal/observability"
)

// Source loads tenant role definitions from persistence.
type Source interface {
	LoadRoles(ctx context.Context) ([]RoleDefinition, error)
}

// Resolution is the RBAC view of a principal within one tenant.
type Resolution struct {
	// RoleKey is the highest tier role the principal holds.
	RoleKey string

	// Tier of RoleKey.
	Tier int

	// Permissions is the union of the statements of every held role.
	Permissions Statements
}

type snapshot struct {
	bootstrap map[string]RoleDefinition
	tenants   map[string]map[string]RoleDefinition
}

func (s *snapshot) lookup(orgID, key string) (RoleDefinition, bool) {
	if roles, ok := s.tenants[orgID]; ok {
		if r, ok := roles[key]; ok {
			return r, true
		}
	}
	r, ok := s.bootstrap[key]
	return r, ok
}

// Resolver resolves role statements against an immutable snapshot.
// Load and SetBootstrap build a new snapshot and swap it atomically so
// concurrent resolutions never observe a partial update.
type Resolver struct {
	current atomic.Pointer[snapshot]

	// loadMu serializes Load across the source read and the swap.
	loadMu sync.Mutex

	source  Source
	logger  observability.Logger
	metrics *Metrics
}

// ResolverOption is a functional option for the resolver.
type ResolverOption func(*Resolver)

// WithResolverLogger sets the logger.
func WithResolverLogger(logger observability.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// WithResolverMetrics sets the metrics.
func WithResolverMetrics(metrics *Metrics) ResolverOption {
	return func(r *Resolver) {
		r.metrics = metrics
	}
}

// WithSource sets the tenant role source used by Load.
func WithSource(source Source) ResolverOption {
	return func(r *Resolver) {
		r.source = source
	}
}

// NewResolver creates a resolver seeded with bootstrap roles. A nil
// bootstrap slice uses DefaultRoles.
func NewResolver(bootstrap []RoleDefinition, opts ...ResolverOption) (*Resolver, error) {
	r := &Resolver{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(r)
	}

	if bootstrap == nil {
		bootstrap = DefaultRoles()
	}
	b, err := buildBootstrap(bootstrap)
	if err != nil {
		return nil, err
	}
	r.current.Store(&snapshot{bootstrap: b, tenants: map[string]map[string]RoleDefinition{}})
	r.metrics.SetRoleCount(len(b))

	return r, nil
}

func buildBootstrap(defs []RoleDefinition) (map[string]RoleDefinition, error) {
	out := make(map[string]RoleDefinition, len(defs))
	for i := range defs {
		def := defs[i]
		if def.OrgID != "" {
			return nil, fmt.Errorf("bootstrap role %s: orgId must be empty", def.Key)
		}
		if err := def.Validate(); err != nil {
			return nil, err
		}
		if _, dup := out[def.Key]; dup {
			return nil, fmt.Errorf("bootstrap role %s: duplicate key", def.Key)
		}
		def.Statements = def.Statements.Clone()
		out[def.Key] = def
	}
	return out, nil
}

// SetBootstrap replaces the bootstrap roles, keeping tenant roles.
func (r *Resolver) SetBootstrap(defs []RoleDefinition) error {
	b, err := buildBootstrap(defs)
	if err != nil {
		return err
	}
	for {
		old := r.current.Load()
		next := &snapshot{bootstrap: b, tenants: old.tenants}
		if r.current.CompareAndSwap(old, next) {
			break
		}
	}
	r.metrics.SetRoleCount(len(b))
	return nil
}

// Load reloads tenant roles from the source. On error the previous
// snapshot stays in place.
func (r *Resolver) Load(ctx context.Context) error {
	if r.source == nil {
		return nil
	}

	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	defs, err := r.source.LoadRoles(ctx)
	if err != nil {
		r.metrics.RecordReload("error")
		return fmt.Errorf("failed to load roles: %w", err)
	}

	old := r.current.Load()
	tenants := make(map[string]map[string]RoleDefinition)
	count := 0
	for i := range defs {
		def := defs[i]
		if err := ValidateTenantRole(&def, old.bootstrap); err != nil {
			r.metrics.RecordReload("invalid")
			r.logger.Error("rejecting role snapshot",
				observability.String("org_id", def.OrgID),
				observability.String("role", def.Key),
				observability.Error(err),
			)
			return err
		}
		if tenants[def.OrgID] == nil {
			tenants[def.OrgID] = make(map[string]RoleDefinition)
		}
		def.Statements = def.Statements.Clone()
		tenants[def.OrgID][def.Key] = def
		count++
	}

	for {
		cur := r.current.Load()
		next := &snapshot{bootstrap: cur.bootstrap, tenants: tenants}
		if r.current.CompareAndSwap(cur, next) {
			break
		}
	}

	r.metrics.RecordReload("success")
	r.logger.Debug("role snapshot loaded", observability.Int("tenant_roles", count))
	return nil
}

// ValidateTenantRole validates a tenant role against a bootstrap set.
func ValidateTenantRole(def *RoleDefinition, bootstrap map[string]RoleDefinition) error {
	return def.validateTenant(bootstrap)
}

// Bootstrap returns a copy of the current bootstrap roles keyed by role.
func (r *Resolver) Bootstrap() map[string]RoleDefinition {
	b := r.current.Load().bootstrap
	out := make(map[string]RoleDefinition, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// ResolveStatements returns the statements of roleKey in orgID. Tenant
// definitions override bootstrap ones.
func (r *Resolver) ResolveStatements(orgID, roleKey string) (Statements, bool) {
	def, ok := r.current.Load().lookup(orgID, roleKey)
	if !ok {
		return nil, false
	}
	return def.Statements.Clone(), true
}

// HasPermission reports whether roleKey in orgID may perform action on
// resource.
func (r *Resolver) HasPermission(orgID, roleKey, resource, action string) bool {
	def, ok := r.current.Load().lookup(orgID, roleKey)
	return ok && def.Statements.Has(resource, action)
}

// Resolve computes the primary role and merged permissions of roles.
// Unknown role keys are ignored.
func (r *Resolver) Resolve(orgID string, roles []string) Resolution {
	snap := r.current.Load()

	sorted := append([]string(nil), roles...)
	sort.Strings(sorted)

	res := Resolution{Tier: -1, Permissions: Statements{}}
	for _, key := range sorted {
		def, ok := snap.lookup(orgID, key)
		if !ok {
			continue
		}
		res.Permissions = res.Permissions.Merge(def.Statements)
		if def.Tier > res.Tier {
			res.RoleKey = def.Key
			res.Tier = def.Tier
		}
	}

	r.metrics.RecordResolution(res.RoleKey != "")
	return res
}

// TopTierRoles returns the bootstrap roles allowed to hold wildcard
// grants.
func (r *Resolver) TopTierRoles() map[string]struct{} {
	out := make(map[string]struct{})
	for key, def := range r.current.Load().bootstrap {
		if def.TopTier {
			out[key] = struct{}{}
		}
	}
	return out
}
