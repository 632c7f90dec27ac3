package abac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/vyrodovalexey/tenantgate/internal/observability"
)

// ErrInvalidPolicy wraps every load-time policy rejection.
var ErrInvalidPolicy = errors.New("invalid policy")

// Source loads the active tenant policies of every org.
type Source interface {
	LoadPolicies(ctx context.Context) ([]Policy, error)
}

// compiledPolicy is a validated policy with its condition tree.
type compiledPolicy struct {
	Policy
	cond Condition
}

// Snapshot is an immutable compiled policy set.
type Snapshot struct {
	bootstrap []*compiledPolicy
	byOrg     map[string][]*compiledPolicy
	version   uint64
	loadedAt  time.Time
}

// candidates returns the policies that apply to orgID, sorted by
// priority descending then id ascending.
func (s *Snapshot) candidates(orgID string) []*compiledPolicy {
	if ps, ok := s.byOrg[orgID]; ok {
		return ps
	}
	return s.bootstrap
}

// Version increases with every successful load.
func (s *Snapshot) Version() uint64 { return s.version }

// LoadedAt is when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Policies returns copies of the policies that apply to orgID.
func (s *Snapshot) Policies(orgID string) []Policy {
	ps := s.candidates(orgID)
	out := make([]Policy, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Policy.Clone())
	}
	return out
}

// Store holds the current Snapshot. Readers load it lock-free; Load and
// SetBootstrap build a complete replacement and swap it in, keeping the
// previous snapshot whenever anything fails to compile.
type Store struct {
	current atomic.Pointer[Snapshot]

	// loadMu serializes Load so a slow source read cannot publish over a
	// newer one.
	loadMu sync.Mutex

	mu        sync.Mutex
	bootstrap []*compiledPolicy
	tenants   []*compiledPolicy

	env     *cel.Env
	source  Source
	topTier func() map[string]struct{}
	logger  observability.Logger
	metrics *Metrics
}

// StoreOption is a functional option for the store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger.
func WithStoreLogger(logger observability.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithStoreMetrics sets the metrics.
func WithStoreMetrics(metrics *Metrics) StoreOption {
	return func(s *Store) {
		s.metrics = metrics
	}
}

// WithPolicySource sets the tenant policy source used by Load.
func WithPolicySource(source Source) StoreOption {
	return func(s *Store) {
		s.source = source
	}
}

// WithTopTierRoles sets the provider of roles allowed to hold wildcard
// allow policies.
func WithTopTierRoles(fn func() map[string]struct{}) StoreOption {
	return func(s *Store) {
		s.topTier = fn
	}
}

// NewStore creates a store holding bootstrap policies. A nil slice uses
// DefaultPolicies.
func NewStore(bootstrap []Policy, opts ...StoreOption) (*Store, error) {
	s := &Store{
		logger: observability.NopLogger(),
		topTier: func() map[string]struct{} {
			return map[string]struct{}{"globalAdmin": {}}
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	s.env = env

	if bootstrap == nil {
		bootstrap = DefaultPolicies()
	}
	if err := s.SetBootstrap(bootstrap); err != nil {
		return nil, err
	}

	return s, nil
}

// Compile validates p the way Load would, without storing it. It returns
// an error wrapping ErrInvalidPolicy.
func (s *Store) Compile(p Policy) error {
	_, err := s.compile(p, p.OrgID == "")
	return err
}

func (s *Store) compile(p Policy, bootstrap bool) (*compiledPolicy, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if bootstrap && p.OrgID != "" {
		return nil, fmt.Errorf("%w: bootstrap policy %s must not carry an orgId", ErrInvalidPolicy, p.ID)
	}
	if !bootstrap && p.OrgID == "" {
		return nil, fmt.Errorf("%w: tenant policy %s requires an orgId", ErrInvalidPolicy, p.ID)
	}

	cond, err := p.Condition.build(s.env)
	if err != nil {
		return nil, fmt.Errorf("%w: policy %s condition: %v", ErrInvalidPolicy, p.ID, err)
	}

	if p.Effect == EffectAllow && p.IsWildcard() {
		if err := s.checkWildcard(p.ID, cond); err != nil {
			return nil, err
		}
	}

	return &compiledPolicy{Policy: p.Clone(), cond: cond}, nil
}

func (s *Store) checkWildcard(id string, cond Condition) error {
	roles, ok := restrictedRoles(cond)
	if !ok || len(roles) == 0 {
		return fmt.Errorf("%w: policy %s: wildcard allow must be restricted to top-tier roles", ErrInvalidPolicy, id)
	}
	top := s.topTier()
	for _, r := range roles {
		if _, ok := top[r]; !ok {
			return fmt.Errorf("%w: policy %s: wildcard allow granted to non top-tier role %q", ErrInvalidPolicy, id, r)
		}
	}
	return nil
}

func (s *Store) compileAll(policies []Policy, bootstrap bool) ([]*compiledPolicy, error) {
	out := make([]*compiledPolicy, 0, len(policies))
	// Ids are unique per tenant.
	type policyKey struct{ org, id string }
	seen := make(map[policyKey]struct{}, len(policies))
	for i := range policies {
		cp, err := s.compile(policies[i], bootstrap)
		if err != nil {
			return nil, err
		}
		key := policyKey{org: cp.OrgID, id: cp.ID}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("%w: duplicate policy id %s", ErrInvalidPolicy, cp.ID)
		}
		seen[key] = struct{}{}
		out = append(out, cp)
	}
	return out, nil
}

// SetBootstrap replaces the bootstrap policies.
func (s *Store) SetBootstrap(policies []Policy) error {
	compiled, err := s.compileAll(policies, true)
	if err != nil {
		s.metrics.RecordReload("invalid")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.bootstrap = compiled
	s.publish()
	return nil
}

// Load reloads tenant policies from the source.
func (s *Store) Load(ctx context.Context) error {
	if s.source == nil {
		return nil
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	policies, err := s.source.LoadPolicies(ctx)
	if err != nil {
		s.metrics.RecordReload("error")
		return fmt.Errorf("failed to load policies: %w", err)
	}

	compiled, err := s.compileAll(policies, false)
	if err != nil {
		s.metrics.RecordReload("invalid")
		s.logger.Error("rejecting policy snapshot, keeping previous", observability.Error(err))
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.tenants = compiled
	s.publish()
	s.metrics.RecordReload("success")
	return nil
}

// publish builds and swaps a new snapshot. Callers hold s.mu.
func (s *Store) publish() {
	bootstrap := append([]*compiledPolicy(nil), s.bootstrap...)
	sortPolicies(bootstrap)

	byOrg := make(map[string][]*compiledPolicy)
	for _, p := range s.tenants {
		byOrg[p.OrgID] = append(byOrg[p.OrgID], p)
	}
	for org, ps := range byOrg {
		merged := append(append([]*compiledPolicy(nil), ps...), s.bootstrap...)
		sortPolicies(merged)
		byOrg[org] = merged
	}

	var version uint64 = 1
	if prev := s.current.Load(); prev != nil {
		version = prev.version + 1
	}

	s.current.Store(&Snapshot{
		bootstrap: bootstrap,
		byOrg:     byOrg,
		version:   version,
		loadedAt:  time.Now(),
	})
	s.metrics.SetPolicyCount(len(s.bootstrap) + len(s.tenants))
	s.logger.Debug("policy snapshot published",
		observability.Int("bootstrap", len(s.bootstrap)),
		observability.Int("tenant", len(s.tenants)),
		observability.Int64("version", int64(version)),
	)
}

func sortPolicies(ps []*compiledPolicy) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Priority != ps[j].Priority {
			return ps[i].Priority > ps[j].Priority
		}
		return ps[i].ID < ps[j].ID
	})
}

// Snapshot returns the current snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}
