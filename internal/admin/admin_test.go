package admin

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/tenantgate/internal/audit"
	"github.com/vyrodovalexey/tenantgate/internal/authz"
	"github.com/vyrodovalexey/tenantgate/internal/authz/abac"
	"github.com/vyrodovalexey/tenantgate/internal/authz/rbac"
	"github.com/vyrodovalexey/tenantgate/internal/compliance"
	"github.com/vyrodovalexey/tenantgate/internal/config"
	"github.com/vyrodovalexey/tenantgate/internal/observability"
	"github.com/vyrodovalexey/tenantgate/internal/storage"
	"github.com/vyrodovalexey/tenantgate/internal/tenant"
)

type invalidation struct{ orgID, scope string }

type recordingInvalidator struct {
	mu    sync.Mutex
	calls []invalidation
}

func (r *recordingInvalidator) Invalidate(_ context.Context, orgID, scope string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, invalidation{orgID, scope})
	return 0, nil
}

func (r *recordingInvalidator) all() []invalidation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]invalidation(nil), r.calls...)
}

type fixture struct {
	builder     *authz.Builder
	authorizer  authz.Authorizer
	policies    *PolicyService
	roles       *RoleService
	roleRepo    *storage.RoleRepository
	resolver    *rbac.Resolver
	audit       *audit.MemoryEmitter
	invalidator *recordingInvalidator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := storage.Open(&config.StorageConfig{
		Driver:       config.StorageDriverSQLite,
		DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		AutoMigrate:  true,
	}, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	policyRepo := storage.NewPolicyRepository(db)
	roleRepo := storage.NewRoleRepository(db)

	resolver, err := rbac.NewResolver(nil, rbac.WithSource(roleRepo))
	require.NoError(t, err)
	store, err := abac.NewStore(nil, abac.WithPolicySource(policyRepo), abac.WithTopTierRoles(resolver.TopTierRoles))
	require.NoError(t, err)
	require.NoError(t, store.Load(ctx))

	emitter := audit.NewMemoryEmitter()
	authorizer, err := authz.New(abac.NewEvaluator(store), authz.WithAuditEmitter(emitter))
	require.NoError(t, err)
	t.Cleanup(func() { _ = authorizer.Close() })

	profiles, err := compliance.NewRegistry(
		compliance.Profile{OrgID: "org-a", Classification: compliance.Internal, Residency: "eu-west"},
		compliance.Profile{OrgID: "org-b", Classification: compliance.Confidential, Residency: "us-east"},
	)
	require.NoError(t, err)

	inv := &recordingInvalidator{}
	opts := []Option{WithAudit(emitter), WithInvalidator(inv), WithLogger(observability.NopLogger())}

	return &fixture{
		builder:     authz.NewBuilder(profiles, resolver),
		authorizer:  authorizer,
		policies:    NewPolicyService(authorizer, policyRepo, store, opts...),
		roles:       NewRoleService(authorizer, roleRepo, resolver, opts...),
		roleRepo:    roleRepo,
		resolver:    resolver,
		audit:       emitter,
		invalidator: inv,
	}
}

func (f *fixture) as(t *testing.T, orgID, userID string, roles ...string) context.Context {
	t.Helper()
	actx, err := f.builder.Build(context.Background(),
		authz.Principal{UserID: userID, OrgID: orgID, Roles: roles},
		authz.Session{Valid: true, ExpiresAt: time.Now().Add(time.Hour)},
		authz.RequestMeta{},
	)
	require.NoError(t, err)
	return authz.WithContext(context.Background(), actx)
}

func (f *fixture) allowed(t *testing.T, ctx context.Context, action, resource string) bool {
	t.Helper()
	actx, ok := authz.FromContext(ctx)
	require.True(t, ok)
	_, err := f.authorizer.Authorize(ctx, actx, authz.Request{Action: action, Resource: resource})
	if err != nil {
		require.True(t, authz.IsAccessDenied(err), err)
		return false
	}
	return true
}

func denyManagerApproval() abac.Policy {
	return abac.Policy{
		ID:        "freeze-approvals",
		Effect:    abac.EffectDeny,
		Actions:   []string{"approve"},
		Resources: []string{"hr.leave.request"},
		Condition: &abac.ConditionSpec{SubjectRoles: []string{rbac.RoleManager}},
		Priority:  800,
	}
}

// ============================================================
// PolicyService
// ============================================================

func TestPolicyService_LifecycleTakesEffect(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	admin := f.as(t, "org-a", "admin-a", rbac.RoleOrgAdmin)
	managerA := f.as(t, "org-a", "mgr-a", rbac.RoleManager)
	managerB := f.as(t, "org-b", "mgr-b", rbac.RoleManager)

	require.True(t, f.allowed(t, managerA, "approve", "hr.leave.request"))

	created, err := f.policies.Create(admin, denyManagerApproval())
	require.NoError(t, err)
	assert.Equal(t, "org-a", created.OrgID, "policy is scoped to the caller")

	assert.False(t, f.allowed(t, managerA, "approve", "hr.leave.request"))
	assert.True(t, f.allowed(t, managerB, "approve", "hr.leave.request"), "other tenants are unaffected")

	got, err := f.policies.Get(admin, "freeze-approvals")
	require.NoError(t, err)
	assert.Equal(t, 800, got.Priority)

	lower := denyManagerApproval()
	lower.Priority = 700
	_, err = f.policies.Update(admin, lower)
	require.NoError(t, err)
	assert.True(t, f.allowed(t, managerA, "approve", "hr.leave.request"), "manager allow at 750 wins again")

	list, err := f.policies.List(admin)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, f.policies.Disable(admin, "freeze-approvals"))
	_, err = f.policies.Get(admin, "freeze-approvals")
	assert.True(t, tenant.IsNotFound(err))

	events := f.audit.ByType(audit.EventTypePolicyChanged)
	require.Len(t, events, 3)
	assert.Equal(t, ActionCreate, events[0].Action)
	assert.Equal(t, ActionUpdate, events[1].Action)
	assert.Equal(t, ActionDisable, events[2].Action)
	assert.Equal(t, "org-a", events[0].OrgID)
	assert.Equal(t, "freeze-approvals", events[0].ResourceID)

	assert.Equal(t, []invalidation{
		{"org-a", ResourcePolicy}, {"org-a", ResourcePolicy}, {"org-a", ResourcePolicy},
	}, f.invalidator.all())
}

func TestPolicyService_Rejections(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	admin := f.as(t, "org-a", "admin-a", rbac.RoleOrgAdmin)
	_, err := f.policies.Create(admin, denyManagerApproval())
	require.NoError(t, err)

	tests := []struct {
		name  string
		ctx   context.Context
		run   func(ctx context.Context) error
		check func(t *testing.T, err error)
	}{
		{
			name: "member cannot administer",
			ctx:  f.as(t, "org-a", "u1", rbac.RoleMember),
			run: func(ctx context.Context) error {
				_, err := f.policies.List(ctx)
				return err
			},
			check: func(t *testing.T, err error) { assert.True(t, authz.IsAccessDenied(err)) },
		},
		{
			name: "no authorization context",
			ctx:  context.Background(),
			run: func(ctx context.Context) error {
				_, err := f.policies.Create(ctx, denyManagerApproval())
				return err
			},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, authz.ErrNoContext) },
		},
		{
			name: "foreign tenant payload",
			ctx:  admin,
			run: func(ctx context.Context) error {
				p := denyManagerApproval()
				p.ID = "foreign"
				p.OrgID = "org-b"
				_, err := f.policies.Create(ctx, p)
				return err
			},
			check: func(t *testing.T, err error) { assert.True(t, tenant.IsScopeViolation(err)) },
		},
		{
			name: "non-positive priority",
			ctx:  admin,
			run: func(ctx context.Context) error {
				p := denyManagerApproval()
				p.ID = "zero"
				p.Priority = 0
				_, err := f.policies.Create(ctx, p)
				return err
			},
			check: func(t *testing.T, err error) { assert.True(t, authz.IsValidation(err)) },
		},
		{
			name: "wildcard allow for a non top-tier role",
			ctx:  admin,
			run: func(ctx context.Context) error {
				_, err := f.policies.Create(ctx, abac.Policy{
					ID:        "escalate",
					Effect:    abac.EffectAllow,
					Actions:   []string{"*"},
					Resources: []string{"*"},
					Condition: &abac.ConditionSpec{SubjectRoles: []string{rbac.RoleOrgAdmin}},
					Priority:  5000,
				})
				return err
			},
			check: func(t *testing.T, err error) { assert.True(t, authz.IsValidation(err)) },
		},
		{
			name: "duplicate id",
			ctx:  admin,
			run: func(ctx context.Context) error {
				_, err := f.policies.Create(ctx, denyManagerApproval())
				return err
			},
			check: func(t *testing.T, err error) { assert.True(t, authz.IsValidation(err)) },
		},
		{
			name: "other tenant's policy is not found",
			ctx:  f.as(t, "org-b", "admin-b", rbac.RoleOrgAdmin),
			run: func(ctx context.Context) error {
				return f.policies.Disable(ctx, "freeze-approvals")
			},
			check: func(t *testing.T, err error) { assert.True(t, tenant.IsNotFound(err)) },
		},
		{
			name: "update of a missing policy",
			ctx:  admin,
			run: func(ctx context.Context) error {
				p := denyManagerApproval()
				p.ID = "missing"
				_, err := f.policies.Update(ctx, p)
				return err
			},
			check: func(t *testing.T, err error) { assert.True(t, tenant.IsNotFound(err)) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run(tt.ctx)
			require.Error(t, err)
			tt.check(t, err)
		})
	}

	assert.Len(t, f.audit.ByType(audit.EventTypePolicyChanged), 1, "rejections change nothing")
	violations := f.audit.ByType(audit.EventTypeViolation)
	require.Len(t, violations, 1)
	assert.Equal(t, audit.SeverityCritical, violations[0].Severity)
}

// ============================================================
// RoleService
// ============================================================

func TestRoleService_Lifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	admin := f.as(t, "org-a", "admin-a", rbac.RoleOrgAdmin)

	auditor := rbac.RoleDefinition{
		Key:        "auditor",
		Tier:       30,
		Statements: rbac.Statements{"hr.compliance.item": {"read"}},
	}
	_, err := f.roles.Save(admin, auditor)
	require.NoError(t, err)

	actx, _ := authz.FromContext(f.as(t, "org-a", "u1", "auditor"))
	assert.True(t, actx.HasPermission("hr.compliance.item", "read"))
	other, _ := authz.FromContext(f.as(t, "org-b", "u2", "auditor"))
	assert.False(t, other.HasPermission("hr.compliance.item", "read"), "tenant roles stay in their tenant")

	auditor.Statements = rbac.Statements{"hr.compliance.item": {"read", "update"}}
	_, err = f.roles.Save(admin, auditor)
	require.NoError(t, err)

	got, err := f.roles.Get(admin, "auditor")
	require.NoError(t, err)
	assert.Equal(t, []string{"read", "update"}, got.Statements["hr.compliance.item"])

	list, err := f.roles.List(admin)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, f.roles.Disable(admin, "auditor"))
	actx, _ = authz.FromContext(f.as(t, "org-a", "u1", "auditor"))
	assert.False(t, actx.HasPermission("hr.compliance.item", "read"))

	events := f.audit.ByType(audit.EventTypeRoleChanged)
	require.Len(t, events, 3)
	assert.Equal(t, ActionCreate, events[0].Action)
	assert.Equal(t, ActionUpdate, events[1].Action)
	assert.Equal(t, ActionDisable, events[2].Action)
	assert.Contains(t, f.invalidator.all(), invalidation{"org-a", ResourceRole})
}

func TestRoleService_Rejections(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	admin := f.as(t, "org-a", "admin-a", rbac.RoleOrgAdmin)

	tests := []struct {
		name  string
		ctx   context.Context
		def   rbac.RoleDefinition
		check func(t *testing.T, err error)
	}{
		{
			name:  "member cannot administer",
			ctx:   f.as(t, "org-a", "u1", rbac.RoleMember),
			def:   rbac.RoleDefinition{Key: "auditor", Tier: 30},
			check: func(t *testing.T, err error) { assert.True(t, authz.IsAccessDenied(err)) },
		},
		{
			name:  "top tier",
			ctx:   admin,
			def:   rbac.RoleDefinition{Key: "root", Tier: 200, TopTier: true},
			check: func(t *testing.T, err error) { assert.True(t, authz.IsValidation(err)) },
		},
		{
			name: "override top-tier bootstrap role",
			ctx:  admin,
			def: rbac.RoleDefinition{
				Key:        rbac.RoleGlobalAdmin,
				Tier:       10,
				Statements: rbac.Statements{"hr.leave.request": {"read"}},
			},
			check: func(t *testing.T, err error) { assert.True(t, authz.IsValidation(err)) },
		},
		{
			name: "wildcard statements",
			ctx:  admin,
			def: rbac.RoleDefinition{
				Key:        "superuser",
				Tier:       10,
				Statements: rbac.Statements{"*": {"*"}},
			},
			check: func(t *testing.T, err error) { assert.True(t, authz.IsValidation(err)) },
		},
		{
			name:  "foreign tenant payload",
			ctx:   admin,
			def:   rbac.RoleDefinition{Key: "auditor", OrgID: "org-b", Tier: 30},
			check: func(t *testing.T, err error) { assert.True(t, tenant.IsScopeViolation(err)) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.roles.Save(tt.ctx, tt.def)
			require.Error(t, err)
			tt.check(t, err)
		})
	}

	err := f.roles.Disable(admin, "never-saved")
	assert.True(t, tenant.IsNotFound(err))
	assert.Empty(t, f.audit.ByType(audit.EventTypeRoleChanged))
}

// countingRoleRepo counts existence lookups.
type countingRoleRepo struct {
	RoleRepository
	gets atomic.Int32
}

func (r *countingRoleRepo) Get(ctx context.Context, orgID, key string) (rbac.RoleDefinition, error) {
	r.gets.Add(1)
	return r.RoleRepository.Get(ctx, orgID, key)
}

func TestRoleService_SaveAuthorizesBeforeLookup(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	repo := &countingRoleRepo{RoleRepository: f.roleRepo}
	svc := NewRoleService(f.authorizer, repo, f.resolver, WithAudit(f.audit))
	def := rbac.RoleDefinition{Key: "auditor", Tier: 30, Statements: rbac.Statements{"hr.*": {"read"}}}

	_, err := svc.Save(f.as(t, "org-a", "u1", rbac.RoleMember), def)
	assert.True(t, authz.IsAccessDenied(err))
	_, err = svc.Save(context.Background(), def)
	assert.ErrorIs(t, err, authz.ErrNoContext)
	assert.Zero(t, repo.gets.Load(), "unauthorized callers never reach storage")

	admin := f.as(t, "org-a", "admin-a", rbac.RoleOrgAdmin)
	_, err = svc.Save(admin, def)
	require.NoError(t, err)
	assert.Equal(t, int32(1), repo.gets.Load())

	events := f.audit.ByType(audit.EventTypeRoleChanged)
	require.Len(t, events, 1)
	assert.Equal(t, ActionCreate, events[0].Action)
}
