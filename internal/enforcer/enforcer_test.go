package enforcer

import (
	"context"
	"fmt"
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
	"github.com/vyrodovalexey/tenantgate/internal/tenant"
)

const leaveTable = `CREATE TABLE leave_requests (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	owner_id TEXT,
	days INTEGER,
	status TEXT,
	data_classification TEXT,
	data_residency TEXT,
	audit_source TEXT
)`

func testConfig() *config.Config {
	cfg := &config.Config{
		Storage: config.StorageConfig{
			Driver:       config.StorageDriverSQLite,
			DSN:          fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
			MaxOpenConns: 1,
			MaxIdleConns: 1,
			AutoMigrate:  true,
		},
		Cache: config.CacheConfig{Enabled: true, Type: config.CacheTypeMemory},
		Audit: &audit.Config{Enabled: false},
		Authz: config.AuthzConfig{
			ReloadInterval: config.Duration(-1),
			DecisionCache:  config.DecisionCacheConfig{Enabled: true},
		},
		Tenants: []compliance.Profile{
			{OrgID: "org-a", Classification: compliance.Internal, Residency: "eu-west"},
			{OrgID: "org-b", Classification: compliance.Internal, Residency: "us-east"},
		},
		Entities: []tenant.EntityConfig{
			{Model: "hr.leave.request", Table: "leave_requests", AuditSource: "leave-service", Cacheable: true},
		},
	}
	cfg.SetDefaults()
	return cfg
}

func newEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	require.NoError(t, e.Storage().Gorm().Exec(leaveTable).Error)
	return e
}

func callerContext(t *testing.T, e *Engine, orgID, userID string, roles ...string) context.Context {
	t.Helper()
	actx, err := e.Builder().Build(context.Background(),
		authz.Principal{UserID: userID, OrgID: orgID, Roles: roles},
		authz.Session{Valid: true, ExpiresAt: time.Now().Add(time.Hour)},
		authz.RequestMeta{},
	)
	require.NoError(t, err)
	return authz.WithContext(context.Background(), actx)
}

// ============================================================
// Decision pipeline
// ============================================================

func TestEngine_Decisions(t *testing.T) {
	t.Parallel()

	e := newEngine(t, testConfig())

	tests := []struct {
		name       string
		role       string
		req        authz.Request
		allowed    bool
		wantLayer  string
		wantPolicy string
	}{
		{
			name:      "member update of a foreign leave request stops at rbac",
			role:      rbac.RoleMember,
			req:       authz.Request{Action: "update", Resource: "hr.leave.request", ResourceID: "l1", Attributes: map[string]interface{}{"ownerId": "someone-else"}},
			wantLayer: authz.ReasonRBAC,
		},
		{
			name:       "manager approves leave",
			role:       rbac.RoleManager,
			req:        authz.Request{Action: "approve", Resource: "hr.leave.request", ResourceID: "l1"},
			allowed:    true,
			wantLayer:  authz.ReasonABAC,
			wantPolicy: abac.PolicyManagerApproval,
		},
		{
			name:       "global admin deletes anything",
			role:       rbac.RoleGlobalAdmin,
			req:        authz.Request{Action: "delete", Resource: "billing.invoice.archive"},
			allowed:    true,
			wantLayer:  authz.ReasonABAC,
			wantPolicy: abac.PolicyGlobalAdmin,
		},
		{
			name:       "member creates own leave",
			role:       rbac.RoleMember,
			req:        authz.Request{Action: "create", Resource: "hr.leave.request", Attributes: map[string]interface{}{"ownerId": "u1"}},
			allowed:    true,
			wantLayer:  authz.ReasonABAC,
			wantPolicy: abac.PolicyOwnLeave,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := callerContext(t, e, "org-a", "u1", tt.role)
			decision, err := e.Authorizer().Authorize(ctx, nil, tt.req)
			require.NotNil(t, decision)
			if tt.allowed {
				require.NoError(t, err)
			} else {
				assert.True(t, authz.IsAccessDenied(err))
			}
			assert.Equal(t, tt.allowed, decision.Allowed)
			assert.Equal(t, tt.wantLayer, decision.Layer)
			assert.Equal(t, tt.wantPolicy, decision.Policy)
		})
	}
}

// ============================================================
// Guarded persistence
// ============================================================

func TestEngine_Execute(t *testing.T) {
	t.Parallel()

	e := newEngine(t, testConfig())
	member := callerContext(t, e, "org-a", "u1", rbac.RoleMember)
	manager := callerContext(t, e, "org-a", "m1", rbac.RoleManager)
	foreign := callerContext(t, e, "org-b", "m2", rbac.RoleManager)

	res, err := e.Execute(member,
		authz.Request{Action: "create", Attributes: map[string]interface{}{"ownerId": "u1"}},
		&tenant.Operation{Model: "hr.leave.request", Kind: tenant.KindCreate, Args: tenant.Args{
			Data: []tenant.Record{{"id": "l1", "owner_id": "u1", "days": 3, "status": "pending"}},
		}},
	)
	require.NoError(t, err)
	assert.Equal(t, "org-a", res.Records[0]["org_id"])

	read := func() *tenant.Operation {
		return &tenant.Operation{Model: "hr.leave.request", Kind: tenant.KindFind, Args: tenant.Args{
			Where: tenant.Record{"org_id": "org-a", "id": "l1"},
		}}
	}

	res, err = e.Execute(manager, authz.Request{Action: "read"}, read())
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "eu-west", res.Records[0]["data_residency"])

	_, err = e.Execute(member, authz.Request{Action: "read"}, read())
	assert.True(t, authz.IsAccessDenied(err), "members cannot read leave requests")

	_, err = e.Execute(foreign, authz.Request{Action: "read"}, &tenant.Operation{
		Model: "hr.leave.request", Kind: tenant.KindFind,
		Args: tenant.Args{Where: tenant.Record{"org_id": "org-b", "id": "l1"}},
	})
	assert.True(t, tenant.IsNotFound(err))

	_, err = e.Execute(foreign, authz.Request{Action: "read"}, read())
	assert.True(t, tenant.IsScopeViolation(err), "a filter naming another tenant is a violation")

	_, err = e.Execute(context.Background(), authz.Request{Action: "read"}, read())
	assert.ErrorIs(t, err, authz.ErrNoContext)
}

func TestEngine_PolicyChangeTakesEffect(t *testing.T) {
	t.Parallel()

	e := newEngine(t, testConfig())
	admin := callerContext(t, e, "org-a", "admin", rbac.RoleOrgAdmin)
	manager := callerContext(t, e, "org-a", "m1", rbac.RoleManager)
	approve := authz.Request{Action: "approve", Resource: "hr.leave.request", ResourceID: "l1"}

	_, err := e.Authorizer().Authorize(manager, nil, approve)
	require.NoError(t, err, "warm the decision cache")

	_, err = e.Policies().Create(admin, abac.Policy{
		ID:        "freeze-approvals",
		Effect:    abac.EffectDeny,
		Actions:   []string{"approve"},
		Resources: []string{"hr.leave.request"},
		Condition: &abac.ConditionSpec{SubjectRoles: []string{rbac.RoleManager}},
		Priority:  800,
	})
	require.NoError(t, err)

	decision, err := e.Authorizer().Authorize(manager, nil, approve)
	assert.True(t, authz.IsAccessDenied(err))
	assert.Equal(t, "freeze-approvals", decision.Policy)
	assert.False(t, decision.Cached, "a new snapshot bypasses cached decisions")

	require.NoError(t, e.Reload(context.Background()), "reload keeps persisted policies")
	_, err = e.Authorizer().Authorize(manager, nil, approve)
	assert.True(t, authz.IsAccessDenied(err))
}

// ============================================================
// Lifecycle
// ============================================================

func TestEngine_ApplyConfig(t *testing.T) {
	t.Parallel()

	e := newEngine(t, testConfig())

	_, err := e.Builder().Build(context.Background(),
		authz.Principal{UserID: "u1", OrgID: "org-c", Roles: []string{rbac.RoleMember}},
		authz.Session{Valid: true}, authz.RequestMeta{})
	require.Error(t, err)

	next := testConfig()
	next.Tenants = append(next.Tenants, compliance.Profile{
		OrgID: "org-c", Classification: compliance.Confidential, Residency: "ap-south",
	})
	require.NoError(t, e.ApplyConfig(next))

	actx, err := e.Builder().Build(context.Background(),
		authz.Principal{UserID: "u1", OrgID: "org-c", Roles: []string{rbac.RoleMember}},
		authz.Session{Valid: true}, authz.RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, compliance.Confidential, actx.Classification())

	bad := testConfig()
	bad.Authz.Roles = []rbac.RoleDefinition{{Key: ""}}
	assert.Error(t, e.ApplyConfig(bad))
}

func TestEngine_StartAndClose(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Authz.ReloadInterval = config.Duration(10 * time.Millisecond)
	e, err := New(context.Background(), cfg)
	require.NoError(t, err)

	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Start(context.Background()), "second start is a no-op")
	require.NoError(t, e.Ready(context.Background()))
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	assert.ErrorIs(t, e.Start(context.Background()), ErrClosed)
	assert.ErrorIs(t, e.Ready(context.Background()), ErrClosed)
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
	}{
		{
			name:   "unknown storage driver",
			mutate: func(cfg *config.Config) { cfg.Storage.Driver = "oracle" },
		},
		{
			name:   "unknown cache type",
			mutate: func(cfg *config.Config) { cfg.Cache.Type = "memcached" },
		},
		{
			name:   "duplicate tenant",
			mutate: func(cfg *config.Config) { cfg.Tenants = append(cfg.Tenants, cfg.Tenants[0]) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := testConfig()
			tt.mutate(cfg)
			_, err := New(context.Background(), cfg)
			assert.Error(t, err)
		})
	}

	_, err := New(context.Background(), nil)
	assert.Error(t, err)
}
