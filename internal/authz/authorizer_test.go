package authz

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/tenantgate/internal/audit"
	"github.com/vyrodovalexey/tenantgate/internal/authz/abac"
)

type fixture struct {
	builder    *Builder
	authorizer Authorizer
	store      *abac.Store
	audit      *audit.MemoryEmitter
	metrics    *Metrics
}

type policySource []abac.Policy

func (s policySource) LoadPolicies(context.Context) ([]abac.Policy, error) { return s, nil }

func newFixture(t *testing.T, tenant ...abac.Policy) *fixture {
	t.Helper()

	store, err := abac.NewStore(nil, abac.WithPolicySource(policySource(tenant)))
	require.NoError(t, err)
	require.NoError(t, store.Load(context.Background()))

	emitter := audit.NewMemoryEmitter()
	metrics := NewMetricsWithRegisterer("test", prometheus.NewRegistry())
	a, err := New(abac.NewEvaluator(store),
		WithAuditEmitter(emitter),
		WithAuthorizerMetrics(metrics),
		WithDecisionCache(NewMemoryDecisionCache(time.Minute, 100, WithMemoryCacheMetrics(metrics))),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	return &fixture{
		builder:    newTestBuilder(t),
		authorizer: a,
		store:      store,
		audit:      emitter,
		metrics:    metrics,
	}
}

func (f *fixture) context(t *testing.T, user string, roles ...string) *AuthorizationContext {
	t.Helper()
	actx, err := f.builder.Build(context.Background(),
		Principal{UserID: user, OrgID: "org-a", Roles: roles}, validSession(), RequestMeta{})
	require.NoError(t, err)
	return actx
}

func TestNew_RequiresEvaluator(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	assert.Error(t, err)
}

// ============================================================================
// Authorize
// ============================================================================

func TestAuthorize_Scenarios(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	tests := []struct {
		name       string
		user       string
		roles      []string
		req        Request
		wantAllow  bool
		wantLayer  string
		wantPolicy string
	}{
		{
			name:      "member update on someone else's leave stops at rbac",
			user:      "u1",
			roles:     []string{"member"},
			req:       Request{Action: "update", Resource: "hr.leave.request", Attributes: map[string]interface{}{"ownerId": "u2"}},
			wantLayer: ReasonRBAC,
		},
		{
			name:       "manager approves leave",
			user:       "m1",
			roles:      []string{"manager"},
			req:        Request{Action: "approve", Resource: "hr.leave.request", ResourceID: "lr-1"},
			wantAllow:  true,
			wantLayer:  ReasonABAC,
			wantPolicy: abac.PolicyManagerApproval,
		},
		{
			name:       "global admin deletes anything",
			user:       "root",
			roles:      []string{"globalAdmin"},
			req:        Request{Action: "delete", Resource: "billing.invoice"},
			wantAllow:  true,
			wantLayer:  ReasonABAC,
			wantPolicy: abac.PolicyGlobalAdmin,
		},
		{
			name:       "member creates leave for someone else",
			user:       "u1",
			roles:      []string{"member"},
			req:        Request{Action: "create", Resource: "hr.leave.request", Attributes: map[string]interface{}{"ownerId": "u2"}},
			wantLayer:  ReasonABAC,
			wantPolicy: abac.PolicyDefaultDeny,
		},
		{
			name:       "member creates own leave",
			user:       "u1",
			roles:      []string{"member"},
			req:        Request{Action: "create", Resource: "hr.leave.request", Attributes: map[string]interface{}{"ownerId": "u1"}},
			wantAllow:  true,
			wantLayer:  ReasonABAC,
			wantPolicy: abac.PolicyOwnLeave,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d, err := f.authorizer.Authorize(context.Background(), f.context(t, tt.user, tt.roles...), tt.req)
			require.NotNil(t, d)
			assert.Equal(t, tt.wantAllow, d.Allowed)
			assert.Equal(t, tt.wantLayer, d.Layer)
			assert.Equal(t, tt.wantPolicy, d.Policy)

			if tt.wantAllow {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsAccessDenied(err))
			var authErr *AuthorizationError
			require.True(t, errors.As(err, &authErr))
			assert.Equal(t, tt.wantLayer, authErr.Reason)
			assert.Equal(t, "access denied", err.Error())
		})
	}
}

func TestAuthorize_AuditsEveryOutcome(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	member := f.context(t, "u1", "member")

	_, err := f.authorizer.Authorize(context.Background(), member, Request{Action: "update", Resource: "hr.leave.request"})
	require.Error(t, err)
	_, err = f.authorizer.Authorize(context.Background(), member,
		Request{Action: "read", Resource: "employeeProfile", Attributes: map[string]interface{}{"ownerId": "u1"}})
	require.NoError(t, err)

	events := f.audit.ByType(audit.EventTypeDecision)
	require.Len(t, events, 2)

	assert.Equal(t, audit.OutcomeDenied, events[0].Outcome)
	assert.Equal(t, audit.SeverityMedium, events[0].Severity)
	assert.Equal(t, ReasonRBAC, events[0].Payload["layer"])
	assert.Equal(t, "org-a", events[0].OrgID)
	assert.Equal(t, member.CorrelationID(), events[0].CorrelationID)
	assert.Equal(t, member.Residency(), events[0].ResidencyZone)

	assert.Equal(t, audit.OutcomeSuccess, events[1].Outcome)
	assert.Equal(t, abac.PolicyOwnProfile, events[1].Payload["policy"])

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.decisionTotal.WithLabelValues("denied", ReasonRBAC)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.decisionTotal.WithLabelValues("allowed", ReasonABAC)))
}

func TestAuthorize_UsesContextValue(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	_, err := f.authorizer.Authorize(context.Background(), nil, Request{Action: "read", Resource: "x"})
	assert.ErrorIs(t, err, ErrNoContext)

	ctx := WithContext(context.Background(), f.context(t, "m1", "manager"))
	d, err := f.authorizer.Authorize(ctx, nil, Request{Action: "read", Resource: "hr.leave.request"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestAuthorize_CachedUntilPolicyReload(t *testing.T) {
	t.Parallel()

	src := &mutableSource{}
	store, err := abac.NewStore(nil, abac.WithPolicySource(src))
	require.NoError(t, err)
	require.NoError(t, store.Load(context.Background()))

	a, err := New(abac.NewEvaluator(store), WithDecisionCache(NewMemoryDecisionCache(time.Minute, 10)))
	require.NoError(t, err)
	defer a.Close()

	f := newFixture(t)
	manager := f.context(t, "m1", "manager")
	req := Request{Action: "approve", Resource: "hr.leave.request"}

	first, err := a.Authorize(context.Background(), manager, req)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := a.Authorize(context.Background(), manager, req)
	require.NoError(t, err)
	assert.True(t, second.Cached)

	src.policies = []abac.Policy{{
		ID: "freeze", OrgID: "org-a", Effect: abac.EffectDeny,
		Actions: []string{"approve"}, Resources: []string{"hr.leave.request"}, Priority: 900,
	}}
	require.NoError(t, store.Load(context.Background()))

	third, err := a.Authorize(context.Background(), manager, req)
	require.Error(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, "freeze", third.Policy)
}

type mutableSource struct {
	policies []abac.Policy
}

func (s *mutableSource) LoadPolicies(context.Context) ([]abac.Policy, error) { return s.policies, nil }

func TestAuthorize_TenantPolicyDeniesOnlyItsTenant(t *testing.T) {
	t.Parallel()

	f := newFixture(t, abac.Policy{
		ID: "org-a-no-profile-edits", OrgID: "org-a", Effect: abac.EffectDeny,
		Actions: []string{"update"}, Resources: []string{"employeeProfile"}, Priority: 600,
	})

	orgA := f.context(t, "u1", "member")
	orgB, err := f.builder.Build(context.Background(), Principal{UserID: "u1", OrgID: "org-b", Roles: []string{"member"}},
		validSession(), RequestMeta{})
	require.NoError(t, err)

	req := Request{Action: "update", Resource: "employeeProfile", Attributes: map[string]interface{}{"ownerId": "u1"}}

	_, err = f.authorizer.Authorize(context.Background(), orgA, req)
	assert.True(t, IsAccessDenied(err))

	_, err = f.authorizer.Authorize(context.Background(), orgB, req)
	assert.NoError(t, err)
}
