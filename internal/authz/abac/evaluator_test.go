package abac

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/tenantgate/internal/observability"
)

// ============================================================================
// Helpers
// ============================================================================

type staticSource struct {
	mu       sync.Mutex
	policies []Policy
	err      error
}

func (s *staticSource) LoadPolicies(context.Context) ([]Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policies, s.err
}

func (s *staticSource) set(ps ...Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies = ps
}

func newEvaluator(t *testing.T, bootstrap []Policy, tenant ...Policy) *Evaluator {
	t.Helper()

	src := &staticSource{policies: tenant}
	store, err := NewStore(bootstrap,
		WithPolicySource(src),
		WithStoreLogger(observability.NopLogger()),
		WithStoreMetrics(NewMetricsWithRegisterer("test", prometheus.NewRegistry())),
	)
	require.NoError(t, err)
	require.NoError(t, store.Load(context.Background()))

	return NewEvaluator(store, WithEvaluatorLogger(observability.NopLogger()))
}

func mustEvaluate(t *testing.T, e *Evaluator, req *Request) *Decision {
	t.Helper()
	d, err := e.Evaluate(context.Background(), req)
	require.NoError(t, err)
	return d
}

// ============================================================================
// Bootstrap scenarios
// ============================================================================

func TestEvaluate_BootstrapScenarios(t *testing.T) {
	t.Parallel()

	e := newEvaluator(t, nil)

	tests := []struct {
		name       string
		req        Request
		wantAllow  bool
		wantPolicy string
	}{
		{
			name:       "manager approves leave",
			req:        Request{OrgID: "org-a", UserID: "mgr", Roles: []string{"manager"}, Action: "approve", Resource: "hr.leave.request"},
			wantAllow:  true,
			wantPolicy: PolicyManagerApproval,
		},
		{
			name:       "global admin deletes anything",
			req:        Request{OrgID: "org-a", UserID: "root", Roles: []string{"globalAdmin"}, Action: "delete", Resource: "some.arbitrary.thing"},
			wantAllow:  true,
			wantPolicy: PolicyGlobalAdmin,
		},
		{
			name:       "member updates own leave",
			req:        Request{OrgID: "org-a", UserID: "u1", Roles: []string{"member"}, Action: "update", Resource: "hr.leave.request", Attributes: map[string]interface{}{"ownerId": "u1"}},
			wantAllow:  true,
			wantPolicy: PolicyOwnLeave,
		},
		{
			name:       "member updates someone else's leave",
			req:        Request{OrgID: "org-a", UserID: "u1", Roles: []string{"member"}, Action: "update", Resource: "hr.leave.request", Attributes: map[string]interface{}{"ownerId": "u2"}},
			wantAllow:  false,
			wantPolicy: PolicyDefaultDeny,
		},
		{
			name:       "ownership without attributes",
			req:        Request{OrgID: "org-a", UserID: "u1", Roles: []string{"member"}, Action: "read", Resource: "employeeProfile"},
			wantAllow:  false,
			wantPolicy: PolicyDefaultDeny,
		},
		{
			name:       "org admin on compliance items",
			req:        Request{OrgID: "org-a", UserID: "adm", Roles: []string{"orgAdmin"}, Action: "delete", Resource: "hr.compliance.item"},
			wantAllow:  true,
			wantPolicy: PolicyOrgAdmin,
		},
		{
			name:       "compliance officer cannot touch leave",
			req:        Request{OrgID: "org-a", UserID: "co", Roles: []string{"complianceOfficer"}, Action: "approve", Resource: "hr.leave.request"},
			wantAllow:  false,
			wantPolicy: PolicyDefaultDeny,
		},
		{
			name:       "no roles",
			req:        Request{OrgID: "org-a", UserID: "anon", Action: "read", Resource: "hr.leave.request"},
			wantAllow:  false,
			wantPolicy: PolicyDefaultDeny,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := mustEvaluate(t, e, &tt.req)
			assert.Equal(t, tt.wantAllow, d.Allowed)
			assert.Equal(t, tt.wantPolicy, d.MatchedPolicyID)
		})
	}
}

// ============================================================================
// Decision rules
// ============================================================================

func TestEvaluate_EmptyPolicySetDenies(t *testing.T) {
	t.Parallel()

	e := newEvaluator(t, []Policy{})

	d := mustEvaluate(t, e, &Request{OrgID: "org-a", Roles: []string{"globalAdmin"}, Action: "read", Resource: "x"})
	assert.False(t, d.Allowed)
	assert.Empty(t, d.MatchedPolicyID)
	assert.Equal(t, ReasonNoMatch, d.Reason)
}

func TestEvaluate_DenyOverridesAllowAtEqualPriority(t *testing.T) {
	t.Parallel()

	e := newEvaluator(t, []Policy{},
		Policy{ID: "a-allow", OrgID: "org-a", Effect: EffectAllow, Actions: []string{"read"}, Resources: []string{"employeeProfile"}, Priority: 500},
		Policy{ID: "z-deny", OrgID: "org-a", Effect: EffectDeny, Actions: []string{"read"}, Resources: []string{"*"}, Priority: 500},
	)

	d := mustEvaluate(t, e, &Request{OrgID: "org-a", Action: "read", Resource: "employeeProfile"})
	assert.False(t, d.Allowed)
	assert.Equal(t, "z-deny", d.MatchedPolicyID)
	assert.Equal(t, ReasonDenyOverrides, d.Reason)
}

func TestEvaluate_HigherPriorityAllowBeatsLowerDeny(t *testing.T) {
	t.Parallel()

	e := newEvaluator(t, []Policy{},
		Policy{ID: "allow", OrgID: "org-a", Effect: EffectAllow, Actions: []string{"read"}, Resources: []string{"hr.*"}, Priority: 600},
		Policy{ID: "deny", OrgID: "org-a", Effect: EffectDeny, Actions: []string{"read"}, Resources: []string{"hr.leave.request"}, Priority: 599},
	)

	d := mustEvaluate(t, e, &Request{OrgID: "org-a", Action: "read", Resource: "hr.leave.request"})
	assert.True(t, d.Allowed)
	assert.Equal(t, "allow", d.MatchedPolicyID)
}

func TestEvaluate_MostSpecificReported(t *testing.T) {
	t.Parallel()

	e := newEvaluator(t, []Policy{},
		Policy{ID: "a-prefix", OrgID: "org-a", Effect: EffectAllow, Actions: []string{"read"}, Resources: []string{"hr.*"}, Priority: 500},
		Policy{ID: "b-exact", OrgID: "org-a", Effect: EffectAllow, Actions: []string{"read"}, Resources: []string{"hr.leave.request"}, Priority: 500},
		Policy{ID: "c-exact-any-action", OrgID: "org-a", Effect: EffectAllow, Actions: []string{"*"}, Resources: []string{"hr.leave.request"}, Priority: 500},
	)

	d := mustEvaluate(t, e, &Request{OrgID: "org-a", Action: "read", Resource: "hr.leave.request"})
	assert.True(t, d.Allowed)
	assert.Equal(t, "b-exact", d.MatchedPolicyID)
}

func TestEvaluate_PrefixWildcard(t *testing.T) {
	t.Parallel()

	e := newEvaluator(t, []Policy{},
		Policy{ID: "hr", OrgID: "org-a", Effect: EffectAllow, Actions: []string{"read"}, Resources: []string{"hr.*"}, Priority: 10},
	)

	for resource, want := range map[string]bool{
		"hr.leave.request":   true,
		"hr.compliance.item": true,
		"employeeProfile":    false,
	} {
		d := mustEvaluate(t, e, &Request{OrgID: "org-a", Action: "read", Resource: resource})
		assert.Equal(t, want, d.Allowed, resource)
	}
}

func TestEvaluate_TenantIsolation(t *testing.T) {
	t.Parallel()

	e := newEvaluator(t, nil,
		Policy{ID: "a-readers", OrgID: "org-a", Effect: EffectAllow, Actions: []string{"read"}, Resources: []string{"hr.leave.request"}, Priority: 600},
	)

	a := mustEvaluate(t, e, &Request{OrgID: "org-a", Action: "read", Resource: "hr.leave.request"})
	b := mustEvaluate(t, e, &Request{OrgID: "org-b", Action: "read", Resource: "hr.leave.request"})

	assert.True(t, a.Allowed)
	assert.False(t, b.Allowed)
	assert.Equal(t, PolicyDefaultDeny, b.MatchedPolicyID)
}

func TestEvaluate_Deterministic(t *testing.T) {
	t.Parallel()

	e := newEvaluator(t, nil,
		Policy{ID: "p1", OrgID: "org-a", Effect: EffectAllow, Actions: []string{"read"}, Resources: []string{"hr.*"}, Priority: 800},
		Policy{ID: "p2", OrgID: "org-a", Effect: EffectAllow, Actions: []string{"read"}, Resources: []string{"hr.*"}, Priority: 800},
	)
	req := &Request{OrgID: "org-a", UserID: "u", Roles: []string{"member"}, Action: "read", Resource: "hr.leave.request"}

	first := mustEvaluate(t, e, req)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, mustEvaluate(t, e, req))
	}
	assert.Equal(t, "p1", first.MatchedPolicyID)
}

func TestEvaluate_ConditionFailureIsFailClosed(t *testing.T) {
	t.Parallel()

	e := newEvaluator(t, []Policy{},
		// resource.missing does not exist and fails at runtime.
		Policy{ID: "allow-broken", OrgID: "org-a", Effect: EffectAllow, Actions: []string{"read"}, Resources: []string{"doc"}, Priority: 900,
			Condition: &ConditionSpec{Expression: `resource.missing == "x"`}},
		Policy{ID: "allow-ok", OrgID: "org-a", Effect: EffectAllow, Actions: []string{"read"}, Resources: []string{"doc"}, Priority: 100},
		Policy{ID: "deny-broken", OrgID: "org-a", Effect: EffectDeny, Actions: []string{"write"}, Resources: []string{"doc"}, Priority: 900,
			Condition: &ConditionSpec{Expression: `resource.missing == "x"`}},
		Policy{ID: "allow-write", OrgID: "org-a", Effect: EffectAllow, Actions: []string{"write"}, Resources: []string{"doc"}, Priority: 100},
	)

	read := mustEvaluate(t, e, &Request{OrgID: "org-a", Action: "read", Resource: "doc"})
	assert.True(t, read.Allowed)
	assert.Equal(t, "allow-ok", read.MatchedPolicyID, "broken allow is skipped")

	write := mustEvaluate(t, e, &Request{OrgID: "org-a", Action: "write", Resource: "doc"})
	assert.False(t, write.Allowed)
	assert.Equal(t, "deny-broken", write.MatchedPolicyID, "broken deny still denies")
}

func TestEvaluate_ExpressionCondition(t *testing.T) {
	t.Parallel()

	e := newEvaluator(t, []Policy{},
		Policy{ID: "same-department", OrgID: "org-a", Effect: EffectAllow, Actions: []string{"read"}, Resources: []string{"employeeProfile"}, Priority: 300,
			Condition: &ConditionSpec{
				SubjectRoles: []string{"manager"},
				Expression:   `resource.department == "eng" && "manager" in subject.roles && org_id == "org-a"`,
			}},
	)

	allowed := mustEvaluate(t, e, &Request{OrgID: "org-a", Roles: []string{"manager"}, Action: "read", Resource: "employeeProfile",
		Attributes: map[string]interface{}{"department": "eng"}})
	denied := mustEvaluate(t, e, &Request{OrgID: "org-a", Roles: []string{"manager"}, Action: "read", Resource: "employeeProfile",
		Attributes: map[string]interface{}{"department": "sales"}})

	assert.True(t, allowed.Allowed)
	assert.False(t, denied.Allowed)
}

func TestEvaluate_NilRequestAndMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := NewMetricsWithRegisterer("test", reg)
	store, err := NewStore(nil)
	require.NoError(t, err)
	e := NewEvaluator(store, WithEvaluatorMetrics(metrics))

	_, err = e.Evaluate(context.Background(), nil)
	assert.Error(t, err)

	_, err = e.Evaluate(context.Background(), &Request{OrgID: "o", Action: "read", Resource: "x"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.evaluationTotal.WithLabelValues("deny")))
}

func TestEvaluate_ConcurrentWithReload(t *testing.T) {
	t.Parallel()

	src := &staticSource{}
	store, err := NewStore(nil, WithPolicySource(src))
	require.NoError(t, err)
	e := NewEvaluator(store)

	allow := Policy{ID: "allow", OrgID: "org-a", Effect: EffectAllow, Actions: []string{"read"}, Resources: []string{"doc"}, Priority: 500}
	deny := Policy{ID: "deny", OrgID: "org-a", Effect: EffectDeny, Actions: []string{"read"}, Resources: []string{"doc"}, Priority: 500}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				src.set(allow)
			} else {
				src.set(allow, deny)
			}
			_ = store.Load(context.Background())
		}(i)
		go func() {
			defer wg.Done()
			d, err := e.Evaluate(context.Background(), &Request{OrgID: "org-a", Action: "read", Resource: "doc"})
			assert.NoError(t, err)
			if d.Allowed {
				assert.Equal(t, "allow", d.MatchedPolicyID)
			}
		}()
	}
	wg.Wait()
}
