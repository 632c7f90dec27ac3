// Package abac implements the attribute-based policy store and evaluator.
//
// Policies carry an effect, action and resource patterns, a priority and
// an optional condition. Conditions are a closed set of variants
// (SubjectRoles, ResourceOwnerMatch, AllOf, AnyOf, Not and CEL
// Expression) built from their serialized ConditionSpec when a policy is
// loaded. Malformed policies are rejected at load time; the evaluator
// only ever sees compiled policies.
//
// # Decision rules
//
//   - candidates are the tenant's policies plus the bootstrap policies
//   - only the highest priority group of matching policies decides
//   - inside that group Deny overrides Allow
//   - nothing matching means Deny
//   - a condition that fails to evaluate counts as matched for Deny
//     policies and as not matched for Allow policies
//
// An Allow on "*"/"*" must be restricted by subjectRoles to top-tier
// roles.
//
// # Usage
//
//	store, err := abac.NewStore(nil, abac.WithPolicySource(repo))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := store.Load(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	decision, err := abac.NewEvaluator(store).Evaluate(ctx, &abac.Request{
//	    OrgID:    "org-a",
//	    UserID:   "u-1",
//	    Roles:    []string{"manager"},
//	    Action:   "approve",
//	    Resource: "hr.leave.request",
//	})
package abac
