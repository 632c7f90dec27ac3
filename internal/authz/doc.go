// Package authz builds per-request authorization contexts and decides
// actions against them.
//
// A request first becomes an immutable AuthorizationContext through
// Builder, which validates the session, resolves the tenant compliance
// profile and the caller's RBAC statements. The Authorizer then runs two
// layers, both of which must allow:
//   - rbac: the role statements are a cheap pre-filter; a missing
//     permission denies without consulting ABAC
//   - abac: the policy evaluator decides with priorities, deny-overrides
//     and conditions such as resource ownership
//
// Every decision is traced, counted and written to the audit emitter.
// Denials surface as *AuthorizationError, whose message never reveals the
// deciding policy.
//
// # Architecture
//
// The package is organized into subpackages:
//   - abac: policy model, condition union, store snapshot, evaluator
//   - rbac: role definitions, statements, resolver
//   - pattern: resource and action matching shared by both layers
//
// # Usage
//
//	builder := authz.NewBuilder(profiles, resolver)
//	actx, err := builder.Build(ctx, principal, session, authz.RequestMeta{})
//	if err != nil {
//	    return err
//	}
//
//	authorizer, _ := authz.New(abac.NewEvaluator(store))
//	if _, err := authorizer.Authorize(ctx, actx, authz.Request{
//	    Action:   "approve",
//	    Resource: "hr.leave.request",
//	}); err != nil {
//	    return err
//	}
package authz
