// Package rbac resolves a principal's roles to coarse resource type to
// action permissions.
//
// RBAC is the cheap first gate of every authorization: a missing
// permission denies immediately, a present one still has to pass ABAC
// evaluation.
//
// Bootstrap roles come from configuration (DefaultRoles when none are
// configured) and apply to every tenant. Tenant roles are loaded from a
// Source and override bootstrap roles of the same key, except top-tier
// roles which tenants can neither define nor override. Only top-tier
// roles may carry wildcard statements.
//
//	resolver, err := rbac.NewResolver(nil, rbac.WithSource(repo))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res := resolver.Resolve("org-a", []string{"member"})
//	res.Permissions.Has("hr.leave.request", "create") // true
//	res.Permissions.Has("hr.leave.request", "update") // false
package rbac
