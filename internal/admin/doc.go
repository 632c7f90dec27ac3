// Package admin implements policy and role administration.
//
// Administration is itself authorized: every call is an action on the
// authz.policy or authz.role resource decided by the same authorizer that
// guards tenant data. Changes are scoped to the caller's tenant, validated
// before they reach storage, followed by a store or resolver reload and a
// cache invalidation of the resource scope, and audited.
package admin
