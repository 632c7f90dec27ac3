// Package tenant enforces tenant isolation at the persistence boundary.
//
// Persistence is reached through a narrow Port that executes Operation
// descriptors. Guard is a Middleware around that Port: for every entity
// registered with ScopeStrict it
//   - rejects reads, updates and deletes whose filter lacks the caller's
//     orgId
//   - injects orgId into create payloads and rejects a whole batch when
//     any row names another tenant
//   - stamps unset classification, residency and audit source from the
//     entity defaults
//
// Violations are terminal, logged and audited as security events.
// Single-record operations that match nothing return *NotFoundError, the
// same error a caller gets for a record owned by another tenant.
//
// Entities registered with ScopeNone pass through untouched.
package tenant
