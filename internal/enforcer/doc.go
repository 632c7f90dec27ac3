// Package enforcer wires tenantgate from configuration.
//
// New opens storage, loads the first policy and role snapshots and chains
// the persistence port as
//
//	storage.Port <- tenant.Guard <- cache.Layer
//
// so that every operation is tenant scoped before the cache sees it.
// Execute authorizes a request and runs its operation through that chain.
// Start runs the periodic reload that picks up administration changes
// made by other replicas; ApplyConfig applies a reloaded configuration
// file.
package enforcer
