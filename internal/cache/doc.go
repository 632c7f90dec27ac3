// Package cache provides the tenant-scoped read cache.
//
// Backends implement Cache over process memory (an LRU with TTLs) or
// redis behind a circuit breaker. Registry tags every entry with the
// owning tenant and an invalidation scope, and refuses entries whose
// classification differs from the tenant baseline. Layer is the
// tenant.Port middleware that reads through the registry and invalidates
// a scope after every successful mutation in it.
//
// A scope whose invalidation fails is marked dirty: reads bypass it and
// writes are refused until RetryDirty succeeds.
package cache
