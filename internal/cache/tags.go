package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/tenantgate/internal/compliance"
)

// Tag describes a cached read: the tenant, the invalidation scope and the
// compliance attributes of the data.
type Tag struct {
	OrgID          string
	Scope          string
	Classification compliance.Classification
	Residency      compliance.Residency
}

// ScopeKey identifies an invalidation scope within a tenant.
type ScopeKey struct {
	OrgID string
	Scope string
}

// Key returns the scope of t. Classification and residency are not part
// of it: invalidating a scope drops every entry cached under it.
func (t Tag) Key() ScopeKey {
	return ScopeKey{OrgID: t.OrgID, Scope: t.Scope}
}

// String returns "org/scope".
func (k ScopeKey) String() string {
	return k.OrgID + "/" + k.Scope
}

// TagIndex maps scopes to the cache keys registered under them and keeps
// the invalidation generation of every scope. Replicas sharing a
// redis-backed index share both. It must be safe for concurrent
// registration and invalidation.
type TagIndex interface {
	// Add registers key under scope. ttl bounds how long the index keeps
	// the scope when it is never invalidated; zero keeps it until removed.
	Add(ctx context.Context, scope ScopeKey, key string, ttl time.Duration) error

	// Members returns the keys registered under scope.
	Members(ctx context.Context, scope ScopeKey) ([]string, error)

	// Remove unregisters keys from scope. Keys added after Members was
	// read stay registered.
	Remove(ctx context.Context, scope ScopeKey, keys ...string) error

	// Generation returns the invalidation generation of scope; zero if
	// it was never invalidated.
	Generation(ctx context.Context, scope ScopeKey) (uint64, error)

	// Advance increments the generation of scope and returns it.
	Advance(ctx context.Context, scope ScopeKey) (uint64, error)
}

// memoryTagIndex is an in-process TagIndex.
type memoryTagIndex struct {
	mu     sync.Mutex
	scopes map[ScopeKey]map[string]struct{}
	gens   map[ScopeKey]uint64
}

// NewMemoryTagIndex creates an in-process tag index.
func NewMemoryTagIndex() TagIndex {
	return &memoryTagIndex{
		scopes: make(map[ScopeKey]map[string]struct{}),
		gens:   make(map[ScopeKey]uint64),
	}
}

func (m *memoryTagIndex) Generation(_ context.Context, scope ScopeKey) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gens[scope], nil
}

func (m *memoryTagIndex) Advance(_ context.Context, scope ScopeKey) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gens[scope]++
	return m.gens[scope], nil
}

func (m *memoryTagIndex) Add(_ context.Context, scope ScopeKey, key string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.scopes[scope]
	if !ok {
		set = make(map[string]struct{})
		m.scopes[scope] = set
	}
	set[key] = struct{}{}
	return nil
}

func (m *memoryTagIndex) Members(_ context.Context, scope ScopeKey) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.scopes[scope]
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out, nil
}

func (m *memoryTagIndex) Remove(_ context.Context, scope ScopeKey, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.scopes[scope]
	if !ok {
		return nil
	}
	for _, k := range keys {
		delete(set, k)
	}
	if len(set) == 0 {
		delete(m.scopes, scope)
	}
	return nil
}

// redisTagIndex keeps one redis set per scope.
type redisTagIndex struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisTagIndex creates a tag index backed by redis sets under prefix.
func NewRedisTagIndex(client redis.UniversalClient, prefix string) TagIndex {
	return &redisTagIndex{client: client, prefix: resolveKeyPrefix(prefix)}
}

// setKey hash-tags the org so one tenant's sets share a cluster slot.
func (r *redisTagIndex) setKey(scope ScopeKey) string {
	return fmt.Sprintf("%stag:{%s}:%s", r.prefix, scope.OrgID, scope.Scope)
}

// genKey shares the slot of the scope's set.
func (r *redisTagIndex) genKey(scope ScopeKey) string {
	return fmt.Sprintf("%sgen:{%s}:%s", r.prefix, scope.OrgID, scope.Scope)
}

func (r *redisTagIndex) Generation(ctx context.Context, scope ScopeKey) (uint64, error) {
	gen, err := r.client.Get(ctx, r.genKey(scope)).Uint64()
	switch {
	case errors.Is(err, redis.Nil):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("redis tag generation: %w", err)
	}
	return gen, nil
}

func (r *redisTagIndex) Advance(ctx context.Context, scope ScopeKey) (uint64, error) {
	gen, err := r.client.Incr(ctx, r.genKey(scope)).Uint64()
	if err != nil {
		return 0, fmt.Errorf("redis tag advance: %w", err)
	}
	return gen, nil
}

func (r *redisTagIndex) Add(ctx context.Context, scope ScopeKey, key string, ttl time.Duration) error {
	setKey := r.setKey(scope)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, setKey, key)
		if ttl > 0 {
			// The set outlives its newest entry so invalidation still
			// finds every live key.
			pipe.Expire(ctx, setKey, 2*ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis tag add: %w", err)
	}
	return nil
}

func (r *redisTagIndex) Members(ctx context.Context, scope ScopeKey) ([]string, error) {
	keys, err := r.client.SMembers(ctx, r.setKey(scope)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis tag members: %w", err)
	}
	return keys, nil
}

func (r *redisTagIndex) Remove(ctx context.Context, scope ScopeKey, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	members := make([]interface{}, len(keys))
	for i, k := range keys {
		members[i] = k
	}
	if err := r.client.SRem(ctx, r.setKey(scope), members...).Err(); err != nil {
		return fmt.Errorf("redis tag remove: %w", err)
	}
	return nil
}
