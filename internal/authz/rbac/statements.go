package rbac

import (
	"errors"
	"fmt"
	"sort"

	"github.com/vyrodovalexey/tenantgate/internal/authz/pattern"
)

// Statements maps a resource type (or resource pattern such as "hr.*") to
// the actions a role may perform on it.
type Statements map[string][]string

// Has reports whether the statements grant action on resource.
func (s Statements) Has(resource, action string) bool {
	for key, actions := range s {
		if pattern.MatchResource(key, resource) && pattern.AnyAction(actions, action) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (s Statements) Clone() Statements {
	if s == nil {
		return Statements{}
	}
	out := make(Statements, len(s))
	for k, v := range s {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Merge returns the union of s and other. Action lists are deduplicated
// and sorted.
func (s Statements) Merge(other Statements) Statements {
	out := s.Clone()
	for key, actions := range other {
		seen := make(map[string]struct{}, len(out[key])+len(actions))
		merged := make([]string, 0, len(out[key])+len(actions))
		for _, a := range append(out[key], actions...) {
			if _, dup := seen[a]; dup {
				continue
			}
			seen[a] = struct{}{}
			merged = append(merged, a)
		}
		sort.Strings(merged)
		out[key] = merged
	}
	return out
}

// ResourceTypes returns the statement keys sorted.
func (s Statements) ResourceTypes() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Validate checks that every key is a valid pattern with at least one
// action.
func (s Statements) Validate() error {
	if len(s) == 0 {
		return errors.New("at least one statement is required")
	}
	for key, actions := range s {
		if !pattern.Valid(key) {
			return fmt.Errorf("invalid resource type %q", key)
		}
		if len(actions) == 0 {
			return fmt.Errorf("resource type %q: actions are required", key)
		}
		for _, a := range actions {
			if !pattern.Valid(a) || (len(a) > 1 && a[len(a)-1] == '*') {
				return fmt.Errorf("resource type %q: invalid action %q", key, a)
			}
		}
	}
	return nil
}

func (s Statements) hasWildcard() bool {
	for key, actions := range s {
		if key == pattern.Wildcard || pattern.IsWildcardOnly(actions) {
			return true
		}
	}
	return false
}
