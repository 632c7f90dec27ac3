// Package pattern implements the resource and action matching rules shared
// by the RBAC and ABAC layers.
//
// A pattern is either "*" (matches everything), a prefix ending in "*"
// such as "hr.*", or an exact value. Resources match case-sensitively,
// actions case-insensitively.
package pattern

import "strings"

// Wildcard matches any value.
const Wildcard = "*"

// MatchResource reports whether resource matches p.
func MatchResource(p, resource string) bool {
	if p == Wildcard {
		return true
	}
	if strings.HasSuffix(p, Wildcard) {
		return strings.HasPrefix(resource, p[:len(p)-1])
	}
	return p == resource
}

// MatchAction reports whether action matches p.
func MatchAction(p, action string) bool {
	return p == Wildcard || strings.EqualFold(p, action)
}

// AnyResource reports whether any of patterns matches resource.
func AnyResource(patterns []string, resource string) bool {
	for _, p := range patterns {
		if MatchResource(p, resource) {
			return true
		}
	}
	return false
}

// AnyAction reports whether any of patterns matches action.
func AnyAction(patterns []string, action string) bool {
	for _, p := range patterns {
		if MatchAction(p, action) {
			return true
		}
	}
	return false
}

// Specificity ranks how narrowly p matches: exact patterns rank above
// prefixes, longer prefixes above shorter ones, and "*" ranks lowest.
func Specificity(p string) int {
	switch {
	case p == Wildcard:
		return 0
	case strings.HasSuffix(p, Wildcard):
		return len(p)
	default:
		// Exact patterns always outrank any prefix.
		return 1<<16 + len(p)
	}
}

// BestSpecificity returns the highest Specificity among the patterns in
// ps that match value, or -1 when none match.
func BestSpecificity(ps []string, value string, match func(p, v string) bool) int {
	best := -1
	for _, p := range ps {
		if match(p, value) {
			if s := Specificity(p); s > best {
				best = s
			}
		}
	}
	return best
}

// IsWildcardOnly reports whether ps contains the bare wildcard.
func IsWildcardOnly(ps []string) bool {
	for _, p := range ps {
		if p == Wildcard {
			return true
		}
	}
	return false
}

// Valid reports whether p is a well-formed pattern: non-empty, and any
// "*" appears only as the final character.
func Valid(p string) bool {
	if p == "" {
		return false
	}
	i := strings.Index(p, Wildcard)
	return i == -1 || i == len(p)-1
}
