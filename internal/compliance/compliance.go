// Package compliance defines data classification levels, residency zones
// and the per-tenant compliance profile used by authorization, the tenant
// scope guard and the cache.
package compliance

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// Classification is an ordered sensitivity tier. Higher values are more
// sensitive.
type Classification int

// Classification levels.
const (
	Unclassified Classification = iota
	Public
	Internal
	Confidential
	Restricted
)

var classificationNames = map[Classification]string{
	Unclassified: "",
	Public:       "public",
	Internal:     "internal",
	Confidential: "confidential",
	Restricted:   "restricted",
}

// ErrUnknownClassification is returned when parsing an unknown level.
var ErrUnknownClassification = errors.New("unknown data classification")

// ParseClassification parses a classification name, case-insensitively.
func ParseClassification(s string) (Classification, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for c, n := range classificationNames {
		if n == name {
			return c, nil
		}
	}
	return Unclassified, fmt.Errorf("%w: %q", ErrUnknownClassification, s)
}

// String returns the lower-case level name.
func (c Classification) String() string {
	if n, ok := classificationNames[c]; ok {
		return n
	}
	return fmt.Sprintf("classification(%d)", int(c))
}

// IsSet reports whether c is a real level.
func (c Classification) IsSet() bool {
	return c > Unclassified && c <= Restricted
}

// MarshalText implements encoding.TextMarshaler.
func (c Classification) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Classification) UnmarshalText(text []byte) error {
	parsed, err := ParseClassification(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Residency names the region a tenant's data must remain within.
type Residency string

// Profile is the configured compliance baseline of one tenant.
type Profile struct {
	OrgID          string         `yaml:"orgId" json:"orgId"`
	Classification Classification `yaml:"classification" json:"classification"`
	Residency      Residency      `yaml:"residency" json:"residency"`
}

// Validate checks the profile for completeness.
func (p Profile) Validate() error {
	if p.OrgID == "" {
		return errors.New("tenant profile: orgId is required")
	}
	if !p.Classification.IsSet() {
		return fmt.Errorf("tenant profile %s: classification is required", p.OrgID)
	}
	if p.Residency == "" {
		return fmt.Errorf("tenant profile %s: residency is required", p.OrgID)
	}
	return nil
}

// ErrUnknownTenant is returned when no profile exists for an org.
var ErrUnknownTenant = errors.New("unknown tenant")

// Registry holds tenant profiles. Lookups read an immutable map that
// Replace swaps atomically.
type Registry struct {
	profiles atomic.Pointer[map[string]Profile]
}

// NewRegistry creates a registry seeded with profiles.
func NewRegistry(profiles ...Profile) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(profiles); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace validates profiles and swaps them in as one set.
func (r *Registry) Replace(profiles []Profile) error {
	next := make(map[string]Profile, len(profiles))
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return err
		}
		if _, dup := next[p.OrgID]; dup {
			return fmt.Errorf("tenant profile %s: duplicate orgId", p.OrgID)
		}
		next[p.OrgID] = p
	}
	r.profiles.Store(&next)
	return nil
}

// Lookup returns the profile of orgID.
func (r *Registry) Lookup(orgID string) (Profile, error) {
	m := r.profiles.Load()
	if m != nil {
		if p, ok := (*m)[orgID]; ok {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("%w: %s", ErrUnknownTenant, orgID)
}

// OrgIDs returns the configured org ids in sorted order.
func (r *Registry) OrgIDs() []string {
	m := r.profiles.Load()
	if m == nil {
		return nil
	}
	ids := make([]string, 0, len(*m))
	for id := range *m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
