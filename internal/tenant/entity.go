package tenant

import (
	"errors"
	"fmt"
	"sort"

	"github.com/vyrodovalexey/tenantgate/internal/compliance"
)

// Column names of tenant-scoped records.
const (
	FieldID             = "id"
	FieldOrgID          = "org_id"
	FieldClassification = "data_classification"
	FieldResidency      = "data_residency"
	FieldAuditSource    = "audit_source"
)

// ScopePolicy decides how the guard treats an entity.
type ScopePolicy string

// Scope policies.
const (
	// ScopeStrict entities are tenant-scoped: every filter and payload must
	// carry the caller's orgId.
	ScopeStrict ScopePolicy = "strict"

	// ScopeNone entities are global; the guard does nothing.
	ScopeNone ScopePolicy = "none"
)

// ErrUnknownEntity is returned for operations on unregistered models.
var ErrUnknownEntity = errors.New("unknown entity")

// EntityConfig is the static configuration of one entity type.
type EntityConfig struct {
	// Model is the entity name used by operations.
	Model string `yaml:"model" json:"model"`

	// Table is the storage table. Defaults to Model.
	Table string `yaml:"table,omitempty" json:"table,omitempty"`

	// Scope is strict or none. Defaults to strict.
	Scope ScopePolicy `yaml:"scope,omitempty" json:"scope,omitempty"`

	// Classification stamped on rows that carry none, and the lowest
	// classification a row may declare.
	Classification compliance.Classification `yaml:"classification,omitempty" json:"classification,omitempty"`

	// Residency stamped on rows that carry none. Empty uses the tenant
	// profile residency.
	Residency compliance.Residency `yaml:"residency,omitempty" json:"residency,omitempty"`

	// AuditSource stamped on rows that carry none.
	AuditSource string `yaml:"auditSource,omitempty" json:"auditSource,omitempty"`

	// CacheScope is the invalidation scope of the entity. Defaults to
	// Model.
	CacheScope string `yaml:"cacheScope,omitempty" json:"cacheScope,omitempty"`

	// Cacheable enables the read cache for the entity. Rows above the
	// tenant baseline classification are never cached regardless.
	Cacheable bool `yaml:"cacheable,omitempty" json:"cacheable,omitempty"`
}

// SetDefaults fills empty optional fields.
func (c *EntityConfig) SetDefaults() {
	if c.Table == "" {
		c.Table = c.Model
	}
	if c.Scope == "" {
		c.Scope = ScopeStrict
	}
	if c.CacheScope == "" {
		c.CacheScope = c.Model
	}
}

// Validate validates the configuration.
func (c *EntityConfig) Validate() error {
	if c.Model == "" {
		return errors.New("entity model is required")
	}
	if c.Scope != ScopeStrict && c.Scope != ScopeNone {
		return fmt.Errorf("entity %s: invalid scope %q (must be 'strict' or 'none')", c.Model, c.Scope)
	}
	if c.Classification != compliance.Unclassified && !c.Classification.IsSet() {
		return fmt.Errorf("entity %s: invalid classification %d", c.Model, c.Classification)
	}
	return nil
}

// EntityRegistry holds the entity configurations. It is built once at
// startup and read-only afterwards.
type EntityRegistry struct {
	entities map[string]EntityConfig
}

// NewEntityRegistry validates configs and builds a registry.
func NewEntityRegistry(configs ...EntityConfig) (*EntityRegistry, error) {
	r := &EntityRegistry{entities: make(map[string]EntityConfig, len(configs))}
	for _, c := range configs {
		c.SetDefaults()
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.entities[c.Model]; dup {
			return nil, fmt.Errorf("entity %s: duplicate model", c.Model)
		}
		r.entities[c.Model] = c
	}
	return r, nil
}

// Lookup returns the configuration of model.
func (r *EntityRegistry) Lookup(model string) (EntityConfig, error) {
	c, ok := r.entities[model]
	if !ok {
		return EntityConfig{}, fmt.Errorf("%w: %s", ErrUnknownEntity, model)
	}
	return c, nil
}

// Models returns the registered model names, sorted.
func (r *EntityRegistry) Models() []string {
	out := make([]string, 0, len(r.entities))
	for m := range r.entities {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Entities returns every configuration, sorted by model.
func (r *EntityRegistry) Entities() []EntityConfig {
	out := make([]EntityConfig, 0, len(r.entities))
	for _, m := range r.Models() {
		out = append(out, r.entities[m])
	}
	return out
}
