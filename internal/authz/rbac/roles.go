package rbac

import (
	"errors"
	"fmt"
)

// Well-known role keys of the bootstrap role set.
const (
	RoleGlobalAdmin       = "globalAdmin"
	RoleOrgAdmin          = "orgAdmin"
	RoleManager           = "manager"
	RoleComplianceOfficer = "complianceOfficer"
	RoleMember            = "member"
)

// RoleDefinition attaches role statements to a role key. OrgID is empty
// for bootstrap roles shared by every tenant.
type RoleDefinition struct {
	// Key is the role identifier carried by principals.
	Key string `yaml:"key" json:"key"`

	// OrgID scopes a tenant role. Empty for bootstrap roles.
	OrgID string `yaml:"orgId,omitempty" json:"orgId,omitempty"`

	// Tier orders roles; the highest tier a principal holds becomes the
	// primary role key of its authorization context.
	Tier int `yaml:"tier" json:"tier"`

	// TopTier roles may be granted wildcard permissions.
	TopTier bool `yaml:"topTier,omitempty" json:"topTier,omitempty"`

	// Statements are the coarse permissions of the role.
	Statements Statements `yaml:"statements" json:"statements"`
}

// Validate validates a role definition.
func (r *RoleDefinition) Validate() error {
	if r.Key == "" {
		return errors.New("role key is required")
	}
	if r.Tier < 0 {
		return fmt.Errorf("role %s: tier must be non-negative", r.Key)
	}
	if err := r.Statements.Validate(); err != nil {
		return fmt.Errorf("role %s: %w", r.Key, err)
	}
	if !r.TopTier && r.Statements.hasWildcard() {
		return fmt.Errorf("role %s: wildcard statements are reserved for top-tier roles", r.Key)
	}
	return nil
}

// validateTenant adds the restrictions that apply to tenant-defined roles.
func (r *RoleDefinition) validateTenant(bootstrap map[string]RoleDefinition) error {
	if r.OrgID == "" {
		return fmt.Errorf("role %s: orgId is required for tenant roles", r.Key)
	}
	if r.TopTier {
		return fmt.Errorf("role %s: tenant roles cannot be top tier", r.Key)
	}
	if b, ok := bootstrap[r.Key]; ok && b.TopTier {
		return fmt.Errorf("role %s: cannot override a top-tier bootstrap role", r.Key)
	}
	return r.Validate()
}

// DefaultRoles returns the bootstrap role set.
func DefaultRoles() []RoleDefinition {
	return []RoleDefinition{
		{
			Key:        RoleGlobalAdmin,
			Tier:       100,
			TopTier:    true,
			Statements: Statements{"*": {"*"}},
		},
		{
			Key:  RoleOrgAdmin,
			Tier: 80,
			Statements: Statements{
				"hr.leave.request":   {"create", "read", "update", "delete", "approve", "reject", "cancel"},
				"hr.compliance.item": {"create", "read", "update", "delete"},
				"employeeProfile":    {"create", "read", "update", "delete"},
				"authz.policy":       {"create", "read", "update", "disable"},
				"authz.role":         {"create", "read", "update", "disable"},
			},
		},
		{
			Key:  RoleComplianceOfficer,
			Tier: 60,
			Statements: Statements{
				"hr.compliance.item": {"create", "read", "update"},
				"employeeProfile":    {"read"},
			},
		},
		{
			Key:  RoleManager,
			Tier: 50,
			Statements: Statements{
				"hr.leave.request": {"create", "read", "update", "approve", "reject", "cancel"},
				"employeeProfile":  {"read"},
			},
		},
		{
			Key:  RoleMember,
			Tier: 10,
			Statements: Statements{
				"hr.leave.request": {"create"},
				"employeeProfile":  {"read", "update"},
			},
		},
	}
}
