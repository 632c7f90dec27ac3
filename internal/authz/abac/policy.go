package abac

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vyrodovalexey/tenantgate/internal/authz/pattern"
)

// Effect is the outcome a matching policy contributes.
type Effect string

// Policy effects.
const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Policy is an ABAC policy. OrgID is empty for bootstrap policies that
// apply to every tenant.
type Policy struct {
	// ID uniquely identifies the policy.
	ID string `yaml:"id" json:"id"`

	// OrgID is the owning tenant. Empty for bootstrap policies.
	OrgID string `yaml:"orgId,omitempty" json:"orgId,omitempty"`

	// Effect is allow or deny.
	Effect Effect `yaml:"effect" json:"effect"`

	// Actions the policy covers. Supports "*".
	Actions []string `yaml:"actions" json:"actions"`

	// Resources the policy covers. Supports "*" and prefixes such as "hr.*".
	Resources []string `yaml:"resources" json:"resources"`

	// Condition restricts when the policy matches. Nil always matches.
	Condition *ConditionSpec `yaml:"condition,omitempty" json:"condition,omitempty"`

	// Priority orders policies; higher wins. Must be positive.
	Priority int `yaml:"priority" json:"priority"`

	// Description is free text for administrators.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Validate checks the structural rules every policy must satisfy before
// it can be loaded. Wildcard reservation is checked by Compile since it
// depends on the top-tier role set.
func (p *Policy) Validate() error {
	if p.ID == "" {
		return errors.New("policy id is required")
	}
	if p.Effect != EffectAllow && p.Effect != EffectDeny {
		return fmt.Errorf("policy %s: invalid effect %q (must be 'allow' or 'deny')", p.ID, p.Effect)
	}
	if p.Priority <= 0 {
		return fmt.Errorf("policy %s: priority must be positive", p.ID)
	}
	if len(p.Actions) == 0 {
		return fmt.Errorf("policy %s: actions are required", p.ID)
	}
	if len(p.Resources) == 0 {
		return fmt.Errorf("policy %s: resources are required", p.ID)
	}
	for _, a := range p.Actions {
		if a == "" || (a != pattern.Wildcard && strings.Contains(a, pattern.Wildcard)) {
			return fmt.Errorf("policy %s: invalid action %q", p.ID, a)
		}
	}
	for _, r := range p.Resources {
		if !pattern.Valid(r) {
			return fmt.Errorf("policy %s: invalid resource pattern %q", p.ID, r)
		}
	}
	return nil
}

// IsWildcard reports whether the policy covers every action on every
// resource.
func (p *Policy) IsWildcard() bool {
	return pattern.IsWildcardOnly(p.Actions) && pattern.IsWildcardOnly(p.Resources)
}

// Clone returns a deep copy.
func (p Policy) Clone() Policy {
	p.Actions = append([]string(nil), p.Actions...)
	p.Resources = append([]string(nil), p.Resources...)
	if p.Condition != nil {
		c := p.Condition.clone()
		p.Condition = &c
	}
	return p
}
