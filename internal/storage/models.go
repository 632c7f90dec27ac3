package storage

import (
	"time"

	"gorm.io/gorm"

	"github.com/vyrodovalexey/tenantgate/internal/authz/abac"
	"github.com/vyrodovalexey/tenantgate/internal/authz/rbac"
)

// PolicyModel maps to the "authz_policies" table. Rows are never hard
// deleted; disabling sets DeletedAt.
type PolicyModel struct {
	OrgID       string              `gorm:"primaryKey;size:64"`
	ID          string              `gorm:"primaryKey;size:128"`
	Effect      string              `gorm:"size:16;not null"`
	Actions     []string            `gorm:"serializer:json;not null"`
	Resources   []string            `gorm:"serializer:json;not null"`
	Condition   *abac.ConditionSpec `gorm:"serializer:json"`
	Priority    int                 `gorm:"not null"`
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	DeletedAt   gorm.DeletedAt `gorm:"index"`
}

// TableName returns the table name.
func (PolicyModel) TableName() string { return "authz_policies" }

func policyFromModel(m *PolicyModel) abac.Policy {
	return abac.Policy{
		ID:          m.ID,
		OrgID:       m.OrgID,
		Effect:      abac.Effect(m.Effect),
		Actions:     m.Actions,
		Resources:   m.Resources,
		Condition:   m.Condition,
		Priority:    m.Priority,
		Description: m.Description,
	}
}

func policyToModel(p *abac.Policy) *PolicyModel {
	c := p.Clone()
	return &PolicyModel{
		OrgID:       c.OrgID,
		ID:          c.ID,
		Effect:      string(c.Effect),
		Actions:     c.Actions,
		Resources:   c.Resources,
		Condition:   c.Condition,
		Priority:    c.Priority,
		Description: c.Description,
	}
}

// RoleModel maps to the "authz_roles" table.
type RoleModel struct {
	OrgID      string          `gorm:"primaryKey;size:64"`
	Key        string          `gorm:"column:role_key;primaryKey;size:128"`
	Tier       int             `gorm:"not null"`
	Statements rbac.Statements `gorm:"serializer:json;not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
	DeletedAt  gorm.DeletedAt `gorm:"index"`
}

// TableName returns the table name.
func (RoleModel) TableName() string { return "authz_roles" }

func roleFromModel(m *RoleModel) rbac.RoleDefinition {
	return rbac.RoleDefinition{
		Key:        m.Key,
		OrgID:      m.OrgID,
		Tier:       m.Tier,
		Statements: m.Statements.Clone(),
	}
}
