package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/vyrodovalexey/tenantgate/internal/authz/abac"
)

// PolicyRepository persists tenant ABAC policies. It is the abac.Source
// of the policy store.
type PolicyRepository struct {
	db *gorm.DB
}

var _ abac.Source = (*PolicyRepository)(nil)

// NewPolicyRepository creates a PolicyRepository.
func NewPolicyRepository(db *DB) *PolicyRepository {
	return &PolicyRepository{db: db.gorm}
}

// LoadPolicies returns every enabled tenant policy.
func (r *PolicyRepository) LoadPolicies(ctx context.Context) ([]abac.Policy, error) {
	var models []PolicyModel
	if err := r.db.WithContext(ctx).Order("org_id, id").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("loading policies: %w", err)
	}
	out := make([]abac.Policy, 0, len(models))
	for i := range models {
		out = append(out, policyFromModel(&models[i]))
	}
	return out, nil
}

// Get returns an enabled policy of orgID.
func (r *PolicyRepository) Get(ctx context.Context, orgID, id string) (abac.Policy, error) {
	var m PolicyModel
	err := r.db.WithContext(ctx).Scopes(TenantScope(orgID)).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return abac.Policy{}, ErrNotFound
	}
	if err != nil {
		return abac.Policy{}, fmt.Errorf("loading policy %q: %w", id, err)
	}
	return policyFromModel(&m), nil
}

// List returns the enabled policies of orgID ordered by priority,
// highest first.
func (r *PolicyRepository) List(ctx context.Context, orgID string) ([]abac.Policy, error) {
	var models []PolicyModel
	err := r.db.WithContext(ctx).Scopes(TenantScope(orgID)).Order("priority desc, id").Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing policies: %w", err)
	}
	out := make([]abac.Policy, 0, len(models))
	for i := range models {
		out = append(out, policyFromModel(&models[i]))
	}
	return out, nil
}

// Create inserts p. Ids of disabled policies stay taken.
func (r *PolicyRepository) Create(ctx context.Context, p abac.Policy) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Unscoped().Model(&PolicyModel{}).
			Scopes(TenantScope(p.OrgID)).Where("id = ?", p.ID).
			Count(&count).Error
		if err != nil {
			return fmt.Errorf("checking policy %q: %w", p.ID, err)
		}
		if count > 0 {
			return ErrAlreadyExists
		}
		if err := tx.Create(policyToModel(&p)).Error; err != nil {
			return fmt.Errorf("creating policy %q: %w", p.ID, err)
		}
		return nil
	})
}

// Update replaces the mutable fields of an enabled policy.
func (r *PolicyRepository) Update(ctx context.Context, p abac.Policy) error {
	res := r.db.WithContext(ctx).Model(&PolicyModel{}).
		Scopes(TenantScope(p.OrgID)).Where("id = ?", p.ID).
		Select("effect", "actions", "resources", "condition", "priority", "description", "updated_at").
		Updates(policyToModel(&p))
	if res.Error != nil {
		return fmt.Errorf("updating policy %q: %w", p.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Disable soft-deletes an enabled policy.
func (r *PolicyRepository) Disable(ctx context.Context, orgID, id string) error {
	res := r.db.WithContext(ctx).Scopes(TenantScope(orgID)).Where("id = ?", id).Delete(&PolicyModel{})
	if res.Error != nil {
		return fmt.Errorf("disabling policy %q: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
