package storage

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/vyrodovalexey/tenantgate/internal/authz/rbac"
)

// RoleRepository persists tenant role definitions. It is the rbac.Source
// of the role resolver.
type RoleRepository struct {
	db *gorm.DB
}

var _ rbac.Source = (*RoleRepository)(nil)

// NewRoleRepository creates a RoleRepository.
func NewRoleRepository(db *DB) *RoleRepository {
	return &RoleRepository{db: db.gorm}
}

// LoadRoles returns every enabled tenant role.
func (r *RoleRepository) LoadRoles(ctx context.Context) ([]rbac.RoleDefinition, error) {
	var models []RoleModel
	if err := r.db.WithContext(ctx).Order("org_id, role_key").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("loading roles: %w", err)
	}
	out := make([]rbac.RoleDefinition, 0, len(models))
	for i := range models {
		out = append(out, roleFromModel(&models[i]))
	}
	return out, nil
}

// Get returns an enabled role of orgID.
func (r *RoleRepository) Get(ctx context.Context, orgID, key string) (rbac.RoleDefinition, error) {
	var m RoleModel
	err := r.db.WithContext(ctx).Scopes(TenantScope(orgID)).Where("role_key = ?", key).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return rbac.RoleDefinition{}, ErrNotFound
	}
	if err != nil {
		return rbac.RoleDefinition{}, fmt.Errorf("loading role %q: %w", key, err)
	}
	return roleFromModel(&m), nil
}

// List returns the enabled roles of orgID.
func (r *RoleRepository) List(ctx context.Context, orgID string) ([]rbac.RoleDefinition, error) {
	var models []RoleModel
	if err := r.db.WithContext(ctx).Scopes(TenantScope(orgID)).Order("role_key").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing roles: %w", err)
	}
	out := make([]rbac.RoleDefinition, 0, len(models))
	for i := range models {
		out = append(out, roleFromModel(&models[i]))
	}
	return out, nil
}

// Save creates or replaces a role. Saving a disabled role enables it
// again.
func (r *RoleRepository) Save(ctx context.Context, def rbac.RoleDefinition) error {
	m := &RoleModel{
		OrgID:      def.OrgID,
		Key:        def.Key,
		Tier:       def.Tier,
		Statements: def.Statements.Clone(),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "org_id"}, {Name: "role_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"tier", "statements", "updated_at", "deleted_at"}),
	}).Create(m).Error
	if err != nil {
		return fmt.Errorf("saving role %q: %w", def.Key, err)
	}
	return nil
}

// Disable soft-deletes an enabled role.
func (r *RoleRepository) Disable(ctx context.Context, orgID, key string) error {
	res := r.db.WithContext(ctx).Scopes(TenantScope(orgID)).Where("role_key = ?", key).Delete(&RoleModel{})
	if res.Error != nil {
		return fmt.Errorf("disabling role %q: %w", key, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
