package admin

import (
	"context"
	"errors"

	"github.com/vyrodovalexey/tenantgate/internal/audit"
	"github.com/vyrodovalexey/tenantgate/internal/authz"
	"github.com/vyrodovalexey/tenantgate/internal/authz/rbac"
	"github.com/vyrodovalexey/tenantgate/internal/storage"
	"github.com/vyrodovalexey/tenantgate/internal/tenant"
)

// RoleRepository persists tenant roles. *storage.RoleRepository
// satisfies it.
type RoleRepository interface {
	Get(ctx context.Context, orgID, key string) (rbac.RoleDefinition, error)
	List(ctx context.Context, orgID string) ([]rbac.RoleDefinition, error)
	Save(ctx context.Context, def rbac.RoleDefinition) error
	Disable(ctx context.Context, orgID, key string) error
}

// RoleService administers the tenant roles of the caller's tenant.
type RoleService struct {
	service
	repo     RoleRepository
	resolver *rbac.Resolver
}

// NewRoleService creates a role service. resolver is reloaded after
// every change.
func NewRoleService(
	authorizer authz.Authorizer,
	repo RoleRepository,
	resolver *rbac.Resolver,
	opts ...Option,
) *RoleService {
	return &RoleService{
		service:  newService(ResourceRole, authorizer, opts),
		repo:     repo,
		resolver: resolver,
	}
}

// Get returns a tenant role of the caller's tenant.
func (s *RoleService) Get(ctx context.Context, key string) (rbac.RoleDefinition, error) {
	ctx, span, actx, err := s.start(ctx, ActionRead, key)
	defer span.End()
	if err != nil {
		return rbac.RoleDefinition{}, err
	}

	def, err := s.repo.Get(ctx, actx.OrgID(), key)
	if err != nil {
		return rbac.RoleDefinition{}, fail(span, s.storageError("key", err))
	}
	return def, nil
}

// List returns the tenant roles of the caller's tenant.
func (s *RoleService) List(ctx context.Context) ([]rbac.RoleDefinition, error) {
	ctx, span, actx, err := s.start(ctx, ActionRead, "")
	defer span.End()
	if err != nil {
		return nil, err
	}

	defs, err := s.repo.List(ctx, actx.OrgID())
	if err != nil {
		return nil, fail(span, err)
	}
	return defs, nil
}

// Save creates or replaces a tenant role. Creating a role is a create
// action, replacing one an update action. The caller must be allowed to
// read the role before its existence is looked up.
func (s *RoleService) Save(ctx context.Context, def rbac.RoleDefinition) (rbac.RoleDefinition, error) {
	ctx, span, actx, err := s.begin(ctx, "save", def.Key)
	defer span.End()
	if err != nil {
		return rbac.RoleDefinition{}, err
	}
	if err := s.authorize(ctx, span, actx, ActionRead, def.Key); err != nil {
		return rbac.RoleDefinition{}, err
	}

	action := ActionUpdate
	_, err = s.repo.Get(ctx, actx.OrgID(), def.Key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		action = ActionCreate
	case err != nil:
		return rbac.RoleDefinition{}, fail(span, err)
	}
	if err := s.authorize(ctx, span, actx, action, def.Key); err != nil {
		return rbac.RoleDefinition{}, err
	}

	kind := tenant.KindUpdate
	if action == ActionCreate {
		kind = tenant.KindCreate
	}
	if err := s.checkOrg(ctx, actx, kind, def.OrgID, def.Key); err != nil {
		return rbac.RoleDefinition{}, fail(span, err)
	}
	def.OrgID = actx.OrgID()
	def.Statements = def.Statements.Clone()
	if err := rbac.ValidateTenantRole(&def, s.resolver.Bootstrap()); err != nil {
		return rbac.RoleDefinition{}, fail(span, authz.NewValidationError("role", "rejected", err))
	}

	if err := s.repo.Save(ctx, def); err != nil {
		return rbac.RoleDefinition{}, fail(span, err)
	}

	s.changed(ctx, actx, audit.EventTypeRoleChanged, action, def.Key, s.resolver.Load(ctx))
	return def, nil
}

// Disable soft-deletes a tenant role. Principals holding it fall back to
// the bootstrap role of the same key, if any.
func (s *RoleService) Disable(ctx context.Context, key string) error {
	ctx, span, actx, err := s.start(ctx, ActionDisable, key)
	defer span.End()
	if err != nil {
		return err
	}

	if err := s.repo.Disable(ctx, actx.OrgID(), key); err != nil {
		return fail(span, s.storageError("key", err))
	}

	s.changed(ctx, actx, audit.EventTypeRoleChanged, ActionDisable, key, s.resolver.Load(ctx))
	return nil
}
