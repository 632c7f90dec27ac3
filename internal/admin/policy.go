package admin

import (
	"context"

	"github.com/vyrodovalexey/tenantgate/internal/audit"
	"github.com/vyrodovalexey/tenantgate/internal/authz"
	"github.com/vyrodovalexey/tenantgate/internal/authz/abac"
	"github.com/vyrodovalexey/tenantgate/internal/tenant"
)

// PolicyRepository persists tenant policies. *storage.PolicyRepository
// satisfies it.
type PolicyRepository interface {
	Get(ctx context.Context, orgID, id string) (abac.Policy, error)
	List(ctx context.Context, orgID string) ([]abac.Policy, error)
	Create(ctx context.Context, p abac.Policy) error
	Update(ctx context.Context, p abac.Policy) error
	Disable(ctx context.Context, orgID, id string) error
}

// PolicyService administers the ABAC policies of the caller's tenant.
// Every call is itself an authz.policy action decided by the authorizer.
type PolicyService struct {
	service
	repo  PolicyRepository
	store *abac.Store
}

// NewPolicyService creates a policy service. store is reloaded after
// every change.
func NewPolicyService(
	authorizer authz.Authorizer,
	repo PolicyRepository,
	store *abac.Store,
	opts ...Option,
) *PolicyService {
	return &PolicyService{
		service: newService(ResourcePolicy, authorizer, opts),
		repo:    repo,
		store:   store,
	}
}

// Get returns a policy of the caller's tenant.
func (s *PolicyService) Get(ctx context.Context, id string) (abac.Policy, error) {
	ctx, span, actx, err := s.start(ctx, ActionRead, id)
	defer span.End()
	if err != nil {
		return abac.Policy{}, err
	}

	p, err := s.repo.Get(ctx, actx.OrgID(), id)
	if err != nil {
		return abac.Policy{}, fail(span, s.storageError("id", err))
	}
	return p, nil
}

// List returns the policies of the caller's tenant, highest priority
// first. Bootstrap policies are not included.
func (s *PolicyService) List(ctx context.Context) ([]abac.Policy, error) {
	ctx, span, actx, err := s.start(ctx, ActionRead, "")
	defer span.End()
	if err != nil {
		return nil, err
	}

	ps, err := s.repo.List(ctx, actx.OrgID())
	if err != nil {
		return nil, fail(span, err)
	}
	return ps, nil
}

// Create validates and stores a new policy for the caller's tenant.
func (s *PolicyService) Create(ctx context.Context, p abac.Policy) (abac.Policy, error) {
	ctx, span, actx, err := s.start(ctx, ActionCreate, p.ID)
	defer span.End()
	if err != nil {
		return abac.Policy{}, err
	}

	p, err = s.prepare(ctx, actx, tenant.KindCreate, p)
	if err != nil {
		return abac.Policy{}, fail(span, err)
	}
	if err := s.repo.Create(ctx, p); err != nil {
		return abac.Policy{}, fail(span, s.storageError("id", err))
	}

	s.changed(ctx, actx, audit.EventTypePolicyChanged, ActionCreate, p.ID, s.store.Load(ctx))
	return p, nil
}

// Update replaces an enabled policy of the caller's tenant.
func (s *PolicyService) Update(ctx context.Context, p abac.Policy) (abac.Policy, error) {
	ctx, span, actx, err := s.start(ctx, ActionUpdate, p.ID)
	defer span.End()
	if err != nil {
		return abac.Policy{}, err
	}

	p, err = s.prepare(ctx, actx, tenant.KindUpdate, p)
	if err != nil {
		return abac.Policy{}, fail(span, err)
	}
	if err := s.repo.Update(ctx, p); err != nil {
		return abac.Policy{}, fail(span, s.storageError("id", err))
	}

	s.changed(ctx, actx, audit.EventTypePolicyChanged, ActionUpdate, p.ID, s.store.Load(ctx))
	return p, nil
}

// Disable soft-deletes a policy of the caller's tenant. Policies are
// never hard deleted.
func (s *PolicyService) Disable(ctx context.Context, id string) error {
	ctx, span, actx, err := s.start(ctx, ActionDisable, id)
	defer span.End()
	if err != nil {
		return err
	}

	if err := s.repo.Disable(ctx, actx.OrgID(), id); err != nil {
		return fail(span, s.storageError("id", err))
	}

	s.changed(ctx, actx, audit.EventTypePolicyChanged, ActionDisable, id, s.store.Load(ctx))
	return nil
}

// prepare scopes p to the caller's tenant and compiles it the way a
// reload would, so invalid policies never reach storage.
func (s *PolicyService) prepare(
	ctx context.Context,
	actx *authz.AuthorizationContext,
	kind tenant.Kind,
	p abac.Policy,
) (abac.Policy, error) {
	if err := s.checkOrg(ctx, actx, kind, p.OrgID, p.ID); err != nil {
		return abac.Policy{}, err
	}
	p = p.Clone()
	p.OrgID = actx.OrgID()
	if err := s.store.Compile(p); err != nil {
		return abac.Policy{}, authz.NewValidationError("policy", "rejected", err)
	}
	return p, nil
}
