package authz

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/tenantgate/internal/authz/rbac"
	"github.com/vyrodovalexey/tenantgate/internal/compliance"
	"github.com/vyrodovalexey/tenantgate/internal/observability"
)

// Principal is the authenticated caller as resolved by the session layer.
type Principal struct {
	UserID string
	OrgID  string
	Roles  []string
}

// Session is the validity signal of the session that produced Principal.
type Session struct {
	Valid     bool
	ExpiresAt time.Time
}

// RequestMeta carries per-request metadata. Classification and Residency
// are assertions by the caller: when set they must match the tenant
// profile, they never override it.
type RequestMeta struct {
	CorrelationID  string
	AuditSource    string
	AuditBatchID   string
	Classification compliance.Classification
	Residency      compliance.Residency
}

// AuthorizationContext is the immutable per-request view of who is acting
// and under which compliance profile. It is built once by Builder and
// passed read-only through the call chain.
type AuthorizationContext struct {
	orgID          string
	userID         string
	roles          []string
	roleKey        string
	tier           int
	permissions    rbac.Statements
	residency      compliance.Residency
	classification compliance.Classification
	auditSource    string
	correlationID  string
	auditBatchID   string
}

// OrgID returns the tenant id.
func (a *AuthorizationContext) OrgID() string { return a.orgID }

// UserID returns the acting user id.
func (a *AuthorizationContext) UserID() string { return a.userID }

// Roles returns a copy of the principal's role keys.
func (a *AuthorizationContext) Roles() []string { return append([]string(nil), a.roles...) }

// RoleKey returns the highest tier role held.
func (a *AuthorizationContext) RoleKey() string { return a.roleKey }

// Tier returns the tier of RoleKey, or -1 when no known role is held.
func (a *AuthorizationContext) Tier() int { return a.tier }

// Permissions returns a copy of the merged RBAC statements.
func (a *AuthorizationContext) Permissions() rbac.Statements { return a.permissions.Clone() }

// HasPermission reports whether the RBAC statements allow action on
// resource.
func (a *AuthorizationContext) HasPermission(resource, action string) bool {
	return a.permissions.Has(resource, action)
}

// Residency returns the tenant residency zone.
func (a *AuthorizationContext) Residency() compliance.Residency { return a.residency }

// Classification returns the tenant baseline classification.
func (a *AuthorizationContext) Classification() compliance.Classification {
	return a.classification
}

// AuditSource returns the origin recorded on audit events.
func (a *AuthorizationContext) AuditSource() string { return a.auditSource }

// CorrelationID returns the request correlation id.
func (a *AuthorizationContext) CorrelationID() string { return a.correlationID }

// AuditBatchID returns the batch id grouping related mutations, if any.
func (a *AuthorizationContext) AuditBatchID() string { return a.auditBatchID }

// WithAuditBatch returns a copy of a carrying batchID.
func (a *AuthorizationContext) WithAuditBatch(batchID string) *AuthorizationContext {
	cp := *a
	cp.roles = append([]string(nil), a.roles...)
	cp.permissions = a.permissions.Clone()
	cp.auditBatchID = batchID
	return &cp
}

type contextKey struct{}

// WithContext stores actx in ctx, along with its correlation and org ids
// for logging.
func WithContext(ctx context.Context, actx *AuthorizationContext) context.Context {
	ctx = context.WithValue(ctx, contextKey{}, actx)
	if actx != nil {
		ctx = observability.ContextWithCorrelationID(ctx, actx.correlationID)
		ctx = observability.ContextWithOrgID(ctx, actx.orgID)
	}
	return ctx
}

// FromContext returns the authorization context stored in ctx.
func FromContext(ctx context.Context) (*AuthorizationContext, bool) {
	actx, ok := ctx.Value(contextKey{}).(*AuthorizationContext)
	return actx, ok && actx != nil
}

// Builder assembles AuthorizationContexts.
type Builder struct {
	profiles *compliance.Registry
	roles    *rbac.Resolver
	logger   observability.Logger
	now      func() time.Time
}

// BuilderOption is a functional option for the builder.
type BuilderOption func(*Builder)

// WithBuilderLogger sets the logger.
func WithBuilderLogger(logger observability.Logger) BuilderOption {
	return func(b *Builder) {
		b.logger = logger
	}
}

// WithClock sets the time source used for session expiry checks.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) {
		b.now = now
	}
}

// NewBuilder creates a builder resolving tenant profiles from profiles and
// roles from roles.
func NewBuilder(profiles *compliance.Registry, roles *rbac.Resolver, opts ...BuilderOption) *Builder {
	b := &Builder{
		profiles: profiles,
		roles:    roles,
		logger:   observability.NopLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build validates the session and principal and returns the request's
// authorization context. Classification and residency always come from
// the tenant profile.
func (b *Builder) Build(
	_ context.Context,
	principal Principal,
	session Session,
	meta RequestMeta,
) (*AuthorizationContext, error) {
	if !session.Valid {
		return nil, ErrInvalidSession
	}
	if !session.ExpiresAt.IsZero() && !b.now().Before(session.ExpiresAt) {
		return nil, ErrInvalidSession
	}
	if principal.OrgID == "" {
		return nil, NewValidationError("orgId", "is required", nil)
	}
	if principal.UserID == "" {
		return nil, NewValidationError("userId", "is required", nil)
	}

	profile, err := b.profiles.Lookup(principal.OrgID)
	if err != nil {
		return nil, NewValidationError("orgId", "unknown tenant", err)
	}

	if meta.Classification.IsSet() && meta.Classification != profile.Classification {
		b.logger.Warn("caller asserted a classification different from the tenant profile",
			observability.String("org_id", principal.OrgID),
			observability.String("asserted", meta.Classification.String()),
			observability.String("profile", profile.Classification.String()),
		)
		return nil, NewValidationError("classification",
			fmt.Sprintf("does not match tenant classification %s", profile.Classification), nil)
	}
	if meta.Residency != "" && meta.Residency != profile.Residency {
		b.logger.Warn("caller asserted a residency different from the tenant profile",
			observability.String("org_id", principal.OrgID),
			observability.String("asserted", string(meta.Residency)),
			observability.String("profile", string(profile.Residency)),
		)
		return nil, NewValidationError("residency",
			fmt.Sprintf("does not match tenant residency %s", profile.Residency), nil)
	}

	res := b.roles.Resolve(principal.OrgID, principal.Roles)

	correlationID := meta.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	return &AuthorizationContext{
		orgID:          principal.OrgID,
		userID:         principal.UserID,
		roles:          append([]string(nil), principal.Roles...),
		roleKey:        res.RoleKey,
		tier:           res.Tier,
		permissions:    res.Permissions,
		residency:      profile.Residency,
		classification: profile.Classification,
		auditSource:    meta.AuditSource,
		correlationID:  correlationID,
		auditBatchID:   meta.AuditBatchID,
	}, nil
}
