package admin

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/tenantgate/internal/audit"
	"github.com/vyrodovalexey/tenantgate/internal/authz"
	"github.com/vyrodovalexey/tenantgate/internal/observability"
	"github.com/vyrodovalexey/tenantgate/internal/storage"
	"github.com/vyrodovalexey/tenantgate/internal/tenant"
)

var adminTracer = otel.Tracer("tenantgate/admin")

// Administered resource types.
const (
	ResourcePolicy = "authz.policy"
	ResourceRole   = "authz.role"
)

// Administration actions.
const (
	ActionCreate  = "create"
	ActionRead    = "read"
	ActionUpdate  = "update"
	ActionDisable = "disable"
)

// Invalidator drops cached reads of a scope. *cache.Registry satisfies it.
type Invalidator interface {
	Invalidate(ctx context.Context, orgID, scope string) (int, error)
}

// Option is a functional option for the services.
type Option func(*service)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *service) {
		s.logger = logger
	}
}

// WithAudit sets the audit emitter.
func WithAudit(emitter audit.Emitter) Option {
	return func(s *service) {
		s.audit = emitter
	}
}

// WithInvalidator sets the cache invalidator.
func WithInvalidator(inv Invalidator) Option {
	return func(s *service) {
		s.invalidator = inv
	}
}

// service holds the parts both administration services share.
type service struct {
	resource    string
	authorizer  authz.Authorizer
	invalidator Invalidator
	audit       audit.Emitter
	logger      observability.Logger
}

func newService(resource string, authorizer authz.Authorizer, opts []Option) service {
	s := service{
		resource:   resource,
		authorizer: authorizer,
		audit:      audit.NewNoopEmitter(),
		logger:     observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// start opens a span and authorizes action on id for the caller in ctx.
func (s *service) start(
	ctx context.Context,
	action, id string,
) (context.Context, trace.Span, *authz.AuthorizationContext, error) {
	ctx, span, actx, err := s.begin(ctx, action, id)
	if err != nil {
		return ctx, span, nil, err
	}
	if err := s.authorize(ctx, span, actx, action, id); err != nil {
		return ctx, span, nil, err
	}
	return ctx, span, actx, nil
}

// begin opens the span and reads the authorization context.
func (s *service) begin(
	ctx context.Context,
	name, id string,
) (context.Context, trace.Span, *authz.AuthorizationContext, error) {
	ctx, span := adminTracer.Start(ctx, "admin."+s.resource+"."+name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("admin.resource", s.resource),
			attribute.String("admin.id", id),
		),
	)
	actx, ok := authz.FromContext(ctx)
	if !ok {
		span.SetStatus(codes.Error, authz.ErrNoContext.Error())
		return ctx, span, nil, authz.ErrNoContext
	}
	span.SetAttributes(attribute.String("tenant.org_id", actx.OrgID()))
	return ctx, span, actx, nil
}

func (s *service) authorize(
	ctx context.Context,
	span trace.Span,
	actx *authz.AuthorizationContext,
	action, id string,
) error {
	span.SetAttributes(attribute.String("admin.action", action))
	if _, err := s.authorizer.Authorize(ctx, actx, authz.Request{
		Action:     action,
		Resource:   s.resource,
		ResourceID: id,
	}); err != nil {
		span.SetStatus(codes.Error, "access denied")
		return err
	}
	return nil
}

// checkOrg rejects payloads that name another tenant.
func (s *service) checkOrg(
	ctx context.Context,
	actx *authz.AuthorizationContext,
	kind tenant.Kind,
	orgID, id string,
) error {
	if orgID == "" || orgID == actx.OrgID() {
		return nil
	}
	s.logger.WithContext(ctx).Error("security: administration payload names another tenant",
		observability.String("org_id", actx.OrgID()),
		observability.String("user_id", actx.UserID()),
		observability.String("resource", s.resource),
		observability.String("id", id),
	)
	s.audit.Record(ctx, audit.NewEvent(audit.EventTypeViolation, string(kind), s.resource, audit.OutcomeDenied).
		WithSubject(actx.OrgID(), actx.UserID()).
		WithResourceID(id).
		WithSeverity(audit.SeverityCritical).
		WithCompliance(actx.Residency(), actx.Classification()).
		WithCorrelation(actx.CorrelationID(), actx.AuditSource(), actx.AuditBatchID()).
		WithPayload("reason", tenant.ReasonForeignOrgPayload))
	return &tenant.ScopeViolationError{
		Model:    s.resource,
		Kind:     kind,
		OrgID:    actx.OrgID(),
		UserID:   actx.UserID(),
		Reason:   tenant.ReasonForeignOrgPayload,
		Severity: audit.SeverityCritical,
	}
}

// storageError maps repository errors to the caller-facing errors.
func (s *service) storageError(field string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return &tenant.NotFoundError{Model: s.resource}
	case errors.Is(err, storage.ErrAlreadyExists):
		return authz.NewValidationError(field, "already exists", nil)
	default:
		return err
	}
}

// changed invalidates the resource scope and audits a successful change.
// reload has already run; its error only degrades freshness.
func (s *service) changed(
	ctx context.Context,
	actx *authz.AuthorizationContext,
	eventType audit.EventType,
	action, id string,
	reloadErr error,
) {
	log := s.logger.WithContext(ctx).With(
		observability.String("org_id", actx.OrgID()),
		observability.String("resource", s.resource),
		observability.String("id", id),
	)
	if reloadErr != nil {
		log.Warn("change persisted but reload failed, it applies on the next reload",
			observability.Error(reloadErr))
	}
	if s.invalidator != nil {
		if _, err := s.invalidator.Invalidate(ctx, actx.OrgID(), s.resource); err != nil {
			log.Warn("cache invalidation failed", observability.Error(err))
		}
	}

	s.audit.Record(ctx, audit.NewEvent(eventType, action, s.resource, audit.OutcomeSuccess).
		WithSubject(actx.OrgID(), actx.UserID()).
		WithResourceID(id).
		WithCompliance(actx.Residency(), actx.Classification()).
		WithCorrelation(actx.CorrelationID(), actx.AuditSource(), actx.AuditBatchID()))
	log.Info("authorization data changed", observability.String("action", action))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
