package authz

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/tenantgate/internal/audit"
	"github.com/vyrodovalexey/tenantgate/internal/authz/abac"
	"github.com/vyrodovalexey/tenantgate/internal/observability"
)

// authzTracer is the OTEL tracer used for authorization operations.
var authzTracer = otel.Tracer("tenantgate/authz")

// Decision represents an authorization decision.
type Decision struct {
	// Allowed indicates if the request is allowed.
	Allowed bool

	// Layer is the layer that decided: rbac, abac or evaluation error.
	Layer string

	// Policy is the ABAC policy that decided, if any.
	Policy string

	// Reason is the evaluator's explanation.
	Reason string

	// Cached indicates if the ABAC decision was from cache.
	Cached bool
}

// Request is one action on one resource.
type Request struct {
	// Action is the action being performed, e.g. "approve".
	Action string

	// Resource is the resource type, e.g. "hr.leave.request".
	Resource string

	// ResourceID is the targeted record, if any.
	ResourceID string

	// Attributes are resource attributes. ownerId drives ownership
	// conditions.
	Attributes map[string]interface{}
}

// Authorizer handles authorization.
type Authorizer interface {
	// Authorize decides req for actx. A nil actx is taken from ctx. Denials
	// return both the decision and an *AuthorizationError.
	Authorize(ctx context.Context, actx *AuthorizationContext, req Request) (*Decision, error)

	// Close closes the authorizer.
	Close() error
}

// authorizer runs the RBAC pre-filter followed by the ABAC evaluator.
type authorizer struct {
	evaluator *abac.Evaluator
	cache     DecisionCache
	audit     audit.Emitter
	logger    observability.Logger
	metrics   *Metrics
}

// AuthorizerOption is a functional option for the authorizer.
type AuthorizerOption func(*authorizer)

// WithAuthorizerLogger sets the logger.
func WithAuthorizerLogger(logger observability.Logger) AuthorizerOption {
	return func(a *authorizer) {
		a.logger = logger
	}
}

// WithAuthorizerMetrics sets the metrics.
func WithAuthorizerMetrics(metrics *Metrics) AuthorizerOption {
	return func(a *authorizer) {
		a.metrics = metrics
	}
}

// WithDecisionCache sets the decision cache.
func WithDecisionCache(cache DecisionCache) AuthorizerOption {
	return func(a *authorizer) {
		a.cache = cache
	}
}

// WithAuditEmitter sets the audit emitter.
func WithAuditEmitter(emitter audit.Emitter) AuthorizerOption {
	return func(a *authorizer) {
		a.audit = emitter
	}
}

// New creates a new authorizer.
func New(evaluator *abac.Evaluator, opts ...AuthorizerOption) (Authorizer, error) {
	if evaluator == nil {
		return nil, errors.New("evaluator is required")
	}

	a := &authorizer{
		evaluator: evaluator,
		cache:     NewNoopDecisionCache(),
		audit:     audit.NewNoopEmitter(),
		logger:    observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(a)
	}

	return a, nil
}

// Authorize authorizes a request.
func (a *authorizer) Authorize(ctx context.Context, actx *AuthorizationContext, req Request) (*Decision, error) {
	start := time.Now()

	if actx == nil {
		var ok bool
		if actx, ok = FromContext(ctx); !ok {
			return nil, ErrNoContext
		}
	}

	ctx, span := authzTracer.Start(ctx, "authz.Authorize",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("authz.org_id", actx.OrgID()),
			attribute.String("authz.role", actx.RoleKey()),
			attribute.String("authz.resource", req.Resource),
			attribute.String("authz.action", req.Action),
		),
	)
	defer span.End()

	if !actx.HasPermission(req.Resource, req.Action) {
		decision := &Decision{Layer: ReasonRBAC, Reason: "role lacks permission"}
		return decision, a.deny(ctx, span, actx, req, decision, nil, start)
	}

	decision, err := a.evaluate(ctx, actx, req)
	if err != nil {
		decision = &Decision{Layer: ReasonError, Reason: "evaluation failed"}
		return decision, a.deny(ctx, span, actx, req, decision, err, start)
	}
	if !decision.Allowed {
		return decision, a.deny(ctx, span, actx, req, decision, nil, start)
	}

	span.SetAttributes(
		attribute.Bool("authz.allowed", true),
		attribute.Bool("authz.cached", decision.Cached),
		attribute.String("authz.policy", decision.Policy),
	)
	a.metrics.RecordDecision("allowed", decision.Layer, time.Since(start))
	a.record(ctx, actx, req, decision, audit.OutcomeSuccess, audit.SeverityInfo)

	a.logger.WithContext(ctx).Debug("authorization decision",
		observability.String("user_id", actx.UserID()),
		observability.String("resource", req.Resource),
		observability.String("action", req.Action),
		observability.Bool("allowed", true),
		observability.String("policy", decision.Policy),
	)

	return decision, nil
}

// evaluate runs ABAC, consulting the decision cache first.
func (a *authorizer) evaluate(ctx context.Context, actx *AuthorizationContext, req Request) (*Decision, error) {
	key := &CacheKey{
		Version:    a.evaluator.SnapshotVersion(),
		OrgID:      actx.OrgID(),
		UserID:     actx.UserID(),
		Roles:      actx.roles,
		Action:     req.Action,
		Resource:   req.Resource,
		ResourceID: req.ResourceID,
		Attributes: req.Attributes,
	}
	if cached, ok := a.cache.Get(ctx, key); ok {
		return &Decision{
			Allowed: cached.Allowed,
			Layer:   ReasonABAC,
			Policy:  cached.Policy,
			Reason:  cached.Reason,
			Cached:  true,
		}, nil
	}

	result, err := a.evaluator.Evaluate(ctx, &abac.Request{
		OrgID:      actx.OrgID(),
		UserID:     actx.UserID(),
		Roles:      actx.roles,
		Action:     req.Action,
		Resource:   req.Resource,
		ResourceID: req.ResourceID,
		Attributes: req.Attributes,
	})
	if err != nil {
		return nil, err
	}

	a.cache.Set(ctx, key, &CachedDecision{
		Allowed: result.Allowed,
		Policy:  result.MatchedPolicyID,
		Reason:  result.Reason,
	})

	return &Decision{
		Allowed: result.Allowed,
		Layer:   ReasonABAC,
		Policy:  result.MatchedPolicyID,
		Reason:  result.Reason,
	}, nil
}

// deny finishes a denied request and returns the error handed to the
// caller.
func (a *authorizer) deny(
	ctx context.Context,
	span trace.Span,
	actx *AuthorizationContext,
	req Request,
	decision *Decision,
	cause error,
	start time.Time,
) error {
	result, outcome := "denied", audit.OutcomeDenied
	if cause != nil {
		result, outcome = "error", audit.OutcomeFailure
		span.RecordError(cause)
		span.SetStatus(codes.Error, "authorization evaluation failed")
	}

	span.SetAttributes(
		attribute.Bool("authz.allowed", false),
		attribute.String("authz.layer", decision.Layer),
		attribute.String("authz.policy", decision.Policy),
	)
	a.metrics.RecordDecision(result, decision.Layer, time.Since(start))
	a.record(ctx, actx, req, decision, outcome, audit.SeverityMedium)

	fields := []observability.Field{
		observability.String("user_id", actx.UserID()),
		observability.String("role", actx.RoleKey()),
		observability.String("resource", req.Resource),
		observability.String("action", req.Action),
		observability.String("layer", decision.Layer),
		observability.String("policy", decision.Policy),
	}
	if cause != nil {
		fields = append(fields, observability.Error(cause))
	}
	a.logger.WithContext(ctx).Warn("authorization denied", fields...)

	err := NewAccessDeniedError(actx, req.Resource, req.Action, decision.Layer, decision.Policy)
	if cause != nil {
		err.Err = cause
	}
	return err
}

func (a *authorizer) record(
	ctx context.Context,
	actx *AuthorizationContext,
	req Request,
	decision *Decision,
	outcome audit.Outcome,
	severity audit.Severity,
) {
	event := audit.NewEvent(audit.EventTypeDecision, req.Action, req.Resource, outcome).
		WithSubject(actx.OrgID(), actx.UserID()).
		WithResourceID(req.ResourceID).
		WithSeverity(severity).
		WithCompliance(actx.Residency(), actx.Classification()).
		WithCorrelation(actx.CorrelationID(), actx.AuditSource(), actx.AuditBatchID()).
		WithPayload("layer", decision.Layer).
		WithPayload("role", actx.RoleKey())
	if decision.Policy != "" {
		event.WithPayload("policy", decision.Policy)
	}
	if decision.Cached {
		event.WithPayload("cached", true)
	}
	a.audit.Record(ctx, event)
}

// Close closes the authorizer.
func (a *authorizer) Close() error {
	return a.cache.Close()
}

// Ensure authorizer implements Authorizer.
var _ Authorizer = (*authorizer)(nil)
