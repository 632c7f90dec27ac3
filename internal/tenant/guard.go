package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/tenantgate/internal/audit"
	"github.com/vyrodovalexey/tenantgate/internal/authz"
	"github.com/vyrodovalexey/tenantgate/internal/compliance"
	"github.com/vyrodovalexey/tenantgate/internal/observability"
)

var guardTracer = otel.Tracer("tenantgate/tenant")

// Guard intercepts persistence operations and enforces tenant isolation.
// For strict entities it requires the caller's orgId on every filter,
// injects or checks it on every payload, and stamps compliance defaults,
// all before the wrapped Port is called. It holds no per-call state.
type Guard struct {
	entities *EntityRegistry
	audit    audit.Emitter
	logger   observability.Logger
	metrics  *Metrics
}

// GuardOption is a functional option for the guard.
type GuardOption func(*Guard)

// WithGuardLogger sets the logger.
func WithGuardLogger(logger observability.Logger) GuardOption {
	return func(g *Guard) {
		g.logger = logger
	}
}

// WithGuardMetrics sets the metrics.
func WithGuardMetrics(metrics *Metrics) GuardOption {
	return func(g *Guard) {
		g.metrics = metrics
	}
}

// WithGuardAudit sets the audit emitter.
func WithGuardAudit(emitter audit.Emitter) GuardOption {
	return func(g *Guard) {
		g.audit = emitter
	}
}

// NewGuard creates a guard over the registered entities.
func NewGuard(entities *EntityRegistry, opts ...GuardOption) *Guard {
	g := &Guard{
		entities: entities,
		audit:    audit.NewNoopEmitter(),
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.metrics.Init(entities.Models())
	return g
}

// Wrap returns next guarded by g.
func (g *Guard) Wrap(next Port) Port {
	return PortFunc(func(ctx context.Context, op *Operation) (*Result, error) {
		return g.execute(ctx, next, op)
	})
}

// Middleware returns the guard as a Middleware.
func (g *Guard) Middleware() Middleware {
	return g.Wrap
}

func (g *Guard) execute(ctx context.Context, next Port, op *Operation) (*Result, error) {
	if op == nil || !op.Kind.Valid() {
		return nil, errors.New("invalid persistence operation")
	}

	entity, err := g.entities.Lookup(op.Model)
	if err != nil {
		return nil, err
	}
	if entity.Scope == ScopeNone {
		return next.Execute(ctx, op)
	}

	ctx, span := guardTracer.Start(ctx, "tenant.Guard",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("tenant.model", op.Model),
			attribute.String("tenant.kind", string(op.Kind)),
		),
	)
	defer span.End()

	actx, ok := authz.FromContext(ctx)
	if !ok {
		return nil, g.violation(ctx, span, nil, op, ReasonMissingContext, audit.SeverityCritical)
	}
	span.SetAttributes(attribute.String("tenant.org_id", actx.OrgID()))

	defaults := defaultsFor(entity, actx)

	if reason, severity := check(actx.OrgID(), defaults.classification, op); reason != "" {
		return nil, g.violation(ctx, span, actx, op, reason, severity)
	}
	g.stamp(actx.OrgID(), defaults, op)

	res, err := next.Execute(ctx, op)
	if err != nil {
		g.metrics.RecordOperation(op.Model, op.Kind, "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence operation failed")
		return nil, err
	}
	if op.Kind.single() && res.empty() {
		g.metrics.RecordOperation(op.Model, op.Kind, "not_found")
		return nil, &NotFoundError{Model: op.Model}
	}

	g.metrics.RecordOperation(op.Model, op.Kind, "success")
	if op.Kind.IsMutation() {
		g.recordMutation(ctx, actx, defaults, op, res)
	}
	return res, nil
}

// stampDefaults are the values stamped on rows that carry none.
type stampDefaults struct {
	classification compliance.Classification
	residency      compliance.Residency
	auditSource    string
}

// defaultsFor resolves the entity defaults. Classification and residency
// fall back to the tenant profile values of actx, which the context
// builder takes from the tenant registry and never from the caller.
func defaultsFor(entity EntityConfig, actx *authz.AuthorizationContext) stampDefaults {
	d := stampDefaults{
		classification: entity.Classification,
		residency:      entity.Residency,
		auditSource:    entity.AuditSource,
	}
	if !d.classification.IsSet() {
		d.classification = actx.Classification()
	}
	if d.residency == "" {
		d.residency = actx.Residency()
	}
	return d
}

// guardedColumns are the columns the guard reads. Drivers such as SQLite
// resolve identifiers case-insensitively, so a key spelled "ORG_ID" would
// reach the same column without passing the checks below.
var guardedColumns = []string{FieldOrgID, FieldClassification, FieldResidency, FieldAuditSource}

// checkColumnCase reports a key that names a guarded column in a
// different case.
func checkColumnCase(records ...Record) (string, audit.Severity) {
	for _, r := range records {
		for key := range r {
			for _, col := range guardedColumns {
				if key != col && strings.EqualFold(key, col) {
					return ReasonColumnCase, audit.SeverityCritical
				}
			}
		}
	}
	return "", ""
}

// check validates op without modifying it and returns the first
// violation found.
func check(orgID string, floor compliance.Classification, op *Operation) (string, audit.Severity) {
	records := append([]Record{op.Args.Where, op.Args.Create, op.Args.Update}, op.Args.Data...)
	if reason, sev := checkColumnCase(records...); reason != "" {
		return reason, sev
	}

	switch op.Kind {
	case KindCreate, KindCreateMany:
		for _, row := range op.Args.Data {
			if row == nil {
				return ReasonNilRecord, audit.SeverityHigh
			}
			if reason, sev := checkPayload(orgID, floor, row); reason != "" {
				return reason, sev
			}
		}
	case KindUpsert:
		if reason, sev := checkFilter(orgID, op.Args.Where); reason != "" {
			return reason, sev
		}
		if reason, sev := checkPayload(orgID, floor, op.Args.Create); reason != "" {
			return reason, sev
		}
		return checkUpdate(orgID, floor, op.Args.Update)
	case KindUpdate, KindUpdateMany:
		if reason, sev := checkFilter(orgID, op.Args.Where); reason != "" {
			return reason, sev
		}
		return checkUpdate(orgID, floor, op.Args.Update)
	case KindDelete, KindFind, KindFindMany:
		return checkFilter(orgID, op.Args.Where)
	}
	return "", ""
}

func checkFilter(orgID string, where Record) (string, audit.Severity) {
	v, ok := where[FieldOrgID]
	if !ok || v == nil {
		return ReasonMissingOrgFilter, audit.SeverityHigh
	}
	if s, ok := v.(string); !ok || s != orgID {
		return ReasonForeignOrgFilter, audit.SeverityCritical
	}
	return "", ""
}

func checkPayload(orgID string, floor compliance.Classification, row Record) (string, audit.Severity) {
	if v, ok := row[FieldOrgID]; ok && v != nil {
		if s, ok := v.(string); !ok || s != orgID {
			return ReasonForeignOrgPayload, audit.SeverityCritical
		}
	}
	return checkClassification(floor, row)
}

func checkUpdate(orgID string, floor compliance.Classification, row Record) (string, audit.Severity) {
	if v, ok := row[FieldOrgID]; ok {
		if s, ok := v.(string); !ok || s != orgID {
			return ReasonOrgChange, audit.SeverityCritical
		}
	}
	return checkClassification(floor, row)
}

func checkClassification(floor compliance.Classification, row Record) (string, audit.Severity) {
	c, set, err := classificationOf(row[FieldClassification])
	if err != nil {
		return ReasonInvalidClassification, audit.SeverityHigh
	}
	if set && c < floor {
		return ReasonClassificationDowngrade, audit.SeverityHigh
	}
	return "", ""
}

// classificationOf reads a classification column value.
func classificationOf(v interface{}) (compliance.Classification, bool, error) {
	switch x := v.(type) {
	case nil:
		return compliance.Unclassified, false, nil
	case compliance.Classification:
		return x, x.IsSet(), nil
	case string:
		if x == "" {
			return compliance.Unclassified, false, nil
		}
		c, err := compliance.ParseClassification(x)
		return c, err == nil, err
	default:
		return compliance.Unclassified, false, fmt.Errorf("unsupported classification value %T", v)
	}
}

// stamp injects orgId and compliance defaults into create payloads. It
// runs only after check accepted the whole operation.
func (g *Guard) stamp(orgID string, d stampDefaults, op *Operation) {
	var rows []Record
	switch op.Kind {
	case KindCreate, KindCreateMany:
		rows = op.Args.Data
	case KindUpsert:
		if op.Args.Create == nil {
			op.Args.Create = Record{}
		}
		rows = []Record{op.Args.Create}
	default:
		return
	}

	for _, row := range rows {
		if v, ok := row[FieldOrgID]; !ok || v == nil {
			row[FieldOrgID] = orgID
			g.metrics.RecordStamp(FieldOrgID)
		}
		if _, set, _ := classificationOf(row[FieldClassification]); !set && d.classification.IsSet() {
			row[FieldClassification] = d.classification.String()
			g.metrics.RecordStamp(FieldClassification)
		}
		if isUnset(row[FieldResidency]) && d.residency != "" {
			row[FieldResidency] = string(d.residency)
			g.metrics.RecordStamp(FieldResidency)
		}
		if isUnset(row[FieldAuditSource]) && d.auditSource != "" {
			row[FieldAuditSource] = d.auditSource
			g.metrics.RecordStamp(FieldAuditSource)
		}
	}
}

func isUnset(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case compliance.Residency:
		return x == ""
	}
	return false
}

func (g *Guard) violation(
	ctx context.Context,
	span trace.Span,
	actx *authz.AuthorizationContext,
	op *Operation,
	reason string,
	severity audit.Severity,
) error {
	verr := &ScopeViolationError{
		Model:    op.Model,
		Kind:     op.Kind,
		Reason:   reason,
		Severity: severity,
	}
	if actx != nil {
		verr.OrgID = actx.OrgID()
		verr.UserID = actx.UserID()
	}

	span.RecordError(verr)
	span.SetStatus(codes.Error, "tenant scope violation")
	g.metrics.RecordViolation(op.Model, reason)
	g.metrics.RecordOperation(op.Model, op.Kind, "violation")

	g.logger.WithContext(ctx).Error("tenant scope violation",
		observability.String("model", op.Model),
		observability.String("kind", string(op.Kind)),
		observability.String("org_id", verr.OrgID),
		observability.String("user_id", verr.UserID),
		observability.String("reason", reason),
		observability.String("severity", string(severity)),
	)

	event := audit.NewEvent(audit.EventTypeViolation, string(op.Kind), op.Model, audit.OutcomeDenied).
		WithSeverity(severity).
		WithPayload("reason", reason)
	if actx != nil {
		event.WithSubject(actx.OrgID(), actx.UserID()).
			WithCompliance(actx.Residency(), actx.Classification()).
			WithCorrelation(actx.CorrelationID(), actx.AuditSource(), actx.AuditBatchID())
	}
	g.audit.Record(ctx, event)

	return verr
}

func (g *Guard) recordMutation(
	ctx context.Context,
	actx *authz.AuthorizationContext,
	d stampDefaults,
	op *Operation,
	res *Result,
) {
	event := audit.NewEvent(audit.EventTypeMutation, string(op.Kind), op.Model, audit.OutcomeSuccess).
		WithSubject(actx.OrgID(), actx.UserID()).
		WithResourceID(resourceID(op)).
		WithCompliance(d.residency, d.classification).
		WithCorrelation(actx.CorrelationID(), actx.AuditSource(), actx.AuditBatchID()).
		WithPayload("affected", res.Affected)
	if n := len(op.Args.Data); n > 0 {
		event.WithPayload("rows", n)
	}
	g.audit.Record(ctx, event)
}

// resourceID returns the id of a single-record operation, if known.
func resourceID(op *Operation) string {
	var row Record
	switch op.Kind {
	case KindCreate:
		if len(op.Args.Data) == 1 {
			row = op.Args.Data[0]
		}
	case KindUpsert, KindUpdate, KindDelete:
		row = op.Args.Where
	}
	if v, ok := row[FieldID]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}
