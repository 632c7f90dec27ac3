package abac

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/tenantgate/internal/authz/pattern"
	"github.com/vyrodovalexey/tenantgate/internal/observability"
)

var abacTracer = otel.Tracer("tenantgate/abac")

// Request is the input of one policy evaluation.
type Request struct {
	OrgID      string
	UserID     string
	Roles      []string
	Action     string
	Resource   string
	ResourceID string

	// Attributes are resource attributes; ownerId drives ownership
	// conditions.
	Attributes map[string]interface{}
}

// Decision reasons.
const (
	ReasonMatched       = "matched policy"
	ReasonDenyOverrides = "deny overrides allow at equal priority"
	ReasonNoMatch       = "no matching policy"
)

// Decision is the result of an evaluation.
type Decision struct {
	Allowed         bool
	MatchedPolicyID string
	Effect          Effect
	Reason          string
}

// ErrNoSnapshot is returned when the store has never been loaded.
var ErrNoSnapshot = errors.New("policy snapshot not loaded")

// Evaluator decides requests against the current store snapshot.
type Evaluator struct {
	store   *Store
	logger  observability.Logger
	metrics *Metrics
}

// EvaluatorOption is a functional option for the evaluator.
type EvaluatorOption func(*Evaluator)

// WithEvaluatorLogger sets the logger.
func WithEvaluatorLogger(logger observability.Logger) EvaluatorOption {
	return func(e *Evaluator) {
		e.logger = logger
	}
}

// WithEvaluatorMetrics sets the metrics.
func WithEvaluatorMetrics(metrics *Metrics) EvaluatorOption {
	return func(e *Evaluator) {
		e.metrics = metrics
	}
}

// NewEvaluator creates an evaluator over store.
func NewEvaluator(store *Store, opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{store: store, logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type match struct {
	policy      *compiledPolicy
	resourceFit int
	actionFit   int
}

func (m match) moreSpecific(o match) bool {
	if m.resourceFit != o.resourceFit {
		return m.resourceFit > o.resourceFit
	}
	return m.actionFit > o.actionFit
}

// Evaluate returns the decision for req. Identical snapshots and requests
// always produce identical decisions.
//
// Matching policies are grouped by priority. Only the highest priority
// group decides: any Deny in it wins, otherwise Allow. Within the winning
// effect the most specific policy is reported, ties broken by id. No
// match denies.
func (e *Evaluator) Evaluate(ctx context.Context, req *Request) (*Decision, error) {
	start := time.Now()

	if req == nil {
		return nil, errors.New("nil evaluation request")
	}

	_, span := abacTracer.Start(ctx, "abac.Evaluate",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("authz.org_id", req.OrgID),
			attribute.String("authz.resource", req.Resource),
			attribute.String("authz.action", req.Action),
		),
	)
	defer span.End()

	snap := e.store.Snapshot()
	if snap == nil {
		return nil, ErrNoSnapshot
	}

	in := newInput(req)

	var (
		tier     = 0
		allows   []match
		denies   []match
		resolved bool
	)

	for _, p := range snap.candidates(req.OrgID) {
		if resolved && p.Priority < tier {
			break
		}

		rFit := pattern.BestSpecificity(p.Resources, req.Resource, pattern.MatchResource)
		if rFit < 0 {
			continue
		}
		aFit := pattern.BestSpecificity(p.Actions, req.Action, pattern.MatchAction)
		if aFit < 0 {
			continue
		}

		ok, err := evaluate(p.cond, in)
		if err != nil {
			// Failing conditions never widen access.
			ok = p.Effect == EffectDeny
			e.logger.Warn("policy condition evaluation failed",
				observability.String("policy", p.ID),
				observability.Bool("treated_as_match", ok),
				observability.Error(err),
			)
		}
		if !ok {
			continue
		}

		resolved = true
		tier = p.Priority
		m := match{policy: p, resourceFit: rFit, actionFit: aFit}
		if p.Effect == EffectDeny {
			denies = append(denies, m)
		} else {
			allows = append(allows, m)
		}
	}

	decision := &Decision{Effect: EffectDeny, Reason: ReasonNoMatch}
	switch {
	case len(denies) > 0:
		decision.MatchedPolicyID = mostSpecific(denies).policy.ID
		decision.Reason = ReasonMatched
		if len(allows) > 0 {
			decision.Reason = ReasonDenyOverrides
		}
	case len(allows) > 0:
		decision.Allowed = true
		decision.Effect = EffectAllow
		decision.MatchedPolicyID = mostSpecific(allows).policy.ID
		decision.Reason = ReasonMatched
	}

	span.SetAttributes(
		attribute.Bool("authz.allowed", decision.Allowed),
		attribute.String("authz.policy", decision.MatchedPolicyID),
	)
	e.metrics.RecordEvaluation(decision.Allowed, time.Since(start))
	e.logger.Debug("ABAC decision",
		observability.String("org_id", req.OrgID),
		observability.String("resource", req.Resource),
		observability.String("action", req.Action),
		observability.Bool("allowed", decision.Allowed),
		observability.String("policy", decision.MatchedPolicyID),
	)

	return decision, nil
}

// mostSpecific picks the most specific match. ms is already ordered by id
// within a priority, so the first of equally specific matches wins.
func mostSpecific(ms []match) match {
	best := ms[0]
	for _, m := range ms[1:] {
		if m.moreSpecific(best) {
			best = m
		}
	}
	return best
}

// SnapshotVersion returns the version of the snapshot Evaluate reads, or
// 0 before the first load.
func (e *Evaluator) SnapshotVersion() uint64 {
	if snap := e.store.Snapshot(); snap != nil {
		return snap.Version()
	}
	return 0
}
