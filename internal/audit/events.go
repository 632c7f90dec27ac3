package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/tenantgate/internal/compliance"
)

// EventType represents the type of audit event.
type EventType string

// Event types.
const (
	EventTypeDecision      EventType = "authz.decision"
	EventTypeViolation     EventType = "tenant.violation"
	EventTypeMutation      EventType = "tenant.mutation"
	EventTypePolicyChanged EventType = "authz.policy.changed"
	EventTypeRoleChanged   EventType = "authz.role.changed"
	EventTypeConfigReload  EventType = "config.reload"
)

// Outcome represents the outcome of an audited action.
type Outcome string

// Outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeFailure Outcome = "failure"
)

// Severity grades security relevance.
type Severity string

// Severities.
const (
	SeverityInfo     Severity = "info"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event represents an audit event.
type Event struct {
	ID             string                    `json:"id"`
	Timestamp      time.Time                 `json:"timestamp"`
	OrgID          string                    `json:"orgId"`
	UserID         string                    `json:"userId,omitempty"`
	EventType      EventType                 `json:"eventType"`
	Action         string                    `json:"action"`
	Resource       string                    `json:"resource"`
	ResourceID     string                    `json:"resourceId,omitempty"`
	Outcome        Outcome                   `json:"outcome"`
	Severity       Severity                  `json:"severity"`
	Payload        map[string]interface{}    `json:"payload,omitempty"`
	CorrelationID  string                    `json:"correlationId,omitempty"`
	ResidencyZone  compliance.Residency      `json:"residencyZone,omitempty"`
	Classification compliance.Classification `json:"classification,omitempty"`
	AuditSource    string                    `json:"auditSource,omitempty"`
	AuditBatchID   string                    `json:"auditBatchId,omitempty"`

	TraceID string `json:"traceId,omitempty"`
}

// NewEvent creates an event with a fresh id and timestamp.
func NewEvent(eventType EventType, action, resource string, outcome Outcome) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Action:    action,
		Resource:  resource,
		Outcome:   outcome,
		Severity:  SeverityInfo,
	}
}

// WithSubject sets the tenant and user the event is attributed to.
func (e *Event) WithSubject(orgID, userID string) *Event {
	e.OrgID = orgID
	e.UserID = userID
	return e
}

// WithResourceID sets the affected record id.
func (e *Event) WithResourceID(id string) *Event {
	e.ResourceID = id
	return e
}

// WithSeverity sets the severity.
func (e *Event) WithSeverity(s Severity) *Event {
	e.Severity = s
	return e
}

// WithCompliance sets residency zone and classification.
func (e *Event) WithCompliance(residency compliance.Residency, classification compliance.Classification) *Event {
	e.ResidencyZone = residency
	e.Classification = classification
	return e
}

// WithCorrelation sets correlation, source and batch identifiers.
func (e *Event) WithCorrelation(correlationID, auditSource, auditBatchID string) *Event {
	e.CorrelationID = correlationID
	e.AuditSource = auditSource
	e.AuditBatchID = auditBatchID
	return e
}

// WithPayload adds a payload entry.
func (e *Event) WithPayload(key string, value interface{}) *Event {
	if e.Payload == nil {
		e.Payload = make(map[string]interface{})
	}
	e.Payload[key] = value
	return e
}
