package tenant

import (
	"errors"
	"fmt"

	"github.com/vyrodovalexey/tenantgate/internal/audit"
)

var (
	// ErrScopeViolation indicates a cross-tenant or unscoped access attempt.
	ErrScopeViolation = errors.New("tenant scope violation")

	// ErrEntityNotFound indicates the record does not exist for the caller.
	// Records owned by other tenants are reported the same way.
	ErrEntityNotFound = errors.New("entity not found")
)

// Violation reasons.
const (
	ReasonMissingContext          = "missing authorization context"
	ReasonMissingOrgFilter        = "missing orgId filter"
	ReasonForeignOrgFilter        = "orgId filter does not match caller"
	ReasonForeignOrgPayload       = "payload orgId does not match caller"
	ReasonOrgChange               = "update changes orgId"
	ReasonClassificationDowngrade = "classification below entity default"
	ReasonInvalidClassification   = "invalid classification"
	ReasonColumnCase              = "column differs from a guarded column only in case"
	ReasonNilRecord               = "nil record in payload"
)

// ScopeViolationError is returned when an operation would cross tenant
// boundaries. It is always fatal for the operation.
type ScopeViolationError struct {
	Model    string
	Kind     Kind
	OrgID    string
	UserID   string
	Reason   string
	Severity audit.Severity
}

// Error returns the error message.
func (e *ScopeViolationError) Error() string {
	return fmt.Sprintf("tenant scope violation on %s.%s: %s", e.Model, e.Kind, e.Reason)
}

// Is matches ErrScopeViolation.
func (e *ScopeViolationError) Is(target error) bool {
	return target == ErrScopeViolation
}

// NotFoundError is returned when a single-record operation matched
// nothing within the caller's tenant.
type NotFoundError struct {
	Model string
}

// Error returns the error message.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: entity not found", e.Model)
}

// Is matches ErrEntityNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrEntityNotFound
}

// IsScopeViolation checks if an error is a tenant scope violation.
func IsScopeViolation(err error) bool {
	return errors.Is(err, ErrScopeViolation)
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntityNotFound)
}
