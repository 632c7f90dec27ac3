package authz

import (
	"errors"
	"fmt"
)

// Common authorization errors.
var (
	// ErrAccessDenied indicates that access was denied.
	ErrAccessDenied = errors.New("access denied")

	// ErrValidation indicates malformed input rejected at the boundary.
	ErrValidation = errors.New("validation failed")

	// ErrNoContext indicates that no authorization context was found in
	// the context.
	ErrNoContext = errors.New("no authorization context")

	// ErrInvalidSession indicates an invalid or expired session.
	ErrInvalidSession = errors.New("invalid or expired session")
)

// Denial reasons recorded on AuthorizationError.
const (
	ReasonRBAC  = "rbac"
	ReasonABAC  = "abac"
	ReasonError = "evaluation error"
)

// AuthorizationError is returned when RBAC or ABAC denies a request. Its
// message is a generic denial; Reason and Policy are for logs and audit
// only and must not be echoed to callers.
type AuthorizationError struct {
	// Err is the underlying error.
	Err error

	// OrgID and UserID identify the denied principal.
	OrgID  string
	UserID string

	// Resource is the resource that was being accessed.
	Resource string

	// Action is the action that was being performed.
	Action string

	// Reason is the layer that denied: rbac, abac or evaluation error.
	Reason string

	// Policy is the policy that denied access, if any.
	Policy string
}

// Error returns the error message.
func (e *AuthorizationError) Error() string {
	return "access denied"
}

// Unwrap returns the underlying error.
func (e *AuthorizationError) Unwrap() error {
	if e.Err == nil {
		return ErrAccessDenied
	}
	return e.Err
}

// Is matches ErrAccessDenied regardless of the wrapped cause.
func (e *AuthorizationError) Is(target error) bool {
	return target == ErrAccessDenied
}

// NewAccessDeniedError creates an access denied error.
func NewAccessDeniedError(actx *AuthorizationContext, resource, action, reason, policy string) *AuthorizationError {
	e := &AuthorizationError{
		Err:      ErrAccessDenied,
		Resource: resource,
		Action:   action,
		Reason:   reason,
		Policy:   policy,
	}
	if actx != nil {
		e.OrgID = actx.OrgID()
		e.UserID = actx.UserID()
	}
	return e
}

// ValidationError reports malformed input.
type ValidationError struct {
	// Field is the offending input field.
	Field string

	// Message describes the problem.
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error returns the error message.
func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates a validation error.
func NewValidationError(field, message string, err error) *ValidationError {
	return &ValidationError{Field: field, Message: message, Err: err}
}

// IsAccessDenied checks if an error is an access denied error.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}

// IsValidation checks if an error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
