package models

import "fmt"

// Conflict reason codes surfaced to scanner and admin clients.
const (
	ConflictInsufficientQuantity = "insufficient_quantity"
	ConflictWrongStatus          = "wrong_status"
	ConflictExpired              = "expired"
	ConflictAlreadyRefunded      = "already_refunded"
	ConflictInvalidTransition    = "invalid_transition"
	ConflictPartialUse           = "partial_use_blocks_refund"
	ConflictDuplicateInFlight    = "duplicate_in_flight"
)

// ValidationError signals bad input shape or values. Caller's fault, no retry.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError signals a referenced entity is absent.
type NotFoundError struct {
	Entity string
	Ref    string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.Ref)
}

// NewNotFoundError builds a NotFoundError for the given entity and reference.
func NewNotFoundError(entity, ref string) *NotFoundError {
	return &NotFoundError{Entity: entity, Ref: ref}
}

// ConflictError signals an invalid state transition, insufficient remaining
// quantity, or an already-refunded entity. Reason is one of the Conflict*
// codes so clients can show the specific cause.
type ConflictError struct {
	Reason string
	Msg    string
}

func (e *ConflictError) Error() string { return e.Msg }

// NewConflictError builds a ConflictError with a reason code and a formatted
// human-readable message.
func NewConflictError(reason, format string, args ...interface{}) *ConflictError {
	return &ConflictError{Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

// AuthenticationError signals an invalid gateway signature or an unauthorized
// caller.
type AuthenticationError struct {
	Msg string
}

func (e *AuthenticationError) Error() string { return e.Msg }

// NewAuthenticationError builds an AuthenticationError with a formatted
// message.
func NewAuthenticationError(format string, args ...interface{}) *AuthenticationError {
	return &AuthenticationError{Msg: fmt.Sprintf(format, args...)}
}

// TransientError signals a storage or network hiccup that is safe to retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as retryable, tagged with the failing operation.
func NewTransientError(op string, err error) *TransientError {
	return &TransientError{Op: op, Err: err}
}

// ExternalServiceError signals a failed call to an external collaborator such
// as the payment gateway.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// NewExternalServiceError wraps err as a collaborator failure.
func NewExternalServiceError(service string, err error) *ExternalServiceError {
	return &ExternalServiceError{Service: service, Err: err}
}
