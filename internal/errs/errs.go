// Package errs holds the error taxonomy shared by the dispatch components.
//
// Every error type unwraps to one of four sentinels so callers can branch
// with errors.Is without knowing the concrete type:
//   - ErrValidation: input rejected before any state mutation
//   - ErrNotFound: a snapshot or record does not exist
//   - ErrConflict: the target moved on (an offer that is no longer open)
//   - ErrExternalService: a collaborator (routing, payment, notification) failed
package errs

import (
	"errors"
	"fmt"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrExternalService = errors.New("external service failed")
)

type ValidationError struct {
	Param  string
	Reason string
	Cause  error
}

func NewValidationError(param, reason string) *ValidationError {
	return &ValidationError{Param: param, Reason: reason}
}

func NewValidationErrorWithCause(param, reason string, cause error) *ValidationError {
	return &ValidationError{Param: param, Reason: reason, Cause: cause}
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", ErrValidation, e.Param, e.Reason)
	if e.Cause != nil {
		msg += fmt.Sprintf(" (cause: %v)", e.Cause)
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type NotFoundError struct {
	Kind string
	ID   string
}

func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Kind, e.ID, ErrNotFound)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

type ConflictError struct {
	Kind   string
	ID     string
	Reason string
}

func NewConflictError(kind, id, reason string) *ConflictError {
	return &ConflictError{Kind: kind, ID: id, Reason: reason}
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: %s: %s", e.Kind, e.ID, ErrConflict, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

type ExternalServiceError struct {
	Service string
	Cause   error
}

func NewExternalServiceError(service string, cause error) *ExternalServiceError {
	return &ExternalServiceError{Service: service, Cause: cause}
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %s (cause: %v)", ErrExternalService, e.Service, e.Cause)
}

// Unwrap exposes both the sentinel and the collaborator's own error.
func (e *ExternalServiceError) Unwrap() []error { return []error{ErrExternalService, e.Cause} }
