package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine errors so the API layer can handle them
// programmatically instead of parsing strings.
type ErrorKind string

const (
	KindValidation      ErrorKind = "validation"
	KindDataUnavailable ErrorKind = "data_unavailable"
	KindInfeasible      ErrorKind = "infeasible"
	KindCompliance      ErrorKind = "compliance_violation"
	KindSolverTimeout   ErrorKind = "solver_timeout"
)

// Error is a structured engine error: kind + human message + the entity it
// refers to (account id, ticker, lot id) when one exists.
type Error struct {
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	EntityID string    `json:"entity_id,omitempty"`
	wrapped  error
}

func (e *Error) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("%s: %s (entity=%s)", e.Kind, e.Message, e.EntityID)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.wrapped
}

// Is matches errors by kind, so callers can use errors.Is with a bare-kind
// sentinel created by NewError(kind, "", "").
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// NewError creates a structured error.
func NewError(kind ErrorKind, message, entityID string) *Error {
	return &Error{Kind: kind, Message: message, EntityID: entityID}
}

// WrapError creates a structured error wrapping an underlying cause.
func WrapError(kind ErrorKind, message, entityID string, err error) *Error {
	return &Error{Kind: kind, Message: message, EntityID: entityID, wrapped: err}
}

// Validationf builds a validation error with a formatted message.
func Validationf(entityID, format string, args ...interface{}) *Error {
	return NewError(KindValidation, fmt.Sprintf(format, args...), entityID)
}

// DataUnavailablef builds a data-unavailable error with a formatted message.
func DataUnavailablef(entityID, format string, args ...interface{}) *Error {
	return NewError(KindDataUnavailable, fmt.Sprintf(format, args...), entityID)
}

// IsKind reports whether err is (or wraps) a structured error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
