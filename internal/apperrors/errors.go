// Package apperrors classifies failures so HTTP handlers can map them to
// status codes without inspecting error strings. Callers match with
// errors.Is against the sentinels; the constructors attach context.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInternal     = errors.New("internal error")
)

// appError carries a sentinel for classification plus the message shown
// to callers. The cause, if any, stays reachable through the chain for
// logging but is never part of the message.
type appError struct {
	kind  error
	msg   string
	cause error
}

func (e *appError) Error() string { return e.msg }

func (e *appError) Unwrap() []error {
	if e.cause != nil {
		return []error{e.kind, e.cause}
	}
	return []error{e.kind}
}

// Validation reports a malformed or missing input field.
func Validation(field, message string) error {
	return &appError{kind: ErrValidation, msg: fmt.Sprintf("%s: %s", field, message)}
}

// NotFound reports a missing resource by type and id.
func NotFound(resource, id string) error {
	return &appError{kind: ErrNotFound, msg: fmt.Sprintf("%s %s not found", resource, id)}
}

// Conflict reports an operation rejected by the resource's current state.
func Conflict(resource, reason string) error {
	return &appError{kind: ErrConflict, msg: fmt.Sprintf("%s: %s", resource, reason)}
}

// Unauthorized reports an authentication or verification failure. Keep
// the message generic; specifics belong in logs, not responses.
func Unauthorized(message string) error {
	return &appError{kind: ErrUnauthorized, msg: message}
}

// Internal wraps an unexpected failure with the operation that hit it.
func Internal(op string, cause error) error {
	return &appError{kind: ErrInternal, msg: fmt.Sprintf("%s: %v", op, cause), cause: cause}
}

// HTTPStatus maps a classified error to its HTTP status code. Anything
// unclassified is a 500.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
