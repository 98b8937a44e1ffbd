package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can map them onto transport
// status codes without string matching.
type ErrorKind string

const (
	ErrInvalidInput      ErrorKind = "invalid_input"
	ErrSchemaUnavailable ErrorKind = "schema_unavailable"
	ErrAmbiguousQuery    ErrorKind = "ambiguous_query"
	ErrGenerationFailed  ErrorKind = "generation_failed"
	ErrUnsafeSQL         ErrorKind = "unsafe_sql"
	ErrConnectionFailed  ErrorKind = "connection_failed"
	ErrExecutionFailed   ErrorKind = "execution_failed"
	ErrCancelled         ErrorKind = "cancelled"
	ErrNotFound          ErrorKind = "not_found"
	ErrInternal          ErrorKind = "internal_error"
)

// Error is the typed failure the engine returns. For ambiguous queries,
// Candidates carry the disambiguation suggestions and Interpretations the
// competing readings of the question.
type Error struct {
	Kind            ErrorKind        `json:"kind"`
	Message         string           `json:"message"`
	Candidates      []string         `json:"candidates,omitempty"`
	Interpretations []Interpretation `json:"interpretations,omitempty"`
	cause           error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Errorf builds a typed error. Exported for embedders layering their own
// behavior over the engine.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return newError(kind, format, args...)
}

// newError builds a typed error.
func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// wrapError attaches a cause.
func wrapError(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the kind from any error, defaulting to internal_error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrInternal
}
