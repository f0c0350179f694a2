package apperrors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ekaya-inc/telemetry-mapper/pkg/logging"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("conflict")
	ErrValidation             = errors.New("validation failed")
	ErrUnsupportedEngine      = errors.New("unsupported engine")
	ErrExternalQuery          = errors.New("external query failed")
	ErrCredentialsKeyMismatch = errors.New("datasource credentials were encrypted with a different key")
)

// ValidationError reports malformed input. Never retried.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// ConflictError reports a uniqueness or referential violation.
// Callers may treat it as "already done".
type ConflictError struct {
	Resource string
	Message  string
}

func NewConflictError(resource, format string, args ...any) *ConflictError {
	return &ConflictError{Resource: resource, Message: fmt.Sprintf(format, args...)}
}

func (e *ConflictError) Error() string {
	return e.Resource + " conflict: " + e.Message
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// NotFoundError reports a reference to a missing data source or mapping.
type NotFoundError struct {
	Resource string
	ID       string
}

func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Resource + " not found"
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// UnsupportedEngineError is a capability negotiation failure, not a client error.
type UnsupportedEngineError struct {
	Engine     string
	Capability string
}

func NewUnsupportedEngineError(engine, capability string) *UnsupportedEngineError {
	return &UnsupportedEngineError{Engine: engine, Capability: capability}
}

func (e *UnsupportedEngineError) Error() string {
	if e.Capability == "" {
		return fmt.Sprintf("unsupported engine %q", e.Engine)
	}
	return fmt.Sprintf("engine %q does not support %s", e.Engine, e.Capability)
}

func (e *UnsupportedEngineError) Unwrap() error { return ErrUnsupportedEngine }

// ExternalQueryError wraps a failure reported by an external database.
// The message carries the sanitized driver message and the generated SQL,
// truncated for logs.
type ExternalQueryError struct {
	Engine string
	SQL    string
	Err    error
}

func NewExternalQueryError(engine, sql string, err error) *ExternalQueryError {
	return &ExternalQueryError{Engine: engine, SQL: sql, Err: err}
}

func (e *ExternalQueryError) Error() string {
	var b strings.Builder
	if e.Engine != "" {
		b.WriteString(e.Engine)
		b.WriteString(": ")
	}
	b.WriteString(logging.SanitizeError(e.Err))
	if e.SQL != "" {
		b.WriteString(" (sql: ")
		b.WriteString(logging.SanitizeQuery(e.SQL))
		b.WriteString(")")
	}
	return b.String()
}

// DriverMessage returns the sanitized driver message without the SQL text.
func (e *ExternalQueryError) DriverMessage() string {
	return logging.SanitizeError(e.Err)
}

func (e *ExternalQueryError) Is(target error) bool { return target == ErrExternalQuery }

func (e *ExternalQueryError) Unwrap() error { return e.Err }
