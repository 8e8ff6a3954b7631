// Package shared contains the error taxonomy and value objects used by every
// domain package: phone numbers, language tags and identifiers.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrValueOutOfRange = errors.New("value out of range")
	ErrInvalidFormat   = errors.New("invalid format")

	// State errors
	ErrInvalidState    = errors.New("invalid state")
	ErrStateTransition = errors.New("invalid state transition")
	ErrExpired         = errors.New("expired")

	// Concurrency errors
	ErrConflict = errors.New("concurrent modification detected")

	// External service errors
	ErrExternalService    = errors.New("external service error")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
	ErrRateLimited        = errors.New("rate limited")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g. "progress", "catalog", "session"
	Op      string // operation that failed, e.g. "Upsert"
	Kind    error  // base error for errors.Is()
	Message string
	Err     error // underlying cause, optional
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is matches the kind, the cause, or another DomainError with the same
// domain, op and kind (so wrapped sentinels still match).
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	var t *DomainError
	if errors.As(target, &t) {
		return t.Domain == e.Domain && t.Op == e.Op && t.Kind == e.Kind && t.Message == e.Message
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{Domain: domain, Op: op, Kind: kind, Message: message, Err: err}
}

// With returns a copy of a sentinel DomainError carrying err as its cause.
func (e *DomainError) With(err error) *DomainError {
	c := *e
	c.Err = err
	return &c
}

// Student domain errors
var (
	ErrStudentNotFound      = NewDomainError("student", "Find", ErrNotFound, "student not found")
	ErrStudentAlreadyExists = NewDomainError("student", "Create", ErrAlreadyExists, "student already exists")
	ErrInvalidPhone         = NewDomainError("student", "Validate", ErrInvalidFormat, "invalid phone number")
	ErrInvalidLanguage      = NewDomainError("student", "Validate", ErrInvalidFormat, "invalid language tag")
	ErrStudentAnonymized    = NewDomainError("student", "Update", ErrInvalidState, "student has been anonymized")
)

// Catalog domain errors
var (
	ErrUnitNotFound    = NewDomainError("catalog", "GetUnit", ErrNotFound, "content unit not found")
	ErrSubjectNotFound = NewDomainError("catalog", "GetUnits", ErrNotFound, "subject not found")
	ErrPromptNotFound  = NewDomainError("catalog", "Prompt", ErrNotFound, "system prompt not found")
	ErrInvalidCatalog  = NewDomainError("catalog", "Validate", ErrValidation, "invalid catalog")
)

// Progress domain errors
var (
	ErrProgressNotFound = NewDomainError("progress", "Get", ErrNotFound, "progress record not found")
	ErrProgressConflict = NewDomainError("progress", "Upsert", ErrConflict, "progress record was modified concurrently")
	ErrScoreRegression  = NewDomainError("progress", "Upsert", ErrInvalidInput, "score cannot decrease without a reset")
	ErrInvalidProgress  = NewDomainError("progress", "Validate", ErrValidation, "invalid progress record")
)

// Session domain errors
var (
	ErrSessionNotFound   = NewDomainError("session", "Find", ErrNotFound, "call session not found")
	ErrSessionClosed     = NewDomainError("session", "Handle", ErrInvalidState, "call session is closed")
	ErrInvalidEvent      = NewDomainError("session", "Handle", ErrInvalidInput, "invalid call event")
	ErrCheckpointMissing = NewDomainError("session", "Resume", ErrNotFound, "call session checkpoint not found")
)

// Notification domain errors
var (
	ErrTemplateNotFound   = NewDomainError("notification", "Render", ErrNotFound, "message template not found")
	ErrTemplateParams     = NewDomainError("notification", "Render", ErrInvalidInput, "missing template parameter")
	ErrSMSLogNotFound     = NewDomainError("notification", "FindLog", ErrNotFound, "sms log not found")
	ErrGatewayUnavailable = NewDomainError("notification", "Send", ErrServiceUnavailable, "sms gateway is unavailable")
	ErrGatewayRejected    = NewDomainError("notification", "Send", ErrExternalService, "sms gateway rejected the message")
	ErrQueueFull          = NewDomainError("notification", "Enqueue", ErrRateLimited, "notification queue is full")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if the error is an "already exists" error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsConflict checks for optimistic concurrency failures.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrInvalidFormat) ||
		errors.Is(err, ErrValueOutOfRange)
}

// IsExternalService checks if the error is from an external service.
func IsExternalService(err error) bool {
	return errors.Is(err, ErrExternalService) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited)
}

// IsRetryable checks if the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrConflict)
}
