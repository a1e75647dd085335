// Package shared contains the error taxonomy, domain events and value objects
// used by every domain package. It has no dependencies outside the standard
// library.
package shared

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds. Every error returned across a package boundary wraps exactly
// one of these so callers can classify it with errors.Is.
var (
	// ErrValidation marks malformed input rejected before any state change.
	ErrValidation = errors.New("validation error")
	// ErrConflict marks a duplicate idempotency key carrying a different payload.
	ErrConflict = errors.New("conflict")
	// ErrTransient marks timeouts and transport failures.
	ErrTransient = errors.New("transient failure")
	// ErrInvariantViolation marks a broken ledger invariant. Never expected.
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrNotFound marks a missing entity.
	ErrNotFound = errors.New("entity not found")
)

// Refinements. Each one wraps a kind above.
var (
	ErrInvalidID          = fmt.Errorf("invalid ID: %w", ErrValidation)
	ErrInvalidInput       = fmt.Errorf("invalid input: %w", ErrValidation)
	ErrValueOutOfRange    = fmt.Errorf("value out of range: %w", ErrValidation)
	ErrInvalidFormat      = fmt.Errorf("invalid format: %w", ErrValidation)
	ErrTimeout            = fmt.Errorf("operation timeout: %w", ErrTransient)
	ErrServiceUnavailable = fmt.Errorf("service unavailable: %w", ErrTransient)
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g. "ledger", "streak", "achievement"
	Op      string // operation that failed, e.g. "AwardXP"
	Kind    error  // one of the kinds above, for errors.Is
	Message string // human-readable message
	Err     error  // underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching against both Kind and Err.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Validation builds a ValidationError.
func Validation(domain, op, format string, args ...any) *DomainError {
	return NewDomainError(domain, op, ErrValidation, fmt.Sprintf(format, args...))
}

// Conflict builds a ConflictError.
func Conflict(domain, op, format string, args ...any) *DomainError {
	return NewDomainError(domain, op, ErrConflict, fmt.Sprintf(format, args...))
}

// Invariant builds an InvariantViolation.
func Invariant(domain, op, format string, args ...any) *DomainError {
	return NewDomainError(domain, op, ErrInvariantViolation, fmt.Sprintf(format, args...))
}

// NotFound builds a not-found error.
func NotFound(domain, op, format string, args ...any) *DomainError {
	return NewDomainError(domain, op, ErrNotFound, fmt.Sprintf(format, args...))
}

// Transient wraps err as a TransientError. Context deadline errors are
// refined to ErrTimeout.
func Transient(domain, op string, err error) *DomainError {
	kind := ErrTransient
	if errors.Is(err, context.DeadlineExceeded) {
		kind = ErrTimeout
	}
	return WrapError(domain, op, kind, "request failed", err)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsConflict checks if the error is an idempotency conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsTransient checks if the error is a timeout or transport failure.
// A bare context deadline counts as transient too.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

// IsInvariantViolation checks if the error signals a ledger bug.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable reports whether the caller may safely retry the original
// action. Only transient failures qualify.
func IsRetryable(err error) bool {
	return IsTransient(err)
}
