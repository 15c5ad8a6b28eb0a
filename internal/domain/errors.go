package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by repositories when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrStaleWrite is returned by Update when the stored transaction changed
// after the caller read it.
var ErrStaleWrite = errors.New("transaction was modified concurrently")

// ValidationError reports bad caller input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// NewValidationError creates a ValidationError for field.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// ConflictError reports an operation that collides with existing state,
// such as paying twice or charging a period that is already charged.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return "conflict: " + e.Message
}

// NewConflictError creates a ConflictError.
func NewConflictError(message string) error {
	return &ConflictError{Message: message}
}

// InvalidTransitionError reports a move the payment status machine forbids.
type InvalidTransitionError struct {
	From   PaymentStatus
	To     PaymentStatus
	Action string
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return "invalid transition: " + e.Reason
	}
	if e.To != "" {
		return fmt.Sprintf("invalid transition: cannot %s a %s transaction (to %s)", e.Action, e.From, e.To)
	}
	return fmt.Sprintf("invalid transition: cannot %s a %s transaction", e.Action, e.From)
}

// ProviderError reports a failed call to the invoice provider: network
// failures, timeouts, non-2xx answers and malformed bodies alike.
type ProviderError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsConflict reports whether err is or wraps a ConflictError.
func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// IsInvalidTransition reports whether err is or wraps an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var target *InvalidTransitionError
	return errors.As(err, &target)
}

// IsProvider reports whether err is or wraps a ProviderError.
func IsProvider(err error) bool {
	var target *ProviderError
	return errors.As(err, &target)
}
