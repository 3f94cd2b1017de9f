package errors

import (
	"errors"
	"fmt"
)

var (
	// Task message errors
	ErrTaskNotFound           = errors.New("task message not found")
	ErrDuplicateTask          = errors.New("task message already exists")
	ErrInvalidStateTransition = errors.New("invalid status transition")

	// Store errors
	ErrPersistence = errors.New("persistence failure")

	// Transport errors
	ErrTransport              = errors.New("transport delivery failed")
	ErrUnknownTransport       = errors.New("unknown transport type")
	ErrTransportNotConfigured = errors.New("transport client not configured")
	ErrCircuitOpen            = errors.New("transport circuit open")
	// ErrRejected marks a delivery the destination answered but refused.
	// Retrying the same message to the same destination will not help.
	ErrRejected = errors.New("message rejected by destination")

	// Lock errors
	ErrLockNotHeld = errors.New("lock not held")

	// Validation errors
	ErrValidation   = errors.New("validation failed")
	ErrInvalidInput = errors.New("invalid input")
)

// ValidationError reports a malformed inbound command. It matches ErrValidation
// under errors.Is.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// Persistence wraps a store failure so callers can match ErrPersistence while
// keeping the driver error in the chain.
func Persistence(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

// Transport wraps a delivery failure for the given transport.
func Transport(transport string, err error) error {
	return fmt.Errorf("%s: %w: %w", transport, ErrTransport, err)
}
