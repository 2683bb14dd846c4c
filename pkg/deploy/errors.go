package deploy

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a deployment or document is not found
	ErrNotFound = errors.New("deployment not found")
)

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// PreconditionError is returned when a deployment operation is valid in
// form but cannot proceed from the current state.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("deployment precondition failed: %s", e.Reason)
}

// NewPreconditionError creates a new precondition error
func NewPreconditionError(reason string) error {
	return &PreconditionError{Reason: reason}
}
