package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an agent is not found
	ErrNotFound = errors.New("agent not found")

	// ErrAlreadyExists is returned when an instance uid is already registered
	ErrAlreadyExists = errors.New("agent already registered")

	// ErrConcurrentModification is returned when optimistic locking fails
	// after all retries
	ErrConcurrentModification = errors.New("concurrent modification detected")
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
