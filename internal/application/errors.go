package application

import (
	"errors"
	"fmt"
)

// Error taxonomy of the credential service. Callers match with errors.Is.
var (
	ErrValidation        = errors.New("invalid input")
	ErrSlotConflict      = errors.New("slot occupied")
	ErrNoFreeSlots       = errors.New("no free slots")
	ErrNotFound          = errors.New("credential not found")
	ErrLockWrite         = errors.New("lock write failed")
	ErrInconsistentState = errors.New("lock and table inconsistent")
)

// ValidationError describes a rejected request field. It matches ErrValidation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is(err, ErrValidation) succeed.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
