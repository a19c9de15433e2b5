package experience

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every recallguard component.
var (
	// ErrNotFound is returned when an experience id is absent from the store.
	ErrNotFound = errors.New("experience not found")

	// ErrDuplicateID is returned when an explicit id collides with a live or purged record.
	ErrDuplicateID = errors.New("duplicate experience id")

	// ErrInvalidTransition is returned for illegal trust-state changes,
	// such as reviewing a quarantined record.
	ErrInvalidTransition = errors.New("invalid trust transition")

	// ErrIndexUnavailable is returned when vector search is requested but no
	// embedding index has been built. Retrieval degrades to lexical-only.
	ErrIndexUnavailable = errors.New("embedding index unavailable")

	// ErrValidation is returned for out-of-range or malformed input.
	ErrValidation = errors.New("validation failed")
)

// ValidationError names the field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
