package ir

import (
	"errors"
	"fmt"
)

// ErrUnknownKind is matched by UnknownKindError via errors.Is.
var ErrUnknownKind = errors.New("unknown entity kind")

// ValidationError reports a record that could not be represented canonically.
//
// Validation errors are values, never crashes: the offending record is
// skipped and reported while the rest of its batch continues.
type ValidationError struct {
	// Kind is the entity kind being decoded.
	Kind Kind

	// Key is the primary key when it could be read from the record.
	Key string

	// Field is the first field that failed.
	Field string

	// Reason is a human-readable description.
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("VALIDATION: %s/%s field %q: %s", e.Kind, e.Key, e.Field, e.Reason)
	}
	return fmt.Sprintf("VALIDATION: %s field %q: %s", e.Kind, e.Field, e.Reason)
}

// UnknownKindError is returned when a kind is used before it is registered.
// This is a configuration error and is fatal at startup.
type UnknownKindError struct {
	Kind Kind
}

// Error implements the error interface.
func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("UNKNOWN_KIND: %q is not registered", e.Kind)
}

// Is makes errors.Is(err, ErrUnknownKind) match.
func (e *UnknownKindError) Is(target error) bool {
	return target == ErrUnknownKind
}

// SyncFailure reports an outbox entry that could not be delivered after
// bounded retries. The entry stays queued for manual or policy retry.
type SyncFailure struct {
	Kind     Kind
	Key      string
	EntryID  string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *SyncFailure) Error() string {
	return fmt.Sprintf("SYNC_FAILURE: %s/%s after %d attempt(s): %v", e.Kind, e.Key, e.Attempts, e.Err)
}

// Unwrap returns the last delivery error.
func (e *SyncFailure) Unwrap() error {
	return e.Err
}

// IsValidationError returns true if err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsSyncFailure returns true if err is or wraps a SyncFailure.
func IsSyncFailure(err error) bool {
	var sf *SyncFailure
	return errors.As(err, &sf)
}

// NewValidationError creates a ValidationError for one field.
func NewValidationError(kind Kind, key, field, format string, args ...any) *ValidationError {
	return &ValidationError{
		Kind:   kind,
		Key:    key,
		Field:  field,
		Reason: fmt.Sprintf(format, args...),
	}
}
