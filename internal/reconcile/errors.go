package reconcile

import (
	"errors"
	"fmt"

	"github.com/roach88/homebase/internal/ir"
)

// MutationError reports a local mutation or resolution that cannot be
// applied to the current state of a record.
//
// Mutation errors include:
//   - Not found: update or delete of a record the store does not hold
//   - Already exists: insert of a key that is already live
//   - Conflicted: mutation of a record awaiting conflict resolution
//   - Not conflicted: resolution of a record that has no conflict
type MutationError struct {
	// Code identifies the error category.
	Code MutationErrorCode

	// Message is a human-readable description.
	Message string

	Kind ir.Kind
	Key  string
}

// MutationErrorCode categorizes mutation errors.
type MutationErrorCode string

const (
	ErrCodeNotFound      MutationErrorCode = "NOT_FOUND"
	ErrCodeAlreadyExists MutationErrorCode = "ALREADY_EXISTS"
	ErrCodeConflicted    MutationErrorCode = "CONFLICTED"
	ErrCodeNotConflicted MutationErrorCode = "NOT_CONFLICTED"
)

// Error implements the error interface.
func (e *MutationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s: %s (%s/%s)", e.Code, e.Message, e.Kind, e.Key)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Kind)
}

func newMutationError(code MutationErrorCode, kind ir.Kind, key, format string, args ...any) *MutationError {
	return &MutationError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Kind:    kind,
		Key:     key,
	}
}

func hasCode(err error, code MutationErrorCode) bool {
	var me *MutationError
	if errors.As(err, &me) {
		return me.Code == code
	}
	return false
}

// IsNotFound returns true if err is a MutationError for a missing record.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsAlreadyExists returns true if err is a MutationError for a duplicate insert.
func IsAlreadyExists(err error) bool {
	return hasCode(err, ErrCodeAlreadyExists)
}

// IsConflicted returns true if err is a MutationError for a record awaiting
// conflict resolution.
func IsConflicted(err error) bool {
	return hasCode(err, ErrCodeConflicted)
}

// IsNotConflicted returns true if err reports a resolution of a record
// without a conflict.
func IsNotConflicted(err error) bool {
	return hasCode(err, ErrCodeNotConflicted)
}
