// Package remote defines the capability through which the sync core talks
// to the remote store, plus an in-memory implementation.
//
// The remote store is an opaque collaborator: it holds wire records per
// kind, assigns versions on commit, refuses writes whose base version is
// stale, and streams change events.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/query"
)

// Store is the remote store capability.
//
// Rows passed to Upsert and Delete are wire-encoded and carry the base
// version of the write in the kind's version field; the remote refuses a
// row whose base does not match its current version and reports the
// current row as a Conflict.
type Store interface {
	// Fetch returns the rows of kind matching pred (nil matches all).
	Fetch(ctx context.Context, kind ir.Kind, pred query.Predicate) ([]ir.WireRecord, error)

	// Upsert inserts or updates rows and returns the committed rows with
	// their remote-assigned versions.
	Upsert(ctx context.Context, kind ir.Kind, rows []ir.WireRecord) (Result, error)

	// Delete removes the rows identified by primary key.
	Delete(ctx context.Context, kind ir.Kind, rows []ir.WireRecord) (Result, error)

	// Subscribe streams change events of kind until ctx is done. The
	// channel is closed when the subscription ends.
	Subscribe(ctx context.Context, kind ir.Kind) (<-chan ir.ChangeEvent, error)
}

// Result is the outcome of a write. Rows are either committed or
// conflicted; a row never appears in both.
type Result struct {
	Committed []ir.WireRecord
	Conflicts []Conflict
}

// Conflict is a row the remote refused because it changed since the
// write's base version.
type Conflict struct {
	Key string
	// Current is the remote row, or nil if the remote no longer has it.
	Current ir.WireRecord
}

// Error classifies a remote failure.
type Error struct {
	Err       error
	transient bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.transient {
		return fmt.Sprintf("transient remote error: %v", e.Err)
	}
	return fmt.Sprintf("permanent remote error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable (network failures, timeouts, 5xx).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Err: err, transient: true}
}

// Permanent marks err as not retryable (rejected requests, expired session).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Err: err}
}

// IsTransient reports whether err should be retried. Unclassified errors
// are transient; cancellation is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.transient
	}
	return !errors.Is(err, context.Canceled)
}

// IsPermanent reports whether err was classified as permanent.
func IsPermanent(err error) bool {
	var re *Error
	return errors.As(err, &re) && !re.transient
}
