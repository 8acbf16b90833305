package remote

import (
	"context"
	"errors"

	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/query"
)

// ErrOffline is returned by every call of Offline.
var ErrOffline = errors.New("no remote store configured")

// Offline is a Store for devices without a configured remote. Every call
// fails as transient, so pulls leave cached data in place and local
// mutations stay queued until a remote is configured.
type Offline struct{}

var _ Store = Offline{}

// Fetch implements Store.
func (Offline) Fetch(context.Context, ir.Kind, query.Predicate) ([]ir.WireRecord, error) {
	return nil, Transient(ErrOffline)
}

// Upsert implements Store.
func (Offline) Upsert(context.Context, ir.Kind, []ir.WireRecord) (Result, error) {
	return Result{}, Transient(ErrOffline)
}

// Delete implements Store.
func (Offline) Delete(context.Context, ir.Kind, []ir.WireRecord) (Result, error) {
	return Result{}, Transient(ErrOffline)
}

// Subscribe implements Store.
func (Offline) Subscribe(context.Context, ir.Kind) (<-chan ir.ChangeEvent, error) {
	return nil, Transient(ErrOffline)
}
