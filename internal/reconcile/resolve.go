package reconcile

import (
	"context"
	"fmt"

	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/schema"
	"github.com/roach88/homebase/internal/store"
)

// Decision is the outcome of resolving one conflict.
type Decision string

const (
	// TakeRemote adopts the remote record and drops pending local writes.
	TakeRemote Decision = "take_remote"
	// KeepLocal re-bases pending local writes on the remote version.
	KeepLocal Decision = "keep_local"
	// Merge writes Resolution.Fields as a new local update.
	Merge Decision = "merge"
)

// Conflict is the input of a Resolver.
type Conflict struct {
	Kind ir.Kind
	Key  string

	Local        ir.Fields
	LocalDeleted bool
	BaseVersion  ir.Version

	Remote        ir.Fields // nil when RemoteDeleted
	RemoteVersion ir.Version
	RemoteDeleted bool
}

// Resolution is a Resolver's decision. Fields is used by Merge only.
type Resolution struct {
	Decision Decision
	Fields   ir.Fields
}

// Resolver decides conflicts for one kind.
type Resolver interface {
	Resolve(c Conflict) Resolution
}

// ResolverFunc adapts a function to a Resolver.
type ResolverFunc func(c Conflict) Resolution

// Resolve calls f(c).
func (f ResolverFunc) Resolve(c Conflict) Resolution {
	return f(c)
}

// LastWriterWins gives the remote store precedence over an
// unacknowledged local write: the remote version was committed later than
// the base the local write was built on.
var LastWriterWins Resolver = ResolverFunc(func(Conflict) Resolution {
	return Resolution{Decision: TakeRemote}
})

func (e *Engine) resolverFor(kind ir.Kind) Resolver {
	if r, ok := e.resolvers[kind]; ok {
		return r
	}
	return LastWriterWins
}

// Resolve settles the conflict on (kind, key) with the kind's resolver and
// returns the resulting entry. A removed record returns ok=false.
func (e *Engine) Resolve(ctx context.Context, kind ir.Kind, key string) (entry ir.Entry, ok bool, err error) {
	s, err := e.codec.Registry().Get(kind)
	if err != nil {
		return ir.Entry{}, false, err
	}

	var decision Decision
	err = e.store.Batch(ctx, func(tx *store.Tx) error {
		local, found, err := tx.Get(ctx, kind, key)
		if err != nil {
			return err
		}
		if !found || local.State != ir.StateConflicted {
			return newMutationError(ErrCodeNotConflicted, kind, key, "record has no conflict")
		}

		res := e.resolverFor(kind).Resolve(conflictOf(local))
		decision = res.Decision
		entry, ok, err = e.applyResolution(ctx, tx, s, local, res)
		return err
	})
	if err != nil {
		return ir.Entry{}, false, err
	}

	e.log.Info("conflict resolved",
		"kind", kind,
		"key", key,
		"decision", decision,
	)
	return entry, ok, nil
}

// ResolveAll resolves every conflicted record and returns how many were
// resolved. Resolution stops at the first error.
func (e *Engine) ResolveAll(ctx context.Context) (int, error) {
	conflicted, err := e.store.Conflicted(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, c := range conflicted {
		if _, _, err := e.Resolve(ctx, c.Kind, c.Key); err != nil {
			if IsNotConflicted(err) {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

func (e *Engine) applyResolution(ctx context.Context, tx *store.Tx, s *schema.Schema, local ir.Entry, res Resolution) (ir.Entry, bool, error) {
	remote := *local.Conflict

	switch res.Decision {
	case TakeRemote:
		if _, err := tx.RemoveOutboxFor(ctx, local.Kind, local.Key); err != nil {
			return ir.Entry{}, false, err
		}
		if remote.Deleted {
			return ir.Entry{}, false, tx.Delete(ctx, local.Kind, local.Key)
		}
		entry := cleanEntry(local.Kind, local.Key, remote.Fields, remote.Version)
		return entry, true, tx.Put(ctx, entry)

	case KeepLocal:
		if local.Deleted && remote.Deleted {
			if _, err := tx.RemoveOutboxFor(ctx, local.Kind, local.Key); err != nil {
				return ir.Entry{}, false, err
			}
			return ir.Entry{}, false, tx.Delete(ctx, local.Kind, local.Key)
		}
		entry := rebased(local, remote)
		if err := tx.RebaseOutbox(ctx, local.Kind, local.Key, entry.BaseVersion); err != nil {
			return ir.Entry{}, false, err
		}
		return entry, true, tx.Put(ctx, entry)

	case Merge:
		fields, err := e.codec.Canonicalize(local.Kind, res.Fields)
		if err != nil {
			return ir.Entry{}, false, err
		}
		if s.KeyOf(fields) != local.Key {
			return ir.Entry{}, false, ir.NewValidationError(local.Kind, local.Key, s.PrimaryKey, "merge must keep the primary key")
		}

		entry := rebased(local, remote)
		entry.Fields = fields
		entry.Deleted = false
		entry.Seq = e.clock.Next()
		if err := tx.RebaseOutbox(ctx, local.Kind, local.Key, entry.BaseVersion); err != nil {
			return ir.Entry{}, false, err
		}
		entry, err = e.accept(ctx, tx, entry, ir.MutationUpdate, fields)
		return entry, err == nil, err

	default:
		return ir.Entry{}, false, fmt.Errorf("resolve %s/%s: unknown decision %q", local.Kind, local.Key, res.Decision)
	}
}

// rebased returns local as a pending write on top of the remote side of
// its conflict. A remote delete leaves nothing to base on.
func rebased(local ir.Entry, remote ir.ConflictSnapshot) ir.Entry {
	local.State = ir.StatePendingWrite
	local.Conflict = nil
	if remote.Deleted {
		local.Version, local.BaseVersion = 0, 0
	} else {
		local.Version, local.BaseVersion = remote.Version, remote.Version
	}
	return local
}

func conflictOf(local ir.Entry) Conflict {
	return Conflict{
		Kind:          local.Kind,
		Key:           local.Key,
		Local:         local.Fields.Clone(),
		LocalDeleted:  local.Deleted,
		BaseVersion:   local.BaseVersion,
		Remote:        local.Conflict.Fields.Clone(),
		RemoteVersion: local.Conflict.Version,
		RemoteDeleted: local.Conflict.Deleted,
	}
}
