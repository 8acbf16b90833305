package reconcile

import (
	"context"
	"fmt"

	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/store"
)

// Acknowledge settles an outbox entry the remote store committed.
//
// The entry is removed and the committed record adopted with its
// remote-assigned version. The record becomes Clean only when no other
// outbox entries for the key remain; otherwise it stays PendingWrite with
// the acknowledged version as the base of the remaining entries. A delete
// acknowledgment removes the record.
//
// Acknowledging an entry that is no longer queued (for example superseded
// by a conflict resolution) is a no-op.
func (e *Engine) Acknowledge(ctx context.Context, o ir.OutboxEntry, committed ir.WireRecord) error {
	var fields ir.Fields
	var version ir.Version
	if o.Mutation != ir.MutationDelete {
		if committed == nil {
			return fmt.Errorf("acknowledge %s: no committed record", o.Ref())
		}
		var err error
		if fields, version, err = e.codec.Decode(o.Kind, committed); err != nil {
			return err
		}
	}

	err := e.store.Batch(ctx, func(tx *store.Tx) error {
		removed, err := tx.RemoveOutbox(ctx, o.ID)
		if err != nil {
			return err
		}
		if !removed {
			e.log.Debug("acknowledgment for settled outbox entry", "ref", o.Ref(), "outbox_id", o.ID)
			return nil
		}

		remaining, err := tx.OutboxFor(ctx, o.Kind, o.Key)
		if err != nil {
			return err
		}
		local, ok, err := tx.Get(ctx, o.Kind, o.Key)
		if err != nil {
			return err
		}

		if o.Mutation == ir.MutationDelete {
			if len(remaining) == 0 || !ok {
				return tx.Delete(ctx, o.Kind, o.Key)
			}
			// Re-inserted after the delete: the remote row is gone.
			local.Version, local.BaseVersion = 0, 0
			if err := tx.RebaseOutbox(ctx, o.Kind, o.Key, 0); err != nil {
				return err
			}
			return tx.Put(ctx, local)
		}

		if !ok {
			local = ir.Entry{Kind: o.Kind, Key: o.Key, State: ir.StatePendingWrite}
		}

		switch {
		case local.State == ir.StateConflicted && local.Conflict.Version > version:
			// The remote changed again after our write landed.
			local.Version, local.BaseVersion = version, version
		case len(remaining) == 0:
			local = cleanEntry(o.Kind, o.Key, fields, version)
		default:
			local.State = ir.StatePendingWrite
			local.Conflict = nil
			local.Version, local.BaseVersion = version, version
			if err := tx.RebaseOutbox(ctx, o.Kind, o.Key, version); err != nil {
				return err
			}
		}
		return tx.Put(ctx, local)
	})
	if err != nil {
		return fmt.Errorf("acknowledge %s: %w", o.Ref(), err)
	}

	e.log.Debug("outbox entry acknowledged",
		"ref", o.Ref(),
		"mutation", o.Mutation,
		"outbox_id", o.ID,
		"version", version,
	)
	return nil
}

// Reject records that the remote store refused an outbox entry because
// the record changed remotely. current is the remote record at the time
// of the refusal, or nil if the remote no longer has it.
//
// The record becomes Conflicted with current as the conflict snapshot.
// The outbox entry stays queued but is not delivered again until the
// conflict is resolved.
func (e *Engine) Reject(ctx context.Context, o ir.OutboxEntry, current ir.WireRecord) error {
	snapshot := &ir.ConflictSnapshot{Deleted: true}
	if current != nil {
		fields, version, err := e.codec.Decode(o.Kind, current)
		if err != nil {
			return err
		}
		snapshot = &ir.ConflictSnapshot{Fields: fields, Version: version}
	}

	err := e.store.Batch(ctx, func(tx *store.Tx) error {
		local, ok, err := tx.Get(ctx, o.Kind, o.Key)
		if err != nil || !ok {
			return err
		}
		if snapshot.Deleted {
			snapshot.Version = local.Version
		}
		local.State = ir.StateConflicted
		local.Conflict = snapshot
		if err := tx.Put(ctx, local); err != nil {
			return err
		}
		e.logConflict(local, "write rejected")
		return nil
	})
	if err != nil {
		return fmt.Errorf("reject %s: %w", o.Ref(), err)
	}
	return nil
}
