package reconcile

import (
	"context"
	"fmt"

	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/schema"
	"github.com/roach88/homebase/internal/store"
)

// Mutate validates and accepts one local mutation.
//
//   - insert: payload is the full record; a missing primary key is
//     generated. Missing nullable fields become null.
//   - update: payload is a patch over the current record and must carry
//     the primary key.
//   - delete: payload carries the primary key; the record becomes a
//     tombstone until the remote acknowledges the delete.
//
// The entry is written PendingWrite and its outbox entry enqueued in the
// same batch. An invalid payload returns *ir.ValidationError and nothing
// is written.
func (e *Engine) Mutate(ctx context.Context, kind ir.Kind, m ir.Mutation, payload ir.Fields) (ir.Entry, error) {
	s, err := e.codec.Registry().Get(kind)
	if err != nil {
		return ir.Entry{}, err
	}

	switch m {
	case ir.MutationInsert:
		return e.insert(ctx, s, payload)
	case ir.MutationUpdate:
		return e.update(ctx, s, payload)
	case ir.MutationDelete:
		return e.delete(ctx, s, payload)
	default:
		return ir.Entry{}, fmt.Errorf("mutate %s: unknown mutation %q", kind, m)
	}
}

func (e *Engine) insert(ctx context.Context, s *schema.Schema, payload ir.Fields) (ir.Entry, error) {
	payload = payload.Clone()
	if payload == nil {
		payload = ir.Fields{}
	}
	if s.KeyOf(payload) == "" {
		payload[s.PrimaryKey] = ir.String(e.keys.Generate())
	}
	fields, err := e.codec.Canonicalize(s.Kind, payload)
	if err != nil {
		return ir.Entry{}, err
	}
	key := s.KeyOf(fields)

	var accepted ir.Entry
	err = e.store.Batch(ctx, func(tx *store.Tx) error {
		local, ok, err := tx.Get(ctx, s.Kind, key)
		if err != nil {
			return err
		}
		if ok && !local.Deleted {
			return newMutationError(ErrCodeAlreadyExists, s.Kind, key, "record already exists")
		}

		entry := ir.Entry{
			Kind:   s.Kind,
			Key:    key,
			Fields: fields,
			State:  ir.StatePendingWrite,
			Seq:    e.clock.Next(),
		}
		if ok {
			// Re-insert over a pending delete keeps the remote base.
			entry.Version, entry.BaseVersion = local.Version, local.BaseVersion
		}
		accepted, err = e.accept(ctx, tx, entry, ir.MutationInsert, fields)
		return err
	})
	if err != nil {
		return ir.Entry{}, err
	}
	return accepted, nil
}

func (e *Engine) update(ctx context.Context, s *schema.Schema, patch ir.Fields) (ir.Entry, error) {
	key := s.KeyOf(patch)
	if key == "" {
		return ir.Entry{}, ir.NewValidationError(s.Kind, "", s.PrimaryKey, "primary key is required")
	}

	var accepted ir.Entry
	err := e.store.Batch(ctx, func(tx *store.Tx) error {
		local, err := e.liveEntry(ctx, tx, s.Kind, key)
		if err != nil {
			return err
		}

		fields, err := e.codec.Canonicalize(s.Kind, local.Fields.Merge(patch))
		if err != nil {
			return err
		}

		local.Fields = fields
		local.Seq = e.clock.Next()
		accepted, err = e.accept(ctx, tx, pending(local), ir.MutationUpdate, fields)
		return err
	})
	if err != nil {
		return ir.Entry{}, err
	}
	return accepted, nil
}

func (e *Engine) delete(ctx context.Context, s *schema.Schema, payload ir.Fields) (ir.Entry, error) {
	key := s.KeyOf(payload)
	if key == "" {
		return ir.Entry{}, ir.NewValidationError(s.Kind, "", s.PrimaryKey, "primary key is required")
	}

	var accepted ir.Entry
	err := e.store.Batch(ctx, func(tx *store.Tx) error {
		local, err := e.liveEntry(ctx, tx, s.Kind, key)
		if err != nil {
			return err
		}

		local.Deleted = true
		local.Seq = e.clock.Next()
		accepted, err = e.accept(ctx, tx, pending(local), ir.MutationDelete,
			ir.Fields{s.PrimaryKey: ir.String(key)})
		return err
	})
	if err != nil {
		return ir.Entry{}, err
	}
	return accepted, nil
}

// liveEntry returns the local entry for an update or delete.
func (e *Engine) liveEntry(ctx context.Context, tx *store.Tx, kind ir.Kind, key string) (ir.Entry, error) {
	local, ok, err := tx.Get(ctx, kind, key)
	if err != nil {
		return ir.Entry{}, err
	}
	if !ok || local.Deleted {
		return ir.Entry{}, newMutationError(ErrCodeNotFound, kind, key, "record not found")
	}
	if local.State == ir.StateConflicted {
		return ir.Entry{}, newMutationError(ErrCodeConflicted, kind, key, "record has an unresolved conflict")
	}
	return local, nil
}

// pending marks a local entry PendingWrite. A clean record's version
// becomes the base of the new write; an already pending record keeps its
// base.
func pending(local ir.Entry) ir.Entry {
	if local.State == ir.StateClean {
		local.BaseVersion = local.Version
	}
	local.State = ir.StatePendingWrite
	return local
}

// accept writes the entry and enqueues its outbox entry.
func (e *Engine) accept(ctx context.Context, tx *store.Tx, entry ir.Entry, m ir.Mutation, payload ir.Fields) (ir.Entry, error) {
	if err := tx.Put(ctx, entry); err != nil {
		return ir.Entry{}, err
	}
	o, err := tx.Enqueue(ctx, ir.OutboxEntry{
		EntryID:     e.keys.Generate(),
		Kind:        entry.Kind,
		Key:         entry.Key,
		Mutation:    m,
		Payload:     payload,
		BaseVersion: entry.BaseVersion,
		Seq:         entry.Seq,
	})
	if err != nil {
		return ir.Entry{}, err
	}

	e.log.Debug("local mutation accepted",
		"kind", entry.Kind,
		"key", entry.Key,
		"mutation", m,
		"seq", entry.Seq,
		"outbox_id", o.ID,
	)
	entry.Hash = ir.MustRecordHash(entry.Kind, entry.Key, entry.Fields)
	return entry, nil
}
