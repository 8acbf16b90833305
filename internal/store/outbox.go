package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/homebase/internal/ir"
)

// Enqueue appends an outbox entry and returns it with its durable ID.
func (t *Tx) Enqueue(ctx context.Context, o ir.OutboxEntry) (ir.OutboxEntry, error) {
	if !ir.ValidMutations[o.Mutation] {
		return ir.OutboxEntry{}, fmt.Errorf("enqueue %s/%s: invalid mutation %q", o.Kind, o.Key, o.Mutation)
	}
	if o.EntryID == "" {
		return ir.OutboxEntry{}, fmt.Errorf("enqueue %s/%s: entry id is required", o.Kind, o.Key)
	}
	payload, err := marshalFields(o.Payload)
	if err != nil {
		return ir.OutboxEntry{}, fmt.Errorf("enqueue %s/%s: %w", o.Kind, o.Key, err)
	}

	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO outbox
		(entry_id, kind, key, mutation, payload, base_version, attempts, last_error, failed, seq)
		VALUES (?, ?, ?, ?, ?, ?, 0, '', 0, ?)
	`,
		o.EntryID, string(o.Kind), o.Key, string(o.Mutation), payload, int64(o.BaseVersion), o.Seq,
	)
	if err != nil {
		return ir.OutboxEntry{}, fmt.Errorf("enqueue %s/%s: %w", o.Kind, o.Key, err)
	}

	o.ID, err = result.LastInsertId()
	if err != nil {
		return ir.OutboxEntry{}, fmt.Errorf("enqueue %s/%s: last insert id: %w", o.Kind, o.Key, err)
	}
	o.Attempts, o.LastError, o.Failed = 0, "", false
	return o, nil
}

// RemoveOutbox deletes one entry by ID. Returns false if it was already gone.
func (t *Tx) RemoveOutbox(ctx context.Context, id int64) (bool, error) {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("remove outbox %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove outbox %d: %w", id, err)
	}
	return n > 0, nil
}

// RemoveOutboxFor deletes every entry for (kind, key) and returns how many.
func (t *Tx) RemoveOutboxFor(ctx context.Context, kind ir.Kind, key string) (int, error) {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM outbox WHERE kind = ? AND key = ?`, string(kind), key)
	if err != nil {
		return 0, fmt.Errorf("remove outbox %s/%s: %w", kind, key, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("remove outbox %s/%s: %w", kind, key, err)
	}
	return int(n), nil
}

// RebaseOutbox sets the base version of every entry for (kind, key).
// Failure state is kept: only ResetFailed makes a failed entry
// deliverable again.
func (t *Tx) RebaseOutbox(ctx context.Context, kind ir.Kind, key string, base ir.Version) error {
	_, err := t.tx.ExecContext(ctx, `
		UPDATE outbox SET base_version = ?
		WHERE kind = ? AND key = ?
	`, int64(base), string(kind), key)
	if err != nil {
		return fmt.Errorf("rebase outbox %s/%s: %w", kind, key, err)
	}
	return nil
}

// OutboxFor returns the entries for (kind, key) in enqueue order.
func (t *Tx) OutboxFor(ctx context.Context, kind ir.Kind, key string) ([]ir.OutboxEntry, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox
		WHERE kind = ? AND key = ?
		ORDER BY id ASC
	`, string(kind), key)
	if err != nil {
		return nil, fmt.Errorf("outbox for %s/%s: %w", kind, key, err)
	}
	return collectOutbox(rows)
}

// PendingOutbox returns entries not marked failed, in enqueue order.
func (s *Store) PendingOutbox(ctx context.Context) ([]ir.OutboxEntry, error) {
	return s.ListOutbox(ctx, false)
}

// PendingOutboxAfter returns up to limit pending entries with ID > after,
// in enqueue order. Used to page through a large queue lazily.
func (s *Store) PendingOutboxAfter(ctx context.Context, after int64, limit int) ([]ir.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox
		WHERE failed = 0 AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("pending outbox: %w", err)
	}
	return collectOutbox(rows)
}

// ListOutbox returns queued entries in enqueue order. Failed entries are
// included only when includeFailed is set.
func (s *Store) ListOutbox(ctx context.Context, includeFailed bool) ([]ir.OutboxEntry, error) {
	q := `SELECT ` + outboxColumns + ` FROM outbox`
	if !includeFailed {
		q += ` WHERE failed = 0`
	}
	q += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	return collectOutbox(rows)
}

// OutboxEntry returns one entry by ID.
func (s *Store) OutboxEntry(ctx context.Context, id int64) (ir.OutboxEntry, bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = ?`, id)
	if err != nil {
		return ir.OutboxEntry{}, false, fmt.Errorf("outbox %d: %w", id, err)
	}
	entries, err := collectOutbox(rows)
	if err != nil || len(entries) == 0 {
		return ir.OutboxEntry{}, false, err
	}
	return entries[0], true, nil
}

// RecordAttempt increments the attempt counter of an entry and stores the
// last delivery error.
func (s *Store) RecordAttempt(ctx context.Context, id int64, lastErr string) error {
	return s.Batch(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx, `
			UPDATE outbox SET attempts = attempts + 1, last_error = ? WHERE id = ?
		`, lastErr, id)
		if err != nil {
			return fmt.Errorf("record attempt %d: %w", id, err)
		}
		return nil
	})
}

// MarkFailed counts the final attempt and flags an entry as failed. Failed
// entries stay queued but are skipped by PendingOutbox until reset.
func (s *Store) MarkFailed(ctx context.Context, id int64, lastErr string) error {
	return s.Batch(ctx, func(tx *Tx) error {
		_, err := tx.tx.ExecContext(ctx, `
			UPDATE outbox SET failed = 1, attempts = attempts + 1, last_error = ? WHERE id = ?
		`, lastErr, id)
		if err != nil {
			return fmt.Errorf("mark failed %d: %w", id, err)
		}
		return nil
	})
}

// ResetFailed clears the failed flag and attempt counter of the given
// entries, or of every failed entry when ids is empty. Returns how many
// entries were reset.
func (s *Store) ResetFailed(ctx context.Context, ids ...int64) (int, error) {
	var n int64
	err := s.Batch(ctx, func(tx *Tx) error {
		q := `UPDATE outbox SET failed = 0, attempts = 0, last_error = '' WHERE failed = 1`
		args := make([]any, 0, len(ids))
		if len(ids) > 0 {
			q += ` AND id IN (?` + strings.Repeat(", ?", len(ids)-1) + `)`
			for _, id := range ids {
				args = append(args, id)
			}
		}
		result, err := tx.tx.ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("reset failed: %w", err)
		}
		n, err = result.RowsAffected()
		return err
	})
	return int(n), err
}

// OutboxCounts returns the number of pending and failed entries per kind.
func (s *Store) OutboxCounts(ctx context.Context) (pending, failed map[ir.Kind]int, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, failed, COUNT(*) FROM outbox GROUP BY kind, failed
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("outbox counts: %w", err)
	}
	defer rows.Close()

	pending, failed = make(map[ir.Kind]int), make(map[ir.Kind]int)
	for rows.Next() {
		var kind string
		var isFailed bool
		var n int
		if err := rows.Scan(&kind, &isFailed, &n); err != nil {
			return nil, nil, fmt.Errorf("outbox counts: %w", err)
		}
		if isFailed {
			failed[ir.Kind(kind)] = n
		} else {
			pending[ir.Kind(kind)] = n
		}
	}
	return pending, failed, rows.Err()
}

type sqlRows interface {
	Next() bool
	Err() error
	Close() error
	Scan(dest ...any) error
}

func collectOutbox(rows sqlRows) ([]ir.OutboxEntry, error) {
	defer rows.Close()

	entries := []ir.OutboxEntry{}
	for rows.Next() {
		o, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return entries, nil
}
