package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/query"
	"github.com/roach88/homebase/internal/querysql"
)

// queryer is implemented by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Get returns the entry for (kind, key), including local tombstones.
func (s *Store) Get(ctx context.Context, kind ir.Kind, key string) (ir.Entry, bool, error) {
	return getEntry(ctx, s.db, kind, key)
}

// Get returns the entry for (kind, key) as seen inside the batch.
func (t *Tx) Get(ctx context.Context, kind ir.Kind, key string) (ir.Entry, bool, error) {
	return getEntry(ctx, t.tx, kind, key)
}

func getEntry(ctx context.Context, q queryer, kind ir.Kind, key string) (ir.Entry, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM records
		WHERE kind = ? AND key = ?
	`, string(kind), key)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Entry{}, false, nil
	}
	if err != nil {
		return ir.Entry{}, false, fmt.Errorf("get %s/%s: %w", kind, key, err)
	}
	return e, true, nil
}

// Put writes one entry in its own batch.
func (s *Store) Put(ctx context.Context, e ir.Entry) error {
	return s.Batch(ctx, func(tx *Tx) error {
		return tx.Put(ctx, e)
	})
}

// Put inserts or replaces the entry for (e.Kind, e.Key).
// The content hash is recomputed from e.Fields.
func (t *Tx) Put(ctx context.Context, e ir.Entry) error {
	if err := checkEntry(e); err != nil {
		return fmt.Errorf("put: %w", err)
	}

	fieldsJSON, err := marshalFields(e.Fields)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", e.Kind, e.Key, err)
	}
	hash, err := ir.RecordHash(e.Kind, e.Key, e.Fields)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", e.Kind, e.Key, err)
	}
	cFields, cVersion, cDeleted, err := conflictColumns(e.Conflict)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", e.Kind, e.Key, err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO records
		(kind, key, fields, version, base_version, sync_state, deleted, seq, hash,
		 conflict_fields, conflict_version, conflict_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, key) DO UPDATE SET
			fields = excluded.fields,
			version = excluded.version,
			base_version = excluded.base_version,
			sync_state = excluded.sync_state,
			deleted = excluded.deleted,
			seq = excluded.seq,
			hash = excluded.hash,
			conflict_fields = excluded.conflict_fields,
			conflict_version = excluded.conflict_version,
			conflict_deleted = excluded.conflict_deleted
	`,
		string(e.Kind), e.Key, fieldsJSON, int64(e.Version), int64(e.BaseVersion),
		string(e.State), e.Deleted, e.Seq, hash,
		cFields, cVersion, cDeleted,
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", e.Kind, e.Key, err)
	}
	return nil
}

// checkEntry enforces the structural invariants of a stored entry.
// Field-level invariants are the codec's job before an entry gets here.
func checkEntry(e ir.Entry) error {
	switch {
	case e.Kind == "":
		return fmt.Errorf("entry kind is required")
	case e.Key == "":
		return fmt.Errorf("%s: entry key is required", e.Kind)
	case !ir.ValidSyncStates[e.State]:
		return fmt.Errorf("%s/%s: invalid sync state %q", e.Kind, e.Key, e.State)
	case (e.State == ir.StateConflicted) != (e.Conflict != nil):
		return fmt.Errorf("%s/%s: conflict snapshot must be present exactly when conflicted", e.Kind, e.Key)
	}
	return nil
}

// Delete removes (kind, key) in its own batch.
func (s *Store) Delete(ctx context.Context, kind ir.Kind, key string) error {
	return s.Batch(ctx, func(tx *Tx) error {
		return tx.Delete(ctx, kind, key)
	})
}

// Delete removes the row for (kind, key). Deleting an absent key is a no-op.
// Outbox entries are not touched; they reference records by key only.
func (t *Tx) Delete(ctx context.Context, kind ir.Kind, key string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM records WHERE kind = ? AND key = ?`, string(kind), key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", kind, key, err)
	}
	return nil
}

// QueryAll returns a snapshot of the non-deleted entries of kind that match
// pred, ordered by key. Predicates that cannot be compiled to SQL are
// evaluated in memory over the kind's rows.
func (s *Store) QueryAll(ctx context.Context, kind ir.Kind, pred query.Predicate) ([]ir.Entry, error) {
	where, params, err := querysql.Compile(pred)
	inMemory := errors.Is(err, querysql.ErrNotCompilable)
	if err != nil && !inMemory {
		return nil, fmt.Errorf("query %s: %w", kind, err)
	}
	if inMemory {
		where, params = "1 = 1", nil
	}

	args := append([]any{string(kind)}, params...)
	entries, err := s.scanEntries(ctx, `
		SELECT `+entryColumns+`
		FROM records
		WHERE kind = ? AND deleted = 0 AND (`+where+`)
		ORDER BY key COLLATE BINARY ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", kind, err)
	}

	if !inMemory {
		return entries, nil
	}
	matched := entries[:0]
	for _, e := range entries {
		if query.Match(pred, e.Fields) {
			matched = append(matched, e)
		}
	}
	return matched, nil
}

// Entries returns every entry of kind including tombstones, ordered by key.
// An empty kind returns entries of all kinds.
func (s *Store) Entries(ctx context.Context, kind ir.Kind) ([]ir.Entry, error) {
	if kind == "" {
		return s.scanEntries(ctx, `
			SELECT `+entryColumns+`
			FROM records
			ORDER BY kind COLLATE BINARY ASC, key COLLATE BINARY ASC
		`)
	}
	return s.scanEntries(ctx, `
		SELECT `+entryColumns+`
		FROM records
		WHERE kind = ?
		ORDER BY key COLLATE BINARY ASC
	`, string(kind))
}

// Conflicted returns every entry in the conflicted state, ordered by kind and key.
func (s *Store) Conflicted(ctx context.Context) ([]ir.Entry, error) {
	return s.scanEntries(ctx, `
		SELECT `+entryColumns+`
		FROM records
		WHERE sync_state = 'conflicted'
		ORDER BY kind COLLATE BINARY ASC, key COLLATE BINARY ASC
	`)
}

// CountByState returns the number of entries of kind per sync state.
func (s *Store) CountByState(ctx context.Context, kind ir.Kind) (map[ir.SyncState]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sync_state, COUNT(*) FROM records WHERE kind = ? GROUP BY sync_state
	`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("count %s: %w", kind, err)
	}
	defer rows.Close()

	counts := make(map[ir.SyncState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("count %s: %w", kind, err)
		}
		counts[ir.SyncState(state)] = n
	}
	return counts, rows.Err()
}

func (s *Store) scanEntries(ctx context.Context, q string, args ...any) ([]ir.Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []ir.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return entries, nil
}
