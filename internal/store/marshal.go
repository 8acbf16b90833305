package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/homebase/internal/ir"
)

// marshalFields converts canonical fields to canonical JSON TEXT for storage.
func marshalFields(fields ir.Fields) (string, error) {
	if fields == nil {
		fields = ir.Fields{}
	}
	data, err := ir.MarshalCanonical(fields)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(data), nil
}

// unmarshalFields parses canonical JSON TEXT. Large integers survive via
// json.Number inside ir.Fields.UnmarshalJSON.
func unmarshalFields(data string) (ir.Fields, error) {
	if data == "" || data == "{}" {
		return ir.Fields{}, nil
	}
	var fields ir.Fields
	if err := json.Unmarshal([]byte(data), &fields); err != nil {
		return nil, fmt.Errorf("unmarshal fields: %w", err)
	}
	return fields, nil
}

// conflictColumns flattens a conflict snapshot into nullable columns.
func conflictColumns(c *ir.ConflictSnapshot) (fields sql.NullString, version sql.NullInt64, deleted sql.NullBool, err error) {
	if c == nil {
		return fields, version, deleted, nil
	}
	if !c.Deleted {
		text, err := marshalFields(c.Fields)
		if err != nil {
			return fields, version, deleted, err
		}
		fields = sql.NullString{String: text, Valid: true}
	}
	version = sql.NullInt64{Int64: int64(c.Version), Valid: true}
	deleted = sql.NullBool{Bool: c.Deleted, Valid: true}
	return fields, version, deleted, nil
}

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const entryColumns = `kind, key, fields, version, base_version, sync_state, deleted, seq, hash,
	conflict_fields, conflict_version, conflict_deleted`

func scanEntry(row rowScanner) (ir.Entry, error) {
	var (
		e               ir.Entry
		kind, state     string
		fieldsJSON      string
		conflictFields  sql.NullString
		conflictVersion sql.NullInt64
		conflictDeleted sql.NullBool
	)
	err := row.Scan(&kind, &e.Key, &fieldsJSON, &e.Version, &e.BaseVersion, &state,
		&e.Deleted, &e.Seq, &e.Hash, &conflictFields, &conflictVersion, &conflictDeleted)
	if err != nil {
		return ir.Entry{}, err
	}
	e.Kind = ir.Kind(kind)
	e.State = ir.SyncState(state)

	if e.Fields, err = unmarshalFields(fieldsJSON); err != nil {
		return ir.Entry{}, fmt.Errorf("%s/%s: %w", kind, e.Key, err)
	}

	if conflictVersion.Valid {
		snap := &ir.ConflictSnapshot{
			Version: ir.Version(conflictVersion.Int64),
			Deleted: conflictDeleted.Valid && conflictDeleted.Bool,
		}
		if conflictFields.Valid {
			if snap.Fields, err = unmarshalFields(conflictFields.String); err != nil {
				return ir.Entry{}, fmt.Errorf("%s/%s conflict: %w", kind, e.Key, err)
			}
		}
		e.Conflict = snap
	}
	return e, nil
}

const outboxColumns = `id, entry_id, kind, key, mutation, payload, base_version, attempts, last_error, failed, seq`

func scanOutbox(row rowScanner) (ir.OutboxEntry, error) {
	var (
		o              ir.OutboxEntry
		kind, mutation string
		payload        string
	)
	err := row.Scan(&o.ID, &o.EntryID, &kind, &o.Key, &mutation, &payload,
		&o.BaseVersion, &o.Attempts, &o.LastError, &o.Failed, &o.Seq)
	if err != nil {
		return ir.OutboxEntry{}, err
	}
	o.Kind = ir.Kind(kind)
	o.Mutation = ir.Mutation(mutation)
	if o.Payload, err = unmarshalFields(payload); err != nil {
		return ir.OutboxEntry{}, fmt.Errorf("outbox %d: %w", o.ID, err)
	}
	return o, nil
}
