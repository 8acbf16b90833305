package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/homebase/internal/ir"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testEntry creates a clean entry with a label field.
func testEntry(kind ir.Kind, key string) ir.Entry {
	return ir.Entry{
		Kind:    kind,
		Key:     key,
		Fields:  ir.Fields{"id": ir.String(key), "label": ir.String("label " + key)},
		Version: 1,
		State:   ir.StateClean,
	}
}

// testOutbox creates an update outbox entry for (kind, key).
func testOutbox(kind ir.Kind, key, entryID string, seq int64) ir.OutboxEntry {
	return ir.OutboxEntry{
		EntryID:  entryID,
		Kind:     kind,
		Key:      key,
		Mutation: ir.MutationUpdate,
		Payload:  ir.Fields{"id": ir.String(key), "label": ir.String(entryID)},
		Seq:      seq,
	}
}
