// Package testutil provides shared fixtures for tests: deterministic key
// generators, a test-only entity kind with integer versions, and helpers
// that open temporary stores.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/homebase/internal/codec"
	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/schema"
	"github.com/roach88/homebase/internal/store"
)

// KindNote is a test-only kind versioned by an integer "rev" field, so
// tests can state versions as small numbers.
const KindNote ir.Kind = "note"

// NoteSchema returns the schema of KindNote:
//
//	id: string, body: string, pinned: bool (int_bool), rev: int? (version)
func NoteSchema() *schema.Schema {
	return &schema.Schema{
		Kind:            KindNote,
		Version:         1,
		PrimaryKey:      "id",
		VersionField:    "rev",
		VersionEncoding: schema.VersionInt,
		Fields: []schema.Field{
			{Name: "id", Type: schema.TypeString},
			{Name: "body", Type: schema.TypeString},
			{Name: "pinned", Type: schema.TypeBool, Decode: schema.RuleIntBool},
			{Name: "rev", Type: schema.TypeInt, Nullable: true},
		},
	}
}

// NewRegistry returns a sealed registry of the built-in kinds plus KindNote.
func NewRegistry(t testing.TB) *schema.Registry {
	t.Helper()
	reg, err := schema.NewBuiltinRegistry(NoteSchema())
	require.NoError(t, err)
	return reg
}

// NewCodec returns a codec over NewRegistry.
func NewCodec(t testing.TB) *codec.Codec {
	t.Helper()
	return codec.New(NewRegistry(t))
}

// NewStore opens a store in a temporary directory, closed on cleanup.
func NewStore(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "homebase.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// Note builds a wire record of KindNote at revision rev.
func Note(id, body string, rev int64) ir.WireRecord {
	return ir.WireRecord{"id": id, "body": body, "pinned": 0, "rev": rev}
}

// NoteFields builds canonical fields of KindNote at revision rev.
// Revision 0 is null.
func NoteFields(id, body string, rev int64) ir.Fields {
	f := ir.Fields{"id": ir.String(id), "body": ir.String(body), "pinned": ir.Bool(false), "rev": ir.Null{}}
	if rev > 0 {
		f["rev"] = ir.Int(rev)
	}
	return f
}
