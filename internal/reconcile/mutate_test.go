package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/query"
	"github.com/roach88/homebase/internal/testutil"
)

func TestMutate_InsertGeneratesKey(t *testing.T) {
	te := newTestEngine(t)

	e, err := te.Mutate(context.Background(), testutil.KindNote, ir.MutationInsert,
		ir.Fields{"body": ir.String("new"), "pinned": ir.Bool(true)})
	require.NoError(t, err)

	assert.Equal(t, "k-1", e.Key)
	assert.Equal(t, ir.StatePendingWrite, e.State)
	assert.Equal(t, ir.Version(0), e.BaseVersion)
	assert.Equal(t, int64(1), e.Seq)
	assert.Equal(t, ir.Null{}, e.Fields["rev"], "missing nullable fields become null")

	outbox := te.outbox(t)
	require.Len(t, outbox, 1)
	assert.Equal(t, "k-2", outbox[0].EntryID)
	assert.Equal(t, ir.MutationInsert, outbox[0].Mutation)
	assert.Equal(t, "k-1", outbox[0].Key)
	assert.True(t, e.Fields.Equal(outbox[0].Payload))

	stored := te.get(t, testutil.KindNote, "k-1")
	assert.Equal(t, e.Hash, stored.Hash)
}

func TestMutate_InsertNormalizesTimestamps(t *testing.T) {
	te := newTestEngine(t)

	e, err := te.Mutate(context.Background(), ir.KindAppointment, ir.MutationInsert, ir.Fields{
		"id":        ir.String("a-1"),
		"title":     ir.String("Dentist"),
		"starts_at": ir.String("2026-03-01T10:00:00+01:00"),
		"status":    ir.String("scheduled"),
		"all_day":   ir.Bool(false),
	})
	require.NoError(t, err)
	assert.Equal(t, ir.String("2026-03-01T09:00:00.000000Z"), e.Fields["starts_at"])
}

func TestMutate_InvalidPayloadWritesNothing(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	_, err := te.Mutate(ctx, ir.KindProfile, ir.MutationInsert, ir.Fields{
		"id": ir.String("p-1"), "display_name": ir.String("Ada"),
		"initialized": ir.Bool(true), "theme": ir.String("neon"),
	})
	require.Error(t, err)
	var verr *ir.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "theme", verr.Field)

	te.absent(t, ir.KindProfile, "p-1")
	assert.Empty(t, te.outbox(t))
}

func TestMutate_InsertExisting(t *testing.T) {
	te := newTestEngine(t)
	te.seedNote(t, "n-1", "x", 1)

	_, err := te.Mutate(context.Background(), testutil.KindNote, ir.MutationInsert,
		ir.Fields{"id": ir.String("n-1"), "body": ir.String("dup"), "pinned": ir.Bool(false)})
	assert.True(t, IsAlreadyExists(err), "got %v", err)
}

func TestMutate_UpdatePatchesCurrentRecord(t *testing.T) {
	te := newTestEngine(t)
	te.seedNote(t, "n-1", "before", 2)

	e, err := te.Mutate(context.Background(), testutil.KindNote, ir.MutationUpdate,
		ir.Fields{"id": ir.String("n-1"), "pinned": ir.Bool(true)})
	require.NoError(t, err)

	assert.Equal(t, "before", e.Fields.String("body"))
	assert.Equal(t, ir.Bool(true), e.Fields["pinned"])
	assert.Equal(t, ir.Version(2), e.BaseVersion)

	outbox := te.outbox(t)
	require.Len(t, outbox, 1)
	assert.Equal(t, ir.MutationUpdate, outbox[0].Mutation)
	assert.Equal(t, ir.Version(2), outbox[0].BaseVersion)
}

func TestMutate_SecondUpdateKeepsBase(t *testing.T) {
	te := newTestEngine(t)
	te.seedNote(t, "n-1", "x", 2)
	te.editNote(t, "n-1", "a")
	e := te.editNote(t, "n-1", "b")

	assert.Equal(t, ir.Version(2), e.BaseVersion)
	assert.Equal(t, int64(2), e.Seq)
	assert.Len(t, te.outbox(t), 2)
}

func TestMutate_UpdateErrors(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	_, err := te.Mutate(ctx, testutil.KindNote, ir.MutationUpdate, ir.Fields{"body": ir.String("x")})
	assert.True(t, ir.IsValidationError(err), "missing key: %v", err)

	_, err = te.Mutate(ctx, testutil.KindNote, ir.MutationUpdate, ir.Fields{"id": ir.String("nope")})
	assert.True(t, IsNotFound(err), "missing record: %v", err)

	te.seedNote(t, "n-1", "x", 1)
	_, err = te.Mutate(ctx, testutil.KindNote, ir.MutationUpdate,
		ir.Fields{"id": ir.String("n-1"), "pinned": ir.String("yes")})
	assert.True(t, ir.IsValidationError(err), "bad type: %v", err)
	assert.Empty(t, te.outbox(t))

	te.editNote(t, "n-1", "local")
	_, err = te.ApplyRemote(ctx, testutil.KindNote, []ir.WireRecord{testutil.Note("n-1", "remote", 2)})
	require.NoError(t, err)
	_, err = te.Mutate(ctx, testutil.KindNote, ir.MutationUpdate,
		ir.Fields{"id": ir.String("n-1"), "body": ir.String("again")})
	assert.True(t, IsConflicted(err), "conflicted record: %v", err)
}

func TestMutate_DeleteMakesTombstone(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.seedNote(t, "n-1", "x", 1)

	e, err := te.Mutate(ctx, testutil.KindNote, ir.MutationDelete, ir.Fields{"id": ir.String("n-1")})
	require.NoError(t, err)
	assert.True(t, e.Deleted)

	live, err := te.st.QueryAll(ctx, testutil.KindNote, query.All())
	require.NoError(t, err)
	assert.Empty(t, live)

	outbox := te.outbox(t)
	require.Len(t, outbox, 1)
	assert.Equal(t, ir.MutationDelete, outbox[0].Mutation)
	assert.Equal(t, ir.Fields{"id": ir.String("n-1")}, outbox[0].Payload)

	_, err = te.Mutate(ctx, testutil.KindNote, ir.MutationDelete, ir.Fields{"id": ir.String("n-1")})
	assert.True(t, IsNotFound(err), "second delete: %v", err)
}

func TestMutate_ReinsertOverTombstone(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.seedNote(t, "n-1", "x", 4)
	_, err := te.Mutate(ctx, testutil.KindNote, ir.MutationDelete, ir.Fields{"id": ir.String("n-1")})
	require.NoError(t, err)

	e, err := te.Mutate(ctx, testutil.KindNote, ir.MutationInsert,
		ir.Fields{"id": ir.String("n-1"), "body": ir.String("back"), "pinned": ir.Bool(false)})
	require.NoError(t, err)
	assert.False(t, e.Deleted)
	assert.Equal(t, ir.Version(4), e.BaseVersion)
	assert.Len(t, te.outbox(t), 2)
}

func TestMutate_UnknownKindAndMutation(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	_, err := te.Mutate(ctx, "invoice", ir.MutationInsert, nil)
	assert.ErrorIs(t, err, ir.ErrUnknownKind)

	_, err = te.Mutate(ctx, testutil.KindNote, "upsert", nil)
	assert.Error(t, err)
}
