package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/testutil"
)

func TestAcknowledge_LastEntryMakesClean(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.seedNote(t, "n-1", "x", 3)
	te.editNote(t, "n-1", "local")

	outbox := te.outbox(t)
	require.Len(t, outbox, 1)
	require.NoError(t, te.Acknowledge(ctx, outbox[0], testutil.Note("n-1", "local", 4)))

	e := te.get(t, testutil.KindNote, "n-1")
	assert.Equal(t, ir.StateClean, e.State)
	assert.Equal(t, ir.Version(4), e.Version)
	assert.Equal(t, ir.Int(4), e.Fields["rev"])
	assert.Empty(t, te.outbox(t))
}

func TestAcknowledge_RemainingEntriesKeepPending(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.seedNote(t, "n-1", "x", 3)
	te.editNote(t, "n-1", "first")
	te.editNote(t, "n-1", "second")

	outbox := te.outbox(t)
	require.Len(t, outbox, 2)
	require.NoError(t, te.Acknowledge(ctx, outbox[0], testutil.Note("n-1", "first", 4)))

	e := te.get(t, testutil.KindNote, "n-1")
	assert.Equal(t, ir.StatePendingWrite, e.State)
	assert.Equal(t, ir.Version(4), e.BaseVersion)
	assert.Equal(t, "second", e.Fields.String("body"), "later local write is kept")

	rest := te.outbox(t)
	require.Len(t, rest, 1)
	assert.Equal(t, ir.Version(4), rest[0].BaseVersion, "remaining entry is rebased")

	require.NoError(t, te.Acknowledge(ctx, rest[0], testutil.Note("n-1", "second", 5)))
	e = te.get(t, testutil.KindNote, "n-1")
	assert.Equal(t, ir.StateClean, e.State)
	assert.Equal(t, ir.Version(5), e.Version)
}

func TestAcknowledge_SettledEntryIsNoop(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.seedNote(t, "n-1", "x", 3)
	te.editNote(t, "n-1", "local")
	o := te.outbox(t)[0]

	require.NoError(t, te.Acknowledge(ctx, o, testutil.Note("n-1", "local", 4)))
	require.NoError(t, te.Acknowledge(ctx, o, testutil.Note("n-1", "stale", 4)))

	assert.Equal(t, "local", te.get(t, testutil.KindNote, "n-1").Fields.String("body"))
}

func TestAcknowledge_DeleteRemovesRecord(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.seedNote(t, "n-1", "x", 3)
	_, err := te.Mutate(ctx, testutil.KindNote, ir.MutationDelete, ir.Fields{"id": ir.String("n-1")})
	require.NoError(t, err)

	require.NoError(t, te.Acknowledge(ctx, te.outbox(t)[0], nil))
	te.absent(t, testutil.KindNote, "n-1")
}

func TestAcknowledge_InsertInvalidCommittedRecord(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	_, err := te.Mutate(ctx, testutil.KindNote, ir.MutationInsert,
		ir.Fields{"body": ir.String("x"), "pinned": ir.Bool(false)})
	require.NoError(t, err)
	o := te.outbox(t)[0]

	bad := testutil.Note("k-1", "x", 1)
	bad["pinned"] = "maybe"
	err = te.Acknowledge(ctx, o, bad)
	assert.True(t, ir.IsValidationError(err))
	assert.Len(t, te.outbox(t), 1, "entry stays queued")
}

func TestAcknowledge_ClearsObsoleteConflict(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.seedNote(t, "n-1", "x", 3)
	te.editNote(t, "n-1", "local")
	_, err := te.ApplyRemote(ctx, testutil.KindNote, []ir.WireRecord{testutil.Note("n-1", "remote", 4)})
	require.NoError(t, err)

	// Our write landed after the remote change.
	require.NoError(t, te.Acknowledge(ctx, te.outbox(t)[0], testutil.Note("n-1", "local", 5)))

	e := te.get(t, testutil.KindNote, "n-1")
	assert.Equal(t, ir.StateClean, e.State)
	assert.Nil(t, e.Conflict)
	assert.Equal(t, "local", e.Fields.String("body"))
}

func TestReject_RecordsConflict(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.seedNote(t, "n-1", "x", 3)
	te.editNote(t, "n-1", "local")
	o := te.outbox(t)[0]

	require.NoError(t, te.Reject(ctx, o, testutil.Note("n-1", "theirs", 8)))

	e := te.get(t, testutil.KindNote, "n-1")
	assert.Equal(t, ir.StateConflicted, e.State)
	assert.Equal(t, ir.Version(8), e.Conflict.Version)
	assert.Equal(t, "theirs", e.Conflict.Fields.String("body"))
	assert.Len(t, te.outbox(t), 1, "entry is kept until resolution")
	assert.Contains(t, te.logs.String(), "write rejected")
}

func TestReject_RemoteGone(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.seedNote(t, "n-1", "x", 3)
	te.editNote(t, "n-1", "local")

	require.NoError(t, te.Reject(ctx, te.outbox(t)[0], nil))

	e := te.get(t, testutil.KindNote, "n-1")
	assert.True(t, e.Conflict.Deleted)
	assert.Equal(t, ir.Version(3), e.Conflict.Version)
}
