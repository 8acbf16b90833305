package reconcile

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/testutil"
)

func TestApplyRemote_AcceptsIntoEmptyStore(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	res, err := te.ApplyRemote(ctx, testutil.KindNote, []ir.WireRecord{
		testutil.Note("n-1", "one", 3),
		testutil.Note("n-2", "two", 7),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Accepted)
	assert.Equal(t, ir.Version(7), res.Watermark)
	assert.Empty(t, res.Invalid)

	e := te.get(t, testutil.KindNote, "n-1")
	assert.Equal(t, ir.StateClean, e.State)
	assert.Equal(t, ir.Version(3), e.Version)
	assert.True(t, testutil.NoteFields("n-1", "one", 3).Equal(e.Fields))
}

func TestApplyRemote_UnchangedAndStale(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.seedNote(t, "n-1", "current", 5)

	res, err := te.ApplyRemote(ctx, testutil.KindNote, []ir.WireRecord{testutil.Note("n-1", "current", 5)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unchanged)

	res, err = te.ApplyRemote(ctx, testutil.KindNote, []ir.WireRecord{testutil.Note("n-1", "older", 4)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Discarded)
	assert.Equal(t, "current", te.get(t, testutil.KindNote, "n-1").Fields.String("body"))

	res, err = te.ApplyRemote(ctx, testutil.KindNote, []ir.WireRecord{testutil.Note("n-1", "newer", 6)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)
	assert.Equal(t, "newer", te.get(t, testutil.KindNote, "n-1").Fields.String("body"))
}

func TestApplyRemote_DecomposedTextIsStoredAsDecoded(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	row := testutil.Note("n-1", "cafe\u0301", 5)

	res, err := te.ApplyRemote(ctx, testutil.KindNote, []ir.WireRecord{row})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Accepted)
	assert.Equal(t, "caf\u00e9", te.get(t, testutil.KindNote, "n-1").Fields.String("body"))

	res, err = te.ApplyRemote(ctx, testutil.KindNote, []ir.WireRecord{row})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unchanged)
	assert.Zero(t, res.Accepted)

	res, err = te.ApplyRemote(ctx, testutil.KindNote, []ir.WireRecord{testutil.Note("n-2", "bad\xffbyte", 6)})
	require.NoError(t, err)
	require.Len(t, res.Invalid, 1)
	_, ok, err := te.st.Get(ctx, testutil.KindNote, "n-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApplyRemote_PendingWriteConflict(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.seedNote(t, "n-1", "base", 3)

	local := te.editNote(t, "n-1", "local edit")
	require.Equal(t, ir.StatePendingWrite, local.State)
	require.Equal(t, ir.Version(3), local.BaseVersion)

	// Same version as the base: stale echo.
	res, err := te.ApplyRemote(ctx, testutil.KindNote, []ir.WireRecord{testutil.Note("n-1", "base", 3)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Discarded)
	e := te.get(t, testutil.KindNote, "n-1")
	assert.Equal(t, ir.StatePendingWrite, e.State)
	assert.Equal(t, "local edit", e.Fields.String("body"))

	// Newer than the base: conflict.
	res, err = te.ApplyRemote(ctx, testutil.KindNote, []ir.WireRecord{testutil.Note("n-1", "remote edit", 4)})
	require.NoError(t, err)
	assert.Equal(t, []ir.Ref{{Kind: testutil.KindNote, Key: "n-1"}}, res.Conflicted)

	e = te.get(t, testutil.KindNote, "n-1")
	assert.Equal(t, ir.StateConflicted, e.State)
	assert.Equal(t, "local edit", e.Fields.String("body"), "local write is kept until resolution")
	require.NotNil(t, e.Conflict)
	assert.Equal(t, ir.Version(4), e.Conflict.Version)
	assert.Equal(t, "remote edit", e.Conflict.Fields.String("body"))

	assert.Contains(t, te.logs.String(), "ConflictDetected")
	assert.Len(t, te.outbox(t), 1, "pending write stays queued")
}

func TestApplyRemote_EchoOfLocalWriteIsDiscarded(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.seedNote(t, "n-1", "base", 3)
	te.editNote(t, "n-1", "local edit")

	// The remote committed our write at rev 4 and broadcast it before the
	// acknowledgment arrived.
	res, err := te.ApplyRemote(ctx, testutil.KindNote, []ir.WireRecord{testutil.Note("n-1", "local edit", 4)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Discarded)
	assert.Equal(t, ir.StatePendingWrite, te.get(t, testutil.KindNote, "n-1").State)
}

func TestApplyRemote_MatchingNewerRowLeavesDeliveryToDecide(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.seedNote(t, "n-1", "base", 3)
	te.editNote(t, "n-1", "same text")

	// Another device wrote identical content at rev 4.
	res, err := te.ApplyRemote(ctx, testutil.KindNote, []ir.WireRecord{testutil.Note("n-1", "same text", 4)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Discarded)
	assert.Empty(t, res.Conflicted)

	local := te.get(t, testutil.KindNote, "n-1")
	assert.Equal(t, ir.StatePendingWrite, local.State)
	assert.Equal(t, ir.Version(3), local.BaseVersion)
	queued := te.outbox(t)
	require.Len(t, queued, 1)
	assert.Equal(t, ir.Version(3), queued[0].BaseVersion)

	// Delivering against base 3 is refused; the conflict surfaces then.
	require.NoError(t, te.Reject(ctx, queued[0], testutil.Note("n-1", "same text", 4)))
	local = te.get(t, testutil.KindNote, "n-1")
	assert.Equal(t, ir.StateConflicted, local.State)
	require.NotNil(t, local.Conflict)
	assert.Equal(t, ir.Version(4), local.Conflict.Version)
}

func TestApplyRemote_ConflictSnapshotReplacedByNewer(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.seedNote(t, "n-1", "base", 3)
	te.editNote(t, "n-1", "local")

	for _, rev := range []int64{5, 4, 6} {
		_, err := te.ApplyRemote(ctx, testutil.KindNote, []ir.WireRecord{testutil.Note("n-1", fmt.Sprintf("r%d", rev), rev)})
		require.NoError(t, err)
	}

	e := te.get(t, testutil.KindNote, "n-1")
	assert.Equal(t, ir.Version(6), e.Conflict.Version)
	assert.Equal(t, "r6", e.Conflict.Fields.String("body"))
}

func TestApplyRemote_BatchWithInvalidRow(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	rows := make([]ir.WireRecord, 0, 6)
	for i := 1; i <= 5; i++ {
		rows = append(rows, testutil.Note(fmt.Sprintf("n-%d", i), "ok", int64(i)))
	}
	bad := testutil.Note("n-bad", "bad", 9)
	bad["pinned"] = "yes"
	rows = append(rows[:2], append([]ir.WireRecord{bad}, rows[2:]...)...)

	res, err := te.ApplyRemote(ctx, testutil.KindNote, rows)
	require.NoError(t, err)

	assert.Equal(t, 5, res.Accepted)
	require.Len(t, res.Invalid, 1)
	assert.Equal(t, "n-bad", res.Invalid[0].Key)
	assert.Equal(t, "pinned", res.Invalid[0].Field)
	assert.Equal(t, ir.Version(5), res.Watermark, "invalid rows do not move the watermark")

	entries, err := te.st.Entries(ctx, testutil.KindNote)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
	te.absent(t, testutil.KindNote, "n-bad")
}

func TestApplyRemote_InvalidEnumLeavesStoreUntouched(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	res, err := te.ApplyRemote(ctx, ir.KindProfile, []ir.WireRecord{{
		"id": "p-1", "display_name": "Ada", "initialized": 1, "theme": "neon",
		"timezone": nil, "updated_at": nil,
	}})
	require.NoError(t, err)
	require.Len(t, res.Invalid, 1)
	assert.Equal(t, "theme", res.Invalid[0].Field)

	te.absent(t, ir.KindProfile, "p-1")
}

func TestApplyRemote_UnknownKind(t *testing.T) {
	te := newTestEngine(t)

	_, err := te.ApplyRemote(context.Background(), "invoice", nil)
	assert.ErrorIs(t, err, ir.ErrUnknownKind)
}

func TestApplyChange_UpdateDoesNotMoveWatermark(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()

	o, err := te.ApplyChange(ctx, ir.ChangeEvent{Kind: testutil.KindNote, Op: ir.ChangeInsert, Record: testutil.Note("n-1", "hi", 9)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, o)

	wm, err := te.st.Watermark(ctx, testutil.KindNote)
	require.NoError(t, err)
	assert.Equal(t, ir.Version(0), wm)
}

func TestApplyChange_InvalidRecord(t *testing.T) {
	te := newTestEngine(t)

	bad := testutil.Note("n-1", "x", 1)
	delete(bad, "body")
	_, err := te.ApplyChange(context.Background(), ir.ChangeEvent{Kind: testutil.KindNote, Op: ir.ChangeUpdate, Record: bad})
	assert.True(t, ir.IsValidationError(err))
	te.absent(t, testutil.KindNote, "n-1")
}

func TestApplyChange_DeleteClean(t *testing.T) {
	te := newTestEngine(t)
	te.seedNote(t, "n-1", "x", 1)

	o, err := te.ApplyChange(context.Background(), ir.ChangeEvent{
		Kind: testutil.KindNote, Op: ir.ChangeDelete, Record: ir.WireRecord{"id": "n-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeleted, o)
	te.absent(t, testutil.KindNote, "n-1")
}

func TestApplyChange_DeletePendingConflicts(t *testing.T) {
	te := newTestEngine(t)
	te.seedNote(t, "n-1", "x", 1)
	te.editNote(t, "n-1", "local")

	o, err := te.ApplyChange(context.Background(), ir.ChangeEvent{
		Kind: testutil.KindNote, Op: ir.ChangeDelete, Record: ir.WireRecord{"id": "n-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflicted, o)

	e := te.get(t, testutil.KindNote, "n-1")
	assert.Equal(t, ir.StateConflicted, e.State)
	assert.True(t, e.Conflict.Deleted)
}

func TestApplyChange_DeleteAgreesWithPendingDelete(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.seedNote(t, "n-1", "x", 1)
	_, err := te.Mutate(ctx, testutil.KindNote, ir.MutationDelete, ir.Fields{"id": ir.String("n-1")})
	require.NoError(t, err)

	o, err := te.ApplyChange(ctx, ir.ChangeEvent{
		Kind: testutil.KindNote, Op: ir.ChangeDelete, Record: ir.WireRecord{"id": "n-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeleted, o)
	te.absent(t, testutil.KindNote, "n-1")
	assert.Empty(t, te.outbox(t))
}

func TestApplyChange_DeleteWithoutKey(t *testing.T) {
	te := newTestEngine(t)

	_, err := te.ApplyChange(context.Background(), ir.ChangeEvent{
		Kind: testutil.KindNote, Op: ir.ChangeDelete, Record: ir.WireRecord{},
	})
	assert.True(t, ir.IsValidationError(err))
}

func TestNew_ResumesClockFromStore(t *testing.T) {
	te := newTestEngine(t)
	ctx := context.Background()
	te.seedNote(t, "n-1", "x", 1)
	te.editNote(t, "n-1", "a")
	te.editNote(t, "n-1", "b")
	require.Equal(t, int64(2), te.Clock().Current())

	resumed, err := New(ctx, te.st, te.Codec())
	require.NoError(t, err)
	assert.Equal(t, int64(2), resumed.Clock().Current())
}
