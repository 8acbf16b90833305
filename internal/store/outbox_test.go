package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/homebase/internal/ir"
)

func enqueue(t *testing.T, s *Store, entries ...ir.OutboxEntry) []ir.OutboxEntry {
	t.Helper()
	ctx := context.Background()
	out := make([]ir.OutboxEntry, 0, len(entries))
	require.NoError(t, s.Batch(ctx, func(tx *Tx) error {
		for _, o := range entries {
			stored, err := tx.Enqueue(ctx, o)
			if err != nil {
				return err
			}
			out = append(out, stored)
		}
		return nil
	}))
	return out
}

func entryIDs(entries []ir.OutboxEntry) []string {
	ids := make([]string, len(entries))
	for i, o := range entries {
		ids[i] = o.EntryID
	}
	return ids
}

func TestEnqueue_AssignsIncreasingIDs(t *testing.T) {
	s := createTestStore(t)

	stored := enqueue(t, s,
		testOutbox(ir.KindTag, "a", "e-1", 1),
		testOutbox(ir.KindContact, "b", "e-2", 2),
	)
	require.Len(t, stored, 2)
	assert.Greater(t, stored[1].ID, stored[0].ID)

	pending, err := s.PendingOutbox(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"e-1", "e-2"}, entryIDs(pending))
	assert.Equal(t, "e-1", pending[0].Payload.String("label"))
}

func TestEnqueue_Rejects(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	noID := testOutbox(ir.KindTag, "a", "", 1)
	badMutation := testOutbox(ir.KindTag, "a", "e-1", 1)
	badMutation.Mutation = "upsert"

	for _, o := range []ir.OutboxEntry{noID, badMutation} {
		err := s.Batch(ctx, func(tx *Tx) error {
			_, err := tx.Enqueue(ctx, o)
			return err
		})
		assert.Error(t, err)
	}

	// Entry IDs are unique.
	enqueue(t, s, testOutbox(ir.KindTag, "a", "e-dup", 1))
	err := s.Batch(ctx, func(tx *Tx) error {
		_, err := tx.Enqueue(ctx, testOutbox(ir.KindTag, "a", "e-dup", 2))
		return err
	})
	assert.Error(t, err)
}

func TestOutbox_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)

	insert := testOutbox(ir.KindContact, "c-1", "e-1", 1)
	insert.Mutation = ir.MutationInsert
	update := testOutbox(ir.KindContact, "c-1", "e-2", 2)
	del := testOutbox(ir.KindContact, "c-1", "e-3", 3)
	del.Mutation = ir.MutationDelete
	del.Payload = ir.Fields{"id": ir.String("c-1")}
	enqueue(t, s, insert, update, del)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	pending, err := s.PendingOutbox(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []string{"e-1", "e-2", "e-3"}, entryIDs(pending))
	assert.Equal(t,
		[]ir.Mutation{ir.MutationInsert, ir.MutationUpdate, ir.MutationDelete},
		[]ir.Mutation{pending[0].Mutation, pending[1].Mutation, pending[2].Mutation})
}

func TestRemoveOutbox(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	stored := enqueue(t, s, testOutbox(ir.KindTag, "a", "e-1", 1))

	var removed, again bool
	require.NoError(t, s.Batch(ctx, func(tx *Tx) error {
		var err error
		if removed, err = tx.RemoveOutbox(ctx, stored[0].ID); err != nil {
			return err
		}
		again, err = tx.RemoveOutbox(ctx, stored[0].ID)
		return err
	}))
	assert.True(t, removed)
	assert.False(t, again)
}

func TestRemoveOutboxFor(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	enqueue(t, s,
		testOutbox(ir.KindTag, "a", "e-1", 1),
		testOutbox(ir.KindTag, "b", "e-2", 2),
		testOutbox(ir.KindTag, "a", "e-3", 3),
	)

	var n int
	require.NoError(t, s.Batch(ctx, func(tx *Tx) error {
		var err error
		n, err = tx.RemoveOutboxFor(ctx, ir.KindTag, "a")
		return err
	}))
	assert.Equal(t, 2, n)

	pending, err := s.PendingOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"e-2"}, entryIDs(pending))
}

func TestRebaseOutbox(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	stored := enqueue(t, s,
		testOutbox(ir.KindTag, "a", "e-1", 1),
		testOutbox(ir.KindTag, "a", "e-2", 2),
	)
	require.NoError(t, s.MarkFailed(ctx, stored[0].ID, "conflict"))

	var forKey []ir.OutboxEntry
	require.NoError(t, s.Batch(ctx, func(tx *Tx) error {
		if err := tx.RebaseOutbox(ctx, ir.KindTag, "a", 17); err != nil {
			return err
		}
		var err error
		forKey, err = tx.OutboxFor(ctx, ir.KindTag, "a")
		return err
	}))

	require.Len(t, forKey, 2)
	for _, o := range forKey {
		assert.Equal(t, ir.Version(17), o.BaseVersion)
	}
	assert.True(t, forKey[0].Failed, "rebase keeps failure state")
	assert.Equal(t, 1, forKey[0].Attempts)
	assert.Equal(t, "conflict", forKey[0].LastError)
	assert.False(t, forKey[1].Failed)
}

func TestRecordAttemptAndMarkFailed(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	stored := enqueue(t, s,
		testOutbox(ir.KindTag, "a", "e-1", 1),
		testOutbox(ir.KindTag, "b", "e-2", 2),
	)
	id := stored[0].ID

	require.NoError(t, s.RecordAttempt(ctx, id, "timeout"))
	require.NoError(t, s.RecordAttempt(ctx, id, "connection reset"))

	o, ok, err := s.OutboxEntry(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, o.Attempts)
	assert.Equal(t, "connection reset", o.LastError)

	require.NoError(t, s.MarkFailed(ctx, id, "gave up"))
	o, _, err = s.OutboxEntry(ctx, id)
	require.NoError(t, err)
	assert.True(t, o.Failed)
	assert.Equal(t, 3, o.Attempts)
	assert.Equal(t, "gave up", o.LastError)

	pending, err := s.PendingOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"e-2"}, entryIDs(pending))

	all, err := s.ListOutbox(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"e-1", "e-2"}, entryIDs(all))

	pendingCounts, failedCounts, err := s.OutboxCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[ir.Kind]int{ir.KindTag: 1}, pendingCounts)
	assert.Equal(t, map[ir.Kind]int{ir.KindTag: 1}, failedCounts)

	n, err := s.ResetFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	o, _, err = s.OutboxEntry(ctx, id)
	require.NoError(t, err)
	assert.False(t, o.Failed)
	assert.Zero(t, o.Attempts)
}

func TestResetFailed_ByID(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	stored := enqueue(t, s,
		testOutbox(ir.KindTag, "a", "e-1", 1),
		testOutbox(ir.KindTag, "b", "e-2", 2),
	)
	for _, o := range stored {
		require.NoError(t, s.MarkFailed(ctx, o.ID, "boom"))
	}

	n, err := s.ResetFailed(ctx, stored[1].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := s.PendingOutbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"e-2"}, entryIDs(pending))
}

func TestPendingOutboxAfter_Pages(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	enqueue(t, s,
		testOutbox(ir.KindTag, "a", "e-1", 1),
		testOutbox(ir.KindTag, "b", "e-2", 2),
		testOutbox(ir.KindTag, "c", "e-3", 3),
	)

	var seen []string
	var after int64
	for {
		page, err := s.PendingOutboxAfter(ctx, after, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		seen = append(seen, entryIDs(page)...)
		after = page[len(page)-1].ID
	}
	assert.Equal(t, []string{"e-1", "e-2", "e-3"}, seen)
}

func TestOutboxEntry_Missing(t *testing.T) {
	s := createTestStore(t)

	_, ok, err := s.OutboxEntry(context.Background(), 99)
	require.NoError(t, err)
	assert.False(t, ok)
}
