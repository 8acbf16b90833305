package reconcile

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/store"
	"github.com/roach88/homebase/internal/testutil"
)

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testEngine struct {
	*Engine
	st   *store.Store
	logs *syncBuffer
}

func newTestEngine(t *testing.T, opts ...Option) *testEngine {
	t.Helper()
	st := testutil.NewStore(t)
	logs := &syncBuffer{}
	base := []Option{
		WithKeyGenerator(testutil.NewSequentialGenerator("k")),
		WithLogger(slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))),
	}
	e, err := New(context.Background(), st, testutil.NewCodec(t), append(base, opts...)...)
	require.NoError(t, err)
	return &testEngine{Engine: e, st: st, logs: logs}
}

func (te *testEngine) get(t *testing.T, kind ir.Kind, key string) ir.Entry {
	t.Helper()
	e, ok, err := te.st.Get(context.Background(), kind, key)
	require.NoError(t, err)
	require.True(t, ok, "%s/%s not in store", kind, key)
	return e
}

func (te *testEngine) absent(t *testing.T, kind ir.Kind, key string) {
	t.Helper()
	_, ok, err := te.st.Get(context.Background(), kind, key)
	require.NoError(t, err)
	require.False(t, ok, "%s/%s still in store", kind, key)
}

func (te *testEngine) outbox(t *testing.T) []ir.OutboxEntry {
	t.Helper()
	pending, err := te.st.ListOutbox(context.Background(), true)
	require.NoError(t, err)
	return pending
}

// seedNote applies a remote note at rev so it is Clean locally.
func (te *testEngine) seedNote(t *testing.T, id, body string, rev int64) {
	t.Helper()
	_, err := te.ApplyRemote(context.Background(), testutil.KindNote, []ir.WireRecord{testutil.Note(id, body, rev)})
	require.NoError(t, err)
}

// editNote makes a pending local update of a note.
func (te *testEngine) editNote(t *testing.T, id, body string) ir.Entry {
	t.Helper()
	e, err := te.Mutate(context.Background(), testutil.KindNote, ir.MutationUpdate,
		ir.Fields{"id": ir.String(id), "body": ir.String(body)})
	require.NoError(t, err)
	return e
}
