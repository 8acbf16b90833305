package outbox

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/reconcile"
	"github.com/roach88/homebase/internal/remote"
	"github.com/roach88/homebase/internal/store"
	"github.com/roach88/homebase/internal/testutil"
)

var testPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   100 * time.Millisecond,
	MaxDelay:    time.Second,
	Concurrency: 4,
}

type fixture struct {
	engine  *reconcile.Engine
	st      *store.Store
	queue   *Queue
	mem     *remote.Memory
	sleeper *testutil.RecordingSleeper
	d       *Deliverer
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureOn(t, testutil.NewStore(t), opts...)
}

func newFixtureOn(t *testing.T, st *store.Store, opts ...Option) *fixture {
	t.Helper()
	cd := testutil.NewCodec(t)
	keys := testutil.NewSequentialGenerator("e")
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))

	engine, err := reconcile.New(context.Background(), st, cd,
		reconcile.WithKeyGenerator(keys),
		reconcile.WithLogger(discard))
	require.NoError(t, err)

	f := &fixture{
		engine:  engine,
		st:      st,
		queue:   NewQueue(st, keys, engine.Clock()),
		mem:     remote.NewMemory(cd.Registry()),
		sleeper: &testutil.RecordingSleeper{},
	}
	base := []Option{WithPolicy(testPolicy), WithSleeper(f.sleeper), WithLogger(discard)}
	f.d = NewDeliverer(engine, f.queue, f.mem, append(base, opts...)...)
	return f
}

func (f *fixture) insert(t *testing.T, id, body string) {
	t.Helper()
	_, err := f.engine.Mutate(context.Background(), testutil.KindNote, ir.MutationInsert, testutil.NoteFields(id, body, 0))
	require.NoError(t, err)
}

func (f *fixture) update(t *testing.T, id, body string) {
	t.Helper()
	_, err := f.engine.Mutate(context.Background(), testutil.KindNote, ir.MutationUpdate,
		ir.Fields{"id": ir.String(id), "body": ir.String(body)})
	require.NoError(t, err)
}

// seed writes a note on the remote and pulls it, so both sides agree.
func (f *fixture) seed(t *testing.T, id, body string) {
	t.Helper()
	rows, err := f.mem.Put(testutil.KindNote, testutil.Note(id, body, 0))
	require.NoError(t, err)
	_, err = f.engine.ApplyRemote(context.Background(), testutil.KindNote, rows)
	require.NoError(t, err)
}

func (f *fixture) local(t *testing.T, id string) ir.Entry {
	t.Helper()
	e, ok, err := f.st.Get(context.Background(), testutil.KindNote, id)
	require.NoError(t, err)
	require.True(t, ok, "note %s not in store", id)
	return e
}

func (f *fixture) outbox(t *testing.T) []ir.OutboxEntry {
	t.Helper()
	all, err := f.queue.List(context.Background(), true)
	require.NoError(t, err)
	return all
}

func (f *fixture) flush(t *testing.T) FlushResult {
	t.Helper()
	res, err := f.d.Flush(context.Background())
	require.NoError(t, err)
	return res
}
