// Package outbox delivers queued local mutations to the remote store.
//
// The queue itself lives in the local store so it survives restarts.
// Entries of one record are delivered strictly in enqueue order; entries
// of different records are independent and delivered concurrently.
package outbox

import (
	"context"
	"fmt"
	"iter"
	"slices"

	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/reconcile"
	"github.com/roach88/homebase/internal/store"
)

// defaultPageSize is how many entries Drain reads per query.
const defaultPageSize = 64

// Queue is the durable change feed of local mutations.
type Queue struct {
	store    *store.Store
	keys     reconcile.KeyGenerator
	clock    *reconcile.Clock
	pageSize int
}

// NewQueue returns the queue of st. Entry IDs come from keys and sequence
// numbers from clock, normally the engine's.
func NewQueue(st *store.Store, keys reconcile.KeyGenerator, clock *reconcile.Clock) *Queue {
	return &Queue{store: st, keys: keys, clock: clock, pageSize: defaultPageSize}
}

// Enqueue appends a mutation without touching the record it refers to.
// Engine.Mutate is the normal path; Enqueue serves replays and repairs.
func (q *Queue) Enqueue(ctx context.Context, kind ir.Kind, key string, m ir.Mutation, payload ir.Fields, base ir.Version) (ir.OutboxEntry, error) {
	var out ir.OutboxEntry
	err := q.store.Batch(ctx, func(tx *store.Tx) error {
		var err error
		out, err = tx.Enqueue(ctx, ir.OutboxEntry{
			EntryID:     q.keys.Generate(),
			Kind:        kind,
			Key:         key,
			Mutation:    m,
			Payload:     payload,
			BaseVersion: base,
			Seq:         q.clock.Next(),
		})
		return err
	})
	return out, err
}

// Drain returns the pending entries in enqueue order, read lazily page by
// page. Failed entries are skipped. The sequence is finite: it ends at
// the last entry present when its final page is read.
//
// Iteration stops at the first error, which is yielded with a zero entry.
func (q *Queue) Drain(ctx context.Context) iter.Seq2[ir.OutboxEntry, error] {
	return func(yield func(ir.OutboxEntry, error) bool) {
		var after int64
		for {
			if err := ctx.Err(); err != nil {
				yield(ir.OutboxEntry{}, err)
				return
			}
			page, err := q.store.PendingOutboxAfter(ctx, after, q.pageSize)
			if err != nil {
				yield(ir.OutboxEntry{}, err)
				return
			}
			for _, o := range page {
				if !yield(o, nil) {
					return
				}
				after = o.ID
			}
			if len(page) < q.pageSize {
				return
			}
		}
	}
}

// List returns queued entries, failed ones included when all is set.
func (q *Queue) List(ctx context.Context, all bool) ([]ir.OutboxEntry, error) {
	return q.store.ListOutbox(ctx, all)
}

// Retry makes failed entries deliverable again, resetting their attempt
// counters. With no ids every failed entry is reset.
func (q *Queue) Retry(ctx context.Context, ids ...int64) (int, error) {
	n, err := q.store.ResetFailed(ctx, ids...)
	if err != nil {
		return 0, fmt.Errorf("retry outbox: %w", err)
	}
	return n, nil
}

// Counts returns pending and failed entry counts per kind.
func (q *Queue) Counts(ctx context.Context) (pending, failed map[ir.Kind]int, err error) {
	return q.store.OutboxCounts(ctx)
}

// queuedByKey groups every queued entry per record in enqueue order,
// failed entries included, keeping the order in which each record first
// appears. Records whose entries have all failed are left out.
func (q *Queue) queuedByKey(ctx context.Context) ([][]ir.OutboxEntry, error) {
	all, err := q.store.ListOutbox(ctx, true)
	if err != nil {
		return nil, err
	}

	index := make(map[ir.Ref]int)
	var groups [][]ir.OutboxEntry
	for _, o := range all {
		i, ok := index[o.Ref()]
		if !ok {
			i = len(groups)
			index[o.Ref()] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], o)
	}

	return slices.DeleteFunc(groups, func(entries []ir.OutboxEntry) bool {
		return !slices.ContainsFunc(entries, func(o ir.OutboxEntry) bool { return !o.Failed })
	}), nil
}
