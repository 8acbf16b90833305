package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/homebase/internal/codec"
	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/schema"
	"github.com/roach88/homebase/internal/store"
)

// Engine merges remote changes and local mutations into the local store.
//
// Every operation runs inside one store batch, so the store-level writer
// lock serializes remote applies, local mutations, acknowledgments and
// resolutions. The engine itself holds no mutable record state.
//
// Thread-safety: all methods are safe for concurrent use.
type Engine struct {
	store     *store.Store
	codec     *codec.Codec
	clock     *Clock
	keys      KeyGenerator
	resolvers map[ir.Kind]Resolver
	log       *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithResolver registers the conflict resolver for one kind.
// Kinds without a resolver use LastWriterWins.
func WithResolver(kind ir.Kind, r Resolver) Option {
	return func(e *Engine) {
		e.resolvers[kind] = r
	}
}

// WithKeyGenerator replaces the UUIDv7 key generator.
func WithKeyGenerator(g KeyGenerator) Option {
	return func(e *Engine) {
		e.keys = g
	}
}

// WithClock replaces the clock resumed from the store.
func WithClock(c *Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// New creates an Engine over st. The logical clock resumes from the highest
// sequence held by the store unless WithClock is given.
func New(ctx context.Context, st *store.Store, c *codec.Codec, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:     st,
		codec:     c,
		keys:      UUIDv7Generator{},
		resolvers: make(map[ir.Kind]Resolver),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.clock == nil {
		seq, err := st.MaxSeq(ctx)
		if err != nil {
			return nil, fmt.Errorf("resume clock: %w", err)
		}
		e.clock = NewClockAt(seq)
	}
	return e, nil
}

// Clock returns the engine's logical clock.
func (e *Engine) Clock() *Clock {
	return e.clock
}

// Keys returns the engine's key generator.
func (e *Engine) Keys() KeyGenerator {
	return e.keys
}

// Codec returns the engine's codec.
func (e *Engine) Codec() *codec.Codec {
	return e.codec
}

// Store returns the engine's store.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Outcome is what happened to one remote record.
type Outcome string

const (
	// OutcomeAccepted: the remote record replaced the local one.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeUnchanged: the local record already held this content and version.
	OutcomeUnchanged Outcome = "unchanged"
	// OutcomeDiscarded: stale or an echo of a pending local write.
	OutcomeDiscarded Outcome = "discarded"
	// OutcomeConflicted: the record diverged from a pending local write.
	OutcomeConflicted Outcome = "conflicted"
	// OutcomeDeleted: a remote delete removed the local record.
	OutcomeDeleted Outcome = "deleted"
)

// BatchResult summarizes one ApplyRemote call.
type BatchResult struct {
	Kind       ir.Kind
	Accepted   int
	Unchanged  int
	Discarded  int
	Conflicted []ir.Ref
	Invalid    []*ir.ValidationError

	// Watermark is the kind's watermark after the batch.
	Watermark ir.Version
}

// Applied is the number of records that passed decoding.
func (r BatchResult) Applied() int {
	return r.Accepted + r.Unchanged + r.Discarded + len(r.Conflicted)
}

func (r *BatchResult) count(o Outcome, ref ir.Ref) {
	switch o {
	case OutcomeAccepted, OutcomeDeleted:
		r.Accepted++
	case OutcomeUnchanged:
		r.Unchanged++
	case OutcomeDiscarded:
		r.Discarded++
	case OutcomeConflicted:
		r.Conflicted = append(r.Conflicted, ref)
	}
}

// ApplyRemote merges a page of remote rows of one kind.
//
// Rows are decoded independently; undecodable rows are reported in
// Invalid and skipped. All decoded rows are applied in one atomic batch,
// together with the kind's watermark. A returned error means nothing was
// applied.
func (e *Engine) ApplyRemote(ctx context.Context, kind ir.Kind, rows []ir.WireRecord) (BatchResult, error) {
	s, err := e.codec.Registry().Get(kind)
	if err != nil {
		return BatchResult{}, err
	}

	decoded, invalid, err := e.codec.DecodeBatch(kind, rows)
	if err != nil {
		return BatchResult{}, err
	}
	result := BatchResult{Kind: kind, Invalid: invalid}
	for _, verr := range invalid {
		e.log.Warn("remote record rejected",
			"kind", kind,
			"key", verr.Key,
			"field", verr.Field,
			"reason", verr.Reason,
		)
	}

	var high ir.Version
	err = e.store.Batch(ctx, func(tx *store.Tx) error {
		for _, d := range decoded {
			o, err := e.applyRecord(ctx, tx, s, d.Key, d.Fields, d.Version)
			if err != nil {
				return err
			}
			result.count(o, ir.Ref{Kind: kind, Key: d.Key})
			high = max(high, d.Version)
		}
		if high > 0 {
			return tx.AdvanceWatermark(ctx, kind, high)
		}
		return nil
	})
	if err != nil {
		return BatchResult{}, fmt.Errorf("apply remote %s: %w", kind, err)
	}

	if result.Watermark, err = e.store.Watermark(ctx, kind); err != nil {
		return BatchResult{}, err
	}

	e.log.Debug("remote batch applied",
		"kind", kind,
		"rows", len(rows),
		"accepted", result.Accepted,
		"unchanged", result.Unchanged,
		"discarded", result.Discarded,
		"conflicted", len(result.Conflicted),
		"invalid", len(result.Invalid),
	)
	return result, nil
}

// applyRecord merges one decoded remote record with the local entry.
func (e *Engine) applyRecord(ctx context.Context, tx *store.Tx, s *schema.Schema, key string, fields ir.Fields, version ir.Version) (Outcome, error) {
	local, ok, err := tx.Get(ctx, s.Kind, key)
	if err != nil {
		return "", err
	}

	if !ok {
		return OutcomeAccepted, tx.Put(ctx, cleanEntry(s.Kind, key, fields, version))
	}

	switch local.State {
	case ir.StateClean:
		if version < local.Version {
			return OutcomeDiscarded, nil
		}
		if version == local.Version && local.Fields.Equal(fields) {
			return OutcomeUnchanged, nil
		}
		return OutcomeAccepted, tx.Put(ctx, cleanEntry(s.Kind, key, fields, version))

	case ir.StatePendingWrite:
		// A newer row equal to the pending content is our write landing
		// ahead of its acknowledgment. If it was another writer, the
		// delivery is refused and goes through Reject.
		if version <= local.BaseVersion || sameContent(s, local.Fields, fields) {
			return OutcomeDiscarded, nil
		}
		local.State = ir.StateConflicted
		local.Conflict = &ir.ConflictSnapshot{Fields: fields, Version: version}
		if err := tx.Put(ctx, local); err != nil {
			return "", err
		}
		e.logConflict(local, "remote update")
		return OutcomeConflicted, nil

	case ir.StateConflicted:
		if version <= local.Conflict.Version {
			return OutcomeDiscarded, nil
		}
		local.Conflict = &ir.ConflictSnapshot{Fields: fields, Version: version}
		if err := tx.Put(ctx, local); err != nil {
			return "", err
		}
		e.logConflict(local, "remote update")
		return OutcomeConflicted, nil

	default:
		return "", fmt.Errorf("%s/%s: unknown sync state %q", s.Kind, key, local.State)
	}
}

// ApplyChange merges one event from the remote subscription stream.
//
// Insert and update events are merged like a one-row ApplyRemote, except
// that the watermark is not advanced: events can arrive out of order with
// respect to pulls. A malformed event returns *ir.ValidationError and
// leaves the store untouched.
func (e *Engine) ApplyChange(ctx context.Context, ev ir.ChangeEvent) (Outcome, error) {
	s, err := e.codec.Registry().Get(ev.Kind)
	if err != nil {
		return "", err
	}

	if ev.Op == ir.ChangeDelete {
		return e.applyDelete(ctx, s, ev.Record)
	}

	fields, version, err := e.codec.Decode(ev.Kind, ev.Record)
	if err != nil {
		return "", err
	}
	key := s.KeyOf(fields)

	var outcome Outcome
	err = e.store.Batch(ctx, func(tx *store.Tx) error {
		outcome, err = e.applyRecord(ctx, tx, s, key, fields, version)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("apply change %s/%s: %w", ev.Kind, key, err)
	}
	return outcome, nil
}

// applyDelete handles a remote delete. Delete events may carry only the
// primary key.
func (e *Engine) applyDelete(ctx context.Context, s *schema.Schema, record ir.WireRecord) (Outcome, error) {
	key, _ := record[s.PrimaryKey].(string)
	if key == "" {
		return "", ir.NewValidationError(s.Kind, "", s.PrimaryKey, "delete event without primary key")
	}

	var outcome Outcome
	err := e.store.Batch(ctx, func(tx *store.Tx) error {
		local, ok, err := tx.Get(ctx, s.Kind, key)
		if err != nil {
			return err
		}
		if !ok {
			outcome = OutcomeDiscarded
			return nil
		}

		switch {
		case local.State == ir.StateClean || (local.Deleted && local.State == ir.StatePendingWrite):
			// Clean records follow the remote; a pending local delete agrees with it.
			if _, err := tx.RemoveOutboxFor(ctx, s.Kind, key); err != nil {
				return err
			}
			outcome = OutcomeDeleted
			return tx.Delete(ctx, s.Kind, key)

		case local.State == ir.StateConflicted && local.Conflict.Deleted:
			outcome = OutcomeDiscarded
			return nil

		default:
			version := local.Version
			if local.Conflict != nil {
				version = max(version, local.Conflict.Version)
			}
			local.State = ir.StateConflicted
			local.Conflict = &ir.ConflictSnapshot{Version: version, Deleted: true}
			if err := tx.Put(ctx, local); err != nil {
				return err
			}
			e.logConflict(local, "remote delete")
			outcome = OutcomeConflicted
			return nil
		}
	})
	if err != nil {
		return "", fmt.Errorf("apply delete %s/%s: %w", s.Kind, key, err)
	}
	return outcome, nil
}

// Run applies events from q until ctx is cancelled or q is closed and
// drained. Must be called from exactly one goroutine per queue.
//
// A failed event is logged and skipped; one bad event never stalls the
// stream.
func (e *Engine) Run(ctx context.Context, q *EventQueue) error {
	e.log.Info("change applier starting")

	for {
		if ev, ok := q.TryDequeue(); ok {
			if _, err := e.ApplyChange(ctx, ev); err != nil {
				e.log.Error("change event failed",
					"kind", ev.Kind,
					"op", ev.Op,
					"error", err,
				)
			}
			continue
		}

		select {
		case <-ctx.Done():
			e.log.Info("change applier stopping: context cancelled")
			return ctx.Err()

		case <-q.Wait():
			// The signal channel is closed with the queue
			if q.Closed() && q.Len() == 0 {
				e.log.Info("change applier stopping: queue closed")
				return nil
			}
		}
	}
}

func (e *Engine) logConflict(local ir.Entry, cause string) {
	e.log.Warn("ConflictDetected",
		"kind", local.Kind,
		"key", local.Key,
		"cause", cause,
		"base_version", local.BaseVersion,
		"remote_version", local.Conflict.Version,
		"remote_deleted", local.Conflict.Deleted,
	)
}

func cleanEntry(kind ir.Kind, key string, fields ir.Fields, version ir.Version) ir.Entry {
	return ir.Entry{
		Kind:        kind,
		Key:         key,
		Fields:      fields,
		Version:     version,
		BaseVersion: version,
		State:       ir.StateClean,
	}
}

// sameContent compares two records ignoring the version field, which the
// remote store rewrites on commit. A match means the remote row is an echo
// of the local write.
func sameContent(s *schema.Schema, a, b ir.Fields) bool {
	a, b = a.Clone(), b.Clone()
	delete(a, s.VersionField)
	delete(b, s.VersionField)
	return a.Equal(b)
}
