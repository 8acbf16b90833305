package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/reconcile"
	"github.com/roach88/homebase/internal/remote"
)

// Policy bounds delivery retries and concurrency.
type Policy struct {
	// MaxAttempts is the number of delivery attempts before an entry is
	// marked failed.
	MaxAttempts int

	// BaseDelay is the wait after the first failed attempt. Each further
	// failure doubles it, up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Concurrency is how many records are delivered at once.
	Concurrency int
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Concurrency: 4,
	}
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(d, p.MaxDelay)
}

// Sleeper waits between delivery attempts.
type Sleeper interface {
	// Sleep waits for d or until ctx is done, returning ctx's error.
	Sleep(ctx context.Context, d time.Duration) error
}

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// FlushResult summarizes one Flush.
type FlushResult struct {
	// Delivered counts acknowledged entries.
	Delivered int

	// Conflicted lists records whose write the remote refused.
	Conflicted []ir.Ref

	// Skipped counts records left alone because they await conflict
	// resolution.
	Skipped int

	// Blocked counts records held behind a failed entry. They wait until
	// that entry is retried.
	Blocked int

	// Failures lists entries marked failed during this flush.
	Failures []*ir.SyncFailure
}

// Err joins the failures, or returns nil.
func (r FlushResult) Err() error {
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// Deliverer sends queued mutations to the remote store and settles them
// through the engine.
//
// Thread-safety: Flush may be called concurrently, but concurrent flushes
// may deliver the same entry twice; callers serialize them.
type Deliverer struct {
	engine  *reconcile.Engine
	queue   *Queue
	remote  remote.Store
	policy  Policy
	sleeper Sleeper
	log     *slog.Logger
}

// Option configures a Deliverer.
type Option func(*Deliverer)

// WithPolicy replaces DefaultPolicy.
func WithPolicy(p Policy) Option {
	return func(d *Deliverer) {
		d.policy = p
	}
}

// WithSleeper replaces the timer-based sleeper.
func WithSleeper(s Sleeper) Option {
	return func(d *Deliverer) {
		d.sleeper = s
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Deliverer) {
		d.log = l
	}
}

// NewDeliverer creates a deliverer for the queue of engine's store.
func NewDeliverer(engine *reconcile.Engine, queue *Queue, rs remote.Store, opts ...Option) *Deliverer {
	d := &Deliverer{
		engine:  engine,
		queue:   queue,
		remote:  rs,
		policy:  DefaultPolicy(),
		sleeper: timerSleeper{},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.policy.MaxAttempts < 1 {
		d.policy.MaxAttempts = 1
	}
	if d.policy.Concurrency < 1 {
		d.policy.Concurrency = 1
	}
	return d
}

// Queue returns the deliverer's queue.
func (d *Deliverer) Queue() *Queue {
	return d.queue
}

// Flush delivers every pending entry once.
//
// Records are delivered concurrently up to the policy's concurrency, the
// entries of one record sequentially. A refused write puts the record in
// conflict and holds back its later entries. Entries that exhaust their
// attempts, or fail permanently, are marked failed and reported in
// FlushResult.Failures; they do not fail the flush.
//
// The returned error is reserved for cancellation and local store errors.
// Entries acknowledged before it occurred stay settled.
func (d *Deliverer) Flush(ctx context.Context) (FlushResult, error) {
	groups, err := d.queue.queuedByKey(ctx)
	if err != nil {
		return FlushResult{}, fmt.Errorf("flush: %w", err)
	}

	var (
		mu  sync.Mutex
		res FlushResult
	)
	record := func(fn func(*FlushResult)) {
		mu.Lock()
		defer mu.Unlock()
		fn(&res)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.policy.Concurrency)
	for _, entries := range groups {
		g.Go(func() error {
			return d.deliverKey(gctx, entries, record)
		})
	}
	err = g.Wait()

	if n := len(res.Failures); n > 0 || res.Delivered > 0 || len(res.Conflicted) > 0 {
		d.log.Info("outbox flushed",
			"delivered", res.Delivered,
			"conflicted", len(res.Conflicted),
			"skipped", res.Skipped,
			"blocked", res.Blocked,
			"failed", n,
		)
	}
	return res, err
}

// deliverKey delivers the entries of one record in order.
func (d *Deliverer) deliverKey(ctx context.Context, entries []ir.OutboxEntry, record func(func(*FlushResult))) error {
	first := entries[0]
	st := d.engine.Store()

	local, ok, err := st.Get(ctx, first.Kind, first.Key)
	if err != nil {
		return err
	}
	if ok && local.State == ir.StateConflicted {
		record(func(r *FlushResult) { r.Skipped++ })
		return nil
	}
	if first.Failed {
		record(func(r *FlushResult) { r.Blocked++ })
		return nil
	}

	for _, queued := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Reload: acknowledging the previous entry rebases this one.
		o, ok, err := st.OutboxEntry(ctx, queued.ID)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if o.Failed {
			// Later entries must not overtake a failed one.
			record(func(r *FlushResult) { r.Blocked++ })
			return nil
		}

		outcome, err := d.deliver(ctx, o)
		if err != nil {
			return err
		}
		switch outcome.kind {
		case delivered:
			record(func(r *FlushResult) { r.Delivered++ })
		case conflicted:
			record(func(r *FlushResult) { r.Conflicted = append(r.Conflicted, o.Ref()) })
			return nil
		case failed:
			record(func(r *FlushResult) { r.Failures = append(r.Failures, outcome.failure) })
			return nil
		}
	}
	return nil
}

type outcomeKind int

const (
	delivered outcomeKind = iota
	conflicted
	failed
)

type outcome struct {
	kind    outcomeKind
	failure *ir.SyncFailure
}

// deliver sends one entry, retrying transient failures with backoff.
func (d *Deliverer) deliver(ctx context.Context, o ir.OutboxEntry) (outcome, error) {
	log := d.log.With("kind", o.Kind, "key", o.Key, "outbox_id", o.ID, "mutation", o.Mutation)

	row, err := d.encode(o)
	if err != nil {
		return d.fail(ctx, o, o.Attempts, err)
	}

	attempts := o.Attempts
	for {
		res, err := d.send(ctx, o, row)
		if err == nil {
			return d.settle(ctx, o, attempts, res)
		}
		if ctx.Err() != nil {
			return outcome{}, ctx.Err()
		}

		attempts++
		if remote.IsPermanent(err) || attempts >= d.policy.MaxAttempts {
			return d.fail(ctx, o, attempts, err)
		}
		if rerr := d.engine.Store().RecordAttempt(ctx, o.ID, err.Error()); rerr != nil {
			return outcome{}, rerr
		}

		wait := d.policy.Backoff(attempts)
		log.Warn("delivery failed, retrying",
			"attempt", attempts,
			"backoff", wait,
			"error", err,
		)
		if err := d.sleeper.Sleep(ctx, wait); err != nil {
			return outcome{}, err
		}
	}
}

func (d *Deliverer) send(ctx context.Context, o ir.OutboxEntry, row ir.WireRecord) (remote.Result, error) {
	if o.Mutation == ir.MutationDelete {
		return d.remote.Delete(ctx, o.Kind, []ir.WireRecord{row})
	}
	return d.remote.Upsert(ctx, o.Kind, []ir.WireRecord{row})
}

// settle hands the remote's answer to the engine.
func (d *Deliverer) settle(ctx context.Context, o ir.OutboxEntry, attempts int, res remote.Result) (outcome, error) {
	switch {
	case len(res.Conflicts) > 0:
		if err := d.engine.Reject(ctx, o, res.Conflicts[0].Current); err != nil {
			if ir.IsValidationError(err) {
				return d.fail(ctx, o, attempts+1, err)
			}
			return outcome{}, err
		}
		return outcome{kind: conflicted}, nil

	case len(res.Committed) > 0:
		if err := d.engine.Acknowledge(ctx, o, res.Committed[0]); err != nil {
			if ir.IsValidationError(err) {
				return d.fail(ctx, o, attempts+1, err)
			}
			return outcome{}, err
		}
		return outcome{kind: delivered}, nil

	default:
		return d.fail(ctx, o, attempts+1, errors.New("remote returned neither a commit nor a conflict"))
	}
}

// fail marks the entry failed and reports it.
func (d *Deliverer) fail(ctx context.Context, o ir.OutboxEntry, attempts int, cause error) (outcome, error) {
	if err := d.engine.Store().MarkFailed(ctx, o.ID, cause.Error()); err != nil {
		return outcome{}, err
	}
	failure := &ir.SyncFailure{
		Kind:     o.Kind,
		Key:      o.Key,
		EntryID:  o.EntryID,
		Attempts: attempts,
		Err:      cause,
	}
	d.log.Error("sync failure",
		"kind", o.Kind,
		"key", o.Key,
		"outbox_id", o.ID,
		"attempts", attempts,
		"error", cause,
	)
	return outcome{kind: failed, failure: failure}, nil
}

// encode builds the wire row of an entry. The version field carries the
// base version the write expects the remote to hold.
func (d *Deliverer) encode(o ir.OutboxEntry) (ir.WireRecord, error) {
	cd := d.engine.Codec()
	s, err := cd.Registry().Get(o.Kind)
	if err != nil {
		return nil, err
	}

	var row ir.WireRecord
	if o.Mutation == ir.MutationDelete {
		row = ir.WireRecord{s.PrimaryKey: o.Key}
	} else if row, err = cd.Encode(o.Kind, o.Payload); err != nil {
		return nil, err
	}
	v, err := cd.EncodeValue(o.Kind, s.VersionField, s.VersionValue(o.BaseVersion))
	if err != nil {
		return nil, err
	}
	row[s.VersionField] = v
	return row, nil
}
