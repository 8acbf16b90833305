// Package client is the facade the dashboard UI calls: reads from the
// local store, validated local mutations, and the sync loop that keeps the
// store converged with the remote.
//
// Reads never touch the network. Every remote call is bounded by the
// configured timeout, so the UI never blocks on an unreachable remote.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/outbox"
	"github.com/roach88/homebase/internal/query"
	"github.com/roach88/homebase/internal/reconcile"
	"github.com/roach88/homebase/internal/remote"
)

// Options configures a Client.
type Options struct {
	// Kinds to pull and subscribe. Empty means every registered kind.
	Kinds []ir.Kind

	// Timeout bounds each remote call. Default: 10s.
	Timeout time.Duration

	// FlushInterval is how often Run flushes the outbox. Default: 30s.
	FlushInterval time.Duration

	// Policy bounds delivery retries. Zero means outbox.DefaultPolicy().
	Policy outbox.Policy

	// Sleeper replaces the backoff timer, for tests.
	Sleeper outbox.Sleeper

	Logger *slog.Logger
}

// Client is the UI-facing facade.
//
// Thread-safety: all methods are safe for concurrent use.
type Client struct {
	engine    *reconcile.Engine
	remote    remote.Store
	queue     *outbox.Queue
	deliverer *outbox.Deliverer
	kinds     []ir.Kind
	interval  time.Duration
	log       *slog.Logger

	flushMu sync.Mutex    // one flush at a time
	nudge   chan struct{} // wakes Run's flush loop after a mutation

	mu     sync.Mutex
	pulled map[ir.Kind]pullState
}

// New creates a client over engine and rs. Every kind in opts.Kinds must
// be registered; an unknown kind is a configuration error.
func New(engine *reconcile.Engine, rs remote.Store, opts Options) (*Client, error) {
	reg := engine.Codec().Registry()
	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = reg.Kinds()
	}
	for _, k := range kinds {
		if _, err := reg.Get(k); err != nil {
			return nil, fmt.Errorf("client: %w", err)
		}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	interval := opts.FlushInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	policy := opts.Policy
	if policy == (outbox.Policy{}) {
		policy = outbox.DefaultPolicy()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	bounded := &boundedStore{Store: rs, timeout: timeout}
	queue := outbox.NewQueue(engine.Store(), engine.Keys(), engine.Clock())
	dopts := []outbox.Option{outbox.WithPolicy(policy), outbox.WithLogger(log)}
	if opts.Sleeper != nil {
		dopts = append(dopts, outbox.WithSleeper(opts.Sleeper))
	}

	return &Client{
		engine:    engine,
		remote:    bounded,
		queue:     queue,
		deliverer: outbox.NewDeliverer(engine, queue, bounded, dopts...),
		kinds:     kinds,
		interval:  interval,
		log:       log,
		nudge:     make(chan struct{}, 1),
		pulled:    make(map[ir.Kind]pullState),
	}, nil
}

// Kinds returns the synced kinds.
func (c *Client) Kinds() []ir.Kind {
	return append([]ir.Kind(nil), c.kinds...)
}

// Outbox returns the outbox queue, for diagnostics and manual retry.
func (c *Client) Outbox() *outbox.Queue {
	return c.queue
}

// Get returns the local record of (kind, key). Records pending deletion
// are reported absent.
func (c *Client) Get(ctx context.Context, kind ir.Kind, key string) (ir.Entry, bool, error) {
	if _, err := c.engine.Codec().Registry().Get(kind); err != nil {
		return ir.Entry{}, false, err
	}
	e, ok, err := c.engine.Store().Get(ctx, kind, key)
	if err != nil || !ok || e.Deleted {
		return ir.Entry{}, false, err
	}
	return e, true, nil
}

// QueryAll returns the local records of kind matching pred, ordered by
// key. A nil pred matches all records. Predicates are checked against the
// kind's schema first.
func (c *Client) QueryAll(ctx context.Context, kind ir.Kind, pred query.Predicate) ([]ir.Entry, error) {
	s, err := c.engine.Codec().Registry().Get(kind)
	if err != nil {
		return nil, err
	}
	if errs := query.Validate(pred, s); len(errs) > 0 {
		return nil, fmt.Errorf("query %s: %w", kind, errors.Join(errs...))
	}
	return c.engine.Store().QueryAll(ctx, kind, pred)
}

// Mutate validates and applies a local mutation and queues it for
// delivery. An invalid payload returns a *ir.ValidationError and changes
// nothing.
func (c *Client) Mutate(ctx context.Context, kind ir.Kind, m ir.Mutation, payload ir.Fields) (ir.Entry, error) {
	e, err := c.engine.Mutate(ctx, kind, m, payload)
	if err != nil {
		return ir.Entry{}, err
	}
	select {
	case c.nudge <- struct{}{}:
	default:
	}
	return e, nil
}

// boundedStore applies a per-call timeout to every request except
// Subscribe, whose context is the stream's lifetime.
type boundedStore struct {
	remote.Store
	timeout time.Duration
}

func (b *boundedStore) Fetch(ctx context.Context, kind ir.Kind, pred query.Predicate) ([]ir.WireRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.Store.Fetch(ctx, kind, pred)
}

func (b *boundedStore) Upsert(ctx context.Context, kind ir.Kind, rows []ir.WireRecord) (remote.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.Store.Upsert(ctx, kind, rows)
}

func (b *boundedStore) Delete(ctx context.Context, kind ir.Kind, rows []ir.WireRecord) (remote.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	return b.Store.Delete(ctx, kind, rows)
}

// eachKind runs fn for every kind concurrently.
func (c *Client) eachKind(ctx context.Context, fn func(context.Context, ir.Kind) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, k := range c.kinds {
		g.Go(func() error {
			return fn(gctx, k)
		})
	}
	return g.Wait()
}
