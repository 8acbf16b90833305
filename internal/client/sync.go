package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/outbox"
	"github.com/roach88/homebase/internal/query"
	"github.com/roach88/homebase/internal/reconcile"
	"github.com/roach88/homebase/internal/remote"
	"github.com/roach88/homebase/internal/schema"
)

// SyncReport summarizes one Sync.
type SyncReport struct {
	// Pulled holds the merge result per kind that was pulled successfully.
	Pulled map[ir.Kind]reconcile.BatchResult

	// PullErrors holds the kinds whose pull failed.
	PullErrors map[ir.Kind]error

	// Resolved counts conflicts resolved during the sync.
	Resolved int

	Flush outbox.FlushResult
}

// Err joins the pull errors and delivery failures, or returns nil.
func (r SyncReport) Err() error {
	errs := make([]error, 0, len(r.PullErrors)+1)
	for _, err := range r.PullErrors {
		errs = append(errs, err)
	}
	errs = append(errs, r.Flush.Err())
	return errors.Join(errs...)
}

// Sync converges once: pulls every kind incrementally from its watermark,
// resolves conflicts, flushes the outbox and resolves the conflicts the
// flush surfaced.
//
// A kind whose pull fails keeps its cached data and is reported Stale; the
// other kinds and the flush still run. The returned error is reserved for
// cancellation and local store failures; remote failures are in the
// report.
func (c *Client) Sync(ctx context.Context) (SyncReport, error) {
	report := SyncReport{
		Pulled:     make(map[ir.Kind]reconcile.BatchResult),
		PullErrors: make(map[ir.Kind]error),
	}

	var mu sync.Mutex
	results := make(map[ir.Kind]pullOutcome, len(c.kinds))
	err := c.eachKind(ctx, func(ctx context.Context, kind ir.Kind) error {
		res, err := c.pull(ctx, kind)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		mu.Lock()
		results[kind] = pullOutcome{res, err}
		mu.Unlock()
		var local localError
		if errors.As(err, &local) {
			return local.err
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	for kind, out := range results {
		if out.err != nil {
			report.PullErrors[kind] = out.err
			continue
		}
		report.Pulled[kind] = out.res
	}

	if report.Resolved, err = c.engine.ResolveAll(ctx); err != nil {
		return report, err
	}
	if report.Flush, err = c.flush(ctx); err != nil {
		return report, err
	}
	n, err := c.engine.ResolveAll(ctx)
	report.Resolved += n
	if err != nil {
		return report, err
	}

	c.log.Info("sync complete",
		"kinds", len(c.kinds),
		"pull_errors", len(report.PullErrors),
		"resolved", report.Resolved,
		"delivered", report.Flush.Delivered,
		"failed", len(report.Flush.Failures),
	)
	return report, nil
}

type pullOutcome struct {
	res reconcile.BatchResult
	err error
}

// localError marks a pull failure of the local store, which aborts Sync.
type localError struct {
	err error
}

func (e localError) Error() string { return e.err.Error() }
func (e localError) Unwrap() error { return e.err }

// pull fetches the rows of kind changed since its watermark and merges
// them. Remote failures are recorded in the kind's status.
func (c *Client) pull(ctx context.Context, kind ir.Kind) (reconcile.BatchResult, error) {
	s, err := c.engine.Codec().Registry().Get(kind)
	if err != nil {
		return reconcile.BatchResult{}, localError{err}
	}
	wm, err := c.engine.Store().Watermark(ctx, kind)
	if err != nil {
		return reconcile.BatchResult{}, localError{err}
	}

	rows, err := c.remote.Fetch(ctx, kind, since(s, wm))
	if err != nil {
		err = fmt.Errorf("pull %s: %w", kind, err)
		c.recordPull(kind, err)
		c.log.Warn("pull failed", "kind", kind, "transient", remote.IsTransient(err), "error", err)
		return reconcile.BatchResult{}, err
	}

	res, err := c.engine.ApplyRemote(ctx, kind, rows)
	if err != nil {
		return reconcile.BatchResult{}, localError{err}
	}
	c.recordPull(kind, nil)
	return res, nil
}

// since selects rows at or after the watermark. Rows at the watermark are
// fetched again: a timestamp version may be shared by a row committed
// after the previous pull, and rows already held come back Unchanged.
func since(s *schema.Schema, wm ir.Version) query.Predicate {
	if wm <= 0 {
		return nil
	}
	at := s.VersionValue(wm)
	return query.Or{Predicates: []query.Predicate{
		query.Greater{Field: s.VersionField, Value: at},
		query.Equals{Field: s.VersionField, Value: at},
	}}
}

// flush runs one outbox flush. Flushes never overlap.
func (c *Client) flush(ctx context.Context) (outbox.FlushResult, error) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	return c.deliverer.Flush(ctx)
}

// Run keeps the local store converged until ctx is done: an initial Sync,
// one change subscription per kind feeding a single applier, and a flush
// every FlushInterval or shortly after a local mutation.
//
// Subscription failures are logged and the kind falls back to pulls made
// by later syncs. Run returns nil when ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	if _, err := c.Sync(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("initial sync: %w", err)
	}

	q := reconcile.NewEventQueue()
	g, gctx := errgroup.WithContext(ctx)

	for _, kind := range c.kinds {
		events, err := c.remote.Subscribe(gctx, kind)
		if err != nil {
			c.log.Warn("subscribe failed", "kind", kind, "error", err)
			continue
		}
		g.Go(func() error {
			for ev := range events {
				q.Enqueue(ev)
			}
			return nil
		})
	}

	g.Go(func() error {
		return c.engine.Run(gctx, q)
	})

	g.Go(func() error {
		return c.flushLoop(gctx)
	})

	err := g.Wait()
	q.Close()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// flushLoop flushes on every tick and after mutations, then resolves the
// conflicts the flush surfaced. Remote failures are logged, not fatal.
func (c *Client) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-c.nudge:
		}

		res, err := c.flush(ctx)
		if err != nil {
			return err
		}
		if err := res.Err(); err != nil {
			c.log.Warn("outbox flush reported failures", "error", err)
		}
		if len(res.Conflicted) > 0 {
			if _, err := c.engine.ResolveAll(ctx); err != nil {
				return err
			}
		}
	}
}
