package client

import (
	"context"
	"time"

	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/remote"
)

// State is the sync indicator shown next to a kind's data.
type State string

const (
	// StateFresh: the last pull succeeded and no delivery has failed.
	StateFresh State = "fresh"
	// StateStale: cached data is shown because the remote was not
	// reachable, or has not been pulled yet.
	StateStale State = "stale"
	// StateFailed: local changes could not be delivered, or the remote
	// refused the pull. Needs attention.
	StateFailed State = "failed"
)

// Status is the sync status of one kind.
type Status struct {
	Kind       ir.Kind    `json:"kind"`
	State      State      `json:"state"`
	LastPull   time.Time  `json:"last_pull,omitzero"`
	Watermark  ir.Version `json:"watermark"`
	Pending    int        `json:"pending"`
	Failed     int        `json:"failed"`
	Conflicted int        `json:"conflicted"`
	Error      string     `json:"error,omitempty"`
}

type pullState struct {
	at  time.Time // last successful pull
	err error     // last pull error, nil after a success
}

func (c *Client) recordPull(kind ir.Kind, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.pulled[kind]
	st.err = err
	if err == nil {
		st.at = time.Now()
	}
	c.pulled[kind] = st
}

// Status returns the sync status of kind.
func (c *Client) Status(ctx context.Context, kind ir.Kind) (Status, error) {
	if _, err := c.engine.Codec().Registry().Get(kind); err != nil {
		return Status{}, err
	}
	st := c.engine.Store()

	wm, err := st.Watermark(ctx, kind)
	if err != nil {
		return Status{}, err
	}
	pending, failed, err := st.OutboxCounts(ctx)
	if err != nil {
		return Status{}, err
	}
	states, err := st.CountByState(ctx, kind)
	if err != nil {
		return Status{}, err
	}

	c.mu.Lock()
	pull, pulled := c.pulled[kind]
	c.mu.Unlock()

	s := Status{
		Kind:       kind,
		LastPull:   pull.at,
		Watermark:  wm,
		Pending:    pending[kind],
		Failed:     failed[kind],
		Conflicted: states[ir.StateConflicted],
	}
	if pull.err != nil {
		s.Error = pull.err.Error()
	}

	switch {
	case s.Failed > 0 || remote.IsPermanent(pull.err):
		s.State = StateFailed
	case !pulled || pull.err != nil:
		s.State = StateStale
	default:
		s.State = StateFresh
	}
	return s, nil
}

// Statuses returns the status of every synced kind, in kind order.
func (c *Client) Statuses(ctx context.Context) ([]Status, error) {
	out := make([]Status, 0, len(c.kinds))
	for _, k := range c.kinds {
		s, err := c.Status(ctx, k)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
