package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/homebase/internal/ir"
)

// Snapshot is the converged state of a scenario: local records with
// their sync metadata, the outbox and the remote rows.
type Snapshot struct {
	Local  []LocalRecord  `json:"local"`
	Outbox []OutboxRecord `json:"outbox"`
	Remote []RemoteRecord `json:"remote"`
}

// LocalRecord is one entry of the local store.
type LocalRecord struct {
	Kind        ir.Kind              `json:"kind"`
	Key         string               `json:"key"`
	State       ir.SyncState         `json:"state"`
	Version     ir.Version           `json:"version"`
	BaseVersion ir.Version           `json:"base_version"`
	Deleted     bool                 `json:"deleted"`
	Fields      ir.Fields            `json:"fields"`
	Conflict    *ir.ConflictSnapshot `json:"conflict,omitempty"`
}

// OutboxRecord is one queued mutation. Queue ids are left out; order
// carries the same information.
type OutboxRecord struct {
	EntryID     string      `json:"entry_id"`
	Kind        ir.Kind     `json:"kind"`
	Key         string      `json:"key"`
	Mutation    ir.Mutation `json:"mutation"`
	Payload     ir.Fields   `json:"payload"`
	BaseVersion ir.Version  `json:"base_version"`
	Attempts    int         `json:"attempts"`
	LastError   string      `json:"last_error,omitempty"`
	Failed      bool        `json:"failed"`
}

// RemoteRecord is one row held by the remote store, wire-encoded.
type RemoteRecord struct {
	Kind ir.Kind       `json:"kind"`
	Row  ir.WireRecord `json:"row"`
}

func (h *Harness) snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Local:  []LocalRecord{},
		Outbox: []OutboxRecord{},
		Remote: []RemoteRecord{},
	}

	entries, err := h.store.Entries(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		snap.Local = append(snap.Local, LocalRecord{
			Kind:        e.Kind,
			Key:         e.Key,
			State:       e.State,
			Version:     e.Version,
			BaseVersion: e.BaseVersion,
			Deleted:     e.Deleted,
			Fields:      e.Fields,
			Conflict:    e.Conflict,
		})
	}

	queued, err := h.store.ListOutbox(ctx, true)
	if err != nil {
		return nil, err
	}
	for _, o := range queued {
		snap.Outbox = append(snap.Outbox, OutboxRecord{
			EntryID:     o.EntryID,
			Kind:        o.Kind,
			Key:         o.Key,
			Mutation:    o.Mutation,
			Payload:     o.Payload,
			BaseVersion: o.BaseVersion,
			Attempts:    o.Attempts,
			LastError:   o.LastError,
			Failed:      o.Failed,
		})
	}

	for _, kind := range h.codec.Registry().Kinds() {
		for _, row := range h.remote.Rows(kind) {
			snap.Remote = append(snap.Remote, RemoteRecord{Kind: kind, Row: row})
		}
	}
	return snap, nil
}

// toCanonicalMap converts a result to a map[string]any for canonical JSON
// serialization. ir.MarshalCanonical only handles IR types and primitives.
func (r *Result) toCanonicalMap(name string) map[string]any {
	trace := make([]any, len(r.Trace))
	for i, ev := range r.Trace {
		m := map[string]any{
			"step": ev.Step,
			"do":   ev.Do,
		}
		if ev.Kind != "" {
			m["kind"] = ev.Kind
		}
		if ev.Key != "" {
			m["key"] = ev.Key
		}
		if len(ev.Counts) > 0 {
			counts := make(map[string]any, len(ev.Counts))
			for k, v := range ev.Counts {
				counts[k] = v
			}
			m["counts"] = counts
		}
		if ev.Error != "" {
			m["error"] = ev.Error
		}
		trace[i] = m
	}

	out := map[string]any{
		"scenario_name": name,
		"trace":         trace,
	}
	if r.Final != nil {
		out["final"] = r.Final.toCanonicalMap()
	}
	return out
}

func (s *Snapshot) toCanonicalMap() map[string]any {
	local := make([]any, len(s.Local))
	for i, e := range s.Local {
		m := map[string]any{
			"kind":         string(e.Kind),
			"key":          e.Key,
			"state":        string(e.State),
			"version":      int64(e.Version),
			"base_version": int64(e.BaseVersion),
			"deleted":      e.Deleted,
			"fields":       e.Fields,
		}
		if e.Conflict != nil {
			m["conflict"] = map[string]any{
				"fields":  e.Conflict.Fields,
				"version": int64(e.Conflict.Version),
				"deleted": e.Conflict.Deleted,
			}
		}
		local[i] = m
	}

	queued := make([]any, len(s.Outbox))
	for i, o := range s.Outbox {
		m := map[string]any{
			"entry_id":     o.EntryID,
			"kind":         string(o.Kind),
			"key":          o.Key,
			"mutation":     string(o.Mutation),
			"payload":      o.Payload,
			"base_version": int64(o.BaseVersion),
			"attempts":     o.Attempts,
			"failed":       o.Failed,
		}
		if o.LastError != "" {
			m["last_error"] = o.LastError
		}
		queued[i] = m
	}

	rows := make([]any, len(s.Remote))
	for i, r := range s.Remote {
		rows[i] = map[string]any{
			"kind": string(r.Kind),
			"row":  map[string]any(r.Row),
		}
	}

	return map[string]any{
		"local":  local,
		"outbox": queued,
		"remote": rows,
	}
}

// CanonicalJSON renders the result of scenario name as canonical JSON.
// Equal runs render byte-identical output.
func CanonicalJSON(name string, r *Result) ([]byte, error) {
	return ir.MarshalCanonical(r.toCanonicalMap(name))
}

// RunWithGolden executes a scenario and compares its trace and final state
// against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an already computed result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := CanonicalJSON(name, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
