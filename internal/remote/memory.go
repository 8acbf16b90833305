package remote

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/roach88/homebase/internal/codec"
	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/query"
	"github.com/roach88/homebase/internal/schema"
)

// subscriberBuffer is the per-subscriber event buffer. Events that do not
// fit are dropped and counted.
const subscriberBuffer = 256

// Memory is an in-memory remote store for tests, scenarios and offline
// demos.
//
// It keeps canonical records per kind, assigns versions from one global
// counter on commit (timestamp kinds use wall-clock microseconds, never
// going backwards), enforces base versions, broadcasts change events to
// subscribers, and can inject failures.
//
// Thread-safety: all methods are safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	codec    *codec.Codec
	records  map[ir.Kind]map[string]ir.Fields
	last     ir.Version
	now      func() time.Time
	subs     map[ir.Kind][]chan ir.ChangeEvent
	failures map[ir.Kind][]error
	calls    map[ir.Kind]int
	dropped  int
}

// MemoryOption configures a Memory.
type MemoryOption func(*Memory)

// WithNow sets the wall clock used for timestamp versions.
func WithNow(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// NewMemory creates an empty in-memory remote for the kinds of reg.
func NewMemory(reg *schema.Registry, opts ...MemoryOption) *Memory {
	m := &Memory{
		codec:    codec.New(reg),
		records:  make(map[ir.Kind]map[string]ir.Fields),
		now:      time.Now,
		subs:     make(map[ir.Kind][]chan ir.ChangeEvent),
		failures: make(map[ir.Kind][]error),
		calls:    make(map[ir.Kind]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FailNext makes the next len(errs) calls on kind return errs in order.
func (m *Memory) FailNext(kind ir.Kind, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[kind] = append(m.failures[kind], errs...)
}

// Calls returns how many calls were made for kind, failed ones included.
func (m *Memory) Calls(kind ir.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[kind]
}

// Dropped returns how many events were dropped on full subscriber buffers.
func (m *Memory) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// begin counts a call and pops an injected failure. Caller holds mu.
func (m *Memory) begin(ctx context.Context, kind ir.Kind) (*schema.Schema, error) {
	m.calls[kind]++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if queued := m.failures[kind]; len(queued) > 0 {
		m.failures[kind] = queued[1:]
		return nil, queued[0]
	}
	s, err := m.codec.Registry().Get(kind)
	if err != nil {
		return nil, Permanent(err)
	}
	if m.records[kind] == nil {
		m.records[kind] = make(map[string]ir.Fields)
	}
	return s, nil
}

// Fetch implements Store. Rows are returned ordered by key.
func (m *Memory) Fetch(ctx context.Context, kind ir.Kind, pred query.Predicate) ([]ir.WireRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.begin(ctx, kind); err != nil {
		return nil, err
	}

	table := m.records[kind]
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	rows := []ir.WireRecord{}
	for _, k := range keys {
		if query.Match(pred, table[k]) {
			rows = append(rows, m.encode(kind, table[k]))
		}
	}
	return rows, nil
}

// Upsert implements Store.
func (m *Memory) Upsert(ctx context.Context, kind ir.Kind, rows []ir.WireRecord) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.begin(ctx, kind)
	if err != nil {
		return Result{}, err
	}

	// Decode everything first so a bad row rejects the whole request.
	decoded := make([]ir.Fields, len(rows))
	bases := make([]ir.Version, len(rows))
	for i, row := range rows {
		if decoded[i], bases[i], err = m.codec.Decode(kind, row); err != nil {
			return Result{}, Permanent(err)
		}
	}

	var res Result
	for i, fields := range decoded {
		key := s.KeyOf(fields)
		current, exists := m.records[kind][key]
		if conflict, ok := m.checkBase(s, key, current, exists, bases[i]); !ok {
			res.Conflicts = append(res.Conflicts, conflict)
			continue
		}

		fields[s.VersionField] = s.VersionValue(m.nextVersion(s))
		m.records[kind][key] = fields

		op := ir.ChangeUpdate
		if !exists {
			op = ir.ChangeInsert
		}
		wire := m.encode(kind, fields)
		res.Committed = append(res.Committed, wire)
		m.broadcast(ir.ChangeEvent{Kind: kind, Op: op, Record: wire})
	}
	return res, nil
}

// Delete implements Store. Deleting an absent row succeeds. A row that
// carries a nonzero base version conflicts when the remote changed since.
func (m *Memory) Delete(ctx context.Context, kind ir.Kind, rows []ir.WireRecord) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.begin(ctx, kind)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, row := range rows {
		key, _ := row[s.PrimaryKey].(string)
		if key == "" {
			return Result{}, Permanent(fmt.Errorf("delete %s: row without primary key", kind))
		}
		base, err := m.baseOf(s, row)
		if err != nil {
			return Result{}, Permanent(err)
		}

		current, exists := m.records[kind][key]
		if exists && base != 0 {
			if conflict, ok := m.checkBase(s, key, current, true, base); !ok {
				res.Conflicts = append(res.Conflicts, conflict)
				continue
			}
		}

		delete(m.records[kind], key)
		ack := ir.WireRecord{s.PrimaryKey: key}
		res.Committed = append(res.Committed, ack)
		if exists {
			m.broadcast(ir.ChangeEvent{Kind: kind, Op: ir.ChangeDelete, Record: ack.Clone()})
		}
	}
	return res, nil
}

// Subscribe implements Store.
func (m *Memory) Subscribe(ctx context.Context, kind ir.Kind) (<-chan ir.ChangeEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.begin(ctx, kind); err != nil {
		return nil, err
	}

	ch := make(chan ir.ChangeEvent, subscriberBuffer)
	m.subs[kind] = append(m.subs[kind], ch)

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		m.subs[kind] = slices.DeleteFunc(m.subs[kind], func(c chan ir.ChangeEvent) bool { return c == ch })
		close(ch)
	}()
	return ch, nil
}

// Put writes rows as another device would: unconditionally, with a new
// version, broadcasting changes. Returns the committed rows.
func (m *Memory) Put(kind ir.Kind, rows ...ir.WireRecord) ([]ir.WireRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.codec.Registry().Get(kind)
	if err != nil {
		return nil, err
	}
	if m.records[kind] == nil {
		m.records[kind] = make(map[string]ir.Fields)
	}

	committed := make([]ir.WireRecord, 0, len(rows))
	for _, row := range rows {
		fields, _, err := m.codec.Decode(kind, row)
		if err != nil {
			return nil, err
		}
		key := s.KeyOf(fields)
		_, exists := m.records[kind][key]

		fields[s.VersionField] = s.VersionValue(m.nextVersion(s))
		m.records[kind][key] = fields

		op := ir.ChangeUpdate
		if !exists {
			op = ir.ChangeInsert
		}
		wire := m.encode(kind, fields)
		committed = append(committed, wire)
		m.broadcast(ir.ChangeEvent{Kind: kind, Op: op, Record: wire})
	}
	return committed, nil
}

// Remove deletes a row as another device would. Returns false if absent.
func (m *Memory) Remove(kind ir.Kind, key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[kind][key]; !ok {
		return false
	}
	s, err := m.codec.Registry().Get(kind)
	if err != nil {
		return false
	}
	delete(m.records[kind], key)
	m.broadcast(ir.ChangeEvent{Kind: kind, Op: ir.ChangeDelete, Record: ir.WireRecord{s.PrimaryKey: key}})
	return true
}

// Row returns the current row for (kind, key).
func (m *Memory) Row(kind ir.Kind, key string) (ir.WireRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fields, ok := m.records[kind][key]
	if !ok {
		return nil, false
	}
	return m.encode(kind, fields), true
}

// Len returns the number of rows of kind.
func (m *Memory) Len(kind ir.Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[kind])
}

// checkBase reports whether a write based on base may replace current.
func (m *Memory) checkBase(s *schema.Schema, key string, current ir.Fields, exists bool, base ir.Version) (Conflict, bool) {
	var version ir.Version
	if exists {
		version, _ = s.VersionOf(current)
	}
	if (exists && version == base) || (!exists && base == 0) {
		return Conflict{}, true
	}
	c := Conflict{Key: key}
	if exists {
		c.Current = m.encode(s.Kind, current)
	}
	return c, false
}

// baseOf reads the base version carried by a delete row.
func (m *Memory) baseOf(s *schema.Schema, row ir.WireRecord) (ir.Version, error) {
	raw, ok := row[s.VersionField]
	if !ok || raw == nil {
		return 0, nil
	}
	v, err := m.codec.DecodeValue(s.Kind, s.VersionField, raw)
	if err != nil {
		return 0, err
	}
	return s.VersionOf(ir.Fields{s.VersionField: v})
}

// nextVersion assigns the next commit version. Caller holds mu.
func (m *Memory) nextVersion(s *schema.Schema) ir.Version {
	next := m.last + 1
	if s.VersionEncoding == schema.VersionTimestamp {
		next = max(next, ir.Version(m.now().UnixMicro()))
	}
	m.last = next
	return next
}

func (m *Memory) encode(kind ir.Kind, fields ir.Fields) ir.WireRecord {
	wire, err := m.codec.Encode(kind, fields)
	if err != nil {
		panic(fmt.Sprintf("memory remote: encode %s: %v", kind, err))
	}
	return wire
}

// broadcast sends ev to every subscriber of its kind. Caller holds mu.
func (m *Memory) broadcast(ev ir.ChangeEvent) {
	for _, ch := range m.subs[ev.Kind] {
		select {
		case ch <- copyEvent(ev):
		default:
			m.dropped++
		}
	}
}

// copyEvent returns ev with its own copy of the record map.
func copyEvent(ev ir.ChangeEvent) ir.ChangeEvent {
	ev.Record = ev.Record.Clone()
	return ev
}

// Rows returns every row of kind ordered by key. Unlike Fetch it neither
// counts as a call nor consumes injected failures.
func (m *Memory) Rows(kind ir.Kind) []ir.WireRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	table := m.records[kind]
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	rows := make([]ir.WireRecord, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, m.encode(kind, table[k]))
	}
	return rows
}
