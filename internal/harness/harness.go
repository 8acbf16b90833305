package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/roach88/homebase/internal/client"
	"github.com/roach88/homebase/internal/codec"
	"github.com/roach88/homebase/internal/ir"
	"github.com/roach88/homebase/internal/outbox"
	"github.com/roach88/homebase/internal/reconcile"
	"github.com/roach88/homebase/internal/remote"
	"github.com/roach88/homebase/internal/schema"
	"github.com/roach88/homebase/internal/store"
	"github.com/roach88/homebase/internal/testutil"
)

// scenarioPolicy retries quickly and delivers one record at a time so
// traces are ordered.
var scenarioPolicy = outbox.Policy{
	MaxAttempts: 3,
	BaseDelay:   time.Millisecond,
	MaxDelay:    10 * time.Millisecond,
	Concurrency: 1,
}

// Harness is the scenario execution engine.
type Harness struct {
	store  *store.Store
	codec  *codec.Codec
	engine *reconcile.Engine
	client *client.Client
	remote *remote.Memory
	logger *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Execution flow:
// 1. Create a fresh in-memory database and remote
// 2. Register built-in kinds plus the scenario's schemas
// 3. Execute steps, checking each step's expectation
// 4. Snapshot the final state and evaluate assertions
//
// A returned error means the scenario could not run; failed expectations
// are reported in the result.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	h, err := newHarness(ctx, scenario)
	if err != nil {
		return nil, err
	}
	defer h.store.Close()

	result := NewResult()
	for i, step := range scenario.Steps {
		ev, err := h.execute(ctx, step)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Do, err)
		}
		ev.Step = i
		result.AddTrace(ev)
		for _, msg := range checkStep(i, step, ev) {
			result.AddError(msg)
		}

		h.logger.Info("scenario step completed",
			"step", i,
			"do", step.Do,
			"kind", step.Kind,
			"error", ev.Error,
		)
	}

	final, err := h.snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	result.Final = final

	for _, msg := range h.evaluateAssertions(ctx, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(ctx context.Context, scenario *Scenario) (*Harness, error) {
	var extra []*schema.Schema
	for _, path := range scenario.Schemas {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema: %w", err)
		}
		compiled, err := schema.CompileCUE(src, path)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema: %w", err)
		}
		extra = append(extra, compiled...)
	}
	reg, err := schema.NewBuiltinRegistry(extra...)
	if err != nil {
		return nil, fmt.Errorf("failed to build registry: %w", err)
	}

	nowText := scenario.Now
	if nowText == "" {
		nowText = DefaultNow
	}
	now, err := time.Parse(time.RFC3339, nowText)
	if err != nil {
		return nil, fmt.Errorf("invalid now: %w", err)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	keys := testutil.NewSequentialGenerator("key")
	cd := codec.New(reg)
	engine, err := reconcile.New(ctx, st, cd,
		reconcile.WithKeyGenerator(keys),
		reconcile.WithLogger(logger),
	)
	if err != nil {
		st.Close()
		return nil, err
	}

	kinds := make([]ir.Kind, 0, len(scenario.Kinds))
	for _, k := range scenario.Kinds {
		kinds = append(kinds, ir.Kind(k))
	}
	mem := remote.NewMemory(reg, remote.WithNow(func() time.Time { return now }))
	c, err := client.New(engine, mem, client.Options{
		Kinds:   kinds,
		Timeout: 5 * time.Second,
		Policy:  scenarioPolicy,
		Sleeper: &testutil.RecordingSleeper{},
		Logger:  logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &Harness{
		store:  st,
		codec:  cd,
		engine: engine,
		client: c,
		remote: mem,
		logger: logger,
	}, nil
}

// execute runs one step. Outcomes of the sync core, including its
// errors, go into the event; a returned error aborts the scenario.
func (h *Harness) execute(ctx context.Context, step Step) (TraceEvent, error) {
	kind := ir.Kind(step.Kind)
	ev := TraceEvent{Do: step.Do, Kind: step.Kind, Key: step.Key}

	switch step.Do {
	case StepRemotePut:
		rows := make([]ir.WireRecord, len(step.Rows))
		for i, r := range step.Rows {
			rows[i] = ir.WireRecord(r)
		}
		committed, err := h.remote.Put(kind, rows...)
		if err != nil {
			ev.Error = err.Error()
			return ev, nil
		}
		ev.Counts = map[string]int{"committed": len(committed)}

	case StepRemoteDelete:
		removed := 0
		if h.remote.Remove(kind, step.Key) {
			removed = 1
		}
		ev.Counts = map[string]int{"removed": removed}

	case StepMutate:
		payload, err := h.decodePayload(kind, step.Payload)
		if err != nil {
			ev.Error = err.Error()
			return ev, nil
		}
		entry, err := h.client.Mutate(ctx, kind, ir.Mutation(step.Mutation), payload)
		if err != nil {
			ev.Error = err.Error()
			return ev, nil
		}
		ev.Key = entry.Key

	case StepSync:
		report, err := h.client.Sync(ctx)
		if err != nil {
			return ev, err
		}
		ev.Counts = syncCounts(report)
		ev.Error = syncError(report)

	case StepFailNext:
		errs := make([]error, len(step.Errors))
		for i, class := range step.Errors {
			injected := fmt.Errorf("injected %s failure", class)
			if class == "permanent" {
				errs[i] = remote.Permanent(injected)
			} else {
				errs[i] = remote.Transient(injected)
			}
		}
		h.remote.FailNext(kind, errs...)

	case StepRetry:
		n, err := h.client.Outbox().Retry(ctx)
		if err != nil {
			return ev, err
		}
		ev.Counts = map[string]int{"reset": n}

	case StepResolve:
		n, err := h.engine.ResolveAll(ctx)
		if err != nil {
			return ev, err
		}
		ev.Counts = map[string]int{"resolved": n}
	}
	return ev, nil
}

// decodePayload turns wire values of a mutation into canonical fields.
func (h *Harness) decodePayload(kind ir.Kind, payload map[string]any) (ir.Fields, error) {
	fields := make(ir.Fields, len(payload))
	for name, raw := range payload {
		v, err := h.codec.DecodeValue(kind, name, raw)
		if err != nil {
			return nil, err
		}
		fields[name] = v
	}
	return fields, nil
}

func syncCounts(r client.SyncReport) map[string]int {
	counts := map[string]int{
		"accepted":    0,
		"unchanged":   0,
		"discarded":   0,
		"conflicted":  0,
		"invalid":     0,
		"pull_errors": len(r.PullErrors),
		"resolved":    r.Resolved,
		"delivered":   r.Flush.Delivered,
		"rejected":    len(r.Flush.Conflicted),
		"skipped":     r.Flush.Skipped,
		"blocked":     r.Flush.Blocked,
		"failed":      len(r.Flush.Failures),
	}
	for _, b := range r.Pulled {
		counts["accepted"] += b.Accepted
		counts["unchanged"] += b.Unchanged
		counts["discarded"] += b.Discarded
		counts["conflicted"] += len(b.Conflicted)
		counts["invalid"] += len(b.Invalid)
	}
	return counts
}

// syncError renders the errors of a sync in a stable order.
func syncError(r client.SyncReport) string {
	var lines []string
	for kind, err := range r.PullErrors {
		lines = append(lines, fmt.Sprintf("pull %s: %v", kind, err))
	}
	slices.Sort(lines)
	for _, f := range r.Flush.Failures {
		lines = append(lines, f.Error())
	}
	return strings.Join(lines, "\n")
}

// checkStep compares a step's event against its expectation. A step
// without expectation must succeed.
func checkStep(index int, step Step, ev TraceEvent) []string {
	var errs []string
	want := step.Expect
	if want == nil {
		want = &StepExpect{}
	}

	switch {
	case want.Error == "" && ev.Error != "":
		errs = append(errs, fmt.Sprintf("steps[%d] %s: unexpected error: %s", index, step.Do, ev.Error))
	case want.Error != "" && !strings.Contains(ev.Error, want.Error):
		errs = append(errs, fmt.Sprintf("steps[%d] %s: expected error containing %q, got %q", index, step.Do, want.Error, ev.Error))
	}

	names := make([]string, 0, len(want.Counts))
	for name := range want.Counts {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		got, ok := ev.Counts[name]
		if !ok {
			errs = append(errs, fmt.Sprintf("steps[%d] %s: no counter %q", index, step.Do, name))
			continue
		}
		if got != want.Counts[name] {
			errs = append(errs, fmt.Sprintf("steps[%d] %s: %s = %d, expected %d", index, step.Do, name, got, want.Counts[name]))
		}
	}
	return errs
}
