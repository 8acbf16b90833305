package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/go-cmp/cmp"

	"github.com/roach88/homebase/internal/ir"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Target   string // Record or queue the assertion looked at
	Expected string
	Actual   string
	Diff     string // go-cmp diff of field values, if any
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s %s\n", e.Type, e.Target)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if e.Diff != "" {
		fmt.Fprintf(&buf, "  Diff (-expected +actual):\n%s", e.Diff)
	}
	return buf.String()
}

// evaluateAssertions runs every assertion and returns the failure messages.
func (h *Harness) evaluateAssertions(ctx context.Context, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertLocal:
			err = h.assertLocal(ctx, a)
		case AssertRemote:
			err = h.assertRemote(a)
		case AssertOutbox:
			err = h.assertOutbox(ctx, a)
		case AssertStatus:
			err = h.assertStatus(ctx, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

// assertLocal checks a record of the local store. Tombstones count as
// present; their state is pending_write.
func (h *Harness) assertLocal(ctx context.Context, a Assertion) error {
	kind := ir.Kind(a.Kind)
	target := fmt.Sprintf("%s/%s", a.Kind, a.Key)

	entry, ok, err := h.store.Get(ctx, kind, a.Key)
	if err != nil {
		return err
	}
	if a.Absent {
		if ok {
			return &AssertionError{Type: a.Type, Target: target, Expected: "absent", Actual: fmt.Sprintf("present (%s)", entry.State)}
		}
		return nil
	}
	if !ok {
		return &AssertionError{Type: a.Type, Target: target, Expected: "present", Actual: "absent"}
	}
	if a.State != "" && string(entry.State) != a.State {
		return &AssertionError{Type: a.Type, Target: target, Expected: "state " + a.State, Actual: "state " + string(entry.State)}
	}
	return h.compareFields(a, target, entry.Fields)
}

// assertRemote checks a row of the remote store.
func (h *Harness) assertRemote(a Assertion) error {
	kind := ir.Kind(a.Kind)
	target := fmt.Sprintf("%s/%s", a.Kind, a.Key)

	row, ok := h.remote.Row(kind, a.Key)
	if a.Absent {
		if ok {
			return &AssertionError{Type: a.Type, Target: target, Expected: "absent", Actual: "present"}
		}
		return nil
	}
	if !ok {
		return &AssertionError{Type: a.Type, Target: target, Expected: "present", Actual: "absent"}
	}

	fields, _, err := h.codec.Decode(kind, row)
	if err != nil {
		return fmt.Errorf("remote row %s: %w", target, err)
	}
	return h.compareFields(a, target, fields)
}

// compareFields decodes the expected wire values and compares them with
// actual. Only the listed fields are compared.
func (h *Harness) compareFields(a Assertion, target string, actual ir.Fields) error {
	if len(a.Fields) == 0 {
		return nil
	}
	kind := ir.Kind(a.Kind)

	want := make(ir.Fields, len(a.Fields))
	got := make(ir.Fields, len(a.Fields))
	for name, raw := range a.Fields {
		v, err := h.codec.DecodeValue(kind, name, raw)
		if err != nil {
			return fmt.Errorf("expected %s: %w", target, err)
		}
		want[name] = v
		got[name] = actual[name]
	}

	if want.Equal(got) {
		return nil
	}
	return &AssertionError{
		Type:     a.Type,
		Target:   target,
		Expected: fmt.Sprintf("fields %v", want),
		Actual:   fmt.Sprintf("fields %v", got),
		Diff:     cmp.Diff(want, got),
	}
}

// assertOutbox checks queue counts, for one kind or across all kinds.
func (h *Harness) assertOutbox(ctx context.Context, a Assertion) error {
	pending, failed, err := h.store.OutboxCounts(ctx)
	if err != nil {
		return err
	}

	target := "outbox"
	sum := func(m map[ir.Kind]int) int {
		if a.Kind != "" {
			return m[ir.Kind(a.Kind)]
		}
		total := 0
		for _, n := range m {
			total += n
		}
		return total
	}
	if a.Kind != "" {
		target = "outbox " + a.Kind
	}

	var mismatches []string
	if a.Pending != nil && sum(pending) != *a.Pending {
		mismatches = append(mismatches, fmt.Sprintf("pending %d, expected %d", sum(pending), *a.Pending))
	}
	if a.Failed != nil && sum(failed) != *a.Failed {
		mismatches = append(mismatches, fmt.Sprintf("failed %d, expected %d", sum(failed), *a.Failed))
	}
	if len(mismatches) == 0 {
		return nil
	}
	slices.Sort(mismatches)
	return &AssertionError{
		Type:     a.Type,
		Target:   target,
		Expected: "matching counts",
		Actual:   strings.Join(mismatches, "; "),
	}
}

// assertStatus checks the per-kind sync indicator.
func (h *Harness) assertStatus(ctx context.Context, a Assertion) error {
	st, err := h.client.Status(ctx, ir.Kind(a.Kind))
	if err != nil {
		return err
	}
	if string(st.State) != a.State {
		return &AssertionError{Type: a.Type, Target: a.Kind, Expected: a.State, Actual: string(st.State)}
	}
	return nil
}
