package cli

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/homebase/internal/client"
	"github.com/roach88/homebase/internal/ir"
)

// KindSummary is the pull outcome of one kind.
type KindSummary struct {
	Kind       ir.Kind    `json:"kind"`
	Accepted   int        `json:"accepted"`
	Unchanged  int        `json:"unchanged"`
	Discarded  int        `json:"discarded"`
	Conflicted int        `json:"conflicted"`
	Invalid    []string   `json:"invalid,omitempty"`
	Watermark  ir.Version `json:"watermark"`
	Error      string     `json:"error,omitempty"`
}

// SyncSummary is the output of the sync command.
type SyncSummary struct {
	Kinds      []KindSummary `json:"kinds"`
	Resolved   int           `json:"resolved"`
	Delivered  int           `json:"delivered"`
	Rejected   []string      `json:"rejected,omitempty"`
	Skipped    int           `json:"skipped"`
	Blocked    int           `json:"blocked"`
	Failures   []string      `json:"failures,omitempty"`
	Successful bool          `json:"successful"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Pull, reconcile and flush once",
		Long: `Converge the local store with the remote once.

Every kind is pulled from its watermark, conflicts are resolved, the
outbox is flushed and conflicts surfaced by the flush are resolved.

Exit codes:
  0 - Converged
  1 - A pull failed or a queued mutation could not be delivered
  2 - Command error (bad config, unreadable database)

Examples:
  homebase sync
  homebase sync --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, runSync)
		},
	}
}

func runSync(ctx context.Context, a *app, out *OutputFormatter) error {
	report, err := a.client.Sync(ctx)
	if err != nil {
		return out.Fail(ExitFailure, "sync failed", err)
	}

	summary := summarizeSync(a.client.Kinds(), report)
	if err := out.Report(summary.Successful, summary, func(w io.Writer) { printSync(w, summary) }); err != nil {
		return err
	}
	if !summary.Successful {
		return WrapExitError(ExitFailure, "sync incomplete", report.Err())
	}
	return nil
}

func summarizeSync(kinds []ir.Kind, report client.SyncReport) SyncSummary {
	s := SyncSummary{
		Kinds:      make([]KindSummary, 0, len(kinds)),
		Resolved:   report.Resolved,
		Delivered:  report.Flush.Delivered,
		Skipped:    report.Flush.Skipped,
		Blocked:    report.Flush.Blocked,
		Successful: report.Err() == nil,
	}

	for _, kind := range kinds {
		ks := KindSummary{Kind: kind}
		if err, ok := report.PullErrors[kind]; ok {
			ks.Error = err.Error()
		}
		if b, ok := report.Pulled[kind]; ok {
			ks.Accepted = b.Accepted
			ks.Unchanged = b.Unchanged
			ks.Discarded = b.Discarded
			ks.Conflicted = len(b.Conflicted)
			ks.Watermark = b.Watermark
			for _, v := range b.Invalid {
				ks.Invalid = append(ks.Invalid, v.Error())
			}
		}
		s.Kinds = append(s.Kinds, ks)
	}

	for _, ref := range report.Flush.Conflicted {
		s.Rejected = append(s.Rejected, ref.String())
	}
	slices.Sort(s.Rejected)
	for _, f := range report.Flush.Failures {
		s.Failures = append(s.Failures, f.Error())
	}
	return s
}

func printSync(w io.Writer, s SyncSummary) {
	for _, k := range s.Kinds {
		if k.Error != "" {
			fmt.Fprintf(w, "✗ %s: %s\n", k.Kind, k.Error)
			continue
		}
		fmt.Fprintf(w, "✓ %s: %d accepted, %d unchanged, %d discarded, %d conflicted (watermark %d)\n",
			k.Kind, k.Accepted, k.Unchanged, k.Discarded, k.Conflicted, k.Watermark)
		for _, inv := range k.Invalid {
			fmt.Fprintf(w, "  skipped invalid row: %s\n", inv)
		}
	}

	fmt.Fprintf(w, "\nDelivered %d, resolved %d conflicts", s.Delivered, s.Resolved)
	if s.Skipped > 0 {
		fmt.Fprintf(w, ", %d awaiting resolution", s.Skipped)
	}
	if s.Blocked > 0 {
		fmt.Fprintf(w, ", %d blocked behind failed entries", s.Blocked)
	}
	fmt.Fprintln(w)
	for _, r := range s.Rejected {
		fmt.Fprintf(w, "  rejected: %s\n", r)
	}
	for _, f := range s.Failures {
		fmt.Fprintf(w, "  failed: %s\n", f)
	}
}
