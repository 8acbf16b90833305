package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/homebase/internal/client"
	"github.com/roach88/homebase/internal/ir"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [kind]",
		Short: "Show the sync indicator per kind",
		Long: `Show whether each kind is fresh, stale or failed, with its watermark
and outbox counts.

A kind is stale until it has been pulled in this process, so a one-shot
status after a restart reports every kind stale. Run sync first, or use
watch, to see live indicators.

Exit codes:
  0 - No kind is failed
  1 - At least one kind is failed
  2 - Command error

Examples:
  homebase status
  homebase status chore --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app, out *OutputFormatter) error {
				var kind ir.Kind
				if len(args) == 1 {
					kind = ir.Kind(args[0])
				}
				return runStatus(ctx, a, out, kind)
			})
		},
	}
}

func runStatus(ctx context.Context, a *app, out *OutputFormatter, kind ir.Kind) error {
	var statuses []client.Status
	if kind != "" {
		st, err := a.client.Status(ctx, kind)
		if err != nil {
			return out.Fail(exitCodeFor(err), "status failed", err)
		}
		statuses = []client.Status{st}
	} else {
		all, err := a.client.Statuses(ctx)
		if err != nil {
			return out.Fail(ExitFailure, "status failed", err)
		}
		statuses = all
	}

	if err := out.Success(statuses, func(w io.Writer) { printStatuses(w, statuses) }); err != nil {
		return err
	}
	for _, st := range statuses {
		if st.State == client.StateFailed {
			return NewExitError(ExitFailure, fmt.Sprintf("%s is failed", st.Kind))
		}
	}
	return nil
}

func printStatuses(w io.Writer, statuses []client.Status) {
	for _, st := range statuses {
		fmt.Fprintf(w, "%-16s %-6s watermark %d, %d pending, %d failed, %d conflicted\n",
			st.Kind, st.State, st.Watermark, st.Pending, st.Failed, st.Conflicted)
		if st.Error != "" {
			fmt.Fprintf(w, "  %s\n", st.Error)
		}
	}
}
