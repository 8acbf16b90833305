package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/homebase/internal/ir"
)

// NewOutboxCommand creates the outbox command group.
func NewOutboxCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and retry queued mutations",
	}
	cmd.AddCommand(newOutboxListCommand(rootOpts))
	cmd.AddCommand(newOutboxRetryCommand(rootOpts))
	return cmd
}

func newOutboxListCommand(rootOpts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued mutations in delivery order",
		Long: `List mutations waiting for delivery. Entries whose retries ran out
are only listed with --all.

Examples:
  homebase outbox list
  homebase outbox list --all --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app, out *OutputFormatter) error {
				return runOutboxList(ctx, a, out, all)
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include failed entries")

	return cmd
}

func runOutboxList(ctx context.Context, a *app, out *OutputFormatter, all bool) error {
	entries, err := a.client.Outbox().List(ctx, all)
	if err != nil {
		return out.Fail(ExitFailure, "failed to list outbox", err)
	}
	if entries == nil {
		entries = []ir.OutboxEntry{}
	}

	return out.Success(entries, func(w io.Writer) {
		if len(entries) == 0 {
			fmt.Fprintln(w, "Outbox is empty.")
			return
		}
		for _, o := range entries {
			status := "pending"
			if o.Failed {
				status = "failed"
			}
			fmt.Fprintf(w, "#%d %s %s/%s (%s, %d attempts)\n", o.ID, o.Mutation, o.Kind, o.Key, status, o.Attempts)
			if o.LastError != "" {
				fmt.Fprintf(w, "  last error: %s\n", o.LastError)
			}
		}
	})
}

func newOutboxRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [id...]",
		Short: "Requeue failed mutations",
		Long: `Reset failed outbox entries so the next sync delivers them again.
Without ids every failed entry is reset.

Examples:
  homebase outbox retry
  homebase outbox retry 12 15`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newFormatter(cmd, rootOpts)
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					_ = out.Error(ErrCodeValidation, fmt.Sprintf("invalid outbox id %q", arg), nil)
					return WrapExitError(ExitCommandError, "invalid outbox id", err)
				}
				ids = append(ids, id)
			}
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app, out *OutputFormatter) error {
				return runOutboxRetry(ctx, a, out, ids)
			})
		},
	}
}

func runOutboxRetry(ctx context.Context, a *app, out *OutputFormatter, ids []int64) error {
	n, err := a.client.Outbox().Retry(ctx, ids...)
	if err != nil {
		return out.Fail(ExitFailure, "failed to reset outbox entries", err)
	}
	return out.Success(map[string]int{"reset": n}, func(w io.Writer) {
		fmt.Fprintf(w, "Requeued %d entries.\n", n)
	})
}
