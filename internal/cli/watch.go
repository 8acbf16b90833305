package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stay converged until interrupted",
		Long: `Sync once, then apply remote changes as they arrive and flush the
outbox periodically until interrupted.

Kinds whose change subscription fails fall back to the periodic pull.

Example:
  homebase watch
  homebase watch --config ./homebase.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rootOpts, func(ctx context.Context, a *app, out *OutputFormatter) error {
				return runWatch(ctx, a, out, cmd)
			})
		},
	}
}

func runWatch(parent context.Context, a *app, out *OutputFormatter, cmd *cobra.Command) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			a.log.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	a.log.Info("watch starting", "db", a.cfg.Database, "kinds", a.client.Kinds())
	if out.Format != "json" {
		fmt.Fprintln(cmd.OutOrStdout(), "Watching for changes...")
		fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl-C to stop.")
	}

	if err := a.client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return out.Fail(ExitFailure, "watch stopped", err)
	}

	a.log.Info("watch stopped gracefully")
	return out.Success(map[string]any{"stopped": true}, func(w io.Writer) {
		fmt.Fprintln(w, "Stopped.")
	})
}
