package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the spooftcp daemon",
	Long: `Stop the spooftcp daemon gracefully.

This command sends SIGTERM to the process named by the PID file and waits for
it to exit. The daemon removes its iptables rules, drains its queues and
releases every held packet before exiting.`,
	PersistentPreRunE: connectClient,
	PersistentPostRun: closeClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(contextOf(cmd), stopTimeout)
		defer cancel()
		return runStop(ctx, cli, cmd.OutOrStdout())
	},
}

var stopTimeout time.Duration

func init() {
	stopCmd.Flags().DurationVarP(&stopTimeout, "timeout", "t", 10*time.Second,
		"how long to wait for the daemon to exit")
}

func runStop(ctx context.Context, client ClientInterface, out io.Writer) error {
	if err := client.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop: %w", err)
	}
	fmt.Fprintln(out, "✓ Daemon stopped")
	return nil
}

// contextOf returns the command context, which is nil outside ExecuteContext.
func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
