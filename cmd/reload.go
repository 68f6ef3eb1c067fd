package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload configuration",
	Long: `Send SIGHUP to the running daemon.

Only the log section is applied at runtime. Changes to netfilter, spoof or
metrics are reported by the daemon and take effect after a restart.`,
	PersistentPreRunE: connectClient,
	PersistentPostRun: closeClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReload(contextOf(cmd), cli, cmd.OutOrStdout())
	},
}

// runReload 提取的业务逻辑，方便测试
func runReload(ctx context.Context, client ClientInterface, out io.Writer) error {
	if err := client.Reload(ctx); err != nil {
		return fmt.Errorf("failed to reload: %w", err)
	}
	fmt.Fprintln(out, "✓ Reload signal sent")
	return nil
}
