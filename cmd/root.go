// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/spooftcp/internal/daemon"
)

var (
	// Global flags
	configFile string
	pidFile    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "spooftcp",
	Short: "spooftcp - TCP segment synthesis and injection for outgoing traffic",
	Long: `spooftcp intercepts outgoing TCP packets through NFQUEUE and, for each one,
injects a single synthesized TCP segment that appears to belong to the same flow.
The original packet is always accepted unchanged.

The synthesized segment copies the addresses, ports and sequence numbers of the
intercepted packet and can carry custom flags, a zero payload of a given length,
a fixed TTL, a corrupted sequence number or a corrupted checksum.

Commands:
  run       - Run the injection daemon in foreground
  stop      - Stop a running daemon
  reload    - Reload the daemon configuration
  stats     - Show per-queue statistics of a running daemon
  validate  - Check a configuration file and print the derived rules
  craft     - Synthesize packets offline from a capture file
  config    - Print the effective configuration`,
	Version:       daemon.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/spooftcp/config.yml",
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&pidFile, "pidfile", "p", "",
		"PID file path (default: control.pid_file from config)")

	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(craftCmd)
	rootCmd.AddCommand(configCmd)
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
