package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"firestige.xyz/spooftcp/internal/daemon"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the spooftcp daemon in foreground",
	Long: `Run the spooftcp daemon process in foreground.

The daemon will:
  1. Load global configuration from config file
  2. Initialize logging and metrics
  3. Open raw sockets and bind one NFQUEUE per configured queue
  4. Install the iptables rules (if netfilter.install_rules is set)
  5. Inject one synthesized segment per intercepted packet
  6. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)

Requires CAP_NET_ADMIN and CAP_NET_RAW.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDaemon(); err != nil {
			slog.Error("daemon failed", "error", err)
			exitWithError("daemon failed", err)
		}
	},
}

var capturePath string

func init() {
	runCmd.Flags().StringVar(&capturePath, "capture", "",
		"also write every synthesized packet to this pcap file")
}

func runDaemon() error {
	fmt.Println("Starting spooftcp daemon...")
	fmt.Printf("Config: %s\n", configFile)

	d, err := daemon.New(configFile, pidFile, daemon.Deps{CapturePath: capturePath})
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Run main loop (blocks until shutdown)
	return d.Run()
}
