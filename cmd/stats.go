package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"firestige.xyz/spooftcp/internal/daemon"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show runtime statistics",
	Long: `Query the spooftcp daemon for runtime statistics.

Shows per queue: received packets, injected segments, transmit errors and the
skip count of every pass-through reason.`,
	PersistentPreRunE: connectClient,
	PersistentPostRun: closeClient,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStats(contextOf(cmd), cli, cmd.OutOrStdout(), statsJSON)
	},
}

var statsJSON bool

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print raw JSON")
}

func runStats(ctx context.Context, client ClientInterface, out io.Writer, asJSON bool) error {
	stats, err := client.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to query stats: %w", err)
	}

	if asJSON {
		resultJSON, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format result: %w", err)
		}
		fmt.Fprintln(out, string(resultJSON))
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PIPELINE\tSOURCE\tRECEIVED\tINJECTED\tTX_ERRORS\tSKIPPED")
	for _, s := range stats {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%s\n",
			s.Pipeline, s.Source, s.Stats.Received, s.Stats.Injected,
			s.Stats.TransmitErrors, formatSkipped(s.Stats.Skipped))
	}
	return tw.Flush()
}

func formatSkipped(m map[string]uint64) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	s := ""
	for i, k := range keys {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%s=%d", k, m[k])
	}
	return s
}

var _ ClientInterface = (*daemon.Client)(nil)
