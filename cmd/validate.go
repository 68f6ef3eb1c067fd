package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"firestige.xyz/spooftcp/internal/config"
	"firestige.xyz/spooftcp/internal/netfilter"
	"firestige.xyz/spooftcp/internal/spoof"
)

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file without starting the daemon.

Prints the parsed spoof options and the iptables rules the daemon would
install. The file defaults to the --config path.

Examples:
  spooftcp validate
  spooftcp validate /tmp/config.yml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configFile
		if len(args) > 0 {
			path = args[0]
		}
		return runValidate(path, cmd.OutOrStdout())
	},
}

func runValidate(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}
	opts, err := spoof.ParseOptions(cfg.Spoof)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}
	rules, err := netfilter.BuildRules(cfg.Netfilter)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}

	nf := cfg.Netfilter
	fmt.Fprintf(out, "VALID: queues %d-%d, families %s, mark %#x\n",
		nf.QueueStart, nf.QueueEnd(), strings.Join(nf.Families, ","), nf.Mark)
	fmt.Fprintln(out, "Options:")
	fmt.Fprint(out, formatOptions(opts))

	if nf.InstallRules {
		fmt.Fprintln(out, "Rules:")
	} else {
		fmt.Fprintln(out, "Rules (install_rules disabled, add them manually):")
	}
	for _, r := range rules {
		fmt.Fprintf(out, "  %s\n", r)
	}
	return nil
}

func formatOptions(o spoof.Options) string {
	ttl := "copy"
	if o.TTL != 0 {
		ttl = fmt.Sprint(o.TTL)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "  tcp_flags      %s\n", spoof.FormatTCPFlags(o.TCPFlags))
	fmt.Fprintf(&b, "  payload_len    %d\n", o.PayloadLen)
	fmt.Fprintf(&b, "  ttl            %s\n", ttl)
	fmt.Fprintf(&b, "  corrupt_seq    %t\n", o.CorruptSeq)
	fmt.Fprintf(&b, "  corrupt_chksum %t\n", o.CorruptChecksum)
	fmt.Fprintf(&b, "  delay          %s\n", o.Delay)
	return b.String()
}
