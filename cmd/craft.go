package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/spooftcp/internal/config"
	"firestige.xyz/spooftcp/internal/core"
	"firestige.xyz/spooftcp/internal/pipeline"
	"firestige.xyz/spooftcp/internal/route"
	"firestige.xyz/spooftcp/internal/source/file"
	"firestige.xyz/spooftcp/internal/spoof"
	"firestige.xyz/spooftcp/internal/transmit"
)

var craftCmd = &cobra.Command{
	Use:   "craft",
	Short: "Synthesize packets offline from a capture file",
	Long: `Run every packet of a pcap or pcapng file through the engine and write the
synthesized segments to a pcap file instead of the network.

Options come from the spoof section of --config when that flag is given, and
are overridden by the option flags. No root privileges are needed.

Examples:
  spooftcp craft -i client.pcap -o spoofed.pcap --tcp-flags RST --ttl 3
  spooftcp craft -c config.yml -i client.pcapng -o spoofed.pcap`,
	RunE: func(cmd *cobra.Command, args []string) error {
		o := craftOpts
		o.Spoof = map[string]any{}
		if cmd.Flags().Changed("config") {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			for k, v := range cfg.Spoof {
				o.Spoof[k] = v
			}
		}
		for flag, key := range craftFlagKeys {
			if cmd.Flags().Changed(flag) {
				o.Spoof[key] = cmd.Flags().Lookup(flag).Value.String()
			}
		}
		return runCraft(contextOf(cmd), o, cmd.OutOrStdout())
	},
}

// craftOptions is the input of one offline run.
type craftOptions struct {
	Input    string
	Output   string
	Families []string
	Spoof    map[string]any
}

var craftOpts craftOptions

// craftFlagKeys maps option flags to spoof option keys.
var craftFlagKeys = map[string]string{
	"tcp-flags":      "tcp_flags",
	"payload-len":    "payload_len",
	"ttl":            "ttl",
	"corrupt-seq":    "corrupt_seq",
	"corrupt-chksum": "corrupt_chksum",
}

func init() {
	f := craftCmd.Flags()
	f.StringVarP(&craftOpts.Input, "input", "i", "", "pcap or pcapng file to read (required)")
	f.StringVarP(&craftOpts.Output, "output", "o", "", "pcap file to write (required)")
	f.StringSliceVar(&craftOpts.Families, "families", nil, "families to process (default: ipv4,ipv6)")
	f.String("tcp-flags", "", "flags of the synthesized segment, e.g. RST or SYN,ACK")
	f.Uint16("payload-len", 0, "zero payload bytes to append")
	f.Uint8("ttl", 0, "TTL / hop limit (0 copies the original)")
	f.Bool("corrupt-seq", false, "invert the sequence number")
	f.Bool("corrupt-chksum", false, "invert the TCP checksum")
	craftCmd.MarkFlagRequired("input")
	craftCmd.MarkFlagRequired("output")
}

func runCraft(ctx context.Context, o craftOptions, out io.Writer) error {
	opts, err := spoof.ParseOptions(o.Spoof)
	if err != nil {
		return err
	}
	var families []core.Family
	for _, s := range o.Families {
		fam, err := core.ParseFamily(s)
		if err != nil {
			return fmt.Errorf("family %q: %w", s, err)
		}
		families = append(families, fam)
	}

	w, err := transmit.CreatePcap(o.Output)
	if err != nil {
		return err
	}
	defer w.Close()

	engine, err := spoof.NewEngine(spoof.Config{
		Options:     opts,
		Router:      route.NewStatic(),
		Transmitter: w,
		// Delay only paces live traffic.
		Sleep: func(time.Duration) {},
	})
	if err != nil {
		return err
	}

	src := file.New(o.Input, families...)
	xc := spoof.NewContext(0)
	p := pipeline.NewBuilder().
		WithSource(src).
		WithEngine(engine).
		WithContext(xc).
		Build()
	if err := p.Start(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- p.Wait() }()
	select {
	case err = <-done:
	case <-ctx.Done():
		err = p.Stop()
		if err == nil {
			err = ctx.Err()
		}
	}
	if err != nil {
		return fmt.Errorf("craft %s: %w", o.Input, err)
	}
	if err := w.Close(); err != nil {
		return err
	}

	st := p.Stats()
	fmt.Fprintf(out, "✓ %d packet(s) read, %d ignored, %d synthesized -> %s\n",
		src.Frames(), src.Ignored(), w.Count(), o.Output)
	fmt.Fprintf(out, "  skipped: %s\n", formatSkipped(st.Skipped))
	return nil
}
