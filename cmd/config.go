package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/spooftcp/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Load the configuration file, apply defaults and environment overrides
(SPOOFTCP_*), and print the result as YAML.

With --default the built-in defaults are printed, which is a starting point
for a new config file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfig(configFile, configDefault, cmd.OutOrStdout())
	},
}

var configDefault bool

func init() {
	configCmd.Flags().BoolVar(&configDefault, "default", false, "print the built-in defaults")
}

func runConfig(path string, useDefault bool, out io.Writer) error {
	var (
		cfg *config.GlobalConfig
		err error
	)
	if useDefault {
		cfg, err = config.Default()
	} else {
		cfg, err = config.Load(path)
	}
	if err != nil {
		return err
	}

	data, err := config.Dump(cfg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(out, string(data))
	return err
}
