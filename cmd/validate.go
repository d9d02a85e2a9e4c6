package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/rawring/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Load and validate the configuration file given with --config without
starting anything. Defaults are applied exactly as the daemon would.

Examples:
  rawring validate -c /etc/rawring/config.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(configFile, cmd.OutOrStdout())
	},
}

func runValidate(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}

	fmt.Fprintf(out, "VALID: %s, %d buffer(s)\n", path, len(cfg.Buffers))
	for _, b := range cfg.Buffers {
		fmt.Fprintf(out, "  %s: %s source, %d bytes, %d worker(s), segment %d, %d filter(s), dedup %t\n",
			b.Name, b.Source.Type, b.Capacity, b.Workers, b.SegmentSize, len(b.Filters), b.Dedup.Enabled)
	}
	return nil
}
