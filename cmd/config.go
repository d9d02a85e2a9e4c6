package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/rawring/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Load the configuration file, apply environment overrides and defaults,
and print the result as YAML under the rawring root key.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigShow(configFile, cmd.OutOrStdout())
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
}

func runConfigShow(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]*config.GlobalConfig{"rawring": cfg}); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
