// Package cmd is the rawring command line: the daemon itself and the
// tools that talk to it or work on RAW files.
package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/rawring/internal/command"
)

var (
	// persistent flags
	configFile    string
	socketPath    string
	clientTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "rawring",
	Short: "rawring - shared ring buffer packet capture daemon",
	Long: `rawring captures frames from one or more sources into shared ring buffers
of RAW records and lets any number of readers consume them independently.

Features:
  - Lock-free multi-worker ingestion with segment-aligned padding
  - Per-listener read offsets with a shared global read frontier
  - Duplicate suppression and byte-pattern filters
  - Local control and remote readers via JSON-RPC over a Unix socket
  - Offline tools: segment dumper, RAW to pcap conversion, RAW checks`,
	Version:       command.Version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the command selected by os.Args.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// persistent flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/rawring/config.yml",
		"config file path")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "/var/run/rawring.sock",
		"daemon socket path")
	rootCmd.PersistentFlags().DurationVar(&clientTimeout, "timeout", 10*time.Second,
		"control request timeout")

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(listenersCmd)
	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(killAllCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(raw2pcapCmd)
	rootCmd.AddCommand(checkCmd)
}
