package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"firestige.xyz/rawring/internal/command"
)

var statusCmd = &cobra.Command{
	Use:   "status [buffer]",
	Short: "Show daemon or buffer status",
	Long: `Query the rawring daemon for its overall status.

Without arguments it prints version, uptime and one line per buffer.
With a buffer name it prints that buffer's full status as JSON.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			return runBufferStatus(cmd.Context(), newClient(), cmd.OutOrStdout(), args[0])
		}
		return runStatus(cmd.Context(), newClient(), cmd.OutOrStdout(), statusJSON)
	},
}

var statusJSON bool

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw daemon_status result")
}

func runStatus(ctx context.Context, client ControlClient, out io.Writer, asJSON bool) error {
	var st command.DaemonStatus
	if err := client.CallInto(ctx, "daemon_status", nil, &st); err != nil {
		return fmt.Errorf("daemon is not running or socket is inaccessible: %w", err)
	}
	if asJSON {
		return printJSON(out, st)
	}

	fmt.Fprintf(out, "version %s, pid %d, uptime %ds\n\n", st.Version, st.PID, st.UptimeSec)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BUFFER\tRUNNING\tLISTENERS\tUSED\tFRAMES\tLOST")
	for _, b := range st.Buffers {
		fmt.Fprintf(w, "%s\t%t\t%d\t%d\t%d\t%d\n", b.Name, b.Running, b.Listeners, b.Used, b.Frames, b.Lost)
	}
	return w.Flush()
}

func runBufferStatus(ctx context.Context, client ControlClient, out io.Writer, buffer string) error {
	resp, err := client.Call(ctx, "buffer_status", command.BufferParams{Buffer: buffer})
	if err != nil {
		return fmt.Errorf("failed to query buffer status: %w", err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	return printJSON(out, resp.Result)
}

func printJSON(out io.Writer, v interface{}) error {
	resultJSON, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to format result: %w", err)
	}
	fmt.Fprintln(out, string(resultJSON))
	return nil
}
