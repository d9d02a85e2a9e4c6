package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"firestige.xyz/rawring/internal/command"
	"firestige.xyz/rawring/internal/listener"
)

var listenersCmd = &cobra.Command{
	Use:   "listeners [buffer]",
	Short: "List the listeners of a buffer",
	Long: `Print the global listener and every registered listener of a buffer
with their read and write offsets, the bytes they hold and whether they
are being killed. Recently force-killed ids are listed last.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		buffer := ""
		if len(args) == 1 {
			buffer = args[0]
		}
		return runListeners(cmd.Context(), newClient(), cmd.OutOrStdout(), buffer)
	},
}

func runListeners(ctx context.Context, client ControlClient, out io.Writer, buffer string) error {
	var st listener.Status
	if err := client.CallInto(ctx, "listener_offsets", command.ListenerParams{Buffer: buffer}, &st); err != nil {
		return fmt.Errorf("failed to query listeners: %w", err)
	}

	fmt.Fprintf(out, "capacity %d, %d/%d listeners\n\n", st.Capacity, st.Count, st.MaxListeners)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tID\tREAD\tWRITE\tUSED\tAVAIL\tKILLED")
	row := func(slot string, o listener.Offsets) {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%t\n", slot, o.ID, o.Read, o.Write, o.Used, o.Avail, o.Killed)
	}
	row("global", st.Global)
	for _, o := range st.Listeners {
		row(fmt.Sprint(o.Slot), o)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if len(st.ForceKilled) > 0 {
		fmt.Fprintf(out, "\nforce-killed: %v\n", st.ForceKilled)
	}
	return nil
}
