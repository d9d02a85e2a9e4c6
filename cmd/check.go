package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/rawring/internal/command"
	"firestige.xyz/rawring/internal/raw"
)

var checkCmd = &cobra.Command{
	Use:   "check [file.raw...]",
	Short: "Check the framing of RAW files or a live buffer",
	Long: `Walk RAW files record by record and report records, padding, bytes,
timestamp regressions and records crossing a segment boundary. With
--live, ask the daemon to check the bytes held by a buffer instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if checkLive {
			return runCheckLive(cmd.Context(), newClient(), cmd.OutOrStdout(), checkBuffer)
		}
		if len(args) == 0 {
			return fmt.Errorf("no input files")
		}
		return runCheckFiles(args, checkSegment, cmd.OutOrStdout())
	},
}

var (
	checkSegment uint64
	checkLive    bool
	checkBuffer  string
)

func init() {
	checkCmd.Flags().Uint64Var(&checkSegment, "segment-size", 0, "count records crossing multiples of this size")
	checkCmd.Flags().BoolVar(&checkLive, "live", false, "check a running buffer through the daemon")
	checkCmd.Flags().StringVar(&checkBuffer, "buffer", "", "buffer for --live (default: the only buffer)")
}

func runCheckFiles(paths []string, segment uint64, out io.Writer) error {
	bad := 0
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		rep := raw.Check(bufio.NewReaderSize(f, 1<<20), 0, segment)
		f.Close()
		printReport(out, p, rep)
		if !rep.OK() {
			bad++
		}
	}
	if bad > 0 {
		return fmt.Errorf("%d of %d file(s) failed the check", bad, len(paths))
	}
	return nil
}

func runCheckLive(ctx context.Context, client ControlClient, out io.Writer, buffer string) error {
	var rep raw.Report
	if err := client.CallInto(ctx, "buffer_check", command.BufferParams{Buffer: buffer}, &rep); err != nil {
		return fmt.Errorf("buffer check failed: %w", err)
	}
	name := buffer
	if name == "" {
		name = "buffer"
	}
	printReport(out, name, rep)
	if !rep.OK() {
		return fmt.Errorf("%s failed the check", name)
	}
	return nil
}

func printReport(out io.Writer, name string, rep raw.Report) {
	status := "OK"
	if !rep.OK() {
		status = "FAILED"
	}
	fmt.Fprintf(out, "%s: %s records=%d paddings=%d data_bytes=%d padding_bytes=%d bytes=%d time_regressions=%d straddles=%d\n",
		name, status, rep.Records, rep.Paddings, rep.DataBytes, rep.PaddingBytes, rep.Bytes, rep.TimeRegressions, rep.SegmentStraddles)
	if rep.Error != "" {
		fmt.Fprintf(out, "  error: %s\n", rep.Error)
	}
}
