package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/rawring/internal/raw"
)

var raw2pcapCmd = &cobra.Command{
	Use:   "raw2pcap <input.raw> <output.pcap>",
	Short: "Convert a RAW file to pcap",
	Long: `Convert a RAW record stream, such as a dump segment file, to a pcap
file. Padding records are skipped. Use "-" for stdin or stdout.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := runRaw2Pcap(args[0], args[1], raw.PcapOptions{
			Nanosecond: raw2pcapNano,
			SnapLen:    raw2pcapSnapLen,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%d frames written\n", n)
		return nil
	},
}

var (
	raw2pcapNano    bool
	raw2pcapSnapLen uint32
)

func init() {
	raw2pcapCmd.Flags().BoolVar(&raw2pcapNano, "nano", false, "write nanosecond timestamps")
	raw2pcapCmd.Flags().Uint32Var(&raw2pcapSnapLen, "snaplen", 65535, "snap length in the pcap header")
}

func runRaw2Pcap(in, out string, opts raw.PcapOptions) (int, error) {
	var r io.Reader = os.Stdin
	if in != "-" {
		f, err := os.Open(in)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		r = f
	}

	var w io.Writer = os.Stdout
	var f *os.File
	if out != "-" {
		var err error
		f, err = os.Create(out)
		if err != nil {
			return 0, err
		}
		defer f.Close()
		w = f
	}

	bw := bufio.NewWriterSize(w, 1<<20)
	n, err := raw.ToPcap(bufio.NewReaderSize(r, 1<<20), bw, opts)
	if ferr := bw.Flush(); err == nil {
		err = ferr
	}
	if f != nil {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}
	return n, err
}
