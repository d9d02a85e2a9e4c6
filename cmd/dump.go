package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/rawring/internal/client"
	"firestige.xyz/rawring/internal/config"
	"firestige.xyz/rawring/internal/daemon"
	"firestige.xyz/rawring/internal/dump"
	logpkg "firestige.xyz/rawring/internal/log"
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Capture a buffer to per-segment RAW files",
	Long: `Run the configured buffers in this process and write one buffer's RAW
stream to <dir>/<prefix>_<segment>.raw, one file per logical segment, until
interrupted, --duration elapses or --max-files files are complete.

Every file starts on a record boundary and parses on its own.

Examples:
  rawring dump -c config.yml -d /data/capture
  rawring dump -c config.yml -d /data/capture --buffer eth1 --max-files 10`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDump(cmd.Context(), dumpOpts)
	},
}

type dumpOptions struct {
	Buffer      string
	Dir         string
	Prefix      string
	SegmentSize uint64
	MaxFiles    int
	Duration    time.Duration
}

var dumpOpts dumpOptions

func init() {
	f := dumpCmd.Flags()
	f.StringVarP(&dumpOpts.Dir, "dir", "d", "", "output directory (required)")
	f.StringVar(&dumpOpts.Buffer, "buffer", "", "buffer to dump (default: the only buffer)")
	f.StringVar(&dumpOpts.Prefix, "prefix", "rawring", "file name prefix")
	f.Uint64Var(&dumpOpts.SegmentSize, "segment-size", 0, "bytes per file (default: the buffer's segment size)")
	f.IntVar(&dumpOpts.MaxFiles, "max-files", 0, "stop after this many files, 0 for no limit")
	f.DurationVar(&dumpOpts.Duration, "duration", 0, "stop after this long, 0 for no limit")
	dumpCmd.MarkFlagRequired("dir")
}

func runDump(ctx context.Context, opts dumpOptions) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := logpkg.Init(cfg.Log); err != nil {
		return err
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	registry, err := daemon.BuildRegistry(cfg.Buffers, slog.Default())
	if err != nil {
		return err
	}
	defer registry.StopAll()

	buf, err := registry.Get(opts.Buffer)
	if err != nil {
		return err
	}
	if opts.SegmentSize == 0 {
		opts.SegmentSize = buf.Config().SegmentSize
	}

	// Register before starting so the first frame is kept.
	rd, err := client.Open(buf)
	if err != nil {
		return err
	}
	defer rd.Close()

	d, err := dump.New(rd, dump.Config{
		Dir:         opts.Dir,
		Prefix:      opts.Prefix,
		SegmentSize: opts.SegmentSize,
		MaxFiles:    opts.MaxFiles,
	}, slog.Default().With("buffer", buf.Name()))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	if err := registry.StartAll(ctx); err != nil {
		return err
	}
	slog.Info("dump started", "buffer", buf.Name(), "dir", opts.Dir, "segment_size", opts.SegmentSize)

	err = d.Run(ctx)
	slog.Info("dump finished", "bytes", d.Written())
	_ = logpkg.Flush()
	return err
}
