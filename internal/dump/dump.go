// Package dump drains a reader into RAW files, one file per logical
// segment of the ring stream.
package dump

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"firestige.xyz/rawring/internal/client"
	"firestige.xyz/rawring/internal/core"
)

// Config configures a Dumper.
type Config struct {
	Dir         string
	Prefix      string
	SegmentSize uint64        // stream bytes per file, 0 writes a single file
	MaxFiles    int           // stop after this many files, 0 for no limit
	Poll        time.Duration // wait bound between drains
}

// Dumper writes what a reader receives to <Dir>/<Prefix>_<segment>.raw.
// Files start and end on segment boundaries of the absolute stream offset,
// so each one parses on its own when the buffer aligns records to the same
// segment size.
type Dumper struct {
	cfg    Config
	rd     *client.Reader
	logger *slog.Logger

	file    *os.File
	segment uint64
	files   int
	written uint64
}

// New creates a Dumper reading from rd.
func New(rd *client.Reader, cfg Config, logger *slog.Logger) (*Dumper, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("dump directory is required: %w", core.ErrConfigInvalid)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "rawring"
	}
	if cfg.Poll <= 0 {
		cfg.Poll = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dump directory: %w", err)
	}
	return &Dumper{cfg: cfg, rd: rd, logger: logger.With("dump", cfg.Prefix)}, nil
}

// FileName returns the file holding segment.
func (d *Dumper) FileName(segment uint64) string {
	return filepath.Join(d.cfg.Dir, fmt.Sprintf("%s_%d.raw", d.cfg.Prefix, segment))
}

// Written returns the stream bytes written so far.
func (d *Dumper) Written() uint64 { return d.written }

// Run drains the reader until ctx ends, the reader is killed or MaxFiles
// files were completed. Bytes already readable are flushed before return.
func (d *Dumper) Run(ctx context.Context) error {
	defer d.closeFile()

	for {
		err := d.rd.WaitTimeout(ctx, 1, d.cfg.Poll)
		if derr := d.Drain(); derr != nil {
			return derr
		}
		if d.cfg.MaxFiles > 0 && d.files > d.cfg.MaxFiles {
			return nil
		}
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		case errors.Is(err, core.ErrListenerKilled), errors.Is(err, core.ErrSilentlyRejected):
			d.logger.Info("reader killed, dump finished", "bytes", d.written)
			return nil
		default:
			return err
		}
	}
}

// Drain writes every readable byte, rotating files at segment boundaries.
func (d *Dumper) Drain() error {
	for d.rd.Pending() > 0 {
		if err := d.rotate(); err != nil {
			return err
		}
		if d.cfg.MaxFiles > 0 && d.files > d.cfg.MaxFiles {
			return nil
		}
		limit := ^uint64(0)
		if d.cfg.SegmentSize > 0 {
			limit = (d.segment+1)*d.cfg.SegmentSize - d.rd.Offset()
		}
		n, err := d.rd.WriteBlock(d.file, limit)
		d.written += n
		if err != nil {
			return fmt.Errorf("write %s: %w", d.file.Name(), err)
		}
	}
	return nil
}

func (d *Dumper) rotate() error {
	seg := uint64(0)
	if d.cfg.SegmentSize > 0 {
		seg = d.rd.Offset() / d.cfg.SegmentSize
	}
	if d.file != nil && seg == d.segment {
		return nil
	}
	d.closeFile()
	d.files++
	if d.cfg.MaxFiles > 0 && d.files > d.cfg.MaxFiles {
		return nil
	}

	f, err := os.Create(d.FileName(seg))
	if err != nil {
		return fmt.Errorf("create dump file: %w", err)
	}
	d.file = f
	d.segment = seg
	d.logger.Debug("dump file opened", "file", f.Name(), "segment", seg)
	return nil
}

func (d *Dumper) closeFile() {
	if d.file == nil {
		return
	}
	if err := d.file.Close(); err != nil {
		d.logger.Warn("close dump file", "file", d.file.Name(), "error", err)
	}
	d.file = nil
}
