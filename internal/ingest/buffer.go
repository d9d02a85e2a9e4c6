// Package ingest runs the ingestion workers that move frames from a source
// into a ring and publish them to the ring's listeners.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc"

	"firestige.xyz/rawring/internal/core"
	"firestige.xyz/rawring/internal/dedup"
	"firestige.xyz/rawring/internal/filter"
	"firestige.xyz/rawring/internal/listener"
	"firestige.xyz/rawring/internal/metrics"
	"firestige.xyz/rawring/internal/raw"
	"firestige.xyz/rawring/internal/ring"
	"firestige.xyz/rawring/internal/source"
	"firestige.xyz/rawring/internal/writer"
)

const (
	// MaxWorkers bounds the consumers of one buffer.
	MaxWorkers = 32
	// releaseEvery is how many frames a worker harvests between descriptor
	// releases.
	releaseEvery = 32
	// DefaultIdleSleep bounds the wait of a worker whose cycle wrote nothing.
	DefaultIdleSleep = 50 * time.Microsecond
)

// Config configures a Buffer.
type Config struct {
	Name         string
	Capacity     uint64
	Workers      int
	SnapLen      int
	SegmentSize  uint64
	MaxListeners int
	KillGrace    time.Duration
	SilentReject time.Duration
	IdleSleep    time.Duration
	BackingPath  string        // mmap'ed file holding the ring, heap memory when empty
	Dedup        *dedup.Config // nil disables duplicate filtering
	Filters      []filter.RuleConfig
}

// Validate checks c and fills defaults.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("buffer name is required: %w", core.ErrConfigInvalid)
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.Workers > MaxWorkers {
		return fmt.Errorf("buffer %s: %d workers, at most %d: %w", c.Name, c.Workers, MaxWorkers, core.ErrConfigInvalid)
	}
	if c.SnapLen < 0 || c.SnapLen > core.MaxFrameLen {
		return fmt.Errorf("buffer %s: snap_len %d: %w", c.Name, c.SnapLen, core.ErrConfigInvalid)
	}
	maxRecord := uint64(core.MaxFrameLen + raw.HeaderSize)
	if c.SnapLen > 0 {
		maxRecord = uint64(c.SnapLen + raw.HeaderSize)
	}
	if c.Capacity < 2*maxRecord {
		return fmt.Errorf("buffer %s: capacity %d below %d: %w", c.Name, c.Capacity, 2*maxRecord, core.ErrConfigInvalid)
	}
	if c.SegmentSize > 0 && c.SegmentSize < maxRecord+raw.HeaderSize {
		return fmt.Errorf("buffer %s: segment_size %d below %d: %w",
			c.Name, c.SegmentSize, maxRecord+raw.HeaderSize, core.ErrConfigInvalid)
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = DefaultIdleSleep
	}
	return nil
}

// Buffer owns one ring, its listener table, the frame source feeding it
// and the workers moving frames between them.
type Buffer struct {
	cfg     Config
	logger  *slog.Logger
	ring    *ring.Buffer
	table   *listener.Table
	src     source.Source
	dups    *dedup.Filter
	filters *filter.Chain
	workers []*worker

	pushed  uint64 // committed bytes already published, reconciler only
	handles atomic.Int64

	stop     atomic.Bool
	running  atomic.Bool
	wg       conc.WaitGroup
	cancel   context.CancelFunc
	stopOnce sync.Once
	started  time.Time

	spaceMu sync.Mutex
	spaceCh chan struct{}
}

type worker struct {
	index  int
	writer *writer.Writer
	prefix []byte

	harvested, duplicates, filtered, discarded, idle atomic.Uint64

	dupTotal       prometheus.Counter
	filteredTotal  prometheus.Counter
	discardedTotal prometheus.Counter
	idleTotal      prometheus.Counter
}

// NewBuffer allocates the ring and wires the workers to src. The buffer
// takes ownership of src.
func NewBuffer(cfg Config, src source.Source, logger *slog.Logger) (*Buffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("buffer", cfg.Name)

	chain, err := filter.NewChain(cfg.Filters)
	if err != nil {
		return nil, fmt.Errorf("buffer %s: %w", cfg.Name, err)
	}

	var r *ring.Buffer
	if cfg.BackingPath != "" {
		r, err = ring.NewFile(cfg.BackingPath, cfg.Capacity, cfg.Workers)
	} else {
		r, err = ring.New(cfg.Capacity, cfg.Workers)
	}
	if err != nil {
		return nil, fmt.Errorf("buffer %s: %w", cfg.Name, err)
	}

	b := &Buffer{
		cfg:    cfg,
		logger: logger,
		ring:   r,
		table: listener.NewTable(listener.Config{
			Name:         cfg.Name,
			Capacity:     cfg.Capacity,
			MaxListeners: cfg.MaxListeners,
			KillGrace:    cfg.KillGrace,
			SilentReject: cfg.SilentReject,
		}, logger),
		src:     src,
		spaceCh: make(chan struct{}),
	}
	if chain.Len() > 0 {
		b.filters = chain
	}
	if cfg.Dedup != nil {
		b.dups = dedup.New(*cfg.Dedup)
	}

	for i := 0; i < cfg.Workers; i++ {
		w := &worker{
			index: i,
			writer: writer.New(r, writer.Config{
				Name:        cfg.Name,
				SnapLen:     cfg.SnapLen,
				SegmentSize: cfg.SegmentSize,
				Producer:    i,
			}),
			dupTotal:       metrics.DropsTotal.WithLabelValues(cfg.Name, "duplicate"),
			filteredTotal:  metrics.DropsTotal.WithLabelValues(cfg.Name, "filtered"),
			discardedTotal: metrics.DropsTotal.WithLabelValues(cfg.Name, "discarded"),
			idleTotal:      metrics.IdleWaitsTotal.WithLabelValues(cfg.Name, strconv.Itoa(i)),
		}
		if b.dups != nil {
			w.prefix = make([]byte, b.dups.Config().CheckLen)
		}
		b.workers = append(b.workers, w)
	}
	return b, nil
}

// Name returns the buffer name.
func (b *Buffer) Name() string { return b.cfg.Name }

// Config returns the validated configuration.
func (b *Buffer) Config() Config { return b.cfg }

// Ring returns the ring storage.
func (b *Buffer) Ring() *ring.Buffer { return b.ring }

// Listeners returns the listener table.
func (b *Buffer) Listeners() *listener.Table { return b.table }

// NextHandle returns a fresh listener id for this buffer.
func (b *Buffer) NextHandle() int64 { return b.handles.Add(1) }

// Running reports whether workers are active.
func (b *Buffer) Running() bool { return b.running.Load() }

// Start launches one goroutine per worker.
func (b *Buffer) Start(ctx context.Context) error {
	if b.stop.Load() {
		return fmt.Errorf("buffer %s: %w", b.cfg.Name, core.ErrBufferStopped)
	}
	if !b.running.CompareAndSwap(false, true) {
		return nil
	}
	ctx, b.cancel = context.WithCancel(ctx)
	b.started = time.Now()

	for _, w := range b.workers {
		w := w
		b.wg.Go(func() { b.run(ctx, w) })
	}
	b.logger.Info("buffer started", "capacity", b.cfg.Capacity, "workers", len(b.workers),
		"segment_size", b.cfg.SegmentSize, "snap_len", b.cfg.SnapLen, "backing", b.ring.Path())
	return nil
}

// Stop kills every listener, joins the workers and releases the source
// and the ring storage. It is safe to call more than once.
func (b *Buffer) Stop() error {
	var err error
	b.stopOnce.Do(func() {
		b.stop.Store(true)
		if b.cancel != nil {
			b.cancel()
		}
		b.table.KillAll()
		b.wg.Wait()
		b.running.Store(false)

		if cerr := b.src.Close(); cerr != nil {
			err = fmt.Errorf("close source: %w", cerr)
		}
		if cerr := b.ring.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close ring: %w", cerr)
		}
		b.logger.Info("buffer stopped")
	})
	return err
}

func (b *Buffer) run(ctx context.Context, w *worker) {
	b.logger.Debug("worker started", "worker", w.index)
	defer b.logger.Debug("worker stopped", "worker", w.index)

	idle := time.NewTimer(b.cfg.IdleSleep)
	defer idle.Stop()

	for !b.stop.Load() && ctx.Err() == nil {
		n := b.cycle(w)
		if w.index == 0 {
			b.reconcile()
		}
		if n > 0 {
			continue
		}

		w.idle.Add(1)
		w.idleTotal.Inc()
		space := b.spaceFreed()
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(b.cfg.IdleSleep)
		select {
		case <-space:
		case <-idle.C:
		case <-ctx.Done():
		}
	}
}

// cycle harvests frames for worker w within its share of the free space
// and returns the ring bytes written.
func (b *Buffer) cycle(w *worker) uint64 {
	if b.table.Count() == 0 {
		b.discard(w)
		return 0
	}

	limit := b.table.Global().Avail() / uint64(len(b.workers))
	var written uint64
	var last uint64
	read := 0
	for written < limit {
		f, ok, err := b.src.NextReadyFrame(w.index)
		if err != nil {
			b.logger.Warn("frame source error", "worker", w.index, "error", err)
			break
		}
		if !ok {
			break
		}
		read++
		last = f.Index
		w.harvested.Add(1)

		n, err := b.admit(w, &f, limit-written)
		written += n
		if read%releaseEvery == 0 {
			b.src.ReleaseConsumed(w.index, last)
		}
		if err != nil {
			if !errors.Is(err, core.ErrOutOfSpace) {
				b.logger.Warn("frame not written", "worker", w.index, "length", f.Length, "error", err)
			}
			break
		}
	}
	if read%releaseEvery != 0 {
		b.src.ReleaseConsumed(w.index, last)
	}
	return written
}

// admit runs f through the filters and writes it.
func (b *Buffer) admit(w *worker, f *core.Frame, budget uint64) (uint64, error) {
	if b.filters != nil && !b.filters.Pass(f) {
		w.filtered.Add(1)
		w.filteredTotal.Inc()
		return 0, nil
	}
	if b.dups != nil {
		n := f.Prefix(w.prefix)
		hash := f.Hash
		if !f.HasHash {
			hash = dedup.Hash(w.prefix[:n])
		}
		ts := f.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if b.dups.CheckAndRecord(w.prefix[:n], f.Length, hash, uint64(ts.UnixNano())) {
			w.duplicates.Add(1)
			w.dupTotal.Inc()
			return 0, nil
		}
	}
	return w.writer.Write(f, budget)
}

// discard drains ready frames while nobody listens.
func (b *Buffer) discard(w *worker) {
	var last uint64
	read := 0
	for read < releaseEvery {
		f, ok, err := b.src.NextReadyFrame(w.index)
		if err != nil || !ok {
			break
		}
		read++
		last = f.Index
	}
	if read > 0 {
		b.src.ReleaseConsumed(w.index, last)
		w.harvested.Add(uint64(read))
		w.discarded.Add(uint64(read))
		w.discardedTotal.Add(float64(read))
	}
}

// reconcile moves the global read frontier to the slowest listener and
// publishes newly committed bytes to every listener. Only worker 0 calls it.
func (b *Buffer) reconcile() {
	b.table.ReconcileGlobal()

	if committed := b.ring.Committed(); committed > b.pushed {
		b.table.PushAll(committed - b.pushed)
		b.pushed = committed
	}
	if b.table.Count() == 0 {
		b.table.DrainIdle()
	}

	if rd := b.table.Global().ReadOffset(); rd > b.ring.Released() {
		b.ring.ReleaseTo(rd)
		b.signalSpace()
	}
	metrics.UsedBytes.WithLabelValues(b.cfg.Name).Set(float64(b.table.Global().Used()))
}

func (b *Buffer) spaceFreed() <-chan struct{} {
	b.spaceMu.Lock()
	defer b.spaceMu.Unlock()
	return b.spaceCh
}

func (b *Buffer) signalSpace() {
	b.spaceMu.Lock()
	close(b.spaceCh)
	b.spaceCh = make(chan struct{})
	b.spaceMu.Unlock()
}
