// Package writer encodes harvested frames as RAW records into a ring.
package writer

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"firestige.xyz/rawring/internal/core"
	"firestige.xyz/rawring/internal/metrics"
	"firestige.xyz/rawring/internal/raw"
	"firestige.xyz/rawring/internal/ring"
)

// maxPadding is the largest padding record a single header can describe.
const maxPadding = raw.HeaderSize + core.MaxFrameLen

// Config configures a Writer.
type Config struct {
	Name        string // Buffer name used in metrics
	SnapLen     int    // Capture length cap, 0 for none
	SegmentSize uint64 // Logical output segment size, 0 disables padding
	Producer    int    // In-flight slot of the ring owned by this writer
}

// Stats counts what a Writer did.
type Stats struct {
	Frames       uint64 `json:"frames"`
	Bytes        uint64 `json:"bytes"`
	Lost         uint64 `json:"lost"`
	Paddings     uint64 `json:"paddings"`
	PaddingBytes uint64 `json:"padding_bytes"`
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Frames += o.Frames
	s.Bytes += o.Bytes
	s.Lost += o.Lost
	s.Paddings += o.Paddings
	s.PaddingBytes += o.PaddingBytes
}

// Writer appends frames to one ring on behalf of a single producer.
// It is not safe for concurrent use; give each worker its own.
type Writer struct {
	cfg  Config
	ring *ring.Buffer
	hdr  [raw.HeaderSize]byte

	frames, bytes, lost, paddings, paddingBytes atomic.Uint64

	framesTotal  prometheus.Counter
	bytesTotal   prometheus.Counter
	lostTotal    prometheus.Counter
	paddingTotal prometheus.Counter
}

// New creates a Writer for r.
func New(r *ring.Buffer, cfg Config) *Writer {
	return &Writer{
		cfg:          cfg,
		ring:         r,
		framesTotal:  metrics.FramesTotal.WithLabelValues(cfg.Name),
		bytesTotal:   metrics.BytesTotal.WithLabelValues(cfg.Name),
		lostTotal:    metrics.DropsTotal.WithLabelValues(cfg.Name, "lost"),
		paddingTotal: metrics.PaddingBytesTotal.WithLabelValues(cfg.Name),
	}
}

// Write appends f as a record, preceded by segment padding when needed,
// and returns the number of ring bytes consumed. When budget cannot hold
// the record plus a spare header, the frame is counted as lost, nothing is
// written and core.ErrOutOfSpace is returned.
func (w *Writer) Write(f *core.Frame, budget uint64) (uint64, error) {
	length := f.Length
	if length > core.MaxFrameLen {
		length = core.MaxFrameLen
	}
	capLen := length
	if w.cfg.SnapLen > 0 && w.cfg.SnapLen < capLen {
		capLen = w.cfg.SnapLen
	}
	if n := f.CapturedLen(); n < capLen {
		capLen = n
	}

	p, err := w.ring.ReserveAligned(w.cfg.Producer, uint64(capLen+raw.HeaderSize),
		w.cfg.SegmentSize, raw.HeaderSize, budget)
	if err != nil {
		if errors.Is(err, core.ErrOutOfSpace) {
			w.lost.Add(1)
			w.lostTotal.Inc()
		}
		return 0, err
	}

	if p.Pad > 0 {
		w.writePadding(p.Base, p.Pad)
	}

	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	h := raw.NewHeader(ts, capLen, length)
	if h.IsPadding() {
		h.Nsec = 1
	}
	h.Encode(w.hdr[:])
	off := w.ring.WriteAt(p.Record(), w.hdr[:])

	rem := capLen
	for _, frag := range f.Fragments {
		if rem == 0 {
			break
		}
		if len(frag) > rem {
			frag = frag[:rem]
		}
		off = w.ring.WriteAt(off, frag)
		rem -= len(frag)
	}
	w.ring.Done(w.cfg.Producer)

	w.frames.Add(1)
	w.bytes.Add(p.Size)
	w.framesTotal.Inc()
	w.bytesTotal.Add(float64(p.Size))
	return p.Total(), nil
}

// writePadding fills n bytes at off with padding records. A single record
// suffices unless n exceeds what one header can describe.
func (w *Writer) writePadding(off, n uint64) {
	w.paddingBytes.Add(n)
	w.paddingTotal.Add(float64(n))
	for n >= raw.HeaderSize {
		chunk := n
		if chunk > maxPadding {
			chunk = maxPadding
			if n-chunk < raw.HeaderSize {
				chunk = n - raw.HeaderSize
			}
		}
		h, err := raw.PaddingHeader(chunk)
		if err != nil {
			return
		}
		h.Encode(w.hdr[:])
		w.ring.WriteAt(off, w.hdr[:])
		w.paddings.Add(1)
		off += chunk
		n -= chunk
	}
}

// Stats returns the writer's counters.
func (w *Writer) Stats() Stats {
	return Stats{
		Frames:       w.frames.Load(),
		Bytes:        w.bytes.Load(),
		Lost:         w.lost.Load(),
		Paddings:     w.paddings.Load(),
		PaddingBytes: w.paddingBytes.Load(),
	}
}
