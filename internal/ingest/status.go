package ingest

import (
	"bytes"
	"time"

	"firestige.xyz/rawring/internal/listener"
	"firestige.xyz/rawring/internal/raw"
	"firestige.xyz/rawring/internal/writer"
)

// Info locates the ring storage for readers that map it directly.
type Info struct {
	Base   uintptr `json:"base_address"`
	Size   uint64  `json:"size"`
	Offset uint64  `json:"offset"`
	Path   string  `json:"path,omitempty"`
}

// Counters aggregates what the workers did.
type Counters struct {
	writer.Stats
	Harvested  uint64 `json:"harvested"`
	Duplicates uint64 `json:"duplicates"`
	Filtered   uint64 `json:"filtered"`
	Discarded  uint64 `json:"discarded"`
	IdleWaits  uint64 `json:"idle_waits"`
}

// Status is a point-in-time view of a buffer.
type Status struct {
	Name        string          `json:"name"`
	Running     bool            `json:"running"`
	Uptime      string          `json:"uptime,omitempty"`
	Capacity    uint64          `json:"capacity"`
	Workers     int             `json:"workers"`
	SnapLen     int             `json:"snap_len"`
	SegmentSize uint64          `json:"segment_size"`
	Dedup       bool            `json:"dedup"`
	Filters     int             `json:"filters"`
	Cursor      uint64          `json:"cursor"`
	Committed   uint64          `json:"committed"`
	Released    uint64          `json:"released"`
	Free        uint64          `json:"free"`
	Counters    Counters        `json:"counters"`
	Listeners   listener.Status `json:"listeners"`
}

// Info returns where the ring lives.
func (b *Buffer) Info() Info {
	return Info{
		Base: b.ring.Base(),
		Size: b.ring.Capacity(),
		Path: b.ring.Path(),
	}
}

// Counters sums the per-worker counters.
func (b *Buffer) Counters() Counters {
	var c Counters
	for _, w := range b.workers {
		c.Stats.Add(w.writer.Stats())
		c.Harvested += w.harvested.Load()
		c.Duplicates += w.duplicates.Load()
		c.Filtered += w.filtered.Load()
		c.Discarded += w.discarded.Load()
		c.IdleWaits += w.idle.Load()
	}
	return c
}

// Status returns the buffer's current state.
func (b *Buffer) Status() Status {
	st := Status{
		Name:        b.cfg.Name,
		Running:     b.running.Load(),
		Capacity:    b.ring.Capacity(),
		Workers:     len(b.workers),
		SnapLen:     b.cfg.SnapLen,
		SegmentSize: b.cfg.SegmentSize,
		Dedup:       b.dups != nil,
		Filters:     b.filters.Len(),
		Cursor:      b.ring.Cursor(),
		Committed:   b.ring.Committed(),
		Released:    b.ring.Released(),
		Free:        b.ring.Free(),
		Counters:    b.Counters(),
		Listeners:   b.table.Snapshot(),
	}
	if st.Running {
		st.Uptime = time.Since(b.started).Round(time.Second).String()
	}
	return st
}

// Check verifies the framing of the bytes held between the global read
// frontier and the global write offset. The global read offset must sit
// on a record boundary, which holds while readers acknowledge whole
// records.
func (b *Buffer) Check() raw.Report {
	g := b.table.Global()
	start := g.ReadOffset()
	n := g.WriteOffset() - start
	first, second := b.ring.Span(start, n)

	data := make([]byte, 0, n)
	data = append(data, first...)
	data = append(data, second...)
	return raw.Check(bytes.NewReader(data), start, b.cfg.SegmentSize)
}
