// Package client is the in-process reader of a capture buffer. A Reader
// holds one listener slot and walks the RAW records published to it.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"firestige.xyz/rawring/internal/core"
	"firestige.xyz/rawring/internal/listener"
	"firestige.xyz/rawring/internal/raw"
	"firestige.xyz/rawring/internal/ring"
)

// DefaultBlockSize is the largest chunk WriteBlock copies at once.
const DefaultBlockSize = 1 << 20

// Buffer is what a Reader needs from a capture buffer.
type Buffer interface {
	Ring() *ring.Buffer
	Listeners() *listener.Table
	NextHandle() int64
}

// Reader consumes one buffer through its own listener. It is not safe for
// concurrent use.
type Reader struct {
	ring  *ring.Buffer
	table *listener.Table
	id    int64

	rdoff   uint64 // absolute offset of the next unread byte
	avail   uint64 // bytes readable from the last acknowledged offset
	acks    uint64 // bytes consumed since the last acknowledgement
	scratch []byte

	BlockSize uint64
}

// Open registers a fresh listener on buf.
func Open(buf Buffer) (*Reader, error) {
	id := buf.NextHandle()
	table := buf.Listeners()
	if _, err := table.Register(id); err != nil {
		return nil, err
	}
	l, _ := table.Lookup(id)
	return &Reader{
		ring:      buf.Ring(),
		table:     table,
		id:        id,
		rdoff:     l.ReadOffset(),
		scratch:   make([]byte, raw.HeaderSize+core.MaxFrameLen),
		BlockSize: DefaultBlockSize,
	}, nil
}

// ID returns the listener id of the reader.
func (r *Reader) ID() int64 { return r.id }

// Offset returns the absolute offset of the next unread byte.
func (r *Reader) Offset() uint64 { return r.rdoff }

// Pending returns the bytes known to be readable and not yet consumed.
func (r *Reader) Pending() uint64 { return r.avail - r.acks }

// Ack returns the consumed bytes to the buffer.
func (r *Reader) Ack() error {
	if r.acks == 0 {
		return nil
	}
	if err := r.table.Ack(r.id, r.acks); err != nil {
		return err
	}
	r.avail -= r.acks
	r.acks = 0
	return nil
}

// Wait acknowledges what was consumed and blocks until at least min bytes
// are readable.
func (r *Reader) Wait(ctx context.Context, min uint64) error {
	if err := r.Ack(); err != nil {
		return err
	}
	used, err := r.table.Wait(ctx, r.id, min)
	r.refresh(used)
	return err
}

// WaitTimeout is Wait bounded by timeout. Reaching the timeout is not an
// error; Pending tells how much arrived.
func (r *Reader) WaitTimeout(ctx context.Context, min uint64, timeout time.Duration) error {
	if err := r.Ack(); err != nil {
		return err
	}
	used, err := r.table.WaitTimeout(ctx, r.id, min, timeout)
	r.refresh(used)
	return err
}

func (r *Reader) refresh(used uint64) {
	if l, ok := r.table.Lookup(r.id); ok {
		r.avail = used
		r.rdoff = l.ReadOffset()
	}
}

// Next returns the next data record, skipping padding. Data points into
// the ring when the record is contiguous and into scratch memory when it
// wraps; either way it is valid until the next call to Next, Wait or Ack.
// io.EOF means the readable bytes are exhausted.
func (r *Reader) Next() (raw.Record, error) {
	var hdr [raw.HeaderSize]byte
	for {
		left := r.Pending()
		if left < raw.HeaderSize {
			return raw.Record{}, io.EOF
		}
		start := r.rdoff
		r.ring.ReadAt(start, hdr[:])
		h := raw.DecodeHeader(hdr[:])
		size := h.Size()
		if size > left {
			return raw.Record{}, fmt.Errorf("record of %d bytes at %d, %d readable: %w",
				size, start, left, core.ErrCorruptRecord)
		}
		r.rdoff += size
		r.acks += size
		if h.IsPadding() {
			continue
		}
		if err := h.Validate(); err != nil {
			return raw.Record{}, fmt.Errorf("record at %d: %w", start, err)
		}

		first, second := r.ring.Span(start+raw.HeaderSize, uint64(h.CapLen))
		data := first
		if len(second) > 0 {
			data = r.scratch[:copy(r.scratch, first)]
			data = append(data, second...)
		}
		return raw.Record{Header: h, Data: data, Offset: start}, nil
	}
}

// WriteBlock copies up to max readable bytes, capped at BlockSize, to w as
// raw stream bytes and marks them consumed.
func (r *Reader) WriteBlock(w io.Writer, max uint64) (uint64, error) {
	n := min(r.Pending(), max)
	if r.BlockSize > 0 {
		n = min(n, r.BlockSize)
	}
	if n == 0 {
		return 0, nil
	}
	first, second := r.ring.Span(r.rdoff, n)
	if _, err := w.Write(first); err != nil {
		return 0, err
	}
	if len(second) > 0 {
		if _, err := w.Write(second); err != nil {
			return uint64(len(first)), err
		}
	}
	r.rdoff += n
	r.acks += n
	return n, nil
}

// Close acknowledges pending bytes and releases the listener slot. A
// reader killed in the meantime closes cleanly.
func (r *Reader) Close() error {
	ackErr := r.Ack()
	err := r.table.Unregister(r.id)
	if errors.Is(err, core.ErrListenerNotFound) && r.table.IsForceKilled(r.id) {
		err = nil
	}
	if errors.Is(ackErr, core.ErrSilentlyRejected) || errors.Is(ackErr, core.ErrListenerNotFound) {
		ackErr = nil
	}
	return errors.Join(ackErr, err)
}

// CopyRecords copies whole records published to l, starting at its read
// offset, as long as they fit in max bytes. It does not consume them.
func CopyRecords(rb *ring.Buffer, l *listener.Listener, max uint64) ([]byte, error) {
	off := l.ReadOffset()
	left := l.Used()
	var n uint64
	var hdr [raw.HeaderSize]byte
	for left-n >= raw.HeaderSize {
		rb.ReadAt(off+n, hdr[:])
		size := raw.DecodeHeader(hdr[:]).Size()
		if size > left-n {
			return nil, fmt.Errorf("record of %d bytes at %d: %w", size, off+n, core.ErrCorruptRecord)
		}
		if n+size > max {
			break
		}
		n += size
	}
	out := make([]byte, n)
	rb.ReadAt(off, out)
	return out, nil
}
