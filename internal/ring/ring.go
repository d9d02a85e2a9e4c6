// Package ring implements the fixed-capacity byte ring shared by the
// ingestion workers and the listeners of one capture buffer.
package ring

import (
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
	"unsafe"

	"firestige.xyz/rawring/internal/core"
)

const (
	idle         = math.MaxUint64
	goschedEvery = 64
)

// Buffer is a circular byte array with an absolute, monotonically growing
// write cursor. Offsets handed out by Buffer are absolute and taken modulo
// the capacity when the storage is indexed.
type Buffer struct {
	_         [64]byte
	data      []byte
	capacity  uint64
	producers []producerSlot
	closer    func() error
	path      string
	_         [64]byte
	cursor    atomic.Uint64 // next free absolute offset (producers)
	_         [64]byte
	released  atomic.Uint64 // absolute global read frontier (reconciler)
	_         [64]byte
	frontier  atomic.Uint64 // highest committed offset handed out
	_         [64]byte
}

// producerSlot holds the base of a claimed but not yet written range.
type producerSlot struct {
	base atomic.Uint64
	_    [56]byte
}

// Placement is the outcome of an aligned reservation: Pad bytes of segment
// padding starting at Base, followed by the Size bytes of the record.
type Placement struct {
	Base uint64
	Pad  uint64
	Size uint64
}

// Record returns the absolute offset of the record itself.
func (p Placement) Record() uint64 { return p.Base + p.Pad }

// Total returns the number of bytes claimed.
func (p Placement) Total() uint64 { return p.Pad + p.Size }

// New allocates a heap-backed buffer. producers is the number of writers
// that will use ReserveAligned; each gets an in-flight slot.
func New(capacity uint64, producers int) (*Buffer, error) {
	if capacity < 2 {
		return nil, fmt.Errorf("capacity %d: %w", capacity, core.ErrInvalidCapacity)
	}
	return NewFromMemory(make([]byte, capacity), producers, nil)
}

// NewFromMemory wraps externally owned memory. closer, if set, is invoked
// once by Close.
func NewFromMemory(mem []byte, producers int, closer func() error) (*Buffer, error) {
	if len(mem) < 2 {
		return nil, fmt.Errorf("capacity %d: %w", len(mem), core.ErrInvalidCapacity)
	}
	if producers < 0 {
		producers = 0
	}
	b := &Buffer{
		data:      mem,
		capacity:  uint64(len(mem)),
		producers: make([]producerSlot, producers),
		closer:    closer,
	}
	for i := range b.producers {
		b.producers[i].base.Store(idle)
	}
	return b, nil
}

// Capacity returns the buffer size in bytes.
func (b *Buffer) Capacity() uint64 { return b.capacity }

// Path returns the backing file path, empty for heap memory.
func (b *Buffer) Path() string { return b.path }

// Base returns the address of the first byte of the storage.
func (b *Buffer) Base() uintptr { return uintptr(unsafe.Pointer(&b.data[0])) }

// Cursor returns the absolute write cursor.
func (b *Buffer) Cursor() uint64 { return b.cursor.Load() }

// Reserve claims n bytes with a single fetch-add and returns the
// pre-increment cursor. It performs no space accounting and cannot fail.
func (b *Buffer) Reserve(n uint64) uint64 {
	return b.cursor.Add(n) - n
}

// ReserveAligned claims room for an n-byte record so that it never
// straddles a boundary of the logical segment size. When the record does
// not fit in the rest of the current segment, the remainder is claimed as
// padding in front of it. A placement must leave either zero or at least
// margin bytes in the segment, so that a later padding header always fits.
//
// The claim fails with core.ErrOutOfSpace, leaving the buffer untouched,
// when pad+n+margin exceeds budget or when the ring would hold more than
// capacity-1 unreleased bytes. segment 0 disables alignment.
func (b *Buffer) ReserveAligned(producer int, n, segment, margin, budget uint64) (Placement, error) {
	if segment > 0 && n != segment && n+margin > segment {
		return Placement{}, fmt.Errorf("record %d, segment %d: %w", n, segment, core.ErrRecordTooLarge)
	}

	var spins uint32
	for {
		cur := b.cursor.Load()
		b.track(producer, cur)
		if b.cursor.Load() != cur {
			spins++
			if spins%goschedEvery == 0 {
				runtime.Gosched()
			}
			continue
		}

		pad := padding(cur, n, segment, margin)
		total := pad + n
		if total+margin > budget || cur+total-b.released.Load() > b.capacity-1 {
			b.Done(producer)
			return Placement{}, core.ErrOutOfSpace
		}
		if b.cursor.CompareAndSwap(cur, cur+total) {
			return Placement{Base: cur, Pad: pad, Size: n}, nil
		}

		spins++
		if spins%goschedEvery == 0 {
			runtime.Gosched()
		}
	}
}

func padding(cur, n, segment, margin uint64) uint64 {
	if segment == 0 {
		return 0
	}
	rem := segment - cur%segment
	if n == rem || n+margin <= rem {
		return 0
	}
	return rem
}

func (b *Buffer) track(producer int, base uint64) {
	if producer >= 0 && producer < len(b.producers) {
		b.producers[producer].base.Store(base)
	}
}

// Done marks the producer's last claimed range as fully written.
func (b *Buffer) Done(producer int) {
	b.track(producer, idle)
}

// Committed returns the absolute offset below which every claimed byte has
// been written. It never decreases, even while a producer slot briefly holds
// a cursor value that lost its CAS to another producer.
func (b *Buffer) Committed() uint64 {
	c := b.cursor.Load()
	for i := range b.producers {
		if v := b.producers[i].base.Load(); v < c {
			c = v
		}
	}
	for {
		hw := b.frontier.Load()
		if c <= hw {
			return hw
		}
		if b.frontier.CompareAndSwap(hw, c) {
			return c
		}
	}
}

// ReleaseTo moves the global read frontier forward to the absolute offset
// off. Earlier offsets are ignored.
func (b *Buffer) ReleaseTo(off uint64) {
	for {
		cur := b.released.Load()
		if off <= cur || b.released.CompareAndSwap(cur, off) {
			return
		}
	}
}

// Released returns the absolute global read frontier.
func (b *Buffer) Released() uint64 { return b.released.Load() }

// Free returns how many bytes producers may still claim.
func (b *Buffer) Free() uint64 {
	inFlight := b.cursor.Load() - b.released.Load()
	if inFlight >= b.capacity-1 {
		return 0
	}
	return b.capacity - 1 - inFlight
}

// WriteAt copies p to base mod capacity, wrapping once at the end of the
// storage, and returns the absolute offset following the copy.
func (b *Buffer) WriteAt(base uint64, p []byte) uint64 {
	off := base % b.capacity
	n := copy(b.data[off:], p)
	if n < len(p) {
		copy(b.data, p[n:])
	}
	return base + uint64(len(p))
}

// ReadAt fills p from off mod capacity, wrapping once.
func (b *Buffer) ReadAt(off uint64, p []byte) {
	o := off % b.capacity
	n := copy(p, b.data[o:])
	if n < len(p) {
		copy(p[n:], b.data)
	}
}

// Span returns up to two storage slices covering n bytes from off. The
// second slice is non-empty only when the range wraps.
func (b *Buffer) Span(off, n uint64) ([]byte, []byte) {
	o := off % b.capacity
	if o+n <= b.capacity {
		return b.data[o : o+n], nil
	}
	return b.data[o:], b.data[:o+n-b.capacity]
}

// Used returns the bytes between rd and wr, both taken modulo capacity.
func (b *Buffer) Used(rd, wr uint64) uint64 {
	return Distance(rd%b.capacity, wr%b.capacity, b.capacity)
}

// Avail returns the bytes that can still be written ahead of rd.
func (b *Buffer) Avail(rd, wr uint64) uint64 {
	return b.capacity - b.Used(rd, wr) - 1
}

// Distance is the forward distance from a to b on a ring of the given size.
func Distance(a, b, size uint64) uint64 {
	if a <= b {
		return b - a
	}
	return (size - a) + b
}

// Close releases externally owned storage. It is safe to call twice.
func (b *Buffer) Close() error {
	if b.closer == nil {
		return nil
	}
	c := b.closer
	b.closer = nil
	return c()
}
