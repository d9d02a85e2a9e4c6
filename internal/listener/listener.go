// Package listener implements the bounded table of ring buffer readers and
// the global read frontier that trails the slowest of them.
package listener

import (
	"sync/atomic"

	"firestige.xyz/rawring/internal/ring"
)

// GlobalSlot addresses the global listener in slot-based calls.
const GlobalSlot = -1

// Listener is one reader's view of the ring. Offsets are absolute; the
// producer side only moves write, the owning reader only moves read.
type Listener struct {
	id         atomic.Int64 // 0 marks an empty slot
	kill       atomic.Bool
	read       atomic.Uint64
	write      atomic.Uint64
	bufferSize atomic.Uint64
}

// ID returns the registered handle id, 0 for an empty slot.
func (l *Listener) ID() int64 { return l.id.Load() }

// Killed reports whether the listener was asked to stop.
func (l *Listener) Killed() bool { return l.kill.Load() }

// ReadOffset returns the absolute read offset.
func (l *Listener) ReadOffset() uint64 { return l.read.Load() }

// WriteOffset returns the absolute write offset.
func (l *Listener) WriteOffset() uint64 { return l.write.Load() }

// BufferSize returns the cached ring capacity.
func (l *Listener) BufferSize() uint64 { return l.bufferSize.Load() }

// Used returns the bytes published to this listener and not yet consumed.
func (l *Listener) Used() uint64 {
	size := l.bufferSize.Load()
	if size == 0 {
		return 0
	}
	return ring.Distance(l.read.Load()%size, l.write.Load()%size, size)
}

// Avail returns the bytes that may still be published to this listener.
func (l *Listener) Avail() uint64 {
	size := l.bufferSize.Load()
	if size == 0 {
		return 0
	}
	return size - l.Used() - 1
}

func (l *Listener) reset() {
	l.id.Store(0)
	l.kill.Store(false)
	l.read.Store(0)
	l.write.Store(0)
}
