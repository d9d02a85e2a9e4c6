package source

import (
	"sync"

	"firestige.xyz/rawring/internal/core"
)

// MemoryName is the registered type of Memory.
const MemoryName = "memory"

func init() {
	Register(MemoryName, func(options map[string]any, segments int) (Source, error) {
		if err := decodeOptions(options, &struct{}{}); err != nil {
			return nil, err
		}
		return NewMemory(segments), nil
	})
}

// Memory is a source fed by Inject. It backs tests and in-process
// producers.
type Memory struct {
	mu       sync.Mutex
	pending  [][]core.Frame
	assigned []uint64
	released []uint64
	closed   bool
}

// NewMemory creates an empty source with the given number of segments.
func NewMemory(segments int) *Memory {
	if segments <= 0 {
		segments = 1
	}
	return &Memory{
		pending:  make([][]core.Frame, segments),
		assigned: make([]uint64, segments),
		released: make([]uint64, segments),
	}
}

// Inject queues frames on segment, numbering their descriptors.
func (m *Memory) Inject(segment int, frames ...core.Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	segment %= len(m.pending)
	for _, f := range frames {
		f.Index = m.assigned[segment]
		m.assigned[segment]++
		m.pending[segment] = append(m.pending[segment], f)
	}
}

// NextReadyFrame pops the oldest queued frame of segment.
func (m *Memory) NextReadyFrame(segment int) (core.Frame, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || segment < 0 || segment >= len(m.pending) || len(m.pending[segment]) == 0 {
		return core.Frame{}, false, nil
	}
	f := m.pending[segment][0]
	m.pending[segment][0] = core.Frame{}
	m.pending[segment] = m.pending[segment][1:]
	return f, true, nil
}

// ReleaseConsumed records that descriptors up to upTo were returned.
func (m *Memory) ReleaseConsumed(segment int, upTo uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if segment >= 0 && segment < len(m.released) && upTo+1 > m.released[segment] {
		m.released[segment] = upTo + 1
	}
}

// Released returns how many descriptors of segment were released.
func (m *Memory) Released(segment int) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released[segment]
}

// Pending returns the number of queued frames on segment.
func (m *Memory) Pending(segment int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending[segment])
}

// Close stops handing out frames.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
