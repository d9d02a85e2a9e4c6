package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"firestige.xyz/rawring/internal/core"
)

// Registry owns the buffers known to the process, addressable by name or
// by the index assigned when they were added.
type Registry struct {
	mu      sync.RWMutex
	buffers []*Buffer
	byName  map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]int)}
}

// Add registers b and returns its index.
func (r *Registry) Add(b *Buffer) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[b.Name()]; ok {
		return -1, fmt.Errorf("buffer %s: %w", b.Name(), core.ErrBufferExists)
	}
	r.buffers = append(r.buffers, b)
	idx := len(r.buffers) - 1
	r.byName[b.Name()] = idx
	return idx, nil
}

// Get finds a buffer by name. An empty name selects the only buffer when
// exactly one is registered.
func (r *Registry) Get(name string) (*Buffer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		if len(r.buffers) == 1 {
			return r.buffers[0], nil
		}
		return nil, fmt.Errorf("buffer name required with %d buffers: %w", len(r.buffers), core.ErrBufferNotFound)
	}
	idx, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("buffer %s: %w", name, core.ErrBufferNotFound)
	}
	return r.buffers[idx], nil
}

// ByIndex returns the buffer added at position idx.
func (r *Registry) ByIndex(idx int) (*Buffer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if idx < 0 || idx >= len(r.buffers) {
		return nil, fmt.Errorf("buffer index %d: %w", idx, core.ErrBufferNotFound)
	}
	return r.buffers[idx], nil
}

// Index returns the index of the named buffer, -1 when unknown.
func (r *Registry) Index(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if idx, ok := r.byName[name]; ok {
		return idx
	}
	return -1
}

// List returns the buffers in index order.
func (r *Registry) List() []*Buffer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Buffer, len(r.buffers))
	copy(out, r.buffers)
	return out
}

// Len returns the number of buffers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buffers)
}

// StartAll starts every buffer, stopping the ones already started if one
// fails.
func (r *Registry) StartAll(ctx context.Context) error {
	for i, b := range r.List() {
		if err := b.Start(ctx); err != nil {
			for _, started := range r.List()[:i] {
				_ = started.Stop()
			}
			return fmt.Errorf("start buffer %s: %w", b.Name(), err)
		}
	}
	return nil
}

// StopAll stops every buffer and returns the joined errors.
func (r *Registry) StopAll() error {
	var errs []error
	for _, b := range r.List() {
		if err := b.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop buffer %s: %w", b.Name(), err))
		}
	}
	return errors.Join(errs...)
}
