// Package source provides the frame sources that feed ingestion workers
// and a registry to build them from configuration.
package source

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/rawring/internal/core"
)

// Source hands out ready frames per consumer segment. Each segment is
// drained by exactly one worker, so implementations may keep per-segment
// state without locking. Frame fragments stay valid until the next call to
// NextReadyFrame for the same segment.
type Source interface {
	// NextReadyFrame returns the next frame of segment, or false when
	// nothing is ready.
	NextReadyFrame(segment int) (core.Frame, bool, error)
	// ReleaseConsumed hands descriptors up to and including upTo back to
	// the source.
	ReleaseConsumed(segment int, upTo uint64)
	// Close releases the source.
	Close() error
}

// Constructor builds a source from its raw options for the given number
// of consumer segments.
type Constructor func(options map[string]any, segments int) (Source, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register makes a source type available to New.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = ctor
}

// Types lists the registered source types.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds a source of the named type.
func New(name string, options map[string]any, segments int) (Source, error) {
	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("source %q: %w", name, core.ErrSourceNotFound)
	}
	if segments <= 0 {
		segments = 1
	}
	return ctor(options, segments)
}

// decodeOptions decodes raw options into out, rejecting unknown keys.
func decodeOptions(options map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(options); err != nil {
		return fmt.Errorf("decode source options: %w", err)
	}
	return nil
}
