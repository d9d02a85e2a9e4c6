// Package dedup implements a bounded recency cache that flags frames seen
// twice within a short time window.
package dedup

import (
	"bytes"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Defaults for Config fields left at zero.
const (
	DefaultBuckets  = 32 * 1024
	DefaultLevels   = 1
	DefaultCheckLen = 70
	DefaultWindow   = 2 * time.Second

	lockStripes = 256
)

// Config configures a Filter.
type Config struct {
	Buckets  int           `mapstructure:"buckets"`
	Levels   int           `mapstructure:"levels"`
	CheckLen int           `mapstructure:"check_len"`
	Window   time.Duration `mapstructure:"window"`
}

// WithDefaults returns c with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	if c.Buckets <= 0 {
		c.Buckets = DefaultBuckets
	}
	if c.Levels <= 0 {
		c.Levels = DefaultLevels
	}
	if c.CheckLen <= 0 {
		c.CheckLen = DefaultCheckLen
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

type entry struct {
	ts     uint64 // ns, 0 when empty
	length uint16
}

// Filter is a fixed table of Buckets x Levels entries. Each entry keeps a
// frame's timestamp, length and first CheckLen bytes.
type Filter struct {
	cfg     Config
	window  uint64
	entries []entry
	prefix  []byte
	locks   [lockStripes]sync.Mutex
}

// New allocates the whole table up front.
func New(cfg Config) *Filter {
	cfg = cfg.WithDefaults()
	n := cfg.Buckets * cfg.Levels
	return &Filter{
		cfg:     cfg,
		window:  uint64(cfg.Window),
		entries: make([]entry, n),
		prefix:  make([]byte, n*cfg.CheckLen),
	}
}

// Config returns the effective configuration.
func (f *Filter) Config() Config { return f.cfg }

// Hash returns the bucket hash used when the source provides none.
func Hash(prefix []byte) uint32 {
	h := xxhash.Sum64(prefix)
	return uint32(h) ^ uint32(h>>32)
}

// CheckAndRecord reports whether a frame of the given length whose first
// bytes are prefix was already seen within the window of ts (ns). The
// frame is recorded either way, replacing an empty entry or the oldest one
// in its bucket. prefix may be longer than CheckLen.
func (f *Filter) CheckAndRecord(prefix []byte, length int, hash uint32, ts uint64) bool {
	cmpLen := length
	if cmpLen > f.cfg.CheckLen {
		cmpLen = f.cfg.CheckLen
	}
	if cmpLen > len(prefix) {
		cmpLen = len(prefix)
	}
	prefix = prefix[:cmpLen]

	bucket := int(hash % uint32(f.cfg.Buckets))
	mu := &f.locks[bucket%lockStripes]
	mu.Lock()
	defer mu.Unlock()

	first := bucket * f.cfg.Levels
	dup := false
	victim := -1
	for i := first; i < first+f.cfg.Levels; i++ {
		e := &f.entries[i]
		if e.ts == 0 {
			if victim < 0 || f.entries[victim].ts != 0 {
				victim = i
			}
			continue
		}
		if victim < 0 || (f.entries[victim].ts != 0 && e.ts < f.entries[victim].ts) {
			victim = i
		}
		if !dup && absDiff(ts, e.ts) <= f.window && int(e.length) == length &&
			bytes.Equal(f.stored(i)[:cmpLen], prefix) {
			dup = true
		}
	}

	e := &f.entries[victim]
	e.ts = ts
	e.length = uint16(length)
	s := f.stored(victim)
	clear(s[copy(s, prefix):])
	return dup
}

func (f *Filter) stored(i int) []byte {
	off := i * f.cfg.CheckLen
	return f.prefix[off : off+f.cfg.CheckLen]
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
