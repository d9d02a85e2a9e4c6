package source

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/valyala/fastrand"

	"firestige.xyz/rawring/internal/core"
)

// SyntheticName is the registered type of Synthetic.
const SyntheticName = "synthetic"

// SyntheticConfig holds the options of the stress source.
type SyntheticConfig struct {
	MinLen           int    `mapstructure:"min_len"`
	MaxLen           int    `mapstructure:"max_len"`
	Rate             int    `mapstructure:"rate"`              // Frames per second per segment, 0 for unlimited
	Limit            uint64 `mapstructure:"limit"`             // Frames per segment, 0 for unlimited
	DuplicatePercent int    `mapstructure:"duplicate_percent"` // Share of frames repeated verbatim
	Seed             uint32 `mapstructure:"seed"`
}

func (c *SyntheticConfig) applyDefaults() error {
	if c.MinLen <= 0 {
		c.MinLen = 60
	}
	if c.MaxLen <= 0 {
		c.MaxLen = 1514
	}
	if c.MaxLen > core.MaxFrameLen || c.MinLen > c.MaxLen {
		return fmt.Errorf("synthetic lengths %d..%d: %w", c.MinLen, c.MaxLen, core.ErrConfigInvalid)
	}
	if c.DuplicatePercent < 0 || c.DuplicatePercent > 100 {
		return fmt.Errorf("duplicate_percent %d: %w", c.DuplicatePercent, core.ErrConfigInvalid)
	}
	return nil
}

func init() {
	Register(SyntheticName, func(options map[string]any, segments int) (Source, error) {
		var cfg SyntheticConfig
		if err := decodeOptions(options, &cfg); err != nil {
			return nil, err
		}
		return NewSynthetic(cfg, segments)
	})
}

type synthSegment struct {
	rng     fastrand.RNG
	buf     []byte
	frag    [1][]byte
	last    int
	index   uint64
	emitted uint64
	nextAt  time.Time
}

// Synthetic generates random frames for load testing. Each segment has its
// own generator and payload buffer.
type Synthetic struct {
	cfg      SyntheticConfig
	interval time.Duration
	segs     []synthSegment
}

// NewSynthetic creates a generator for the given number of segments.
func NewSynthetic(cfg SyntheticConfig, segments int) (*Synthetic, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	s := &Synthetic{cfg: cfg, segs: make([]synthSegment, segments)}
	if cfg.Rate > 0 {
		s.interval = time.Second / time.Duration(cfg.Rate)
	}
	for i := range s.segs {
		seg := &s.segs[i]
		seg.buf = make([]byte, cfg.MaxLen)
		if cfg.Seed != 0 {
			seg.rng.Seed(cfg.Seed + uint32(i))
		}
		for j := range seg.buf {
			seg.buf[j] = byte(j)
		}
	}
	return s, nil
}

// NextReadyFrame generates a frame unless the rate or limit says otherwise.
func (s *Synthetic) NextReadyFrame(segment int) (core.Frame, bool, error) {
	if segment < 0 || segment >= len(s.segs) {
		return core.Frame{}, false, nil
	}
	seg := &s.segs[segment]
	if s.cfg.Limit > 0 && seg.emitted >= s.cfg.Limit {
		return core.Frame{}, false, nil
	}

	now := time.Now()
	if s.interval > 0 {
		if now.Before(seg.nextAt) {
			return core.Frame{}, false, nil
		}
		if seg.nextAt.IsZero() || now.Sub(seg.nextAt) > time.Second {
			seg.nextAt = now
		}
		seg.nextAt = seg.nextAt.Add(s.interval)
	}

	n := seg.last
	repeat := seg.last > 0 && s.cfg.DuplicatePercent > 0 &&
		int(seg.rng.Uint32n(100)) < s.cfg.DuplicatePercent
	if !repeat {
		n = s.cfg.MinLen + int(seg.rng.Uint32n(uint32(s.cfg.MaxLen-s.cfg.MinLen+1)))
		s.stamp(seg, n)
	}
	seg.last = n
	seg.frag[0] = seg.buf[:n]

	f := core.Frame{
		Fragments: seg.frag[:],
		Length:    n,
		Timestamp: now,
		Index:     seg.index,
	}
	seg.index++
	seg.emitted++
	return f, true, nil
}

// stamp makes the leading bytes of the next frame unique.
func (s *Synthetic) stamp(seg *synthSegment, n int) {
	if n >= 16 {
		binary.BigEndian.PutUint64(seg.buf[0:8], seg.index)
		binary.BigEndian.PutUint32(seg.buf[8:12], seg.rng.Uint32())
		binary.BigEndian.PutUint32(seg.buf[12:16], uint32(n))
		return
	}
	for i := 0; i < n; i++ {
		seg.buf[i] = byte(seg.rng.Uint32())
	}
}

// ReleaseConsumed is a no-op.
func (s *Synthetic) ReleaseConsumed(segment int, upTo uint64) {}

// Close is a no-op.
func (s *Synthetic) Close() error { return nil }
