//go:build linux

package source

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"

	"firestige.xyz/rawring/internal/core"
)

// AfPacketName is the registered type of AfPacket.
const AfPacketName = "afpacket"

// AfPacketConfig holds the options of a live capture source.
type AfPacketConfig struct {
	Device       string        `mapstructure:"device"`
	SnapLen      int           `mapstructure:"snap_len"`
	BufferSizeMB int           `mapstructure:"buffer_size_mb"` // Per segment
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
	FanoutID     uint16        `mapstructure:"fanout_id"`
	BPFFilter    string        `mapstructure:"bpf_filter"`
}

func (c *AfPacketConfig) applyDefaults() error {
	if c.Device == "" {
		return fmt.Errorf("afpacket source requires 'device': %w", core.ErrConfigInvalid)
	}
	if c.SnapLen <= 0 {
		c.SnapLen = core.MaxFrameLen
	}
	if c.BufferSizeMB <= 0 {
		c.BufferSizeMB = 8
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Millisecond
	}
	if c.FanoutID == 0 {
		c.FanoutID = uint16(os.Getpid())
	}
	return nil
}

func init() {
	Register(AfPacketName, func(options map[string]any, segments int) (Source, error) {
		var cfg AfPacketConfig
		if err := decodeOptions(options, &cfg); err != nil {
			return nil, err
		}
		return NewAfPacket(cfg, segments)
	})
}

type afSegment struct {
	handle *afpacket.TPacket
	frag   [1][]byte
	index  uint64
}

// AfPacket captures from a network interface with one TPACKET_V3 socket
// per segment, joined in a fanout group so that the kernel spreads flows
// across workers.
type AfPacket struct {
	cfg  AfPacketConfig
	segs []afSegment
}

// NewAfPacket opens segments sockets on cfg.Device.
func NewAfPacket(cfg AfPacketConfig, segments int) (*AfPacket, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	frameSize, blockSize, numBlocks, err := ringGeometry(cfg.BufferSizeMB, cfg.SnapLen, os.Getpagesize())
	if err != nil {
		return nil, err
	}

	var filter []bpf.RawInstruction
	if cfg.BPFFilter != "" {
		if filter, err = compileBPF(cfg.BPFFilter, frameSize); err != nil {
			return nil, err
		}
	}

	s := &AfPacket{cfg: cfg, segs: make([]afSegment, segments)}
	for i := range s.segs {
		tp, err := afpacket.NewTPacket(
			afpacket.OptInterface(cfg.Device),
			afpacket.OptFrameSize(frameSize),
			afpacket.OptBlockSize(blockSize),
			afpacket.OptNumBlocks(numBlocks),
			afpacket.OptPollTimeout(cfg.PollTimeout),
			afpacket.SocketRaw,
			afpacket.TPacketVersion3,
		)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("open %s segment %d: %w", cfg.Device, i, err)
		}
		s.segs[i].handle = tp

		if segments > 1 {
			if err := tp.SetFanout(afpacket.FanoutHashWithDefrag, cfg.FanoutID); err != nil {
				s.Close()
				return nil, fmt.Errorf("join fanout group %d: %w", cfg.FanoutID, err)
			}
		}
		if filter != nil {
			if err := tp.SetBPF(filter); err != nil {
				s.Close()
				return nil, fmt.Errorf("attach bpf filter: %w", err)
			}
		}
	}

	slog.Info("afpacket source opened", "device", cfg.Device, "segments", segments,
		"frame_size", frameSize, "block_size", blockSize, "blocks", numBlocks)
	return s, nil
}

func compileBPF(expr string, snapLen int) ([]bpf.RawInstruction, error) {
	insns, err := pcap.CompileBPFFilter(layers.LinkTypeEthernet, snapLen, expr)
	if err != nil {
		return nil, fmt.Errorf("compile bpf %q: %w", expr, err)
	}
	raw := make([]bpf.RawInstruction, len(insns))
	for i, inst := range insns {
		raw[i] = bpf.RawInstruction{Op: inst.Code, Jt: inst.Jt, Jf: inst.Jf, K: inst.K}
	}
	return raw, nil
}

// NextReadyFrame reads without copying; the bytes stay valid until the
// next read on the same segment.
func (s *AfPacket) NextReadyFrame(segment int) (core.Frame, bool, error) {
	if segment < 0 || segment >= len(s.segs) || s.segs[segment].handle == nil {
		return core.Frame{}, false, nil
	}
	seg := &s.segs[segment]
	data, ci, err := seg.handle.ZeroCopyReadPacketData()
	if errors.Is(err, afpacket.ErrTimeout) {
		return core.Frame{}, false, nil
	}
	if err != nil {
		return core.Frame{}, false, fmt.Errorf("read %s segment %d: %w", s.cfg.Device, segment, err)
	}
	seg.frag[0] = data
	f := core.Frame{
		Fragments: seg.frag[:],
		Length:    ci.Length,
		Timestamp: ci.Timestamp,
		Index:     seg.index,
	}
	seg.index++
	return f, true, nil
}

// ReleaseConsumed is a no-op: the kernel block is returned on the next read.
func (s *AfPacket) ReleaseConsumed(segment int, upTo uint64) {}

// Close closes every socket.
func (s *AfPacket) Close() error {
	for i := range s.segs {
		if s.segs[i].handle != nil {
			s.segs[i].handle.Close()
			s.segs[i].handle = nil
		}
	}
	return nil
}
