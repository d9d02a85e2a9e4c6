package source

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/rawring/internal/core"
)

// PcapName is the registered type of PcapFile.
const PcapName = "pcap"

// PcapConfig holds the options of a pcap replay source.
type PcapConfig struct {
	Path string `mapstructure:"path"`
	Loop bool   `mapstructure:"loop"`
	// Retime stamps frames with the replay time instead of the file time.
	Retime bool `mapstructure:"retime"`
}

func init() {
	Register(PcapName, func(options map[string]any, segments int) (Source, error) {
		var cfg PcapConfig
		if err := decodeOptions(options, &cfg); err != nil {
			return nil, err
		}
		return NewPcapFile(cfg)
	})
}

// PcapFile replays a pcap file. Frames are handed to whichever segment
// asks next.
type PcapFile struct {
	cfg PcapConfig

	mu        sync.Mutex
	file      *os.File
	reader    *pcapgo.Reader
	index     uint64
	exhausted bool
}

// NewPcapFile opens the file at cfg.Path.
func NewPcapFile(cfg PcapConfig) (*PcapFile, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("pcap source requires 'path': %w", core.ErrConfigInvalid)
	}
	s := &PcapFile{cfg: cfg}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PcapFile) open() error {
	f, err := os.Open(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("failed to open pcap file %s: %w", s.cfg.Path, err)
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to read pcap header of %s: %w", s.cfg.Path, err)
	}
	s.file = f
	s.reader = r
	return nil
}

// NextReadyFrame reads the next frame from the file. At the end of the
// file it rewinds when looping, and otherwise reports nothing ready.
func (s *PcapFile) NextReadyFrame(segment int) (core.Frame, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exhausted || s.reader == nil {
		return core.Frame{}, false, nil
	}

	data, ci, err := s.reader.ReadPacketData()
	if errors.Is(err, io.EOF) && s.cfg.Loop {
		s.file.Close()
		if err := s.open(); err != nil {
			s.exhausted = true
			return core.Frame{}, false, err
		}
		data, ci, err = s.reader.ReadPacketData()
	}
	if errors.Is(err, io.EOF) {
		s.exhausted = true
		slog.Info("pcap source exhausted", "path", s.cfg.Path, "frames", s.index)
		return core.Frame{}, false, nil
	}
	if err != nil {
		return core.Frame{}, false, fmt.Errorf("failed to read packet: %w", err)
	}

	ts := ci.Timestamp
	if s.cfg.Retime {
		ts = time.Now()
	}
	f := core.Frame{
		Fragments: [][]byte{data},
		Length:    ci.Length,
		Timestamp: ts,
		Index:     s.index,
	}
	s.index++
	return f, true, nil
}

// ReleaseConsumed is a no-op: every frame owns its bytes.
func (s *PcapFile) ReleaseConsumed(segment int, upTo uint64) {}

// Exhausted reports whether a non-looping replay reached the end.
func (s *PcapFile) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exhausted
}

// Close closes the file.
func (s *PcapFile) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.reader = nil
	return err
}
