package source

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/rawring/internal/core"
)

func TestRegistry(t *testing.T) {
	types := Types()
	assert.Contains(t, types, MemoryName)
	assert.Contains(t, types, PcapName)
	assert.Contains(t, types, SyntheticName)

	_, err := New("nope", nil, 1)
	assert.True(t, errors.Is(err, core.ErrSourceNotFound))

	_, err = New(MemoryName, map[string]any{"bogus": 1}, 1)
	assert.Error(t, err, "unknown options are rejected")
}

func TestMemory(t *testing.T) {
	s, err := New(MemoryName, nil, 2)
	require.NoError(t, err)
	m := s.(*Memory)

	m.Inject(1, core.Frame{Length: 1}, core.Frame{Length: 2})
	assert.Equal(t, 2, m.Pending(1))
	assert.Equal(t, 0, m.Pending(0))

	_, ok, err := m.NextReadyFrame(0)
	require.NoError(t, err)
	assert.False(t, ok)

	f, ok, err := m.NextReadyFrame(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, f.Length)
	assert.Equal(t, uint64(0), f.Index)

	f, ok, _ = m.NextReadyFrame(1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), f.Index)

	m.ReleaseConsumed(1, 1)
	m.ReleaseConsumed(1, 0)
	assert.Equal(t, uint64(2), m.Released(1))

	require.NoError(t, m.Close())
	m.Inject(0, core.Frame{Length: 3})
	_, ok, _ = m.NextReadyFrame(0)
	assert.False(t, ok, "closed source hands out nothing")
}

func writePcap(t *testing.T, frames [][]byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.pcap")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	for i, data := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Unix(int64(100+i), 0),
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return path
}

func TestPcapFile(t *testing.T) {
	path := writePcap(t, [][]byte{{1, 2, 3}, {4, 5}})

	s, err := New(PcapName, map[string]any{"path": path}, 2)
	require.NoError(t, err)
	defer s.Close()

	f, ok, err := s.NextReadyFrame(0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, [][]byte{{1, 2, 3}}, f.Fragments)
	assert.True(t, f.Timestamp.Equal(time.Unix(100, 0)))

	f, ok, err = s.NextReadyFrame(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, f.Length)
	assert.Equal(t, uint64(1), f.Index)

	_, ok, err = s.NextReadyFrame(0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, s.(*PcapFile).Exhausted())
}

func TestPcapFileLoop(t *testing.T) {
	path := writePcap(t, [][]byte{{9}})

	s, err := NewPcapFile(PcapConfig{Path: path, Loop: true, Retime: true})
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 3; i++ {
		f, ok, err := s.NextReadyFrame(0)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte{9}, f.Fragments[0])
		assert.WithinDuration(t, time.Now(), f.Timestamp, time.Second)
	}
}

func TestPcapFileMissingPath(t *testing.T) {
	_, err := NewPcapFile(PcapConfig{})
	assert.True(t, errors.Is(err, core.ErrConfigInvalid))

	_, err = NewPcapFile(PcapConfig{Path: filepath.Join(t.TempDir(), "missing.pcap")})
	assert.Error(t, err)
}

func TestSynthetic(t *testing.T) {
	s, err := New(SyntheticName, map[string]any{
		"min_len": "64",
		"max_len": 128,
		"limit":   50,
		"seed":    7,
	}, 2)
	require.NoError(t, err)

	for seg := 0; seg < 2; seg++ {
		count := 0
		for {
			f, ok, err := s.NextReadyFrame(seg)
			require.NoError(t, err)
			if !ok {
				break
			}
			assert.GreaterOrEqual(t, f.Length, 64)
			assert.LessOrEqual(t, f.Length, 128)
			assert.Equal(t, f.Length, f.CapturedLen())
			count++
		}
		assert.Equal(t, 50, count)
	}
}

func TestSyntheticDuplicates(t *testing.T) {
	s, err := NewSynthetic(SyntheticConfig{MinLen: 80, MaxLen: 90, DuplicatePercent: 100}, 1)
	require.NoError(t, err)

	first, ok, _ := s.NextReadyFrame(0)
	require.True(t, ok)
	want := append([]byte(nil), first.Fragments[0]...)

	second, ok, _ := s.NextReadyFrame(0)
	require.True(t, ok)
	assert.Equal(t, want, second.Fragments[0])
}

func TestSyntheticRate(t *testing.T) {
	s, err := NewSynthetic(SyntheticConfig{Rate: 10}, 1)
	require.NoError(t, err)

	_, ok, _ := s.NextReadyFrame(0)
	assert.True(t, ok)
	_, ok, _ = s.NextReadyFrame(0)
	assert.False(t, ok, "second frame is paced")
}

func TestSyntheticInvalid(t *testing.T) {
	_, err := NewSynthetic(SyntheticConfig{MinLen: 200, MaxLen: 100}, 1)
	assert.True(t, errors.Is(err, core.ErrConfigInvalid))
	_, err = NewSynthetic(SyntheticConfig{DuplicatePercent: 150}, 1)
	assert.True(t, errors.Is(err, core.ErrConfigInvalid))
}

func TestRingGeometry(t *testing.T) {
	frameSize, blockSize, numBlocks, err := ringGeometry(8, 1514, 4096)
	require.NoError(t, err)
	assert.Equal(t, 0, frameSize%16)
	assert.Equal(t, 0, blockSize%4096)
	assert.Equal(t, 0, blockSize%frameSize)
	assert.GreaterOrEqual(t, numBlocks, 1)

	frameSize, blockSize, _, err = ringGeometry(8, 65535, 4096)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, blockSize, frameSize)
	assert.Equal(t, 0, blockSize%4096)

	_, _, _, err = ringGeometry(0, 1514, 4096)
	assert.Error(t, err)
	_, _, _, err = ringGeometry(8, 0, 4096)
	assert.Error(t, err)
	_, _, _, err = ringGeometry(8, 1514, 1000)
	assert.Error(t, err)
}
