package writer

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/rawring/internal/core"
	"firestige.xyz/rawring/internal/raw"
	"firestige.xyz/rawring/internal/ring"
)

func newRing(t *testing.T, capacity uint64) *ring.Buffer {
	t.Helper()
	r, err := ring.New(capacity, 1)
	require.NoError(t, err)
	return r
}

func payload(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed + byte(i)
	}
	return p
}

func readRecord(r *ring.Buffer, off uint64) (raw.Header, []byte) {
	var hdr [raw.HeaderSize]byte
	r.ReadAt(off, hdr[:])
	h := raw.DecodeHeader(hdr[:])
	data := make([]byte, h.CapLen)
	r.ReadAt(off+raw.HeaderSize, data)
	return h, data
}

func TestWriteRoundTrip(t *testing.T) {
	r := newRing(t, 1024)
	w := New(r, Config{Name: t.Name()})

	data := payload(100, 1)
	ts := time.Unix(1700000000, 42)
	f := &core.Frame{Fragments: [][]byte{data[:30], data[30:]}, Length: 100, Timestamp: ts}

	n, err := w.Write(f, 1023)
	require.NoError(t, err)
	assert.Equal(t, uint64(112), n)
	assert.Equal(t, uint64(112), r.Committed())

	h, got := readRecord(r, 0)
	assert.Equal(t, uint16(100), h.CapLen)
	assert.Equal(t, uint16(100), h.Len)
	assert.True(t, h.Time().Equal(ts))
	assert.Equal(t, data, got)
}

func TestWriteRoundTripAcrossWrap(t *testing.T) {
	r := newRing(t, 128)
	w := New(r, Config{Name: t.Name()})

	// Move the cursor close to the end of the storage.
	r.Reserve(100)
	r.ReleaseTo(100)

	data := payload(40, 7)
	n, err := w.Write(&core.Frame{Fragments: [][]byte{data}, Length: 40, Timestamp: time.Unix(5, 6)}, 127)
	require.NoError(t, err)
	assert.Equal(t, uint64(52), n)

	h, got := readRecord(r, 100)
	assert.Equal(t, uint16(40), h.CapLen)
	assert.Equal(t, data, got)
}

func TestWriteSnapLen(t *testing.T) {
	r := newRing(t, 1024)
	w := New(r, Config{Name: t.Name(), SnapLen: 64})

	data := payload(200, 0)
	n, err := w.Write(&core.Frame{Fragments: [][]byte{data}, Length: 200, Timestamp: time.Unix(1, 0)}, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(76), n)

	h, got := readRecord(r, 0)
	assert.Equal(t, uint16(64), h.CapLen)
	assert.Equal(t, uint16(200), h.Len)
	assert.Equal(t, data[:64], got)
}

func TestWriteShortFragments(t *testing.T) {
	r := newRing(t, 1024)
	w := New(r, Config{Name: t.Name()})

	// The source only kept 10 bytes of a 60-byte frame.
	_, err := w.Write(&core.Frame{Fragments: [][]byte{payload(10, 0)}, Length: 60, Timestamp: time.Unix(1, 0)}, 1000)
	require.NoError(t, err)
	h, _ := readRecord(r, 0)
	assert.Equal(t, uint16(10), h.CapLen)
	assert.Equal(t, uint16(60), h.Len)
}

func TestWriteSegmentPadding(t *testing.T) {
	const segment = 64
	r := newRing(t, 1024)
	w := New(r, Config{Name: t.Name(), SegmentSize: segment})
	ts := time.Unix(9, 9)

	_, err := w.Write(&core.Frame{Fragments: [][]byte{payload(28, 0)}, Length: 28, Timestamp: ts}, 1000)
	require.NoError(t, err)

	n, err := w.Write(&core.Frame{Fragments: [][]byte{payload(8, 3)}, Length: 8, Timestamp: ts}, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(24+20), n)

	pad, _ := readRecord(r, 40)
	assert.True(t, pad.IsPadding())
	assert.Equal(t, uint64(24), pad.Size())

	h, got := readRecord(r, segment)
	assert.False(t, h.IsPadding())
	assert.Equal(t, payload(8, 3), got)
	assert.Equal(t, uint64(segment+20), r.Cursor())

	st := w.Stats()
	assert.Equal(t, uint64(2), st.Frames)
	assert.Equal(t, uint64(1), st.Paddings)
	assert.Equal(t, uint64(24), st.PaddingBytes)

	first, second := r.Span(0, r.Cursor())
	stream := append(append([]byte{}, first...), second...)
	rep := raw.Check(bytes.NewReader(stream), 0, segment)
	assert.True(t, rep.OK(), "%+v", rep)
	assert.Equal(t, 2, rep.Records)
}

func TestWriteOversizedPaddingIsChained(t *testing.T) {
	const segment = 200000
	r := newRing(t, 300000)
	w := New(r, Config{Name: t.Name(), SegmentSize: segment})

	start := uint64(segment - 65550)
	r.Reserve(start)
	r.ReleaseTo(start)

	data := payload(core.MaxFrameLen, 0)
	n, err := w.Write(&core.Frame{Fragments: [][]byte{data}, Length: len(data), Timestamp: time.Unix(3, 0)}, 1<<20)
	require.NoError(t, err)
	assert.Equal(t, uint64(65550+65547), n)

	first, second := r.Span(start, n)
	stream := append(append([]byte{}, first...), second...)
	rep := raw.Check(bytes.NewReader(stream), start, segment)
	assert.True(t, rep.OK(), "%+v", rep)
	assert.Equal(t, 2, rep.Paddings)
	assert.Equal(t, uint64(65550), rep.PaddingBytes)
	assert.Equal(t, 1, rep.Records)
}

func TestWriteLossLeavesRingUnchanged(t *testing.T) {
	r := newRing(t, 1024)
	w := New(r, Config{Name: t.Name()})

	// Record is 62 bytes; 62+12 does not fit in 73.
	_, err := w.Write(&core.Frame{Fragments: [][]byte{payload(50, 0)}, Length: 50}, 73)
	assert.True(t, errors.Is(err, core.ErrOutOfSpace))
	assert.Equal(t, uint64(0), r.Cursor())
	assert.Equal(t, uint64(0), r.Committed())
	assert.Equal(t, uint64(1), w.Stats().Lost)
	assert.Equal(t, uint64(0), w.Stats().Frames)

	_, err = w.Write(&core.Frame{Fragments: [][]byte{payload(50, 0)}, Length: 50}, 74)
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), w.Stats().Lost)
}

func TestWritePaddingCountsAgainstBudget(t *testing.T) {
	const segment = 64
	r := newRing(t, 1024)
	w := New(r, Config{Name: t.Name(), SegmentSize: segment})

	_, err := w.Write(&core.Frame{Fragments: [][]byte{payload(28, 0)}, Length: 28}, 1000)
	require.NoError(t, err)

	// The 20-byte record plus a header fits in 32, but not with the 24
	// bytes of padding in front of it.
	_, err = w.Write(&core.Frame{Fragments: [][]byte{payload(8, 3)}, Length: 8}, 32)
	assert.True(t, errors.Is(err, core.ErrOutOfSpace))
	assert.Equal(t, uint64(40), r.Cursor())
	assert.Equal(t, uint64(1), w.Stats().Lost)
	assert.Equal(t, uint64(0), w.Stats().Paddings)

	n, err := w.Write(&core.Frame{Fragments: [][]byte{payload(8, 3)}, Length: 8}, 24+20+12)
	require.NoError(t, err)
	assert.Equal(t, uint64(44), n)
	assert.Equal(t, uint64(1), w.Stats().Lost)
}

func TestWriteNeverEmitsPaddingTimestamp(t *testing.T) {
	r := newRing(t, 1024)
	w := New(r, Config{Name: t.Name()})

	_, err := w.Write(&core.Frame{Fragments: [][]byte{payload(4, 0)}, Length: 4, Timestamp: time.Unix(0, 0)}, 1000)
	require.NoError(t, err)
	h, _ := readRecord(r, 0)
	assert.False(t, h.IsPadding())

	_, err = w.Write(&core.Frame{Fragments: [][]byte{payload(4, 0)}, Length: 4}, 1000)
	require.NoError(t, err)
	h, _ = readRecord(r, 16)
	assert.False(t, h.IsPadding())
	assert.NotZero(t, h.Sec)
}

func TestStatsAdd(t *testing.T) {
	var s Stats
	s.Add(Stats{Frames: 1, Bytes: 10, Lost: 2})
	s.Add(Stats{Frames: 3, Paddings: 1, PaddingBytes: 12})
	assert.Equal(t, Stats{Frames: 4, Bytes: 10, Lost: 2, Paddings: 1, PaddingBytes: 12}, s)
}
