package dump

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/rawring/internal/client"
	"firestige.xyz/rawring/internal/core"
	"firestige.xyz/rawring/internal/ingest"
	"firestige.xyz/rawring/internal/raw"
	"firestige.xyz/rawring/internal/source"
)

func TestDumpRotatesOnSegments(t *testing.T) {
	const segment = 256
	src := source.NewMemory(1)
	buf, err := ingest.NewBuffer(ingest.Config{
		Name:        "dump",
		Capacity:    4096,
		SnapLen:     100,
		SegmentSize: segment,
		Workers:     1,
	}, src, nil)
	require.NoError(t, err)
	defer buf.Stop()

	rd, err := client.Open(buf)
	require.NoError(t, err)
	defer rd.Close()

	dir := t.TempDir()
	d, err := New(rd, Config{Dir: dir, Prefix: "q0", SegmentSize: segment, Poll: 5 * time.Millisecond}, nil)
	require.NoError(t, err)

	require.NoError(t, buf.Start(context.Background()))
	for i := 0; i < 10; i++ {
		p := make([]byte, 60+i)
		p[0] = byte(i)
		src.Inject(0, core.Frame{Fragments: [][]byte{p}, Length: len(p), Timestamp: time.Now()})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	l, ok := buf.Listeners().Lookup(rd.ID())
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return buf.Counters().Frames == 10 && l.WriteOffset() == buf.Ring().Cursor() && l.Used() == 0
	}, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	files, err := filepath.Glob(filepath.Join(dir, "q0_*.raw"))
	require.NoError(t, err)
	sort.Strings(files)
	assert.Greater(t, len(files), 1)

	records := 0
	for i, name := range files {
		assert.Equal(t, d.FileName(uint64(i)), name)
		f, err := os.Open(name)
		require.NoError(t, err)
		rep := raw.Check(f, uint64(i)*segment, segment)
		f.Close()
		assert.True(t, rep.OK(), "%s: %+v", name, rep)
		records += rep.Records
	}
	assert.Equal(t, 10, records)
	assert.Equal(t, buf.Ring().Cursor(), d.Written())
}

func TestNewRequiresDir(t *testing.T) {
	_, err := New(nil, Config{}, nil)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}
