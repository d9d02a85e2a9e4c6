package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServerExposesRingMetrics(t *testing.T) {
	FramesTotal.WithLabelValues("test0").Add(3)
	DropsTotal.WithLabelValues("test0", "lost").Inc()

	s := NewServer("127.0.0.1:0", "", nil, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	code, text := get(t, "http://"+s.Addr()+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, strings.Contains(text, `rawring_frames_total{buffer="test0"} 3`))
	assert.True(t, strings.Contains(text, `rawring_drops_total{buffer="test0",reason="lost"} 1`))
}

func TestServerHealth(t *testing.T) {
	var down atomic.Bool
	s := NewServer("127.0.0.1:0", "", func() error {
		if down.Load() {
			return errors.New("buffer eth0q0 stopped")
		}
		return nil
	}, nil)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	code, body := get(t, "http://"+s.Addr()+HealthPath)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok\n", body)

	down.Store(true)
	code, body = get(t, "http://"+s.Addr()+HealthPath)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body, "eth0q0 stopped")
}

func TestServerStartFailsOnTakenPort(t *testing.T) {
	first := NewServer("127.0.0.1:0", "", nil, nil)
	require.NoError(t, first.Start(context.Background()))
	defer first.Stop(context.Background())

	second := NewServer(first.Addr(), "", nil, nil)
	assert.Error(t, second.Start(context.Background()))
}

func TestServerStopWithoutStart(t *testing.T) {
	s := NewServer(":0", "/m", nil, nil)
	assert.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, ":0", s.Addr())
}
