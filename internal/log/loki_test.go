package log

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lokiRecorder struct {
	mu       sync.Mutex
	requests []lokiPushRequest
	fail     atomic.Int32 // number of requests to reject before accepting
}

func (rec *lokiRecorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if rec.fail.Add(-1) >= 0 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req lokiPushRequest
		require.NoError(t, json.Unmarshal(body, &req))
		rec.mu.Lock()
		rec.requests = append(rec.requests, req)
		rec.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (rec *lokiRecorder) lines() []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	var out []string
	for _, r := range rec.requests {
		for _, s := range r.Streams {
			for _, v := range s.Values {
				out = append(out, v[1])
			}
		}
	}
	return out
}

func newRecorder(t *testing.T) (*lokiRecorder, *httptest.Server) {
	rec := &lokiRecorder{}
	srv := httptest.NewServer(rec.handler(t))
	t.Cleanup(srv.Close)
	return rec, srv
}

func TestNewLokiWriterDefaults(t *testing.T) {
	lw, err := NewLokiWriter(LokiConfig{Endpoint: "http://localhost:3100/loki/api/v1/push"})
	require.NoError(t, err)
	defer lw.Close()

	assert.Equal(t, 100, lw.batchSize)
	assert.Equal(t, 5*time.Second, lw.flushInterval)
	assert.Equal(t, "rawring", lw.labels["job"])
}

func TestNewLokiWriterKeepsCallerLabels(t *testing.T) {
	labels := map[string]string{"job": "capture", "env": "dev"}
	lw, err := NewLokiWriter(LokiConfig{Endpoint: "http://x", Labels: labels})
	require.NoError(t, err)
	defer lw.Close()

	assert.Equal(t, "capture", lw.labels["job"])
	lw.labels["env"] = "prod"
	assert.Equal(t, "dev", labels["env"], "labels are copied")
}

func TestNewLokiWriterInvalidFlushInterval(t *testing.T) {
	for _, iv := range []string{"soon", "-1s", "0s"} {
		_, err := NewLokiWriter(LokiConfig{Endpoint: "http://x", FlushInterval: iv})
		assert.Error(t, err, iv)
	}
}

func TestLokiWriterBatchFlush(t *testing.T) {
	rec, srv := newRecorder(t)
	lw, err := NewLokiWriter(LokiConfig{Endpoint: srv.URL, BatchSize: 3, FlushInterval: "1h"})
	require.NoError(t, err)
	defer lw.Close()

	for i := 0; i < 3; i++ {
		n, err := lw.Write([]byte(fmt.Sprintf("line %d\n", i)))
		require.NoError(t, err)
		assert.Equal(t, 7, n)
	}
	assert.Eventually(t, func() bool { return len(rec.lines()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"line 0", "line 1", "line 2"}, rec.lines())
}

func TestLokiWriterStreamsPerBuffer(t *testing.T) {
	rec, srv := newRecorder(t)
	lw, err := NewLokiWriter(LokiConfig{Endpoint: srv.URL, Labels: map[string]string{"host": "cap1"}, FlushInterval: "1h"})
	require.NoError(t, err)
	defer lw.Close()

	for _, line := range []string{
		`{"level":"INFO","msg":"buffer started","buffer":"eth0q0"}`,
		`{"level":"INFO","msg":"starting rawring daemon"}`,
		`time=now level=WARN msg="frame not written" buffer=eth1q0 worker=1`,
		`{"level":"DEBUG","msg":"worker started","buffer":"eth0q0"}`,
	} {
		_, err := lw.Write([]byte(line + "\n"))
		require.NoError(t, err)
	}
	require.NoError(t, lw.Flush())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.requests, 1)
	streams := rec.requests[0].Streams
	require.Len(t, streams, 3)

	assert.Equal(t, map[string]string{"job": "rawring", "host": "cap1", "buffer": "eth0q0"}, streams[0].Stream)
	assert.Len(t, streams[0].Values, 2)
	assert.Equal(t, map[string]string{"job": "rawring", "host": "cap1"}, streams[1].Stream)
	assert.Equal(t, "eth1q0", streams[2].Stream["buffer"])
}

func TestBufferOf(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{`{"msg":"x","buffer":"eth0q0"}`, "eth0q0"},
		{`{"msg":"x"}`, ""},
		{`{broken`, ""},
		{`level=INFO msg=x buffer=eth0q0 worker=0`, "eth0q0"},
		{`level=INFO msg=x buffer="a b"`, "a b"},
		{`level=INFO msg=x buffer=last`, "last"},
		{`level=INFO msg=x`, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, bufferOf([]byte(tt.line)), tt.line)
	}
}

func TestLokiWriterWriteDoesNotWaitForPush(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	lw, err := NewLokiWriter(LokiConfig{Endpoint: srv.URL, BatchSize: 1, FlushInterval: "1h"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = lw.Close() })
	t.Cleanup(func() { close(release) })

	start := time.Now()
	for i := 0; i < 10; i++ {
		_, err := lw.Write([]byte("busy"))
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestLokiWriterPeriodicFlush(t *testing.T) {
	rec, srv := newRecorder(t)
	lw, err := NewLokiWriter(LokiConfig{Endpoint: srv.URL, FlushInterval: "20ms"})
	require.NoError(t, err)
	defer lw.Close()

	_, err = lw.Write([]byte("tick\n"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(rec.lines()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestLokiWriterCloseFlushes(t *testing.T) {
	rec, srv := newRecorder(t)
	lw, err := NewLokiWriter(LokiConfig{Endpoint: srv.URL, FlushInterval: "1h"})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := lw.Write([]byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, lw.Close())
	assert.Len(t, rec.lines(), 5)
	assert.NoError(t, lw.Close())

	_, err = lw.Write([]byte("late"))
	assert.Error(t, err)
}

func TestLokiWriterRetry(t *testing.T) {
	rec, srv := newRecorder(t)
	rec.fail.Store(2)
	lw, err := NewLokiWriter(LokiConfig{Endpoint: srv.URL, FlushInterval: "1h"})
	require.NoError(t, err)
	lw.backoff = time.Millisecond
	defer lw.Close()

	_, err = lw.Write([]byte("retried"))
	require.NoError(t, err)
	require.NoError(t, lw.Flush())
	assert.Equal(t, []string{"retried"}, rec.lines())
}

func TestLokiWriterKeepsBatchOnFailure(t *testing.T) {
	rec, srv := newRecorder(t)
	rec.fail.Store(3)
	lw, err := NewLokiWriter(LokiConfig{Endpoint: srv.URL, FlushInterval: "1h"})
	require.NoError(t, err)
	lw.backoff = time.Millisecond
	defer lw.Close()

	_, err = lw.Write([]byte("kept"))
	require.NoError(t, err)
	assert.Error(t, lw.Flush())
	require.NoError(t, lw.Flush())
	assert.Equal(t, []string{"kept"}, rec.lines())
}

func TestLokiWriterDropsOldestWhenUnreachable(t *testing.T) {
	lw, err := NewLokiWriter(LokiConfig{Endpoint: "http://127.0.0.1:1", BatchSize: maxPending + 10, FlushInterval: "1h"})
	require.NoError(t, err)
	defer func() {
		lw.mu.Lock()
		lw.pending = nil
		lw.mu.Unlock()
		lw.Close()
	}()

	for i := 0; i < maxPending+5; i++ {
		_, err := lw.Write([]byte(fmt.Sprintf("%d", i)))
		require.NoError(t, err)
	}
	assert.Equal(t, 5, lw.Dropped())
	lw.mu.Lock()
	assert.Equal(t, "5", lw.pending[0].line)
	lw.mu.Unlock()
}
