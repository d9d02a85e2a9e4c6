package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// maxPending bounds the entries kept while Loki is unreachable. Older
// entries are dropped first.
const maxPending = 10000

// bufferLabel is the slog attribute, and Loki stream label, naming the
// capture buffer a line belongs to.
const bufferLabel = "buffer"

// LokiConfig configures a LokiWriter.
type LokiConfig struct {
	Endpoint      string            // push URL, e.g. http://loki:3100/loki/api/v1/push
	Labels        map[string]string // static stream labels
	BatchSize     int               // lines that trigger an early push
	FlushInterval string            // e.g. "5s"
}

// LokiWriter is an io.Writer for slog handlers that ships lines to Grafana
// Loki. Write only queues; the background flusher pushes, so capture
// workers that log never wait on the network. Lines carrying a buffer
// attribute go to a stream labelled with that buffer.
type LokiWriter struct {
	endpoint      string
	labels        map[string]string
	batchSize     int
	flushInterval time.Duration
	retries       int
	backoff       time.Duration
	httpClient    *http.Client

	mu      sync.Mutex
	pending []logEntry
	dropped int
	closed  bool

	sendMu sync.Mutex // keeps pushes in order
	kick   chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

type logEntry struct {
	timestamp time.Time
	buffer    string
	line      string
}

// lokiPushRequest is the body of POST /loki/api/v1/push.
type lokiPushRequest struct {
	Streams []lokiStream `json:"streams"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// NewLokiWriter validates cfg and starts the background flusher.
func NewLokiWriter(cfg LokiConfig) (*LokiWriter, error) {
	flushInterval := 5 * time.Second
	if cfg.FlushInterval != "" {
		d, err := time.ParseDuration(cfg.FlushInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid flush interval: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("invalid flush interval: %s", cfg.FlushInterval)
		}
		flushInterval = d
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	labels := make(map[string]string, len(cfg.Labels)+1)
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	if _, ok := labels["job"]; !ok {
		labels["job"] = "rawring"
	}

	lw := &LokiWriter{
		endpoint:      cfg.Endpoint,
		labels:        labels,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		retries:       3,
		backoff:       100 * time.Millisecond,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		kick:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	lw.wg.Add(1)
	go lw.flusher()
	return lw, nil
}

// Write queues one line. It fails only once the writer is closed.
func (lw *LokiWriter) Write(p []byte) (int, error) {
	line := bytes.TrimRight(p, "\n")
	e := logEntry{timestamp: time.Now(), buffer: bufferOf(line), line: string(line)}

	lw.mu.Lock()
	if lw.closed {
		lw.mu.Unlock()
		return 0, errors.New("loki writer is closed")
	}
	lw.pending = append(lw.pending, e)
	lw.trimLocked()
	full := len(lw.pending) >= lw.batchSize
	lw.mu.Unlock()

	if full {
		select {
		case lw.kick <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// trimLocked drops the oldest lines beyond maxPending.
func (lw *LokiWriter) trimLocked() {
	if over := len(lw.pending) - maxPending; over > 0 {
		lw.pending = append(lw.pending[:0], lw.pending[over:]...)
		lw.dropped += over
	}
}

// bufferOf extracts the buffer attribute from a JSON or text slog line.
func bufferOf(line []byte) string {
	if len(line) > 0 && line[0] == '{' {
		var attrs struct {
			Buffer string `json:"buffer"`
		}
		if json.Unmarshal(line, &attrs) == nil {
			return attrs.Buffer
		}
		return ""
	}
	key := []byte(" " + bufferLabel + "=")
	i := bytes.Index(line, key)
	if i < 0 {
		return ""
	}
	v := line[i+len(key):]
	if len(v) > 0 && v[0] == '"' {
		if s, err := strconv.QuotedPrefix(string(v)); err == nil {
			u, _ := strconv.Unquote(s)
			return u
		}
	}
	if j := bytes.IndexByte(v, ' '); j >= 0 {
		v = v[:j]
	}
	return string(v)
}

// Flush pushes every queued line now. Lines of a failed push are queued
// again in front of newer ones.
func (lw *LokiWriter) Flush() error {
	lw.sendMu.Lock()
	defer lw.sendMu.Unlock()

	lw.mu.Lock()
	batch := lw.pending
	lw.pending = nil
	lw.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	err := lw.push(batch)
	if err != nil {
		lw.mu.Lock()
		lw.pending = append(batch, lw.pending...)
		lw.trimLocked()
		lw.mu.Unlock()
	}
	return err
}

// Dropped returns how many lines were discarded while Loki was unreachable.
func (lw *LokiWriter) Dropped() int {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.dropped
}

// Close stops the flusher and pushes what is left.
func (lw *LokiWriter) Close() error {
	lw.mu.Lock()
	if lw.closed {
		lw.mu.Unlock()
		return nil
	}
	lw.closed = true
	lw.mu.Unlock()

	close(lw.done)
	lw.wg.Wait()
	return lw.Flush()
}

func (lw *LokiWriter) flusher() {
	defer lw.wg.Done()

	ticker := time.NewTicker(lw.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-lw.kick:
		case <-lw.done:
			return
		}
		// Failed lines stay queued for the next round.
		_ = lw.Flush()
	}
}

// push sends batch as one request, one stream per buffer.
func (lw *LokiWriter) push(batch []logEntry) error {
	streams := make(map[string]*lokiStream)
	var order []string
	for _, e := range batch {
		s, ok := streams[e.buffer]
		if !ok {
			labels := lw.labels
			if e.buffer != "" {
				labels = make(map[string]string, len(lw.labels)+1)
				for k, v := range lw.labels {
					labels[k] = v
				}
				labels[bufferLabel] = e.buffer
			}
			s = &lokiStream{Stream: labels}
			streams[e.buffer] = s
			order = append(order, e.buffer)
		}
		s.Values = append(s.Values, []string{strconv.FormatInt(e.timestamp.UnixNano(), 10), e.line})
	}
	req := lokiPushRequest{Streams: make([]lokiStream, 0, len(order))}
	for _, name := range order {
		req.Streams = append(req.Streams, *streams[name])
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal loki request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < lw.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(lw.backoff << uint(attempt-1))
		}
		if lastErr = lw.send(data); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("loki push failed after %d attempts: %w", lw.retries, lastErr)
}

func (lw *LokiWriter) send(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), lw.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, lw.endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create loki request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := lw.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send loki request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("loki push failed with status %d: %s", resp.StatusCode, body)
	}
	return nil
}
