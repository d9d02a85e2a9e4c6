package log

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/rawring/internal/config"
)

func captureStdout(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := stdout
	stdout = &buf
	t.Cleanup(func() {
		stdout = prev
		_ = Flush()
	})
	return &buf
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
		ok       bool
	}{
		{"debug", slog.LevelDebug, true},
		{"DEBUG", slog.LevelDebug, true},
		{"info", slog.LevelInfo, true},
		{"warn", slog.LevelWarn, true},
		{"warning", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"trace", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := parseLevel(tt.input)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestInitJSON(t *testing.T) {
	out := captureStdout(t)
	require.NoError(t, Init(config.LogConfig{Level: "info", Format: "json"}))

	Get().Debug("hidden")
	Get().Info("visible", "buffer", "eth0q0")
	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), `"buffer":"eth0q0"`)
}

func TestSetLevel(t *testing.T) {
	out := captureStdout(t)
	require.NoError(t, Init(config.LogConfig{Level: "warn", Format: "text"}))

	slog.Info("before")
	require.NoError(t, SetLevel("debug"))
	assert.Equal(t, slog.LevelDebug, Level())
	slog.Debug("after")

	assert.NotContains(t, out.String(), "before")
	assert.Contains(t, out.String(), "msg=after")
	assert.Error(t, SetLevel("loud"))
}

func TestInitWithFileOutput(t *testing.T) {
	captureStdout(t)
	logPath := filepath.Join(t.TempDir(), "rawring.log")
	require.NoError(t, Init(config.LogConfig{
		Level:  "debug",
		Format: "text",
		Outputs: config.LogOutputsConfig{
			File: config.FileOutputConfig{
				Enabled:  true,
				Path:     logPath,
				Rotation: config.RotationConfig{MaxSizeMB: 10, MaxBackups: 3, MaxAgeDays: 7},
			},
		},
	}))

	slog.Info("to file", "key", "value")
	require.NoError(t, Flush())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "key=value")
}

func TestInitErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.LogConfig
		want string
	}{
		{"level", config.LogConfig{Level: "invalid", Format: "json"}, "invalid log level"},
		{"format", config.LogConfig{Level: "info", Format: "xml"}, "unsupported log format"},
		{"file path", config.LogConfig{Level: "info", Format: "json",
			Outputs: config.LogOutputsConfig{File: config.FileOutputConfig{Enabled: true}}}, "path"},
		{"loki endpoint", config.LogConfig{Level: "info", Format: "json",
			Outputs: config.LogOutputsConfig{Loki: config.LokiOutputConfig{Enabled: true}}}, "endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Init(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
