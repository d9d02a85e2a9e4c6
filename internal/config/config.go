// Package config loads the rawring configuration file: node identity,
// logging, metrics, the control socket and the capture buffers.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/rawring/internal/core"
	"firestige.xyz/rawring/internal/dedup"
	"firestige.xyz/rawring/internal/filter"
	"firestige.xyz/rawring/internal/ingest"
	"firestige.xyz/rawring/internal/source"
)

// GlobalConfig represents the top-level static configuration.
// Maps to the `rawring:` root key in YAML.
type GlobalConfig struct {
	Node    NodeConfig     `mapstructure:"node" yaml:"node"`
	Control ControlConfig  `mapstructure:"control" yaml:"control"`
	Metrics MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Log     LogConfig      `mapstructure:"log" yaml:"log"`
	Buffers []BufferConfig `mapstructure:"buffers" yaml:"buffers"`
}

// NodeConfig identifies the capture host.
type NodeConfig struct {
	Hostname string            `mapstructure:"hostname" yaml:"hostname"` // Empty = os.Hostname()
	Tags     map[string]string `mapstructure:"tags" yaml:"tags,omitempty"`
}

// ControlConfig locates the control socket and the PID file.
type ControlConfig struct {
	Socket  string `mapstructure:"socket" yaml:"socket"`
	PIDFile string `mapstructure:"pid_file" yaml:"pid_file"`
}

// MetricsConfig controls the Prometheus and health endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// LogConfig selects level, format and outputs of the daemon log.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig lists log outputs besides stdout.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
	Loki LokiOutputConfig `mapstructure:"loki" yaml:"loki"`
}

// FileOutputConfig is a rotated log file.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// LokiOutputConfig pushes log lines to Grafana Loki.
type LokiOutputConfig struct {
	Enabled      bool              `mapstructure:"enabled" yaml:"enabled"`
	Endpoint     string            `mapstructure:"endpoint" yaml:"endpoint"`
	Labels       map[string]string `mapstructure:"labels" yaml:"labels,omitempty"`
	BatchSize    int               `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout string            `mapstructure:"batch_timeout" yaml:"batch_timeout"`
}

// BufferConfig describes one capture buffer and the source feeding it.
type BufferConfig struct {
	Name         string              `mapstructure:"name" yaml:"name"`
	Capacity     uint64              `mapstructure:"capacity" yaml:"capacity"` // Bytes
	Workers      int                 `mapstructure:"workers" yaml:"workers"`
	SnapLen      int                 `mapstructure:"snap_len" yaml:"snap_len"`         // 0 = whole frames
	SegmentSize  uint64              `mapstructure:"segment_size" yaml:"segment_size"` // 0 = no alignment
	MaxListeners int                 `mapstructure:"max_listeners" yaml:"max_listeners"`
	KillGrace    time.Duration       `mapstructure:"kill_grace" yaml:"kill_grace"`
	SilentReject time.Duration       `mapstructure:"silent_reject" yaml:"silent_reject"`
	IdleSleep    time.Duration       `mapstructure:"idle_sleep" yaml:"idle_sleep"`
	Backing      BackingConfig       `mapstructure:"backing" yaml:"backing"`
	Dedup        DedupConfig         `mapstructure:"dedup" yaml:"dedup"`
	Filters      []filter.RuleConfig `mapstructure:"filters" yaml:"filters,omitempty"`
	Source       SourceConfig        `mapstructure:"source" yaml:"source"`
}

// BackingConfig places the ring in a shared file mapping.
type BackingConfig struct {
	Path string `mapstructure:"path" yaml:"path,omitempty"` // Empty = process heap
}

// DedupConfig configures duplicate suppression.
type DedupConfig struct {
	Enabled  bool          `mapstructure:"enabled" yaml:"enabled"`
	Buckets  int           `mapstructure:"buckets" yaml:"buckets"`
	Levels   int           `mapstructure:"levels" yaml:"levels"`
	CheckLen int           `mapstructure:"check_len" yaml:"check_len"`
	Window   time.Duration `mapstructure:"window" yaml:"window"`
}

// SourceConfig selects a frame source and its type-specific options.
type SourceConfig struct {
	Type    string         `mapstructure:"type" yaml:"type"` // afpacket | pcap | synthetic | memory
	Options map[string]any `mapstructure:"options" yaml:"options,omitempty"`
}

// IngestConfig converts b into the buffer runtime configuration.
func (b BufferConfig) IngestConfig() ingest.Config {
	cfg := ingest.Config{
		Name:         b.Name,
		Capacity:     b.Capacity,
		Workers:      b.Workers,
		SnapLen:      b.SnapLen,
		SegmentSize:  b.SegmentSize,
		MaxListeners: b.MaxListeners,
		KillGrace:    b.KillGrace,
		SilentReject: b.SilentReject,
		IdleSleep:    b.IdleSleep,
		BackingPath:  b.Backing.Path,
		Filters:      b.Filters,
	}
	if b.Dedup.Enabled {
		cfg.Dedup = &dedup.Config{
			Buckets:  b.Dedup.Buckets,
			Levels:   b.Dedup.Levels,
			CheckLen: b.Dedup.CheckLen,
			Window:   b.Dedup.Window,
		}
	}
	return cfg
}

// configRoot is the top-level wrapper matching the YAML structure `rawring: ...`.
type configRoot struct {
	Rawring GlobalConfig `mapstructure:"rawring"`
}

// Load reads path, applies RAWRING_ environment overrides and defaults,
// and validates the result.
// The YAML file uses `rawring:` as root key; env vars map through the key
// replacer (e.g., key "rawring.log.level" → env "RAWRING_LOG_LEVEL").
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Rawring

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// All keys use "rawring." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("rawring.control.pid_file", "/var/run/rawring.pid")
	v.SetDefault("rawring.control.socket", "/var/run/rawring.sock")

	v.SetDefault("rawring.log.level", "info")
	v.SetDefault("rawring.log.format", "json")
	v.SetDefault("rawring.log.outputs.file.enabled", false)
	v.SetDefault("rawring.log.outputs.file.path", "/var/log/rawring/rawring.log")
	v.SetDefault("rawring.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("rawring.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("rawring.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("rawring.log.outputs.file.rotation.compress", true)
	v.SetDefault("rawring.log.outputs.loki.batch_size", 100)
	v.SetDefault("rawring.log.outputs.loki.batch_timeout", "5s")

	v.SetDefault("rawring.metrics.enabled", true)
	v.SetDefault("rawring.metrics.listen", ":9091")
	v.SetDefault("rawring.metrics.path", "/metrics")
}

// ValidateAndApplyDefaults rejects invalid settings and fills the ones that
// depend on the host, such as the hostname and buffer names.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// log
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error): %w", cfg.Log.Level, core.ErrConfigInvalid)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text): %w", cfg.Log.Format, core.ErrConfigInvalid)
	}
	if cfg.Log.Outputs.Loki.Enabled && cfg.Log.Outputs.Loki.Endpoint == "" {
		return fmt.Errorf("log.outputs.loki.endpoint is required when loki is enabled: %w", core.ErrConfigInvalid)
	}

	// hostname
	if cfg.Node.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Node.Hostname = hostname
	}

	// ── Buffers ──
	if len(cfg.Buffers) == 0 {
		return fmt.Errorf("at least one buffer is required: %w", core.ErrConfigInvalid)
	}
	seen := make(map[string]bool, len(cfg.Buffers))
	for i := range cfg.Buffers {
		b := &cfg.Buffers[i]
		if b.Name == "" {
			b.Name = fmt.Sprintf("buffer%d", i)
		}
		if seen[b.Name] {
			return fmt.Errorf("duplicate buffer name %s: %w", b.Name, core.ErrConfigInvalid)
		}
		seen[b.Name] = true
		if err := b.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (b *BufferConfig) validate() error {
	if b.Source.Type == "" {
		return fmt.Errorf("buffer %s: source.type is required (one of %s): %w",
			b.Name, strings.Join(source.Types(), "/"), core.ErrConfigInvalid)
	}
	known := false
	for _, t := range source.Types() {
		known = known || t == b.Source.Type
	}
	if !known {
		return fmt.Errorf("buffer %s: unknown source.type %s: %w", b.Name, b.Source.Type, core.ErrConfigInvalid)
	}

	ic := b.IngestConfig()
	if err := ic.Validate(); err != nil {
		return err
	}
	if _, err := filter.NewChain(b.Filters); err != nil {
		return fmt.Errorf("buffer %s: %w", b.Name, err)
	}
	b.Workers = ic.Workers
	b.IdleSleep = ic.IdleSleep
	if b.Dedup.Enabled {
		d := ic.Dedup.WithDefaults()
		b.Dedup.Buckets, b.Dedup.Levels, b.Dedup.CheckLen, b.Dedup.Window = d.Buckets, d.Levels, d.CheckLen, d.Window
	}
	return nil
}
