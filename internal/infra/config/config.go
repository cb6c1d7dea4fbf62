package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default timing constants for the backend channel. These match the worker's
// observed startup behavior: it binds within a second or two, and a handshake
// that takes longer than the deadline means it is stuck or crashed silently.
const (
	DefaultHandshakeGrace    = 1 * time.Second
	DefaultHandshakeInterval = 500 * time.Millisecond
	DefaultHandshakeDeadline = 30 * time.Second
	DefaultProbeTimeout      = 500 * time.Millisecond
	DefaultConnectTimeout    = 5 * time.Second
	DefaultRequestTimeout    = 30 * time.Second
	DefaultStopGrace         = 500 * time.Millisecond
)

// BackendConfig describes the supervised worker process and channel timing.
type BackendConfig struct {
	// Executables are candidate worker paths, tried in priority order
	// (project-local first, system-wide fallback last).
	Executables []string `yaml:"executables"`
	// Args are passed to whichever executable spawns.
	Args []string `yaml:"args,omitempty"`
	// WorkingDir is the worker's working directory; the handshake file
	// lives underneath it.
	WorkingDir string `yaml:"working_dir"`

	HandshakeGrace    time.Duration `yaml:"handshake_grace"`
	HandshakeInterval time.Duration `yaml:"handshake_interval"`
	HandshakeDeadline time.Duration `yaml:"handshake_deadline"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	StopGrace         time.Duration `yaml:"stop_grace"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the circuit breaker around the RPC channel.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit
	// opens. Must stay above 2 so the manager's single restart-retry can
	// never trip it on its own.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration `yaml:"timeout"`
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration `yaml:"interval"`
}

// NotifyConfig holds notification hub settings.
type NotifyConfig struct {
	// AlertsPerSecond rate-limits backend-failure alerts so a burst of
	// concurrently failing calls cannot flood the log. 0 means the default.
	AlertsPerSecond float64 `yaml:"alerts_per_second"`
	// AlertBurst is the limiter burst size (minimum 1 so a lone failure is
	// always surfaced).
	AlertBurst int `yaml:"alert_burst"`
}

// HistoryConfig holds the optional persistent notification history.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // SQLite database file
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout, noop
}

// Config is the top-level application configuration.
type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Notify  NotifyConfig  `yaml:"notify"`
	History HistoryConfig `yaml:"history"`
	Logger  LoggerConfig  `yaml:"logger"`
	Tracer  TracerConfig  `yaml:"tracer"`
}

// Default returns a Config with all defaults applied and no worker configured.
func Default() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the YAML config at path, applying defaults for any
// unset field. A missing file is not an error: the defaults are returned, so
// callers can run with a purely flag-driven setup.
func Load(path string) (Config, error) {
	cfg := Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	b := &c.Backend
	if b.HandshakeGrace <= 0 {
		b.HandshakeGrace = DefaultHandshakeGrace
	}
	if b.HandshakeInterval <= 0 {
		b.HandshakeInterval = DefaultHandshakeInterval
	}
	if b.HandshakeDeadline <= 0 {
		b.HandshakeDeadline = DefaultHandshakeDeadline
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = DefaultProbeTimeout
	}
	if b.ConnectTimeout <= 0 {
		b.ConnectTimeout = DefaultConnectTimeout
	}
	if b.RequestTimeout <= 0 {
		b.RequestTimeout = DefaultRequestTimeout
	}
	if b.StopGrace <= 0 {
		b.StopGrace = DefaultStopGrace
	}
	if b.Breaker.MaxFailures == 0 {
		b.Breaker.MaxFailures = 5
	}
	if b.Breaker.Timeout <= 0 {
		b.Breaker.Timeout = 30 * time.Second
	}
	if b.Breaker.Interval <= 0 {
		b.Breaker.Interval = 60 * time.Second
	}

	if c.Notify.AlertsPerSecond <= 0 {
		c.Notify.AlertsPerSecond = 5
	}
	if c.Notify.AlertBurst < 1 {
		c.Notify.AlertBurst = 3
	}

	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "text"
	}
	if c.Logger.Output == "" {
		c.Logger.Output = "stderr"
	}
	if c.Tracer.Exporter == "" {
		c.Tracer.Exporter = "noop"
	}
}

func (c *Config) validate() error {
	if c.Backend.Breaker.MaxFailures < 3 {
		return fmt.Errorf("config: breaker.max_failures must be at least 3 (got %d)", c.Backend.Breaker.MaxFailures)
	}
	if c.History.Enabled && c.History.Path == "" {
		return fmt.Errorf("config: history.path required when history is enabled")
	}
	return nil
}
