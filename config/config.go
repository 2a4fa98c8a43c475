// Package config provides YAML configuration loading with validation for the
// breaker daemon: store selection, base breaker options, and the service
// groups to register.
package config

import (
	"fmt"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/dskow/circuitmesh/circuit"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendEtcd   = "etcd"
)

// Config is the top-level daemon configuration.
type Config struct {
	Store    StoreConfig   `yaml:"store"`
	Server   ServerConfig  `yaml:"server"`
	Logging  LoggingConfig `yaml:"logging"`
	Metrics  MetricsConfig `yaml:"metrics"`
	Defaults BreakerConfig `yaml:"defaults"`
	Groups   []GroupConfig `yaml:"groups"`
}

// StoreConfig selects and configures the coordination store.
type StoreConfig struct {
	Backend string     `yaml:"backend"` // "memory" (default) or "etcd"
	Etcd    EtcdConfig `yaml:"etcd"`
}

// EtcdConfig holds etcd client settings.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
}

// ServerConfig holds HTTP server settings for the metrics/status endpoints.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds log output and rotation settings.
type LoggingConfig struct {
	Output     string `yaml:"output"` // "stdout", "stderr", or file path; default: "stdout"
	Level      string `yaml:"level"`  // "debug", "info", "warn", "error"; default: "info"
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// MetricsConfig holds Prometheus endpoint settings. Enabled defaults to true.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// IsEnabled returns whether metrics are enabled (defaults to true).
func (m MetricsConfig) IsEnabled() bool {
	if m.Enabled == nil {
		return true
	}
	return *m.Enabled
}

// BreakerConfig mirrors circuit.Options in YAML form. Zero fields fall back
// to the circuit package defaults.
type BreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	ResetTimeout       time.Duration `yaml:"reset_timeout"`
	HalfOpenRetryLimit int           `yaml:"half_open_retry_limit"`
	MonitorInterval    time.Duration `yaml:"monitor_interval"`
	ServiceTimeout     time.Duration `yaml:"service_timeout"`
	MaxConcurrent      int64         `yaml:"max_concurrent"`
}

// Options converts the YAML form into breaker options.
func (b BreakerConfig) Options() circuit.Options {
	return circuit.Options{
		FailureThreshold:   b.FailureThreshold,
		ResetTimeout:       b.ResetTimeout,
		HalfOpenRetryLimit: b.HalfOpenRetryLimit,
		MonitorInterval:    b.MonitorInterval,
		ServiceTimeout:     b.ServiceTimeout,
		MaxConcurrent:      b.MaxConcurrent,
	}
}

// GroupConfig describes one shard group to register at startup.
type GroupConfig struct {
	Name       string         `yaml:"name"`
	ShardCount int            `yaml:"shard_count"`
	Overrides  *BreakerConfig `yaml:"overrides"`
	Traffic    *TrafficConfig `yaml:"traffic"`
}

// TrafficConfig enables simulated traffic against a group so breaker behavior
// is observable without a real downstream.
type TrafficConfig struct {
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	FailureRate   float64       `yaml:"failure_rate"` // probability in [0,1]
	Latency       time.Duration `yaml:"latency"`
}

// Load reads, parses, validates, and defaults the config at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Store.Backend == "" {
		c.Store.Backend = BackendMemory
	}
	if c.Store.Etcd.DialTimeout <= 0 {
		c.Store.Etcd.DialTimeout = 5 * time.Second
	}
	if c.Server.Port == 0 {
		c.Server.Port = 9090
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups <= 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Logging.MaxAgeDays <= 0 {
		c.Logging.MaxAgeDays = 30
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks the whole configuration tree.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Store),
		validation.Field(&c.Server),
		validation.Field(&c.Logging),
		validation.Field(&c.Groups),
	); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Groups))
	for _, g := range c.Groups {
		if seen[g.Name] {
			return fmt.Errorf("groups: duplicate name %q", g.Name)
		}
		seen[g.Name] = true
	}
	return nil
}

// Validate checks the backend selection and etcd settings.
func (s StoreConfig) Validate() error {
	if err := validation.ValidateStruct(&s,
		validation.Field(&s.Backend, validation.In(BackendMemory, BackendEtcd)),
	); err != nil {
		return err
	}
	if s.Backend == BackendEtcd && len(s.Etcd.Endpoints) == 0 {
		return fmt.Errorf("store: etcd backend requires at least one endpoint")
	}
	return nil
}

// Validate checks the HTTP server settings.
func (s ServerConfig) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.Port, validation.Min(1), validation.Max(65535)),
	)
}

// Validate checks log level and rotation settings.
func (l LoggingConfig) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.In("debug", "info", "warn", "error")),
	)
}

// Validate checks a group registration.
func (g GroupConfig) Validate() error {
	if err := validation.ValidateStruct(&g,
		validation.Field(&g.Name, validation.Required, validation.Length(1, 128)),
		validation.Field(&g.ShardCount, validation.Min(0)),
	); err != nil {
		return err
	}
	if g.Traffic != nil {
		if g.Traffic.FailureRate < 0 || g.Traffic.FailureRate > 1 {
			return fmt.Errorf("group %q: traffic failure_rate must be within [0, 1]", g.Name)
		}
		if g.Traffic.RatePerSecond < 0 {
			return fmt.Errorf("group %q: traffic rate_per_second must not be negative", g.Name)
		}
	}
	return nil
}
