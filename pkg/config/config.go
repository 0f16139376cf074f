// Package config defines the runtime configuration document, its defaults
// and validation, and the hot-reload wiring (see watcher.go) used to pick
// up safe-to-swap changes without a restart.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolver's top-level configuration document.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Upstreams  UpstreamsConfig  `yaml:"upstreams"`
	Overrides  OverridesConfig  `yaml:"overrides"`
	Blocklists BlocklistsConfig `yaml:"blocklists"`
	HostsFile  string           `yaml:"hosts_file"`
	KV         KVConfig         `yaml:"kv"`
	Cache      CacheConfig      `yaml:"cache"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds the inbound DoH listener settings.
type ServerConfig struct {
	ListenAddress string `yaml:"listen_address"`
}

// UpstreamsConfig configures the set of DoH upstreams to forward to.
type UpstreamsConfig struct {
	URLs    []string      `yaml:"urls"`
	Retries int           `yaml:"retries"`
	Timeout time.Duration `yaml:"timeout"`
}

// OverridesConfig configures the exact/wildcard override table.
type OverridesConfig struct {
	Entries     map[string]string `yaml:"entries"`
	OverrideTTL uint32            `yaml:"override_ttl"`
}

// BlocklistsConfig configures blocklist ingestion: local files and/or
// remote URLs, merged into one set at startup.
type BlocklistsConfig struct {
	Files []string `yaml:"files"`
	URLs  []string `yaml:"urls"`
}

// KVConfig selects and configures the key-value store backend.
type KVConfig struct {
	Backend    string `yaml:"backend"` // "memory" or "sqlite"
	SQLitePath string `yaml:"sqlite_path"`
}

// CacheConfig configures the cache's interaction with the KV store.
type CacheConfig struct {
	ListLimit int `yaml:"list_limit"`
}

// LoggingConfig configures the slog-based logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`     // debug, info, warn, error
	Format    string `yaml:"format"`    // json, text
	Output    string `yaml:"output"`    // stdout, stderr, file
	FilePath  string `yaml:"file_path"` // if output=file
	AddSource bool   `yaml:"add_source"`
}

// TelemetryConfig configures the OTel/Prometheus metrics exporter.
type TelemetryConfig struct {
	Enabled        bool `yaml:"enabled"`
	PrometheusPort int  `yaml:"prometheus_port"`
}

// Load reads and parses the YAML configuration document at path, applies
// defaults for any unset fields, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults returns a Config with every defaultable field set to its
// default and no file read, for use by tests.
func LoadWithDefaults() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Clone returns a deep copy of cfg via a YAML marshal/unmarshal round trip,
// the same approach the teacher uses to avoid hand-writing a deep-copy for
// every nested struct.
func (c *Config) Clone() (*Config, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config for clone: %w", err)
	}
	var clone Config
	if err := yaml.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cloned config: %w", err)
	}
	return &clone, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":8080"
	}
	if c.Upstreams.Timeout == 0 {
		c.Upstreams.Timeout = 2 * time.Second
	}
	if c.Overrides.OverrideTTL == 0 {
		c.Overrides.OverrideTTL = 60
	}
	if c.KV.Backend == "" {
		c.KV.Backend = "memory"
	}
	if c.KV.SQLitePath == "" {
		c.KV.SQLitePath = "./dohresolver.db"
	}
	if c.Cache.ListLimit == 0 {
		c.Cache.ListLimit = 1000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
	if c.Telemetry.PrometheusPort == 0 {
		c.Telemetry.PrometheusPort = 9090
	}
}

// Validate checks structural invariants that applyDefaults cannot fill in
// on its own: at least one upstream is required, and backend choice must
// be recognized.
func (c *Config) Validate() error {
	if len(c.Upstreams.URLs) == 0 {
		return fmt.Errorf("upstreams.urls must be non-empty")
	}
	if c.Upstreams.Retries < 0 {
		return fmt.Errorf("upstreams.retries must be non-negative")
	}
	switch c.KV.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("kv.backend must be \"memory\" or \"sqlite\", got %q", c.KV.Backend)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be \"json\" or \"text\", got %q", c.Logging.Format)
	}
	return nil
}
