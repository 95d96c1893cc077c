// Package config loads the node configuration from YAML with environment
// variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"QuantaLedger/internal/ledger"
)

// Config holds everything a node needs to start. Secrets (node key, database
// DSN) should come from environment variables rather than the file.
type Config struct {
	Node struct {
		Role        string `yaml:"role"` // "alpha" or "auditor"
		KeyFile     string `yaml:"key_file"`
		ListenAddr  string `yaml:"listen_addr"` // peer websocket listener
		MetricsAddr string `yaml:"metrics_addr"`
	} `yaml:"node"`

	Constellation struct {
		Alpha      string   `yaml:"alpha"`     // hex public key
		Auditors   []string `yaml:"auditors"`  // hex public keys
		AlphaURL   string   `yaml:"alpha_url"` // peer URL auditors dial
		RateLimits struct {
			PerMinute int32 `yaml:"per_minute"`
			PerHour   int32 `yaml:"per_hour"`
		} `yaml:"rate_limits"`
	} `yaml:"constellation"`

	NATS struct {
		URL string `yaml:"url"`
	} `yaml:"nats"`

	Postgres struct {
		DSN           string `yaml:"dsn"`
		MigrationsDir string `yaml:"migrations_dir"`
	} `yaml:"postgres"`

	Persistence struct {
		BatchSize        int `yaml:"batch_size"`
		FlushTimeoutMs   int `yaml:"flush_timeout_ms"`
		SnapshotInterval int `yaml:"snapshot_interval"` // quanta between snapshots
	} `yaml:"persistence"`

	Sync struct {
		ChaseEnterGap uint64 `yaml:"chase_enter_gap"`
		ChaseExitGap  uint64 `yaml:"chase_exit_gap"`
		BatchLimit    uint64 `yaml:"batch_limit"`
	} `yaml:"sync"`

	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
	} `yaml:"logging"`
}

// Load reads, overrides, defaults, and validates the configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	overrideWithEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func overrideWithEnv(cfg *Config) {
	if dsn := os.Getenv("QUANTA_POSTGRES_DSN"); dsn != "" {
		cfg.Postgres.DSN = dsn
	}
	if url := os.Getenv("QUANTA_NATS_URL"); url != "" {
		cfg.NATS.URL = url
	}
	if keyFile := os.Getenv("QUANTA_NODE_KEY_FILE"); keyFile != "" {
		cfg.Node.KeyFile = keyFile
	}
	if level := os.Getenv("QUANTA_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Node.ListenAddr == "" {
		cfg.Node.ListenAddr = ":7410"
	}
	if cfg.Node.MetricsAddr == "" {
		cfg.Node.MetricsAddr = ":9100"
	}
	if cfg.Constellation.RateLimits.PerMinute == 0 && cfg.Constellation.RateLimits.PerHour == 0 {
		defaults := ledger.DefaultRequestRateLimits()
		cfg.Constellation.RateLimits.PerMinute = defaults.PerMinute
		cfg.Constellation.RateLimits.PerHour = defaults.PerHour
	}
	if cfg.Postgres.MigrationsDir == "" {
		cfg.Postgres.MigrationsDir = "migrations"
	}
	if cfg.Persistence.BatchSize <= 0 {
		cfg.Persistence.BatchSize = 100
	}
	if cfg.Persistence.FlushTimeoutMs <= 0 {
		cfg.Persistence.FlushTimeoutMs = 200
	}
	if cfg.Persistence.SnapshotInterval <= 0 {
		cfg.Persistence.SnapshotInterval = 10000
	}
	if cfg.Sync.ChaseEnterGap == 0 {
		cfg.Sync.ChaseEnterGap = 256
	}
	if cfg.Sync.ChaseExitGap == 0 {
		cfg.Sync.ChaseExitGap = 16
	}
	if cfg.Sync.BatchLimit == 0 {
		cfg.Sync.BatchLimit = 200
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate rejects configurations a node cannot start with.
func (c *Config) Validate() error {
	role := strings.ToLower(c.Node.Role)
	if role != "alpha" && role != "auditor" {
		return fmt.Errorf("node role must be alpha or auditor, got %q", c.Node.Role)
	}
	if c.Node.KeyFile == "" {
		return fmt.Errorf("node key_file is required")
	}
	if c.Constellation.Alpha == "" {
		return fmt.Errorf("constellation alpha key is required")
	}
	if len(c.Constellation.Auditors) == 0 {
		return fmt.Errorf("at least one auditor is required")
	}
	if role == "auditor" && c.Constellation.AlphaURL == "" {
		return fmt.Errorf("auditors require the alpha peer URL")
	}
	if role == "auditor" && !strings.HasPrefix(c.Constellation.AlphaURL, "ws://") &&
		!strings.HasPrefix(c.Constellation.AlphaURL, "wss://") {
		return fmt.Errorf("invalid alpha peer URL: %s", c.Constellation.AlphaURL)
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("nats url is required")
	}
	if c.Postgres.DSN == "" {
		return fmt.Errorf("postgres dsn is required")
	}
	if c.Sync.ChaseEnterGap <= c.Sync.ChaseExitGap {
		return fmt.Errorf("chase_enter_gap must exceed chase_exit_gap")
	}
	return nil
}

// IsAlpha reports whether this node is configured as the leader.
func (c *Config) IsAlpha() bool {
	return strings.ToLower(c.Node.Role) == "alpha"
}

// Settings builds the constellation settings from the configured keys.
func (c *Config) Settings() (ledger.Settings, error) {
	var s ledger.Settings
	if err := s.Alpha.UnmarshalText([]byte(c.Constellation.Alpha)); err != nil {
		return s, fmt.Errorf("parse alpha key: %w", err)
	}
	s.Auditors = make([]ledger.PublicKey, len(c.Constellation.Auditors))
	for i, hexKey := range c.Constellation.Auditors {
		if err := s.Auditors[i].UnmarshalText([]byte(hexKey)); err != nil {
			return s, fmt.Errorf("parse auditor key %d: %w", i, err)
		}
	}
	s.RateLimits = ledger.RequestRateLimits{
		PerMinute: c.Constellation.RateLimits.PerMinute,
		PerHour:   c.Constellation.RateLimits.PerHour,
	}
	return s, nil
}

// FlushTimeout returns the persistence flush timeout as a duration.
func (c *Config) FlushTimeout() time.Duration {
	return time.Duration(c.Persistence.FlushTimeoutMs) * time.Millisecond
}
