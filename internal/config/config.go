// Package config provides configuration loading and validation for snapgc.
// Supports YAML files with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/snapgc-io/snapgc/internal/gc"
)

// Config holds all configuration for the snapgc daemon.
type Config struct {
	Catalog       CatalogConfig       `yaml:"catalog"`
	Storage       StorageConfig       `yaml:"storage"`
	Leader        LeaderConfig        `yaml:"leader"`
	Retention     gc.RetentionPolicy  `yaml:"retention"`
	GC            GCConfig            `yaml:"gc"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// CatalogConfig configures the journal-backed catalog.
type CatalogConfig struct {
	// JournalPath is the metadata journal file.
	JournalPath string `yaml:"journalPath"`

	// AutoCompactBytes triggers journal compaction past this size.
	// Zero disables automatic compaction.
	AutoCompactBytes int64 `yaml:"autoCompactBytes"`
}

// StorageConfig selects and configures the payload backend.
type StorageConfig struct {
	// Backend is one of "filesystem", "s3" or "memory".
	Backend string `yaml:"backend"`

	// Root is the payload root directory for the filesystem backend.
	Root string `yaml:"root"`

	// S3 configures the s3 backend.
	S3 S3Config `yaml:"s3"`
}

// S3Config configures S3-compatible payload storage.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"accessKey"`
	SecretKey    string `yaml:"secretKey"`
	UsePathStyle bool   `yaml:"usePathStyle"`
}

// LeaderConfig configures the file-lock leader elector.
type LeaderConfig struct {
	// Enabled gates leader election; disabled means every pass runs.
	Enabled bool `yaml:"enabled"`

	// LockPath is the leader lock file.
	LockPath string `yaml:"lockPath"`
}

// GCConfig tunes the garbage collector.
type GCConfig struct {
	gc.Options `yaml:",inline"`

	// ScanIntervalMs is the pause between passes in daemon mode.
	ScanIntervalMs int64 `yaml:"scanIntervalMs"`
}

// ObservabilityConfig configures logging and the metrics endpoint.
type ObservabilityConfig struct {
	// MetricsAddr serves /metrics and /healthz; empty disables the server.
	MetricsAddr string `yaml:"metricsAddr"`

	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Catalog: CatalogConfig{
			JournalPath:      "./catalog.journal",
			AutoCompactBytes: 64 << 20,
		},
		Storage: StorageConfig{
			Backend: "filesystem",
			Root:    "./snapshots",
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		Leader: LeaderConfig{
			Enabled:  true,
			LockPath: "./gc.lock",
		},
		Retention: gc.DefaultRetentionPolicy(),
		GC: GCConfig{
			Options:        gc.DefaultOptions(),
			ScanIntervalMs: (15 * time.Minute).Milliseconds(),
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads the YAML file at path over Default and applies environment
// overrides. An empty path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from SNAPGC_* environment variables.
func (c *Config) applyEnv() {
	envStr := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	envBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	envInt64 := func(key string, dst *int64) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}

	envStr("SNAPGC_JOURNAL_PATH", &c.Catalog.JournalPath)
	envInt64("SNAPGC_AUTO_COMPACT_BYTES", &c.Catalog.AutoCompactBytes)
	envStr("SNAPGC_STORAGE_BACKEND", &c.Storage.Backend)
	envStr("SNAPGC_STORAGE_ROOT", &c.Storage.Root)
	envStr("SNAPGC_S3_BUCKET", &c.Storage.S3.Bucket)
	envStr("SNAPGC_S3_PREFIX", &c.Storage.S3.Prefix)
	envStr("SNAPGC_S3_REGION", &c.Storage.S3.Region)
	envStr("SNAPGC_S3_ENDPOINT", &c.Storage.S3.Endpoint)
	envStr("SNAPGC_S3_ACCESS_KEY", &c.Storage.S3.AccessKey)
	envStr("SNAPGC_S3_SECRET_KEY", &c.Storage.S3.SecretKey)
	envBool("SNAPGC_LEADER_ENABLED", &c.Leader.Enabled)
	envStr("SNAPGC_LEADER_LOCK", &c.Leader.LockPath)
	envBool("SNAPGC_DRY_RUN", &c.GC.DryRun)
	envInt64("SNAPGC_SCAN_INTERVAL_MS", &c.GC.ScanIntervalMs)
	envStr("SNAPGC_METRICS_ADDR", &c.Observability.MetricsAddr)
	envStr("SNAPGC_LOG_LEVEL", &c.Observability.LogLevel)
	envStr("SNAPGC_LOG_FORMAT", &c.Observability.LogFormat)
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Catalog.JournalPath == "" {
		return fmt.Errorf("config: catalog.journalPath is required")
	}
	switch c.Storage.Backend {
	case "filesystem":
		if c.Storage.Root == "" {
			return fmt.Errorf("config: storage.root is required for the filesystem backend")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("config: storage.s3.bucket is required for the s3 backend")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Leader.Enabled && c.Leader.LockPath == "" {
		return fmt.Errorf("config: leader.lockPath is required when leader election is enabled")
	}
	if c.Retention.KeepLastN < 0 {
		return fmt.Errorf("config: retention.keepLastN must not be negative")
	}
	if c.Retention.MaxAgeMs < 0 {
		return fmt.Errorf("config: retention.maxAgeMs must not be negative")
	}
	if c.GC.GracePeriodMs < 0 {
		return fmt.Errorf("config: gc.gracePeriodMs must not be negative")
	}
	return nil
}
