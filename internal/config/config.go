// Package config handles configuration loading and validation for blockvault.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blockvault/blockvault/internal/compact"
	"github.com/blockvault/blockvault/internal/retention"
	"github.com/blockvault/blockvault/pkg/bytesize"
)

// Backend types.
const (
	BackendLocal = "local"
	BackendS3    = "s3"
)

// BackendConfig selects and configures the remote store.
type BackendConfig struct {
	Type      string `yaml:"type"`       // "local" or "s3"
	Path      string `yaml:"path"`       // local: destination directory
	Bucket    string `yaml:"bucket"`     // s3
	Region    string `yaml:"region"`     // s3
	Endpoint  string `yaml:"endpoint"`   // s3: empty for AWS
	AccessKey string `yaml:"access_key"` // s3: empty to use the default credential chain
	SecretKey string `yaml:"secret_key"`
	KeyPrefix string `yaml:"key_prefix"`
	PathStyle bool   `yaml:"path_style"`
}

// CompactConfig holds the compaction thresholds.
type CompactConfig struct {
	Threshold         *float64      `yaml:"threshold"` // wasted fraction, 0-1; 0 compacts on any waste
	SmallFileSize     bytesize.Size `yaml:"small_file_size"`
	SmallFileMaxCount int           `yaml:"small_file_max_count"`
	NoAutoCompact     bool          `yaml:"no_auto_compact"`
	IndexPolicy       string        `yaml:"index_policy"` // none, lookup or full
}

// RetentionConfig selects which filesets a delete removes.
type RetentionConfig struct {
	KeepTime         string `yaml:"keep_time"` // e.g. "30D", "6M", "720h"
	KeepVersions     int    `yaml:"keep_versions"`
	RetentionPolicy  string `yaml:"retention_policy"` // e.g. "1W:1D,4W:1W,12M:1M"
	AllowFullRemoval bool   `yaml:"allow_full_removal"`

	// Versions names filesets to delete explicitly. Set from the command line.
	Versions []int `yaml:"-"`
}

// QuotaConfig holds the assigned quota and the warning threshold.
type QuotaConfig struct {
	Size             bytesize.Size `yaml:"size"`              // 0 = use what the backend reports
	WarningThreshold float64       `yaml:"warning_threshold"` // percent of free space
}

// Config is the blockvault configuration file.
type Config struct {
	Prefix          string          `yaml:"prefix"`
	DBPath          string          `yaml:"db_path"`
	Passphrase      string          `yaml:"passphrase"`
	Compression     string          `yaml:"compression"`
	Encryption      string          `yaml:"encryption"` // empty disables encryption
	Blocksize       bytesize.Size   `yaml:"blocksize"`
	VolumeSize      bytesize.Size   `yaml:"volume_size"`
	DeleteGrace     string          `yaml:"delete_grace"` // duration string, e.g. "1h"
	DryRun          bool            `yaml:"dry_run"`
	LogLevel        string          `yaml:"log_level"`
	MetricsTextfile string          `yaml:"metrics_textfile"` // node_exporter textfile path, empty to disable
	AuditLog        string          `yaml:"audit_log"`        // JSON lines file, empty logs audit events with the rest
	Backend         BackendConfig   `yaml:"backend"`
	Compact         CompactConfig   `yaml:"compact"`
	Retention       RetentionConfig `yaml:"retention"`
	Quota           QuotaConfig     `yaml:"quota"`
}

// Load loads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Prefix == "" {
		c.Prefix = "blockvault"
	}
	if c.DBPath == "" {
		c.DBPath = "~/.blockvault/ledger.sqlite"
	}
	c.DBPath = expandHome(c.DBPath)
	if c.Compression == "" {
		c.Compression = "zip"
	}
	if c.Blocksize == 0 {
		c.Blocksize = bytesize.Size(100 * bytesize.KB)
	}
	if c.VolumeSize == 0 {
		c.VolumeSize = bytesize.Size(compact.DefaultVolumeSize)
	}
	if c.DeleteGrace == "" {
		c.DeleteGrace = "1h"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Backend.Type == "" {
		c.Backend.Type = BackendLocal
	}
	c.Backend.Path = expandHome(c.Backend.Path)
	c.AuditLog = expandHome(c.AuditLog)
	if c.Compact.Threshold == nil {
		t := compact.DefaultThreshold
		c.Compact.Threshold = &t
	}
	if c.Compact.SmallFileMaxCount == 0 {
		c.Compact.SmallFileMaxCount = compact.DefaultSmallFileMaxCount
	}
	if c.Compact.IndexPolicy == "" {
		c.Compact.IndexPolicy = string(compact.IndexFull)
	}
	if c.Quota.WarningThreshold == 0 {
		c.Quota.WarningThreshold = 10
	}
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(homeDir, p[2:])
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Prefix == "" || strings.ContainsAny(c.Prefix, "/\\") {
		return fmt.Errorf("prefix must be non-empty and contain no path separators")
	}
	if c.Encryption != "" && c.Passphrase == "" {
		return fmt.Errorf("passphrase is required when encryption is enabled")
	}
	if c.Blocksize < 1024 {
		return fmt.Errorf("blocksize must be at least 1KB")
	}
	if c.VolumeSize < c.Blocksize*2 {
		return fmt.Errorf("volume_size must be at least twice the blocksize")
	}
	if _, err := c.DeleteGraceDuration(); err != nil {
		return err
	}
	switch c.Backend.Type {
	case BackendLocal:
		if c.Backend.Path == "" {
			return fmt.Errorf("backend.path is required for the local backend")
		}
	case BackendS3:
		if c.Backend.Bucket == "" {
			return fmt.Errorf("backend.bucket is required for the s3 backend")
		}
		if (c.Backend.AccessKey == "") != (c.Backend.SecretKey == "") {
			return fmt.Errorf("backend.access_key and backend.secret_key must be set together")
		}
	default:
		return fmt.Errorf("unknown backend.type %q", c.Backend.Type)
	}
	if t := c.Compact.Threshold; t != nil && (*t < 0 || *t > 1) {
		return fmt.Errorf("compact.threshold must be between 0 and 1")
	}
	if c.Compact.SmallFileMaxCount < 0 {
		return fmt.Errorf("compact.small_file_max_count must not be negative")
	}
	if _, err := compact.ParseIndexPolicy(c.Compact.IndexPolicy); err != nil {
		return err
	}
	if c.Retention.KeepVersions < 0 {
		return fmt.Errorf("retention.keep_versions must not be negative")
	}
	if _, err := c.RetentionOptions(); err != nil {
		return err
	}
	if c.Quota.WarningThreshold < 0 || c.Quota.WarningThreshold > 100 {
		return fmt.Errorf("quota.warning_threshold must be between 0 and 100")
	}
	return nil
}

// DeleteGraceDuration parses delete_grace.
func (c *Config) DeleteGraceDuration() (time.Duration, error) {
	d, err := time.ParseDuration(c.DeleteGrace)
	if err != nil {
		return 0, fmt.Errorf("invalid delete_grace: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("delete_grace must not be negative")
	}
	return d, nil
}

// RetentionOptions converts the retention section for the selector.
func (c *Config) RetentionOptions() (retention.Options, error) {
	opts := retention.Options{
		Versions:         c.Retention.Versions,
		KeepVersions:     c.Retention.KeepVersions,
		AllowFullRemoval: c.Retention.AllowFullRemoval,
	}
	if c.Retention.KeepTime != "" {
		span, err := retention.ParseSpan(c.Retention.KeepTime)
		if err != nil {
			return opts, fmt.Errorf("invalid retention.keep_time: %w", err)
		}
		opts.KeepTime = span
	}
	if c.Retention.RetentionPolicy != "" {
		policy, err := retention.ParsePolicy(c.Retention.RetentionPolicy)
		if err != nil {
			return opts, fmt.Errorf("invalid retention.retention_policy: %w", err)
		}
		opts.Policy = policy
	}
	return opts, nil
}
