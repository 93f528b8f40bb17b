// Package config defines the recognized options of the tiered cache engine.
//
// Sources, lowest precedence first:
//   - Default()
//   - YAML file passed to Load
//   - CACHE_* environment variables
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/o-tero/tiered-cache/pkg/models"
)

// Config enumerates every recognized option. Durations accept Go duration
// strings in YAML ("5m", "300ms").
type Config struct {
	// Memory tier
	MemoryCapacity int           `yaml:"memory_capacity"`
	MemoryTTL      time.Duration `yaml:"memory_ttl"`

	// Remote tier; an empty endpoint disables it
	RemoteEndpoint  string        `yaml:"remote_endpoint"`
	RemotePassword  string        `yaml:"remote_password"`
	RemoteDB        int           `yaml:"remote_db"`
	RemoteTTL       time.Duration `yaml:"remote_ttl"`
	RemoteTimeout   time.Duration `yaml:"remote_timeout"`
	RemoteKeyPrefix string        `yaml:"remote_key_prefix"`

	// Persistent tier
	PersistentEnabled bool          `yaml:"persistent_enabled"`
	PersistentDir     string        `yaml:"persistent_dir"`
	PersistentTTL     time.Duration `yaml:"persistent_ttl"`

	// Value pipeline for the remote and persistent tiers
	CompressionEnabled   bool   `yaml:"compression_enabled"`
	CompressionAlgorithm string `yaml:"compression_algorithm"`
	CompressionMinBytes  int    `yaml:"compression_min_bytes"`
	SerializationFormat  string `yaml:"serialization_format"`

	// NeverExpireTTL is the non-positive sentinel meaning "never expire".
	NeverExpireTTL time.Duration `yaml:"never_expire_ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`

	// Warmup
	MaxConcurrentWarmupTasks int           `yaml:"max_concurrent_warmup_tasks"`
	WarmupQueueSize          int           `yaml:"warmup_queue_size"`
	WarmupMaxRetries         int           `yaml:"warmup_max_retries"`
	WarmupBaseDelay          time.Duration `yaml:"warmup_base_delay"`
	WarmupTaskTimeout        time.Duration `yaml:"warmup_task_timeout"`
	WarmupGeneratorRPS       float64       `yaml:"warmup_generator_rps"`
	WarmupTTL                time.Duration `yaml:"warmup_ttl"` // base ttl of scheduled tasks; 0 = tier default
	PatternAnalyzeInterval   time.Duration `yaml:"pattern_analyze_interval"`
	PredictiveInterval       time.Duration `yaml:"predictive_interval"`
	MinAccessCount           int64         `yaml:"min_access_count"`
	MinPriorityScore         float64       `yaml:"min_priority_score"`
	MaxPatternTasks          int           `yaml:"max_pattern_tasks"`
	PredictiveThreshold      float64       `yaml:"predictive_threshold"`
	PatternRetention         time.Duration `yaml:"pattern_retention"`
	AccessHistorySize        int           `yaml:"access_history_size"`

	// Monitoring
	CollectionInterval time.Duration `yaml:"collection_interval"`
	AnalysisInterval   time.Duration `yaml:"analysis_interval"`
	AlertHistorySize   int           `yaml:"alert_history_size"`

	// Admin API
	HTTPAddr         string  `yaml:"http_addr"`
	APIRatePerSecond float64 `yaml:"api_rate_per_second"`
	APIBurst         int     `yaml:"api_burst"`

	Logging Logging `yaml:"logging"`
}

// Logging selects the zap preset.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		MemoryCapacity: 1000,
		MemoryTTL:      5 * time.Minute,

		RemoteTTL:       time.Hour,
		RemoteTimeout:   500 * time.Millisecond,
		RemoteKeyPrefix: "tc:",

		PersistentDir: filepath.Join(os.TempDir(), "tiered-cache"),
		PersistentTTL: 24 * time.Hour,

		CompressionEnabled:   true,
		CompressionAlgorithm: "snappy",
		CompressionMinBytes:  1024,
		SerializationFormat:  "json",

		NeverExpireTTL: -1,
		SweepInterval:  time.Minute,

		MaxConcurrentWarmupTasks: 10,
		WarmupQueueSize:          1000,
		WarmupMaxRetries:         3,
		WarmupBaseDelay:          time.Second,
		WarmupTaskTimeout:        30 * time.Second,
		WarmupGeneratorRPS:       100,
		WarmupTTL:                10 * time.Minute,
		PatternAnalyzeInterval:   5 * time.Minute,
		PredictiveInterval:       time.Hour,
		MinAccessCount:           5,
		MinPriorityScore:         1.0,
		MaxPatternTasks:          50,
		PredictiveThreshold:      1.0,
		PatternRetention:         24 * time.Hour,
		AccessHistorySize:        100,

		CollectionInterval: 30 * time.Second,
		AnalysisInterval:   60 * time.Second,
		AlertHistorySize:   1000,

		HTTPAddr:         ":8080",
		APIRatePerSecond: 200,
		APIBurst:         400,

		Logging: Logging{Level: "info", Format: "json"},
	}
}

// Load builds a Config from defaults, an optional YAML file and the
// environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from CACHE_* variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := lookup(name); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = f
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = d
		}
	}

	integer("CACHE_MEMORY_CAPACITY", &c.MemoryCapacity)
	duration("CACHE_MEMORY_TTL", &c.MemoryTTL)
	str("CACHE_REMOTE_ENDPOINT", &c.RemoteEndpoint)
	str("CACHE_REMOTE_PASSWORD", &c.RemotePassword)
	integer("CACHE_REMOTE_DB", &c.RemoteDB)
	duration("CACHE_REMOTE_TTL", &c.RemoteTTL)
	duration("CACHE_REMOTE_TIMEOUT", &c.RemoteTimeout)
	str("CACHE_REMOTE_KEY_PREFIX", &c.RemoteKeyPrefix)
	boolean("CACHE_PERSISTENT_ENABLED", &c.PersistentEnabled)
	str("CACHE_PERSISTENT_DIR", &c.PersistentDir)
	duration("CACHE_PERSISTENT_TTL", &c.PersistentTTL)
	boolean("CACHE_COMPRESSION_ENABLED", &c.CompressionEnabled)
	str("CACHE_COMPRESSION_ALGORITHM", &c.CompressionAlgorithm)
	str("CACHE_SERIALIZATION_FORMAT", &c.SerializationFormat)
	integer("CACHE_MAX_CONCURRENT_WARMUP_TASKS", &c.MaxConcurrentWarmupTasks)
	float("CACHE_WARMUP_GENERATOR_RPS", &c.WarmupGeneratorRPS)
	duration("CACHE_WARMUP_TTL", &c.WarmupTTL)
	duration("CACHE_COLLECTION_INTERVAL", &c.CollectionInterval)
	duration("CACHE_ANALYSIS_INTERVAL", &c.AnalysisInterval)
	str("CACHE_HTTP_ADDR", &c.HTTPAddr)
	float("CACHE_API_RATE_PER_SECOND", &c.APIRatePerSecond)
	integer("CACHE_API_BURST", &c.APIBurst)
	str("CACHE_LOG_LEVEL", &c.Logging.Level)
	str("CACHE_LOG_FORMAT", &c.Logging.Format)

	return errors.Join(errs...)
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.MemoryCapacity > 0, "memory_capacity must be positive, got %d", c.MemoryCapacity)
	check(c.MemoryTTL >= 0, "memory_ttl cannot be negative")
	check(c.RemoteTTL >= 0, "remote_ttl cannot be negative")
	check(c.RemoteTimeout > 0, "remote_timeout must be positive")
	check(c.PersistentTTL >= 0, "persistent_ttl cannot be negative")
	check(!c.PersistentEnabled || c.PersistentDir != "", "persistent_dir is required when persistent_enabled")
	check(c.NeverExpireTTL <= 0, "never_expire_ttl must be non-positive")
	check(c.MaxConcurrentWarmupTasks > 0, "max_concurrent_warmup_tasks must be positive")
	check(c.WarmupQueueSize > 0, "warmup_queue_size must be positive")
	check(c.WarmupMaxRetries >= 0, "warmup_max_retries cannot be negative")
	check(c.WarmupBaseDelay > 0, "warmup_base_delay must be positive")
	check(c.WarmupTTL >= 0, "warmup_ttl cannot be negative")
	check(c.PatternAnalyzeInterval > 0, "pattern_analyze_interval must be positive")
	check(c.PredictiveInterval > 0, "predictive_interval must be positive")
	check(c.CollectionInterval > 0, "collection_interval must be positive")
	check(c.AnalysisInterval > 0, "analysis_interval must be positive")
	check(c.AccessHistorySize > 0, "access_history_size must be positive")
	check(c.AlertHistorySize > 0, "alert_history_size must be positive")

	switch strings.ToLower(c.SerializationFormat) {
	case "json", "cbor":
	default:
		errs = append(errs, fmt.Errorf("serialization_format must be json or cbor, got %q", c.SerializationFormat))
	}
	switch strings.ToLower(c.CompressionAlgorithm) {
	case "snappy", "zstd", "none":
	default:
		errs = append(errs, fmt.Errorf("compression_algorithm must be snappy, zstd or none, got %q", c.CompressionAlgorithm))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", models.ErrInvalidConfig, err)
	}
	return nil
}

// RemoteEnabled reports whether a remote endpoint is configured.
func (c Config) RemoteEnabled() bool { return c.RemoteEndpoint != "" }
