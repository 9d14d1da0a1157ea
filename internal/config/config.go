package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Server   ServerConfig   `yaml:"server"`
	Origin   OriginConfig   `yaml:"origin"`
	Pool     PoolConfig     `yaml:"pool"`
	Cache    CacheConfig    `yaml:"cache"`
	Batch    BatchConfig    `yaml:"batch"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Pressure PressureConfig `yaml:"pressure"`
	Store    StoreConfig    `yaml:"store"`
	Flags    FlagsConfig    `yaml:"flags"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig represents the HTTP gateway settings
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// OriginConfig represents the upstream calendar feed settings
type OriginConfig struct {
	URL            string        `yaml:"url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// PoolConfig represents connection pool settings
type PoolConfig struct {
	MaxPerHost          int           `yaml:"max_per_host"`
	EmergencyMaxPerHost int           `yaml:"emergency_max_per_host"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	LeaseTimeout        time.Duration `yaml:"lease_timeout"`
	ReapInterval        time.Duration `yaml:"reap_interval"`
}

// CacheConfig represents response cache settings
type CacheConfig struct {
	MemoryBudgetBytes   int64         `yaml:"memory_budget_bytes"`
	MaxEntries          int           `yaml:"max_entries"`
	EntrySizeLimitBytes int64         `yaml:"entry_size_limit_bytes"`
	TTL                 time.Duration `yaml:"ttl"`
}

// BatchConfig represents request batching settings
type BatchConfig struct {
	Window  time.Duration `yaml:"window"`
	MaxSize int           `yaml:"max_size"`
}

// BreakerConfig represents circuit breaker settings
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// PressureConfig represents memory pressure monitor settings
type PressureConfig struct {
	MemoryBudgetBytes uint64        `yaml:"memory_budget_bytes"`
	Warning           float64       `yaml:"warning"`
	Critical          float64       `yaml:"critical"`
	Emergency         float64       `yaml:"emergency"`
	SampleInterval    time.Duration `yaml:"sample_interval"`
}

// StoreConfig represents the persistent event store settings
type StoreConfig struct {
	Path            string        `yaml:"path"`
	TTLSeconds      int           `yaml:"ttl_seconds"`
	Retention       time.Duration `yaml:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// FlagsConfig represents feature flag settings
type FlagsConfig struct {
	OptimizedPipeline FlagConfig `yaml:"optimized_pipeline"`
}

// FlagConfig represents a single feature flag
type FlagConfig struct {
	Enabled bool `yaml:"enabled"`
	Rollout int  `yaml:"rollout"`
}

// LoggingConfig represents logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Origin: OriginConfig{
			URL:            "",
			RequestTimeout: 10 * time.Second,
		},
		Pool: PoolConfig{
			MaxPerHost:          4,
			EmergencyMaxPerHost: 1,
			IdleTimeout:         90 * time.Second,
			LeaseTimeout:        30 * time.Second,
			ReapInterval:        10 * time.Second,
		},
		Cache: CacheConfig{
			MemoryBudgetBytes:   8 << 20,
			MaxEntries:          2048,
			EntrySizeLimitBytes: 512 << 10,
			TTL:                 5 * time.Minute,
		},
		Batch: BatchConfig{
			Window:  25 * time.Millisecond,
			MaxSize: 16,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
		},
		Pressure: PressureConfig{
			MemoryBudgetBytes: 256 << 20,
			Warning:           0.70,
			Critical:          0.85,
			Emergency:         0.95,
			SampleInterval:    5 * time.Second,
		},
		Store: StoreConfig{
			Path:            "calgate.db",
			TTLSeconds:      900,
			Retention:       168 * time.Hour,
			CleanupInterval: time.Hour,
		},
		Flags: FlagsConfig{
			OptimizedPipeline: FlagConfig{
				Enabled: true,
				Rollout: 100,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	// Server settings
	if val := os.Getenv("CALGATE_SERVER_ADDR"); val != "" {
		c.Server.Addr = val
	}

	// Origin settings
	if val := os.Getenv("CALGATE_ORIGIN_URL"); val != "" {
		c.Origin.URL = val
	}
	if val := os.Getenv("CALGATE_ORIGIN_REQUEST_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Origin.RequestTimeout = duration
		}
	}

	// Pool settings
	if val := os.Getenv("CALGATE_POOL_MAX_PER_HOST"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Pool.MaxPerHost = n
		}
	}
	if val := os.Getenv("CALGATE_POOL_IDLE_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Pool.IdleTimeout = duration
		}
	}
	if val := os.Getenv("CALGATE_POOL_LEASE_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Pool.LeaseTimeout = duration
		}
	}

	// Cache settings
	if val := os.Getenv("CALGATE_CACHE_MEMORY_BUDGET_BYTES"); val != "" {
		if n, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Cache.MemoryBudgetBytes = n
		}
	}
	if val := os.Getenv("CALGATE_CACHE_MAX_ENTRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Cache.MaxEntries = n
		}
	}
	if val := os.Getenv("CALGATE_CACHE_TTL"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Cache.TTL = duration
		}
	}

	// Batch settings
	if val := os.Getenv("CALGATE_BATCH_WINDOW"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Batch.Window = duration
		}
	}
	if val := os.Getenv("CALGATE_BATCH_MAX_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Batch.MaxSize = n
		}
	}

	// Breaker settings
	if val := os.Getenv("CALGATE_BREAKER_FAILURE_THRESHOLD"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Breaker.FailureThreshold = n
		}
	}
	if val := os.Getenv("CALGATE_BREAKER_RECOVERY_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Breaker.RecoveryTimeout = duration
		}
	}

	// Pressure settings
	if val := os.Getenv("CALGATE_PRESSURE_MEMORY_BUDGET_BYTES"); val != "" {
		if n, err := strconv.ParseUint(val, 10, 64); err == nil {
			c.Pressure.MemoryBudgetBytes = n
		}
	}

	// Store settings
	if val := os.Getenv("CALGATE_STORE_PATH"); val != "" {
		c.Store.Path = val
	}
	if val := os.Getenv("CALGATE_STORE_TTL_SECONDS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Store.TTLSeconds = n
		}
	}
	if val := os.Getenv("CALGATE_STORE_RETENTION"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Store.Retention = duration
		}
	}

	// Feature flags
	if val := os.Getenv("CALGATE_FLAGS_OPTIMIZED_PIPELINE"); val != "" {
		c.Flags.OptimizedPipeline.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("CALGATE_FLAGS_ROLLOUT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Flags.OptimizedPipeline.Rollout = n
		}
	}

	// Logging settings
	if val := os.Getenv("CALGATE_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("CALGATE_LOG_FORMAT"); val != "" {
		c.Logging.Format = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the structural parts of the configuration. A non-nil error
// means the process must not start. Out-of-range tuning values are not errors;
// ApplyLimits reverts those to defaults.
func (c *Configuration) Validate() error {
	if c.Origin.URL == "" {
		return fmt.Errorf("origin.url is required")
	}
	u, err := url.Parse(c.Origin.URL)
	if err != nil {
		return fmt.Errorf("origin.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin.url must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("origin.url has no host")
	}

	if c.Store.Path == "" {
		return fmt.Errorf("store.path must not be empty")
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}

	return nil
}

// ApplyLimits reverts out-of-range tuning values to their defaults so the
// process serves with a safe configuration instead of refusing to start.
// Every revert is logged with the offending value.
func (c *Configuration) ApplyLimits(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	def := NewDefault()

	c.Pool.MaxPerHost = clampInt(logger, "pool.max_per_host",
		c.Pool.MaxPerHost, 1, 64, def.Pool.MaxPerHost)
	c.Pool.EmergencyMaxPerHost = clampInt(logger, "pool.emergency_max_per_host",
		c.Pool.EmergencyMaxPerHost, 1, c.Pool.MaxPerHost, def.Pool.EmergencyMaxPerHost)
	c.Pool.IdleTimeout = clampDuration(logger, "pool.idle_timeout",
		c.Pool.IdleTimeout, time.Second, time.Hour, def.Pool.IdleTimeout)
	c.Pool.LeaseTimeout = clampDuration(logger, "pool.lease_timeout",
		c.Pool.LeaseTimeout, time.Second, 10*time.Minute, def.Pool.LeaseTimeout)
	c.Pool.ReapInterval = clampDuration(logger, "pool.reap_interval",
		c.Pool.ReapInterval, time.Second, 5*time.Minute, def.Pool.ReapInterval)

	c.Cache.MemoryBudgetBytes = clampInt64(logger, "cache.memory_budget_bytes",
		c.Cache.MemoryBudgetBytes, 64<<10, 256<<20, def.Cache.MemoryBudgetBytes)
	c.Cache.MaxEntries = clampInt(logger, "cache.max_entries",
		c.Cache.MaxEntries, 16, 1<<20, def.Cache.MaxEntries)
	c.Cache.EntrySizeLimitBytes = clampInt64(logger, "cache.entry_size_limit_bytes",
		c.Cache.EntrySizeLimitBytes, 1<<10, c.Cache.MemoryBudgetBytes, def.Cache.EntrySizeLimitBytes)
	if c.Cache.EntrySizeLimitBytes > c.Cache.MemoryBudgetBytes {
		// Default entry limit can exceed a small budget.
		c.Cache.EntrySizeLimitBytes = c.Cache.MemoryBudgetBytes
	}
	c.Cache.TTL = clampDuration(logger, "cache.ttl",
		c.Cache.TTL, time.Second, 24*time.Hour, def.Cache.TTL)

	c.Batch.Window = clampDuration(logger, "batch.window",
		c.Batch.Window, time.Millisecond, 5*time.Second, def.Batch.Window)
	c.Batch.MaxSize = clampInt(logger, "batch.max_size",
		c.Batch.MaxSize, 2, 256, def.Batch.MaxSize)

	c.Breaker.FailureThreshold = clampInt(logger, "breaker.failure_threshold",
		c.Breaker.FailureThreshold, 1, 100, def.Breaker.FailureThreshold)
	c.Breaker.RecoveryTimeout = clampDuration(logger, "breaker.recovery_timeout",
		c.Breaker.RecoveryTimeout, 100*time.Millisecond, 10*time.Minute, def.Breaker.RecoveryTimeout)

	c.Pressure.MemoryBudgetBytes = clampUint64(logger, "pressure.memory_budget_bytes",
		c.Pressure.MemoryBudgetBytes, 32<<20, 4<<30, def.Pressure.MemoryBudgetBytes)
	c.Pressure.SampleInterval = clampDuration(logger, "pressure.sample_interval",
		c.Pressure.SampleInterval, 250*time.Millisecond, 5*time.Minute, def.Pressure.SampleInterval)
	if !validThresholds(c.Pressure.Warning, c.Pressure.Critical, c.Pressure.Emergency) {
		logger.Warn("config value out of range, using default",
			"option", "pressure thresholds",
			"value", fmt.Sprintf("%v/%v/%v", c.Pressure.Warning, c.Pressure.Critical, c.Pressure.Emergency),
			"default", fmt.Sprintf("%v/%v/%v", def.Pressure.Warning, def.Pressure.Critical, def.Pressure.Emergency))
		c.Pressure.Warning = def.Pressure.Warning
		c.Pressure.Critical = def.Pressure.Critical
		c.Pressure.Emergency = def.Pressure.Emergency
	}

	c.Store.TTLSeconds = clampInt(logger, "store.ttl_seconds",
		c.Store.TTLSeconds, 1, 86400*7, def.Store.TTLSeconds)
	c.Store.Retention = clampDuration(logger, "store.retention",
		c.Store.Retention, 0, 8760*time.Hour, def.Store.Retention)
	c.Store.CleanupInterval = clampDuration(logger, "store.cleanup_interval",
		c.Store.CleanupInterval, time.Minute, 24*time.Hour, def.Store.CleanupInterval)

	c.Flags.OptimizedPipeline.Rollout = clampInt(logger, "flags.optimized_pipeline.rollout",
		c.Flags.OptimizedPipeline.Rollout, 0, 100, def.Flags.OptimizedPipeline.Rollout)

	c.Origin.RequestTimeout = clampDuration(logger, "origin.request_timeout",
		c.Origin.RequestTimeout, 100*time.Millisecond, 2*time.Minute, def.Origin.RequestTimeout)

	c.Server.ShutdownTimeout = clampDuration(logger, "server.shutdown_timeout",
		c.Server.ShutdownTimeout, time.Second, time.Minute, def.Server.ShutdownTimeout)

	if !validLogLevel(c.Logging.Level) {
		logger.Warn("config value out of range, using default",
			"option", "logging.level", "value", c.Logging.Level, "default", def.Logging.Level)
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		logger.Warn("config value out of range, using default",
			"option", "logging.format", "value", c.Logging.Format, "default", def.Logging.Format)
		c.Logging.Format = def.Logging.Format
	}
}

func clampInt(logger *slog.Logger, option string, v, min, max, def int) int {
	if v < min || v > max {
		logger.Warn("config value out of range, using default",
			"option", option, "value", v, "default", def)
		return def
	}
	return v
}

func clampInt64(logger *slog.Logger, option string, v, min, max, def int64) int64 {
	if v < min || v > max {
		logger.Warn("config value out of range, using default",
			"option", option, "value", v, "default", def)
		return def
	}
	return v
}

func clampUint64(logger *slog.Logger, option string, v, min, max, def uint64) uint64 {
	if v < min || v > max {
		logger.Warn("config value out of range, using default",
			"option", option, "value", v, "default", def)
		return def
	}
	return v
}

func clampDuration(logger *slog.Logger, option string, v, min, max, def time.Duration) time.Duration {
	if v < min || v > max {
		logger.Warn("config value out of range, using default",
			"option", option, "value", v, "default", def)
		return def
	}
	return v
}

func validThresholds(warning, critical, emergency float64) bool {
	if warning <= 0 || emergency > 1 {
		return false
	}
	return warning < critical && critical < emergency
}

func validLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

// SlogLevel maps the configured level string onto a slog level.
func (c *Configuration) SlogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
