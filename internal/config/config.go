package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v2"

	cerrors "github.com/restopos/datacache/pkg/errors"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "DATACACHE_"

// Durable backends
const (
	BackendDisk   = "disk"
	BackendS3     = "s3"
	BackendMemory = "memory"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global  GlobalConfig  `yaml:"global"`
	Cache   CacheConfig   `yaml:"cache" envPrefix:"CACHE_"`
	Storage StorageConfig `yaml:"storage" envPrefix:"STORAGE_"`
	Preload PreloadConfig `yaml:"preload" envPrefix:"PRELOAD_"`
	Query   QueryConfig   `yaml:"query" envPrefix:"QUERY_"`
	Metrics MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
	Health  HealthConfig  `yaml:"health" envPrefix:"HEALTH_"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`
	AdminAddr string `yaml:"admin_addr" env:"ADMIN_ADDR"`

	// LogFile switches output from stderr to a rotating file
	LogFile       string `yaml:"log_file" env:"LOG_FILE"`
	LogMaxSize    string `yaml:"log_max_size" env:"LOG_MAX_SIZE"`
	LogMaxBackups int    `yaml:"log_max_backups" env:"LOG_MAX_BACKUPS"`
	LogCompress   bool   `yaml:"log_compress" env:"LOG_COMPRESS"`
}

// CacheConfig represents cache manager settings
type CacheConfig struct {
	Prefix           string        `yaml:"prefix" env:"PREFIX"`
	DefaultTTL       time.Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`
	MaxSize          string        `yaml:"max_size" env:"MAX_SIZE"`
	StorageCeiling   string        `yaml:"storage_ceiling" env:"STORAGE_CEILING"`
	PressureRatio    float64       `yaml:"pressure_ratio" env:"PRESSURE_RATIO"`
	MonitorInterval  time.Duration `yaml:"monitor_interval" env:"MONITOR_INTERVAL"`
	AggregateMarkers []string      `yaml:"aggregate_markers" env:"AGGREGATE_MARKERS" envSeparator:","`
}

// StorageConfig represents the storage tiers
type StorageConfig struct {
	Fast    FastTierConfig `yaml:"fast" envPrefix:"FAST_"`
	Durable string         `yaml:"durable" env:"DURABLE"`
	Disk    DiskConfig     `yaml:"disk" envPrefix:"DISK_"`
	S3      S3Config       `yaml:"s3" envPrefix:"S3_"`
}

// FastTierConfig represents the in-memory tier
type FastTierConfig struct {
	Enabled    bool   `yaml:"enabled" env:"ENABLED"`
	MaxEntries int    `yaml:"max_entries" env:"MAX_ENTRIES"`
	MaxSize    string `yaml:"max_size" env:"MAX_SIZE"`
}

// DiskConfig represents the disk tier
type DiskConfig struct {
	Directory            string        `yaml:"directory" env:"DIRECTORY"`
	MaxSize              string        `yaml:"max_size" env:"MAX_SIZE"`
	Compression          bool          `yaml:"compression" env:"COMPRESSION"`
	CompressionThreshold string        `yaml:"compression_threshold" env:"COMPRESSION_THRESHOLD"`
	SyncInterval         time.Duration `yaml:"sync_interval" env:"SYNC_INTERVAL"`
}

// S3Config represents the S3 tier
type S3Config struct {
	Bucket          string `yaml:"bucket" env:"BUCKET"`
	Prefix          string `yaml:"prefix" env:"PREFIX"`
	Region          string `yaml:"region" env:"REGION"`
	Endpoint        string `yaml:"endpoint" env:"ENDPOINT"`
	UsePathStyle    bool   `yaml:"use_path_style" env:"USE_PATH_STYLE"`
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`

	Breaker BreakerConfig `yaml:"breaker" envPrefix:"BREAKER_"`
}

// BreakerConfig represents the circuit breaker in front of a remote tier
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled" env:"ENABLED"`
	FailureThreshold uint32        `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	OpenTimeout      time.Duration `yaml:"open_timeout" env:"OPEN_TIMEOUT"`
	HalfOpenRequests uint32        `yaml:"half_open_requests" env:"HALF_OPEN_REQUESTS"`
}

// PreloadConfig represents preload scheduler settings
type PreloadConfig struct {
	MaxConcurrent int                 `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	DispatchDelay time.Duration       `yaml:"dispatch_delay" env:"DISPATCH_DELAY"`
	MaxAttempts   int                 `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	TTL           time.Duration       `yaml:"ttl" env:"TTL"`
	Navigation    map[string][]string `yaml:"navigation"`
}

// QueryConfig represents realtime query settings
type QueryConfig struct {
	RealtimeStaleTime       time.Duration `yaml:"realtime_stale_time" env:"REALTIME_STALE_TIME"`
	RealtimeRefetchInterval time.Duration `yaml:"realtime_refetch_interval" env:"REALTIME_REFETCH_INTERVAL"`
	Retry                   int           `yaml:"retry" env:"RETRY"`
	RetryDelay              time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled   bool              `yaml:"enabled" env:"ENABLED"`
	Namespace string            `yaml:"namespace" env:"NAMESPACE"`
	Labels    map[string]string `yaml:"labels" env:"LABELS"`
}

// HealthConfig represents storage health probing
type HealthConfig struct {
	Interval             time.Duration `yaml:"interval" env:"INTERVAL"`
	ErrorThreshold       int           `yaml:"error_threshold" env:"ERROR_THRESHOLD"`
	UnavailableThreshold int           `yaml:"unavailable_threshold" env:"UNAVAILABLE_THRESHOLD"`
}

// NewDefault returns a configuration with the defaults of every component
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:  "INFO",
			LogFormat: "text",
			AdminAddr:     ":8090",
			LogMaxSize:    "100MB",
			LogMaxBackups: 5,
			LogCompress:   true,
		},
		Cache: CacheConfig{
			Prefix:           "cache_",
			DefaultTTL:       5 * time.Minute,
			MaxSize:          "50MB",
			StorageCeiling:   "5MB",
			PressureRatio:    0.8,
			MonitorInterval:  5 * time.Minute,
			AggregateMarkers: []string{"list", "all"},
		},
		Storage: StorageConfig{
			Fast: FastTierConfig{
				Enabled:    true,
				MaxEntries: 10000,
				MaxSize:    "64MB",
			},
			Durable: BackendDisk,
			Disk: DiskConfig{
				Directory:            "/var/cache/datacache",
				MaxSize:              "1GB",
				Compression:          true,
				CompressionThreshold: "1KB",
				SyncInterval:         30 * time.Second,
			},
			S3: S3Config{
				Prefix: "datacache/",
				Region: "us-east-1",
				Breaker: BreakerConfig{
					Enabled:          true,
					FailureThreshold: 5,
					OpenTimeout:      30 * time.Second,
					HalfOpenRequests: 1,
				},
			},
		},
		Preload: PreloadConfig{
			MaxConcurrent: 3,
			DispatchDelay: time.Second,
			MaxAttempts:   3,
			TTL:           30 * time.Minute,
		},
		Query: QueryConfig{
			RealtimeStaleTime:       5 * time.Second,
			RealtimeRefetchInterval: 30 * time.Second,
			Retry:                   1,
			RetryDelay:              500 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "datacache",
			Labels: map[string]string{
				"service": "datacache",
			},
		},
		Health: HealthConfig{
			Interval:             30 * time.Second,
			ErrorThreshold:       3,
			UnavailableThreshold: 10,
		},
	}
}

// LoadFromFile loads configuration from a YAML file over the current values
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrCodeConfigLoad, "failed to read config file").
			WithComponent("config").
			WithContext("file", filename)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return cerrors.Wrap(err, cerrors.ErrCodeConfigLoad, "failed to parse config file").
			WithComponent("config").
			WithContext("file", filename)
	}

	return nil
}

// LoadFromEnv applies DATACACHE_* environment overrides. Unset variables
// leave the current values alone.
func (c *Configuration) LoadFromEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return cerrors.Wrap(err, cerrors.ErrCodeConfigLoad, "failed to parse environment").
			WithComponent("config")
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

// Validate validates the configuration
func (c *Configuration) Validate() error {
	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	if !contains(validLogLevels, strings.ToUpper(c.Global.LogLevel)) {
		return invalid("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	validFormats := []string{"", "text", "json", "logfmt"}
	if !contains(validFormats, strings.ToLower(c.Global.LogFormat)) {
		return invalid("invalid log_format: %s", c.Global.LogFormat)
	}

	if c.Cache.Prefix == "" {
		return invalid("cache prefix cannot be empty")
	}
	if c.Cache.DefaultTTL <= 0 {
		return invalid("cache default_ttl must be greater than 0")
	}
	if c.Cache.PressureRatio <= 0 || c.Cache.PressureRatio > 1 {
		return invalid("cache pressure_ratio must be in (0, 1], got %v", c.Cache.PressureRatio)
	}

	sizes := map[string]string{
		"cache.max_size":                     c.Cache.MaxSize,
		"cache.storage_ceiling":              c.Cache.StorageCeiling,
		"storage.fast.max_size":              c.Storage.Fast.MaxSize,
		"storage.disk.max_size":              c.Storage.Disk.MaxSize,
		"storage.disk.compression_threshold": c.Storage.Disk.CompressionThreshold,
		"global.log_max_size":                c.Global.LogMaxSize,
	}
	for name, value := range sizes {
		if _, err := ParseSize(value); err != nil {
			return invalid("invalid %s: %v", name, err)
		}
	}

	switch c.Storage.Durable {
	case BackendMemory:
	case BackendDisk:
		if c.Storage.Disk.Directory == "" {
			return invalid("storage.disk.directory is required for the disk backend")
		}
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			return invalid("storage.s3.bucket is required for the s3 backend")
		}
		if b := c.Storage.S3.Breaker; b.Enabled && (b.FailureThreshold == 0 || b.OpenTimeout <= 0) {
			return invalid("storage.s3.breaker needs a failure_threshold and open_timeout when enabled")
		}
	default:
		return invalid("invalid storage.durable: %q (must be one of: disk, s3, memory)", c.Storage.Durable)
	}

	if c.Preload.MaxConcurrent <= 0 {
		return invalid("preload max_concurrent must be greater than 0")
	}
	if c.Preload.MaxAttempts <= 0 {
		return invalid("preload max_attempts must be greater than 0")
	}
	if c.Query.Retry < 0 {
		return invalid("query retry cannot be negative")
	}
	if c.Global.LogMaxBackups < 0 {
		return invalid("global log_max_backups cannot be negative")
	}

	if c.Health.Interval <= 0 {
		return invalid("health interval must be greater than 0")
	}
	if c.Health.ErrorThreshold <= 0 || c.Health.UnavailableThreshold < c.Health.ErrorThreshold {
		return invalid("health thresholds must satisfy 0 < error_threshold <= unavailable_threshold")
	}

	return nil
}

// ParseSize parses a human readable size such as "50MB" or "1 GiB". An
// empty string is zero.
func ParseSize(s string) (int64, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

func invalid(format string, args ...interface{}) error {
	return cerrors.Newf(cerrors.ErrCodeInvalidConfig, format, args...).WithComponent("config")
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
