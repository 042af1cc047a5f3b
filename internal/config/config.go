package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"telemetry-pipeline/internal/model"
)

// ConfigurationError reports a missing or malformed setting. It is fatal
// to the host and never retried.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

// Config holds the pipeline configuration loaded from environment variables.
type Config struct {
	APIKey       string
	APISecret    string
	CollectorURL string
	AppMode      string
	Debug        bool

	UploadInterval     time.Duration
	InitialUploadDelay time.Duration
	TriggerDelay       time.Duration
	ConfigInitDelay    time.Duration
	SessionTimeout     time.Duration
	BatchSize          int
	BatchMaxAge        time.Duration
	InboxSize          int
	HTTPTimeout        time.Duration
	PinnedCAFile       string

	ClickHouseDSN string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DiskPath      string

	Limits model.Limits
}

// Load reads configuration from environment variables with sane defaults.
func Load() (*Config, error) {
	cfg := &Config{
		APIKey:             strings.TrimSpace(os.Getenv("API_KEY")),
		APISecret:          strings.TrimSpace(os.Getenv("API_SECRET")),
		CollectorURL:       getEnv("COLLECTOR_URL", "https://nativesdks.mparticle.com"),
		AppMode:            strings.ToLower(getEnv("APP_MODE", "dev")),
		Debug:              parseBoolEnv("DEBUG", false),
		UploadInterval:     parseDurationEnv("UPLOAD_INTERVAL", 10*time.Minute),
		InitialUploadDelay: parseDurationEnv("INITIAL_UPLOAD_DELAY", 10*time.Second),
		TriggerDelay:       parseDurationEnv("TRIGGER_DELAY", 5*time.Second),
		ConfigInitDelay:    parseDurationEnv("CONFIG_INIT_DELAY", 20*time.Second),
		SessionTimeout:     parseDurationEnv("SESSION_TIMEOUT", 60*time.Second),
		BatchSize:          parseIntEnv("BATCH_SIZE", 100),
		BatchMaxAge:        parseDurationEnv("BATCH_MAX_AGE", 24*time.Hour),
		InboxSize:          parseIntEnv("INBOX_SIZE", 256),
		HTTPTimeout:        parseDurationEnv("HTTP_TIMEOUT", 30*time.Second),
		PinnedCAFile:       os.Getenv("PINNED_CA_FILE"),
		ClickHouseDSN:      os.Getenv("CLICKHOUSE_DSN"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		RedisPassword:      os.Getenv("REDIS_PASSWORD"),
		RedisDB:            parseIntEnv("REDIS_DB", 0),
		DiskPath:           getEnv("DEVICE_DISK_PATH", "/"),
		Limits: model.Limits{
			MaxAttributes:  parseIntEnv("MAX_ATTRIBUTES", model.DefaultLimits.MaxAttributes),
			MaxKeyLength:   parseIntEnv("MAX_ATTRIBUTE_KEY_LENGTH", model.DefaultLimits.MaxKeyLength),
			MaxValueLength: parseIntEnv("MAX_ATTRIBUTE_VALUE_LENGTH", model.DefaultLimits.MaxValueLength),
		},
	}
	if cfg.APIKey == "" {
		return nil, &ConfigurationError{Key: "API_KEY", Reason: "is required"}
	}
	if cfg.APISecret == "" {
		return nil, &ConfigurationError{Key: "API_SECRET", Reason: "is required"}
	}
	if cfg.BatchSize <= 0 {
		return nil, &ConfigurationError{Key: "BATCH_SIZE", Reason: "must be positive"}
	}
	if cfg.InboxSize <= 0 {
		return nil, &ConfigurationError{Key: "INBOX_SIZE", Reason: "must be positive"}
	}
	if cfg.UploadInterval <= 0 {
		return nil, &ConfigurationError{Key: "UPLOAD_INTERVAL", Reason: "must be positive"}
	}
	return cfg, nil
}

// CollectorConfig configures the local reference collector.
type CollectorConfig struct {
	HTTPPort     string
	AppMode      string
	FiberPrefork bool
	APIKey       string
	APISecret    string
	ConfigFile   string
	FirstMPID    int64
	Debug        bool

	ClickHouseDSN    string
	IngestBufferSize int
	IngestBatchSize  int
	IngestFlushEvery time.Duration
	MaxClockSkew     time.Duration
}

// LoadCollector reads the collector configuration. Flags parsed by the
// collector binary override these values.
func LoadCollector() (*CollectorConfig, error) {
	cfg := &CollectorConfig{
		HTTPPort:     getEnv("COLLECTOR_HTTP_PORT", ":8080"),
		AppMode:      strings.ToLower(getEnv("APP_MODE", "dev")),
		FiberPrefork: parseBoolEnv("FIBER_PREFORK", false),
		APIKey:       strings.TrimSpace(os.Getenv("API_KEY")),
		APISecret:    strings.TrimSpace(os.Getenv("API_SECRET")),
		ConfigFile:   os.Getenv("COLLECTOR_CONFIG_FILE"),
		FirstMPID:    parseInt64Env("COLLECTOR_FIRST_MPID", 1000),
		Debug:        parseBoolEnv("DEBUG", false),

		ClickHouseDSN:    os.Getenv("CLICKHOUSE_DSN"),
		IngestBufferSize: parseIntEnv("COLLECTOR_INGEST_BUFFER_SIZE", 10000),
		IngestBatchSize:  parseIntEnv("COLLECTOR_INGEST_BATCH_SIZE", 500),
		IngestFlushEvery: parseDurationEnv("COLLECTOR_INGEST_FLUSH_EVERY", 2*time.Second),
		MaxClockSkew:     parseDurationEnv("COLLECTOR_MAX_CLOCK_SKEW", 15*time.Minute),
	}
	return cfg, nil
}

// Validate reports the first missing collector setting.
func (c *CollectorConfig) Validate() error {
	if c.APIKey == "" {
		return &ConfigurationError{Key: "API_KEY", Reason: "is required"}
	}
	if c.APISecret == "" {
		return &ConfigurationError{Key: "API_SECRET", Reason: "is required"}
	}
	if c.IngestBatchSize <= 0 {
		return &ConfigurationError{Key: "COLLECTOR_INGEST_BATCH_SIZE", Reason: "must be positive"}
	}
	if c.IngestFlushEvery <= 0 {
		return &ConfigurationError{Key: "COLLECTOR_INGEST_FLUSH_EVERY", Reason: "must be positive"}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func parseBoolEnv(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseIntEnv(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseInt64Env(key string, fallback int64) int64 {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return parsed
}
