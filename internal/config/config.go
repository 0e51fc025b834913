package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the crossmetrics service.
type Config struct {
	Server      ServerConfig
	DocStore    DocStoreConfig
	ColumnStore ColumnStoreConfig
	MetricStore MetricStoreConfig
	Pipeline    PipelineConfig
	Auth        AuthConfig
	RateLimit   RateLimitConfig
	Log         LogConfig
	Metrics     MetricsConfig
	Geo         GeoConfig
}

type ServerConfig struct {
	Addr            string
	Env             string
	ShutdownTimeout time.Duration
}

// DocStoreConfig configures the PostgreSQL-backed document store holding
// users, products and transactions.
type DocStoreConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// DSN returns the PostgreSQL connection string.
func (d DocStoreConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

// ColumnStoreConfig configures the ClickHouse-backed session store.
type ColumnStoreConfig struct {
	Addr     string
	Database string
	User     string
	Password string
}

// MetricStoreConfig configures the Redis-backed materialized metrics store.
type MetricStoreConfig struct {
	Addr     string
	Password string
	DB       int
}

// PipelineConfig tunes batching and parallelism of the correlation and
// aggregation stages.
type PipelineConfig struct {
	BatchSize      int
	Workers        int
	AdapterTimeout time.Duration
	RetryBackoff   time.Duration
	TopN           int
}

type AuthConfig struct {
	Enabled   bool
	MasterKey string
	SkipPaths []string
}

type RateLimitConfig struct {
	Enabled bool
	RPS     float64
	Burst   int
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// GeoConfig configures GeoIP enrichment for sessions missing a country.
type GeoConfig struct {
	Enabled      bool
	DatabasePath string
	CacheSize    int
	CacheTTL     time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("CROSSMETRICS_HTTP_ADDR", ":8080"),
			Env:             getEnv("CROSSMETRICS_ENV", "development"),
			ShutdownTimeout: getDurationEnv("CROSSMETRICS_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		DocStore: DocStoreConfig{
			Host:     getEnv("CROSSMETRICS_DOC_HOST", "localhost"),
			Port:     getIntEnv("CROSSMETRICS_DOC_PORT", 5432),
			User:     getEnv("CROSSMETRICS_DOC_USER", "crossmetrics"),
			Password: getEnv("CROSSMETRICS_DOC_PASSWORD", "crossmetrics_secret"),
			DBName:   getEnv("CROSSMETRICS_DOC_NAME", "commerce"),
			SSLMode:  getEnv("CROSSMETRICS_DOC_SSLMODE", "disable"),
			MaxConns: getIntEnv("CROSSMETRICS_DOC_MAX_CONNS", 25),
			MinConns: getIntEnv("CROSSMETRICS_DOC_MIN_CONNS", 5),
		},
		ColumnStore: ColumnStoreConfig{
			Addr:     getEnv("CROSSMETRICS_COLUMN_ADDR", "localhost:9000"),
			Database: getEnv("CROSSMETRICS_COLUMN_DB", "sessions"),
			User:     getEnv("CROSSMETRICS_COLUMN_USER", "default"),
			Password: getEnv("CROSSMETRICS_COLUMN_PASSWORD", ""),
		},
		MetricStore: MetricStoreConfig{
			Addr:     getEnv("CROSSMETRICS_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("CROSSMETRICS_REDIS_PASSWORD", ""),
			DB:       getIntEnv("CROSSMETRICS_REDIS_DB", 0),
		},
		Pipeline: PipelineConfig{
			BatchSize:      getIntEnv("CROSSMETRICS_BATCH_SIZE", 500),
			Workers:        getIntEnv("CROSSMETRICS_WORKERS", 8),
			AdapterTimeout: getDurationEnv("CROSSMETRICS_ADAPTER_TIMEOUT", 5*time.Second),
			RetryBackoff:   getDurationEnv("CROSSMETRICS_RETRY_BACKOFF", 250*time.Millisecond),
			TopN:           getIntEnv("CROSSMETRICS_REPORT_TOP_N", 10),
		},
		Auth: AuthConfig{
			Enabled:   getBoolEnv("CROSSMETRICS_AUTH_ENABLED", false),
			MasterKey: getEnv("CROSSMETRICS_API_KEY_MASTER", ""),
			SkipPaths: getSliceEnv("CROSSMETRICS_AUTH_SKIP_PATHS", []string{"/health", "/metrics"}),
		},
		RateLimit: RateLimitConfig{
			Enabled: getBoolEnv("CROSSMETRICS_RATE_LIMIT_ENABLED", true),
			RPS:     getFloatEnv("CROSSMETRICS_RATE_LIMIT_RPS", 100),
			Burst:   getIntEnv("CROSSMETRICS_RATE_LIMIT_BURST", 20),
		},
		Log: LogConfig{
			Level:  getEnv("CROSSMETRICS_LOG_LEVEL", "info"),
			Format: getEnv("CROSSMETRICS_LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: getBoolEnv("CROSSMETRICS_METRICS_ENABLED", true),
			Path:    getEnv("CROSSMETRICS_METRICS_PATH", "/metrics"),
		},
		Geo: GeoConfig{
			Enabled:      getBoolEnv("CROSSMETRICS_GEO_ENABLED", false),
			DatabasePath: getEnv("CROSSMETRICS_GEO_DB_PATH", "/app/data/GeoLite2-Country.mmdb"),
			CacheSize:    getIntEnv("CROSSMETRICS_GEO_CACHE_SIZE", 10000),
			CacheTTL:     getDurationEnv("CROSSMETRICS_GEO_CACHE_TTL", 1*time.Hour),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Auth.Enabled && c.Auth.MasterKey == "" {
		return fmt.Errorf("CROSSMETRICS_API_KEY_MASTER is required when auth is enabled")
	}
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("CROSSMETRICS_BATCH_SIZE must be positive")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("CROSSMETRICS_WORKERS must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Helper functions for reading environment variables

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getSliceEnv(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}
