package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App          AppConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	MappingCache MappingCacheConfig
	MappingStore MappingStoreConfig
	Log          LogConfig
	HTTP         HTTPConfig
	Telemetry    TelemetryConfig
	Metrics      MetricsConfig
	Export       ExportConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
	// Sampling thins out repeated debug and info entries, e.g. per-lookup cache misses
	Sampling bool
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// IsProduction reports whether the app runs with production safeguards
func (a *AppConfig) IsProduction() bool {
	return a.Env == "production"
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
	LogLevel        string
	SlowThreshold   time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host            string
	Port            int
	Password        string
	DB              int
	MaxRetries      int
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	PoolSize        int
}

// Addr returns host:port
func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// MappingCacheConfig controls the external ID mapping cache
type MappingCacheConfig struct {
	Enabled             bool
	KeyPrefix           string
	DefaultTTL          time.Duration
	TombstoneTTL        time.Duration
	MaxMemory           string // applied with CONFIG SET maxmemory, empty to leave the server alone
	Compression         bool
	CompressionMinBytes int
	BatchSize           int
	OperationTimeout    time.Duration
	PopulateWorkers     int
	PopulateQueue       int
	PopulateMaxAge      time.Duration // must be shorter than TombstoneTTL
}

// maxStorePageSize is the largest page the mapping repositories return
const maxStorePageSize = 1000

// MappingStoreConfig controls calls to the durable mapping store
type MappingStoreConfig struct {
	OperationTimeout time.Duration
	DefaultPageSize  int
	MaxPageSize      int
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int
	MaxBodySize    int64
	RetryAfter     time.Duration
	// Batch and maintenance routes are limited per integration
	RateLimitEnabled bool
	RateLimit        int
	RateLimitWindow  time.Duration
	CORSAllowOrigins []string
	CORSAllowMethods []string
	CORSAllowHeaders []string
	TrustedProxies   []string
}

// TelemetryConfig holds OpenTelemetry tracing configuration
type TelemetryConfig struct {
	Enabled           bool    // Whether to enable OpenTelemetry
	CollectorEndpoint string  // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64 // Sampling ratio (0.0-1.0, 1.0 = 100%)
	ServiceName       string  // Service name for traces
	Insecure          bool    // Use insecure (non-TLS) connection (development only)
	// Database tracing options
	DBTraceEnabled    bool          // Enable database query tracing (otelgorm)
	DBLogFullSQL      bool          // Log full SQL statements (dev only, disable in prod for security)
	DBSlowQueryThresh time.Duration // Slow query threshold for warnings (default: 200ms)
}

// MetricsConfig holds Prometheus exposition settings
type MetricsConfig struct {
	Enabled   bool
	Path      string
	Namespace string
}

// ExportConfig holds the object storage target for mapping archives
type ExportConfig struct {
	Enabled         bool
	Bucket          string
	Region          string
	Endpoint        string // custom endpoint for S3-compatible stores (MinIO)
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
	UsePathStyle    bool
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with ROSTERSYNC_ prefix (e.g., ROSTERSYNC_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("ROSTERSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Booleans whose default is true must be distinguishable from "unset"
	v.SetDefault("mapping_cache.enabled", true)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("http.rate_limit_enabled", true)

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
			LogLevel:        v.GetString("database.log_level"),
			SlowThreshold:   v.GetDuration("database.slow_threshold"),
		},
		Redis: RedisConfig{
			Host:            v.GetString("redis.host"),
			Port:            v.GetInt("redis.port"),
			Password:        v.GetString("redis.password"),
			DB:              v.GetInt("redis.db"),
			MaxRetries:      v.GetInt("redis.max_retries"),
			MinRetryBackoff: v.GetDuration("redis.min_retry_backoff"),
			MaxRetryBackoff: v.GetDuration("redis.max_retry_backoff"),
			PoolSize:        v.GetInt("redis.pool_size"),
		},
		MappingCache: MappingCacheConfig{
			Enabled:             v.GetBool("mapping_cache.enabled"),
			KeyPrefix:           v.GetString("mapping_cache.key_prefix"),
			DefaultTTL:          v.GetDuration("mapping_cache.default_ttl"),
			TombstoneTTL:        v.GetDuration("mapping_cache.tombstone_ttl"),
			MaxMemory:           v.GetString("mapping_cache.max_memory"),
			Compression:         v.GetBool("mapping_cache.compression"),
			CompressionMinBytes: v.GetInt("mapping_cache.compression_min_bytes"),
			BatchSize:           v.GetInt("mapping_cache.batch_size"),
			OperationTimeout:    v.GetDuration("mapping_cache.operation_timeout"),
			PopulateWorkers:     v.GetInt("mapping_cache.populate_workers"),
			PopulateQueue:       v.GetInt("mapping_cache.populate_queue"),
			PopulateMaxAge:      v.GetDuration("mapping_cache.populate_max_age"),
		},
		MappingStore: MappingStoreConfig{
			OperationTimeout: v.GetDuration("mapping_store.operation_timeout"),
			DefaultPageSize:  v.GetInt("mapping_store.default_page_size"),
			MaxPageSize:      v.GetInt("mapping_store.max_page_size"),
		},
		Log: LogConfig{
			Level:    v.GetString("log.level"),
			Format:   v.GetString("log.format"),
			Output:   v.GetString("log.output"),
			Sampling: v.GetBool("log.sampling"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			IdleTimeout:      v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes:   v.GetInt("http.max_header_bytes"),
			MaxBodySize:      v.GetInt64("http.max_body_size"),
			RetryAfter:       v.GetDuration("http.retry_after"),
			RateLimitEnabled: v.GetBool("http.rate_limit_enabled"),
			RateLimit:        v.GetInt("http.rate_limit"),
			RateLimitWindow:  v.GetDuration("http.rate_limit_window"),
			CORSAllowOrigins: v.GetStringSlice("http.cors_allow_origins"),
			CORSAllowMethods: v.GetStringSlice("http.cors_allow_methods"),
			CORSAllowHeaders: v.GetStringSlice("http.cors_allow_headers"),
			TrustedProxies:   v.GetStringSlice("http.trusted_proxies"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			DBLogFullSQL:      v.GetBool("telemetry.db_log_full_sql"),
			DBSlowQueryThresh: v.GetDuration("telemetry.db_slow_query_threshold"),
		},
		Metrics: MetricsConfig{
			Enabled:   v.GetBool("metrics.enabled"),
			Path:      v.GetString("metrics.path"),
			Namespace: v.GetString("metrics.namespace"),
		},
		Export: ExportConfig{
			Enabled:         v.GetBool("export.enabled"),
			Bucket:          v.GetString("export.bucket"),
			Region:          v.GetString("export.region"),
			Endpoint:        v.GetString("export.endpoint"),
			AccessKeyID:     v.GetString("export.access_key_id"),
			SecretAccessKey: v.GetString("export.secret_access_key"),
			Prefix:          v.GetString("export.prefix"),
			UsePathStyle:    v.GetBool("export.use_path_style"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "rostersync"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "rostersync"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Database.LogLevel == "" {
		cfg.Database.LogLevel = "warn"
	}
	if cfg.Database.SlowThreshold == 0 {
		cfg.Database.SlowThreshold = 200 * time.Millisecond
	}

	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.Redis.MaxRetries == 0 {
		cfg.Redis.MaxRetries = 3
	}
	if cfg.Redis.MinRetryBackoff == 0 {
		cfg.Redis.MinRetryBackoff = 8 * time.Millisecond
	}
	if cfg.Redis.MaxRetryBackoff == 0 {
		cfg.Redis.MaxRetryBackoff = 512 * time.Millisecond
	}
	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 20
	}

	if cfg.MappingCache.KeyPrefix == "" {
		cfg.MappingCache.KeyPrefix = "integration_mappings"
	}
	if cfg.MappingCache.DefaultTTL == 0 {
		cfg.MappingCache.DefaultTTL = time.Hour
	}
	if cfg.MappingCache.TombstoneTTL == 0 {
		cfg.MappingCache.TombstoneTTL = 30 * time.Second
	}
	if cfg.MappingCache.MaxMemory == "" {
		cfg.MappingCache.MaxMemory = "256mb"
	}
	if cfg.MappingCache.CompressionMinBytes == 0 {
		cfg.MappingCache.CompressionMinBytes = 256
	}
	if cfg.MappingCache.BatchSize == 0 {
		cfg.MappingCache.BatchSize = 100
	}
	if cfg.MappingCache.OperationTimeout == 0 {
		cfg.MappingCache.OperationTimeout = 250 * time.Millisecond
	}
	if cfg.MappingCache.PopulateWorkers == 0 {
		cfg.MappingCache.PopulateWorkers = 4
	}
	if cfg.MappingCache.PopulateQueue == 0 {
		cfg.MappingCache.PopulateQueue = 1024
	}
	if cfg.MappingCache.PopulateMaxAge == 0 {
		cfg.MappingCache.PopulateMaxAge = 10 * time.Second
	}

	if cfg.MappingStore.OperationTimeout == 0 {
		cfg.MappingStore.OperationTimeout = 5 * time.Second
	}
	if cfg.MappingStore.DefaultPageSize == 0 {
		cfg.MappingStore.DefaultPageSize = 50
	}
	if cfg.MappingStore.MaxPageSize == 0 {
		cfg.MappingStore.MaxPageSize = 1000
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}

	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 10 << 20 // 10MB
	}
	if cfg.HTTP.RetryAfter == 0 {
		cfg.HTTP.RetryAfter = 5 * time.Second
	}
	if cfg.HTTP.RateLimit == 0 {
		cfg.HTTP.RateLimit = 60
	}
	if cfg.HTTP.RateLimitWindow == 0 {
		cfg.HTTP.RateLimitWindow = time.Minute
	}
	// An empty origin list means no cross-origin requests are allowed until configured.
	if len(cfg.HTTP.CORSAllowMethods) == 0 {
		cfg.HTTP.CORSAllowMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"}
	}
	if len(cfg.HTTP.CORSAllowHeaders) == 0 {
		cfg.HTTP.CORSAllowHeaders = []string{"Content-Type", "Authorization", "X-Request-ID"}
	}

	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "rostersync"
	}
	if cfg.Telemetry.DBSlowQueryThresh == 0 {
		cfg.Telemetry.DBSlowQueryThresh = 200 * time.Millisecond
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "rostersync"
	}

	if cfg.Export.Region == "" {
		cfg.Export.Region = "us-east-1"
	}
	if cfg.Export.Prefix == "" {
		cfg.Export.Prefix = "mapping-exports"
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.MappingCache.BatchSize <= 0 {
		return fmt.Errorf("mapping_cache.batch_size must be positive")
	}
	if c.MappingCache.DefaultTTL < time.Second {
		return fmt.Errorf("mapping_cache.default_ttl must be at least 1s, got %s", c.MappingCache.DefaultTTL)
	}
	if c.MappingCache.PopulateWorkers < 0 || c.MappingCache.PopulateQueue < 0 {
		return fmt.Errorf("mapping_cache.populate_workers and populate_queue cannot be negative")
	}
	if c.MappingCache.PopulateMaxAge >= c.MappingCache.TombstoneTTL {
		return fmt.Errorf("mapping_cache.populate_max_age (%s) must be shorter than mapping_cache.tombstone_ttl (%s)",
			c.MappingCache.PopulateMaxAge, c.MappingCache.TombstoneTTL)
	}
	if strings.ContainsAny(c.MappingCache.KeyPrefix, "*?[]") {
		return fmt.Errorf("mapping_cache.key_prefix must not contain glob characters")
	}
	if c.MappingStore.MaxPageSize > maxStorePageSize {
		return fmt.Errorf("mapping_store.max_page_size cannot exceed %d, got %d", maxStorePageSize, c.MappingStore.MaxPageSize)
	}
	if c.MappingStore.DefaultPageSize > c.MappingStore.MaxPageSize {
		return fmt.Errorf("mapping_store.default_page_size (%d) cannot exceed mapping_store.max_page_size (%d)",
			c.MappingStore.DefaultPageSize, c.MappingStore.MaxPageSize)
	}

	if c.HTTP.RateLimit < 0 || c.HTTP.RateLimitWindow < 0 {
		return fmt.Errorf("http.rate_limit and http.rate_limit_window cannot be negative")
	}

	if c.App.IsProduction() {
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		for _, origin := range c.HTTP.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("cors_allow_origins cannot be '*' in production (use specific origins)")
			}
		}
		// Outside production an empty bucket falls back to an in-process archive
		if c.Export.Enabled && c.Export.Bucket == "" {
			return fmt.Errorf("export.bucket is required when export is enabled in production")
		}
		if c.Telemetry.DBLogFullSQL {
			return fmt.Errorf("telemetry.db_log_full_sql must be false in production to prevent sensitive data exposure in traces")
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	return nil
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
