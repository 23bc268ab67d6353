// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Events    EventsConfig    `mapstructure:"events"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
}

// Auth modes.
const (
	AuthModeNone   = "none"
	AuthModeStatic = "static"
	AuthModeJWT    = "jwt"
)

// AuthConfig selects how callers are identified.
type AuthConfig struct {
	Mode        string        `mapstructure:"mode"`
	JWTSecret   string        `mapstructure:"jwt_secret"`
	JWTIssuer   string        `mapstructure:"jwt_issuer"`
	JWTAudience string        `mapstructure:"jwt_audience"`
	JWTLeeway   time.Duration `mapstructure:"jwt_leeway"`
	// APIKeys lists "caller=key" pairs.
	APIKeys         []string `mapstructure:"api_keys"`
	AnonymousCaller string   `mapstructure:"anonymous_caller"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// PipelineConfig governs stage workers and the coordinator.
type PipelineConfig struct {
	Workers               int           `mapstructure:"workers"`
	MaxTaskAttempts       int           `mapstructure:"max_task_attempts"`
	RetryDelay            time.Duration `mapstructure:"retry_delay"`
	DimensionTimeout      time.Duration `mapstructure:"dimension_timeout"`
	MaxParallelDimensions int           `mapstructure:"max_parallel_dimensions"`
	Dimensions            []string      `mapstructure:"dimensions"`
	StageLease            time.Duration `mapstructure:"stage_lease"`
	StallAfter            time.Duration `mapstructure:"stall_after"`
	ReapSchedule          string        `mapstructure:"reap_schedule"`
	ReapBatch             int           `mapstructure:"reap_batch"`
	MaintenanceTimeout    time.Duration `mapstructure:"maintenance_timeout"`
	BlockedDomains        []string      `mapstructure:"blocked_domains"`
}

// RateLimitConfig configures admission control for job creation.
type RateLimitConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Backend       string        `mapstructure:"backend"`
	Limit         int           `mapstructure:"limit"`
	Window        time.Duration `mapstructure:"window"`
	FailOpen      bool          `mapstructure:"fail_open"`
	PruneSchedule string        `mapstructure:"prune_schedule"`
}

// CacheConfig configures the snapshot cache.
type CacheConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
}

// RedisConfig is shared by the Redis limiter store and cache backend.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// QueueConfig selects the stage task queue.
type QueueConfig struct {
	Backend           string        `mapstructure:"backend"`
	Capacity          int           `mapstructure:"capacity"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
}

// StorageConfig selects where fetched content is kept.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	LocalDir    string `mapstructure:"local_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PubSubConfig holds metadata for publishing events to Pub/Sub.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// FetcherConfig configures the plain HTTP fetch.
type FetcherConfig struct {
	UserAgent     string        `mapstructure:"user_agent"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	MaxBodyBytes  int           `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	MaxParallel        int           `mapstructure:"max_parallel"`
	NavTimeout         time.Duration `mapstructure:"nav_timeout"`
	SettleDelay        time.Duration `mapstructure:"settle_delay"`
	PromotionThreshold int           `mapstructure:"promotion_threshold"`
}

// WebhookConfig configures outbound webhook delivery.
type WebhookConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	AttemptLease      time.Duration `mapstructure:"attempt_lease"`
	MaxConcurrency    int           `mapstructure:"max_concurrency"`
	SweepBatch        int           `mapstructure:"sweep_batch"`
	SweepSchedule     string        `mapstructure:"sweep_schedule"`
	NotifyGrace       time.Duration `mapstructure:"notify_grace"`
	DefaultMaxRetries int           `mapstructure:"default_max_retries"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	HostRPS           float64       `mapstructure:"host_rps"`
	HostBurst         int           `mapstructure:"host_burst"`
	HostIdleTTL       time.Duration `mapstructure:"host_idle_ttl"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// EventsConfig configures the observational event hub and its sinks.
type EventsConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	SinkTimeout   time.Duration `mapstructure:"sink_timeout"`
	LogSink       bool          `mapstructure:"log_sink"`
	MetricsSink   bool          `mapstructure:"metrics_sink"`
}

// CORSConfig lists browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MaxAge         int      `mapstructure:"max_age"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Version     string  `mapstructure:"version"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from an optional .env file, disk and environment.
func Load(path string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("SITEBOOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// loadDotEnv exports variables from path without overriding the environment.
func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("auth.mode", AuthModeStatic)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_issuer", "siteboost")
	v.SetDefault("auth.jwt_audience", "")
	v.SetDefault("auth.api_keys", []string{})
	v.SetDefault("auth.jwt_leeway", 30*time.Second)
	v.SetDefault("auth.anonymous_caller", "anonymous")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.max_task_attempts", 5)
	v.SetDefault("pipeline.retry_delay", 2*time.Second)
	v.SetDefault("pipeline.dimension_timeout", 30*time.Second)
	v.SetDefault("pipeline.max_parallel_dimensions", 0)
	v.SetDefault("pipeline.dimensions", []string{"seo", "performance", "security", "accessibility"})
	v.SetDefault("pipeline.stage_lease", 2*time.Minute)
	v.SetDefault("pipeline.stall_after", 5*time.Minute)
	v.SetDefault("pipeline.reap_schedule", "@every 1m")
	v.SetDefault("pipeline.reap_batch", 100)
	v.SetDefault("pipeline.maintenance_timeout", 50*time.Second)
	v.SetDefault("pipeline.blocked_domains", []string{"localhost", "*.localhost", "metadata.google.internal"})
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.backend", "memory")
	v.SetDefault("rate_limit.limit", 10)
	v.SetDefault("rate_limit.window", time.Minute)
	v.SetDefault("rate_limit.fail_open", false)
	v.SetDefault("rate_limit.prune_schedule", "@every 5m")
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "siteboost")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.migrate", true)
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.capacity", 256)
	v.SetDefault("queue.poll_interval", 500*time.Millisecond)
	v.SetDefault("queue.visibility_timeout", 5*time.Minute)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local_dir", "data/content")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "content")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "siteboost-events")
	v.SetDefault("fetcher.user_agent", "siteboost-bot/0.1")
	v.SetDefault("fetcher.timeout", 15*time.Second)
	v.SetDefault("fetcher.respect_robots", false)
	v.SetDefault("fetcher.max_body_bytes", 10<<20)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout", 25*time.Second)
	v.SetDefault("headless.settle_delay", 500*time.Millisecond)
	v.SetDefault("headless.promotion_threshold", 2048)
	v.SetDefault("webhook.timeout", 10*time.Second)
	v.SetDefault("webhook.attempt_lease", 15*time.Second)
	v.SetDefault("webhook.max_concurrency", 16)
	v.SetDefault("webhook.sweep_batch", 100)
	v.SetDefault("webhook.sweep_schedule", "@every 10s")
	v.SetDefault("webhook.notify_grace", 30*time.Second)
	v.SetDefault("webhook.default_max_retries", 5)
	v.SetDefault("webhook.backoff_base", 10*time.Second)
	v.SetDefault("webhook.backoff_multiplier", 2.0)
	v.SetDefault("webhook.backoff_max", time.Hour)
	v.SetDefault("webhook.host_rps", 5.0)
	v.SetDefault("webhook.host_burst", 5)
	v.SetDefault("webhook.host_idle_ttl", 10*time.Minute)
	v.SetDefault("webhook.user_agent", "siteboost-webhooks/0.1")
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.batch_size", 64)
	v.SetDefault("events.flush_interval", time.Second)
	v.SetDefault("events.sink_timeout", 5*time.Second)
	v.SetDefault("events.log_sink", true)
	v.SetDefault("events.metrics_sink", true)
	v.SetDefault("cors.allowed_origins", []string{})
	v.SetDefault("cors.max_age", 300)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "siteboost")
	v.SetDefault("telemetry.version", "dev")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

func oneOf(field, value string, allowed ...string) error {
	if !slices.Contains(allowed, value) {
		return fmt.Errorf("%s must be one of %s, got %q", field, strings.Join(allowed, ", "), value)
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if err := c.validateAuth(); err != nil {
		return err
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be > 0")
	}
	if c.Pipeline.MaxTaskAttempts <= 0 {
		return fmt.Errorf("pipeline.max_task_attempts must be > 0")
	}
	if c.Pipeline.DimensionTimeout <= 0 || c.Pipeline.StageLease <= 0 || c.Pipeline.StallAfter <= 0 {
		return fmt.Errorf("pipeline durations must be > 0")
	}
	if c.Pipeline.StageLease <= c.Pipeline.DimensionTimeout {
		return fmt.Errorf("pipeline.stage_lease must exceed pipeline.dimension_timeout")
	}
	if len(c.Pipeline.Dimensions) == 0 {
		return fmt.Errorf("pipeline.dimensions must list at least one dimension")
	}
	if c.RateLimit.Enabled {
		if err := oneOf("rate_limit.backend", c.RateLimit.Backend, "memory", "redis"); err != nil {
			return err
		}
		if c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate_limit.limit and rate_limit.window must be > 0")
		}
	}
	if err := oneOf("cache.backend", c.Cache.Backend, "memory", "redis", "none"); err != nil {
		return err
	}
	if c.Cache.Backend != "none" && c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be > 0")
	}
	if c.UsesRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when a redis backend is selected")
	}
	if err := oneOf("queue.backend", c.Queue.Backend, "memory", "postgres"); err != nil {
		return err
	}
	if c.Queue.Backend == "memory" && c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be > 0")
	}
	if c.Queue.Backend == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for the postgres queue")
	}
	if err := oneOf("storage.backend", c.Storage.Backend, "memory", "local", "gcs"); err != nil {
		return err
	}
	if c.Storage.Backend == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required when pubsub is enabled")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Webhook.Timeout <= 0 || c.Webhook.MaxConcurrency <= 0 {
		return fmt.Errorf("webhook.timeout and webhook.max_concurrency must be > 0")
	}
	if c.Webhook.BackoffMultiplier < 1 {
		return fmt.Errorf("webhook.backoff_multiplier must be >= 1")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

func (c Config) validateAuth() error {
	switch c.Auth.Mode {
	case AuthModeNone:
		return nil
	case AuthModeStatic:
		if len(c.Auth.APIKeys) == 0 {
			return fmt.Errorf("auth.api_keys must be set in static mode")
		}
		_, err := c.Auth.KeyTable()
		return err
	case AuthModeJWT:
		if len(c.Auth.JWTSecret) < 32 {
			return fmt.Errorf("auth.jwt_secret must be at least 32 bytes in jwt mode")
		}
		return nil
	default:
		return oneOf("auth.mode", c.Auth.Mode, AuthModeNone, AuthModeStatic, AuthModeJWT)
	}
}

// KeyTable parses APIKeys into a key to caller map.
func (a AuthConfig) KeyTable() (map[string]string, error) {
	table := make(map[string]string, len(a.APIKeys))
	for _, entry := range a.APIKeys {
		caller, key, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || caller == "" || key == "" {
			return nil, fmt.Errorf("auth.api_keys entries must look like caller=key")
		}
		if _, dup := table[key]; dup {
			return nil, fmt.Errorf("auth.api_keys contains a duplicate key for %q", caller)
		}
		table[key] = caller
	}
	return table, nil
}

// UsesPostgres reports whether any component needs the database.
func (c Config) UsesPostgres() bool {
	return c.Database.DSN != "" || c.Queue.Backend == "postgres"
}

// UsesRedis reports whether a Redis client must be created.
func (c Config) UsesRedis() bool {
	return (c.RateLimit.Enabled && c.RateLimit.Backend == "redis") || c.Cache.Backend == "redis"
}
