package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Auth:   AuthConfig{Mode: AuthModeNone},
		Pipeline: PipelineConfig{
			Workers:          1,
			MaxTaskAttempts:  3,
			DimensionTimeout: time.Second,
			StageLease:       time.Minute,
			StallAfter:       time.Minute,
			Dimensions:       []string{"seo"},
		},
		RateLimit: RateLimitConfig{Enabled: true, Backend: "memory", Limit: 5, Window: time.Minute},
		Cache:     CacheConfig{Backend: "memory", TTL: time.Hour},
		Queue:     QueueConfig{Backend: "memory", Capacity: 8},
		Storage:   StorageConfig{Backend: "memory"},
		Webhook:   WebhookConfig{Timeout: time.Second, MaxConcurrency: 1, BackoffMultiplier: 2},
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  mode: static
  api_keys: ["alice=key-a", "bob=key-b"]
pipeline:
  workers: 6
  dimension_timeout: 10s
  dimensions: [seo, security]
rate_limit:
  backend: redis
  limit: 3
  window: 30s
cache:
  backend: redis
  ttl: 15m
redis:
  addr: redis:6379
queue:
  backend: postgres
database:
  dsn: postgres://siteboost@db/siteboost
storage:
  backend: gcs
  gcs_bucket: bucket
headless:
  enabled: true
  max_parallel: 2
cors:
  allowed_origins: ["https://app.example.com"]
logging:
  development: false
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	keys, err := cfg.Auth.KeyTable()
	require.NoError(t, err)
	require.Equal(t, map[string]string{"key-a": "alice", "key-b": "bob"}, keys)
	require.Equal(t, 6, cfg.Pipeline.Workers)
	require.Equal(t, 10*time.Second, cfg.Pipeline.DimensionTimeout)
	require.Equal(t, []string{"seo", "security"}, cfg.Pipeline.Dimensions)
	require.Equal(t, 30*time.Second, cfg.RateLimit.Window)
	require.Equal(t, 15*time.Minute, cfg.Cache.TTL)
	require.True(t, cfg.UsesRedis())
	require.True(t, cfg.UsesPostgres())
	require.Equal(t, []string{"https://app.example.com"}, cfg.CORS.AllowedOrigins)
	require.False(t, cfg.Logging.Development)

	// Defaults survive partial files.
	require.Equal(t, 2*time.Minute, cfg.Pipeline.StageLease)
	require.Equal(t, 5, cfg.Webhook.DefaultMaxRetries)
	require.Equal(t, "text/html; charset=utf-8", cfg.Storage.ContentType)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("SITEBOOST_AUTH_MODE", "jwt")
	t.Setenv("SITEBOOST_AUTH_JWT_SECRET", strings.Repeat("k", 32))
	t.Setenv("SITEBOOST_RATE_LIMIT_LIMIT", "42")
	t.Setenv("SITEBOOST_CACHE_TTL", "2h")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, AuthModeJWT, cfg.Auth.Mode)
	require.Equal(t, 42, cfg.RateLimit.Limit)
	require.Equal(t, 2*time.Hour, cfg.Cache.TTL)
}

func TestLoadDotEnvMissingFileIsIgnored(t *testing.T) {
	t.Parallel()

	require.NoError(t, loadDotEnv(filepath.Join(t.TempDir(), ".env")))
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	require.NoError(t, validConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "unknown auth mode", mutate: func(c *Config) { c.Auth.Mode = "oauth" }, want: "auth.mode"},
		{name: "static without keys", mutate: func(c *Config) { c.Auth.Mode = AuthModeStatic }, want: "auth.api_keys"},
		{name: "malformed key", mutate: func(c *Config) {
			c.Auth.Mode = AuthModeStatic
			c.Auth.APIKeys = []string{"no-separator"}
		}, want: "caller=key"},
		{name: "short jwt secret", mutate: func(c *Config) {
			c.Auth.Mode = AuthModeJWT
			c.Auth.JWTSecret = "short"
		}, want: "auth.jwt_secret"},
		{name: "sample ratio", mutate: func(c *Config) { c.Telemetry.SampleRatio = 1.5 }, want: "telemetry.sample_ratio"},
		{name: "no workers", mutate: func(c *Config) { c.Pipeline.Workers = 0 }, want: "pipeline.workers"},
		{name: "lease shorter than dimension timeout", mutate: func(c *Config) { c.Pipeline.StageLease = time.Millisecond }, want: "pipeline.stage_lease"},
		{name: "no dimensions", mutate: func(c *Config) { c.Pipeline.Dimensions = nil }, want: "pipeline.dimensions"},
		{name: "bad limiter backend", mutate: func(c *Config) { c.RateLimit.Backend = "etcd" }, want: "rate_limit.backend"},
		{name: "zero limit", mutate: func(c *Config) { c.RateLimit.Limit = 0 }, want: "rate_limit.limit"},
		{name: "redis without addr", mutate: func(c *Config) { c.Cache.Backend = "redis" }, want: "redis.addr"},
		{name: "postgres queue without dsn", mutate: func(c *Config) { c.Queue.Backend = "postgres" }, want: "database.dsn"},
		{name: "gcs without bucket", mutate: func(c *Config) { c.Storage.Backend = "gcs" }, want: "storage.gcs_bucket"},
		{name: "pubsub without project", mutate: func(c *Config) { c.PubSub.Enabled = true }, want: "pubsub.project_id"},
		{name: "headless missing max parallel", mutate: func(c *Config) { c.Headless.Enabled = true }, want: "headless.max_parallel"},
		{name: "backoff multiplier", mutate: func(c *Config) { c.Webhook.BackoffMultiplier = 0.5 }, want: "webhook.backoff_multiplier"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRateLimitDisabledSkipsLimiterChecks(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.RateLimit = RateLimitConfig{Enabled: false, Backend: "bogus"}
	require.NoError(t, cfg.Validate())
	require.False(t, cfg.UsesRedis())
}
