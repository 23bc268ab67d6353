package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/siteboost/internal/auth"
	"github.com/JakeFAU/siteboost/internal/config"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:              8080,
			RequestTimeout:    5 * time.Second,
			ReadHeaderTimeout: time.Second,
			ShutdownTimeout:   time.Second,
			MaxBodyBytes:      1 << 20,
		},
		Auth:    config.AuthConfig{Mode: config.AuthModeNone, AnonymousCaller: "anonymous"},
		Logging: config.LoggingConfig{Level: "error"},
		Pipeline: config.PipelineConfig{
			Workers:            1,
			MaxTaskAttempts:    3,
			DimensionTimeout:   time.Second,
			Dimensions:         []string{"seo", "security"},
			StageLease:         time.Minute,
			StallAfter:         time.Minute,
			ReapSchedule:       "@every 1m",
			ReapBatch:          10,
			MaintenanceTimeout: time.Second,
		},
		RateLimit: config.RateLimitConfig{
			Enabled:       true,
			Backend:       "memory",
			Limit:         1,
			Window:        time.Minute,
			PruneSchedule: "@every 5m",
		},
		Cache:   config.CacheConfig{Backend: "memory", TTL: time.Hour},
		Queue:   config.QueueConfig{Backend: "memory", Capacity: 8},
		Storage: config.StorageConfig{Backend: "memory", Prefix: "content"},
		Fetcher: config.FetcherConfig{UserAgent: "siteboost-test", Timeout: time.Second},
		Webhook: config.WebhookConfig{
			Timeout:           time.Second,
			MaxConcurrency:    1,
			SweepSchedule:     "@every 10s",
			BackoffMultiplier: 2,
		},
		Events: config.EventsConfig{LogSink: true},
	}
}

func TestBuildInMemory(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig()
	require.NoError(t, cfg.Validate())

	app, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

	require.NotNil(t, app.limiter)
	require.Nil(t, app.pool)
	require.Nil(t, app.redis)
	require.Nil(t, app.headless)
	require.NotNil(t, app.eventHub)
	require.Equal(t, 1, app.dispatch.Size())

	h := app.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/analysis",
		strings.NewReader(`{"url":"https://example.com"}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted struct {
		AnalysisID string `json:"analysisId"`
		Status     string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	require.Equal(t, "accepted", accepted.Status)
	require.NotEmpty(t, accepted.AnalysisID)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/analysis",
		strings.NewReader(`{"url":"https://example.org"}`)))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "60", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/analysis/"+accepted.AnalysisID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var snapshot struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	require.Equal(t, "PENDING", snapshot.Status)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildRejectsUnknownDimension(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig()
	cfg.Pipeline.Dimensions = []string{"seo", "vibes"}
	_, err := Build(context.Background(), cfg)
	require.ErrorContains(t, err, "select analyzers")
}

func TestSetupAuthModes(t *testing.T) {
	t.Parallel()

	authn, err := setupAuth(config.AuthConfig{Mode: config.AuthModeNone, AnonymousCaller: "guest"})
	require.NoError(t, err)
	caller, err := authn.Authenticate(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "guest", caller)

	authn, err = setupAuth(config.AuthConfig{Mode: config.AuthModeStatic, APIKeys: []string{"alice=secret-key"}})
	require.NoError(t, err)
	caller, err = authn.Authenticate(context.Background(), "secret-key")
	require.NoError(t, err)
	require.Equal(t, "alice", caller)

	secret := strings.Repeat("s", auth.MinSecretLen)
	authn, err = setupAuth(config.AuthConfig{Mode: config.AuthModeJWT, JWTSecret: secret, JWTIssuer: "siteboost"})
	require.NoError(t, err)
	token, err := auth.IssueToken([]byte(secret), "siteboost", "carol", time.Hour, time.Now())
	require.NoError(t, err)
	caller, err = authn.Authenticate(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, "carol", caller)

	_, err = setupAuth(config.AuthConfig{Mode: config.AuthModeStatic, APIKeys: []string{"broken"}})
	require.Error(t, err)
}

func TestSetupAnalyzersSelectsConfiguredDimensions(t *testing.T) {
	t.Parallel()

	registry, err := setupAnalyzers([]string{"performance", "seo"})
	require.NoError(t, err)
	require.Len(t, registry.All(), 2)
}
