package api

import (
	"errors"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteboost/internal/analysis"
)

var subscribableEvents = []analysis.EventType{
	analysis.EventJobCreated,
	analysis.EventParsingComplete,
	analysis.EventAnalysisComplete,
	analysis.EventRecommendationsComplete,
	analysis.EventAnalysisFailed,
}

const minWebhookSecret = 16

type backoffRequest struct {
	BaseSeconds float64 `json:"baseSeconds"`
	Multiplier  float64 `json:"multiplier"`
	MaxSeconds  float64 `json:"maxSeconds"`
}

type rateLimitRequest struct {
	RPS   float64 `json:"rps"`
	Burst int     `json:"burst"`
}

type createWebhookRequest struct {
	URL        string               `json:"url"`
	Secret     string               `json:"secret"`
	EventTypes []analysis.EventType `json:"eventTypes"`
	MaxRetries int                  `json:"maxRetries"`
	Backoff    *backoffRequest      `json:"backoff"`
	RateLimit  *rateLimitRequest    `json:"rateLimit"`
}

type webhookResponse struct {
	ID                 string               `json:"id"`
	URL                string               `json:"url"`
	EventTypes         []analysis.EventType `json:"eventTypes"`
	Active             bool                 `json:"active"`
	MaxRetries         int                  `json:"maxRetries"`
	BackoffBaseSeconds float64              `json:"backoffBaseSeconds"`
	BackoffMultiplier  float64              `json:"backoffMultiplier"`
	BackoffMaxSeconds  float64              `json:"backoffMaxSeconds"`
	RateLimit          *analysis.RatePolicy `json:"rateLimit,omitempty"`
	CreatedAt          time.Time            `json:"createdAt"`
}

func (s *Server) createWebhook(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	cfg, msg := s.toWebhookConfig(req)
	if msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	id, err := s.ids.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create webhook")
		return
	}
	cfg.ID = id
	cfg.Scope = callerID(r)
	cfg.CreatedAt = s.clock.Now().UTC()
	if err := s.webhooks.CreateWebhookConfig(r.Context(), cfg); err != nil {
		s.logger.Error("create webhook failed", zap.String("caller_id", cfg.Scope), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create webhook")
		return
	}
	writeJSON(w, http.StatusCreated, toWebhookResponse(cfg))
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	configs, err := s.webhooks.ListWebhookConfigs(r.Context(), callerID(r))
	if err != nil {
		s.logger.Error("list webhooks failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list webhooks")
		return
	}
	out := make([]webhookResponse, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, toWebhookResponse(cfg))
	}
	writeJSON(w, http.StatusOK, map[string]any{"webhooks": out})
}

// deleteWebhook deactivates the config; pending deliveries then settle as failed.
func (s *Server) deleteWebhook(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cfg, err := s.webhooks.GetWebhookConfig(r.Context(), id)
	switch {
	case errors.Is(err, analysis.ErrNotFound) || (err == nil && cfg.Scope != callerID(r)):
		writeError(w, http.StatusNotFound, "webhook not found")
		return
	case err != nil:
		s.logger.Error("load webhook failed", zap.String("config_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete webhook")
		return
	}
	if err := s.webhooks.SetWebhookActive(r.Context(), id, false); err != nil {
		s.logger.Error("deactivate webhook failed", zap.String("config_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete webhook")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) toWebhookConfig(req createWebhookRequest) (analysis.WebhookConfig, string) {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return analysis.WebhookConfig{}, "url must be an absolute http(s) URL"
	}
	if len(req.Secret) < minWebhookSecret {
		return analysis.WebhookConfig{}, "secret must be at least 16 characters"
	}
	types := req.EventTypes
	if len(types) == 0 {
		types = slices.Clone(subscribableEvents)
	}
	for _, t := range types {
		if !slices.Contains(subscribableEvents, t) {
			return analysis.WebhookConfig{}, "unknown event type " + string(t)
		}
	}
	if req.MaxRetries < 0 {
		return analysis.WebhookConfig{}, "maxRetries must not be negative"
	}
	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = s.cfg.DefaultMaxRetries
	}
	backoff := s.cfg.DefaultBackoff
	if b := req.Backoff; b != nil {
		if b.BaseSeconds < 0 || b.MaxSeconds < 0 || (b.Multiplier != 0 && b.Multiplier < 1) {
			return analysis.WebhookConfig{}, "backoff must have non-negative durations and a multiplier of at least 1"
		}
		if b.BaseSeconds > 0 {
			backoff.Base = seconds(b.BaseSeconds)
		}
		if b.Multiplier > 0 {
			backoff.Multiplier = b.Multiplier
		}
		if b.MaxSeconds > 0 {
			backoff.Max = seconds(b.MaxSeconds)
		}
	}
	var pacing analysis.RatePolicy
	if rl := req.RateLimit; rl != nil {
		if rl.RPS < 0 || rl.Burst < 0 {
			return analysis.WebhookConfig{}, "rateLimit must have a non-negative rps and burst"
		}
		pacing = analysis.RatePolicy{RPS: rl.RPS, Burst: max(rl.Burst, 1)}
		if pacing.IsZero() {
			pacing = analysis.RatePolicy{}
		}
	}
	return analysis.WebhookConfig{
		URL:        u.String(),
		Secret:     req.Secret,
		EventTypes: types,
		Active:     true,
		MaxRetries: maxRetries,
		Backoff:    backoff,
		RateLimit:  pacing,
	}, ""
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func toWebhookResponse(cfg analysis.WebhookConfig) webhookResponse {
	var pacing *analysis.RatePolicy
	if !cfg.RateLimit.IsZero() {
		pacing = &cfg.RateLimit
	}
	return webhookResponse{
		RateLimit:          pacing,
		ID:                 cfg.ID,
		URL:                cfg.URL,
		EventTypes:         cfg.EventTypes,
		Active:             cfg.Active,
		MaxRetries:         cfg.MaxRetries,
		BackoffBaseSeconds: cfg.Backoff.Base.Seconds(),
		BackoffMultiplier:  cfg.Backoff.Multiplier,
		BackoffMaxSeconds:  cfg.Backoff.Max.Seconds(),
		CreatedAt:          cfg.CreatedAt,
	}
}
