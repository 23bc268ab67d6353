package api

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteboost/internal/analysis"
	"github.com/JakeFAU/siteboost/internal/pipeline"
)

type createAnalysisRequest struct {
	URL           string         `json:"url"`
	Settings      map[string]any `json:"settings"`
	CorrelationID string         `json:"correlationId"`
}

type createAnalysisResponse struct {
	TaskID     string `json:"taskId,omitempty"`
	AnalysisID string `json:"analysisId"`
	Status     string `json:"status"`
}

type analysisResponse struct {
	AnalysisID      string                                      `json:"analysisId"`
	URL             string                                      `json:"url"`
	Status          analysis.Status                             `json:"status"`
	CurrentStage    analysis.Stage                              `json:"currentStage,omitempty"`
	Progress        float64                                     `json:"progress"`
	Error           *analysis.ErrorDetails                      `json:"error,omitempty"`
	Metadata        map[string]json.RawMessage                  `json:"metadata,omitempty"`
	Results         map[analysis.Dimension]analysis.StageResult `json:"results"`
	Recommendations []analysis.Recommendation                   `json:"recommendations"`
	CreatedAt       time.Time                                   `json:"createdAt"`
	UpdatedAt       time.Time                                   `json:"updatedAt"`
	CompletedAt     *time.Time                                  `json:"completedAt,omitempty"`
}

func (s *Server) createAnalysis(w http.ResponseWriter, r *http.Request) {
	var req createAnalysisRequest
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	correlation := req.CorrelationID
	if correlation == "" {
		correlation = r.Header.Get("Idempotency-Key")
	}
	caller := callerID(r)
	job, task, err := s.pipeline.Submit(r.Context(), pipeline.CreateRequest{
		URL:           req.URL,
		Settings:      req.Settings,
		OwnerID:       caller,
		CorrelationID: correlation,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, createAnalysisResponse{TaskID: task.ID, AnalysisID: job.ID, Status: "accepted"})
	case errors.Is(err, analysis.ErrDuplicateCorrelation):
		writeJSON(w, http.StatusOK, createAnalysisResponse{AnalysisID: job.ID, Status: "duplicate"})
	case errors.Is(err, analysis.ErrRateLimited):
		if s.cfg.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(s.cfg.RetryAfter.Seconds()))))
		}
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, analysis.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("create analysis failed", zap.String("caller_id", caller), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create analysis")
	}
}

func (s *Server) getAnalysis(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	snap, err := s.pipeline.GetJob(r.Context(), jobID, callerID(r))
	if err != nil {
		s.writeReadError(w, r, jobID, err)
		return
	}
	writeJSON(w, http.StatusOK, toAnalysisResponse(snap))
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "id")
	events, err := s.pipeline.ListEvents(r.Context(), jobID, callerID(r))
	if err != nil {
		s.writeReadError(w, r, jobID, err)
		return
	}
	if events == nil {
		events = []analysis.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"analysisId": jobID, "events": events})
}

// writeReadError hides whether a foreign job exists.
func (s *Server) writeReadError(w http.ResponseWriter, r *http.Request, jobID string, err error) {
	switch {
	case errors.Is(err, analysis.ErrNotFound):
		writeError(w, http.StatusNotFound, "analysis not found")
	case errors.Is(err, analysis.ErrForbidden):
		s.logger.Info("denied read of foreign analysis", zap.String("job_id", jobID), zap.String("caller_id", callerID(r)))
		writeError(w, http.StatusNotFound, "analysis not found")
	default:
		s.logger.Error("read analysis failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load analysis")
	}
}

func toAnalysisResponse(snap analysis.Snapshot) analysisResponse {
	job := snap.Job
	results := make(map[analysis.Dimension]analysis.StageResult, len(snap.Results))
	for _, res := range snap.Results {
		results[res.Dimension] = res
	}
	recs := snap.Recommendations
	if recs == nil {
		recs = []analysis.Recommendation{}
	}
	return analysisResponse{
		AnalysisID:      job.ID,
		URL:             job.URL,
		Status:          job.Status,
		CurrentStage:    job.CurrentStage,
		Progress:        job.Progress,
		Error:           job.ErrorDetails,
		Metadata:        job.Metadata,
		Results:         results,
		Recommendations: recs,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
		CompletedAt:     job.CompletedAt,
	}
}
