package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-social-scraper/internal/cache"
	"github.com/JakeFAU/realtime-social-scraper/internal/fingerprint"
	"github.com/JakeFAU/realtime-social-scraper/internal/id/uuid"
	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
)

const maxBodyBytes = 1 << 20

// jobRequest is the wire form of a job descriptor. Freshness is a Go
// duration string such as "60s".
type jobRequest struct {
	Target      string            `json:"target"`
	Parameters  map[string]string `json:"parameters,omitempty"`
	Freshness   string            `json:"freshness"`
	RetryPolicy string            `json:"retry_policy,omitempty"`
	Schema      string            `json:"schema,omitempty"`
	// Refresh bypasses the cache on POST /v1/resolve.
	Refresh bool `json:"refresh,omitempty"`
}

func (req jobRequest) toJob() (scrape.Job, error) {
	if strings.TrimSpace(req.Freshness) == "" {
		return scrape.Job{}, errors.New("freshness is required")
	}
	freshness, err := time.ParseDuration(req.Freshness)
	if err != nil {
		return scrape.Job{}, fmt.Errorf("freshness: %w", err)
	}
	return scrape.Job{
		Target:     req.Target,
		Parameters: req.Parameters,
		Freshness:  freshness,
		PolicyName: req.RetryPolicy,
		SchemaName: req.Schema,
	}, nil
}

type invalidateRequest struct {
	Target     string            `json:"target"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// failureResponse is returned with 502 when a job could not be resolved.
type failureResponse struct {
	Error       string                   `json:"error"`
	JobID       string                   `json:"job_id,omitempty"`
	Fingerprint string                   `json:"fingerprint,omitempty"`
	Attempts    []scrape.AttemptRecord   `json:"attempts,omitempty"`
	Validation  *scrape.ValidationResult `json:"validation,omitempty"`
}

type cacheStatsResponse struct {
	Stats     cache.StatsSnapshot `json:"stats"`
	L1Entries int                 `json:"l1_entries"`
	Warming   *warmingStatus      `json:"warming,omitempty"`
}

type warmingStatus struct {
	LastRun *time.Time       `json:"last_run,omitempty"`
	Report  cache.WarmReport `json:"report"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func (s *Server) resolve(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := req.toJob()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resolve := s.deps.Engine.Resolve
	if req.Refresh {
		resolve = s.deps.Engine.Refresh
	}
	res, err := resolve(r.Context(), job)
	if err != nil {
		s.writeResolveError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := req.toJob()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, fp, err := s.deps.Engine.Prepare(job)
	if err != nil {
		s.writeResolveError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	record, err := s.deps.Jobs.Submit(ctx, job, fp)
	if err != nil {
		s.logger.Error("submit job failed", zap.String("job_id", job.ID), zap.Error(err))
		status := http.StatusServiceUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id":      record.Job.ID,
		"fingerprint": fp,
		"status":      string(record.Status),
	})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if !uuid.Valid(jobID) {
		s.writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	record, err := s.deps.Jobs.Job(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, scrape.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("load job failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": record})
}

func (s *Server) cacheStats(w http.ResponseWriter, _ *http.Request) {
	resp := cacheStatsResponse{
		Stats:     s.deps.Cache.Stats(),
		L1Entries: s.deps.Cache.Len(),
	}
	if s.deps.Warmer != nil {
		report, at := s.deps.Warmer.LastReport()
		status := &warmingStatus{Report: report}
		if !at.IsZero() {
			status.LastRun = &at
		}
		resp.Warming = status
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) resetCacheStats(w http.ResponseWriter, _ *http.Request) {
	s.deps.Cache.ResetStats()
	s.logger.Info("cache statistics reset")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) invalidateFingerprint(w http.ResponseWriter, r *http.Request) {
	fp := strings.ToLower(chi.URLParam(r, "fingerprint"))
	if !fingerprint.Valid(fp) {
		s.writeError(w, http.StatusBadRequest, "invalid fingerprint")
		return
	}
	s.invalidate(w, r, fp)
}

func (s *Server) invalidateTarget(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Target) == "" {
		s.writeError(w, http.StatusBadRequest, "target is required")
		return
	}
	s.invalidate(w, r, fingerprint.Of(req.Target, req.Parameters))
}

func (s *Server) invalidate(w http.ResponseWriter, r *http.Request, fp string) {
	if err := s.deps.Cache.Invalidate(r.Context(), fp); err != nil {
		s.logger.Warn("invalidate failed", zap.String("fingerprint", fp), zap.Error(err))
		if errors.Is(err, scrape.ErrCacheUnavailable) {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("cache entry invalidated", zap.String("fingerprint", fp))
	s.writeJSON(w, http.StatusOK, map[string]any{"fingerprint": fp, "invalidated": true})
}

func (s *Server) warm(w http.ResponseWriter, r *http.Request) {
	if s.deps.Warmer == nil {
		s.writeError(w, http.StatusNotImplemented, "warming is disabled")
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Warmer.RunOnce(r.Context()))
}

// writeResolveError maps engine errors onto HTTP statuses.
func (s *Server) writeResolveError(w http.ResponseWriter, err error) {
	var failure *scrape.ScrapeFailure
	switch {
	case errors.Is(err, scrape.ErrInvalidJob):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, scrape.ErrConfiguration):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &failure):
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		s.writeJSON(w, status, failureResponse{
			Error:       err.Error(),
			JobID:       failure.JobID,
			Fingerprint: failure.Fingerprint,
			Attempts:    failure.Attempts,
			Validation:  failure.Validation,
		})
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.logger.Error("resolve failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}
