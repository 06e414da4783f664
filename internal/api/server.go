package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-social-scraper/internal/cache"
	"github.com/JakeFAU/realtime-social-scraper/internal/config"
	"github.com/JakeFAU/realtime-social-scraper/internal/metrics"
	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
)

// Engine resolves jobs. *orchestrator.Orchestrator satisfies it.
type Engine interface {
	Prepare(job scrape.Job) (scrape.Job, string, error)
	Resolve(ctx context.Context, job scrape.Job) (scrape.Resolution, error)
	Refresh(ctx context.Context, job scrape.Job) (scrape.Resolution, error)
}

// Jobs accepts asynchronous submissions. *dispatcher.Dispatcher satisfies it.
type Jobs interface {
	Submit(ctx context.Context, job scrape.Job, fingerprint string) (scrape.JobRecord, error)
	Job(ctx context.Context, jobID string) (scrape.JobRecord, error)
}

// CacheAdmin exposes administrative cache operations. *cache.Cache
// satisfies it.
type CacheAdmin interface {
	Stats() cache.StatsSnapshot
	ResetStats()
	Invalidate(ctx context.Context, fingerprint string) error
	Len() int
}

// Warmer runs and reports warming passes. *warming.Warmer satisfies it.
type Warmer interface {
	RunOnce(ctx context.Context) cache.WarmReport
	LastReport() (cache.WarmReport, time.Time)
}

// Deps groups the collaborators the handlers call. Warmer and Ready are
// optional.
type Deps struct {
	Engine Engine
	Jobs   Jobs
	Cache  CacheAdmin
	Warmer Warmer
	// Ready reports whether downstream dependencies are reachable.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the engine, job dispatcher, and cache.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("api"),
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Use(timeoutMiddleware(timeout))
		r.Post("/resolve", s.resolve)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Get("/{job_id}", s.getJob)
		})
		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", s.cacheStats)
			r.Post("/stats/reset", s.resetCacheStats)
			r.Post("/invalidate", s.invalidateTarget)
			r.Post("/warm", s.warm)
			r.Delete("/{fingerprint}", s.invalidateFingerprint)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "not ready: "+err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
