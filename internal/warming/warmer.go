// Package warming refreshes hot cache entries shortly before they expire.
package warming

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-social-scraper/internal/cache"
	"github.com/JakeFAU/realtime-social-scraper/internal/metrics"
	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
)

// RevalidatedBy is recorded on refreshes started by the warmer.
const RevalidatedBy = "warming"

// Config controls the warming schedule.
type Config struct {
	// Schedule is a cron spec ("@every 30s", "*/1 * * * *").
	Schedule string
	// LeadTime selects hot entries expiring within this window.
	LeadTime time.Duration
	// RunTimeout bounds one warming pass. Zero means no bound.
	RunTimeout time.Duration
	// SweepSchedule, when set with a Sweeper, purges expired L2 rows.
	SweepSchedule string
}

// Refresher re-resolves a job without consulting the cache.
type Refresher interface {
	RefreshBy(ctx context.Context, job scrape.Job, by string) (scrape.Resolution, error)
}

// Sweeper deletes expired rows from an L2 backend that lacks native TTL.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int64, error)
}

// Warmer runs warming passes on a cron schedule. Passes never overlap.
type Warmer struct {
	cfg       Config
	cache     *cache.Cache
	refresher Refresher
	sweeper   Sweeper
	clock     scrape.Clock
	logger    *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	last    cache.WarmReport
	lastRun time.Time
}

// New builds a Warmer. The sweeper may be nil.
func New(cfg Config, c *cache.Cache, r Refresher, sweeper Sweeper, clock scrape.Clock, logger *zap.Logger) (*Warmer, error) {
	if c == nil || r == nil {
		return nil, errors.New("warming: cache and refresher are required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 30s"
	}
	if cfg.LeadTime <= 0 {
		cfg.LeadTime = 30 * time.Second
	}
	if clock == nil {
		clock = utcClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Warmer{
		cfg:       cfg,
		cache:     c,
		refresher: r,
		sweeper:   sweeper,
		clock:     clock,
		logger:    logger.Named("warming"),
	}, nil
}

// RunOnce performs one warming pass.
func (w *Warmer) RunOnce(ctx context.Context) cache.WarmReport {
	if w.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.RunTimeout)
		defer cancel()
	}
	now := w.clock.Now()
	candidates := w.cache.HotExpiring(now, w.cfg.LeadTime)
	report := w.cache.Warm(ctx, candidates, func(ctx context.Context, job scrape.Job) error {
		// A warming refresh is a new job run.
		job.ID = ""
		job.CreatedAt = time.Time{}
		_, err := w.refresher.RefreshBy(ctx, job, RevalidatedBy)
		return err
	})
	metrics.ObserveWarmRefresh("refreshed", len(report.Refreshed))
	metrics.ObserveWarmRefresh("failed", len(report.Failed))
	metrics.ObserveWarmRefresh("skipped", len(report.Skipped))
	if report.Requested > 0 {
		w.logger.Info("warming pass finished",
			zap.Int("candidates", report.Requested),
			zap.Int("refreshed", len(report.Refreshed)),
			zap.Int("failed", len(report.Failed)),
			zap.Int("skipped", len(report.Skipped)),
		)
	}
	w.mu.Lock()
	w.last = report
	w.lastRun = now
	w.mu.Unlock()
	return report
}

// LastReport returns the most recent pass result and when it started.
func (w *Warmer) LastReport() (cache.WarmReport, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last, w.lastRun
}

// Sweep runs the configured sweeper once.
func (w *Warmer) Sweep(ctx context.Context) (int64, error) {
	if w.sweeper == nil {
		return 0, nil
	}
	n, err := w.sweeper.Sweep(ctx, w.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("sweep expired entries: %w", err)
	}
	if n > 0 {
		w.logger.Info("swept expired l2 entries", zap.Int64("deleted", n))
	}
	return n, nil
}

// Start schedules warming (and sweeping, when configured) in the background.
func (w *Warmer) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cron != nil {
		return errors.New("warming: already started")
	}
	logger := cronLogger{logger: w.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(w.cfg.Schedule, func() { w.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule warming %q: %w", w.cfg.Schedule, err)
	}
	if w.sweeper != nil && w.cfg.SweepSchedule != "" {
		if _, err := c.AddFunc(w.cfg.SweepSchedule, func() {
			if _, err := w.Sweep(ctx); err != nil {
				w.logger.Warn("sweep failed", zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("schedule sweep %q: %w", w.cfg.SweepSchedule, err)
		}
	}
	c.Start()
	w.cron = c
	w.logger.Info("warming scheduled", zap.String("schedule", w.cfg.Schedule), zap.Duration("lead_time", w.cfg.LeadTime))
	return nil
}

// Stop halts the schedule and waits for a running pass to finish or ctx to
// expire.
func (w *Warmer) Stop(ctx context.Context) error {
	w.mu.Lock()
	c := w.cron
	w.cron = nil
	w.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("warming stop: %w", ctx.Err())
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
