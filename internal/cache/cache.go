package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
)

// ErrRejectedEntry is returned when Put is handed rejected-quality data.
var ErrRejectedEntry = errors.New("cache: rejected entries are not stored")

// Config tunes the cache.
type Config struct {
	// L1Capacity bounds the number of in-process entries.
	L1Capacity int
	// DefaultTTL caps every entry's lifetime.
	DefaultTTL time.Duration
	// DegradedTTLFraction scales the TTL of degraded entries.
	DegradedTTLFraction float64
	// ShortLivedTTL caps the L1 lifetime of entries L2 did not accept.
	ShortLivedTTL time.Duration
	// L2WriteAttempts bounds retries of an L2 write.
	L2WriteAttempts int
	// L2RetryDelay is the pause between L2 write attempts.
	L2RetryDelay time.Duration
	// HotWindow is the trailing window for access counting.
	HotWindow time.Duration
	// HotThreshold is the access count at which a fingerprint is hot.
	HotThreshold int
	// HotCapacity bounds the number of fingerprints tracked for hotness
	// (default L1Capacity).
	HotCapacity int
	// WarmConcurrency bounds parallel refreshes in Warm.
	WarmConcurrency int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		L1Capacity:          10_000,
		DefaultTTL:          5 * time.Minute,
		DegradedTTLFraction: 0.5,
		ShortLivedTTL:       10 * time.Second,
		L2WriteAttempts:     3,
		L2RetryDelay:        50 * time.Millisecond,
		HotWindow:           5 * time.Minute,
		HotThreshold:        5,
		WarmConcurrency:     4,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.L1Capacity <= 0 {
		c.L1Capacity = def.L1Capacity
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = def.DefaultTTL
	}
	if c.DegradedTTLFraction <= 0 || c.DegradedTTLFraction > 1 {
		c.DegradedTTLFraction = def.DegradedTTLFraction
	}
	if c.ShortLivedTTL <= 0 {
		c.ShortLivedTTL = def.ShortLivedTTL
	}
	if c.L2WriteAttempts <= 0 {
		c.L2WriteAttempts = def.L2WriteAttempts
	}
	if c.L2RetryDelay < 0 {
		c.L2RetryDelay = 0
	}
	if c.HotWindow <= 0 {
		c.HotWindow = def.HotWindow
	}
	if c.HotThreshold <= 0 {
		c.HotThreshold = def.HotThreshold
	}
	if c.HotCapacity <= 0 {
		c.HotCapacity = c.L1Capacity
	}
	if c.WarmConcurrency <= 0 {
		c.WarmConcurrency = def.WarmConcurrency
	}
}

// RefreshFunc re-resolves a job outside the cache read path.
type RefreshFunc func(ctx context.Context, job scrape.Job) error

// WarmReport summarizes a Warm call.
type WarmReport struct {
	Requested int               `json:"requested"`
	Refreshed []string          `json:"refreshed,omitempty"`
	Skipped   []string          `json:"skipped,omitempty"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// Cache is the two-tier cache. Construct with New and release with Close.
type Cache struct {
	cfg    Config
	l1     *l1
	l2     Store
	hot    *hotTracker
	stats  Stats
	clock  scrape.Clock
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New constructs a Cache over the given L2 store. A nil store yields an
// L1-only cache.
func New(cfg Config, l2 Store, clock scrape.Clock, logger *zap.Logger) (*Cache, error) {
	cfg.applyDefaults()
	tier1, err := newL1(cfg.L1Capacity)
	if err != nil {
		return nil, err
	}
	hot, err := newHotTracker(cfg.HotWindow, cfg.HotThreshold, cfg.HotCapacity)
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = utcClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		cfg:    cfg,
		l1:     tier1,
		l2:     l2,
		hot:    hot,
		clock:  clock,
		logger: logger.Named("cache"),
		sleep:  sleepCtx,
	}, nil
}

// Config returns the effective configuration.
func (c *Cache) Config() Config {
	return c.cfg
}

// TTLFor returns the lifetime granted to an entry of class written by a job
// with the given freshness requirement.
func (c *Cache) TTLFor(class scrape.Classification, freshness time.Duration) time.Duration {
	ttl := c.cfg.DefaultTTL
	if freshness > 0 && freshness < ttl {
		ttl = freshness
	}
	if class == scrape.ClassDegraded {
		ttl = time.Duration(float64(ttl) * c.cfg.DegradedTTLFraction)
	}
	return ttl
}

// Get looks up fp in L1 then L2. L2 hits are promoted into L1. An
// unreachable L2 is logged and treated as a miss.
func (c *Cache) Get(ctx context.Context, fp string) (Entry, bool) {
	now := c.clock.Now()
	c.hot.touch(fp, now)

	start := time.Now()
	e, ok, expired := c.l1.get(fp, now)
	c.stats.observeL1(time.Since(start))
	if expired {
		c.stats.expirations.Add(1)
	}
	if ok {
		c.stats.l1Hits.Add(1)
		e.Tier = TierL1
		return e, true
	}
	c.stats.l1Misses.Add(1)

	if c.l2 == nil {
		c.stats.misses.Add(1)
		return Entry{}, false
	}
	start = time.Now()
	e, ok, err := c.l2.Get(ctx, fp)
	c.stats.observeL2(time.Since(start))
	if err != nil {
		c.stats.l2Errors.Add(1)
		c.stats.misses.Add(1)
		c.logger.Warn("l2 get failed; treating as miss", zap.String("fingerprint", fp), zap.Error(err))
		return Entry{}, false
	}
	if ok && e.Expired(now) {
		c.stats.expirations.Add(1)
		ok = false
	}
	if !ok {
		c.stats.l2Misses.Add(1)
		c.stats.misses.Add(1)
		return Entry{}, false
	}
	c.stats.l2Hits.Add(1)
	e.Fingerprint = fp
	c.promote(e)
	e.Tier = TierL2
	return e, true
}

func (c *Cache) promote(e Entry) {
	e.Tier = ""
	stored, evicted := c.l1.put(e)
	if evicted {
		c.stats.evictions.Add(1)
	}
	if stored {
		c.hot.written(e)
	}
}

// Put stores e under fp. Its TTL is derived from its class and the freshness
// requirement of the job that produced it. If L2 cannot be written, L1 keeps
// a short-lived copy and a *scrape.CacheUnavailableError is returned.
func (c *Cache) Put(ctx context.Context, fp string, e Entry) error {
	if e.Class == scrape.ClassRejected || e.Class == "" {
		return ErrRejectedEntry
	}
	e.Fingerprint = fp
	e.Tier = ""
	e.ShortLived = false
	if e.WrittenAt.IsZero() {
		e.WrittenAt = c.clock.Now()
	}
	e.TTL = c.TTLFor(e.Class, e.Job.Freshness)
	e.Job = e.Job.Descriptor()

	var l2Err error
	if c.l2 != nil {
		l2Err = c.putL2(ctx, e)
	}
	if l2Err != nil {
		e.ShortLived = true
		if e.TTL > c.cfg.ShortLivedTTL {
			e.TTL = c.cfg.ShortLivedTTL
		}
		c.stats.l2Errors.Add(1)
		c.stats.shortLivedWrites.Add(1)
	}

	stored, evicted := c.l1.put(e)
	if evicted {
		c.stats.evictions.Add(1)
	}
	if stored {
		c.stats.writes.Add(1)
		c.hot.written(e)
	} else {
		c.stats.staleWrites.Add(1)
	}

	if l2Err != nil {
		c.logger.Warn("l2 put failed; kept short-lived l1 copy",
			zap.String("fingerprint", fp),
			zap.Duration("ttl", e.TTL),
			zap.Error(l2Err),
		)
		return &scrape.CacheUnavailableError{Op: "put", Err: l2Err}
	}
	return nil
}

func (c *Cache) putL2(ctx context.Context, e Entry) error {
	var err error
	for attempt := 1; attempt <= c.cfg.L2WriteAttempts; attempt++ {
		if err = c.l2.Put(ctx, e); err == nil {
			return nil
		}
		if attempt == c.cfg.L2WriteAttempts {
			break
		}
		if sleepErr := c.sleep(ctx, c.cfg.L2RetryDelay); sleepErr != nil {
			return fmt.Errorf("l2 put interrupted: %w", errors.Join(err, sleepErr))
		}
	}
	return fmt.Errorf("l2 put after %d attempt(s): %w", c.cfg.L2WriteAttempts, err)
}

// Invalidate removes fp from both tiers.
func (c *Cache) Invalidate(ctx context.Context, fp string) error {
	c.l1.remove(fp)
	c.hot.forget(fp)
	c.stats.invalidations.Add(1)
	if c.l2 == nil {
		return nil
	}
	if err := c.l2.Delete(ctx, fp); err != nil {
		c.stats.l2Errors.Add(1)
		return &scrape.CacheUnavailableError{Op: "invalidate", Err: err}
	}
	return nil
}

// HotExpiring lists hot fingerprints whose entries expire within lead.
func (c *Cache) HotExpiring(now time.Time, lead time.Duration) []string {
	return c.hot.expiring(now, lead)
}

// hits reports the trailing-window access count for fp.
func (c *Cache) hits(fp string) int {
	return c.hot.hits(fp, c.clock.Now())
}

// Warm refreshes each fingerprint by replaying the job that produced it.
// Fingerprints with no known job are skipped. Failures leave the existing
// entry in place.
func (c *Cache) Warm(ctx context.Context, fps []string, refresh RefreshFunc) WarmReport {
	report := WarmReport{Requested: len(fps), Failed: map[string]string{}}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.WarmConcurrency)
	for _, fp := range fps {
		job, ok := c.jobFor(gctx, fp)
		if !ok {
			report.Skipped = append(report.Skipped, fp)
			continue
		}
		g.Go(func() error {
			err := refresh(gctx, job)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed[fp] = err.Error()
				c.logger.Warn("warm refresh failed", zap.String("fingerprint", fp), zap.Error(err))
				return nil
			}
			report.Refreshed = append(report.Refreshed, fp)
			return nil
		})
	}
	_ = g.Wait()
	if len(report.Failed) == 0 {
		report.Failed = nil
	}
	return report
}

func (c *Cache) jobFor(ctx context.Context, fp string) (scrape.Job, bool) {
	if job, ok := c.hot.job(fp); ok {
		return job, true
	}
	if e, ok := c.l1.peek(fp); ok {
		return e.Job.Descriptor(), true
	}
	if c.l2 == nil {
		return scrape.Job{}, false
	}
	e, ok, err := c.l2.Get(ctx, fp)
	if err != nil || !ok {
		return scrape.Job{}, false
	}
	return e.Job.Descriptor(), true
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() StatsSnapshot {
	return c.stats.Snapshot()
}

// ResetStats zeroes the counters.
func (c *Cache) ResetStats() {
	c.stats.Reset()
}

// Len is the number of L1 entries.
func (c *Cache) Len() int {
	return c.l1.len()
}

// Close drops L1 and closes the L2 store when it supports it.
func (c *Cache) Close() error {
	c.l1.purge()
	if closer, ok := c.l2.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return fmt.Errorf("close l2 store: %w", err)
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
