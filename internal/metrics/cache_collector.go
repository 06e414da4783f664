package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/realtime-social-scraper/internal/cache"
)

// CacheCollector exports cache statistics at scrape time. Counters are read
// from the cache snapshot so an administrative reset is visible as a drop.
type CacheCollector struct {
	source func() cache.StatsSnapshot
	size   func() int

	hits          *prometheus.Desc
	misses        *prometheus.Desc
	writes        *prometheus.Desc
	evictions     *prometheus.Desc
	expirations   *prometheus.Desc
	invalidations *prometheus.Desc
	l2Errors      *prometheus.Desc
	latency       *prometheus.Desc
	hitRatio      *prometheus.Desc
	entries       *prometheus.Desc
}

// NewCacheCollector builds a collector over the given snapshot source. size
// may be nil.
func NewCacheCollector(source func() cache.StatsSnapshot, size func() int) *CacheCollector {
	return &CacheCollector{
		source: source,
		size:   size,
		hits: prometheus.NewDesc("scrape_cache_hits",
			"Cache hits since the last reset, labeled by tier.", []string{"tier"}, nil),
		misses: prometheus.NewDesc("scrape_cache_misses",
			"Cache lookups since the last reset that missed, labeled by tier (all = both tiers missed).", []string{"tier"}, nil),
		writes: prometheus.NewDesc("scrape_cache_writes",
			"Cache writes since the last reset, labeled by kind.", []string{"kind"}, nil),
		evictions: prometheus.NewDesc("scrape_cache_evictions",
			"L1 capacity evictions since the last reset.", nil, nil),
		expirations: prometheus.NewDesc("scrape_cache_expirations",
			"Entries dropped on read because their TTL elapsed.", nil, nil),
		invalidations: prometheus.NewDesc("scrape_cache_invalidations",
			"Administrative invalidations since the last reset.", nil, nil),
		l2Errors: prometheus.NewDesc("scrape_cache_l2_errors",
			"Failed L2 round trips since the last reset.", nil, nil),
		latency: prometheus.NewDesc("scrape_cache_avg_latency_seconds",
			"Average lookup latency, labeled by tier.", []string{"tier"}, nil),
		hitRatio: prometheus.NewDesc("scrape_cache_hit_ratio",
			"Fraction of lookups served by either tier.", nil, nil),
		entries: prometheus.NewDesc("scrape_cache_l1_entries",
			"Entries currently held in L1.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.writes
	ch <- c.evictions
	ch <- c.expirations
	ch <- c.invalidations
	ch <- c.l2Errors
	ch <- c.latency
	ch <- c.hitRatio
	ch <- c.entries
}

// Collect implements prometheus.Collector.
func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.source()
	gauge := prometheus.GaugeValue
	ch <- prometheus.MustNewConstMetric(c.hits, gauge, float64(snap.L1Hits), "l1")
	ch <- prometheus.MustNewConstMetric(c.hits, gauge, float64(snap.L2Hits), "l2")
	ch <- prometheus.MustNewConstMetric(c.misses, gauge, float64(snap.L1Misses), "l1")
	ch <- prometheus.MustNewConstMetric(c.misses, gauge, float64(snap.L2Misses), "l2")
	ch <- prometheus.MustNewConstMetric(c.misses, gauge, float64(snap.Misses), "all")
	ch <- prometheus.MustNewConstMetric(c.writes, gauge, float64(snap.Writes), "normal")
	ch <- prometheus.MustNewConstMetric(c.writes, gauge, float64(snap.ShortLivedWrites), "short_lived")
	ch <- prometheus.MustNewConstMetric(c.writes, gauge, float64(snap.StaleWrites), "stale")
	ch <- prometheus.MustNewConstMetric(c.evictions, gauge, float64(snap.Evictions))
	ch <- prometheus.MustNewConstMetric(c.expirations, gauge, float64(snap.Expirations))
	ch <- prometheus.MustNewConstMetric(c.invalidations, gauge, float64(snap.Invalidations))
	ch <- prometheus.MustNewConstMetric(c.l2Errors, gauge, float64(snap.L2Errors))
	ch <- prometheus.MustNewConstMetric(c.latency, gauge, snap.L1AvgLatency.Seconds(), "l1")
	ch <- prometheus.MustNewConstMetric(c.latency, gauge, snap.L2AvgLatency.Seconds(), "l2")
	ch <- prometheus.MustNewConstMetric(c.hitRatio, gauge, snap.HitRatio)
	size := 0
	if c.size != nil {
		size = c.size()
	}
	ch <- prometheus.MustNewConstMetric(c.entries, gauge, float64(size))
}
