package cache

import (
	"sync/atomic"
	"time"
)

// Stats holds lock-free cache counters.
type Stats struct {
	l1Hits           atomic.Uint64
	l1Misses         atomic.Uint64
	l2Hits           atomic.Uint64
	l2Misses         atomic.Uint64
	misses           atomic.Uint64
	writes           atomic.Uint64
	shortLivedWrites atomic.Uint64
	staleWrites      atomic.Uint64
	evictions        atomic.Uint64
	expirations      atomic.Uint64
	invalidations    atomic.Uint64
	l2Errors         atomic.Uint64
	l1LatencyNanos   atomic.Int64
	l1Lookups        atomic.Int64
	l2LatencyNanos   atomic.Int64
	l2Lookups        atomic.Int64
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	L1Hits           uint64        `json:"l1_hits"`
	L1Misses         uint64        `json:"l1_misses"`
	L2Hits           uint64        `json:"l2_hits"`
	L2Misses         uint64        `json:"l2_misses"`
	Misses           uint64        `json:"misses"`
	Writes           uint64        `json:"writes"`
	ShortLivedWrites uint64        `json:"short_lived_writes"`
	StaleWrites      uint64        `json:"stale_writes"`
	Evictions        uint64        `json:"evictions"`
	Expirations      uint64        `json:"expirations"`
	Invalidations    uint64        `json:"invalidations"`
	L2Errors         uint64        `json:"l2_errors"`
	L1AvgLatency     time.Duration `json:"l1_avg_latency"`
	L2AvgLatency     time.Duration `json:"l2_avg_latency"`
	HitRatio         float64       `json:"hit_ratio"`
}

func (s *Stats) observeL1(d time.Duration) {
	s.l1LatencyNanos.Add(int64(d))
	s.l1Lookups.Add(1)
}

func (s *Stats) observeL2(d time.Duration) {
	s.l2LatencyNanos.Add(int64(d))
	s.l2Lookups.Add(1)
}

// Snapshot copies the counters. Individual fields are read atomically; the
// snapshot as a whole is not a consistent cut.
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		L1Hits:           s.l1Hits.Load(),
		L1Misses:         s.l1Misses.Load(),
		L2Hits:           s.l2Hits.Load(),
		L2Misses:         s.l2Misses.Load(),
		Misses:           s.misses.Load(),
		Writes:           s.writes.Load(),
		ShortLivedWrites: s.shortLivedWrites.Load(),
		StaleWrites:      s.staleWrites.Load(),
		Evictions:        s.evictions.Load(),
		Expirations:      s.expirations.Load(),
		Invalidations:    s.invalidations.Load(),
		L2Errors:         s.l2Errors.Load(),
		L1AvgLatency:     average(s.l1LatencyNanos.Load(), s.l1Lookups.Load()),
		L2AvgLatency:     average(s.l2LatencyNanos.Load(), s.l2Lookups.Load()),
	}
	if total := snap.L1Hits + snap.L2Hits + snap.Misses; total > 0 {
		snap.HitRatio = float64(snap.L1Hits+snap.L2Hits) / float64(total)
	}
	return snap
}

// Reset zeroes every counter.
func (s *Stats) Reset() {
	for _, c := range []*atomic.Uint64{
		&s.l1Hits, &s.l1Misses, &s.l2Hits, &s.l2Misses, &s.misses, &s.writes,
		&s.shortLivedWrites, &s.staleWrites, &s.evictions, &s.expirations,
		&s.invalidations, &s.l2Errors,
	} {
		c.Store(0)
	}
	for _, c := range []*atomic.Int64{&s.l1LatencyNanos, &s.l1Lookups, &s.l2LatencyNanos, &s.l2Lookups} {
		c.Store(0)
	}
}

func average(total, n int64) time.Duration {
	if n == 0 {
		return 0
	}
	return time.Duration(total / n)
}
