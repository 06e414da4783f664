package cache

import (
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
)

const maxTrackedHits = 1024

// hotTracker counts per-fingerprint reads in a trailing window and remembers
// when each tracked entry expires and which job produced it. At most
// capacity fingerprints are tracked; the least recently touched is dropped.
type hotTracker struct {
	window    time.Duration
	threshold int
	entries   *lru.Cache[string, *hotEntry]
}

type hotEntry struct {
	mu        sync.Mutex
	hits      []time.Time
	expiresAt time.Time
	job       scrape.Job
	hasJob    bool
}

func newHotTracker(window time.Duration, threshold, capacity int) (*hotTracker, error) {
	entries, err := lru.New[string, *hotEntry](capacity)
	if err != nil {
		return nil, fmt.Errorf("create hot tracker: %w", err)
	}
	return &hotTracker{window: window, threshold: threshold, entries: entries}, nil
}

func (h *hotTracker) entry(fp string) *hotEntry {
	if he, ok := h.entries.Get(fp); ok {
		return he
	}
	he := &hotEntry{}
	if prev, ok, _ := h.entries.PeekOrAdd(fp, he); ok {
		return prev
	}
	return he
}

func (h *hotTracker) len() int {
	return h.entries.Len()
}

func (h *hotTracker) touch(fp string, now time.Time) {
	he := h.entry(fp)
	he.mu.Lock()
	defer he.mu.Unlock()
	he.trim(now.Add(-h.window))
	if len(he.hits) >= maxTrackedHits {
		he.hits = he.hits[1:]
	}
	he.hits = append(he.hits, now)
}

func (h *hotTracker) written(e Entry) {
	he := h.entry(e.Fingerprint)
	he.mu.Lock()
	defer he.mu.Unlock()
	he.expiresAt = e.ExpiresAt()
	he.job = e.Job.Descriptor()
	he.hasJob = true
}

func (h *hotTracker) forget(fp string) {
	h.entries.Remove(fp)
}

func (h *hotTracker) job(fp string) (scrape.Job, bool) {
	he, ok := h.entries.Peek(fp)
	if !ok {
		return scrape.Job{}, false
	}
	he.mu.Lock()
	defer he.mu.Unlock()
	return he.job.Descriptor(), he.hasJob
}

// hits returns the number of reads inside the trailing window.
func (h *hotTracker) hits(fp string, now time.Time) int {
	he, ok := h.entries.Peek(fp)
	if !ok {
		return 0
	}
	he.mu.Lock()
	defer he.mu.Unlock()
	he.trim(now.Add(-h.window))
	return len(he.hits)
}

// expiring lists hot fingerprints whose entries expire within lead of now,
// soonest first. Cold trackers without a cached entry are pruned.
func (h *hotTracker) expiring(now time.Time, lead time.Duration) []string {
	type candidate struct {
		fp        string
		expiresAt time.Time
	}
	var out []candidate
	for _, fp := range h.entries.Keys() {
		he, ok := h.entries.Peek(fp)
		if !ok {
			continue
		}
		he.mu.Lock()
		he.trim(now.Add(-h.window))
		n := len(he.hits)
		expiresAt := he.expiresAt
		hasJob := he.hasJob
		he.mu.Unlock()

		if n == 0 && (!hasJob || now.After(expiresAt)) {
			h.entries.Remove(fp)
			continue
		}
		if !hasJob || n < h.threshold {
			continue
		}
		if expiresAt.Sub(now) <= lead {
			out = append(out, candidate{fp: fp, expiresAt: expiresAt})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].expiresAt.Equal(out[j].expiresAt) {
			return out[i].fp < out[j].fp
		}
		return out[i].expiresAt.Before(out[j].expiresAt)
	})
	fps := make([]string, len(out))
	for i, c := range out {
		fps[i] = c.fp
	}
	return fps
}

func (he *hotEntry) trim(cutoff time.Time) {
	i := 0
	for i < len(he.hits) && !he.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		he.hits = append(he.hits[:0], he.hits[i:]...)
	}
}
