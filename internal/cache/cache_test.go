package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeStore is an in-memory Store with switchable failures.
type fakeStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	failPut int
	failGet bool
	puts    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: map[string]Entry{}}
}

func (s *fakeStore) Get(_ context.Context, fp string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet {
		return Entry{}, false, errors.New("l2 down")
	}
	e, ok := s.entries[fp]
	return e, ok, nil
}

func (s *fakeStore) Put(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.failPut != 0 {
		if s.failPut > 0 {
			s.failPut--
		}
		return errors.New("l2 write failed")
	}
	if cur, ok := s.entries[e.Fingerprint]; ok && !e.Newer(cur) {
		return nil
	}
	s.entries[e.Fingerprint] = e
	return nil
}

func (s *fakeStore) Delete(_ context.Context, fp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, fp)
	return nil
}

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestCache(t *testing.T, cfg Config, store Store) (*Cache, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: t0}
	c, err := New(cfg, store, clock, nil)
	require.NoError(t, err)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	t.Cleanup(func() { _ = c.Close() })
	return c, clock
}

func acceptedEntry(target string, freshness time.Duration) Entry {
	return Entry{
		Payload: scrape.Payload{Data: map[string]any{"id": target}, RetrievedAt: t0},
		Score:   100,
		Class:   scrape.ClassAccepted,
		Job:     scrape.Job{Target: target, Freshness: freshness},
	}
}

func TestPutGetRoundTripAndStrictExpiry(t *testing.T) {
	t.Parallel()

	c, clock := newTestCache(t, Config{DefaultTTL: 5 * time.Minute}, newFakeStore())
	ctx := context.Background()
	in := acceptedEntry("a", time.Minute)
	require.NoError(t, c.Put(ctx, "fp-a", in))

	got, ok := c.Get(ctx, "fp-a")
	require.True(t, ok)
	require.Equal(t, TierL1, got.Tier)
	require.Equal(t, time.Minute, got.TTL)
	require.Equal(t, t0, got.WrittenAt)
	diff := cmp.Diff(in, got, cmpopts.IgnoreFields(Entry{}, "Fingerprint", "Tier", "TTL", "WrittenAt"))
	require.Empty(t, diff)

	clock.Advance(time.Minute)
	_, ok = c.Get(ctx, "fp-a")
	require.True(t, ok, "entry must survive until strictly after expiry")

	clock.Advance(time.Nanosecond)
	_, ok = c.Get(ctx, "fp-a")
	require.False(t, ok)
	require.GreaterOrEqual(t, c.Stats().Expirations, uint64(1))
}

func TestGetPromotesL2Hits(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	c, _ := newTestCache(t, Config{}, store)
	ctx := context.Background()

	e := acceptedEntry("b", time.Minute)
	e.Fingerprint = "fp-b"
	e.WrittenAt = t0
	e.TTL = time.Minute
	require.NoError(t, store.Put(ctx, e))

	got, ok := c.Get(ctx, "fp-b")
	require.True(t, ok)
	require.Equal(t, TierL2, got.Tier)

	got, ok = c.Get(ctx, "fp-b")
	require.True(t, ok)
	require.Equal(t, TierL1, got.Tier)

	snap := c.Stats()
	require.Equal(t, uint64(1), snap.L1Hits)
	require.Equal(t, uint64(1), snap.L2Hits)
	require.Equal(t, uint64(1), snap.L1Misses)
	require.InDelta(t, 1.0, snap.HitRatio, 1e-9)
}

func TestMissIsCounted(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, Config{}, newFakeStore())
	_, ok := c.Get(context.Background(), "nope")
	require.False(t, ok)
	snap := c.Stats()
	require.Equal(t, uint64(1), snap.Misses)
	require.Equal(t, uint64(1), snap.L2Misses)
	require.Zero(t, snap.HitRatio)
}

func TestTTLPolicy(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, Config{DefaultTTL: 2 * time.Minute, DegradedTTLFraction: 0.5}, nil)
	require.Equal(t, time.Minute, c.TTLFor(scrape.ClassAccepted, time.Minute))
	require.Equal(t, 2*time.Minute, c.TTLFor(scrape.ClassAccepted, time.Hour))
	require.Equal(t, 2*time.Minute, c.TTLFor(scrape.ClassAccepted, 0))
	require.Equal(t, 30*time.Second, c.TTLFor(scrape.ClassDegraded, time.Minute))
}

func TestPutRefusesRejected(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, Config{}, newFakeStore())
	e := acceptedEntry("r", time.Minute)
	e.Class = scrape.ClassRejected
	require.ErrorIs(t, c.Put(context.Background(), "fp-r", e), ErrRejectedEntry)
	require.Zero(t, c.Len())
}

func TestPutWithL2FailureKeepsShortLivedL1(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.failPut = -1
	c, clock := newTestCache(t, Config{ShortLivedTTL: 5 * time.Second, L2WriteAttempts: 3}, store)
	ctx := context.Background()

	err := c.Put(ctx, "fp-s", acceptedEntry("s", time.Minute))
	require.ErrorIs(t, err, scrape.ErrCacheUnavailable)
	require.Equal(t, 3, store.puts)

	got, ok := c.Get(ctx, "fp-s")
	require.True(t, ok)
	require.True(t, got.ShortLived)
	require.Equal(t, 5*time.Second, got.TTL)

	clock.Advance(6 * time.Second)
	_, ok = c.Get(ctx, "fp-s")
	require.False(t, ok)

	snap := c.Stats()
	require.Equal(t, uint64(1), snap.ShortLivedWrites)
	require.Equal(t, uint64(1), snap.L2Errors)
}

func TestPutRetriesTransientL2Failure(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.failPut = 2
	c, _ := newTestCache(t, Config{L2WriteAttempts: 3}, store)
	require.NoError(t, c.Put(context.Background(), "fp-t", acceptedEntry("t", time.Minute)))
	require.Equal(t, 3, store.puts)
	_, ok, err := store.Get(context.Background(), "fp-t")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestGetWithL2DownIsMiss(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.failGet = true
	c, _ := newTestCache(t, Config{}, store)
	_, ok := c.Get(context.Background(), "fp")
	require.False(t, ok)
	require.Equal(t, uint64(1), c.Stats().L2Errors)
}

func TestConcurrentWritesLastWriteWins(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	c, _ := newTestCache(t, Config{}, store)
	ctx := context.Background()

	const writers = 32
	latest := t0.Add(writers * time.Millisecond)
	var wg sync.WaitGroup
	for i := writers; i >= 1; i-- {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := acceptedEntry(fmt.Sprintf("w%d", i), time.Minute)
			e.WrittenAt = t0.Add(time.Duration(i) * time.Millisecond)
			_ = c.Put(ctx, "fp-race", e)
		}(i)
	}
	wg.Wait()

	got, ok := c.Get(ctx, "fp-race")
	require.True(t, ok)
	require.True(t, got.WrittenAt.Equal(latest))
	stored, ok, err := store.Get(ctx, "fp-race")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, stored.WrittenAt.Equal(latest))
}

func TestStalePutDoesNotClobber(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, Config{}, newFakeStore())
	ctx := context.Background()
	fresh := acceptedEntry("fresh", time.Minute)
	fresh.WrittenAt = t0.Add(time.Second)
	stale := acceptedEntry("stale", time.Minute)
	stale.WrittenAt = t0

	require.NoError(t, c.Put(ctx, "fp", fresh))
	require.NoError(t, c.Put(ctx, "fp", stale))
	got, ok := c.Get(ctx, "fp")
	require.True(t, ok)
	require.Equal(t, "fresh", got.Job.Target)
	require.Equal(t, uint64(1), c.Stats().StaleWrites)
}

func TestL1NeverEvictsMostRecentlyUsed(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, Config{L1Capacity: 2}, nil)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "a", acceptedEntry("a", time.Minute)))
	require.NoError(t, c.Put(ctx, "b", acceptedEntry("b", time.Minute)))

	_, ok := c.Get(ctx, "a")
	require.True(t, ok)
	require.NoError(t, c.Put(ctx, "c", acceptedEntry("c", time.Minute)))

	_, ok = c.Get(ctx, "a")
	require.True(t, ok, "recently used entry evicted")
	_, ok = c.Get(ctx, "b")
	require.False(t, ok)
	require.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestInvalidate(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	c, _ := newTestCache(t, Config{}, store)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "fp", acceptedEntry("x", time.Minute)))
	require.NoError(t, c.Invalidate(ctx, "fp"))

	_, ok := c.Get(ctx, "fp")
	require.False(t, ok)
	_, ok, _ = store.Get(ctx, "fp")
	require.False(t, ok)
	require.Equal(t, uint64(1), c.Stats().Invalidations)
}

func TestResetStats(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, Config{}, nil)
	c.Get(context.Background(), "x")
	require.NotZero(t, c.Stats().Misses)
	c.ResetStats()
	require.Equal(t, StatsSnapshot{}, c.Stats())
}

func TestHotExpiringAndWarm(t *testing.T) {
	t.Parallel()

	c, clock := newTestCache(t, Config{HotThreshold: 3, HotWindow: time.Minute, DefaultTTL: time.Minute}, newFakeStore())
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "hot", acceptedEntry("hot-target", time.Minute)))
	require.NoError(t, c.Put(ctx, "cold", acceptedEntry("cold-target", time.Minute)))
	for i := 0; i < 3; i++ {
		_, ok := c.Get(ctx, "hot")
		require.True(t, ok)
	}
	_, _ = c.Get(ctx, "cold")
	require.Equal(t, 3, c.hits("hot"))

	require.Empty(t, c.HotExpiring(clock.Now(), 10*time.Second))

	clock.Advance(55 * time.Second)
	require.Equal(t, []string{"hot"}, c.HotExpiring(clock.Now(), 10*time.Second))

	var mu sync.Mutex
	var refreshed []string
	report := c.Warm(ctx, []string{"hot", "unknown"}, func(_ context.Context, job scrape.Job) error {
		mu.Lock()
		defer mu.Unlock()
		refreshed = append(refreshed, job.Target)
		return nil
	})
	require.Equal(t, []string{"hot-target"}, refreshed)
	require.Equal(t, 2, report.Requested)
	require.Equal(t, []string{"hot"}, report.Refreshed)
	require.Equal(t, []string{"unknown"}, report.Skipped)
	require.Nil(t, report.Failed)
}

func TestWarmFailureLeavesEntry(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, Config{}, nil)
	ctx := context.Background()
	require.NoError(t, c.Put(ctx, "fp", acceptedEntry("t", time.Minute)))

	report := c.Warm(ctx, []string{"fp"}, func(context.Context, scrape.Job) error {
		return errors.New("upstream down")
	})
	require.Equal(t, map[string]string{"fp": "upstream down"}, report.Failed)
	_, ok := c.Get(ctx, "fp")
	require.True(t, ok)
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()

	e := acceptedEntry("codec", time.Minute)
	e.Fingerprint = "fp"
	e.WrittenAt = t0
	e.TTL = time.Minute
	e.Tier = TierL1
	data, err := Encode(e)
	require.NoError(t, err)
	got, err := Decode(data)
	require.NoError(t, err)
	require.Empty(t, got.Tier)
	require.Equal(t, e.Fingerprint, got.Fingerprint)
	require.True(t, got.WrittenAt.Equal(e.WrittenAt))
	require.Equal(t, e.TTL, got.TTL)
	require.Equal(t, "codec", got.Payload.Data["id"])

	_, err = Decode([]byte("{"))
	require.Error(t, err)
}

func TestHotTrackerIsBounded(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, Config{L1Capacity: 4, HotThreshold: 2}, newFakeStore())
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "kept", acceptedEntry("kept-target", time.Minute)))
	for i := 0; i < 5_000; i++ {
		_, ok := c.Get(ctx, fmt.Sprintf("miss-%d", i))
		require.False(t, ok)
		_, ok = c.Get(ctx, "kept")
		require.True(t, ok)
	}
	require.LessOrEqual(t, c.hot.len(), 4)
	require.Equal(t, 1, c.Len())
	require.Positive(t, c.hits("kept"))
	require.Zero(t, c.hits("miss-0"))
}

func TestHotCapacityOverride(t *testing.T) {
	t.Parallel()

	c, _ := newTestCache(t, Config{L1Capacity: 4, HotCapacity: 16}, nil)
	for i := 0; i < 100; i++ {
		c.Get(context.Background(), fmt.Sprintf("fp-%d", i))
	}
	require.Equal(t, 16, c.hot.len())
	require.Equal(t, 16, c.Config().HotCapacity)
}
