package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/realtime-social-scraper/internal/cache"
	"github.com/JakeFAU/realtime-social-scraper/internal/progress"
	"github.com/JakeFAU/realtime-social-scraper/internal/publisher/memory"
	"github.com/JakeFAU/realtime-social-scraper/internal/retry"
	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
	memstore "github.com/JakeFAU/realtime-social-scraper/internal/storage/memory"
	"github.com/JakeFAU/realtime-social-scraper/internal/validate"
)

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

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

// sleeper records requested waits and advances the fake clock.
type sleeper struct {
	mu     sync.Mutex
	clock  *fakeClock
	delays []time.Duration
}

func (s *sleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	s.clock.Advance(d)
	return ctx.Err()
}

func (s *sleeper) Delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// step is one scripted fetch result.
type step struct {
	data map[string]any
	err  error
}

type scriptedFetcher struct {
	mu    sync.Mutex
	clock *fakeClock
	steps []step
	calls int
}

func (f *scriptedFetcher) Fetch(_ context.Context, req scrape.FetchRequest) (scrape.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx >= len(f.steps) {
		idx = len(f.steps) - 1
	}
	s := f.steps[idx]
	if s.err != nil {
		return scrape.Payload{}, s.err
	}
	return scrape.Payload{
		Data:        s.data,
		Raw:         []byte(`{"ok":true}`),
		ContentType: "application/json",
		Source:      req.Target,
		RetrievedAt: f.clock.Now(),
	}, nil
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) Stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, len(r.events))
	for i, e := range r.events {
		out[i] = e.Stage
	}
	return out
}

type harness struct {
	orch    *Orchestrator
	clock   *fakeClock
	sleep   *sleeper
	fetch   *scriptedFetcher
	cache   *cache.Cache
	l2      cache.Store
	blobs   *memstore.BlobStore
	pub     *memory.Publisher
	emitter *recordingEmitter
}

type harnessConfig struct {
	contentRetries int
	l2             cache.Store
	fetcher        scrape.Fetcher
}

type harnessOption func(*harnessConfig)

func withL2(store cache.Store) harnessOption {
	return func(c *harnessConfig) { c.l2 = store }
}

func withFetcher(f scrape.Fetcher) harnessOption {
	return func(c *harnessConfig) { c.fetcher = f }
}

func withContentRetries(n int) harnessOption {
	return func(c *harnessConfig) { c.contentRetries = n }
}

func newHarness(t *testing.T, steps []step, opts ...harnessOption) *harness {
	t.Helper()
	clock := &fakeClock{now: testStart}
	sl := &sleeper{clock: clock}
	fetch := &scriptedFetcher{clock: clock, steps: steps}

	policies, err := retry.NewRegistry(
		&retry.Policy{Name: "fixed", Strategy: retry.StrategyFixed, BaseDelay: time.Second, MaxDelay: time.Second, MaxAttempts: 3},
		&retry.Policy{Name: "exp", Strategy: retry.StrategyExponential, BaseDelay: time.Second, MaxDelay: 10 * time.Second, MaxAttempts: 4},
		&retry.Policy{Name: "five", Strategy: retry.StrategyExponential, BaseDelay: time.Second, MaxDelay: 10 * time.Second, MaxAttempts: 5},
		&retry.Policy{Name: "single", Strategy: retry.StrategyFixed, BaseDelay: 2 * time.Second, MaxDelay: 2 * time.Second, MaxAttempts: 1},
	)
	require.NoError(t, err)
	schemas, err := validate.NewRegistry("profile")
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	engine := retry.NewEngine(retry.Options{Clock: clock, Sleep: sl.Sleep, Rand: func() float64 { return 0.5 }, Logger: logger})

	hc := harnessConfig{l2: memstore.NewEntryStore()}
	for _, opt := range opts {
		opt(&hc)
	}
	l2 := hc.l2
	var fetcher scrape.Fetcher = fetch
	if hc.fetcher != nil {
		fetcher = hc.fetcher
	}
	c, err := cache.New(cache.DefaultConfig(), l2, clock, logger)
	require.NoError(t, err)

	h := &harness{
		clock:   clock,
		sleep:   sl,
		fetch:   fetch,
		cache:   c,
		l2:      l2,
		blobs:   memstore.NewBlobStore(),
		pub:     memory.New(),
		emitter: &recordingEmitter{},
	}
	orch, err := New(Options{
		Policies:       policies,
		Schemas:        schemas,
		Engine:         engine,
		Validator:      validate.New(clock),
		Cache:          c,
		Fetcher:        fetcher,
		Clock:          clock,
		Sleep:          sl.Sleep,
		ContentRetries: hc.contentRetries,
		Archive:        h.blobs,
		ArchivePrefix:  "raw",
		Publisher:      h.pub,
		ResultTopic:    "results",
		Progress:       h.emitter,
		Logger:         logger,
	})
	require.NoError(t, err)
	h.orch = orch
	return h
}

func completeProfile(now time.Time) map[string]any {
	return map[string]any{
		"id":              "u-1",
		"username":        "alice",
		"display_name":    "Alice",
		"follower_count":  120,
		"following_count": 3,
		"post_count":      40,
		"updated_at":      now.Add(-10 * time.Second).Format(time.RFC3339),
	}
}

func rejectedProfile(now time.Time) map[string]any {
	return map[string]any{
		"id":              "bad id!",
		"username":        "bad user!",
		"follower_count":  -1,
		"following_count": -1,
		"post_count":      -1,
		"updated_at":      now.Add(-365 * 24 * time.Hour).Format(time.RFC3339),
	}
}

func transient() error {
	return scrape.NewFetchFailure(scrape.FailureTransientNetwork, errors.New("connection reset"))
}

func job(policy string, freshness time.Duration) scrape.Job {
	return scrape.Job{
		Target:     "https://social.example.com/users/alice",
		Parameters: map[string]string{"view": "full"},
		Freshness:  freshness,
		PolicyName: policy,
		SchemaName: "profile",
	}
}

func TestScenarioA_TransientThenSuccess(t *testing.T) {
	h := newHarness(t, []step{{err: transient()}, {err: transient()}, {data: completeProfile(testStart)}})

	res, err := h.orch.Resolve(context.Background(), job("fixed", time.Minute))
	require.NoError(t, err)
	require.Len(t, res.Attempts, 3)
	require.Equal(t, scrape.OutcomeFailure, res.Attempts[0].Outcome)
	require.Equal(t, scrape.OutcomeSuccess, res.Attempts[2].Outcome)
	require.Equal(t, 100.0, res.Score)
	require.Equal(t, scrape.StatusAccepted, res.Status)
	require.Equal(t, []time.Duration{time.Second, time.Second}, h.sleep.Delays())
	require.False(t, res.FromCache)

	entry, ok := h.cache.Get(context.Background(), res.Fingerprint)
	require.True(t, ok)
	require.Equal(t, time.Minute, entry.TTL)
	require.Equal(t, scrape.ClassAccepted, entry.Class)
}

func TestScenarioB_Exhaustion(t *testing.T) {
	h := newHarness(t, []step{{err: transient()}})

	_, err := h.orch.Resolve(context.Background(), job("exp", time.Minute))
	require.Error(t, err)
	require.ErrorIs(t, err, scrape.ErrRetryExhausted)

	var failure *scrape.ScrapeFailure
	require.ErrorAs(t, err, &failure)
	require.Len(t, failure.Attempts, 4)
	require.Nil(t, failure.Validation)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, h.sleep.Delays())
	require.Equal(t, 0, h.cache.Len())
	require.Equal(t, uint64(0), h.cache.Stats().Writes)
}

func TestScenarioC_MissingFieldsScoredByFormula(t *testing.T) {
	data := completeProfile(testStart)
	delete(data, "display_name")
	delete(data, "follower_count")
	h := newHarness(t, []step{{data: data}})

	res, err := h.orch.Resolve(context.Background(), job("fixed", time.Minute))
	require.NoError(t, err)
	require.InDelta(t, 0.6, res.Validation.Completeness, 1e-9)
	require.Equal(t, 1.0, res.Validation.ConsistencyRatio)
	require.Equal(t, 1.0, res.Validation.FreshnessFactor)
	require.Equal(t, 80.0, res.Score)
	require.Equal(t, scrape.StatusAccepted, res.Status)
}

func TestScenarioC_DegradedGetsReducedTTL(t *testing.T) {
	data := completeProfile(testStart)
	delete(data, "display_name")
	delete(data, "follower_count")
	delete(data, "username")
	h := newHarness(t, []step{{data: data}})

	res, err := h.orch.Resolve(context.Background(), job("fixed", time.Minute))
	require.NoError(t, err)
	require.Equal(t, 70.0, res.Score)
	require.Equal(t, scrape.StatusDegraded, res.Status)

	entry, ok := h.cache.Get(context.Background(), res.Fingerprint)
	require.True(t, ok)
	require.Equal(t, 30*time.Second, entry.TTL)
	require.Equal(t, scrape.ClassDegraded, entry.Class)
}

func TestScenarioD_PermanentShortCircuits(t *testing.T) {
	h := newHarness(t, []step{{err: scrape.NewFetchFailure(scrape.FailurePermanent, errors.New("gone"))}})

	_, err := h.orch.Resolve(context.Background(), job("five", time.Minute))
	require.ErrorIs(t, err, scrape.ErrRetryExhausted)

	var exhausted *scrape.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, scrape.FailurePermanent, exhausted.Category)
	require.Len(t, exhausted.Attempts, 1)
	require.Zero(t, exhausted.Attempts[0].NextDelay)
	require.Empty(t, h.sleep.Delays())
	require.Equal(t, 1, h.fetch.Calls())
}

func TestContentRetryBudgetExhausted(t *testing.T) {
	h := newHarness(t, []step{{data: rejectedProfile(testStart)}})

	_, err := h.orch.Resolve(context.Background(), job("single", time.Minute))
	require.ErrorIs(t, err, scrape.ErrValidationRejected)
	require.NotErrorIs(t, err, scrape.ErrRetryExhausted)

	var failure *scrape.ScrapeFailure
	require.ErrorAs(t, err, &failure)
	require.NotNil(t, failure.Validation)
	require.Equal(t, 45.0, failure.Validation.Score)
	require.Equal(t, scrape.ClassRejected, failure.Validation.Class)
	require.Len(t, failure.Attempts, 1+DefaultContentRetries)
	for i, rec := range failure.Attempts {
		require.Equal(t, i+1, rec.Round)
		require.Equal(t, 1, rec.Index)
	}
	require.Equal(t, []time.Duration{2 * time.Second, 2 * time.Second}, h.sleep.Delays())
	require.Equal(t, 0, h.cache.Len())
}

func TestContentRetryRecovers(t *testing.T) {
	h := newHarness(t, []step{{data: rejectedProfile(testStart)}, {data: completeProfile(testStart)}})

	res, err := h.orch.Resolve(context.Background(), job("single", time.Minute))
	require.NoError(t, err)
	require.Equal(t, scrape.StatusAccepted, res.Status)
	require.Len(t, res.Attempts, 2)
	require.Equal(t, 2, res.Attempts[1].Round)
	require.Contains(t, h.emitter.Stages(), progress.StageContentRetry)
}

func TestContentRetriesDisabled(t *testing.T) {
	h := newHarness(t, []step{{data: rejectedProfile(testStart)}}, withContentRetries(-1))
	require.Equal(t, 0, h.orch.ContentRetries())

	_, err := h.orch.Resolve(context.Background(), job("single", time.Minute))
	require.ErrorIs(t, err, scrape.ErrValidationRejected)
	require.Equal(t, 1, h.fetch.Calls())
}

func TestCacheHitSkipsFetch(t *testing.T) {
	h := newHarness(t, []step{{data: completeProfile(testStart)}})
	ctx := context.Background()

	first, err := h.orch.Resolve(ctx, job("fixed", time.Minute))
	require.NoError(t, err)
	h.clock.Advance(10 * time.Second)

	second, err := h.orch.Resolve(ctx, job("fixed", time.Minute))
	require.NoError(t, err)
	require.True(t, second.FromCache)
	require.Equal(t, "l1", second.Tier)
	require.Equal(t, first.Fingerprint, second.Fingerprint)
	require.Equal(t, first.Score, second.Score)
	require.Equal(t, 1, h.fetch.Calls())
	require.Contains(t, h.emitter.Stages(), progress.StageCacheHit)
}

func TestCachedEntryOlderThanFreshnessRefetches(t *testing.T) {
	h := newHarness(t, []step{{data: completeProfile(testStart)}})
	ctx := context.Background()

	_, err := h.orch.Resolve(ctx, job("fixed", 10*time.Minute))
	require.NoError(t, err)
	h.clock.Advance(2 * time.Minute)

	res, err := h.orch.Resolve(ctx, job("fixed", time.Minute))
	require.NoError(t, err)
	require.False(t, res.FromCache)
	require.Equal(t, 2, h.fetch.Calls())
}

func TestRefreshBypassesCache(t *testing.T) {
	h := newHarness(t, []step{{data: completeProfile(testStart)}})
	ctx := context.Background()

	_, err := h.orch.Resolve(ctx, job("fixed", time.Minute))
	require.NoError(t, err)
	res, err := h.orch.RefreshBy(ctx, job("fixed", time.Minute), "warming")
	require.NoError(t, err)
	require.False(t, res.FromCache)
	require.Equal(t, 2, h.fetch.Calls())
}

func TestConfigurationErrors(t *testing.T) {
	h := newHarness(t, []step{{data: completeProfile(testStart)}})
	ctx := context.Background()

	_, err := h.orch.Resolve(ctx, job("nope", time.Minute))
	var cfgErr *scrape.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "retry policy", cfgErr.Kind)

	j := job("fixed", time.Minute)
	j.SchemaName = "nope"
	_, err = h.orch.Resolve(ctx, j)
	require.ErrorIs(t, err, scrape.ErrConfiguration)
	require.Equal(t, 0, h.fetch.Calls())
}

func TestInvalidJob(t *testing.T) {
	h := newHarness(t, []step{{data: completeProfile(testStart)}})

	_, err := h.orch.Resolve(context.Background(), scrape.Job{Target: "https://x.example.com"})
	require.ErrorIs(t, err, scrape.ErrInvalidJob)
}

func TestPrepareAssignsDefaults(t *testing.T) {
	h := newHarness(t, []step{{data: completeProfile(testStart)}})

	j := job("", time.Minute)
	j.SchemaName = ""
	prepared, fp, err := h.orch.Prepare(j)
	require.NoError(t, err)
	require.NotEmpty(t, prepared.ID)
	require.Equal(t, "default", prepared.PolicyName)
	require.Equal(t, "profile", prepared.SchemaName)
	require.Equal(t, testStart, prepared.CreatedAt)
	require.Len(t, fp, 64)
}

func TestArchiveAndNotification(t *testing.T) {
	h := newHarness(t, []step{{data: completeProfile(testStart)}})

	res, err := h.orch.Resolve(context.Background(), job("fixed", time.Minute))
	require.NoError(t, err)
	require.NotEmpty(t, res.ArchiveURI)
	require.Equal(t, 1, h.blobs.Len())

	msgs := h.pub.OnTopic("results")
	require.Len(t, msgs, 1)
	n, ok := msgs[0].(Notification)
	require.True(t, ok)
	require.Equal(t, scrape.StatusAccepted, n.Status)
	require.Equal(t, res.Fingerprint, n.Fingerprint)
	require.Equal(t, res.ArchiveURI, n.ArchiveURI)
}

func TestPublishFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, []step{{data: completeProfile(testStart)}})
	h.pub.FailWith(errors.New("broker down"))

	res, err := h.orch.Resolve(context.Background(), job("fixed", time.Minute))
	require.NoError(t, err)
	require.Equal(t, scrape.StatusAccepted, res.Status)
}

func TestFailureIsNotified(t *testing.T) {
	h := newHarness(t, []step{{err: scrape.NewFetchFailure(scrape.FailurePermanent, errors.New("gone"))}})

	_, err := h.orch.Resolve(context.Background(), job("fixed", time.Minute))
	require.Error(t, err)
	msgs := h.pub.OnTopic("results")
	require.Len(t, msgs, 1)
	n := msgs[0].(Notification)
	require.Equal(t, scrape.StatusFailed, n.Status)
	require.Equal(t, 1, n.Attempts)
	require.NotEmpty(t, n.Error)
	require.Equal(t, progress.StageJobError, h.emitter.Stages()[len(h.emitter.Stages())-1])
}

type downStore struct{}

func (downStore) Get(context.Context, string) (cache.Entry, bool, error) {
	return cache.Entry{}, false, errors.New("l2 down")
}

func (downStore) Put(context.Context, cache.Entry) error { return errors.New("l2 down") }

func (downStore) Delete(context.Context, string) error { return errors.New("l2 down") }

func TestCacheUnavailableDoesNotAbort(t *testing.T) {
	h := newHarness(t, []step{{data: completeProfile(testStart)}}, withL2(downStore{}))

	res, err := h.orch.Resolve(context.Background(), job("fixed", time.Minute))
	require.NoError(t, err)
	require.Equal(t, scrape.StatusAccepted, res.Status)

	stats := h.cache.Stats()
	require.Equal(t, uint64(1), stats.ShortLivedWrites)
	require.NotZero(t, stats.L2Errors)
}

func TestCanceledContext(t *testing.T) {
	h := newHarness(t, []step{{err: transient()}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.orch.Resolve(ctx, job("fixed", time.Minute))
	require.ErrorIs(t, err, context.Canceled)
	var failure *scrape.ScrapeFailure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, 0, h.fetch.Calls())
}

func TestProgressStages(t *testing.T) {
	h := newHarness(t, []step{{err: transient()}, {data: completeProfile(testStart)}})

	_, err := h.orch.Resolve(context.Background(), job("fixed", time.Minute))
	require.NoError(t, err)
	require.Equal(t, []progress.Stage{
		progress.StageJobStart,
		progress.StageAttempt,
		progress.StageAttempt,
		progress.StageValidated,
		progress.StageJobDone,
	}, h.emitter.Stages())
}

func TestArchivePath(t *testing.T) {
	at := time.Unix(0, 42)
	require.Equal(t, "raw/ab/abcdef/42.json", ArchivePath("raw", "abcdef", at, "application/json; charset=utf-8"))
	require.Equal(t, "ab/abcdef/42.html", ArchivePath("", "abcdef", at, "text/html"))
	require.Equal(t, "ab/abcdef/42.bin", ArchivePath("", "abcdef", at, ""))
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

// raceFetcher blocks its first call after capturing the retrieval time so a
// second call can finish first with newer data.
type raceFetcher struct {
	clock   *fakeClock
	started chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func (f *raceFetcher) Fetch(ctx context.Context, req scrape.FetchRequest) (scrape.Payload, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	retrieved := f.clock.Now()
	data := completeProfile(retrieved)
	if call == 1 {
		data["display_name"] = "stale"
		close(f.started)
		select {
		case <-f.release:
		case <-ctx.Done():
			return scrape.Payload{}, ctx.Err()
		}
	} else {
		data["display_name"] = "fresh"
	}
	return scrape.Payload{
		Data:        data,
		ContentType: "application/json",
		Source:      req.Target,
		RetrievedAt: retrieved,
	}, nil
}

func TestSlowStaleFetchDoesNotClobberNewerResult(t *testing.T) {
	fetcher := &raceFetcher{started: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, nil, withFetcher(fetcher))
	fetcher.clock = h.clock
	ctx := context.Background()

	slowDone := make(chan error, 1)
	go func() {
		_, err := h.orch.Refresh(ctx, job("fixed", 5*time.Minute))
		slowDone <- err
	}()
	<-fetcher.started

	h.clock.Advance(time.Second)
	fast, err := h.orch.Refresh(ctx, job("fixed", 5*time.Minute))
	require.NoError(t, err)
	require.Equal(t, testStart.Add(time.Second), fast.WrittenAt)

	h.clock.Advance(4 * time.Second)
	close(fetcher.release)
	require.NoError(t, <-slowDone)

	entry, ok := h.cache.Get(ctx, fast.Fingerprint)
	require.True(t, ok)
	require.Equal(t, "fresh", entry.Payload.Data["display_name"])
	require.Equal(t, testStart.Add(time.Second), entry.WrittenAt)

	shared, ok, err := h.l2.Get(ctx, fast.Fingerprint)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "fresh", shared.Payload.Data["display_name"])
	require.Equal(t, uint64(1), h.cache.Stats().StaleWrites)
}
