package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-social-scraper/internal/cache"
	"github.com/JakeFAU/realtime-social-scraper/internal/config"
	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
)

type fakeResolver struct {
	jobs      []scrape.Job
	refreshed bool
	res       scrape.Resolution
	err       error
}

func (f *fakeResolver) Resolve(_ context.Context, job scrape.Job) (scrape.Resolution, error) {
	f.jobs = append(f.jobs, job)
	return f.res, f.err
}

func (f *fakeResolver) Refresh(ctx context.Context, job scrape.Job) (scrape.Resolution, error) {
	f.refreshed = true
	return f.Resolve(ctx, job)
}

type fakeApp struct {
	resolver *fakeResolver
	ran      bool
	closed   bool
}

func (a *fakeApp) Run(context.Context) error {
	a.ran = true
	return nil
}

func (a *fakeApp) Close(context.Context) error {
	a.closed = true
	return nil
}

func (a *fakeApp) Resolver() Resolver { return a.resolver }

func useFakeApp(t *testing.T, app *fakeApp) {
	t.Helper()
	orig := buildApp
	buildApp = func(context.Context, config.Config, *zap.Logger) (App, error) {
		return app, nil
	}
	t.Cleanup(func() { buildApp = orig })
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := newRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "absent.env")))
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestServeRunsTheApplication(t *testing.T) {
	app := &fakeApp{}
	useFakeApp(t, app)

	_, _, err := execute(t, "serve")
	require.NoError(t, err)
	require.True(t, app.ran)
}

func TestServeReportsBuildErrors(t *testing.T) {
	orig := buildApp
	buildApp = func(context.Context, config.Config, *zap.Logger) (App, error) {
		return nil, errors.New("postgres init failed: refused")
	}
	t.Cleanup(func() { buildApp = orig })

	_, _, err := execute(t, "serve")
	require.ErrorContains(t, err, "failed to initialize application services")
}

func TestResolvePrintsJSON(t *testing.T) {
	written := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	app := &fakeApp{resolver: &fakeResolver{res: scrape.Resolution{
		JobID:       "job-1",
		Fingerprint: "fp",
		Status:      scrape.StatusAccepted,
		Score:       92.5,
		WrittenAt:   written,
	}}}
	useFakeApp(t, app)

	out, _, err := execute(t, "resolve",
		"--target", "https://api.example.com/v1/profile",
		"--param", "user=alice",
		"--freshness", "2m",
		"--schema", "profile",
		"--output", "json",
	)
	require.NoError(t, err)
	require.True(t, app.closed)

	require.Len(t, app.resolver.jobs, 1)
	job := app.resolver.jobs[0]
	require.Equal(t, "https://api.example.com/v1/profile", job.Target)
	require.Equal(t, map[string]string{"user": "alice"}, job.Parameters)
	require.Equal(t, 2*time.Minute, job.Freshness)
	require.Equal(t, "profile", job.SchemaName)
	require.False(t, app.resolver.refreshed)

	var res scrape.Resolution
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, "job-1", res.JobID)
	require.InDelta(t, 92.5, res.Score, 1e-9)
}

func TestResolveTableAndRefresh(t *testing.T) {
	app := &fakeApp{resolver: &fakeResolver{res: scrape.Resolution{
		JobID:      "job-2",
		Status:     scrape.StatusDegraded,
		ArchiveURI: "memory://raw/fp.json",
	}}}
	useFakeApp(t, app)

	out, _, err := execute(t, "resolve", "--target", "/u/bob", "--refresh")
	require.NoError(t, err)
	require.True(t, app.resolver.refreshed)
	require.Contains(t, out, "job-2")
	require.Contains(t, out, "degraded")
	require.Contains(t, out, "memory://raw/fp.json")
}

func TestResolveRendersFailureAttempts(t *testing.T) {
	failure := &scrape.ScrapeFailure{
		JobID: "job-3",
		Attempts: []scrape.AttemptRecord{
			{Index: 1, Outcome: scrape.OutcomeFailure, Category: scrape.FailureTransientNetwork, Error: "connection reset"},
		},
		Err: scrape.ErrRetryExhausted,
	}
	app := &fakeApp{resolver: &fakeResolver{err: failure}}
	useFakeApp(t, app)

	_, stderr, err := execute(t, "resolve", "--target", "/u/carol")
	require.ErrorIs(t, err, scrape.ErrRetryExhausted)
	require.Contains(t, stderr, "connection reset")
	require.True(t, app.closed)
}

func TestResolveRejectsUnknownOutput(t *testing.T) {
	useFakeApp(t, &fakeApp{resolver: &fakeResolver{}})

	_, _, err := execute(t, "resolve", "--target", "/u/dan", "--output", "yaml")
	require.EqualError(t, err, `unsupported output "yaml"`)
}

func TestStatsRendersServerResponse(t *testing.T) {
	lastRun := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	var resetCalled bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "secret" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/cache/stats":
			_ = json.NewEncoder(w).Encode(statsResponse{
				Stats: cache.StatsSnapshot{
					L1Hits: 6, L2Hits: 1, L1Misses: 4, L2Misses: 3, Misses: 3, Writes: 3, HitRatio: 0.7,
				},
				L1Entries: 3,
				Warming: &struct {
					LastRun *time.Time       `json:"last_run"`
					Report  cache.WarmReport `json:"report"`
				}{LastRun: &lastRun, Report: cache.WarmReport{Requested: 2, Refreshed: []string{"a", "b"}}},
			})
		case "/v1/cache/stats/reset":
			resetCalled = true
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	out, _, err := execute(t, "stats", "--server", srv.URL, "--api-key", "secret", "--reset")
	require.NoError(t, err)
	require.Contains(t, out, "0.700")
	require.Contains(t, out, "2024-03-01T09:30:00Z")
	require.Contains(t, out, "counters reset")
	require.True(t, resetCalled)
}

func TestStatsReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
	}))
	t.Cleanup(srv.Close)

	_, _, err := execute(t, "stats", "--server", srv.URL)
	require.ErrorContains(t, err, "unauthorized")
}
