package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFetchDecodesObject(t *testing.T) {
	var seen *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(context.Background())
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"u1","username":"alice","follower_count":12}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, UserAgent: "scrape-test"}, fixedClock{now: testNow})
	payload, err := c.Fetch(context.Background(), scrape.FetchRequest{
		Target:     "/users/alice",
		Parameters: map[string]string{"view": "full"},
	})
	require.NoError(t, err)
	require.NotNil(t, seen)
	require.Equal(t, "/users/alice", seen.URL.Path)
	require.Equal(t, "full", seen.URL.Query().Get("view"))
	require.Equal(t, "scrape-test", seen.Header.Get("User-Agent"))
	require.Equal(t, "alice", payload.Data["username"])
	require.Equal(t, json.Number("12"), payload.Data["follower_count"])
	require.Equal(t, testNow, payload.RetrievedAt)
	require.Contains(t, payload.ContentType, "application/json")
	require.NotEmpty(t, payload.Raw)
}

func TestFetchEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"id":"p1"},"meta":{}}`))
	}))
	defer srv.Close()

	c := New(Config{Envelope: "data"}, fixedClock{now: testNow})
	payload, err := c.Fetch(context.Background(), scrape.FetchRequest{Target: srv.URL})
	require.NoError(t, err)
	require.Equal(t, "p1", payload.Data["id"])

	c = New(Config{Envelope: "result"}, fixedClock{now: testNow})
	_, err = c.Fetch(context.Background(), scrape.FetchRequest{Target: srv.URL})
	var failure *scrape.FetchFailure
	require.True(t, errors.As(err, &failure))
	require.Equal(t, scrape.FailurePermanent, failure.Category)
}

func TestFetchClassifiesStatus(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		header   map[string]string
		category scrape.FailureCategory
		after    time.Duration
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, header: map[string]string{"Retry-After": "7"}, category: scrape.FailureRateLimited, after: 7 * time.Second},
		{name: "server error", status: http.StatusBadGateway, category: scrape.FailureTransientNetwork},
		{name: "gateway timeout", status: http.StatusGatewayTimeout, category: scrape.FailureTimeout},
		{name: "not found", status: http.StatusNotFound, category: scrape.FailurePermanent},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tc.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			c := New(Config{}, fixedClock{now: testNow})
			_, err := c.Fetch(context.Background(), scrape.FetchRequest{Target: srv.URL})
			var failure *scrape.FetchFailure
			require.True(t, errors.As(err, &failure))
			require.Equal(t, tc.category, failure.Category)
			require.Equal(t, tc.status, failure.StatusCode)
			require.Equal(t, tc.after, failure.RetryAfter)
		})
	}
}

func TestFetchNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	target := srv.URL
	srv.Close()

	c := New(Config{Timeout: time.Second}, fixedClock{now: testNow})
	_, err := c.Fetch(context.Background(), scrape.FetchRequest{Target: target})
	category, _ := scrape.ClassifyError(err)
	require.Equal(t, scrape.FailureTransientNetwork, category)
}

func TestFetchCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := New(Config{}, fixedClock{now: testNow})
	_, err := c.Fetch(ctx, scrape.FetchRequest{Target: srv.URL})
	require.True(t, errors.Is(err, context.Canceled))
}
