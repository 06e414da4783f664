// Package page implements a fetch adapter for HTML pages using gocolly, with
// field extraction through goquery.
package page

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/realtime-social-scraper/internal/metrics"
	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	Headers       http.Header
}

// Fetcher implements scrape.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	clock         scrape.Clock
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// visit holds what the collector callbacks observed for one attempt.
type visit struct {
	payload scrape.Payload
	failure error
}

// New builds a Fetcher. A nil clock uses wall time.
func New(cfg Config, clock scrape.Clock) *Fetcher {
	if clock == nil {
		clock = wallClock{}
	}
	metrics.Init()
	c := colly.NewCollector(colly.Async(false))
	// Retries hit the same URL; the collector must not dedupe them.
	c.AllowURLRevisit = true
	c.WithTransport(newHTTPTransport())

	return &Fetcher{
		cfg:           cfg,
		clock:         clock,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET using Colly and extracts fields from the
// returned document. Job parameters are appended to the query string.
func (f *Fetcher) Fetch(ctx context.Context, req scrape.FetchRequest) (scrape.Payload, error) {
	target, err := withParameters(req.Target, req.Parameters)
	if err != nil {
		return scrape.Payload{}, scrape.NewFetchFailure(scrape.FailurePermanent, err)
	}
	var result visit
	collector := f.buildCollector()
	collector.Context = ctx
	f.configureCollectorHooks(collector, &result)

	if err := f.runCollector(ctx, collector, target, &result); err != nil {
		return scrape.Payload{}, err
	}
	metrics.ObserveFetchBytes(result.payload.Source, len(result.payload.Raw))
	return result.payload, nil
}

func (f *Fetcher) buildCollector() *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, result *visit) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range f.cfg.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		data, err := Extract(r.Body)
		if err != nil {
			result.failure = scrape.NewFetchFailure(scrape.FailurePermanent, err)
			return
		}
		contentType := ""
		if r.Headers != nil {
			contentType = r.Headers.Get("Content-Type")
		}
		result.payload = scrape.Payload{
			Data:        data,
			Raw:         append([]byte(nil), r.Body...),
			ContentType: contentType,
			Source:      r.Request.URL.String(),
			RetrievedAt: f.clock.Now(),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			var header http.Header
			if r.Headers != nil {
				header = *r.Headers
			}
			failure := scrape.FailureFromStatus(r.StatusCode, header, f.clock.Now())
			if failure.Category == scrape.FailureNone {
				// colly reports 203-299 as errors; there is no body to use.
				failure.Category = scrape.FailurePermanent
			}
			result.failure = failure
			return
		}
		result.failure = classifyVisitError(err)
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, result *visit) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("page fetch canceled: %w", ctx.Err())
	case err := <-done:
		if result.failure != nil {
			return result.failure
		}
		if err != nil {
			return classifyVisitError(err)
		}
		return nil
	}
}

func classifyVisitError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, colly.ErrRobotsTxtBlocked),
		errors.Is(err, colly.ErrForbiddenDomain),
		errors.Is(err, colly.ErrForbiddenURL),
		errors.Is(err, colly.ErrMissingURL),
		errors.Is(err, colly.ErrMaxDepth):
		return scrape.NewFetchFailure(scrape.FailurePermanent, err)
	}
	category, _ := scrape.ClassifyError(err)
	return scrape.NewFetchFailure(category, fmt.Errorf("colly visit failed: %w", err))
}

func withParameters(target string, params map[string]string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse target: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("target %q is not an absolute URL", target)
	}
	if len(params) == 0 {
		return u.String(), nil
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
