// Package apiclient implements a fetch adapter for JSON APIs using resty.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
)

// Config controls the HTTP client.
type Config struct {
	// BaseURL is prepended to relative targets.
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	Headers   map[string]string
	// Envelope names a top-level field whose object holds the record, for
	// APIs that wrap responses as {"data": {...}}.
	Envelope string
}

// Client performs one GET per Fetch call and decodes a JSON object into the
// payload data.
type Client struct {
	cfg   Config
	http  *resty.Client
	clock scrape.Clock
}

// New builds a Client. A nil clock uses wall time.
func New(cfg Config, clock scrape.Clock) *Client {
	if clock == nil {
		clock = wallClock{}
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")
	if cfg.BaseURL != "" {
		client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	}
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}
	if len(cfg.Headers) > 0 {
		client.SetHeaders(cfg.Headers)
	}
	return &Client{cfg: cfg, http: client, clock: clock}
}

// Fetch implements scrape.Fetcher. Job parameters become query parameters.
func (c *Client) Fetch(ctx context.Context, req scrape.FetchRequest) (scrape.Payload, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(req.Parameters).
		Get(req.Target)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return scrape.Payload{}, fmt.Errorf("api fetch %s: %w", req.Target, ctxErr)
		}
		category, _ := scrape.ClassifyError(err)
		return scrape.Payload{}, scrape.NewFetchFailure(category, fmt.Errorf("api fetch %s: %w", req.Target, err))
	}

	now := c.clock.Now()
	if resp.IsError() || resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return scrape.Payload{}, scrape.FailureFromStatus(resp.StatusCode(), resp.Header(), now)
	}

	body := resp.Body()
	data, err := c.decode(body)
	if err != nil {
		// A 2xx with an unreadable body is not going to improve on retry.
		return scrape.Payload{}, scrape.NewFetchFailure(scrape.FailurePermanent, err)
	}
	return scrape.Payload{
		Data:        data,
		Raw:         body,
		ContentType: resp.Header().Get("Content-Type"),
		Source:      resp.Request.URL,
		RetrievedAt: now,
	}, nil
}

func (c *Client) decode(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode json object: %w", err)
	}
	if c.cfg.Envelope == "" {
		return doc, nil
	}
	inner, ok := doc[c.cfg.Envelope].(map[string]any)
	if !ok {
		return nil, errors.New("response envelope " + c.cfg.Envelope + " missing or not an object")
	}
	return inner, nil
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
