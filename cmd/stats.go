package cmd

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-social-scraper/internal/cache"
)

type statsOptions struct {
	server  string
	apiKey  string
	reset   bool
	timeout time.Duration
}

// statsResponse mirrors GET /v1/cache/stats.
type statsResponse struct {
	Stats     cache.StatsSnapshot `json:"stats"`
	L1Entries int                 `json:"l1_entries"`
	Warming   *struct {
		LastRun *time.Time       `json:"last_run"`
		Report  cache.WarmReport `json:"report"`
	} `json:"warming"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newStatsCmd() *cobra.Command {
	opts := &statsOptions{}
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Prints cache statistics from a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStats(cmd, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.server, "server", "", "server base URL (default http://localhost:<server.port>)")
	flags.StringVar(&opts.apiKey, "api-key", "", "API key (default auth.api_key)")
	flags.BoolVar(&opts.reset, "reset", false, "reset the counters after printing them")
	flags.DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")
	return cmd
}

func runStats(cmd *cobra.Command, opts *statsOptions) error {
	rt, err := runtimeFrom(cmd.Context())
	if err != nil {
		return err
	}
	server := opts.server
	if server == "" {
		server = fmt.Sprintf("http://localhost:%d", rt.cfg.Server.Port)
	}
	apiKey := opts.apiKey
	if apiKey == "" && rt.cfg.Auth.Enabled {
		apiKey = rt.cfg.Auth.APIKey
	}

	client := resty.New().
		SetBaseURL(server).
		SetTimeout(opts.timeout).
		SetHeader("Accept", "application/json")
	if apiKey != "" {
		client.SetHeader("X-API-Key", apiKey)
	}

	var out statsResponse
	var apiErr errorResponse
	resp, err := client.R().
		SetContext(cmd.Context()).
		SetResult(&out).
		SetError(&apiErr).
		Get("/v1/cache/stats")
	if err != nil {
		return fmt.Errorf("fetch cache stats: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("fetch cache stats: %s: %s", resp.Status(), apiErr.Error)
	}
	renderStats(cmd.OutOrStdout(), out)

	if opts.reset {
		resp, err := client.R().SetContext(cmd.Context()).SetError(&apiErr).Post("/v1/cache/stats/reset")
		if err != nil {
			return fmt.Errorf("reset cache stats: %w", err)
		}
		if resp.IsError() {
			return fmt.Errorf("reset cache stats: %s: %s", resp.Status(), apiErr.Error)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "counters reset")
	}
	return nil
}

func renderStats(w io.Writer, s statsResponse) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Cache")
	t.AppendHeader(table.Row{"metric", "l1", "l2", "total"})
	st := s.Stats
	t.AppendRows([]table.Row{
		{"hits", st.L1Hits, st.L2Hits, st.L1Hits + st.L2Hits},
		{"misses", st.L1Misses, st.L2Misses, st.Misses},
		{"avg latency", st.L1AvgLatency, st.L2AvgLatency, ""},
		{"entries", s.L1Entries, "", ""},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"writes", "", "", st.Writes},
		{"short-lived writes", "", "", st.ShortLivedWrites},
		{"stale writes", "", "", st.StaleWrites},
		{"evictions", st.Evictions, "", ""},
		{"expirations", "", "", st.Expirations},
		{"invalidations", "", "", st.Invalidations},
		{"l2 errors", "", st.L2Errors, ""},
	})
	t.AppendFooter(table.Row{"hit ratio", "", "", strconv.FormatFloat(st.HitRatio, 'f', 3, 64)})
	t.Render()

	if s.Warming == nil {
		return
	}
	wt := table.NewWriter()
	wt.SetOutputMirror(w)
	wt.SetTitle("Warming")
	last := "never"
	if s.Warming.LastRun != nil {
		last = s.Warming.LastRun.Format(time.RFC3339)
	}
	r := s.Warming.Report
	wt.AppendRows([]table.Row{
		{"last run", last},
		{"requested", r.Requested},
		{"refreshed", len(r.Refreshed)},
		{"skipped", len(r.Skipped)},
		{"failed", len(r.Failed)},
	})
	wt.Render()
}
