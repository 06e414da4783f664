package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
)

// Resolver resolves one job. *orchestrator.Orchestrator satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, job scrape.Job) (scrape.Resolution, error)
	Refresh(ctx context.Context, job scrape.Job) (scrape.Resolution, error)
}

type resolveOptions struct {
	target    string
	freshness time.Duration
	params    map[string]string
	policy    string
	schema    string
	refresh   bool
	output    string
	timeout   time.Duration
}

func newResolveCmd() *cobra.Command {
	opts := &resolveOptions{}
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolves a single job and prints the result",
		Example: `  scrapeengine resolve --target https://api.example.com/v1/profile \
    --param user=alice --freshness 5m --schema profile`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runResolve(cmd, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.target, "target", "", "URL or API path to resolve")
	flags.DurationVar(&opts.freshness, "freshness", 5*time.Minute, "maximum acceptable data age")
	flags.StringToStringVar(&opts.params, "param", nil, "request parameter as key=value (repeatable)")
	flags.StringVar(&opts.policy, "policy", "", "retry policy name (default policy when empty)")
	flags.StringVar(&opts.schema, "schema", "", "validation schema name (default schema when empty)")
	flags.BoolVar(&opts.refresh, "refresh", false, "bypass the cache read and fetch fresh data")
	flags.StringVarP(&opts.output, "output", "o", "table", "output format: table or json")
	flags.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "overall deadline for the resolution")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func runResolve(cmd *cobra.Command, opts *resolveOptions) error {
	if opts.output != "table" && opts.output != "json" {
		return fmt.Errorf("unsupported output %q", opts.output)
	}
	rt, err := runtimeFrom(cmd.Context())
	if err != nil {
		return err
	}
	app, err := buildApp(cmd.Context(), rt.cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() { _ = app.Close(context.WithoutCancel(cmd.Context())) }()

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	job := scrape.Job{
		Target:     opts.target,
		Parameters: opts.params,
		Freshness:  opts.freshness,
		PolicyName: opts.policy,
		SchemaName: opts.schema,
	}
	resolve := app.Resolver().Resolve
	if opts.refresh {
		resolve = app.Resolver().Refresh
	}
	res, err := resolve(ctx, job)
	if err != nil {
		var failure *scrape.ScrapeFailure
		if errors.As(err, &failure) {
			renderFailure(cmd.ErrOrStderr(), failure)
		}
		return err
	}
	if opts.output == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	renderResolution(cmd.OutOrStdout(), res)
	return nil
}

func renderResolution(w io.Writer, res scrape.Resolution) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Resolution")
	t.AppendRows([]table.Row{
		{"job_id", res.JobID},
		{"fingerprint", res.Fingerprint},
		{"status", res.Status},
		{"quality_score", strconv.FormatFloat(res.Score, 'f', 2, 64)},
		{"from_cache", res.FromCache},
		{"tier", res.Tier},
		{"attempts", len(res.Attempts)},
		{"written_at", res.WrittenAt.Format(time.RFC3339)},
	})
	if res.ArchiveURI != "" {
		t.AppendRow(table.Row{"archive_uri", res.ArchiveURI})
	}
	if v := res.Validation; v != nil && len(v.MissingFields) > 0 {
		t.AppendRow(table.Row{"missing_fields", v.MissingFields})
	}
	t.Render()
}

func renderFailure(w io.Writer, f *scrape.ScrapeFailure) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Attempts for job " + f.JobID)
	t.AppendHeader(table.Row{"round", "#", "outcome", "category", "duration", "next_delay", "error"})
	for _, a := range f.Attempts {
		t.AppendRow(table.Row{a.Round, a.Index, a.Outcome, a.Category, a.Duration, a.NextDelay, a.Error})
	}
	t.Render()
}
