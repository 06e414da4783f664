// Package orchestrator resolves scrape jobs: cache lookup, fetch attempts
// under a retry policy, validation, and cache write-back.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-social-scraper/internal/cache"
	"github.com/JakeFAU/realtime-social-scraper/internal/fingerprint"
	"github.com/JakeFAU/realtime-social-scraper/internal/id/uuid"
	"github.com/JakeFAU/realtime-social-scraper/internal/metrics"
	"github.com/JakeFAU/realtime-social-scraper/internal/progress"
	"github.com/JakeFAU/realtime-social-scraper/internal/retry"
	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
	"github.com/JakeFAU/realtime-social-scraper/internal/telemetry"
	"github.com/JakeFAU/realtime-social-scraper/internal/validate"
)

// DefaultContentRetries is the number of extra fetch rounds allowed after a
// rejected payload.
const DefaultContentRetries = 2

// Options wires an Orchestrator. Policies, Schemas, Engine, Validator, Cache
// and Fetcher are required.
type Options struct {
	Policies  *retry.Registry
	Schemas   *validate.Registry
	Engine    *retry.Engine
	Validator *validate.Validator
	Cache     *cache.Cache
	Fetcher   scrape.Fetcher

	Clock scrape.Clock
	IDs   scrape.IDGenerator
	// Sleep waits between content rounds. Defaults to retry.TimerSleep.
	Sleep retry.SleepFunc
	// ContentRetries of 0 selects DefaultContentRetries; negative disables
	// content retries.
	ContentRetries int

	// Archive, when set, receives the raw body of every accepted or degraded
	// payload under ArchivePrefix.
	Archive       scrape.BlobStore
	ArchivePrefix string
	// Publisher, when set, receives one Notification per fetched resolution.
	Publisher   scrape.Publisher
	ResultTopic string
	Progress    progress.Emitter

	Tracer trace.Tracer
	Logger *zap.Logger
}

// Orchestrator composes the cache, retry engine and validator per job. It is
// safe for concurrent use.
type Orchestrator struct {
	policies       *retry.Registry
	schemas        *validate.Registry
	engine         *retry.Engine
	validator      *validate.Validator
	cache          *cache.Cache
	fetcher        scrape.Fetcher
	clock          scrape.Clock
	ids            scrape.IDGenerator
	sleep          retry.SleepFunc
	contentRetries int
	archive        scrape.BlobStore
	archivePrefix  string
	publisher      scrape.Publisher
	resultTopic    string
	progress       progress.Emitter
	tracer         trace.Tracer
	logger         *zap.Logger
}

// Notification is published for every resolution that went to the network.
type Notification struct {
	JobID       string        `json:"job_id"`
	Fingerprint string        `json:"fingerprint"`
	Target      string        `json:"target"`
	Status      scrape.Status `json:"status"`
	Score       float64       `json:"quality_score,omitempty"`
	Attempts    int           `json:"attempts"`
	ArchiveURI  string        `json:"archive_uri,omitempty"`
	Error       string        `json:"error,omitempty"`
	ResolvedAt  time.Time     `json:"resolved_at"`
}

// New validates opts and builds an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Policies == nil:
		return nil, errors.New("orchestrator: retry policy registry is required")
	case opts.Schemas == nil:
		return nil, errors.New("orchestrator: schema registry is required")
	case opts.Engine == nil:
		return nil, errors.New("orchestrator: retry engine is required")
	case opts.Validator == nil:
		return nil, errors.New("orchestrator: validator is required")
	case opts.Cache == nil:
		return nil, errors.New("orchestrator: cache is required")
	case opts.Fetcher == nil:
		return nil, errors.New("orchestrator: fetcher is required")
	}
	o := &Orchestrator{
		policies:       opts.Policies,
		schemas:        opts.Schemas,
		engine:         opts.Engine,
		validator:      opts.Validator,
		cache:          opts.Cache,
		fetcher:        opts.Fetcher,
		clock:          opts.Clock,
		ids:            opts.IDs,
		sleep:          opts.Sleep,
		contentRetries: opts.ContentRetries,
		archive:        opts.Archive,
		archivePrefix:  strings.Trim(opts.ArchivePrefix, "/"),
		publisher:      opts.Publisher,
		resultTopic:    opts.ResultTopic,
		progress:       opts.Progress,
		tracer:         opts.Tracer,
		logger:         opts.Logger,
	}
	if o.clock == nil {
		o.clock = utcClock{}
	}
	if o.ids == nil {
		o.ids = uuid.New()
	}
	if o.sleep == nil {
		o.sleep = retry.TimerSleep
	}
	switch {
	case o.contentRetries == 0:
		o.contentRetries = DefaultContentRetries
	case o.contentRetries < 0:
		o.contentRetries = 0
	}
	if o.tracer == nil {
		o.tracer = telemetry.Tracer("github.com/JakeFAU/realtime-social-scraper/internal/orchestrator")
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	o.logger = o.logger.Named("orchestrator")
	metrics.Init()
	return o, nil
}

// ContentRetries reports the effective content retry budget.
func (o *Orchestrator) ContentRetries() int {
	return o.contentRetries
}

// Prepare validates job, assigns an ID and creation time when missing,
// resolves the policy and schema names to their registered values, and
// returns the job with its fingerprint. Errors wrap scrape.ErrInvalidJob or
// are *scrape.ConfigurationError.
func (o *Orchestrator) Prepare(job scrape.Job) (scrape.Job, string, error) {
	job, _, _, fp, err := o.prepare(job)
	return job, fp, err
}

func (o *Orchestrator) prepare(job scrape.Job) (scrape.Job, *retry.Policy, *validate.Schema, string, error) {
	if err := job.Validate(); err != nil {
		return job, nil, nil, "", fmt.Errorf("%w: %v", scrape.ErrInvalidJob, err)
	}
	policy, err := o.policies.Lookup(job.PolicyName)
	if err != nil {
		return job, nil, nil, "", err
	}
	schema, err := o.schemas.Lookup(job.SchemaName)
	if err != nil {
		return job, nil, nil, "", err
	}
	job = job.Descriptor()
	job.PolicyName = policy.Name
	job.SchemaName = schema.Name
	if job.ID == "" {
		id, err := o.ids.NewID()
		if err != nil {
			return job, nil, nil, "", fmt.Errorf("assign job id: %w", err)
		}
		job.ID = id
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = o.clock.Now()
	}
	return job, policy, schema, fingerprint.Job(job), nil
}

// Resolve returns a fresh enough cached result or fetches, validates and
// caches a new one. Failures are *scrape.ScrapeFailure, a
// *scrape.ConfigurationError, or wrap scrape.ErrInvalidJob.
func (o *Orchestrator) Resolve(ctx context.Context, job scrape.Job) (scrape.Resolution, error) {
	return o.resolve(ctx, job, true, "")
}

// Refresh runs the fetch path without consulting the cache and writes the
// result back.
func (o *Orchestrator) Refresh(ctx context.Context, job scrape.Job) (scrape.Resolution, error) {
	return o.resolve(ctx, job, false, "manual")
}

// RefreshBy is Refresh with the caller recorded as revalidated_by in logs.
func (o *Orchestrator) RefreshBy(ctx context.Context, job scrape.Job, by string) (scrape.Resolution, error) {
	return o.resolve(ctx, job, false, by)
}

func (o *Orchestrator) resolve(ctx context.Context, job scrape.Job, useCache bool, revalidatedBy string) (scrape.Resolution, error) {
	start := o.clock.Now()
	job, policy, schema, fp, err := o.prepare(job)
	if err != nil {
		return scrape.Resolution{}, err
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.resolve", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.fingerprint", fp),
		attribute.String("job.policy", policy.Name),
		attribute.String("job.schema", schema.Name),
		attribute.Bool("job.refresh", !useCache),
	))
	defer span.End()

	logger := o.logger.With(zap.String("job_id", job.ID), zap.String("fingerprint", fp))
	o.emit(progress.Event{JobID: job.ID, Fingerprint: fp, Stage: progress.StageJobStart, Target: job.Target})

	if useCache {
		if res, ok := o.fromCache(ctx, job, fp); ok {
			span.SetAttributes(attribute.Bool("cache.hit", true), attribute.String("cache.tier", res.Tier))
			metrics.ObserveJob(string(res.Status), true, o.clock.Now().Sub(start))
			o.emit(progress.Event{
				JobID: job.ID, Fingerprint: fp, Stage: progress.StageCacheHit, Target: job.Target,
				Status: string(res.Status), Score: res.Score, Dur: o.clock.Now().Sub(start),
			})
			logger.Debug("served from cache", zap.String("tier", res.Tier), zap.Float64("score", res.Score))
			return res, nil
		}
		span.SetAttributes(attribute.Bool("cache.hit", false))
	}

	res, err := o.fetchAndValidate(ctx, job, policy, schema, fp, logger)
	elapsed := o.clock.Now().Sub(start)
	if err != nil {
		status := scrape.StatusFailed
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = scrape.StatusCanceled
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolve failed")
		metrics.ObserveJob(string(status), false, elapsed)
		o.emit(progress.Event{
			JobID: job.ID, Fingerprint: fp, Stage: progress.StageJobError, Target: job.Target,
			Status: string(status), Dur: elapsed, Note: err.Error(),
		})
		attempts := 0
		var failure *scrape.ScrapeFailure
		if errors.As(err, &failure) {
			attempts = len(failure.Attempts)
		}
		o.notify(ctx, Notification{
			JobID: job.ID, Fingerprint: fp, Target: job.Target, Status: status,
			Attempts: attempts, Error: err.Error(), ResolvedAt: o.clock.Now(),
		}, logger)
		logger.Warn("job failed", zap.String("status", string(status)), zap.Int("attempts", attempts), zap.Error(err))
		return scrape.Resolution{}, err
	}

	span.SetAttributes(attribute.Float64("validation.score", res.Score), attribute.String("job.status", string(res.Status)))
	metrics.ObserveJob(string(res.Status), false, elapsed)
	o.emit(progress.Event{
		JobID: job.ID, Fingerprint: fp, Stage: progress.StageJobDone, Target: job.Target,
		Status: string(res.Status), Score: res.Score, Dur: elapsed,
	})
	o.notify(ctx, Notification{
		JobID: job.ID, Fingerprint: fp, Target: job.Target, Status: res.Status, Score: res.Score,
		Attempts: len(res.Attempts), ArchiveURI: res.ArchiveURI, ResolvedAt: o.clock.Now(),
	}, logger)
	if revalidatedBy != "" {
		logger.Info("entry revalidated",
			zap.String("revalidated_by", revalidatedBy),
			zap.String("status", string(res.Status)),
			zap.Float64("score", res.Score),
		)
	}
	return res, nil
}

func (o *Orchestrator) fromCache(ctx context.Context, job scrape.Job, fp string) (scrape.Resolution, bool) {
	entry, ok := o.cache.Get(ctx, fp)
	if !ok {
		return scrape.Resolution{}, false
	}
	if entry.Score < scrape.DegradedThreshold || entry.Age(o.clock.Now()) > job.Freshness {
		return scrape.Resolution{}, false
	}
	return scrape.Resolution{
		JobID:       job.ID,
		Fingerprint: fp,
		Status:      entry.Class.Status(),
		Payload:     entry.Payload,
		Score:       entry.Score,
		FromCache:   true,
		Tier:        string(entry.Tier),
		WrittenAt:   entry.WrittenAt,
	}, true
}

func (o *Orchestrator) fetchAndValidate(
	ctx context.Context,
	job scrape.Job,
	policy *retry.Policy,
	schema *validate.Schema,
	fp string,
	logger *zap.Logger,
) (scrape.Resolution, error) {
	rounds := 1 + o.contentRetries
	var (
		attempts []scrape.AttemptRecord
		last     *scrape.ValidationResult
	)
	fail := func(err error) error {
		return &scrape.ScrapeFailure{
			JobID:       job.ID,
			Fingerprint: fp,
			Attempts:    attempts,
			Validation:  last,
			Err:         err,
		}
	}

	for round := 1; round <= rounds; round++ {
		outcome, err := o.engine.AttemptRound(ctx, job, policy, o.fetcher, round)
		attempts = append(attempts, outcome.Attempts...)
		o.emitAttempts(job, fp, outcome.Attempts)
		if err != nil {
			return scrape.Resolution{}, fail(err)
		}

		result := o.validator.Validate(outcome.Payload, schema, job.Freshness)
		last = &result
		metrics.ObserveScore(schema.Name, result.Score)
		o.emit(progress.Event{
			JobID: job.ID, Fingerprint: fp, Stage: progress.StageValidated, Target: job.Target,
			Round: round, Score: result.Score, Status: string(result.Class),
		})
		if result.Class != scrape.ClassRejected {
			return o.accept(ctx, job, fp, outcome.Payload, result, attempts, logger), nil
		}

		logger.Info("payload rejected",
			zap.Int("round", round),
			zap.Float64("score", result.Score),
			zap.Strings("missing_fields", result.MissingFields),
			zap.Strings("failed_checks", result.FailedChecks),
		)
		if round == rounds {
			break
		}
		metrics.ObserveContentRetry(schema.Name)
		o.emit(progress.Event{JobID: job.ID, Fingerprint: fp, Stage: progress.StageContentRetry, Target: job.Target, Round: round + 1})
		if err := o.sleep(ctx, policy.BaseDelay); err != nil {
			return scrape.Resolution{}, fail(fmt.Errorf("content retry wait: %w", err))
		}
	}
	return scrape.Resolution{}, fail(fmt.Errorf("%w: score %.2f after %d round(s)",
		scrape.ErrValidationRejected, last.Score, rounds))
}

func (o *Orchestrator) accept(
	ctx context.Context,
	job scrape.Job,
	fp string,
	payload scrape.Payload,
	result scrape.ValidationResult,
	attempts []scrape.AttemptRecord,
	logger *zap.Logger,
) scrape.Resolution {
	// WrittenAt is the retrieval time: last-write-wins orders by data age,
	// not by which job finished last.
	stamp := payload.RetrievedAt
	if stamp.IsZero() {
		stamp = o.clock.Now()
	}
	entry := cache.Entry{
		Payload:   payload,
		Score:     result.Score,
		Class:     result.Class,
		WrittenAt: stamp,
		Job:       job,
	}
	if err := o.cache.Put(ctx, fp, entry); err != nil {
		// The result is still good; only sharing it failed.
		logger.Warn("cache write degraded", zap.Error(err))
	}
	return scrape.Resolution{
		JobID:       job.ID,
		Fingerprint: fp,
		Status:      result.Class.Status(),
		Payload:     payload,
		Score:       result.Score,
		Validation:  &result,
		Attempts:    attempts,
		WrittenAt:   stamp,
		ArchiveURI:  o.archiveRaw(ctx, fp, payload, stamp, logger),
	}
}

// ArchivePath is the blob path used for a raw payload.
func ArchivePath(prefix, fp string, at time.Time, contentType string) string {
	shard := fp
	if len(shard) > 2 {
		shard = shard[:2]
	}
	name := fmt.Sprintf("%s/%s/%d%s", shard, fp, at.UnixNano(), extensionFor(contentType))
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

func extensionFor(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json"):
		return ".json"
	case strings.Contains(ct, "html"):
		return ".html"
	case strings.Contains(ct, "xml"):
		return ".xml"
	case strings.HasPrefix(ct, "text/"):
		return ".txt"
	default:
		return ".bin"
	}
}

func (o *Orchestrator) archiveRaw(ctx context.Context, fp string, payload scrape.Payload, at time.Time, logger *zap.Logger) string {
	if o.archive == nil || len(payload.Raw) == 0 {
		return ""
	}
	path := ArchivePath(o.archivePrefix, fp, at, payload.ContentType)
	contentType := payload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	uri, err := o.archive.PutObject(ctx, path, contentType, bytes.NewReader(payload.Raw))
	if err != nil {
		logger.Warn("archive raw payload failed", zap.String("path", path), zap.Error(err))
		return ""
	}
	return uri
}

func (o *Orchestrator) notify(ctx context.Context, n Notification, logger *zap.Logger) {
	if o.publisher == nil {
		return
	}
	if _, err := o.publisher.Publish(ctx, o.resultTopic, n); err != nil {
		logger.Warn("publish notification failed", zap.Error(err))
	}
}

func (o *Orchestrator) emitAttempts(job scrape.Job, fp string, attempts []scrape.AttemptRecord) {
	for _, rec := range attempts {
		o.emit(progress.Event{
			JobID:       job.ID,
			Fingerprint: fp,
			Stage:       progress.StageAttempt,
			Target:      job.Target,
			Attempt:     rec.Index,
			Round:       rec.Round,
			Category:    string(rec.Category),
			Dur:         rec.Duration,
			Note:        rec.Error,
		})
	}
}

func (o *Orchestrator) emit(evt progress.Event) {
	if o.progress == nil {
		return
	}
	evt.TS = o.clock.Now()
	o.progress.Emit(evt)
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }
