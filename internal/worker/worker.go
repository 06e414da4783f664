// Package worker runs queued scrape jobs through the orchestrator.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-social-scraper/internal/metrics"
	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
)

// Resolver resolves one job. *orchestrator.Orchestrator satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, job scrape.Job) (scrape.Resolution, error)
}

// Worker consumes queue items and records each outcome in the job store.
type Worker struct {
	id       int
	queue    scrape.Queue
	jobStore scrape.JobStore
	resolver Resolver
	clock    scrape.Clock
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	id int,
	queue scrape.Queue,
	jobStore scrape.JobStore,
	resolver Resolver,
	clock scrape.Clock,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Worker{
		id:       id,
		queue:    queue,
		jobStore: jobStore,
		resolver: resolver,
		clock:    clock,
		logger:   logger.Named("worker").With(zap.Int("worker_id", id)),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, scrape.ErrQueueClosed) {
				w.logger.Debug("queue closed; worker exiting")
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.Job.ID))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item scrape.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	job := item.Job
	logger := w.logger.With(zap.String("job_id", job.ID))
	if w.resolver == nil {
		logger.Error("no resolver configured")
		w.finish(ctx, w.failedRecord(item, "no resolver configured"), logger)
		return
	}

	record := w.loadRecord(ctx, item, logger)
	started := w.clock.Now()
	record.Status = scrape.StatusRunning
	record.Started = &started
	if err := w.jobStore.UpdateJob(ctx, record); err != nil {
		logger.Error("update job status failed", zap.Error(err))
		finished := w.clock.Now()
		record.Status = scrape.StatusFailed
		record.Finished = &finished
		record.ErrorText = fmt.Sprintf("mark job running: %v", err)
		w.finish(ctx, record, logger)
		return
	}

	res, err := w.resolver.Resolve(ctx, job)
	finished := w.clock.Now()
	record.Finished = &finished
	if err != nil {
		applyFailure(&record, err)
		logger.Warn("job failed", zap.String("status", string(record.Status)), zap.Error(err))
	} else {
		applyResolution(&record, res)
		logger.Info("job finished",
			zap.String("status", string(record.Status)),
			zap.Float64("score", record.Score),
			zap.Bool("from_cache", record.FromCache),
		)
	}
	w.finish(ctx, record, logger)
}

// loadRecord returns the stored record, creating one for items that were
// enqueued without going through the job store.
func (w *Worker) loadRecord(ctx context.Context, item scrape.QueueItem, logger *zap.Logger) scrape.JobRecord {
	record, err := w.jobStore.GetJob(ctx, item.Job.ID)
	if err == nil {
		return record
	}
	record = scrape.JobRecord{Job: item.Job, Status: scrape.StatusQueued, Submitted: item.Submitted}
	if !errors.Is(err, scrape.ErrJobNotFound) {
		logger.Warn("load job record failed", zap.Error(err))
		return record
	}
	if err := w.jobStore.CreateJob(ctx, record); err != nil {
		logger.Warn("create job record failed", zap.Error(err))
	}
	return record
}

func (w *Worker) failedRecord(item scrape.QueueItem, reason string) scrape.JobRecord {
	now := w.clock.Now()
	return scrape.JobRecord{
		Job:       item.Job,
		Status:    scrape.StatusFailed,
		Submitted: item.Submitted,
		Finished:  &now,
		ErrorText: reason,
	}
}

// finish stores the terminal record. The job context may already be done, so
// the write uses a context that survives cancellation.
func (w *Worker) finish(ctx context.Context, record scrape.JobRecord, logger *zap.Logger) {
	if err := w.jobStore.UpdateJob(context.WithoutCancel(ctx), record); err != nil {
		if errors.Is(err, scrape.ErrJobNotFound) {
			err = w.jobStore.CreateJob(context.WithoutCancel(ctx), record)
		}
		if err != nil {
			logger.Error("final job status update failed", zap.Error(fmt.Errorf("store job %s: %w", record.Job.ID, err)))
		}
	}
}

func applyResolution(record *scrape.JobRecord, res scrape.Resolution) {
	record.Fingerprint = res.Fingerprint
	record.Status = res.Status
	record.Score = res.Score
	record.FromCache = res.FromCache
	record.Attempts = res.Attempts
	record.Payload = res.Payload.Data
	record.ErrorText = ""
}

func applyFailure(record *scrape.JobRecord, err error) {
	record.Status = scrape.StatusFailed
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		record.Status = scrape.StatusCanceled
	}
	record.ErrorText = err.Error()
	var failure *scrape.ScrapeFailure
	if errors.As(err, &failure) {
		record.Fingerprint = failure.Fingerprint
		record.Attempts = failure.Attempts
		if failure.Validation != nil {
			record.Score = failure.Validation.Score
		}
	}
}
