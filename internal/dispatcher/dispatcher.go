// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
	"github.com/JakeFAU/realtime-social-scraper/internal/worker"
)

// Dispatcher fans out queue work to a pool of workers and records async
// submissions in the job store.
type Dispatcher struct {
	queue    scrape.Queue
	jobStore scrape.JobStore
	clock    scrape.Clock
	workers  []*worker.Worker
}

// New creates a Dispatcher.
func New(queue scrape.Queue, jobStore scrape.JobStore, clock scrape.Clock, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:    queue,
		jobStore: jobStore,
		clock:    clock,
		workers:  workers,
	}
}

// Run starts all workers and blocks until every worker has exited, either
// because the context finished or because the queue was closed and drained.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Wait()
}

// Submit stores a queued record for a prepared job and enqueues it. The job
// must already carry its ID.
func (d *Dispatcher) Submit(ctx context.Context, job scrape.Job, fingerprint string) (scrape.JobRecord, error) {
	record := scrape.JobRecord{
		Job:         job.Descriptor(),
		Fingerprint: fingerprint,
		Status:      scrape.StatusQueued,
		Submitted:   d.clock.Now(),
	}
	if err := d.jobStore.CreateJob(ctx, record); err != nil {
		return scrape.JobRecord{}, fmt.Errorf("create job: %w", err)
	}
	if err := d.Enqueue(ctx, scrape.QueueItem{Job: record.Job, Submitted: record.Submitted}); err != nil {
		record.Status = scrape.StatusFailed
		record.ErrorText = err.Error()
		_ = d.jobStore.UpdateJob(context.WithoutCancel(ctx), record)
		return scrape.JobRecord{}, err
	}
	return record, nil
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item scrape.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Job returns the stored record for a submitted job.
func (d *Dispatcher) Job(ctx context.Context, jobID string) (scrape.JobRecord, error) {
	record, err := d.jobStore.GetJob(ctx, jobID)
	if err != nil {
		return scrape.JobRecord{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return record, nil
}
