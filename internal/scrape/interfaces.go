package scrape

import (
	"context"
	"io"
	"time"
)

// Fetcher performs exactly one network fetch per call. Failures should be
// returned as *FetchFailure so the retry engine can classify them.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (Payload, error)
}

// FetchFunc adapts a function to the Fetcher interface.
type FetchFunc func(ctx context.Context, req FetchRequest) (Payload, error)

// Fetch calls f.
func (f FetchFunc) Fetch(ctx context.Context, req FetchRequest) (Payload, error) {
	return f(ctx, req)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Queue provides enqueue/dequeue semantics for scrape jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// JobStore persists submitted jobs and their outcomes.
type JobStore interface {
	CreateJob(ctx context.Context, record JobRecord) error
	UpdateJob(ctx context.Context, record JobRecord) error
	GetJob(ctx context.Context, jobID string) (JobRecord, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
