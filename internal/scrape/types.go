package scrape

import (
	"errors"
	"strings"
	"time"
)

// FailureCategory classifies a failed fetch attempt.
type FailureCategory string

// Failure categories consumed by the retry engine.
const (
	FailureNone             FailureCategory = ""
	FailureTransientNetwork FailureCategory = "transient_network"
	FailureRateLimited      FailureCategory = "rate_limited"
	FailureTimeout          FailureCategory = "timeout"
	FailurePermanent        FailureCategory = "permanent"
	FailureCanceled         FailureCategory = "canceled"
)

// AttemptOutcome is the coarse result of one fetch attempt.
type AttemptOutcome string

// Attempt outcomes recorded on AttemptRecord.
const (
	OutcomeSuccess AttemptOutcome = "success"
	OutcomeFailure AttemptOutcome = "failure"
	OutcomeTimeout AttemptOutcome = "timeout"
)

// Status is the externally visible classification of a job resolution.
type Status string

// Job statuses reported to callers.
const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusAccepted Status = "accepted"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Job identifies one logical fetch request. It is treated as immutable once
// handed to the orchestrator.
type Job struct {
	ID         string            `json:"id"`
	Target     string            `json:"target"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Freshness  time.Duration     `json:"freshness"`
	PolicyName string            `json:"retry_policy"`
	SchemaName string            `json:"schema"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Validate checks the caller-supplied fields of a job descriptor.
func (j Job) Validate() error {
	if strings.TrimSpace(j.Target) == "" {
		return errors.New("target is required")
	}
	if j.Freshness <= 0 {
		return errors.New("freshness must be > 0")
	}
	return nil
}

// Descriptor returns a copy of the job safe to retain (parameters are cloned).
func (j Job) Descriptor() Job {
	cp := j
	if j.Parameters != nil {
		cp.Parameters = make(map[string]string, len(j.Parameters))
		for k, v := range j.Parameters {
			cp.Parameters[k] = v
		}
	}
	return cp
}

// Payload is the raw result of a successful fetch.
type Payload struct {
	// Data holds the decoded fields extracted by the fetch adapter.
	Data map[string]any `json:"data"`
	// Raw is the untouched response body, kept for archival.
	Raw []byte `json:"-"`
	// ContentType describes Raw.
	ContentType string `json:"content_type,omitempty"`
	// Source is the final URL the payload was retrieved from.
	Source string `json:"source,omitempty"`
	// RetrievedAt is when the adapter received the payload.
	RetrievedAt time.Time `json:"retrieved_at"`
}

// AttemptRecord captures one fetch attempt. Records are append-only.
type AttemptRecord struct {
	Index     int             `json:"index"`
	Round     int             `json:"round"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
	Outcome   AttemptOutcome  `json:"outcome"`
	Category  FailureCategory `json:"category,omitempty"`
	NextDelay time.Duration   `json:"next_delay,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// FetchRequest is handed to the fetch adapter for each attempt.
type FetchRequest struct {
	JobID      string
	Target     string
	Parameters map[string]string
	Attempt    int
}

// QueueItem wraps a job ready to run.
type QueueItem struct {
	Job       Job
	Submitted time.Time
}

// JobRecord is the persisted view of a submitted job and its outcome.
type JobRecord struct {
	Job         Job             `json:"job"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	Status      Status          `json:"status"`
	Submitted   time.Time       `json:"submitted_at"`
	Started     *time.Time      `json:"started_at,omitempty"`
	Finished    *time.Time      `json:"finished_at,omitempty"`
	Score       float64         `json:"quality_score,omitempty"`
	FromCache   bool            `json:"from_cache,omitempty"`
	ErrorText   string          `json:"error,omitempty"`
	Attempts    []AttemptRecord `json:"attempts,omitempty"`
	Payload     map[string]any  `json:"payload,omitempty"`
}
