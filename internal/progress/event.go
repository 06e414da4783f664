package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart     Stage = "JOB_START"
	StageCacheHit     Stage = "CACHE_HIT"
	StageAttempt      Stage = "ATTEMPT"
	StageValidated    Stage = "VALIDATED"
	StageContentRetry Stage = "CONTENT_RETRY"
	StageJobDone      Stage = "JOB_DONE"
	StageJobError     Stage = "JOB_ERROR"
)

// Event captures a single job milestone.
type Event struct {
	// JobID identifies the job the event belongs to.
	JobID string `json:"job_id"`
	// Fingerprint is the cache key of the job, when known.
	Fingerprint string `json:"fingerprint,omitempty"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Stage denotes which milestone occurred.
	Stage Stage `json:"stage"`
	// Target is the job target; it should not contain credentials.
	Target string `json:"target,omitempty"`
	// Attempt and Round locate ATTEMPT events in the job history.
	Attempt int `json:"attempt,omitempty"`
	Round   int `json:"round,omitempty"`
	// Category is the failure category of a failed attempt.
	Category string `json:"category,omitempty"`
	// Status is the job status for terminal events.
	Status string `json:"status,omitempty"`
	// Score is the quality score for VALIDATED and JOB_DONE events.
	Score float64 `json:"score,omitempty"`
	// Dur captures attempt or job latency.
	Dur time.Duration `json:"dur,omitempty"`
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageCacheHit, StageValidated, StageContentRetry, StageJobDone:
	case StageAttempt:
		if e.Attempt < 1 {
			return errors.New("attempt event requires attempt >= 1")
		}
	case StageJobError:
		if e.Note == "" {
			return errors.New("job error requires note")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event closes a job.
func (e Event) Terminal() bool {
	return e.Stage == StageJobDone || e.Stage == StageJobError || e.Stage == StageCacheHit
}
