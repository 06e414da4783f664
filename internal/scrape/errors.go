package scrape

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for errors.Is checks across the engine.
var (
	ErrRetryExhausted     = errors.New("retry exhausted")
	ErrValidationRejected = errors.New("validation rejected")
	ErrCacheUnavailable   = errors.New("cache unavailable")
	ErrConfiguration      = errors.New("configuration error")
	ErrInvalidJob         = errors.New("invalid job")
	ErrJobNotFound        = errors.New("job not found")
	ErrQueueClosed        = errors.New("queue closed")
)

// FetchFailure is a classified failure reported by a fetch adapter.
type FetchFailure struct {
	Category   FailureCategory
	RetryAfter time.Duration
	StatusCode int
	Err        error
}

// NewFetchFailure wraps err with a failure category.
func NewFetchFailure(category FailureCategory, err error) *FetchFailure {
	return &FetchFailure{Category: category, Err: err}
}

func (f *FetchFailure) Error() string {
	msg := fmt.Sprintf("fetch failed (%s)", f.Category)
	if f.StatusCode > 0 {
		msg = fmt.Sprintf("%s status=%d", msg, f.StatusCode)
	}
	if f.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, f.Err)
	}
	return msg
}

func (f *FetchFailure) Unwrap() error {
	return f.Err
}

// ExhaustedError terminates a retry loop. It carries the full attempt history
// and the failure category of the final attempt.
type ExhaustedError struct {
	Attempts []AttemptRecord
	Category FailureCategory
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempt(s), last category %s: %v",
		len(e.Attempts), e.Category, e.Last)
}

// Is reports ErrRetryExhausted.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrRetryExhausted
}

func (e *ExhaustedError) Unwrap() error {
	return e.Last
}

// ConfigurationError flags an unknown policy, schema, or similar setup error.
// It is never retried.
type ConfigurationError struct {
	Kind string
	Name string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("unknown %s %q", e.Kind, e.Name)
}

// Is reports ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// CacheUnavailableError reports that the shared tier could not be reached.
// Callers proceed as on a cache miss.
type CacheUnavailableError struct {
	Op  string
	Err error
}

func (e *CacheUnavailableError) Error() string {
	return fmt.Sprintf("cache unavailable during %s: %v", e.Op, e.Err)
}

// Is reports ErrCacheUnavailable.
func (e *CacheUnavailableError) Is(target error) bool {
	return target == ErrCacheUnavailable
}

func (e *CacheUnavailableError) Unwrap() error {
	return e.Err
}

// ScrapeFailure is the terminal failure of a job resolution, carrying every
// attempt and the final validation result when one exists.
type ScrapeFailure struct {
	JobID       string
	Fingerprint string
	Attempts    []AttemptRecord
	Validation  *ValidationResult
	Err         error
}

func (f *ScrapeFailure) Error() string {
	if f.Validation != nil && errors.Is(f.Err, ErrValidationRejected) {
		return fmt.Sprintf("scrape failed for job %s: %v (score %.2f)", f.JobID, f.Err, f.Validation.Score)
	}
	return fmt.Sprintf("scrape failed for job %s: %v", f.JobID, f.Err)
}

func (f *ScrapeFailure) Unwrap() error {
	return f.Err
}
