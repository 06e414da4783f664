package scrape

import "time"

// Classification buckets a payload by quality score.
type Classification string

// Quality classifications.
const (
	ClassAccepted Classification = "accepted"
	ClassDegraded Classification = "degraded"
	ClassRejected Classification = "rejected"
)

// Classification thresholds on the 0-100 quality score.
const (
	AcceptedThreshold = 80.0
	DegradedThreshold = 50.0
)

// Classify maps a quality score onto a classification.
func Classify(score float64) Classification {
	switch {
	case score >= AcceptedThreshold:
		return ClassAccepted
	case score >= DegradedThreshold:
		return ClassDegraded
	default:
		return ClassRejected
	}
}

// Status converts the classification into a resolution status.
func (c Classification) Status() Status {
	switch c {
	case ClassAccepted:
		return StatusAccepted
	case ClassDegraded:
		return StatusDegraded
	default:
		return StatusFailed
	}
}

// ValidationResult is the validator output for one payload.
type ValidationResult struct {
	Completeness     float64        `json:"completeness"`
	MissingFields    []string       `json:"missing_fields,omitempty"`
	ConsistencyRatio float64        `json:"consistency_ratio"`
	FailedChecks     []string       `json:"failed_checks,omitempty"`
	Age              time.Duration  `json:"age"`
	FreshnessDelta   time.Duration  `json:"freshness_delta"`
	FreshnessFactor  float64        `json:"freshness_factor"`
	Score            float64        `json:"quality_score"`
	Class            Classification `json:"classification"`
}

// Resolution is a successfully resolved job: accepted or degraded data with
// the history that produced it.
type Resolution struct {
	JobID       string            `json:"job_id"`
	Fingerprint string            `json:"fingerprint"`
	Status      Status            `json:"status"`
	Payload     Payload           `json:"payload"`
	Score       float64           `json:"quality_score"`
	Validation  *ValidationResult `json:"validation,omitempty"`
	Attempts    []AttemptRecord   `json:"attempts,omitempty"`
	FromCache   bool              `json:"from_cache"`
	Tier        string            `json:"tier,omitempty"`
	WrittenAt   time.Time         `json:"written_at"`
	ArchiveURI  string            `json:"archive_uri,omitempty"`
}
