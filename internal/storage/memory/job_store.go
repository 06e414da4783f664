package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
)

// JobStore provides an in-memory implementation for development/testing.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]scrape.JobRecord
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]scrape.JobRecord)}
}

// CreateJob stores a newly submitted job.
func (s *JobStore) CreateJob(_ context.Context, record scrape.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[record.Job.ID]; exists {
		return errors.New("job already exists")
	}
	s.jobs[record.Job.ID] = cloneRecord(record)
	return nil
}

// UpdateJob replaces the stored record for an existing job.
func (s *JobStore) UpdateJob(_ context.Context, record scrape.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[record.Job.ID]; !ok {
		return scrape.ErrJobNotFound
	}
	s.jobs[record.Job.ID] = cloneRecord(record)
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (scrape.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.jobs[jobID]
	if !ok {
		return scrape.JobRecord{}, scrape.ErrJobNotFound
	}
	return cloneRecord(record), nil
}

func cloneRecord(r scrape.JobRecord) scrape.JobRecord {
	r.Job = r.Job.Descriptor()
	if r.Attempts != nil {
		r.Attempts = append([]scrape.AttemptRecord(nil), r.Attempts...)
	}
	return r
}
