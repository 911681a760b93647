package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/capture-service/internal/capture"
)

// DefaultJobLimit is the number of job records kept when no limit is given.
const DefaultJobLimit = 10000

// JobStore provides an in-memory implementation for development/testing. It
// keeps at most limit records, evicting the oldest first.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]capture.Job
	order []string
	limit int
}

var (
	_ capture.JobStore  = (*JobStore)(nil)
	_ capture.JobLister = (*JobStore)(nil)
)

// NewJobStore constructs a JobStore.
func NewJobStore(limit int) *JobStore {
	if limit <= 0 {
		limit = DefaultJobLimit
	}
	return &JobStore{
		jobs:  make(map[string]capture.Job),
		limit: limit,
	}
}

// CreateJob stores a new job record.
func (s *JobStore) CreateJob(_ context.Context, job capture.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	s.insert(job)
	return nil
}

// UpdateJob replaces a job record, creating it when missing. A zero submission
// time keeps the stored one.
func (s *JobStore) UpdateJob(_ context.Context, job capture.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[job.ID]
	if !ok {
		s.insert(job)
		return nil
	}
	if job.Submitted.IsZero() {
		job.Submitted = current.Submitted
	}
	if job.URL == "" {
		job.URL = current.URL
	}
	if job.Started == nil {
		job.Started = current.Started
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (capture.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return capture.Job{}, capture.ErrJobNotFound
	}
	return job, nil
}

// Len returns the number of stored records.
func (s *JobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

func (s *JobStore) insert(job capture.Job) {
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	for len(s.order) > s.limit {
		delete(s.jobs, s.order[0])
		s.order = s.order[1:]
	}
}

// ListJobs returns records newest first.
func (s *JobStore) ListJobs(_ context.Context, filter capture.JobFilter) ([]capture.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []capture.Job
	skipped := 0
	for i := len(s.order) - 1; i >= 0; i-- {
		job := s.jobs[s.order[i]]
		if filter.State != "" && job.State != filter.State {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, job)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}
