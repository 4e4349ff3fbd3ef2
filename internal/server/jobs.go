package server

import (
	"sync"
	"time"

	"book-translator/internal/pipeline"
)

// Job statuses.
const (
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Job tracks one translation run from upload to packaged output.
type Job struct {
	ID          string            `json:"id"`
	Filename    string            `json:"filename"`
	TargetLang  string            `json:"target_language"`
	Status      string            `json:"status"`
	Progress    pipeline.Progress `json:"progress"`
	OutputPath  string            `json:"-"`
	Error       string            `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// jobStore is the in-memory job registry shared by handlers and job
// goroutines.
type jobStore struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func newJobStore() *jobStore {
	return &jobStore{
		jobs: make(map[string]*Job),
	}
}

func (s *jobStore) add(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.ID] = job
}

// get returns a copy so callers never observe concurrent mutation.
func (s *jobStore) get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

func (s *jobStore) update(id string, fn func(*Job)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[id]; ok {
		fn(job)
	}
}

func (s *jobStore) list() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobs = append(jobs, *job)
	}
	return jobs
}
