package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/kbforge/scrapeindex/internal/scrapejob"
)

// ScrapeJobStore is an in-memory implementation of scrapejob.Store, used for
// local development and as the default backend when no database DSN is
// configured.
type ScrapeJobStore struct {
	mu   sync.RWMutex
	jobs map[string]scrapejob.Job
}

// NewScrapeJobStore constructs a ScrapeJobStore.
func NewScrapeJobStore() *ScrapeJobStore {
	return &ScrapeJobStore{jobs: make(map[string]scrapejob.Job)}
}

// CreateJob stores a new job, assigning an ID if one was not provided.
func (s *ScrapeJobStore) CreateJob(_ context.Context, job scrapejob.Job) (scrapejob.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	s.jobs[job.ID] = job
	return job, nil
}

// UpdateJob applies patch to the stored job with last-writer-wins semantics.
func (s *ScrapeJobStore) UpdateJob(_ context.Context, id string, patch scrapejob.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return scrapejob.ErrNotFound
	}
	if patch.Status != nil {
		job.Status = *patch.Status
	}
	if patch.DiscoveredURLs != nil {
		job.DiscoveredURLs = append([]string(nil), patch.DiscoveredURLs...)
	}
	if patch.SelectedURLs != nil {
		job.SelectedURLs = append([]string(nil), patch.SelectedURLs...)
	}
	if patch.TotalURLs != nil {
		job.TotalURLs = *patch.TotalURLs
	}
	if patch.ScrapedCount != nil {
		job.ScrapedCount = *patch.ScrapedCount
	}
	if patch.ErrorMessage != nil {
		job.ErrorMessage = *patch.ErrorMessage
	}
	s.jobs[id] = job
	return nil
}

// FindJob loads a job by ID.
func (s *ScrapeJobStore) FindJob(_ context.Context, id string) (scrapejob.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return scrapejob.Job{}, scrapejob.ErrNotFound
	}
	return job, nil
}

// ListJobs returns every job owned by kbID, in no particular order.
func (s *ScrapeJobStore) ListJobs(_ context.Context, kbID string) ([]scrapejob.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scrapejob.Job, 0)
	for _, job := range s.jobs {
		if job.KnowledgeBaseID == kbID {
			out = append(out, job)
		}
	}
	return out, nil
}
