package scrapejob

import (
	"context"
	"errors"
)

// ErrNotFound signals the requested job does not exist.
var ErrNotFound = errors.New("scrapejob: not found")

// Patch carries a partial update to a Job; nil fields are left unchanged.
// Store implementations apply it with update-by-id, last-writer-wins
// semantics for progress fields — callers must never read-then-write
// without re-reading, since Transition already enforces monotonicity on
// the value it returns.
type Patch struct {
	Status         *Status
	DiscoveredURLs []string
	SelectedURLs   []string
	TotalURLs      *int
	ScrapedCount   *int
	ErrorMessage   *string
}

// Store is the job-half of the document/job store port.
type Store interface {
	CreateJob(ctx context.Context, job Job) (Job, error)
	UpdateJob(ctx context.Context, id string, patch Patch) error
	FindJob(ctx context.Context, id string) (Job, error)
	ListJobs(ctx context.Context, kbID string) ([]Job, error)
}
