// Package scrapejob models a ScrapeJob as a state-machine value: discovery
// and ingestion progress are applied through Transition rather than ad hoc
// field mutation, so status can only move forward and progress counters
// never regress.
package scrapejob

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a ScrapeJob.
type Status string

// Job statuses, in the order they are permitted to advance.
const (
	StatusDiscovering Status = "DISCOVERING"
	StatusPending     Status = "PENDING"
	StatusInProgress  Status = "IN_PROGRESS"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
)

var order = map[Status]int{
	StatusDiscovering: 0,
	StatusPending:     1,
	StatusInProgress:  2,
	StatusCompleted:   3,
}

// Errors returned by Transition.
var (
	// ErrBackwardTransition is returned when an event would move status
	// backward, or would move a terminal job at all.
	ErrBackwardTransition = errors.New("scrapejob: status may not move backward")
	// ErrCounterRegression is returned when an event would decrease a
	// monotonically non-decreasing progress counter.
	ErrCounterRegression = errors.New("scrapejob: progress counters may not regress")
	// ErrSelectedNotDiscovered is returned when a Select event names URLs
	// that are not a subset of discoveredUrls.
	ErrSelectedNotDiscovered = errors.New("scrapejob: selectedUrls must be a subset of discoveredUrls")
	// ErrUnknownEvent is returned for an Event with no recognized Kind.
	ErrUnknownEvent = errors.New("scrapejob: unknown event kind")
)

// Job is the ScrapeJob aggregate.
type Job struct {
	ID              string
	BaseURL         string
	KnowledgeBaseID string
	UserID          string
	Status          Status
	MaxPages        int
	DiscoveredURLs  []string
	SelectedURLs    []string
	TotalURLs       int
	ScrapedCount    int
	ErrorMessage    string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// EventKind names the mutation an Event applies.
type EventKind string

// Event kinds.
const (
	// EventDiscoveryProgress appends newly discovered URLs and refreshes
	// totalUrls while status is DISCOVERING.
	EventDiscoveryProgress EventKind = "DISCOVERY_PROGRESS"
	// EventDiscoveryComplete finalizes discoveredUrls/totalUrls and moves
	// status to PENDING.
	EventDiscoveryComplete EventKind = "DISCOVERY_COMPLETE"
	// EventDiscoveryDegraded is the BrowserUnavailable fallback: it forces
	// discoveredUrls = [baseUrl] and moves straight to PENDING.
	EventDiscoveryDegraded EventKind = "DISCOVERY_DEGRADED"
	// EventSelect records the operator- or auto-selected URL subset and
	// moves status to IN_PROGRESS.
	EventSelect EventKind = "SELECT"
	// EventScrapeProgress increments scrapedCount as ingestion completes
	// documents.
	EventScrapeProgress EventKind = "SCRAPE_PROGRESS"
	// EventComplete moves a job to COMPLETED.
	EventComplete EventKind = "COMPLETE"
	// EventFail moves a job to FAILED from any non-terminal status.
	EventFail EventKind = "FAIL"
)

// Event describes one state-machine input.
type Event struct {
	Kind           EventKind
	DiscoveredURLs []string
	SelectedURLs   []string
	ScrapedCount   int
	ErrorMessage   string
	At             time.Time
}

// Transition applies event to job and returns the resulting value. job is
// never mutated in place; callers persist the returned value.
func Transition(job Job, event Event) (Job, error) {
	if job.Status == StatusCompleted || job.Status == StatusFailed {
		if event.Kind != EventFail || job.Status == StatusFailed {
			return job, ErrBackwardTransition
		}
	}

	next := job

	switch event.Kind {
	case EventDiscoveryProgress:
		if job.Status != StatusDiscovering {
			return job, ErrBackwardTransition
		}
		next.DiscoveredURLs = unionURLs(job.DiscoveredURLs, event.DiscoveredURLs)
		if len(next.DiscoveredURLs) < len(job.DiscoveredURLs) {
			return job, ErrCounterRegression
		}
		next.TotalURLs = len(next.DiscoveredURLs)

	case EventDiscoveryComplete:
		if job.Status != StatusDiscovering {
			return job, ErrBackwardTransition
		}
		merged := unionURLs(job.DiscoveredURLs, event.DiscoveredURLs)
		if len(merged) < len(job.DiscoveredURLs) {
			return job, ErrCounterRegression
		}
		next.DiscoveredURLs = merged
		next.TotalURLs = len(merged)
		next.Status = StatusPending

	case EventDiscoveryDegraded:
		if job.Status != StatusDiscovering {
			return job, ErrBackwardTransition
		}
		next.DiscoveredURLs = []string{job.BaseURL}
		next.TotalURLs = 1
		next.Status = StatusPending
		next.ErrorMessage = event.ErrorMessage

	case EventSelect:
		if job.Status != StatusPending {
			return job, ErrBackwardTransition
		}
		if !isSubset(event.SelectedURLs, job.DiscoveredURLs) {
			return job, ErrSelectedNotDiscovered
		}
		next.SelectedURLs = append([]string(nil), event.SelectedURLs...)
		next.Status = StatusInProgress

	case EventScrapeProgress:
		if job.Status != StatusInProgress {
			return job, ErrBackwardTransition
		}
		if event.ScrapedCount < job.ScrapedCount {
			return job, ErrCounterRegression
		}
		if event.ScrapedCount > len(job.SelectedURLs) {
			return job, errors.New("scrapejob: scrapedCount must not exceed len(selectedUrls)")
		}
		next.ScrapedCount = event.ScrapedCount

	case EventComplete:
		if job.Status != StatusInProgress {
			return job, ErrBackwardTransition
		}
		next.Status = StatusCompleted
		at := event.At
		if at.IsZero() {
			at = time.Now()
		}
		next.CompletedAt = &at

	case EventFail:
		if job.Status == StatusFailed {
			return job, ErrBackwardTransition
		}
		next.Status = StatusFailed
		next.ErrorMessage = event.ErrorMessage
		at := event.At
		if at.IsZero() {
			at = time.Now()
		}
		next.CompletedAt = &at

	default:
		return job, ErrUnknownEvent
	}

	return next, nil
}

// unionURLs returns the union of base and additions, deduplicated, in
// first-seen order (base first, then additions).
func unionURLs(base, additions []string) []string {
	seen := make(map[string]struct{}, len(base)+len(additions))
	out := make([]string, 0, len(base)+len(additions))
	for _, u := range base {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	for _, u := range additions {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func isSubset(subset, superset []string) bool {
	set := make(map[string]struct{}, len(superset))
	for _, u := range superset {
		set[u] = struct{}{}
	}
	for _, u := range subset {
		if _, ok := set[u]; !ok {
			return false
		}
	}
	return true
}

// StatusRank exposes the monotonic ordering used to validate that a status
// never moves backward; FAILED is treated as reachable from anywhere and is
// not part of the linear order.
func StatusRank(s Status) (int, bool) {
	r, ok := order[s]
	return r, ok
}
