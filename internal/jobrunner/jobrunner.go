// Package jobrunner drains the work queue and dispatches each item to the
// pipeline stage that matches the job's current status. It replaces the
// teacher's raw fetch-job worker loop: a jobrunner never fetches a page
// itself, it only decides which of discovery or ingestion should run next
// and hands the job to it.
package jobrunner

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kbforge/scrapeindex/internal/crawler"
	"github.com/kbforge/scrapeindex/internal/kb"
	"github.com/kbforge/scrapeindex/internal/progress"
	"github.com/kbforge/scrapeindex/internal/scrapejob"
)

// Discoverer runs the BFS discovery pass for a job. Satisfied by
// *discovery.Engine.
type Discoverer interface {
	RunJob(ctx context.Context, job scrapejob.Job, store scrapejob.Store, hub *progress.Hub) (scrapejob.Job, error)
}

// Ingester runs the scrape/chunk/embed/persist pass for a job's selected
// URLs. Satisfied by *ingest.Pipeline.
type Ingester interface {
	RunJob(ctx context.Context, job scrapejob.Job, base kb.KnowledgeBase) (scrapejob.Job, error)
}

// Config controls how many consecutive dequeue failures a Runner tolerates
// before it stops.
type Config struct {
	// MaxDequeueErrors bounds consecutive Dequeue failures before Run
	// gives up and returns. Zero means retry indefinitely until ctx is
	// canceled.
	MaxDequeueErrors int
}

// Runner pulls queue items and dispatches them by the job's current
// status: StatusDiscovering runs discovery, StatusInProgress runs
// ingestion, anything else is a no-op (already terminal, or waiting on an
// operator action such as URL selection).
type Runner struct {
	Queue      crawler.Queue
	Jobs       scrapejob.Store
	KBs        kb.Store
	Discoverer Discoverer
	Ingester   Ingester
	Hub        *progress.Hub
	Logger     *zap.Logger
	Config     Config
}

// New builds a Runner. hub may be nil.
func New(queue crawler.Queue, jobs scrapejob.Store, kbs kb.Store, discoverer Discoverer, ingester Ingester, hub *progress.Hub, logger *zap.Logger, cfg Config) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		Queue:      queue,
		Jobs:       jobs,
		KBs:        kbs,
		Discoverer: discoverer,
		Ingester:   ingester,
		Hub:        hub,
		Logger:     logger,
		Config:     cfg,
	}
}

// Run dequeues work items until ctx is canceled, or until
// Config.MaxDequeueErrors consecutive Dequeue calls fail. A per-item
// processing failure is logged and never stops the loop.
func (r *Runner) Run(ctx context.Context) {
	consecutiveErrors := 0
	for {
		if ctx.Err() != nil {
			return
		}

		item, err := r.Queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveErrors++
			r.Logger.Warn("dequeue failed", zap.Error(err), zap.Int("consecutive_errors", consecutiveErrors))
			if r.Config.MaxDequeueErrors > 0 && consecutiveErrors >= r.Config.MaxDequeueErrors {
				r.Logger.Error("too many consecutive dequeue failures, stopping runner")
				return
			}
			continue
		}
		consecutiveErrors = 0

		if err := r.processItem(ctx, item); err != nil {
			r.Logger.Warn("process job failed", zap.String("job_id", item.JobID), zap.Error(err))
		}
	}
}

// processItem loads the current job state and dispatches purely on
// job.Status, never on what the queue item itself claims — the queue only
// carries a wakeup signal, the job record is the source of truth.
func (r *Runner) processItem(ctx context.Context, item crawler.QueueItem) error {
	job, err := r.Jobs.FindJob(ctx, item.JobID)
	if err != nil {
		if errors.Is(err, scrapejob.ErrNotFound) {
			r.Logger.Warn("dequeued job no longer exists", zap.String("job_id", item.JobID))
			return nil
		}
		return fmt.Errorf("load job %s: %w", item.JobID, err)
	}

	switch job.Status {
	case scrapejob.StatusDiscovering:
		if r.Discoverer == nil {
			return fmt.Errorf("job %s is DISCOVERING but no discoverer is configured", job.ID)
		}
		_, err := r.Discoverer.RunJob(ctx, job, r.Jobs, r.Hub)
		return err

	case scrapejob.StatusInProgress:
		if r.Ingester == nil {
			return fmt.Errorf("job %s is IN_PROGRESS but no ingester is configured", job.ID)
		}
		base, err := r.KBs.FindKnowledgeBase(ctx, job.KnowledgeBaseID)
		if err != nil {
			return fmt.Errorf("load knowledge base %s for job %s: %w", job.KnowledgeBaseID, job.ID, err)
		}
		_, err = r.Ingester.RunJob(ctx, job, base)
		return err

	default:
		r.Logger.Debug("skipping job in non-actionable status",
			zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
		return nil
	}
}
