// Package dispatcher manages jobrunner fan-out over the job queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/kbforge/scrapeindex/internal/crawler"
	"github.com/kbforge/scrapeindex/internal/jobrunner"
)

// Dispatcher fans out queue work to a pool of jobrunners.
type Dispatcher struct {
	queue   crawler.Queue
	runners []*jobrunner.Runner
}

// New creates a Dispatcher.
func New(queue crawler.Queue, runners []*jobrunner.Runner) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		runners: runners,
	}
}

// Run starts all runners and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, r := range d.runners {
		wg.Add(1)
		go func(rn *jobrunner.Runner) {
			defer wg.Done()
			rn.Run(ctx)
		}(r)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
