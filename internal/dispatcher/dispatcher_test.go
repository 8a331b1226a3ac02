// Package dispatcher contains tests for jobrunner coordination.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kbforge/scrapeindex/internal/crawler"
	"github.com/kbforge/scrapeindex/internal/jobrunner"
	"github.com/kbforge/scrapeindex/internal/kb"
	"github.com/kbforge/scrapeindex/internal/scrapejob"
)

// TestDispatcherRunStartsWorkers ensures runners begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 1)}
	r := jobrunner.New(queue, &noopJobStore{}, &noopKBStore{}, nil, nil, nil, zap.NewNop(), jobrunner.Config{})
	dispatch := New(queue, []*jobrunner.Runner{r})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("runner did not begin dequeuing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	queue := &errorQueue{err: errors.New("boom")}
	dispatch := New(queue, nil)

	err := dispatch.Enqueue(context.Background(), crawler.QueueItem{JobID: "job"})
	if err == nil || err.Error() != "queue enqueue: boom" {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(_ context.Context, _ crawler.QueueItem) error {
	select {
	case q.started <- struct{}{}:
	default:
	}
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return crawler.QueueItem{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, crawler.QueueItem) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (crawler.QueueItem, error) {
	return crawler.QueueItem{}, nil
}

type noopJobStore struct{}

func (noopJobStore) CreateJob(context.Context, scrapejob.Job) (scrapejob.Job, error) {
	return scrapejob.Job{}, nil
}
func (noopJobStore) UpdateJob(context.Context, string, scrapejob.Patch) error { return nil }
func (noopJobStore) FindJob(context.Context, string) (scrapejob.Job, error) {
	return scrapejob.Job{}, scrapejob.ErrNotFound
}
func (noopJobStore) ListJobs(context.Context, string) ([]scrapejob.Job, error) { return nil, nil }

type noopKBStore struct{}

func (noopKBStore) FindKnowledgeBase(context.Context, string) (kb.KnowledgeBase, error) {
	return kb.KnowledgeBase{}, kb.ErrNotFound
}
func (noopKBStore) UpdateKnowledgeBase(context.Context, kb.KnowledgeBase) error { return nil }
func (noopKBStore) CountAgentsUsing(context.Context, string) (int, error)       { return 0, nil }
func (noopKBStore) CreateDocument(_ context.Context, doc kb.Document) (kb.Document, error) {
	return doc, nil
}
func (noopKBStore) UpdateDocumentStatus(context.Context, string, kb.DocumentPatch) error { return nil }
func (noopKBStore) FindDocument(context.Context, string) (kb.Document, error) {
	return kb.Document{}, kb.ErrNotFound
}
func (noopKBStore) FindDocumentBySourceURL(context.Context, string, string) (kb.Document, error) {
	return kb.Document{}, kb.ErrNotFound
}
func (noopKBStore) ListDocuments(context.Context, string) ([]kb.Document, error) { return nil, nil }
func (noopKBStore) DeleteDocument(context.Context, string) error                 { return nil }
func (noopKBStore) InsertChunk(context.Context, kb.DocumentChunk) error          { return nil }
func (noopKBStore) DeleteChunksByDocument(context.Context, string) error         { return nil }
func (noopKBStore) NearestByCosine(context.Context, string, []float32, int) ([]kb.SearchResult, error) {
	return nil, nil
}
