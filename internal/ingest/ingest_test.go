package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/kbforge/scrapeindex/internal/embedding"
	"github.com/kbforge/scrapeindex/internal/kb"
	"github.com/kbforge/scrapeindex/internal/scrapejob"
)

type fakeScraper struct {
	html   map[string]string
	failOn map[string]struct{}
}

func (f *fakeScraper) Scrape(_ context.Context, rawURL string) (string, error) {
	if _, fail := f.failOn[rawURL]; fail {
		return "", fmt.Errorf("scrape %s: connection reset", rawURL)
	}
	html, ok := f.html[rawURL]
	if !ok {
		return "", fmt.Errorf("scrape %s: not found", rawURL)
	}
	return html, nil
}

// flakyScraper fails failuresBeforeSuccess times for a URL before returning
// html, letting tests exercise the pipeline's retry-then-succeed path.
type flakyScraper struct {
	mu                    sync.Mutex
	html                  map[string]string
	failuresBeforeSuccess int
	attempts              map[string]int
}

func (f *flakyScraper) Scrape(_ context.Context, rawURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attempts == nil {
		f.attempts = map[string]int{}
	}
	f.attempts[rawURL]++
	if f.attempts[rawURL] <= f.failuresBeforeSuccess {
		return "", fmt.Errorf("scrape %s: connection reset", rawURL)
	}
	return f.html[rawURL], nil
}

type fakeKBStore struct {
	mu        sync.Mutex
	documents map[string]kb.Document
	chunks    map[string][]kb.DocumentChunk
	nextID    int
}

func newFakeKBStore() *fakeKBStore {
	return &fakeKBStore{documents: map[string]kb.Document{}, chunks: map[string][]kb.DocumentChunk{}}
}

func (f *fakeKBStore) FindKnowledgeBase(context.Context, string) (kb.KnowledgeBase, error) {
	return kb.KnowledgeBase{}, kb.ErrNotFound
}
func (f *fakeKBStore) UpdateKnowledgeBase(context.Context, kb.KnowledgeBase) error { return nil }
func (f *fakeKBStore) CountAgentsUsing(context.Context, string) (int, error)       { return 0, nil }

func (f *fakeKBStore) CreateDocument(_ context.Context, doc kb.Document) (kb.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	doc.ID = fmt.Sprintf("doc-%d", f.nextID)
	doc.Status = kb.DocumentProcessing
	f.documents[doc.ID] = doc
	return doc, nil
}

func (f *fakeKBStore) UpdateDocumentStatus(_ context.Context, documentID string, patch kb.DocumentPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[documentID]
	if !ok {
		return kb.ErrNotFound
	}
	if patch.Status != nil {
		doc.Status = *patch.Status
	}
	if patch.ChunkCount != nil {
		doc.ChunkCount = *patch.ChunkCount
	}
	if patch.ErrorMessage != nil {
		doc.ErrorMessage = *patch.ErrorMessage
	}
	if patch.Title != nil {
		doc.Title = *patch.Title
	}
	if patch.Content != nil {
		doc.Content = *patch.Content
	}
	f.documents[documentID] = doc
	return nil
}

func (f *fakeKBStore) FindDocument(_ context.Context, documentID string) (kb.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[documentID]
	if !ok {
		return kb.Document{}, kb.ErrNotFound
	}
	return doc, nil
}
func (f *fakeKBStore) FindDocumentBySourceURL(context.Context, string, string) (kb.Document, error) {
	return kb.Document{}, kb.ErrNotFound
}
func (f *fakeKBStore) ListDocuments(context.Context, string) ([]kb.Document, error) { return nil, nil }
func (f *fakeKBStore) DeleteDocument(context.Context, string) error                 { return nil }

func (f *fakeKBStore) InsertChunk(_ context.Context, c kb.DocumentChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks[c.DocumentID] = append(f.chunks[c.DocumentID], c)
	return nil
}
func (f *fakeKBStore) DeleteChunksByDocument(_ context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.chunks, documentID)
	return nil
}
func (f *fakeKBStore) NearestByCosine(context.Context, string, []float32, int) ([]kb.SearchResult, error) {
	return nil, nil
}

type fakeJobStore struct {
	mu      sync.Mutex
	patches []scrapejob.Patch
}

func (f *fakeJobStore) CreateJob(_ context.Context, job scrapejob.Job) (scrapejob.Job, error) {
	return job, nil
}
func (f *fakeJobStore) UpdateJob(_ context.Context, _ string, patch scrapejob.Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, patch)
	return nil
}
func (f *fakeJobStore) FindJob(context.Context, string) (scrapejob.Job, error) {
	return scrapejob.Job{}, scrapejob.ErrNotFound
}
func (f *fakeJobStore) ListJobs(context.Context, string) ([]scrapejob.Job, error) { return nil, nil }

func longHTML(n int) string {
	body := ""
	for len(body) < n {
		body += "This is a long sentence about widgets and gadgets that keeps going. "
	}
	return "<html><body><main>" + body + "</main></body></html>"
}

func TestIngestionHappyPathMultipleChunks(t *testing.T) {
	t.Parallel()
	const url = "https://example.com/page"
	html := longHTML(1200)

	scraper := &fakeScraper{html: map[string]string{url: html}}
	store := newFakeKBStore()
	jobs := &fakeJobStore{}
	embedder := embedding.NewFake(8)

	pipeline := New(scraper, embedder, store, jobs, nil, zap.NewNop(), Config{})
	base := kb.KnowledgeBase{ID: "kb-1", EmbeddingModel: "test-model", ChunkSize: 500, ChunkOverlap: 100}
	job := scrapejob.Job{ID: "job-1", Status: scrapejob.StatusInProgress, SelectedURLs: []string{url}}

	next, err := pipeline.RunJob(context.Background(), job, base)
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if next.Status != scrapejob.StatusCompleted {
		t.Fatalf("Status = %v, want COMPLETED", next.Status)
	}
	if next.ScrapedCount != 1 {
		t.Fatalf("ScrapedCount = %d, want 1", next.ScrapedCount)
	}

	var doc kb.Document
	for _, d := range store.documents {
		doc = d
	}
	if doc.Status != kb.DocumentCompleted {
		t.Fatalf("document status = %v, want COMPLETED", doc.Status)
	}
	// The exact chunk count for a fixed input length is covered precisely
	// by the chunker's own boundary-snapping tests; here we only assert
	// that a page in this size range is split into more than one
	// persisted chunk, and that chunkCount agrees with what was stored.
	if doc.ChunkCount < 2 {
		t.Fatalf("chunkCount = %d, want at least 2 for ~1200 chars of content", doc.ChunkCount)
	}
	chunks := store.chunks[doc.ID]
	if len(chunks) != doc.ChunkCount {
		t.Fatalf("persisted %d chunks, want %d to match chunkCount", len(chunks), doc.ChunkCount)
	}
}

func TestIngestionFailureIsolation(t *testing.T) {
	t.Parallel()
	urls := []string{
		"https://example.com/1",
		"https://example.com/2",
		"https://example.com/3",
		"https://example.com/4",
		"https://example.com/5",
	}
	html := longHTML(600)
	scraper := &fakeScraper{
		html:   map[string]string{urls[0]: html, urls[1]: html, urls[3]: html, urls[4]: html},
		failOn: map[string]struct{}{urls[2]: {}},
	}
	store := newFakeKBStore()
	jobs := &fakeJobStore{}
	embedder := embedding.NewFake(8)

	pipeline := New(scraper, embedder, store, jobs, nil, zap.NewNop(), Config{})
	base := kb.KnowledgeBase{ID: "kb-1", EmbeddingModel: "test-model", ChunkSize: 500, ChunkOverlap: 100}
	job := scrapejob.Job{ID: "job-2", Status: scrapejob.StatusInProgress, SelectedURLs: urls}

	next, err := pipeline.RunJob(context.Background(), job, base)
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if next.Status != scrapejob.StatusCompleted {
		t.Fatalf("Status = %v, want COMPLETED despite one failure", next.Status)
	}
	if next.ScrapedCount != 4 {
		t.Fatalf("ScrapedCount = %d, want 4", next.ScrapedCount)
	}

	failedCount := 0
	completedCount := 0
	for _, d := range store.documents {
		switch d.Status {
		case kb.DocumentFailed:
			failedCount++
		case kb.DocumentCompleted:
			completedCount++
		}
	}
	if failedCount != 1 {
		t.Fatalf("failed documents = %d, want 1", failedCount)
	}
	if completedCount != 4 {
		t.Fatalf("completed documents = %d, want 4", completedCount)
	}
}

func TestIngestionAllURLsFailingFailsJob(t *testing.T) {
	t.Parallel()
	urls := []string{"https://example.com/1", "https://example.com/2"}
	scraper := &fakeScraper{failOn: map[string]struct{}{urls[0]: {}, urls[1]: {}}}
	store := newFakeKBStore()
	jobs := &fakeJobStore{}
	embedder := embedding.NewFake(8)

	pipeline := New(scraper, embedder, store, jobs, nil, zap.NewNop(), Config{})
	base := kb.KnowledgeBase{ID: "kb-1", EmbeddingModel: "test-model", ChunkSize: 500, ChunkOverlap: 100}
	job := scrapejob.Job{ID: "job-7", Status: scrapejob.StatusInProgress, SelectedURLs: urls}

	next, err := pipeline.RunJob(context.Background(), job, base)
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if next.Status != scrapejob.StatusFailed {
		t.Fatalf("Status = %v, want FAILED when every selected url fails", next.Status)
	}
	if next.ScrapedCount != 0 {
		t.Fatalf("ScrapedCount = %d, want 0", next.ScrapedCount)
	}
}

func TestIngestionEmptyExtractSkipsDocument(t *testing.T) {
	t.Parallel()
	const url = "https://example.com/empty"
	scraper := &fakeScraper{html: map[string]string{url: "<html><body></body></html>"}}
	store := newFakeKBStore()
	jobs := &fakeJobStore{}
	embedder := embedding.NewFake(8)

	pipeline := New(scraper, embedder, store, jobs, nil, zap.NewNop(), Config{})
	base := kb.KnowledgeBase{ID: "kb-1", EmbeddingModel: "test-model", ChunkSize: 500, ChunkOverlap: 100}
	job := scrapejob.Job{ID: "job-3", Status: scrapejob.StatusInProgress, SelectedURLs: []string{url}}

	next, err := pipeline.RunJob(context.Background(), job, base)
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if next.ScrapedCount != 0 {
		t.Fatalf("ScrapedCount = %d, want 0 for empty extraction", next.ScrapedCount)
	}
}

func TestIngestionRetriesTransientScrapeFailure(t *testing.T) {
	t.Parallel()
	const url = "https://example.com/flaky"
	html := longHTML(600)
	scraper := &flakyScraper{html: map[string]string{url: html}, failuresBeforeSuccess: 2}
	store := newFakeKBStore()
	jobs := &fakeJobStore{}
	embedder := embedding.NewFake(8)

	pipeline := New(scraper, embedder, store, jobs, nil, zap.NewNop(), Config{})
	base := kb.KnowledgeBase{ID: "kb-1", EmbeddingModel: "test-model", ChunkSize: 500, ChunkOverlap: 100}
	job := scrapejob.Job{ID: "job-5", Status: scrapejob.StatusInProgress, SelectedURLs: []string{url}}

	next, err := pipeline.RunJob(context.Background(), job, base)
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if next.ScrapedCount != 1 {
		t.Fatalf("ScrapedCount = %d, want 1 after recovering from 2 transient failures", next.ScrapedCount)
	}
	if scraper.attempts[url] != 3 {
		t.Fatalf("scrape attempts = %d, want 3 (1 initial + 2 retries)", scraper.attempts[url])
	}
}

func TestIngestionGivesUpAfterThreeAttempts(t *testing.T) {
	t.Parallel()
	const url = "https://example.com/always-flaky"
	scraper := &flakyScraper{html: map[string]string{}, failuresBeforeSuccess: 999}
	store := newFakeKBStore()
	jobs := &fakeJobStore{}
	embedder := embedding.NewFake(8)

	pipeline := New(scraper, embedder, store, jobs, nil, zap.NewNop(), Config{})
	base := kb.KnowledgeBase{ID: "kb-1", EmbeddingModel: "test-model", ChunkSize: 500, ChunkOverlap: 100}
	job := scrapejob.Job{ID: "job-6", Status: scrapejob.StatusInProgress, SelectedURLs: []string{url}}

	next, err := pipeline.RunJob(context.Background(), job, base)
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if next.ScrapedCount != 0 {
		t.Fatalf("ScrapedCount = %d, want 0 after exhausting retries", next.ScrapedCount)
	}
	if scraper.attempts[url] != 3 {
		t.Fatalf("scrape attempts = %d, want 3 total attempts before giving up", scraper.attempts[url])
	}
}

func TestIngestionRejectsJobNotInProgress(t *testing.T) {
	t.Parallel()
	pipeline := New(&fakeScraper{}, embedding.NewFake(8), newFakeKBStore(), &fakeJobStore{}, nil, zap.NewNop(), Config{})
	job := scrapejob.Job{ID: "job-4", Status: scrapejob.StatusPending}

	_, err := pipeline.RunJob(context.Background(), job, kb.KnowledgeBase{ChunkSize: 500})
	if err == nil {
		t.Fatal("expected error for job not IN_PROGRESS")
	}
}
