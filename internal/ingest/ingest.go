// Package ingest implements the per-document pipeline that turns a
// selected URL into a scored, searchable document: scrape, extract,
// chunk, embed, persist. It fans out across a job's selected URLs with a
// bounded worker pool, mirroring the crawl pipeline's queue-consumer
// shape but retargeted onto the knowledge base domain.
package ingest

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kbforge/scrapeindex/internal/browser"
	"github.com/kbforge/scrapeindex/internal/chunk"
	"github.com/kbforge/scrapeindex/internal/crawler"
	"github.com/kbforge/scrapeindex/internal/embedding"
	"github.com/kbforge/scrapeindex/internal/extract"
	"github.com/kbforge/scrapeindex/internal/kb"
	"github.com/kbforge/scrapeindex/internal/scrapeerr"
	"github.com/kbforge/scrapeindex/internal/scrapejob"
)

const scrapeTimeout = 15 * time.Second

// Scraper renders a URL and returns its HTML. In production this is a
// BrowserScraper over a browser.Pool; tests substitute a fake.
type Scraper interface {
	Scrape(ctx context.Context, rawURL string) (string, error)
}

// BrowserScraper implements Scraper against a live browser.Pool.
type BrowserScraper struct {
	Pool *browser.Pool
}

// Scrape implements Scraper.
func (s *BrowserScraper) Scrape(ctx context.Context, rawURL string) (string, error) {
	page, err := s.Pool.GetPage(ctx)
	if err != nil {
		return "", err
	}
	defer page.Release()

	result, err := browser.NavigateWithMeta(ctx, page, rawURL, scrapeTimeout)
	if err != nil {
		return "", fmt.Errorf("scrape %s: %w", rawURL, err)
	}
	return result.HTML, nil
}

// Config controls ingestion concurrency.
type Config struct {
	// MaxConcurrency bounds how many documents are scraped/chunked/embedded
	// at once. Defaults to 3.
	MaxConcurrency int
	// PublishTopic, if non-empty, publishes one notification per completed
	// document via Publisher.
	PublishTopic string
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 3
	}
	return c
}

// Pipeline turns selected URLs into persisted, embedded documents.
type Pipeline struct {
	scraper   Scraper
	embedder  embedding.Service
	store     kb.Store
	jobs      scrapejob.Store
	publisher crawler.Publisher
	logger    *zap.Logger
	cfg       Config
	retry     *crawler.ExponentialRetryPolicy
	// Policy, if set, paces requests per host before each scrape.
	Policy crawler.Policy
}

// New builds a Pipeline. pub may be nil; per-document completion
// notifications are then simply skipped.
func New(scraper Scraper, embedder embedding.Service, store kb.Store, jobs scrapejob.Store, pub crawler.Publisher, logger *zap.Logger, cfg Config) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		scraper:   scraper,
		embedder:  embedder,
		store:     store,
		jobs:      jobs,
		publisher: pub,
		logger:    logger,
		cfg:       cfg.withDefaults(),
		retry:     crawler.NewExponentialRetryPolicy(),
	}
}

// RunJob ingests every URL in job.SelectedURLs into base, incrementing
// job.ScrapedCount as each document completes successfully. Once every URL
// has been attempted it transitions the job to COMPLETED, or to FAILED when
// at least one URL was selected and none succeeded. A single document's
// failure never aborts the job or the others in flight — it simply does
// not count toward scrapedCount.
func (p *Pipeline) RunJob(ctx context.Context, job scrapejob.Job, base kb.KnowledgeBase) (scrapejob.Job, error) {
	if job.Status != scrapejob.StatusInProgress {
		return job, fmt.Errorf("ingest: job %s is not IN_PROGRESS", job.ID)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.cfg.MaxConcurrency)

	// outcomes carries one entry per selected URL so progress can be
	// reported and counted (successes only, per the scrapedCount
	// contract) as documents finish, without an outcome from one URL
	// blocking or being lost to another's failure.
	outcomes := make(chan bool, len(job.SelectedURLs))

	for _, sourceURL := range job.SelectedURLs {
		sourceURL := sourceURL
		group.Go(func() error {
			err := p.ingestDocument(groupCtx, base, sourceURL)
			if err != nil {
				p.logger.Warn("document ingestion failed",
					zap.String("job_id", job.ID), zap.String("url", sourceURL), zap.Error(err))
			}
			outcomes <- err == nil
			return nil
		})
	}

	done := make(chan struct{})
	succeeded := 0
	go func() {
		defer close(done)
		for range job.SelectedURLs {
			if <-outcomes {
				succeeded++
			}
			if p.jobs != nil {
				count := succeeded
				if err := p.jobs.UpdateJob(ctx, job.ID, scrapejob.Patch{ScrapedCount: &count}); err != nil {
					p.logger.Warn("persist scrape progress failed", zap.String("job_id", job.ID), zap.Error(err))
				}
			}
		}
	}()

	_ = group.Wait()
	close(outcomes)
	if len(job.SelectedURLs) > 0 {
		<-done
	}

	next, err := scrapejob.Transition(job, scrapejob.Event{
		Kind:         scrapejob.EventScrapeProgress,
		ScrapedCount: succeeded,
	})
	if err != nil {
		return job, err
	}
	if len(job.SelectedURLs) > 0 && succeeded == 0 {
		next, err = scrapejob.Transition(next, scrapejob.Event{
			Kind:         scrapejob.EventFail,
			ErrorMessage: "every selected url failed to ingest",
		})
	} else {
		next, err = scrapejob.Transition(next, scrapejob.Event{Kind: scrapejob.EventComplete})
	}
	if err != nil {
		return job, err
	}
	if p.jobs != nil {
		if err := p.jobs.UpdateJob(ctx, job.ID, patchFromJob(next)); err != nil {
			p.logger.Warn("persist job completion failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	return next, nil
}

// ingestDocument runs the scrape -> extract -> chunk -> embed -> persist
// sequence for a single URL, per §4.6.
func (p *Pipeline) ingestDocument(ctx context.Context, base kb.KnowledgeBase, sourceURL string) error {
	doc, err := p.store.CreateDocument(ctx, kb.Document{
		KnowledgeBaseID: base.ID,
		SourceURL:       &sourceURL,
		Status:          kb.DocumentProcessing,
		CreatedAt:       time.Now(),
	})
	if err != nil {
		return fmt.Errorf("create document: %w", err)
	}

	if p.Policy != nil {
		if err := p.Policy.Wait(ctx, sourceURL); err != nil {
			p.failDocument(ctx, doc.ID, err)
			return err
		}
	}

	html, err := p.scrapeWithRetry(ctx, sourceURL)
	if err != nil {
		p.failDocument(ctx, doc.ID, err)
		return err
	}

	extracted, err := extract.Extract(html)
	if err != nil {
		p.failDocument(ctx, doc.ID, err)
		return err
	}
	if len(extracted.Content) < extract.MinContentLen {
		emptyErr := &scrapeerr.EmptyExtract{URL: sourceURL, Len: len(extracted.Content)}
		if err := p.store.DeleteDocument(ctx, doc.ID); err != nil {
			p.logger.Warn("remove empty document", zap.String("document_id", doc.ID), zap.Error(err))
		}
		return emptyErr
	}

	chunks := chunk.Split(extracted.Content, base.ChunkSize, base.ChunkOverlap)
	if err := p.embedAndPersistChunks(ctx, doc.ID, base.EmbeddingModel, chunks); err != nil {
		p.failDocument(ctx, doc.ID, err)
		return err
	}

	title := extracted.Title
	content := extracted.Content
	completed := kb.DocumentCompleted
	chunkCount := len(chunks)
	if err := p.store.UpdateDocumentStatus(ctx, doc.ID, kb.DocumentPatch{
		Status:     &completed,
		ChunkCount: &chunkCount,
		Title:      &title,
		Content:    &content,
	}); err != nil {
		return fmt.Errorf("mark document completed: %w", err)
	}

	if p.publisher != nil && p.cfg.PublishTopic != "" {
		if _, err := p.publisher.Publish(ctx, p.cfg.PublishTopic, map[string]any{
			"document_id":       doc.ID,
			"knowledge_base_id": base.ID,
			"source_url":        sourceURL,
			"chunk_count":       chunkCount,
		}); err != nil {
			p.logger.Warn("publish ingestion result failed", zap.String("document_id", doc.ID), zap.Error(err))
		}
	}
	return nil
}

// scrapeWithRetry runs the scrape call under p.retry, wrapping every
// failure as a TransientNetworkError so the retry policy's classification
// and the caller's error taxonomy agree. It gives up after the policy
// stops allowing another attempt and returns the last wrapped error.
func (p *Pipeline) scrapeWithRetry(ctx context.Context, sourceURL string) (string, error) {
	for attempt := 0; ; attempt++ {
		html, err := p.scraper.Scrape(ctx, sourceURL)
		if err == nil {
			return html, nil
		}
		wrapped := scrapeerr.NewTransientNetworkError(sourceURL, err)
		if !p.retry.ShouldRetry(err, attempt+1) {
			return "", wrapped
		}
		p.logger.Warn("retrying scrape after transient error",
			zap.String("url", sourceURL), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.retry.Backoff(attempt)):
		}
	}
}

// embedAndPersistChunks embeds every chunk, potentially in parallel, and
// persists each as it completes. Persistence order does not need to match
// chunkIndex order — only the index values themselves matter — so a
// chunk failure does not block its siblings from finishing.
func (p *Pipeline) embedAndPersistChunks(ctx context.Context, documentID, model string, chunks []chunk.Chunk) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(4)

	for i, c := range chunks {
		i, c := i, c
		group.Go(func() error {
			vector, err := p.embedder.Embed(groupCtx, c.Content, model)
			if err != nil {
				return scrapeerr.NewEmbeddingFailure(model, err)
			}
			return p.store.InsertChunk(groupCtx, kb.DocumentChunk{
				DocumentID: documentID,
				ChunkIndex: i,
				Content:    c.Content,
				StartChar:  c.StartChar,
				EndChar:    c.EndChar,
				Embedding:  vector,
				Metadata:   map[string]any{"chunkLength": len(c.Content)},
			})
		})
	}
	return group.Wait()
}

func (p *Pipeline) failDocument(ctx context.Context, documentID string, cause error) {
	failed := kb.DocumentFailed
	msg := cause.Error()
	if err := p.store.UpdateDocumentStatus(ctx, documentID, kb.DocumentPatch{
		Status:       &failed,
		ErrorMessage: &msg,
	}); err != nil {
		p.logger.Warn("mark document failed", zap.String("document_id", documentID), zap.Error(err))
	}
}

func patchFromJob(job scrapejob.Job) scrapejob.Patch {
	status := job.Status
	scraped := job.ScrapedCount
	return scrapejob.Patch{
		Status:       &status,
		ScrapedCount: &scraped,
	}
}
