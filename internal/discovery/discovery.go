// Package discovery implements the breadth-first crawl that turns a
// baseUrl into the set of same-origin URLs a ScrapeJob will later ingest.
// It leans on the browser pool for rendering, a cheap HTTP probe for an
// early Content-Type check, and the URL classifier to decide what is
// worth following.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kbforge/scrapeindex/internal/browser"
	"github.com/kbforge/scrapeindex/internal/crawler"
	"github.com/kbforge/scrapeindex/internal/progress"
	"github.com/kbforge/scrapeindex/internal/scrapeerr"
	"github.com/kbforge/scrapeindex/internal/scrapejob"
	"github.com/kbforge/scrapeindex/internal/urlclassify"
)

const (
	// defaultMaxCrawlPages is the cap applied when a job requests maxPages
	// of 0.
	defaultMaxCrawlPages = 500
	navigateTimeout      = 15 * time.Second
	dynamicSettleWait    = 3 * time.Second
	afterClickWait       = 1 * time.Second
	// reportEvery is the discovered-count delta that triggers a progress
	// write to the job record.
	reportEvery = 10
)

// RenderResult is what rendering a single page yields for BFS expansion.
type RenderResult struct {
	ContentType string
	Links       []string
	// Skipped is true when the page's own Content-Type failed the
	// classifier; Links is empty in that case.
	Skipped bool
}

// Renderer opens a page, waits for dynamic content, expands "load more"
// controls, and collects candidate links.
type Renderer interface {
	Render(ctx context.Context, rawURL string) (RenderResult, error)
}

// Prober performs a cheap pre-browser Content-Type check.
type Prober interface {
	Probe(ctx context.Context, rawURL string) (crawler.ProbeResult, error)
}

// BrowserRenderer implements Renderer against a live browser.Pool.
type BrowserRenderer struct {
	Pool *browser.Pool
}

// Render implements Renderer.
func (r *BrowserRenderer) Render(ctx context.Context, rawURL string) (RenderResult, error) {
	page, err := r.Pool.GetPage(ctx)
	if err != nil {
		return RenderResult{}, err
	}
	defer page.Release()

	nav, err := browser.NavigateWithMeta(ctx, page, rawURL, navigateTimeout)
	if err != nil {
		return RenderResult{}, fmt.Errorf("render %s: %w", rawURL, err)
	}
	if !urlclassify.IsLikelyContentURL(rawURL, nav.ContentType) {
		return RenderResult{ContentType: nav.ContentType, Skipped: true}, nil
	}

	browser.ClickLoadMore(ctx, page, dynamicSettleWait, afterClickWait)

	links, err := browser.CollectLinks(ctx, page)
	if err != nil {
		return RenderResult{}, fmt.Errorf("collect links %s: %w", rawURL, err)
	}
	return RenderResult{ContentType: nav.ContentType, Links: links}, nil
}

// Engine runs the BFS traversal described in the crawler's design: same
// origin only, classifier-gated, reporting progress every reportEvery new
// discoveries.
type Engine struct {
	Prober   Prober
	Renderer Renderer
	Logger   *zap.Logger
	// Policy, if set, paces requests per host before each probe/render.
	Policy crawler.Policy
	// Robots, if set, is consulted before each probe/render and causes the
	// URL to be skipped (not aborted) when it disallows access.
	Robots crawler.RobotsPolicy
	retry  *crawler.ExponentialRetryPolicy
}

// New builds an Engine. prober may be nil, in which case every candidate
// goes straight to the renderer.
func New(prober Prober, renderer Renderer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{Prober: prober, Renderer: renderer, Logger: logger, retry: crawler.NewExponentialRetryPolicy()}
}

// Discover runs breadth-first traversal starting at baseURL and returns
// every discovered same-origin URL, including baseURL itself. onProgress,
// if non-nil, is invoked with a snapshot of the discovered set every time
// it grows by at least reportEvery entries.
//
// A non-nil error means a *scrapeerr.BrowserUnavailable propagated from
// the renderer; discoveredURLs still contains baseURL and whatever was
// found before the failure, so callers can apply the documented fallback.
// Any other per-URL failure is logged and does not abort the traversal.
func (e *Engine) Discover(ctx context.Context, baseURL string, maxPages int, onProgress func([]string)) ([]string, error) {
	base, err := crawler.NormalizeURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("normalize base url: %w", err)
	}
	origin, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	maxCrawlPages := maxPages
	if maxCrawlPages <= 0 {
		maxCrawlPages = defaultMaxCrawlPages
	}

	discovered := []string{base}
	discoveredSet := map[string]struct{}{base: {}}
	visited := map[string]struct{}{}
	queue := []string{base}
	lastReported := 0

	for len(queue) > 0 && len(visited) < maxCrawlPages {
		if ctx.Err() != nil {
			return discovered, nil
		}

		u := queue[0]
		queue = queue[1:]
		if _, seen := visited[u]; seen {
			continue
		}
		visited[u] = struct{}{}

		links, skip, err := e.fetchPage(ctx, u)
		if err != nil {
			return discovered, err
		}
		if skip {
			continue
		}

		grew := false
		for _, raw := range links {
			resolved, ok := resolveSameOrigin(u, raw, origin.Host)
			if !ok {
				continue
			}
			if !urlclassify.IsLikelyContentURL(resolved, "") {
				continue
			}
			if _, ok := discoveredSet[resolved]; ok {
				continue
			}
			if _, ok := visited[resolved]; ok {
				continue
			}
			discoveredSet[resolved] = struct{}{}
			discovered = append(discovered, resolved)
			queue = append(queue, resolved)
			grew = true
		}

		if grew && onProgress != nil && len(discovered)-lastReported >= reportEvery {
			onProgress(append([]string(nil), discovered...))
			lastReported = len(discovered)
		}
	}

	return discovered, nil
}

// fetchPage runs the probe-then-render sequence for a single URL. err
// non-nil means a browser-pool failure that should abort the whole
// traversal; skip true means the URL was classifier-rejected or its fetch
// failed and should simply be dropped.
func (e *Engine) fetchPage(ctx context.Context, rawURL string) (links []string, skip bool, err error) {
	if e.Robots != nil && !e.Robots.Allowed(ctx, rawURL) {
		return nil, true, nil
	}
	if e.Policy != nil {
		if waitErr := e.Policy.Wait(ctx, rawURL); waitErr != nil {
			return nil, true, nil
		}
	}
	if e.Prober != nil {
		probeResult, probeErr := e.Prober.Probe(ctx, rawURL)
		if probeErr == nil {
			if !urlclassify.IsLikelyContentURL(rawURL, probeResult.ContentType) {
				return nil, true, nil
			}
		} else {
			e.Logger.Debug("content-type probe failed, falling back to render",
				zap.String("url", rawURL), zap.Error(probeErr))
		}
	}

	result, err := e.renderWithRetry(ctx, rawURL)
	if err != nil {
		var unavailable *scrapeerr.BrowserUnavailable
		if errors.As(err, &unavailable) {
			return nil, false, err
		}
		e.Logger.Warn("page fetch failed", zap.String("url", rawURL), zap.Error(err))
		return nil, true, nil
	}
	if result.Skipped {
		return nil, true, nil
	}
	crawler.TotalScrapes.Inc()
	return result.Links, false, nil
}

// renderWithRetry retries a transient render failure up to e.retry's
// maxAttempts before giving the caller a *scrapeerr.TransientNetworkError to
// log and skip. A *scrapeerr.BrowserUnavailable is never retried; it
// propagates immediately so the traversal can degrade instead of stalling
// on a pool that will not recover mid-job.
func (e *Engine) renderWithRetry(ctx context.Context, rawURL string) (RenderResult, error) {
	for attempt := 0; ; attempt++ {
		result, err := e.Renderer.Render(ctx, rawURL)
		if err == nil {
			return result, nil
		}
		var unavailable *scrapeerr.BrowserUnavailable
		if errors.As(err, &unavailable) {
			return RenderResult{}, err
		}
		wrapped := scrapeerr.NewTransientNetworkError(rawURL, err)
		if !e.retry.ShouldRetry(err, attempt+1) {
			return RenderResult{}, wrapped
		}
		e.Logger.Debug("retrying render after transient error",
			zap.String("url", rawURL), zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return RenderResult{}, ctx.Err()
		case <-time.After(e.retry.Backoff(attempt)):
		}
	}
}

// resolveSameOrigin resolves raw against base, strips its fragment, and
// rejects it unless its host matches originHost.
func resolveSameOrigin(base, raw, originHost string) (string, bool) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", false
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	resolved := baseURL.ResolveReference(ref)
	resolved.Fragment = ""
	if !strings.EqualFold(resolved.Host, originHost) {
		return "", false
	}
	normalized, err := crawler.NormalizeURL(resolved.String())
	if err != nil {
		return "", false
	}
	return normalized, true
}

// RunJob drives a full discovery pass for job: it discovers URLs,
// persists incremental progress through store, emits heartbeat events on
// hub, and applies the terminal state transition — DISCOVERY_COMPLETE on
// success, or the DISCOVERY_DEGRADED fallback when the browser pool is
// unavailable. hub may be nil.
func (e *Engine) RunJob(ctx context.Context, job scrapejob.Job, store scrapejob.Store, hub *progress.Hub) (scrapejob.Job, error) {
	jobIDBytes, hasJobID := jobEventID(job.ID)

	onProgress := func(discovered []string) {
		total := len(discovered)
		if err := store.UpdateJob(ctx, job.ID, scrapejob.Patch{
			DiscoveredURLs: discovered,
			TotalURLs:      &total,
		}); err != nil {
			e.Logger.Warn("persist discovery progress failed", zap.String("job_id", job.ID), zap.Error(err))
		}
		if hub != nil && hasJobID {
			hub.Emit(progress.Event{
				JobID:  jobIDBytes,
				TS:     time.Now(),
				Stage:  progress.StageJobHB,
				Visits: int64(total),
			})
		}
	}

	discoveredURLs, discoverErr := e.Discover(ctx, job.BaseURL, job.MaxPages, onProgress)

	var unavailable *scrapeerr.BrowserUnavailable
	switch {
	case discoverErr != nil && errors.As(discoverErr, &unavailable):
		e.Logger.Warn("browser unavailable during discovery, degrading job",
			zap.String("job_id", job.ID), zap.Error(discoverErr))
		return e.finalizeJob(ctx, job, store, hub, jobIDBytes, hasJobID, scrapejob.Event{
			Kind:         scrapejob.EventDiscoveryDegraded,
			ErrorMessage: discoverErr.Error(),
		}, progress.StageJobError)

	case discoverErr != nil:
		return e.finalizeJob(ctx, job, store, hub, jobIDBytes, hasJobID, scrapejob.Event{
			Kind:         scrapejob.EventFail,
			ErrorMessage: discoverErr.Error(),
		}, progress.StageJobError)

	default:
		return e.finalizeJob(ctx, job, store, hub, jobIDBytes, hasJobID, scrapejob.Event{
			Kind:           scrapejob.EventDiscoveryComplete,
			DiscoveredURLs: discoveredURLs,
		}, progress.StageJobDone)
	}
}

func (e *Engine) finalizeJob(
	ctx context.Context,
	job scrapejob.Job,
	store scrapejob.Store,
	hub *progress.Hub,
	jobIDBytes [16]byte,
	hasJobID bool,
	event scrapejob.Event,
	stage progress.Stage,
) (scrapejob.Job, error) {
	next, err := scrapejob.Transition(job, event)
	if err != nil {
		return job, err
	}
	if updateErr := store.UpdateJob(ctx, job.ID, patchFromJob(next)); updateErr != nil {
		e.Logger.Warn("persist discovery outcome failed", zap.String("job_id", job.ID), zap.Error(updateErr))
	}
	if hub != nil && hasJobID {
		hub.Emit(progress.Event{
			JobID:  jobIDBytes,
			TS:     time.Now(),
			Stage:  stage,
			Visits: int64(len(next.DiscoveredURLs)),
			Note:   next.ErrorMessage,
		})
	}
	return next, nil
}

func patchFromJob(job scrapejob.Job) scrapejob.Patch {
	status := job.Status
	total := job.TotalURLs
	errMsg := job.ErrorMessage
	return scrapejob.Patch{
		Status:         &status,
		DiscoveredURLs: job.DiscoveredURLs,
		TotalURLs:      &total,
		ErrorMessage:   &errMsg,
	}
}

func jobEventID(id string) ([16]byte, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return [16]byte{}, false
	}
	return progress.UUIDToBytes(parsed), true
}
