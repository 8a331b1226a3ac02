package discovery

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/kbforge/scrapeindex/internal/crawler"
	"github.com/kbforge/scrapeindex/internal/scrapeerr"
	"github.com/kbforge/scrapeindex/internal/scrapejob"
)

type fakeRenderer struct {
	pages map[string]RenderResult
	calls []string
	err   error
}

func (f *fakeRenderer) Render(_ context.Context, rawURL string) (RenderResult, error) {
	f.calls = append(f.calls, rawURL)
	if f.err != nil {
		return RenderResult{}, f.err
	}
	result, ok := f.pages[rawURL]
	if !ok {
		return RenderResult{Skipped: true}, nil
	}
	return result, nil
}

func TestDiscoverThreePageSite(t *testing.T) {
	t.Parallel()
	renderer := &fakeRenderer{pages: map[string]RenderResult{
		"https://example.com/": {
			ContentType: "text/html",
			Links:       []string{"/a", "/b"},
		},
		"https://example.com/a": {
			ContentType: "text/html",
			Links:       []string{"/b", "https://other-host.example/page"},
		},
		"https://example.com/b": {
			ContentType: "text/html",
		},
	}}
	engine := New(nil, renderer, zap.NewNop())

	got, err := engine.Discover(context.Background(), "https://example.com/", 0, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	want := map[string]struct{}{
		"https://example.com/":  {},
		"https://example.com/a": {},
		"https://example.com/b": {},
	}
	if len(got) != len(want) {
		t.Fatalf("Discover returned %v, want exactly %v", got, want)
	}
	for _, u := range got {
		if _, ok := want[u]; !ok {
			t.Errorf("unexpected discovered url %q", u)
		}
	}
	for _, u := range got {
		if u == "https://other-host.example/page" {
			t.Fatal("external host must not appear in discovered set")
		}
	}
}

func TestDiscoverBaseURLAlwaysPresentEvenOnFetchFailure(t *testing.T) {
	t.Parallel()
	renderer := &fakeRenderer{err: errors.New("connection reset")}
	engine := New(nil, renderer, zap.NewNop())

	got, err := engine.Discover(context.Background(), "https://example.com/", 5, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(got) != 1 || got[0] != "https://example.com/" {
		t.Fatalf("Discover = %v, want only base url", got)
	}
}

func TestDiscoverRetriesTransientRenderFailureThenSkips(t *testing.T) {
	t.Parallel()
	renderer := &fakeRenderer{err: errors.New("connection reset")}
	engine := New(nil, renderer, zap.NewNop())

	if _, err := engine.Discover(context.Background(), "https://example.com/", 5, nil); err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(renderer.calls) != 3 {
		t.Fatalf("render calls = %d, want 3 (1 initial + 2 retries) before skipping the url", len(renderer.calls))
	}
}

func TestDiscoverPropagatesBrowserUnavailable(t *testing.T) {
	t.Parallel()
	renderer := &fakeRenderer{err: scrapeerr.NewBrowserUnavailable(errors.New("chrome exited"))}
	engine := New(nil, renderer, zap.NewNop())

	got, err := engine.Discover(context.Background(), "https://example.com/", 5, nil)
	if err == nil {
		t.Fatal("expected browser unavailable error to propagate")
	}
	var unavailable *scrapeerr.BrowserUnavailable
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected *scrapeerr.BrowserUnavailable, got %T", err)
	}
	if len(got) != 1 || got[0] != "https://example.com/" {
		t.Fatalf("Discover = %v, want base url present despite failure", got)
	}
}

func TestDiscoverRespectsMaxPages(t *testing.T) {
	t.Parallel()
	renderer := &fakeRenderer{pages: map[string]RenderResult{
		"https://example.com/":  {ContentType: "text/html", Links: []string{"/a"}},
		"https://example.com/a": {ContentType: "text/html", Links: []string{"/b"}},
		"https://example.com/b": {ContentType: "text/html", Links: []string{"/c"}},
		"https://example.com/c": {ContentType: "text/html"},
	}}
	engine := New(nil, renderer, zap.NewNop())

	got, err := engine.Discover(context.Background(), "https://example.com/", 2, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	visitedCount := 0
	for _, u := range renderer.calls {
		if u != "" {
			visitedCount++
		}
	}
	if visitedCount > 2 {
		t.Fatalf("render called %d times, want at most maxPages=2", visitedCount)
	}
	if len(got) < 1 {
		t.Fatal("discovered set must not be empty")
	}
}

func TestDiscoverSkipsNonContentContentType(t *testing.T) {
	t.Parallel()
	renderer := &fakeRenderer{pages: map[string]RenderResult{
		"https://example.com/": {ContentType: "text/html", Links: []string{"/report.pdf", "/a"}},
		"https://example.com/a": {ContentType: "text/html"},
	}}
	engine := New(nil, renderer, zap.NewNop())

	got, err := engine.Discover(context.Background(), "https://example.com/", 0, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	for _, u := range got {
		if u == "https://example.com/report.pdf" {
			t.Fatal(".pdf url should have been rejected by the classifier before ever being queued")
		}
	}
}

type fakeProber struct {
	contentTypes map[string]string
}

func (f *fakeProber) Probe(_ context.Context, rawURL string) (crawler.ProbeResult, error) {
	ct, ok := f.contentTypes[rawURL]
	if !ok {
		return crawler.ProbeResult{}, errors.New("no probe data")
	}
	return crawler.ProbeResult{ContentType: ct}, nil
}

func TestFetchPageSkipsBeforeRenderWhenProbeRejects(t *testing.T) {
	t.Parallel()
	renderer := &fakeRenderer{pages: map[string]RenderResult{
		"https://example.com/feed": {ContentType: "text/html"},
	}}
	prober := &fakeProber{contentTypes: map[string]string{
		"https://example.com/feed": "application/rss+xml",
	}}
	engine := New(prober, renderer, zap.NewNop())

	_, skip, err := engine.fetchPage(context.Background(), "https://example.com/feed")
	if err != nil {
		t.Fatalf("fetchPage: %v", err)
	}
	if !skip {
		t.Fatal("expected probe rejection to skip the page")
	}
	if len(renderer.calls) != 0 {
		t.Fatalf("renderer should not have been invoked, got calls: %v", renderer.calls)
	}
}

func TestRunJobCompletesAndPersistsDiscoveredURLs(t *testing.T) {
	t.Parallel()
	renderer := &fakeRenderer{pages: map[string]RenderResult{
		"https://example.com/": {ContentType: "text/html"},
	}}
	engine := New(nil, renderer, zap.NewNop())
	store := &fakeJobStore{}
	job := scrapejob.Job{ID: "job-1", BaseURL: "https://example.com/", Status: scrapejob.StatusDiscovering}

	next, err := engine.RunJob(context.Background(), job, store, nil)
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if next.Status != scrapejob.StatusPending {
		t.Fatalf("Status = %v, want PENDING", next.Status)
	}
	if len(next.DiscoveredURLs) != 1 {
		t.Fatalf("DiscoveredURLs = %v, want exactly [baseUrl]", next.DiscoveredURLs)
	}
}

func TestRunJobDegradesOnBrowserUnavailable(t *testing.T) {
	t.Parallel()
	renderer := &fakeRenderer{err: scrapeerr.NewBrowserUnavailable(errors.New("no chrome binary"))}
	engine := New(nil, renderer, zap.NewNop())
	store := &fakeJobStore{}
	job := scrapejob.Job{ID: "job-2", BaseURL: "https://example.com/", Status: scrapejob.StatusDiscovering}

	next, err := engine.RunJob(context.Background(), job, store, nil)
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	if next.Status != scrapejob.StatusPending {
		t.Fatalf("Status = %v, want PENDING (degraded fallback)", next.Status)
	}
	if len(next.DiscoveredURLs) != 1 || next.DiscoveredURLs[0] != job.BaseURL {
		t.Fatalf("DiscoveredURLs = %v, want [baseUrl]", next.DiscoveredURLs)
	}
	if next.ErrorMessage == "" {
		t.Fatal("expected degraded job to carry the underlying error message")
	}
}

type fakeJobStore struct {
	patches []scrapejob.Patch
}

func (f *fakeJobStore) CreateJob(_ context.Context, job scrapejob.Job) (scrapejob.Job, error) {
	return job, nil
}

func (f *fakeJobStore) UpdateJob(_ context.Context, _ string, patch scrapejob.Patch) error {
	f.patches = append(f.patches, patch)
	return nil
}

func (f *fakeJobStore) FindJob(context.Context, string) (scrapejob.Job, error) {
	return scrapejob.Job{}, scrapejob.ErrNotFound
}

func (f *fakeJobStore) ListJobs(context.Context, string) ([]scrapejob.Job, error) {
	return nil, nil
}
