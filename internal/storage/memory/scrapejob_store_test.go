package memory

import (
	"context"
	"testing"

	"github.com/kbforge/scrapeindex/internal/scrapejob"
)

func TestScrapeJobStoreLifecycle(t *testing.T) {
	t.Parallel()
	store := NewScrapeJobStore()
	ctx := context.Background()

	created, err := store.CreateJob(ctx, scrapejob.Job{KnowledgeBaseID: "kb-1", BaseURL: "https://example.com/", Status: scrapejob.StatusDiscovering})
	if err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected CreateJob to assign an id")
	}

	status := scrapejob.StatusPending
	if err := store.UpdateJob(ctx, created.ID, scrapejob.Patch{Status: &status, DiscoveredURLs: []string{created.BaseURL}}); err != nil {
		t.Fatalf("UpdateJob() error = %v", err)
	}

	got, err := store.FindJob(ctx, created.ID)
	if err != nil {
		t.Fatalf("FindJob() error = %v", err)
	}
	if got.Status != scrapejob.StatusPending || len(got.DiscoveredURLs) != 1 {
		t.Fatalf("unexpected job state after patch: %+v", got)
	}

	list, err := store.ListJobs(ctx, "kb-1")
	if err != nil || len(list) != 1 {
		t.Fatalf("ListJobs() = %v, %v", list, err)
	}

	if _, err := store.FindJob(ctx, "missing"); err != scrapejob.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.UpdateJob(ctx, "missing", scrapejob.Patch{}); err != scrapejob.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
