package crawler

import (
	"context"
	"io"
	"time"
)

// BlobStore writes raw artifacts (page snapshots) and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Queue provides enqueue/dequeue semantics for scrape-job work items.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// Policy paces outbound requests to a single host, independent of what
// fetched it (a colly probe, a browser render, a scrape).
type Policy interface {
	Wait(ctx context.Context, rawURL string) error
}

// RobotsPolicy reports whether rawURL may be fetched under the crawler's
// user agent.
type RobotsPolicy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// Hasher computes digests for deduplication/integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job/document IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
