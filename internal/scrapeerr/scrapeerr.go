// Package scrapeerr defines the error taxonomy shared across the discovery
// and ingestion pipelines so callers can branch with errors.As/errors.Is
// instead of string matching.
package scrapeerr

import "fmt"

// TransientNetworkError means a single URL failed to load. Callers retry up
// to twice within a scrape before skipping the URL with a warning.
type TransientNetworkError struct {
	URL string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network error fetching %s: %v", e.URL, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// NewTransientNetworkError wraps err as a TransientNetworkError for url.
func NewTransientNetworkError(url string, err error) *TransientNetworkError {
	return &TransientNetworkError{URL: url, Err: err}
}

// ContentClassifierReject is not a failure; it signals the URL classifier
// rejected a candidate and the caller should skip it silently.
type ContentClassifierReject struct {
	URL    string
	Reason string
}

func (e *ContentClassifierReject) Error() string {
	return fmt.Sprintf("url rejected by content classifier (%s): %s", e.Reason, e.URL)
}

// EmptyExtract means extraction yielded fewer than the minimum content
// length. The URL is skipped without writing a document.
type EmptyExtract struct {
	URL string
	Len int
}

func (e *EmptyExtract) Error() string {
	return fmt.Sprintf("extracted content too short (%d chars) for %s", e.Len, e.URL)
}

// EmbeddingFailure fails the enclosing document with status FAILED.
type EmbeddingFailure struct {
	Model string
	Err   error
}

func (e *EmbeddingFailure) Error() string {
	return fmt.Sprintf("embedding request failed (model=%s): %v", e.Model, e.Err)
}

func (e *EmbeddingFailure) Unwrap() error { return e.Err }

// NewEmbeddingFailure wraps err as an EmbeddingFailure for model.
func NewEmbeddingFailure(model string, err error) *EmbeddingFailure {
	return &EmbeddingFailure{Model: model, Err: err}
}

// BrowserUnavailable means the browser pool could not produce a page.
// Discovery degrades to a baseUrl-only fallback and moves to PENDING;
// ingestion fails the specific document and continues.
type BrowserUnavailable struct {
	Err error
}

func (e *BrowserUnavailable) Error() string {
	return fmt.Sprintf("browser unavailable: %v", e.Err)
}

func (e *BrowserUnavailable) Unwrap() error { return e.Err }

// NewBrowserUnavailable wraps err as a BrowserUnavailable error.
func NewBrowserUnavailable(err error) *BrowserUnavailable {
	return &BrowserUnavailable{Err: err}
}

// StorageFailure means a persistence call failed. It propagates but does
// not itself fail the job unless every remaining URL also fails.
type StorageFailure struct {
	Op  string
	Err error
}

func (e *StorageFailure) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageFailure) Unwrap() error { return e.Err }

// NewStorageFailure wraps err as a StorageFailure for op.
func NewStorageFailure(op string, err error) *StorageFailure {
	return &StorageFailure{Op: op, Err: err}
}

// Sentinel errors returned to API callers; they never corrupt job state.
var (
	// ErrNotFound indicates the requested entity does not exist (or is
	// soft-deleted).
	ErrNotFound = notFoundError{}
	// ErrConflict indicates a request would violate an invariant (e.g. a
	// duplicate sourceUrl within a knowledge base).
	ErrConflict = conflictError{}
)

type notFoundError struct{}

func (notFoundError) Error() string { return "not found" }

type conflictError struct{}

func (conflictError) Error() string { return "conflict" }
