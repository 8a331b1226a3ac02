// Package kb models the knowledge base / document / chunk data model and
// declares the store port the ingestion and retrieval pipelines persist
// through.
package kb

import (
	"context"
	"errors"
	"time"
)

// ErrEmbeddingModelLocked is returned when a caller attempts to change a
// KnowledgeBase's embeddingModel after documents already exist under it;
// mixing vectors from two embedding models in one index is never allowed.
var ErrEmbeddingModelLocked = errors.New("embedding model is locked once documents exist")

// ErrNotFound signals the requested entity does not exist, or is
// soft-deleted and the caller did not ask to see soft-deleted rows.
var ErrNotFound = errors.New("not found")

// ErrConflict signals a request would violate a uniqueness invariant, e.g.
// a duplicate sourceUrl within a knowledge base.
var ErrConflict = errors.New("conflict")

// DocumentStatus is the lifecycle state of a Document.
type DocumentStatus string

// Document statuses.
const (
	DocumentProcessing DocumentStatus = "PROCESSING"
	DocumentCompleted  DocumentStatus = "COMPLETED"
	DocumentFailed     DocumentStatus = "FAILED"
)

// KnowledgeBase is a named corpus: the logical owner of documents and their
// chunks.
type KnowledgeBase struct {
	ID             string
	WorkspaceID    string
	Name           string
	EmbeddingModel string
	ChunkSize      int
	ChunkOverlap   int
	DeletedAt      *time.Time
}

// Validate checks the invariants spec'd for a KnowledgeBase.
func (k KnowledgeBase) Validate() error {
	if k.ChunkSize <= 0 {
		return errors.New("chunkSize must be > 0")
	}
	if k.ChunkOverlap < 0 || k.ChunkOverlap >= k.ChunkSize {
		return errors.New("chunkOverlap must satisfy 0 <= chunkOverlap < chunkSize")
	}
	return nil
}

// IsDeleted reports whether the knowledge base is soft-deleted.
func (k KnowledgeBase) IsDeleted() bool { return k.DeletedAt != nil }

// Document is one ingested page or artifact within a KnowledgeBase.
type Document struct {
	ID              string
	KnowledgeBaseID string
	Title           string
	Content         string
	SourceURL       *string
	Status          DocumentStatus
	ChunkCount      int
	ErrorMessage    string
	Metadata        map[string]any
	Tags            []string
	CreatedAt       time.Time
}

// DocumentChunk is a contiguous slice of a Document's content, embedded for
// nearest-neighbor retrieval.
type DocumentChunk struct {
	ID         string
	DocumentID string
	ChunkIndex int
	Content    string
	StartChar  int
	EndChar    int
	Embedding  []float32
	Metadata   map[string]any
}

// Validate checks the per-chunk invariants against the parent document's
// content length.
func (c DocumentChunk) Validate(documentContentLen int) error {
	if c.StartChar < 0 || c.StartChar >= c.EndChar || c.EndChar > documentContentLen {
		return errors.New("chunk offsets must satisfy 0 <= startChar < endChar <= len(content)")
	}
	if c.ChunkIndex < 0 {
		return errors.New("chunkIndex must be >= 0")
	}
	return nil
}

// DocumentPatch carries a partial update to a Document; nil fields are left
// unchanged.
type DocumentPatch struct {
	Status       *DocumentStatus
	ChunkCount   *int
	ErrorMessage *string
	Title        *string
	Content      *string
}

// SearchResult is one hit returned by a vector-store nearest-neighbor query.
type SearchResult struct {
	ChunkID       string
	DocumentID    string
	Content       string
	Score         float64
	DocumentTitle string
	SourceURL     string
}

// Store is the persistence port consumed by the ingestion pipeline,
// retrieval, and the operator CLI. Soft-delete discipline: implementations
// filter deletedAt IS NULL unless the method name says otherwise.
type Store interface {
	// FindKnowledgeBase loads a knowledge base by id, or returns
	// ErrNotFound.
	FindKnowledgeBase(ctx context.Context, id string) (KnowledgeBase, error)
	// UpdateKnowledgeBase persists changes to a knowledge base. It rejects
	// an embeddingModel change once documents exist, returning
	// ErrEmbeddingModelLocked.
	UpdateKnowledgeBase(ctx context.Context, kb KnowledgeBase) error
	// CountAgentsUsing counts entities (agents, jobs, etc.) currently
	// referencing the knowledge base, used to gate destructive operations.
	CountAgentsUsing(ctx context.Context, kbID string) (int, error)

	// CreateDocument inserts a new document in PROCESSING status.
	CreateDocument(ctx context.Context, doc Document) (Document, error)
	// UpdateDocumentStatus applies a partial update to a document.
	UpdateDocumentStatus(ctx context.Context, documentID string, patch DocumentPatch) error
	// FindDocument loads a document by id, or returns ErrNotFound.
	FindDocument(ctx context.Context, documentID string) (Document, error)
	// FindDocumentBySourceURL loads a document by (knowledgeBaseId,
	// sourceUrl), enforcing the at-most-one-document-per-source-URL
	// invariant, or returns ErrNotFound.
	FindDocumentBySourceURL(ctx context.Context, kbID, sourceURL string) (Document, error)
	// ListDocuments lists documents owned by a knowledge base.
	ListDocuments(ctx context.Context, kbID string) ([]Document, error)
	// DeleteDocument deletes a document and, first, all of its chunks.
	DeleteDocument(ctx context.Context, documentID string) error

	// InsertChunk persists one chunk, including its embedding.
	InsertChunk(ctx context.Context, chunk DocumentChunk) error
	// DeleteChunksByDocument removes every chunk owned by a document.
	DeleteChunksByDocument(ctx context.Context, documentID string) error
	// NearestByCosine returns the `limit` chunks minimizing cosine
	// distance to queryVector, restricted to chunks whose parent document
	// is COMPLETED and belongs to kbID. Ties are broken by chunkIndex
	// ascending then documentId ascending.
	NearestByCosine(ctx context.Context, kbID string, queryVector []float32, limit int) ([]SearchResult, error)
}
