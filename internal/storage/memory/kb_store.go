package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/kbforge/scrapeindex/internal/kb"
	"github.com/kbforge/scrapeindex/internal/retrieval"
)

// KBStore is an in-memory implementation of kb.Store, used for local
// development and tests where a database is not configured.
type KBStore struct {
	mu             sync.RWMutex
	knowledgeBases map[string]kb.KnowledgeBase
	documents      map[string]kb.Document
	chunks         map[string][]kb.DocumentChunk
}

// NewKBStore constructs a KBStore, seeding it with the given knowledge
// bases so FindKnowledgeBase resolves without a separate provisioning step.
func NewKBStore(seed ...kb.KnowledgeBase) *KBStore {
	s := &KBStore{
		knowledgeBases: make(map[string]kb.KnowledgeBase),
		documents:      make(map[string]kb.Document),
		chunks:         make(map[string][]kb.DocumentChunk),
	}
	for _, base := range seed {
		s.knowledgeBases[base.ID] = base
	}
	return s
}

// FindKnowledgeBase implements kb.Store.
func (s *KBStore) FindKnowledgeBase(_ context.Context, id string) (kb.KnowledgeBase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	base, ok := s.knowledgeBases[id]
	if !ok || base.IsDeleted() {
		return kb.KnowledgeBase{}, kb.ErrNotFound
	}
	return base, nil
}

// UpdateKnowledgeBase implements kb.Store.
func (s *KBStore) UpdateKnowledgeBase(_ context.Context, base kb.KnowledgeBase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.knowledgeBases[base.ID]
	if ok && existing.EmbeddingModel != "" && existing.EmbeddingModel != base.EmbeddingModel {
		for _, doc := range s.documents {
			if doc.KnowledgeBaseID == base.ID {
				return kb.ErrEmbeddingModelLocked
			}
		}
	}
	s.knowledgeBases[base.ID] = base
	return nil
}

// CountAgentsUsing implements kb.Store. The in-memory store has no notion of
// agents, so this always returns zero.
func (s *KBStore) CountAgentsUsing(context.Context, string) (int, error) {
	return 0, nil
}

// CreateDocument implements kb.Store.
func (s *KBStore) CreateDocument(_ context.Context, doc kb.Document) (kb.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc.SourceURL != nil {
		for _, existing := range s.documents {
			if existing.KnowledgeBaseID == doc.KnowledgeBaseID && existing.SourceURL != nil && *existing.SourceURL == *doc.SourceURL {
				return kb.Document{}, kb.ErrConflict
			}
		}
	}
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	s.documents[doc.ID] = doc
	return doc, nil
}

// UpdateDocumentStatus implements kb.Store.
func (s *KBStore) UpdateDocumentStatus(_ context.Context, documentID string, patch kb.DocumentPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[documentID]
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
	s.documents[documentID] = doc
	return nil
}

// FindDocument implements kb.Store.
func (s *KBStore) FindDocument(_ context.Context, documentID string) (kb.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[documentID]
	if !ok {
		return kb.Document{}, kb.ErrNotFound
	}
	return doc, nil
}

// FindDocumentBySourceURL implements kb.Store.
func (s *KBStore) FindDocumentBySourceURL(_ context.Context, kbID, sourceURL string) (kb.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, doc := range s.documents {
		if doc.KnowledgeBaseID == kbID && doc.SourceURL != nil && *doc.SourceURL == sourceURL {
			return doc, nil
		}
	}
	return kb.Document{}, kb.ErrNotFound
}

// ListDocuments implements kb.Store.
func (s *KBStore) ListDocuments(_ context.Context, kbID string) ([]kb.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]kb.Document, 0)
	for _, doc := range s.documents {
		if doc.KnowledgeBaseID == kbID {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteDocument implements kb.Store.
func (s *KBStore) DeleteDocument(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[documentID]; !ok {
		return kb.ErrNotFound
	}
	delete(s.chunks, documentID)
	delete(s.documents, documentID)
	return nil
}

// InsertChunk implements kb.Store.
func (s *KBStore) InsertChunk(_ context.Context, chunk kb.DocumentChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if chunk.ID == "" {
		chunk.ID = uuid.NewString()
	}
	s.chunks[chunk.DocumentID] = append(s.chunks[chunk.DocumentID], chunk)
	return nil
}

// DeleteChunksByDocument implements kb.Store.
func (s *KBStore) DeleteChunksByDocument(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks, documentID)
	return nil
}

// NearestByCosine implements kb.Store by scanning every chunk belonging to a
// COMPLETED document in kbID and ranking by cosine distance in-process. Ties
// break by chunkIndex ascending then documentId ascending, per the port's
// contract.
func (s *KBStore) NearestByCosine(_ context.Context, kbID string, queryVector []float32, limit int) ([]kb.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		result   kb.SearchResult
		distance float64
		chunkIdx int
	}

	var candidates []scored
	for _, doc := range s.documents {
		if doc.KnowledgeBaseID != kbID || doc.Status != kb.DocumentCompleted {
			continue
		}
		sourceURL := ""
		if doc.SourceURL != nil {
			sourceURL = *doc.SourceURL
		}
		for _, c := range s.chunks[doc.ID] {
			candidates = append(candidates, scored{
				result: kb.SearchResult{
					ChunkID:       c.ID,
					DocumentID:    doc.ID,
					Content:       c.Content,
					Score:         retrieval.CosineSimilarity(queryVector, c.Embedding),
					DocumentTitle: doc.Title,
					SourceURL:     sourceURL,
				},
				distance: retrieval.CosineDistance(queryVector, c.Embedding),
				chunkIdx: c.ChunkIndex,
			})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].distance != candidates[j].distance {
			return candidates[i].distance < candidates[j].distance
		}
		if candidates[i].chunkIdx != candidates[j].chunkIdx {
			return candidates[i].chunkIdx < candidates[j].chunkIdx
		}
		return candidates[i].result.DocumentID < candidates[j].result.DocumentID
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]kb.SearchResult, len(candidates))
	for i, c := range candidates {
		out[i] = c.result
	}
	return out, nil
}
