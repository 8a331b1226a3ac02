// Package retrieval implements nearest-neighbor search over a knowledge
// base's chunks: embed the query, then rank stored chunks by cosine
// similarity.
package retrieval

import (
	"context"
	"fmt"
	"math"

	"github.com/kbforge/scrapeindex/internal/embedding"
	"github.com/kbforge/scrapeindex/internal/kb"
)

// Searcher answers similarity queries against a knowledge base.
type Searcher struct {
	store     kb.Store
	embedder  embedding.Service
}

// New builds a Searcher.
func New(store kb.Store, embedder embedding.Service) *Searcher {
	return &Searcher{store: store, embedder: embedder}
}

// Search embeds query with the knowledge base's configured model and
// returns the limit chunks minimizing cosine distance, restricted to
// chunks whose parent document is COMPLETED.
func (s *Searcher) Search(ctx context.Context, kbID, query string, limit int) ([]kb.SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}

	base, err := s.store.FindKnowledgeBase(ctx, kbID)
	if err != nil {
		return nil, fmt.Errorf("find knowledge base: %w", err)
	}

	queryVector, err := s.embedder.Embed(ctx, query, base.EmbeddingModel)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := s.store.NearestByCosine(ctx, kbID, queryVector, limit)
	if err != nil {
		return nil, fmt.Errorf("nearest by cosine: %w", err)
	}
	return results, nil
}

// CosineDistance computes 1 - (a·b)/(||a||*||b||). Returns 1 (maximally
// distant) if either vector has zero magnitude.
func CosineDistance(a, b []float32) float64 {
	return 1 - CosineSimilarity(a, b)
}

// CosineSimilarity computes (a·b)/(||a||*||b||), the cosine of the angle
// between a and b. Returns 0 if either vector has zero magnitude.
func CosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, magA, magB float64
	for i := 0; i < n; i++ {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		magA += ai * ai
		magB += bi * bi
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
