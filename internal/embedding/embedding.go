// Package embedding defines the embedding service port and a resty-backed
// HTTP implementation.
package embedding

import (
	"context"

	"github.com/kbforge/scrapeindex/internal/scrapeerr"
)

// DefaultDimension is the vector width of the default embedding model.
const DefaultDimension = 1536

// Service is the embedding port consumed by ingestion and retrieval:
// embed(text, model) -> vector[D]. Failures surface as
// scrapeerr.EmbeddingFailure.
type Service interface {
	Embed(ctx context.Context, text, model string) ([]float32, error)
}

// wrapFailure is a small helper so every concrete Service implementation
// surfaces the same error type per the taxonomy.
func wrapFailure(model string, err error) error {
	if err == nil {
		return nil
	}
	return scrapeerr.NewEmbeddingFailure(model, err)
}
