package rag

import (
	"context"

	"regdoc-rag/internal/index"
	"regdoc-rag/internal/models"
	"regdoc-rag/internal/ragerr"
)

type Retriever struct {
	embedder Embedder
	index    index.Index
}

func NewRetriever(embedder Embedder, idx index.Index) *Retriever {
	return &Retriever{embedder: embedder, index: idx}
}

// Retrieve returns at most k chunks most similar to query, best first.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]models.Hit, error) {
	if k <= 0 {
		return []models.Hit{}, nil
	}
	vec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, ragerr.AtStage(ragerr.StageEmbed, err)
	}
	hits, err := r.index.Search(ctx, vec, k)
	if err != nil {
		return nil, ragerr.AtStage(ragerr.StageRetrieve, err)
	}
	return hits, nil
}
