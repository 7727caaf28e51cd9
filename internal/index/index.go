// Package index defines the vector index contract and its in-process
// implementation.
package index

import (
	"context"
	"math"
	"sort"

	"regdoc-rag/internal/models"
)

// Index stores chunk embeddings and answers nearest-neighbour queries by
// cosine similarity. Entries are added during a build and only read
// afterwards; implementations do not need to support concurrent writers.
type Index interface {
	// Add appends entries. All entries share one dimensionality and chunk
	// ids are unique within the index.
	Add(ctx context.Context, entries ...models.Entry) error
	// Search returns at most k hits ordered by descending similarity. Equal
	// scores keep insertion order. An empty index or k <= 0 yields no hits.
	Search(ctx context.Context, query []float32, k int) ([]models.Hit, error)
	Count(ctx context.Context) (int, error)
	// Dimension is 0 until the first entry is added.
	Dimension() int
	Save(ctx context.Context, path string) error
	Load(ctx context.Context, path string) error
}

// CosineSimilarity returns a value in [-1, 1], or 0 when the lengths differ
// or either vector is zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Rank sorts hits by descending score, keeping the given order for ties,
// and truncates to k.
func Rank(hits []models.Hit, k int) []models.Hit {
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits
}
