package rag

import (
	"context"

	"github.com/rs/zerolog/log"

	"regdoc-rag/internal/chunker"
	"regdoc-rag/internal/index"
	"regdoc-rag/internal/models"
	"regdoc-rag/internal/ragerr"
)

// Embedder is the part of the embedding client the pipeline uses.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// BuildReport counts what one build did. On failure Indexed tells how many
// chunks made it into the index before the error.
type BuildReport struct {
	Documents int `json:"documents"`
	Chunks    int `json:"chunks"`
	Indexed   int `json:"indexed"`
}

// Indexer builds the vector index from documents.
type Indexer struct {
	chunker        *chunker.Chunker
	embedder       Embedder
	index          index.Index
	contextualizer *Contextualizer
}

func NewIndexer(c *chunker.Chunker, embedder Embedder, idx index.Index) *Indexer {
	return &Indexer{chunker: c, embedder: embedder, index: idx}
}

// WithContextualizer makes Build situate every chunk before embedding it.
func (ix *Indexer) WithContextualizer(c *Contextualizer) *Indexer {
	ix.contextualizer = c
	return ix
}

// Chunk splits docs without embedding anything.
func (ix *Indexer) Chunk(docs []models.Document) []models.Chunk {
	return ix.chunker.SplitAll(docs)
}

// Build chunks, embeds and indexes docs. If embedding fails part way, the
// entries embedded before the failure are still added to the index and the
// returned report says how many.
func (ix *Indexer) Build(ctx context.Context, docs []models.Document) (*BuildReport, error) {
	report := &BuildReport{Documents: len(docs)}

	chunks := ix.Chunk(docs)
	report.Chunks = len(chunks)
	if len(chunks) == 0 {
		return report, nil
	}
	log.Info().Int("documents", len(docs)).Int("chunks", len(chunks)).Msg("Chunked documents")

	entries := make([]models.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = models.Entry{ChunkID: c.ID, Text: c.Text, Metadata: c.Metadata()}
	}
	if ix.contextualizer != nil {
		if err := ix.situate(ctx, docs, chunks, entries); err != nil {
			return report, ragerr.AtStage(ragerr.StageContextualize, err)
		}
	}

	texts := make([]string, len(entries))
	for i, e := range entries {
		texts[i] = embedText(e)
	}
	vectors, embedErr := ix.embedder.Embed(ctx, texts)
	for i, v := range vectors {
		entries[i].Embedding = v
	}

	if len(vectors) > 0 {
		if err := ix.index.Add(ctx, entries[:len(vectors)]...); err != nil {
			return report, ragerr.AtStage(ragerr.StageIndex, err)
		}
		report.Indexed = len(vectors)
	}
	if embedErr != nil {
		log.Warn().Err(embedErr).Int("indexed", report.Indexed).Int("chunks", report.Chunks).Msg("Embedding stopped early")
		return report, ragerr.AtStage(ragerr.StageEmbed, embedErr)
	}

	log.Info().Int("indexed", report.Indexed).Msg("Index built")
	return report, nil
}

func (ix *Indexer) situate(ctx context.Context, docs []models.Document, chunks []models.Chunk, entries []models.Entry) error {
	type page struct {
		source string
		page   int
	}
	texts := make(map[page]string, len(docs))
	for _, d := range docs {
		texts[page{d.Source, d.Page}] = d.Text
	}
	for i, c := range chunks {
		doc := texts[page{c.Source, c.Page}]
		situated, err := ix.contextualizer.Situate(ctx, doc, entries[i].Text)
		if err != nil {
			return err
		}
		if situated != "" {
			entries[i].Metadata[models.MetaContext] = situated
		}
	}
	return nil
}
