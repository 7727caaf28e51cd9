package rag

import (
	"context"

	"github.com/rs/zerolog/log"

	"regdoc-rag/internal/models"
	"regdoc-rag/internal/ragerr"
)

// Pipeline answers questions over a built index.
type Pipeline struct {
	retriever *Retriever
	generator Generator
	topK      int
}

func NewPipeline(retriever *Retriever, generator Generator, topK int) *Pipeline {
	return &Pipeline{retriever: retriever, generator: generator, topK: topK}
}

func (p *Pipeline) Generator() Generator {
	return p.generator
}

// Search retrieves without generating.
func (p *Pipeline) Search(ctx context.Context, question string, k int) ([]models.Hit, error) {
	if k <= 0 {
		k = p.topK
	}
	return p.retriever.Retrieve(ctx, question, k)
}

// Answer answers question without any conversation history.
func (p *Pipeline) Answer(ctx context.Context, question string) (*models.Answer, error) {
	return p.answer(ctx, question, nil)
}

// Ask answers question in the context of session and records the turn.
// A failed question leaves the session unchanged.
func (p *Pipeline) Ask(ctx context.Context, session *Session, question string) (*models.Answer, error) {
	answer, err := p.answer(ctx, question, session.Turns())
	if err != nil {
		return nil, err
	}
	session.Append(*answer)
	return answer, nil
}

func (p *Pipeline) answer(ctx context.Context, question string, history []models.Turn) (*models.Answer, error) {
	hits, err := p.retriever.Retrieve(ctx, question, p.topK)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("query", question).Strs("chunks", models.HitIDs(hits)).Msg("Retrieved context")

	answer, err := p.generator.Generate(ctx, question, hits, history)
	if err != nil {
		return nil, ragerr.AtStage(ragerr.StageGenerate, err)
	}
	return answer, nil
}
