package rag

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"regdoc-rag/internal/config"
	"regdoc-rag/internal/llmservice"
	"regdoc-rag/internal/models"
	"regdoc-rag/internal/ragerr"
	"regdoc-rag/internal/retry"
)

// Generator turns a question and its retrieved chunks into an Answer.
type Generator interface {
	Generate(ctx context.Context, question string, hits []models.Hit, history []models.Turn) (*models.Answer, error)
	Name() string
}

var thinkTag = regexp.MustCompile(models.ThinkTag)

// newAnswer fills the fields every generator derives from the hits.
func newAnswer(generator, question, text string, hits []models.Hit) *models.Answer {
	return &models.Answer{
		Question:   question,
		Text:       text,
		Sources:    models.HitIDs(hits),
		Citations:  models.CitationsFor(hits),
		Confidence: models.ConfidenceFor(hits),
		Generator:  generator,
	}
}

// BuildContext joins the hit texts in retrieval order.
func BuildContext(hits []models.Hit) string {
	parts := make([]string, len(hits))
	for i, h := range hits {
		parts[i] = h.Entry.Text
	}
	return strings.Join(parts, models.ContextSeparator)
}

// LiveGenerator answers with a chat-completion model.
type LiveGenerator struct {
	llm          llms.Model
	temperature  float64
	timeout      time.Duration
	historyTurns int
	policy       retry.Policy
	stream       func(ctx context.Context, chunk []byte) error
}

type LiveOption func(*LiveGenerator)

// WithStreaming passes completion tokens to fn as they arrive. A retried
// call streams again from the start.
func WithStreaming(fn func(ctx context.Context, chunk []byte) error) LiveOption {
	return func(g *LiveGenerator) {
		g.stream = fn
	}
}

func NewLiveGenerator(llm llms.Model, cfg config.LLMConfig, historyTurns int, policy retry.Policy, opts ...LiveOption) *LiveGenerator {
	g := &LiveGenerator{
		llm:          llm,
		temperature:  cfg.Temperature,
		timeout:      cfg.Timeout,
		historyTurns: historyTurns,
		policy:       policy,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *LiveGenerator) Name() string {
	return "live"
}

func (g *LiveGenerator) Generate(ctx context.Context, question string, hits []models.Hit, history []models.Turn) (*models.Answer, error) {
	if len(hits) == 0 {
		return newAnswer(g.Name(), question, models.NoContextAnswer, hits), nil
	}

	messages := g.messages(question, hits, history)
	options := []llms.CallOption{llms.WithTemperature(g.temperature)}
	if g.stream != nil {
		options = append(options, llms.WithStreamingFunc(g.stream))
	}

	var text string
	err := g.policy.Do(ctx, "generate", func(ctx context.Context) error {
		callCtx := ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		res, err := llmservice.GenerateContent(callCtx, g.llm, messages, options...)
		if err != nil {
			return err
		}
		if len(res.Choices) == 0 {
			return fmt.Errorf("model returned no choices")
		}
		text = res.Choices[0].Content
		return nil
	})
	if err != nil {
		return nil, ragerr.Wrap(ragerr.ErrGeneration, err)
	}

	text = strings.TrimSpace(thinkTag.ReplaceAllString(text, ""))
	if text == "" {
		return nil, ragerr.Newf(ragerr.ErrGeneration, "model returned an empty completion")
	}
	log.Debug().Int("context_chunks", len(hits)).Int("answer_len", len(text)).Msg("Generated answer")
	return newAnswer(g.Name(), question, text, hits), nil
}

func (g *LiveGenerator) messages(question string, hits []models.Hit, history []models.Turn) []llms.MessageContent {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, models.SystemPrompt),
	}
	if g.historyTurns > 0 && len(history) > g.historyTurns {
		history = history[len(history)-g.historyTurns:]
	}
	if g.historyTurns > 0 {
		for _, t := range history {
			messages = append(messages,
				llms.TextParts(llms.ChatMessageTypeHuman, t.Question),
				llms.TextParts(llms.ChatMessageTypeAI, t.Answer.Text),
			)
		}
	}
	prompt := fmt.Sprintf(models.AnswerPromptTemplate, BuildContext(hits), question)
	return append(messages, llms.TextParts(llms.ChatMessageTypeHuman, prompt))
}
