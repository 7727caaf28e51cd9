package rag

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"

	"regdoc-rag/internal/llmservice"
	"regdoc-rag/internal/models"
	"regdoc-rag/internal/retry"
)

// Contextualizer asks the model for a short description placing a chunk
// within its document. The description is embedded together with the chunk.
type Contextualizer struct {
	llm     llms.Model
	timeout time.Duration
	policy  retry.Policy
}

func NewContextualizer(llm llms.Model, timeout time.Duration, policy retry.Policy) *Contextualizer {
	return &Contextualizer{llm: llm, timeout: timeout, policy: policy}
}

// Situate returns the context for chunk, a substring of document.
func (c *Contextualizer) Situate(ctx context.Context, document, chunk string) (string, error) {
	log.Debug().Str("chunk", models.Preview(chunk, 60)).Msg("Generating context for chunk")
	prompt := fmt.Sprintf(models.ContextPromptTemplate, document, chunk)
	messages := []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, prompt)}

	var out string
	err := c.policy.Do(ctx, "contextualize", func(ctx context.Context) error {
		if c.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		res, err := llmservice.GenerateContent(ctx, c.llm, messages)
		if err != nil {
			return err
		}
		if len(res.Choices) == 0 {
			return fmt.Errorf("model returned no choices")
		}
		out = res.Choices[0].Content
		return nil
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(thinkTag.ReplaceAllString(out, "")), nil
}

// embedText is the text sent to the embedder for an entry.
func embedText(e models.Entry) string {
	if c := e.Metadata[models.MetaContext]; c != "" {
		return c + "\n\n" + e.Text
	}
	return e.Text
}
