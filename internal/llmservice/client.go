package llmservice

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"regdoc-rag/internal/config"
	"regdoc-rag/internal/ragerr"
)

// GeminiBaseURL is Google's OpenAI-compatible endpoint for Gemini models.
const GeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

func baseURL(provider, configured string) string {
	if configured == "" && provider == "gemini" {
		return GeminiBaseURL
	}
	return configured
}

// NewModel creates the chat model described by llmConfig.
func NewModel(llmConfig *config.LLMConfig) (llms.Model, error) {
	log.Debug().Str("provider", llmConfig.Provider).Str("base_url", llmConfig.BaseURL).
		Str("model", llmConfig.Model).Msg("Creating LLM client")

	switch llmConfig.Provider {
	case "openai", "gemini":
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(llmConfig.Key, "Bearer ")),
		}
		if url := baseURL(llmConfig.Provider, llmConfig.BaseURL); url != "" {
			opts = append(opts, openai.WithBaseURL(url))
		}
		if llmConfig.Model != "" {
			opts = append(opts, openai.WithModel(llmConfig.Model))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, ragerr.Wrap(ragerr.ErrConfiguration, err)
		}
		return llm, nil
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(llmConfig.Model)}
		if llmConfig.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(llmConfig.BaseURL))
		}
		llm, err := ollama.New(opts...)
		if err != nil {
			return nil, ragerr.Wrap(ragerr.ErrConfiguration, err)
		}
		return llm, nil
	default:
		return nil, ragerr.Newf(ragerr.ErrConfiguration, "unknown llm provider %q", llmConfig.Provider)
	}
}

// NewEmbedder creates a langchaingo embedder for an openai-compatible or
// ollama embedding endpoint. The hash provider is handled by the embedding
// package and is rejected here.
func NewEmbedder(embConfig *config.EmbeddingConfig) (*embeddings.EmbedderImpl, error) {
	log.Debug().Str("provider", embConfig.Provider).Str("base_url", embConfig.BaseURL).
		Str("model", embConfig.Model).Msg("Creating embedding client")

	var client embeddings.EmbedderClient
	switch embConfig.Provider {
	case "openai", "gemini":
		opts := []openai.Option{
			openai.WithToken(strings.TrimPrefix(embConfig.Key, "Bearer ")),
		}
		if url := baseURL(embConfig.Provider, embConfig.BaseURL); url != "" {
			opts = append(opts, openai.WithBaseURL(url))
		}
		if embConfig.Model != "" {
			opts = append(opts, openai.WithEmbeddingModel(embConfig.Model))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, ragerr.Wrap(ragerr.ErrConfiguration, err)
		}
		client = llm
	case "ollama":
		opts := []ollama.Option{ollama.WithModel(embConfig.Model)}
		if embConfig.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(embConfig.BaseURL))
		}
		llm, err := ollama.New(opts...)
		if err != nil {
			return nil, ragerr.Wrap(ragerr.ErrConfiguration, err)
		}
		client = llm
	default:
		return nil, ragerr.Newf(ragerr.ErrConfiguration, "provider %q has no remote embedder", embConfig.Provider)
	}

	// batching is done by the caller, keep langchaingo from splitting again
	embedder, err := embeddings.NewEmbedder(client, embeddings.WithBatchSize(embConfig.BatchSize))
	if err != nil {
		return nil, ragerr.Wrap(ragerr.ErrConfiguration, err)
	}
	return embedder, nil
}

// GenerateContent calls the model and classifies any provider failure.
func GenerateContent(ctx context.Context, llm llms.Model, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	res, err := llm.GenerateContent(ctx, messages, options...)
	if err != nil {
		return nil, Classify(err)
	}
	return res, nil
}
