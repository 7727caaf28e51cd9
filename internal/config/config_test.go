package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regdoc-rag/internal/ragerr"
)

const sampleYAML = `
data_dir: ./tmpdata
rag:
  chunk_size: 800
  chunk_overlap: 100
  top_k: 3
embedding:
  provider: ollama
  base_url: http://localhost:11434
  model: nomic-embed-text
  batch_size: 16
  requests_per_minute: 120
  timeout: 5s
llm:
  provider: openai
  model: gpt-4o-mini
  temperature: 0.1
generator:
  mode: canned
retry:
  max_attempts: 4
  initial_interval: 250ms
index:
  backend: chromem
`

func TestLoadConfig(t *testing.T) {
	t.Setenv("LLM_API_KEY", "secret")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 800, cfg.RAG.ChunkSize)
	assert.Equal(t, 100, cfg.RAG.ChunkOverlap)
	assert.Equal(t, 3, cfg.RAG.TopK)
	assert.Equal(t, "ollama", cfg.EmbedLLM.Provider)
	assert.Equal(t, 5*time.Second, cfg.EmbedLLM.Timeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.InitialInterval)
	assert.Equal(t, 10*time.Second, cfg.Retry.MaxInterval)
	assert.Equal(t, "secret", cfg.LLM.Key)
	assert.Equal(t, "secret", cfg.EmbedLLM.Key, "embedding key falls back to the llm key")
	assert.Equal(t, "./tmpdata/regdoc.chromem", cfg.Index.Path)
	assert.Equal(t, "canned", cfg.Generator.Mode)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ragerr.ErrConfiguration)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"overlap equals size", func(c *Config) { c.RAG.ChunkOverlap = c.RAG.ChunkSize }},
		{"overlap exceeds size", func(c *Config) { c.RAG.ChunkOverlap = c.RAG.ChunkSize + 1 }},
		{"negative overlap", func(c *Config) { c.RAG.ChunkOverlap = -1 }},
		{"unknown embedding provider", func(c *Config) { c.EmbedLLM.Provider = "magic" }},
		{"unknown generator mode", func(c *Config) { c.Generator.Mode = "guess" }},
		{"unknown backend", func(c *Config) { c.Index.Backend = "faiss" }},
		{"postgres without dsn", func(c *Config) { c.Index.Backend = "postgres" }},
		{"encrypt without key", func(c *Config) { c.Index.Encrypt = true }},
		{"short key", func(c *Config) { c.Index.EncryptionKey = "short" }},
		{"contextualize without llm", func(c *Config) { c.RAG.Contextualize = true }},
		{"negative history", func(c *Config) { c.RAG.HistoryTurns = -1 }},
		{"unknown judge", func(c *Config) { c.Evaluation.Judge = "human" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ragerr.ErrConfiguration)
		})
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultChunkSize, cfg.RAG.ChunkSize)
	assert.Equal(t, DefaultChunkOverlap, cfg.RAG.ChunkOverlap)
	assert.Equal(t, "memory", cfg.Index.Backend)
}

func TestApplyDefaultsKeepsExplicitChunking(t *testing.T) {
	cfg := &Config{RAG: RAGConfig{ChunkSize: 50}}
	cfg.ApplyDefaults()
	assert.Equal(t, 50, cfg.RAG.ChunkSize)
	assert.Equal(t, 0, cfg.RAG.ChunkOverlap)
}

func TestHistoryTurns(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want int
	}{
		{"absent uses default", "rag:\n  top_k: 2\n", DefaultHistoryTurns},
		{"zero disables history", "rag:\n  history_turns: 0\n", 0},
		{"explicit value", "rag:\n  history_turns: 5\n", 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			require.NoError(t, err)
			cfg.ApplyDefaults()
			require.NoError(t, cfg.Validate())
			assert.Equal(t, tt.want, cfg.RAG.HistoryTurns)
		})
	}
	assert.Equal(t, DefaultHistoryTurns, Default().RAG.HistoryTurns)
}

func TestGeminiProviderPrefersGeminiKey(t *testing.T) {
	t.Setenv("LLM_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "openai-key")
	t.Setenv("GEMINI_API_KEY", "gemini-key")

	cfg, err := Parse([]byte("llm:\n  provider: gemini\nembedding:\n  provider: gemini\n"))
	require.NoError(t, err)
	cfg.ApplyEnv()
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "gemini-key", cfg.LLM.Key)
	assert.Equal(t, "gemini-key", cfg.EmbedLLM.Key)
	assert.Equal(t, "none", cfg.Evaluation.Judge)
}
