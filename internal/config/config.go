package config

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"regdoc-rag/internal/ragerr"
)

type Config struct {
	DataDir    string           `yaml:"data_dir"`
	Document   DocumentConfig   `yaml:"document"`
	RAG        RAGConfig        `yaml:"rag"`
	EmbedLLM   EmbeddingConfig  `yaml:"embedding"`
	LLM        LLMConfig        `yaml:"llm"`
	Generator  GeneratorConfig  `yaml:"generator"`
	Retry      RetryConfig      `yaml:"retry"`
	Index      IndexConfig      `yaml:"index"`
	Database   DatabaseConfig   `yaml:"database"`
	Evaluation EvaluationConfig `yaml:"evaluation"`
	Log        LogConfig        `yaml:"log"`
}

type DocumentConfig struct {
	Paths           []string      `yaml:"paths"`
	URL             string        `yaml:"url"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
}

type RAGConfig struct {
	ChunkSize     int  `yaml:"chunk_size"`
	ChunkOverlap  int  `yaml:"chunk_overlap"`
	CleanBreaks   bool `yaml:"clean_breaks"`
	Contextualize bool `yaml:"contextualize"`
	TopK          int  `yaml:"top_k"`
	HistoryTurns  int  `yaml:"history_turns"`
}

// EmbeddingConfig describes the embedding provider and how it is called.
type EmbeddingConfig struct {
	Provider          string        `yaml:"provider"`
	BaseURL           string        `yaml:"base_url"`
	Key               string        `yaml:"api_key"`
	Model             string        `yaml:"model"`
	Dimension         int           `yaml:"dimension"`
	BatchSize         int           `yaml:"batch_size"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Concurrency       int           `yaml:"concurrency"`
	Timeout           time.Duration `yaml:"timeout"`
}

type LLMConfig struct {
	Provider    string        `yaml:"provider"`
	BaseURL     string        `yaml:"base_url"`
	Key         string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

type GeneratorConfig struct {
	// Mode is "live" (chat-completion API) or "canned" (offline demo answers).
	Mode string `yaml:"mode"`
}

type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

type IndexConfig struct {
	// Backend is one of "memory", "chromem" or "postgres".
	Backend       string `yaml:"backend"`
	Path          string `yaml:"path"`
	Collection    string `yaml:"collection"`
	PersistDir    string `yaml:"persist_dir"`
	Compress      bool   `yaml:"compress"`
	Encrypt       bool   `yaml:"encrypt"`
	EncryptionKey string `yaml:"encryption_key"`
}

type DatabaseConfig struct {
	DSN      string `yaml:"dsn"`
	Password string `yaml:"password"`
	// Driver is "pgdriver" (default) or "pq".
	Driver string `yaml:"driver"`
	Debug  bool   `yaml:"debug"`
}

type EvaluationConfig struct {
	Dataset   string `yaml:"dataset"`
	OutputDir string `yaml:"output_dir"`
	// Judge is "none" (keyword score only) or "llm" (also grade answers with the chat model).
	Judge string `yaml:"judge"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
	DefaultTopK         = 4
	// DefaultHistoryTurns applies when history_turns is absent; an explicit 0 disables history.
	DefaultHistoryTurns = 2
)

func LoadConfig(path string) (*Config, error) {
	// .env is optional; secrets may also come from the real environment
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, ragerr.Wrap(ragerr.ErrConfiguration, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ragerr.Wrap(ragerr.ErrConfiguration, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML without applying env overrides, defaults or validation.
func Parse(data []byte) (*Config, error) {
	cfg := Config{RAG: RAGConfig{HistoryTurns: DefaultHistoryTurns}}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ragerr.Wrap(ragerr.ErrConfiguration, err)
	}
	return &cfg, nil
}

// Default returns a configuration that runs fully offline: hash embeddings,
// in-memory index and canned answers.
func Default() *Config {
	cfg := &Config{
		RAG:       RAGConfig{HistoryTurns: DefaultHistoryTurns},
		EmbedLLM:  EmbeddingConfig{Provider: "hash"},
		Generator: GeneratorConfig{Mode: "canned"},
		Log:       LogConfig{Level: "info", Console: true},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyEnv overrides secrets from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		c.EmbedLLM.Key = v
	}
	names := []string{"LLM_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY"}
	if c.LLM.Provider == "gemini" {
		names = []string{"LLM_API_KEY", "GEMINI_API_KEY"}
	}
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			c.LLM.Key = v
			break
		}
	}
	if c.EmbedLLM.Key == "" {
		c.EmbedLLM.Key = c.LLM.Key
	}
	if v := os.Getenv("DATABASE_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("INDEX_ENCRYPTION_KEY"); v != "" {
		c.Index.EncryptionKey = v
	}
}

// ApplyDefaults fills zero values. Chunk size and overlap are only defaulted
// when both are unset so an explicit invalid pair is still reported.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Document.DownloadTimeout == 0 {
		c.Document.DownloadTimeout = 30 * time.Second
	}
	if c.RAG.ChunkSize == 0 && c.RAG.ChunkOverlap == 0 {
		c.RAG.ChunkSize = DefaultChunkSize
		c.RAG.ChunkOverlap = DefaultChunkOverlap
	}
	if c.RAG.TopK == 0 {
		c.RAG.TopK = DefaultTopK
	}

	if c.EmbedLLM.Provider == "" {
		c.EmbedLLM.Provider = "openai"
	}
	if c.EmbedLLM.Dimension == 0 {
		c.EmbedLLM.Dimension = 384
	}
	if c.EmbedLLM.BatchSize == 0 {
		c.EmbedLLM.BatchSize = 32
	}
	if c.EmbedLLM.Concurrency == 0 {
		c.EmbedLLM.Concurrency = 1
	}
	if c.EmbedLLM.Timeout == 0 {
		c.EmbedLLM.Timeout = 30 * time.Second
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 60 * time.Second
	}
	if c.Generator.Mode == "" {
		c.Generator.Mode = "live"
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialInterval == 0 {
		c.Retry.InitialInterval = 500 * time.Millisecond
	}
	if c.Retry.MaxInterval == 0 {
		c.Retry.MaxInterval = 10 * time.Second
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2
	}

	if c.Index.Backend == "" {
		c.Index.Backend = "memory"
	}
	if c.Index.Collection == "" {
		c.Index.Collection = "regdoc"
	}
	if c.Index.Path == "" {
		switch c.Index.Backend {
		case "chromem":
			c.Index.Path = c.DataDir + "/" + c.Index.Collection + ".chromem"
		default:
			c.Index.Path = c.DataDir + "/index"
		}
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "pgdriver"
	}

	if c.Evaluation.OutputDir == "" {
		c.Evaluation.OutputDir = c.DataDir + "/eval"
	}
	if c.Evaluation.Judge == "" {
		c.Evaluation.Judge = "none"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) Validate() error {
	if c.RAG.ChunkSize <= 0 {
		return ragerr.Newf(ragerr.ErrConfiguration, "chunk_size must be positive, got %d", c.RAG.ChunkSize)
	}
	if c.RAG.ChunkOverlap < 0 {
		return ragerr.Newf(ragerr.ErrConfiguration, "chunk_overlap must not be negative, got %d", c.RAG.ChunkOverlap)
	}
	if c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		return ragerr.Newf(ragerr.ErrConfiguration, "chunk_overlap (%d) must be smaller than chunk_size (%d)",
			c.RAG.ChunkOverlap, c.RAG.ChunkSize)
	}
	if c.RAG.TopK <= 0 {
		return ragerr.Newf(ragerr.ErrConfiguration, "top_k must be positive, got %d", c.RAG.TopK)
	}
	if c.RAG.HistoryTurns < 0 {
		return ragerr.Newf(ragerr.ErrConfiguration, "history_turns must not be negative, got %d", c.RAG.HistoryTurns)
	}

	switch c.EmbedLLM.Provider {
	case "openai", "gemini", "ollama", "hash":
	default:
		return ragerr.Newf(ragerr.ErrConfiguration, "unknown embedding provider %q", c.EmbedLLM.Provider)
	}
	if c.EmbedLLM.BatchSize <= 0 {
		return ragerr.Newf(ragerr.ErrConfiguration, "embedding batch_size must be positive")
	}
	if c.EmbedLLM.Concurrency <= 0 {
		return ragerr.Newf(ragerr.ErrConfiguration, "embedding concurrency must be positive")
	}
	if c.EmbedLLM.RequestsPerMinute < 0 {
		return ragerr.Newf(ragerr.ErrConfiguration, "embedding requests_per_minute must not be negative")
	}

	switch c.LLM.Provider {
	case "openai", "gemini", "ollama":
	default:
		return ragerr.Newf(ragerr.ErrConfiguration, "unknown llm provider %q", c.LLM.Provider)
	}
	switch c.Generator.Mode {
	case "live", "canned":
	default:
		return ragerr.Newf(ragerr.ErrConfiguration, "unknown generator mode %q", c.Generator.Mode)
	}
	if c.RAG.Contextualize && c.Generator.Mode != "live" {
		return ragerr.Newf(ragerr.ErrConfiguration, "contextualize requires the live generator")
	}
	switch c.Evaluation.Judge {
	case "none", "llm":
	default:
		return ragerr.Newf(ragerr.ErrConfiguration, "unknown evaluation judge %q", c.Evaluation.Judge)
	}

	if c.Retry.MaxAttempts <= 0 {
		return ragerr.Newf(ragerr.ErrConfiguration, "retry max_attempts must be positive")
	}
	if c.Retry.Multiplier < 1 {
		return ragerr.Newf(ragerr.ErrConfiguration, "retry multiplier must be >= 1")
	}

	switch c.Index.Backend {
	case "memory", "chromem":
	case "postgres":
		if c.Database.DSN == "" {
			return ragerr.Newf(ragerr.ErrConfiguration, "database dsn is required for the postgres backend")
		}
	default:
		return ragerr.Newf(ragerr.ErrConfiguration, "unknown index backend %q", c.Index.Backend)
	}
	if c.Index.Encrypt && c.Index.EncryptionKey == "" {
		return ragerr.Newf(ragerr.ErrConfiguration, "index encryption requested but no encryption_key set")
	}
	if c.Index.EncryptionKey != "" && len(c.Index.EncryptionKey) != 32 {
		return ragerr.Newf(ragerr.ErrConfiguration, "index encryption_key must be 32 bytes")
	}
	switch c.Database.Driver {
	case "pgdriver", "pq":
	default:
		return ragerr.Newf(ragerr.ErrConfiguration, "unknown database driver %q", c.Database.Driver)
	}
	return nil
}
