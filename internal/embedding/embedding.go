package embedding

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"regdoc-rag/internal/config"
	"regdoc-rag/internal/llmservice"
	"regdoc-rag/internal/ragerr"
	"regdoc-rag/internal/retry"
)

// Embedder is the provider side of the client. langchaingo's
// embeddings.EmbedderImpl satisfies it.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Client turns texts into vectors in batches, respecting the provider's
// rate limit and retrying timeouts.
type Client struct {
	embedder    Embedder
	batchSize   int
	concurrency int
	timeout     time.Duration
	limiter     *rate.Limiter
	policy      retry.Policy

	mu        sync.Mutex
	dimension int
}

// New builds a client for the configured provider.
func New(cfg *config.EmbeddingConfig, policy retry.Policy) (*Client, error) {
	var embedder Embedder
	if cfg.Provider == "hash" {
		embedder = NewHashEmbedder(cfg.Dimension)
	} else {
		impl, err := llmservice.NewEmbedder(cfg)
		if err != nil {
			return nil, err
		}
		embedder = impl
	}
	return NewClient(embedder, *cfg, policy)
}

func NewClient(embedder Embedder, cfg config.EmbeddingConfig, policy retry.Policy) (*Client, error) {
	if embedder == nil {
		return nil, ragerr.Newf(ragerr.ErrConfiguration, "embedder is required")
	}
	if cfg.BatchSize <= 0 {
		return nil, ragerr.Newf(ragerr.ErrConfiguration, "batch size must be positive, got %d", cfg.BatchSize)
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	c := &Client{
		embedder:    embedder,
		batchSize:   cfg.BatchSize,
		concurrency: concurrency,
		timeout:     cfg.Timeout,
		policy:      policy,
	}
	if cfg.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return c, nil
}

// Dimension is the vector length seen so far, 0 before the first call.
func (c *Client) Dimension() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dimension
}

// Embed returns one vector per text, in order. When a batch fails the
// vectors of the batches before it are still returned together with the
// error, so the caller can keep what was already paid for.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	batches := splitBatches(texts, c.batchSize)
	results := make([][][]float32, len(batches))
	failed := make([]bool, len(batches))
	cancels := make([]context.CancelFunc, len(batches))
	defer func() {
		for _, cancel := range cancels {
			if cancel != nil {
				cancel()
			}
		}
	}()

	var (
		mu       sync.Mutex
		firstErr error
		failedAt = len(batches)
		wg       sync.WaitGroup
	)
	// fail records the failure of batch i. Only batches after the earliest
	// failure are cancelled; earlier ones may still complete the prefix.
	fail := func(i int, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed[i] = true
		if i >= failedAt {
			return
		}
		failedAt = i
		firstErr = err
		for j := i + 1; j < len(cancels); j++ {
			if cancels[j] != nil {
				cancels[j]()
			}
		}
	}
	stopped := func(i int) bool {
		mu.Lock()
		defer mu.Unlock()
		return failedAt < i
	}

	pool, err := ants.NewPool(c.concurrency)
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	log.Debug().Int("texts", len(texts)).Int("batches", len(batches)).Int("concurrency", c.concurrency).Msg("Embedding texts")
	for i, batch := range batches {
		if ctx.Err() != nil || stopped(i) {
			break
		}
		mu.Lock()
		batchCtx, cancel := context.WithCancel(ctx)
		cancels[i] = cancel
		mu.Unlock()

		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			if err := batchCtx.Err(); err != nil {
				fail(i, err)
				return
			}
			vecs, err := c.embedBatch(batchCtx, i, batch)
			if err != nil {
				fail(i, err)
				return
			}
			results[i] = vecs
		})
		if err != nil {
			wg.Done()
			fail(i, err)
			break
		}
	}
	wg.Wait()

	// keep the longest run of completed batches from the start
	out := make([][]float32, 0, len(texts))
	for i := range batches {
		if failed[i] || results[i] == nil {
			break
		}
		out = append(out, results[i]...)
	}

	if firstErr == nil && len(out) < len(texts) {
		firstErr = ctx.Err()
		if firstErr == nil {
			firstErr = fmt.Errorf("embedded %d of %d texts", len(out), len(texts))
		}
	}
	if err := c.checkDimension(out); err != nil {
		return nil, err
	}
	if firstErr != nil {
		log.Warn().Err(firstErr).Int("embedded", len(out)).Int("total", len(texts)).Msg("Embedding stopped early")
		return out, firstErr
	}
	return out, nil
}

// EmbedQuery embeds a single text through the same batching, rate limit and
// retry path as documents.
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (c *Client) embedBatch(ctx context.Context, n int, batch []string) ([][]float32, error) {
	var vecs [][]float32
	err := c.policy.Do(ctx, "embed", func(ctx context.Context) error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		callCtx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		v, err := c.embedder.EmbedDocuments(callCtx, batch)
		if err != nil {
			return llmservice.Classify(err)
		}
		vecs = v
		return nil
	})
	if err != nil {
		log.Debug().Err(err).Int("batch", n).Msg("Embedding batch failed")
		return nil, err
	}
	if len(vecs) != len(batch) {
		return nil, ragerr.Newf(ragerr.ErrDimensionMismatch, "batch %d: provider returned %d vectors for %d texts", n, len(vecs), len(batch))
	}
	return vecs, nil
}

func (c *Client) checkDimension(vecs [][]float32) error {
	if len(vecs) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	dim := c.dimension
	if dim == 0 {
		dim = len(vecs[0])
	}
	for i, v := range vecs {
		if len(v) == 0 || len(v) != dim {
			return ragerr.Newf(ragerr.ErrDimensionMismatch, "vector %d has %d dimensions, expected %d", i, len(v), dim)
		}
	}
	c.dimension = dim
	return nil
}

func splitBatches(texts []string, size int) [][]string {
	var batches [][]string
	for start := 0; start < len(texts); start += size {
		batches = append(batches, texts[start:min(start+size, len(texts))])
	}
	return batches
}
