package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"regdoc-rag/internal/config"
	"regdoc-rag/internal/ragerr"
	"regdoc-rag/internal/retry"
)

// mockEmbedder is a function-field test double.
type mockEmbedder struct {
	EmbedDocumentsFunc func(ctx context.Context, texts []string) ([][]float32, error)
}

func (m *mockEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return m.EmbedDocumentsFunc(ctx, texts)
}

func (m *mockEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := m.EmbedDocumentsFunc(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// indexEmbedder maps "t<n>" to the vector {n, 1}.
func indexEmbedder(calls *atomic.Int32, fail func(texts []string) error) *mockEmbedder {
	return &mockEmbedder{EmbedDocumentsFunc: func(ctx context.Context, texts []string) ([][]float32, error) {
		calls.Add(1)
		if fail != nil {
			if err := fail(texts); err != nil {
				return nil, err
			}
		}
		vecs := make([][]float32, len(texts))
		for i, t := range texts {
			n, _ := strconv.Atoi(strings.TrimPrefix(t, "t"))
			vecs[i] = []float32{float32(n), 1}
		}
		return vecs, nil
	}}
}

func texts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("t%d", i)
	}
	return out
}

func fastPolicy() retry.Policy {
	p := retry.Default()
	p.InitialInterval = time.Millisecond
	p.MaxInterval = 2 * time.Millisecond
	p.Jitter = 0
	return p
}

func newClient(t *testing.T, e Embedder, batch, concurrency int) *Client {
	t.Helper()
	c, err := NewClient(e, config.EmbeddingConfig{BatchSize: batch, Concurrency: concurrency, Timeout: time.Second}, fastPolicy())
	require.NoError(t, err)
	return c
}

func TestEmbedPreservesOrderAcrossConcurrentBatches(t *testing.T) {
	var calls atomic.Int32
	e := indexEmbedder(&calls, nil)
	inner := e.EmbedDocumentsFunc
	// earlier batches finish last
	e.EmbedDocumentsFunc = func(ctx context.Context, in []string) ([][]float32, error) {
		n, _ := strconv.Atoi(strings.TrimPrefix(in[0], "t"))
		time.Sleep(time.Duration(10-n) * 2 * time.Millisecond)
		return inner(ctx, in)
	}

	c := newClient(t, e, 2, 4)
	vecs, err := c.Embed(context.Background(), texts(9))
	require.NoError(t, err)
	require.Len(t, vecs, 9)
	for i, v := range vecs {
		assert.Equal(t, float32(i), v[0])
	}
	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, 2, c.Dimension())
}

func TestEmbedQuotaOnSecondBatchKeepsPrefix(t *testing.T) {
	var calls atomic.Int32
	quota := errors.New("API returned unexpected status code: 429: quota exceeded")
	e := indexEmbedder(&calls, func(in []string) error {
		if in[0] == "t2" {
			return quota
		}
		return nil
	})

	c := newClient(t, e, 2, 1)
	vecs, err := c.Embed(context.Background(), texts(6))
	require.Error(t, err)
	assert.ErrorIs(t, err, ragerr.ErrQuotaExceeded)
	assert.ErrorIs(t, err, quota)
	require.Len(t, vecs, 2)
	assert.Equal(t, float32(0), vecs[0][0])
	assert.Equal(t, float32(1), vecs[1][0])
	// quota is not retried and the third batch never runs
	assert.Equal(t, int32(2), calls.Load())
}

func TestEmbedConcurrentQuotaLetsEarlierBatchFinish(t *testing.T) {
	var calls atomic.Int32
	quota := errors.New("API returned unexpected status code: 429: quota exceeded")
	e := indexEmbedder(&calls, func(in []string) error {
		if in[0] == "t2" {
			return quota
		}
		return nil
	})
	inner := e.EmbedDocumentsFunc
	// the first batch is still running when the second one fails
	e.EmbedDocumentsFunc = func(ctx context.Context, in []string) ([][]float32, error) {
		if in[0] == "t0" {
			select {
			case <-time.After(50 * time.Millisecond):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return inner(ctx, in)
	}

	c := newClient(t, e, 2, 2)
	vecs, err := c.Embed(context.Background(), texts(6))
	require.Error(t, err)
	assert.ErrorIs(t, err, ragerr.ErrQuotaExceeded)
	require.Len(t, vecs, 2)
	assert.Equal(t, float32(0), vecs[0][0])
	assert.Equal(t, float32(1), vecs[1][0])
	// the third batch is cancelled before it reaches the provider
	assert.Equal(t, int32(2), calls.Load())
}

func TestEmbedRetriesTimeouts(t *testing.T) {
	var calls atomic.Int32
	e := indexEmbedder(&calls, func([]string) error {
		if calls.Load() == 1 {
			return fmt.Errorf("post: %w", context.DeadlineExceeded)
		}
		return nil
	})

	c := newClient(t, e, 10, 1)
	vecs, err := c.Embed(context.Background(), texts(3))
	require.NoError(t, err)
	assert.Len(t, vecs, 3)
	assert.Equal(t, int32(2), calls.Load())
}

func TestEmbedDoesNotRetryAuth(t *testing.T) {
	var calls atomic.Int32
	e := indexEmbedder(&calls, func([]string) error {
		return errors.New("API returned unexpected status code: 401: invalid api key")
	})

	c := newClient(t, e, 10, 1)
	vecs, err := c.Embed(context.Background(), texts(3))
	assert.ErrorIs(t, err, ragerr.ErrAuth)
	assert.Empty(t, vecs)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEmbedRejectsInconsistentVectors(t *testing.T) {
	short := &mockEmbedder{EmbedDocumentsFunc: func(_ context.Context, in []string) ([][]float32, error) {
		return [][]float32{{1, 2}}, nil
	}}
	_, err := newClient(t, short, 10, 1).Embed(context.Background(), texts(2))
	assert.ErrorIs(t, err, ragerr.ErrDimensionMismatch)

	ragged := &mockEmbedder{EmbedDocumentsFunc: func(_ context.Context, in []string) ([][]float32, error) {
		return [][]float32{{1, 2}, {1, 2, 3}}, nil
	}}
	_, err = newClient(t, ragged, 10, 1).Embed(context.Background(), texts(2))
	assert.ErrorIs(t, err, ragerr.ErrDimensionMismatch)
}

func TestEmbedDimensionIsStableAcrossCalls(t *testing.T) {
	dim := 3
	var mu sync.Mutex
	e := &mockEmbedder{EmbedDocumentsFunc: func(_ context.Context, in []string) ([][]float32, error) {
		mu.Lock()
		defer mu.Unlock()
		vecs := make([][]float32, len(in))
		for i := range vecs {
			vecs[i] = make([]float32, dim)
		}
		return vecs, nil
	}}
	c := newClient(t, e, 4, 1)

	_, err := c.Embed(context.Background(), texts(2))
	require.NoError(t, err)

	mu.Lock()
	dim = 5
	mu.Unlock()
	_, err = c.EmbedQuery(context.Background(), "another question")
	assert.ErrorIs(t, err, ragerr.ErrDimensionMismatch)
	assert.Equal(t, 3, c.Dimension())
}

func TestEmbedEmptyInput(t *testing.T) {
	var calls atomic.Int32
	vecs, err := newClient(t, indexEmbedder(&calls, nil), 4, 1).Embed(context.Background(), nil)
	assert.NoError(t, err)
	assert.Nil(t, vecs)
	assert.Zero(t, calls.Load())
}

func TestEmbedHonoursRateLimit(t *testing.T) {
	var calls atomic.Int32
	c, err := NewClient(indexEmbedder(&calls, nil),
		config.EmbeddingConfig{BatchSize: 1, Concurrency: 1, RequestsPerMinute: 1200}, fastPolicy())
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Embed(context.Background(), texts(4))
	require.NoError(t, err)
	// burst of one, then 50ms per request
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)
}

func TestEmbedCanceledContext(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	vecs, err := newClient(t, indexEmbedder(&calls, nil), 1, 1).Embed(ctx, texts(3))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, vecs)
}

func TestNewClientValidates(t *testing.T) {
	_, err := NewClient(nil, config.EmbeddingConfig{BatchSize: 1}, fastPolicy())
	assert.ErrorIs(t, err, ragerr.ErrConfiguration)
	_, err = NewClient(NewHashEmbedder(8), config.EmbeddingConfig{}, fastPolicy())
	assert.ErrorIs(t, err, ragerr.ErrConfiguration)
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / math.Sqrt(na*nb)
}

func TestHashEmbedder(t *testing.T) {
	h := NewHashEmbedder(256)
	ctx := context.Background()

	a, err := h.EmbedQuery(ctx, "minimum Net Owned Fund for NBFC registration")
	require.NoError(t, err)
	again, err := h.EmbedQuery(ctx, "Minimum net owned fund for NBFC registration!")
	require.NoError(t, err)
	assert.Equal(t, a, again)
	assert.Len(t, a, 256)
	assert.InDelta(t, 1.0, cosine(a, a), 1e-6)

	docs, err := h.EmbedDocuments(ctx, []string{
		"Every NBFC should have a minimum net owned fund of 2 crore",
		"Interest rates should be disclosed upfront",
	})
	require.NoError(t, err)
	assert.Greater(t, cosine(a, docs[0]), cosine(a, docs[1]))

	empty, err := h.EmbedQuery(ctx, "   ")
	require.NoError(t, err)
	assert.Len(t, empty, 256)
}

func TestNewUsesHashProvider(t *testing.T) {
	c, err := New(&config.EmbeddingConfig{Provider: "hash", Dimension: 16, BatchSize: 8, Concurrency: 1}, fastPolicy())
	require.NoError(t, err)
	v, err := c.EmbedQuery(context.Background(), "capital adequacy")
	require.NoError(t, err)
	assert.Len(t, v, 16)
}
