package index

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"regdoc-rag/internal/models"
	"regdoc-rag/internal/ragerr"
)

// Memory is an exact, brute-force index held in process memory.
type Memory struct {
	mu        sync.RWMutex
	entries   []models.Entry
	ids       map[string]struct{}
	dimension int
}

func NewMemory() *Memory {
	return &Memory{ids: make(map[string]struct{})}
}

func (m *Memory) Add(ctx context.Context, entries ...models.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	dim, err := ValidateEntries(m.dimension, m.has, entries)
	if err != nil {
		return err
	}
	for _, e := range entries {
		m.entries = append(m.entries, cloneEntry(e))
		m.ids[e.ChunkID] = struct{}{}
	}
	m.dimension = dim
	return nil
}

func (m *Memory) has(id string) bool {
	_, ok := m.ids[id]
	return ok
}

// ValidateEntries checks a batch against the index dimension and the ids
// already stored, without modifying anything. It returns the dimension the
// index has after the batch is added.
func ValidateEntries(dim int, exists func(id string) bool, entries []models.Entry) (int, error) {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.ChunkID == "" {
			return 0, ragerr.Newf(ragerr.ErrConfiguration, "entry without chunk id")
		}
		if len(e.Embedding) == 0 {
			return 0, ragerr.Newf(ragerr.ErrDimensionMismatch, "entry %q has an empty embedding", e.ChunkID)
		}
		if dim == 0 {
			dim = len(e.Embedding)
		}
		if len(e.Embedding) != dim {
			return 0, ragerr.Newf(ragerr.ErrDimensionMismatch, "entry %q has %d dimensions, index has %d",
				e.ChunkID, len(e.Embedding), dim)
		}
		if exists != nil && exists(e.ChunkID) {
			return 0, ragerr.Newf(ragerr.ErrConfiguration, "duplicate chunk id %q", e.ChunkID)
		}
		if _, ok := seen[e.ChunkID]; ok {
			return 0, ragerr.Newf(ragerr.ErrConfiguration, "duplicate chunk id %q", e.ChunkID)
		}
		seen[e.ChunkID] = struct{}{}
	}
	return dim, nil
}

func (m *Memory) Search(ctx context.Context, query []float32, k int) ([]models.Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if k <= 0 || len(m.entries) == 0 {
		return []models.Hit{}, nil
	}
	if len(query) != m.dimension {
		return nil, ragerr.Newf(ragerr.ErrDimensionMismatch, "query has %d dimensions, index has %d", len(query), m.dimension)
	}

	hits := make([]models.Hit, len(m.entries))
	for i, e := range m.entries {
		hits[i] = models.Hit{Entry: cloneEntry(e), Score: CosineSimilarity(query, e.Embedding)}
	}
	return Rank(hits, k), nil
}

func (m *Memory) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

func (m *Memory) Dimension() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dimension
}

// Entries returns a copy of every entry in insertion order.
func (m *Memory) Entries() []models.Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Entry, len(m.entries))
	for i, e := range m.entries {
		out[i] = cloneEntry(e)
	}
	return out
}

func (m *Memory) Save(ctx context.Context, path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := WriteSnapshot(path, m.dimension, m.entries); err != nil {
		return err
	}
	log.Info().Str("path", path).Int("entries", len(m.entries)).Msg("Index saved")
	return nil
}

// Load replaces the contents of the index with the snapshot at path. On
// failure the index is left unchanged.
func (m *Memory) Load(ctx context.Context, path string) error {
	snap, err := ReadSnapshot(path)
	if err != nil {
		return err
	}

	if _, err := ValidateEntries(snap.Manifest.Dimension, nil, snap.Entries); err != nil {
		return ragerr.Wrap(ragerr.ErrCorruptIndex, err)
	}
	ids := make(map[string]struct{}, len(snap.Entries))
	for _, e := range snap.Entries {
		ids[e.ChunkID] = struct{}{}
	}

	m.mu.Lock()
	m.entries = snap.Entries
	m.ids = ids
	m.dimension = snap.Manifest.Dimension
	m.mu.Unlock()

	log.Info().Str("path", path).Int("entries", len(snap.Entries)).Msg("Index loaded")
	return nil
}

func cloneEntry(e models.Entry) models.Entry {
	out := e
	out.Embedding = append([]float32(nil), e.Embedding...)
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}
