package chromemdb

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"regdoc-rag/internal/config"
	"regdoc-rag/internal/index"
	"regdoc-rag/internal/models"
	"regdoc-rag/internal/ragerr"
)

// Reserved metadata keys. chromem normalises stored embeddings, so the raw
// vector travels in metadata to keep scores and snapshots exact.
const (
	metaKind   = "_kind"
	metaSeq    = "_seq"
	metaVector = "_vec"
	metaDim    = "_dim"

	kindChunk    = "chunk"
	kindManifest = "manifest"
	manifestID   = "__regdoc_manifest__"
)

// Store is an index.Index kept in a chromem-go collection. A manifest
// document inside the collection records the dimension and the next
// insertion sequence so that persistent and imported collections can be
// reopened.
type Store struct {
	mu            sync.RWMutex
	db            *chromem.DB
	collection    *chromem.Collection
	name          string
	persistDir    string
	compress      bool
	encryptionKey string

	dimension int
	nextSeq   int
}

var _ index.Index = (*Store)(nil)

// NewStore opens the collection named in cfg, in memory unless
// cfg.PersistDir is set.
func NewStore(cfg config.IndexConfig) (*Store, error) {
	var db *chromem.DB
	var err error
	if cfg.PersistDir == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(cfg.PersistDir, cfg.Compress)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
	}

	s := &Store{
		db:         db,
		name:       cfg.Collection,
		persistDir: cfg.PersistDir,
		compress:   cfg.Compress,
	}
	if cfg.Encrypt {
		s.encryptionKey = cfg.EncryptionKey
	}
	if s.name == "" {
		s.name = "regdoc"
	}

	c, err := db.GetOrCreateCollection(s.name, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("failed to create/get collection: %w", err)
	}
	dim, next, err := readManifest(context.Background(), c)
	if err != nil {
		return nil, err
	}
	s.collection, s.dimension, s.nextSeq = c, dim, next

	log.Debug().Str("collection", s.name).Str("persist_dir", s.persistDir).Int("documents", s.nextSeq).Msg("Opened chromem collection")
	return s, nil
}

// noEmbedding stops chromem from falling back to its default OpenAI
// embedding function; every document and query carries its own vector.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("embeddings must be supplied by the caller")
}

func (s *Store) Add(ctx context.Context, entries ...models.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	exists := func(id string) bool {
		if id == manifestID {
			return true
		}
		_, err := s.collection.GetByID(ctx, id)
		return err == nil
	}
	for _, e := range entries {
		for k := range e.Metadata {
			if isReserved(k) {
				return ragerr.Newf(ragerr.ErrConfiguration, "entry %q uses reserved metadata key %q", e.ChunkID, k)
			}
		}
	}
	dim, err := index.ValidateEntries(s.dimension, exists, entries)
	if err != nil {
		return err
	}

	docs := make([]chromem.Document, len(entries))
	for i, e := range entries {
		meta := make(map[string]string, len(e.Metadata)+3)
		for k, v := range e.Metadata {
			meta[k] = v
		}
		meta[metaKind] = kindChunk
		meta[metaSeq] = strconv.Itoa(s.nextSeq + i)
		meta[metaVector] = encodeVector(e.Embedding)

		docs[i] = chromem.Document{
			ID:        e.ChunkID,
			Content:   e.Text,
			Metadata:  meta,
			Embedding: append([]float32(nil), e.Embedding...),
		}
	}

	if err := s.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to add documents: %w", err)
	}
	s.dimension = dim
	s.nextSeq += len(entries)
	return s.writeManifest(ctx)
}

func (s *Store) writeManifest(ctx context.Context) error {
	unit := make([]float32, s.dimension)
	unit[0] = 1
	return s.collection.AddDocument(ctx, chromem.Document{
		ID:      manifestID,
		Content: kindManifest,
		Metadata: map[string]string{
			metaKind: kindManifest,
			metaDim:  strconv.Itoa(s.dimension),
			metaSeq:  strconv.Itoa(s.nextSeq),
		},
		Embedding: unit,
	})
}

// readManifest returns the dimension and next sequence recorded in c. A
// collection without a manifest must be empty.
func readManifest(ctx context.Context, c *chromem.Collection) (int, int, error) {
	doc, err := c.GetByID(ctx, manifestID)
	if err != nil {
		if c.Count() == 0 {
			return 0, 0, nil
		}
		return 0, 0, ragerr.Newf(ragerr.ErrCorruptIndex, "collection %q has documents but no manifest", c.Name)
	}
	dim, err1 := strconv.Atoi(doc.Metadata[metaDim])
	next, err2 := strconv.Atoi(doc.Metadata[metaSeq])
	if err1 != nil || err2 != nil || dim <= 0 || next != c.Count()-1 {
		return 0, 0, ragerr.Newf(ragerr.ErrCorruptIndex, "collection %q has an invalid manifest", c.Name)
	}
	return dim, next, nil
}

func (s *Store) Search(ctx context.Context, query []float32, k int) ([]models.Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if k <= 0 || s.nextSeq == 0 {
		return []models.Hit{}, nil
	}
	if len(query) != s.dimension {
		return nil, ragerr.Newf(ragerr.ErrDimensionMismatch, "query has %d dimensions, index has %d", len(query), s.dimension)
	}

	// chromem's ranking is only used as a scan; scores are recomputed on the
	// raw vectors and ties ordered by insertion
	results, err := s.collection.QueryEmbedding(ctx, query, s.collection.Count(), map[string]string{metaKind: kindChunk}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query by similarity: %w", err)
	}

	hits := make([]models.Hit, 0, len(results))
	seqs := make(map[string]int, len(results))
	for _, r := range results {
		entry, seq, err := toEntry(r.ID, r.Content, r.Metadata)
		if err != nil {
			return nil, err
		}
		seqs[r.ID] = seq
		hits = append(hits, models.Hit{Entry: entry, Score: index.CosineSimilarity(query, entry.Embedding)})
	}
	sort.Slice(hits, func(i, j int) bool {
		return seqs[hits[i].Entry.ChunkID] < seqs[hits[j].Entry.ChunkID]
	})
	return index.Rank(hits, k), nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextSeq, nil
}

func (s *Store) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dimension
}

// Save exports the collection to a single file, gzip-compressed and
// AES-encrypted when configured.
func (s *Store) Save(ctx context.Context, path string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log.Debug().Str("collection", s.name).Str("path", path).Bool("compress", s.compress).
		Bool("encrypted", s.encryptionKey != "").Msg("Exporting collection")
	if err := s.db.ExportToFile(path, s.compress, s.encryptionKey, s.name); err != nil {
		return fmt.Errorf("failed to export database: %w", err)
	}
	log.Info().Str("path", path).Int("entries", s.nextSeq).Msg("Index saved")
	return nil
}

// Load replaces the collection with the one exported at path. The file is
// checked in a scratch database first so a bad file leaves the store as it
// was.
func (s *Store) Load(ctx context.Context, path string) error {
	scratch := chromem.NewDB()
	if err := scratch.ImportFromFile(path, s.encryptionKey, s.name); err != nil {
		return ragerr.Wrap(ragerr.ErrCorruptIndex, err)
	}
	c := scratch.GetCollection(s.name, noEmbedding)
	if c == nil {
		return ragerr.Newf(ragerr.ErrCorruptIndex, "%s holds no collection %q", path, s.name)
	}
	dim, next, err := readManifest(ctx, c)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.persistDir != "" {
		// import again into the persistent database so it is written to disk
		if err := s.db.ImportFromFile(path, s.encryptionKey, s.name); err != nil {
			return ragerr.Wrap(ragerr.ErrCorruptIndex, err)
		}
		c = s.db.GetCollection(s.name, noEmbedding)
	} else {
		s.db = scratch
	}
	s.collection, s.dimension, s.nextSeq = c, dim, next

	log.Info().Str("path", path).Int("entries", next).Msg("Index loaded")
	return nil
}

// Reset drops every document of the collection.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.DeleteCollection(s.name); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	c, err := s.db.GetOrCreateCollection(s.name, nil, noEmbedding)
	if err != nil {
		return fmt.Errorf("failed to create/get collection: %w", err)
	}
	s.collection, s.dimension, s.nextSeq = c, 0, 0
	return nil
}

func isReserved(key string) bool {
	switch key {
	case metaKind, metaSeq, metaVector, metaDim:
		return true
	}
	return false
}

func toEntry(id, content string, meta map[string]string) (models.Entry, int, error) {
	vec, err := decodeVector(meta[metaVector])
	if err != nil {
		return models.Entry{}, 0, ragerr.Wrap(ragerr.ErrCorruptIndex, fmt.Errorf("document %q: %w", id, err))
	}
	seq, err := strconv.Atoi(meta[metaSeq])
	if err != nil {
		return models.Entry{}, 0, ragerr.Newf(ragerr.ErrCorruptIndex, "document %q has no sequence", id)
	}

	out := make(map[string]string, len(meta))
	for k, v := range meta {
		switch k {
		case metaKind, metaSeq, metaVector:
		default:
			out[k] = v
		}
	}
	return models.Entry{ChunkID: id, Embedding: vec, Text: content, Metadata: out}, seq, nil
}

func encodeVector(v []float32) string {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func decodeVector(s string) ([]float32, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil, fmt.Errorf("vector has %d bytes", len(buf))
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v, nil
}
