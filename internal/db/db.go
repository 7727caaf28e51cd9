package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sort"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"

	"regdoc-rag/internal/config"
	"regdoc-rag/internal/index"
	"regdoc-rag/internal/models"
	"regdoc-rag/internal/ragerr"
)

// Chunk is one row of the vector table. Several collections can share the
// table; chunk ids are unique per collection.
type Chunk struct {
	bun.BaseModel `bun:"table:regdoc_chunks,alias:c"`
	Seq           int64             `bun:"seq,pk,autoincrement"`
	Collection    string            `bun:"collection,notnull,unique:collection_chunk"`
	ChunkID       string            `bun:"chunk_id,notnull,unique:collection_chunk"`
	Content       string            `bun:"content,notnull"`
	Metadata      map[string]string `bun:"metadata,type:jsonb"`
	Embedding     pgvector.Vector   `bun:"embedding,notnull,type:vector"`
	Similarity    float64           `bun:"similarity,scanonly"`
}

func NewDB(sqldb *sql.DB, debug bool) *bun.DB {
	db := bun.NewDB(sqldb, pgdialect.New())
	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}
	return db
}

// ConnectDB opens (without dialing) a connection pool using the configured
// driver.
func ConnectDB(cfg config.DatabaseConfig) (*sql.DB, error) {
	switch cfg.Driver {
	case "", "pgdriver":
		opts := []pgdriver.Option{pgdriver.WithDSN(cfg.DSN)}
		if cfg.Password != "" {
			opts = append(opts, pgdriver.WithPassword(cfg.Password))
		}
		return sql.OpenDB(pgdriver.NewConnector(opts...)), nil
	case "pq":
		dsn, err := withPassword(cfg.DSN, cfg.Password)
		if err != nil {
			return nil, ragerr.Wrap(ragerr.ErrConfiguration, err)
		}
		return sql.Open("postgres", dsn)
	default:
		return nil, ragerr.Newf(ragerr.ErrConfiguration, "unknown database driver %q", cfg.Driver)
	}
}

// withPassword puts password into a postgres:// DSN unless it already has one.
func withPassword(dsn, password string) (string, error) {
	if password == "" {
		return dsn, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse dsn: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return "", fmt.Errorf("dsn must be a postgres:// URL to add a password")
	}
	if u.User == nil {
		return "", fmt.Errorf("dsn has no user")
	}
	if _, ok := u.User.Password(); !ok {
		u.User = url.UserPassword(u.User.Username(), password)
	}
	return u.String(), nil
}

func InitDB(ctx context.Context, db *bun.DB) error {
	if _, err := db.ExecContext(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return fmt.Errorf("enable pgvector: %w", err)
	}
	_, err := db.NewCreateTable().Model((*Chunk)(nil)).IfNotExists().Exec(ctx)
	return err
}

// Store is an index.Index backed by a Postgres table with a pgvector column.
type Store struct {
	db         *bun.DB
	collection string
	dimension  int
}

var _ index.Index = (*Store)(nil)

// NewStore connects, creates the table if needed and reads the dimension of
// any rows already stored for collection.
func NewStore(ctx context.Context, cfg config.DatabaseConfig, collection string) (*Store, error) {
	sqldb, err := ConnectDB(cfg)
	if err != nil {
		return nil, err
	}
	db := NewDB(sqldb, cfg.Debug)
	if err := InitDB(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("init database: %w", err)
	}

	s := &Store{db: db, collection: collection}
	if err := s.loadDimension(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Debug().Str("collection", collection).Int("dimension", s.dimension).Msg("Connected to postgres index")
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) loadDimension(ctx context.Context) error {
	var dims []int
	err := s.db.NewSelect().
		Model((*Chunk)(nil)).
		ColumnExpr("vector_dims(c.embedding)").
		Where("c.collection = ?", s.collection).
		Limit(1).
		Scan(ctx, &dims)
	if err != nil {
		return fmt.Errorf("read index dimension: %w", err)
	}
	if len(dims) > 0 {
		s.dimension = dims[0]
	}
	return nil
}

func (s *Store) Add(ctx context.Context, entries ...models.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ChunkID
	}
	var existing []string
	err := s.db.NewSelect().
		Model((*Chunk)(nil)).
		Column("chunk_id").
		Where("c.collection = ?", s.collection).
		Where("c.chunk_id IN (?)", bun.In(ids)).
		Scan(ctx, &existing)
	if err != nil {
		return fmt.Errorf("check chunk ids: %w", err)
	}
	taken := make(map[string]bool, len(existing))
	for _, id := range existing {
		taken[id] = true
	}

	dim, err := index.ValidateEntries(s.dimension, func(id string) bool { return taken[id] }, entries)
	if err != nil {
		return err
	}

	rows := make([]Chunk, len(entries))
	for i, e := range entries {
		rows[i] = fromEntry(s.collection, e)
	}
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewInsert().Model(&rows).Exec(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}
	s.dimension = dim
	return nil
}

// searchQuery orders by pgvector cosine distance, then by insertion.
func (s *Store) searchQuery(dest *[]Chunk, query []float32, k int) *bun.SelectQuery {
	vec := pgvector.NewVector(query)
	return s.db.NewSelect().
		Model(dest).
		ColumnExpr("c.*").
		ColumnExpr("1 - (c.embedding <=> ?) AS similarity", vec).
		Where("c.collection = ?", s.collection).
		OrderExpr("c.embedding <=> ?", vec).
		OrderExpr("c.seq ASC").
		Limit(k)
}

func (s *Store) Search(ctx context.Context, query []float32, k int) ([]models.Hit, error) {
	if k <= 0 || s.dimension == 0 {
		return []models.Hit{}, nil
	}
	if len(query) != s.dimension {
		return nil, ragerr.Newf(ragerr.ErrDimensionMismatch, "query has %d dimensions, index has %d", len(query), s.dimension)
	}

	var rows []Chunk
	if err := s.searchQuery(&rows, query, k).Scan(ctx); err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	return toHits(rows, query, k), nil
}

// toHits rescoring on the stored vectors keeps scores identical to the
// in-memory index.
func toHits(rows []Chunk, query []float32, k int) []models.Hit {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Seq < rows[j].Seq })
	hits := make([]models.Hit, len(rows))
	for i, r := range rows {
		e := toEntry(r)
		hits[i] = models.Hit{Entry: e, Score: index.CosineSimilarity(query, e.Embedding)}
	}
	return index.Rank(hits, k)
}

func (s *Store) Count(ctx context.Context) (int, error) {
	return s.db.NewSelect().
		Model((*Chunk)(nil)).
		Where("c.collection = ?", s.collection).
		Count(ctx)
}

func (s *Store) Dimension() int {
	return s.dimension
}

// Save dumps the collection in the snapshot format of the in-memory index.
func (s *Store) Save(ctx context.Context, path string) error {
	var rows []Chunk
	err := s.db.NewSelect().
		Model(&rows).
		Where("c.collection = ?", s.collection).
		Order("c.seq ASC").
		Scan(ctx)
	if err != nil {
		return fmt.Errorf("read chunks: %w", err)
	}

	entries := make([]models.Entry, len(rows))
	for i, r := range rows {
		entries[i] = toEntry(r)
	}
	if err := index.WriteSnapshot(path, s.dimension, entries); err != nil {
		return err
	}
	log.Info().Str("path", path).Int("entries", len(entries)).Msg("Index saved")
	return nil
}

// Load replaces the collection's rows with a snapshot in one transaction.
func (s *Store) Load(ctx context.Context, path string) error {
	snap, err := index.ReadSnapshot(path)
	if err != nil {
		return err
	}
	if _, err := index.ValidateEntries(snap.Manifest.Dimension, nil, snap.Entries); err != nil {
		return ragerr.Wrap(ragerr.ErrCorruptIndex, err)
	}

	rows := make([]Chunk, len(snap.Entries))
	for i, e := range snap.Entries {
		rows[i] = fromEntry(s.collection, e)
	}
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*Chunk)(nil)).Where("collection = ?", s.collection).Exec(ctx); err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		_, err := tx.NewInsert().Model(&rows).Exec(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("restore chunks: %w", err)
	}

	s.dimension = snap.Manifest.Dimension
	log.Info().Str("path", path).Int("entries", len(rows)).Msg("Index loaded")
	return nil
}

// Reset deletes every row of the collection.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.NewDelete().Model((*Chunk)(nil)).Where("collection = ?", s.collection).Exec(ctx); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	s.dimension = 0
	return nil
}

func fromEntry(collection string, e models.Entry) Chunk {
	meta := make(map[string]string, len(e.Metadata))
	for k, v := range e.Metadata {
		meta[k] = v
	}
	return Chunk{
		Collection: collection,
		ChunkID:    e.ChunkID,
		Content:    e.Text,
		Metadata:   meta,
		Embedding:  pgvector.NewVector(append([]float32(nil), e.Embedding...)),
	}
}

func toEntry(c Chunk) models.Entry {
	return models.Entry{
		ChunkID:   c.ChunkID,
		Embedding: c.Embedding.Slice(),
		Text:      c.Content,
		Metadata:  c.Metadata,
	}
}
