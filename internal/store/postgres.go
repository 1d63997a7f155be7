package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog/log"

	"github.com/dstengel/docrag/pkg/models"
)

// PostgresStore is the server-grade backend: pgvector holds the embeddings
// inside the same rows as the metadata, so there is no sidecar to drift and
// deletions take effect immediately.
type PostgresStore struct {
	pool *pgxpool.Pool
	dim  int
}

// NewPostgresStore connects to the database at url and applies the schema.
func NewPostgresStore(ctx context.Context, url string, dim int) (*PostgresStore, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension %d", ErrDimension, dim)
	}
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	s := &PostgresStore{pool: pool, dim: dim}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().Int("dimension", dim).Msg("postgres vector store ready")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	q := `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS documents (
  id          BIGSERIAL PRIMARY KEY,
  chunk_id    TEXT UNIQUE NOT NULL,
  source_file TEXT NOT NULL,
  file_type   TEXT,
  chunk_text  TEXT NOT NULL,
  chunk_index INT,
  token_count INT,
  metadata    JSONB,
  embedding   vector(%d),
  created_at  TIMESTAMP WITH TIME ZONE DEFAULT now()
);

CREATE INDEX IF NOT EXISTS documents_source_file_idx
  ON documents (source_file);

CREATE INDEX IF NOT EXISTS documents_embedding_idx
  ON documents USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);
`
	_, err := s.pool.Exec(ctx, fmt.Sprintf(q, s.dim))
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Add inserts chunks and their embeddings in one transaction.
func (s *PostgresStore) Add(ctx context.Context, chunks []models.Chunk, embeddings [][]float32) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	if len(chunks) != len(embeddings) {
		return 0, fmt.Errorf("%w: %d chunks, %d embeddings", ErrCountMismatch, len(chunks), len(embeddings))
	}
	for i, v := range embeddings {
		if len(v) != s.dim {
			return 0, fmt.Errorf("%w: embedding %d has %d dims, store has %d", ErrDimension, i, len(v), s.dim)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin add: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
		INSERT INTO documents (chunk_id, source_file, file_type, chunk_text, chunk_index, token_count, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	for i, c := range chunks {
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			meta = []byte("{}")
		}
		vec := pgvector.NewVector(normalizeCopy(embeddings[i]))
		if _, err := tx.Exec(ctx, q,
			c.ID, c.SourceFile, c.FileType, c.Text, c.Index, c.TokenCount, meta, vec,
		); err != nil {
			return 0, fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit add: %w", err)
	}

	log.Info().Int("added", len(chunks)).Msg("added documents")
	return len(chunks), nil
}

// Search returns up to opts.TopK results by descending cosine similarity.
func (s *PostgresStore) Search(ctx context.Context, query []float32, opts SearchOpts) ([]models.SearchResult, error) {
	if len(query) != s.dim {
		return nil, fmt.Errorf("%w: query has %d dims, store has %d", ErrDimension, len(query), s.dim)
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}

	args := []any{pgvector.NewVector(normalizeCopy(query)), opts.MinSimilarity}
	where := "TRUE"
	if opts.FileType != "" {
		where += " AND file_type = $3"
		args = append(args, opts.FileType)
	}

	q := fmt.Sprintf(`
		SELECT chunk_id, source_file, file_type, chunk_text, chunk_index, token_count, metadata, created_at,
		       1 - (embedding <=> $1) AS similarity
		FROM documents
		WHERE %s AND 1 - (embedding <=> $1) >= $2
		ORDER BY embedding <=> $1
		LIMIT %d`, where, opts.TopK)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var out []models.SearchResult
	for rows.Next() {
		var (
			r        models.SearchResult
			metaJSON []byte
		)
		if err := rows.Scan(&r.ChunkID, &r.SourceFile, &r.FileType, &r.Text, &r.ChunkIndex,
			&r.TokenCount, &metaJSON, &r.CreatedAt, &r.Similarity); err != nil {
			return nil, err
		}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &r.Metadata)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteBySourceFile removes every row for sourceFile. Unlike the sidecar
// backend the vectors go with the rows, so nothing is left stale.
func (s *PostgresStore) DeleteBySourceFile(ctx context.Context, sourceFile string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM documents WHERE source_file = $1`, sourceFile)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", sourceFile, err)
	}
	n := int(tag.RowsAffected())
	log.Info().Str("source_file", sourceFile).Int("deleted", n).Msg("deleted chunks")
	return n, nil
}

// Clear truncates the documents table.
func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE documents`); err != nil {
		return fmt.Errorf("clear documents: %w", err)
	}
	log.Info().Msg("store cleared")
	return nil
}

// Reindex recomputes the ANN index statistics. Row and vector storage never
// diverge in this backend, so a reindex is purely an index refresh.
func (s *PostgresStore) Reindex(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `REINDEX INDEX documents_embedding_idx`); err != nil {
		return fmt.Errorf("reindex: %w", err)
	}
	return nil
}

// Stats reports store statistics. IndexSize equals TotalChunks here.
func (s *PostgresStore) Stats(ctx context.Context) (models.Stats, error) {
	stats := models.Stats{
		FileTypes: map[string]int{},
		Dimension: s.dim,
	}

	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(token_count), 0) FROM documents`).
		Scan(&stats.TotalChunks, &stats.TotalTokens)
	if err != nil {
		return models.Stats{}, fmt.Errorf("stats totals: %w", err)
	}
	stats.IndexSize = stats.TotalChunks

	rows, err := s.pool.Query(ctx, `
		SELECT source_file, COUNT(*), COALESCE(SUM(token_count), 0)
		FROM documents GROUP BY source_file ORDER BY source_file`)
	if err != nil {
		return models.Stats{}, fmt.Errorf("stats files: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var f models.FileStats
		if err := rows.Scan(&f.Name, &f.Chunks, &f.Tokens); err != nil {
			return models.Stats{}, err
		}
		stats.Files = append(stats.Files, f)
	}
	if err := rows.Err(); err != nil {
		return models.Stats{}, err
	}
	stats.TotalFiles = len(stats.Files)

	typeRows, err := s.pool.Query(ctx,
		`SELECT COALESCE(file_type, ''), COUNT(*) FROM documents GROUP BY file_type`)
	if err != nil {
		return models.Stats{}, fmt.Errorf("stats types: %w", err)
	}
	defer typeRows.Close()
	for typeRows.Next() {
		var (
			ft string
			n  int
		)
		if err := typeRows.Scan(&ft, &n); err != nil {
			return models.Stats{}, err
		}
		stats.FileTypes[ft] = n
	}
	return stats, typeRows.Err()
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var _ Store = (*PostgresStore)(nil)
