package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/dstengel/docrag/pkg/models"
)

// SQLiteStore keeps chunk metadata (and the raw embedding blob, the source
// of truth for rebuilds) in SQLite, with a flat inner-product index over the
// same vectors held in memory and persisted to a sidecar file.
//
// indexToID maps ANN ordinal positions to row ids in exact insertion order;
// the invariant len(indexToID) == index.Len() holds at all times. All
// mutation funnels through mu so the index and the mapping can never be
// observed at different lengths.
type SQLiteStore struct {
	mu        sync.RWMutex
	db        *sql.DB
	dim       int
	indexPath string
	index     *flatIndex
	indexToID []int64
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  chunk_id    TEXT UNIQUE NOT NULL,
  source_file TEXT NOT NULL,
  file_type   TEXT,
  chunk_text  TEXT NOT NULL,
  chunk_index INTEGER,
  token_count INTEGER,
  metadata    TEXT,
  embedding   BLOB,
  created_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_documents_chunk_id ON documents(chunk_id);
CREATE INDEX IF NOT EXISTS idx_documents_source_file ON documents(source_file);
`

// NewSQLiteStore opens (or creates) the database at path and loads the
// sidecar index next to it. A corrupt or missing sidecar is not fatal: the
// index is rebuilt from the embeddings persisted in the documents table.
func NewSQLiteStore(path string, dim int) (*SQLiteStore, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension %d", ErrDimension, dim)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	s := &SQLiteStore{
		db:        db,
		dim:       dim,
		indexPath: sidecarPath(path),
		index:     newFlatIndex(dim),
	}

	if err := s.loadIndex(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().
		Str("db", path).
		Int("dimension", dim).
		Int("vectors", s.index.Len()).
		Msg("vector store ready")
	return s, nil
}

// sidecarPath derives the index file path from the database path.
func sidecarPath(dbPath string) string {
	return strings.TrimSuffix(dbPath, ".db") + ".index"
}

// loadIndex restores the sidecar index and rebuilds the ordinal->row-id
// mapping from rows ordered by id. Any disagreement between the two falls
// open to a full rebuild from the persisted embedding blobs; the relational
// store is the source of truth.
func (s *SQLiteStore) loadIndex(ctx context.Context) error {
	if _, err := os.Stat(s.indexPath); err == nil {
		ix, err := loadFlatIndex(s.indexPath, s.dim)
		if err != nil {
			log.Warn().Err(err).Str("path", s.indexPath).Msg("failed to load index sidecar, rebuilding")
		} else {
			s.index = ix
		}
	}

	ids, err := s.rowIDs(ctx)
	if err != nil {
		return err
	}
	s.indexToID = ids

	if s.index.Len() != len(s.indexToID) {
		log.Warn().
			Int("index_size", s.index.Len()).
			Int("rows", len(s.indexToID)).
			Msg("index and metadata out of sync, rebuilding index from stored embeddings")
		return s.reindexLocked(ctx)
	}
	return nil
}

// rowIDs returns every document row id ordered by id, the same order
// vectors were appended to the index.
func (s *SQLiteStore) rowIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("scan row ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Add inserts chunks and their embeddings as one logical transaction:
// relational rows first (to obtain row ids), then the in-memory index and
// mapping in the same order, then the sidecar flush. A crash mid-way leaves
// the relational store authoritative and the sidecar merely stale.
func (s *SQLiteStore) Add(ctx context.Context, chunks []models.Chunk, embeddings [][]float32) (int, error) {
	if len(chunks) == 0 {
		log.Warn().Msg("no chunks to add")
		return 0, nil
	}
	if len(chunks) != len(embeddings) {
		log.Error().
			Int("chunks", len(chunks)).
			Int("embeddings", len(embeddings)).
			Msg("chunk/embedding count mismatch, rejecting add")
		return 0, fmt.Errorf("%w: %d chunks, %d embeddings", ErrCountMismatch, len(chunks), len(embeddings))
	}

	// Validate and normalize everything before touching any state.
	normed := make([][]float32, len(embeddings))
	for i, v := range embeddings {
		if len(v) != s.dim {
			return 0, fmt.Errorf("%w: embedding %d has %d dims, store has %d", ErrDimension, i, len(v), s.dim)
		}
		normed[i] = normalizeCopy(v)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin add: %w", err)
	}

	ids := make([]int64, 0, len(chunks))
	for i, c := range chunks {
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			meta = []byte("{}")
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO documents (chunk_id, source_file, file_type, chunk_text, chunk_index, token_count, metadata, embedding)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.SourceFile, c.FileType, c.Text, c.Index, c.TokenCount, string(meta), encodeVector(normed[i]),
		)
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			_ = tx.Rollback()
			return 0, fmt.Errorf("row id for chunk %s: %w", c.ID, err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit add: %w", err)
	}

	// Relational write is durable; now extend the index and mapping in the
	// same append order.
	s.index.Add(normed)
	s.indexToID = append(s.indexToID, ids...)

	if err := s.index.Save(s.indexPath); err != nil {
		// Not fatal: the sidecar is stale but rebuildable from the rows.
		log.Error().Err(err).Str("path", s.indexPath).Msg("failed to persist index sidecar")
	}

	log.Info().Int("added", len(chunks)).Int("index_size", s.index.Len()).Msg("added documents")
	return len(chunks), nil
}

// Search returns up to opts.TopK results ordered by descending cosine
// similarity. The index is asked for twice that many candidates so
// min-similarity and file-type filtering do not starve the result set.
func (s *SQLiteStore) Search(ctx context.Context, query []float32, opts SearchOpts) ([]models.SearchResult, error) {
	if len(query) != s.dim {
		return nil, fmt.Errorf("%w: query has %d dims, store has %d", ErrDimension, len(query), s.dim)
	}
	if opts.TopK <= 0 {
		opts.TopK = 5
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.index.Len() == 0 {
		log.Warn().Msg("search on empty index")
		return nil, nil
	}

	q := normalizeCopy(query)
	k := min(opts.TopK*2, s.index.Len())
	scores, ordinals := s.index.Search(q, k)

	results := make([]models.SearchResult, 0, opts.TopK)
	for i, ord := range ordinals {
		if ord < 0 {
			// sentinel for "no match"
			continue
		}
		sim := scores[i]
		if sim < opts.MinSimilarity {
			continue
		}
		if ord >= len(s.indexToID) {
			log.Warn().Int("ordinal", ord).Int("mapping_len", len(s.indexToID)).Msg("ordinal outside mapping, skipping")
			continue
		}

		r, ok, err := s.fetchRow(ctx, s.indexToID[ord])
		if err != nil {
			return nil, err
		}
		if !ok {
			// Row deleted since the vector was indexed; stale hit.
			continue
		}
		if opts.FileType != "" && r.FileType != opts.FileType {
			continue
		}

		r.Similarity = sim
		results = append(results, r)
		if len(results) >= opts.TopK {
			break
		}
	}

	log.Debug().Int("candidates", k).Int("results", len(results)).Msg("search complete")
	return results, nil
}

// fetchRow loads one document row; ok is false when the row no longer
// exists.
func (s *SQLiteStore) fetchRow(ctx context.Context, id int64) (models.SearchResult, bool, error) {
	var (
		r        models.SearchResult
		metaJSON sql.NullString
		created  time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT chunk_id, source_file, file_type, chunk_text, chunk_index, token_count, metadata, created_at
		FROM documents WHERE id = ?`, id).
		Scan(&r.ChunkID, &r.SourceFile, &r.FileType, &r.Text, &r.ChunkIndex, &r.TokenCount, &metaJSON, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SearchResult{}, false, nil
	}
	if err != nil {
		return models.SearchResult{}, false, fmt.Errorf("fetch row %d: %w", id, err)
	}

	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &r.Metadata); err != nil {
			r.Metadata = nil
		}
	}
	r.CreatedAt = created
	return r, true, nil
}

// DeleteBySourceFile removes every row for sourceFile. The index keeps the
// orphaned vectors until Reindex; see the Store doc comment.
func (s *SQLiteStore) DeleteBySourceFile(ctx context.Context, sourceFile string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE source_file = ?`, sourceFile)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", sourceFile, err)
	}
	n, _ := res.RowsAffected()

	log.Info().Str("source_file", sourceFile).Int64("deleted", n).Msg("deleted chunks")
	if n > 0 {
		log.Warn().Msg("index now holds orphaned vectors; run Reindex to compact")
	}
	return int(n), nil
}

// Clear resets the store: empty index, sidecar removed, table truncated,
// mapping reset.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM documents`); err != nil {
		return fmt.Errorf("clear documents: %w", err)
	}
	s.index.Reset()
	s.indexToID = nil

	if err := os.Remove(s.indexPath); err != nil && !os.IsNotExist(err) {
		log.Error().Err(err).Str("path", s.indexPath).Msg("failed to remove index sidecar")
	}

	log.Info().Msg("store cleared")
	return nil
}

// Reindex rebuilds the index and the mapping from the persisted rows,
// dropping any vectors orphaned by deletions.
func (s *SQLiteStore) Reindex(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reindexLocked(ctx)
}

func (s *SQLiteStore) reindexLocked(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM documents ORDER BY id`)
	if err != nil {
		return fmt.Errorf("reindex scan: %w", err)
	}
	defer rows.Close()

	var (
		ids  []int64
		vecs [][]float32
	)
	for rows.Next() {
		var (
			id   int64
			blob []byte
		)
		if err := rows.Scan(&id, &blob); err != nil {
			return fmt.Errorf("reindex scan row: %w", err)
		}
		v, err := decodeVector(blob, s.dim)
		if err != nil {
			return fmt.Errorf("reindex row %d: %w", id, err)
		}
		ids = append(ids, id)
		vecs = append(vecs, v)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.index.Reset()
	s.index.Add(vecs)
	s.indexToID = ids

	if err := s.index.Save(s.indexPath); err != nil {
		log.Error().Err(err).Str("path", s.indexPath).Msg("failed to persist rebuilt index")
	}

	log.Info().Int("vectors", s.index.Len()).Msg("index rebuilt from relational store")
	return nil
}

// Stats reports store statistics. IndexSize counts vectors in the ANN
// index, which exceeds TotalChunks while deletions await a Reindex.
func (s *SQLiteStore) Stats(ctx context.Context) (models.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := models.Stats{
		FileTypes: map[string]int{},
		IndexSize: s.index.Len(),
		Dimension: s.dim,
	}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(token_count), 0) FROM documents`).
		Scan(&stats.TotalChunks, &stats.TotalTokens)
	if err != nil {
		return models.Stats{}, fmt.Errorf("stats totals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
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

	typeRows, err := s.db.QueryContext(ctx,
		`SELECT file_type, COUNT(*) FROM documents GROUP BY file_type`)
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

// Close closes the database handle. The sidecar is already on disk.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// encodeVector packs v as little-endian float32 bytes.
func encodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(x))
	}
	return out
}

// decodeVector unpacks bytes written by encodeVector.
func decodeVector(b []byte, dim int) ([]float32, error) {
	if len(b) != 4*dim {
		return nil, fmt.Errorf("embedding blob is %d bytes, want %d", len(b), 4*dim)
	}
	v := make([]float32, dim)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

var _ Store = (*SQLiteStore)(nil)
