package store

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/dstengel/docrag/pkg/models"
)

const testDim = 4

func newTestStore(t *testing.T) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(path, testDim)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func testChunk(id, source string, idx int) models.Chunk {
	return models.Chunk{
		ID:         id,
		Text:       "text of " + id,
		SourceFile: source,
		FileType:   models.FileTypeMarkdown,
		Index:      idx,
		TokenCount: 10,
		Metadata:   map[string]string{"origin": source},
	}
}

// seedCorpus inserts two chunks from a.md and one from b.md with mutually
// orthogonal embeddings.
func seedCorpus(t *testing.T, s *SQLiteStore) {
	t.Helper()
	chunks := []models.Chunk{
		testChunk("a0", "a.md", 0),
		testChunk("a1", "a.md", 1),
		testChunk("b0", "b.md", 0),
	}
	embeddings := [][]float32{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
	}
	n, err := s.Add(context.Background(), chunks, embeddings)
	if err != nil {
		t.Fatalf("seed add: %v", err)
	}
	if n != 3 {
		t.Fatalf("seed added %d, want 3", n)
	}
}

func TestSQLiteAddAndSearch(t *testing.T) {
	s, _ := newTestStore(t)
	seedCorpus(t, s)

	results, err := s.Search(context.Background(), []float32{1, 0, 0, 0}, SearchOpts{TopK: 1})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if r.ChunkID != "a0" || r.SourceFile != "a.md" || r.ChunkIndex != 0 {
		t.Errorf("got %s from %s (chunk %d), want a0 from a.md chunk 0", r.ChunkID, r.SourceFile, r.ChunkIndex)
	}
	if math.Abs(r.Similarity-1.0) > 1e-5 {
		t.Errorf("similarity = %f, want ~1.0", r.Similarity)
	}
	if r.Metadata["origin"] != "a.md" {
		t.Errorf("metadata not round-tripped: %v", r.Metadata)
	}
}

func TestSQLiteSearchNormalizesInput(t *testing.T) {
	s, _ := newTestStore(t)

	// Stored vector is not unit length; the store normalizes on Add.
	_, err := s.Add(context.Background(),
		[]models.Chunk{testChunk("c0", "c.md", 0)},
		[][]float32{{10, 0, 0, 0}})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	// Query is not unit length either; normalized on Search.
	results, err := s.Search(context.Background(), []float32{3, 0, 0, 0}, SearchOpts{TopK: 1})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || math.Abs(results[0].Similarity-1.0) > 1e-5 {
		t.Fatalf("expected one result with similarity ~1.0, got %+v", results)
	}
}

func TestSQLiteCountMismatch(t *testing.T) {
	s, _ := newTestStore(t)

	n, err := s.Add(context.Background(),
		[]models.Chunk{testChunk("x0", "x.md", 0), testChunk("x1", "x.md", 1)},
		[][]float32{{1, 0, 0, 0}})
	if !errors.Is(err, ErrCountMismatch) {
		t.Fatalf("err = %v, want ErrCountMismatch", err)
	}
	if n != 0 {
		t.Errorf("added %d, want 0", n)
	}

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalChunks != 0 || stats.IndexSize != 0 {
		t.Errorf("rejected add left side effects: %+v", stats)
	}
}

func TestSQLiteDimensionMismatch(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Add(context.Background(),
		[]models.Chunk{testChunk("x0", "x.md", 0)},
		[][]float32{{1, 0}})
	if !errors.Is(err, ErrDimension) {
		t.Fatalf("add err = %v, want ErrDimension", err)
	}

	if _, err := s.Search(context.Background(), []float32{1, 0}, SearchOpts{TopK: 1}); !errors.Is(err, ErrDimension) {
		t.Fatalf("search err = %v, want ErrDimension", err)
	}
}

func TestSQLiteEmptySearch(t *testing.T) {
	s, _ := newTestStore(t)

	results, err := s.Search(context.Background(), []float32{1, 0, 0, 0}, SearchOpts{TopK: 5})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("empty store returned %d results", len(results))
	}
}

func TestSQLiteMinSimilarityFilter(t *testing.T) {
	s, _ := newTestStore(t)
	seedCorpus(t, s)

	// Orthogonal vectors score 0 against the query; only a0 survives.
	results, err := s.Search(context.Background(), []float32{1, 0, 0, 0},
		SearchOpts{TopK: 5, MinSimilarity: 0.5})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].ChunkID != "a0" {
		t.Fatalf("expected only a0 above threshold, got %+v", results)
	}
}

func TestSQLiteFileTypeFilter(t *testing.T) {
	s, _ := newTestStore(t)

	chunks := []models.Chunk{
		testChunk("m0", "notes.md", 0),
		{ID: "g0", Text: "package main", SourceFile: "main.go", FileType: models.FileTypeCode, Index: 0, TokenCount: 5},
	}
	// Both vectors point the same way so ranking alone cannot separate them.
	embeddings := [][]float32{{1, 0, 0, 0}, {0.9, 0.1, 0, 0}}
	if _, err := s.Add(context.Background(), chunks, embeddings); err != nil {
		t.Fatalf("add: %v", err)
	}

	results, err := s.Search(context.Background(), []float32{1, 0, 0, 0},
		SearchOpts{TopK: 5, FileType: models.FileTypeCode})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].ChunkID != "g0" {
		t.Fatalf("file type filter failed: %+v", results)
	}
}

func TestSQLiteDeleteLeavesIndexStale(t *testing.T) {
	s, _ := newTestStore(t)
	seedCorpus(t, s)

	n, err := s.DeleteBySourceFile(context.Background(), "a.md")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 2 {
		t.Fatalf("deleted %d, want 2", n)
	}

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalChunks != 1 {
		t.Errorf("TotalChunks = %d, want 1", stats.TotalChunks)
	}
	if stats.IndexSize != 3 {
		t.Errorf("IndexSize = %d, want 3 (stale until reindex)", stats.IndexSize)
	}

	// Stale hits resolve to missing rows and are skipped.
	results, err := s.Search(context.Background(), []float32{1, 0, 0, 0}, SearchOpts{TopK: 3})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, r := range results {
		if r.SourceFile == "a.md" {
			t.Errorf("deleted chunk %s still returned", r.ChunkID)
		}
	}
}

func TestSQLiteReindexCompacts(t *testing.T) {
	s, _ := newTestStore(t)
	seedCorpus(t, s)

	if _, err := s.DeleteBySourceFile(context.Background(), "a.md"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Reindex(context.Background()); err != nil {
		t.Fatalf("reindex: %v", err)
	}

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.IndexSize != stats.TotalChunks || stats.IndexSize != 1 {
		t.Errorf("after reindex IndexSize = %d, TotalChunks = %d, want both 1", stats.IndexSize, stats.TotalChunks)
	}

	results, err := s.Search(context.Background(), []float32{0, 0, 1, 0}, SearchOpts{TopK: 1})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].ChunkID != "b0" {
		t.Fatalf("surviving chunk not searchable after reindex: %+v", results)
	}
}

func TestSQLitePersistenceAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := NewSQLiteStore(path, testDim)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	seedCorpus(t, s)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := NewSQLiteStore(path, testDim)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	stats, err := s2.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalChunks != 3 || stats.IndexSize != 3 {
		t.Fatalf("state lost across reopen: %+v", stats)
	}

	results, err := s2.Search(context.Background(), []float32{0, 1, 0, 0}, SearchOpts{TopK: 1})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].ChunkID != "a1" {
		t.Fatalf("search after reopen: %+v", results)
	}
}

func TestSQLiteRebuildWhenSidecarMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := NewSQLiteStore(path, testDim)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	seedCorpus(t, s)
	s.Close()

	// Simulate a lost sidecar; the embeddings in the rows rebuild it.
	if err := os.Remove(sidecarPath(path)); err != nil {
		t.Fatalf("remove sidecar: %v", err)
	}

	s2, err := NewSQLiteStore(path, testDim)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	results, err := s2.Search(context.Background(), []float32{1, 0, 0, 0}, SearchOpts{TopK: 1})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 || results[0].ChunkID != "a0" {
		t.Fatalf("index not rebuilt from rows: %+v", results)
	}
}

func TestSQLiteClear(t *testing.T) {
	s, _ := newTestStore(t)
	seedCorpus(t, s)

	if err := s.Clear(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalChunks != 0 || stats.IndexSize != 0 || stats.TotalFiles != 0 {
		t.Errorf("clear left state: %+v", stats)
	}
}

func TestSQLiteStats(t *testing.T) {
	s, _ := newTestStore(t)
	seedCorpus(t, s)

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalChunks != 3 || stats.TotalTokens != 30 || stats.TotalFiles != 2 {
		t.Errorf("totals: %+v", stats)
	}
	if stats.Dimension != testDim {
		t.Errorf("dimension = %d, want %d", stats.Dimension, testDim)
	}
	if stats.FileTypes[models.FileTypeMarkdown] != 3 {
		t.Errorf("file types: %v", stats.FileTypes)
	}
	if len(stats.Files) != 2 || stats.Files[0].Name != "a.md" || stats.Files[0].Chunks != 2 {
		t.Errorf("per-file stats: %+v", stats.Files)
	}
}
