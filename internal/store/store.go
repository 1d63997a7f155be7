// Package store persists document chunks and their embeddings and serves
// similarity search over them. The primary backend keeps metadata in SQLite
// and vectors in an in-process flat inner-product index persisted to a
// sidecar file; a Postgres/pgvector backend is available for deployments
// that already run one.
package store

import (
	"context"
	"errors"
	"math"

	"github.com/dstengel/docrag/pkg/models"
)

var (
	// ErrCountMismatch means chunks and embeddings differ in length; the add
	// is rejected with zero side effects.
	ErrCountMismatch = errors.New("store: chunk and embedding counts differ")
	// ErrDimension means a vector does not match the store dimension.
	ErrDimension = errors.New("store: embedding dimension mismatch")
)

// SearchOpts tunes a similarity search.
type SearchOpts struct {
	TopK          int
	MinSimilarity float64
	FileType      string // optional filter, empty matches everything
}

// Store is the vector store contract shared by all backends.
//
// DeleteBySourceFile removes relational rows only; with the SQLite backend
// the ANN index keeps the orphaned vectors until Reindex runs, so Stats
// reports an IndexSize larger than TotalChunks in the meantime. Searches
// stay correct because hits whose rows are gone are skipped, at the cost of
// slightly starved result sets. This is a deliberate trade against
// rebuilding the index on every delete.
type Store interface {
	Add(ctx context.Context, chunks []models.Chunk, embeddings [][]float32) (int, error)
	Search(ctx context.Context, query []float32, opts SearchOpts) ([]models.SearchResult, error)
	DeleteBySourceFile(ctx context.Context, sourceFile string) (int, error)
	Clear(ctx context.Context) error
	Reindex(ctx context.Context) error
	Stats(ctx context.Context) (models.Stats, error)
	Close() error
}

// normalize scales v to unit L2 norm in place and returns it. Zero vectors
// are treated as having norm 1 so they pass through unchanged rather than
// dividing by zero.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return v
	}
	inv := float32(1 / norm)
	for i := range v {
		v[i] *= inv
	}
	return v
}

// normalizeCopy is normalize without mutating the caller's slice.
func normalizeCopy(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return normalize(out)
}
