package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
)

// flatIndex is an exact inner-product index over unit-normalized vectors.
// Vectors live in one contiguous float32 arena; the vector at ordinal i
// occupies vecs[i*dim : (i+1)*dim]. With normalized inputs the inner
// product equals cosine similarity.
type flatIndex struct {
	dim  int
	vecs []float32
}

// indexMagic guards the sidecar file format.
const indexMagic uint32 = 0x44524149 // "DRAI"

func newFlatIndex(dim int) *flatIndex {
	return &flatIndex{dim: dim}
}

// Len returns the number of stored vectors.
func (ix *flatIndex) Len() int {
	if ix.dim == 0 {
		return 0
	}
	return len(ix.vecs) / ix.dim
}

// Add appends vectors in order. Callers must have validated dimensions.
func (ix *flatIndex) Add(vecs [][]float32) {
	for _, v := range vecs {
		ix.vecs = append(ix.vecs, v...)
	}
}

// Reset drops every vector.
func (ix *flatIndex) Reset() {
	ix.vecs = ix.vecs[:0]
}

// Search returns the top k ordinals by inner product with q, scores sorted
// descending. When fewer than k vectors exist, the tail is padded with the
// sentinel ordinal -1, mirroring the convention of flat ANN libraries;
// callers must skip sentinels.
func (ix *flatIndex) Search(q []float32, k int) (scores []float64, ordinals []int) {
	n := ix.Len()
	if k <= 0 {
		return nil, nil
	}

	type hit struct {
		score float64
		ord   int
	}
	hits := make([]hit, n)
	for i := 0; i < n; i++ {
		row := ix.vecs[i*ix.dim : (i+1)*ix.dim]
		var dot float64
		for j, x := range row {
			dot += float64(x) * float64(q[j])
		}
		hits[i] = hit{score: dot, ord: i}
	}
	sort.Slice(hits, func(a, b int) bool { return hits[a].score > hits[b].score })

	scores = make([]float64, k)
	ordinals = make([]int, k)
	for i := 0; i < k; i++ {
		if i < n {
			scores[i] = hits[i].score
			ordinals[i] = hits[i].ord
		} else {
			scores[i] = 0
			ordinals[i] = -1
		}
	}
	return scores, ordinals
}

// Save serializes the index to path: magic, dim, count, then the raw
// little-endian float32 arena.
func (ix *flatIndex) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	header := []uint32{indexMagic, uint32(ix.dim), uint32(ix.Len())}
	for _, h := range header {
		if err := binary.Write(w, binary.LittleEndian, h); err != nil {
			return fmt.Errorf("write index header: %w", err)
		}
	}
	if err := binary.Write(w, binary.LittleEndian, ix.vecs); err != nil {
		return fmt.Errorf("write index vectors: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush index file: %w", err)
	}
	return f.Sync()
}

// loadFlatIndex reads a sidecar file written by Save. The stored dimension
// must match dim.
func loadFlatIndex(path string, dim int) (*flatIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var magic, fileDim, count uint32
	for _, p := range []*uint32{&magic, &fileDim, &count} {
		if err := binary.Read(r, binary.LittleEndian, p); err != nil {
			return nil, fmt.Errorf("read index header: %w", err)
		}
	}
	if magic != indexMagic {
		return nil, fmt.Errorf("bad index file magic %#x", magic)
	}
	if int(fileDim) != dim {
		return nil, fmt.Errorf("index file dimension %d, store dimension %d", fileDim, dim)
	}

	ix := &flatIndex{dim: dim, vecs: make([]float32, int(count)*dim)}
	if err := binary.Read(r, binary.LittleEndian, ix.vecs); err != nil {
		return nil, fmt.Errorf("read index vectors: %w", err)
	}
	return ix, nil
}
