// Package ingest walks document trees and feeds them through the
// chunk-embed-store pipeline.
package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"

	"github.com/dstengel/docrag/internal/ai"
	"github.com/dstengel/docrag/internal/chunker"
	"github.com/dstengel/docrag/internal/store"
	"github.com/dstengel/docrag/pkg/models"
)

// FileSystemWalker defines the interface for walking directories
type FileSystemWalker interface {
	Walk(root string, options *godirwalk.Options) error
}

// FileReader defines the interface for reading files
type FileReader interface {
	ReadFile(filename string) ([]byte, error)
}

// DefaultFileSystemWalker implements FileSystemWalker using godirwalk
type DefaultFileSystemWalker struct{}

func (d *DefaultFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	return godirwalk.Walk(root, options)
}

// DefaultFileReader implements FileReader using os
type DefaultFileReader struct{}

func (d *DefaultFileReader) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

// Pipeline indexes documents: split into token windows, embed, store.
type Pipeline struct {
	Chunker    *chunker.Chunker
	Embedder   *ai.Embedder
	Store      store.Store
	Walker     FileSystemWalker
	FileReader FileReader
}

// New creates a Pipeline with the default filesystem dependencies.
func New(c *chunker.Chunker, e *ai.Embedder, st store.Store) *Pipeline {
	return &Pipeline{
		Chunker:    c,
		Embedder:   e,
		Store:      st,
		Walker:     &DefaultFileSystemWalker{},
		FileReader: &DefaultFileReader{},
	}
}

// NewWithDependencies creates a Pipeline with custom dependencies for testing
func NewWithDependencies(c *chunker.Chunker, e *ai.Embedder, st store.Store, walker FileSystemWalker, reader FileReader) *Pipeline {
	return &Pipeline{Chunker: c, Embedder: e, Store: st, Walker: walker, FileReader: reader}
}

// IndexText chunks and embeds one document and stores the surviving
// chunks. Chunks whose embedding batch failed are dropped rather than
// stored vectorless; the count of stored chunks is returned.
func (p *Pipeline) IndexText(ctx context.Context, text, sourceFile, fileType string) (int, error) {
	chunks, err := p.Chunker.Chunk(text, chunker.Meta{SourceFile: sourceFile, FileType: fileType})
	if err != nil {
		return 0, fmt.Errorf("chunk %s: %w", sourceFile, err)
	}
	if len(chunks) == 0 {
		log.Warn().Str("source_file", sourceFile).Msg("document produced no chunks")
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vecs := p.Embedder.EmbedBatch(ctx, texts)

	kept := make([]models.Chunk, 0, len(chunks))
	keptVecs := make([][]float32, 0, len(vecs))
	for i, v := range vecs {
		if v == nil {
			continue
		}
		kept = append(kept, chunks[i])
		keptVecs = append(keptVecs, v)
	}
	if dropped := len(chunks) - len(kept); dropped > 0 {
		log.Warn().
			Str("source_file", sourceFile).
			Int("dropped", dropped).
			Int("kept", len(kept)).
			Msg("dropping chunks whose embedding failed")
	}
	if len(kept) == 0 {
		return 0, fmt.Errorf("embed %s: %w", sourceFile, ai.ErrUpstream)
	}

	n, err := p.Store.Add(ctx, kept, keptVecs)
	if err != nil {
		return 0, fmt.Errorf("store %s: %w", sourceFile, err)
	}
	return n, nil
}

// IndexFile reads and indexes a single file, naming the document by its
// path relative to root.
func (p *Pipeline) IndexFile(ctx context.Context, root, path string) (int, error) {
	b, err := p.FileReader.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", path, err)
	}
	return p.IndexText(ctx, string(b), rel(root, path), DetectFileType(path))
}

// workItem represents a file to be processed
type workItem struct {
	path    string
	content string
}

// Run walks root and indexes every eligible file with a small worker pool.
// It returns the total number of chunks stored.
func (p *Pipeline) Run(ctx context.Context, root string) (int, error) {
	numWorkers := runtime.NumCPU()
	if numWorkers > 8 {
		numWorkers = 8 // cap to avoid overwhelming the embedding API
	}

	log.Info().Str("root", root).Int("workers", numWorkers).Msg("starting ingestion")

	workChan := make(chan workItem, numWorkers*2)
	errorChan := make(chan error, 1)
	var total atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			log.Debug().Int("worker", workerID).Msg("worker started")

			for item := range workChan {
				n, err := p.IndexText(ctx, item.content, rel(root, item.path), DetectFileType(item.path))
				if err != nil {
					select {
					case errorChan <- err:
					default:
						log.Error().Err(err).Str("path", item.path).Msg("worker processing error")
					}
					continue
				}
				total.Add(int64(n))
			}

			log.Debug().Int("worker", workerID).Msg("worker finished")
		}(i)
	}

	walkErr := p.Walker.Walk(root, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de != nil && de.IsDir() {
				return nil
			}
			if ShouldSkip(path) {
				return nil
			}

			b, err := p.FileReader.ReadFile(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("failed to read file")
				return nil
			}

			select {
			case workChan <- workItem{path: path, content: string(b)}:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		},
	})

	close(workChan)
	wg.Wait()
	close(errorChan)

	if err := <-errorChan; err != nil {
		return int(total.Load()), err
	}

	log.Info().Int64("chunks", total.Load()).Msg("ingestion complete")
	return int(total.Load()), walkErr
}

// DetectFileType maps a file extension onto the stored document types.
func DetectFileType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown", ".rst":
		return models.FileTypeMarkdown
	case ".go", ".py", ".js", ".ts", ".java", ".rb", ".sh", ".c", ".cpp", ".rs":
		return models.FileTypeCode
	default:
		return models.FileTypeText
	}
}

// ShouldSkip returns true if the file at path should be skipped.
func ShouldSkip(path string) bool {
	p := strings.ToLower(path)
	for _, dir := range []string{
		"/.git/", "/node_modules/", "/vendor/", "/__pycache__/",
		"/.venv/", "/venv/", "/.idea/", "/.cache/", "/dist/", "/build/",
	} {
		if strings.Contains(p, dir) {
			return true
		}
	}
	switch filepath.Ext(p) {
	case ".png", ".jpg", ".jpeg", ".gif", ".pdf", ".webp", ".zip",
		".svg", ".exe", ".dll", ".lock", ".db", ".index", ".sum":
		return true
	}
	return false
}

func rel(root, p string) string {
	r, err := filepath.Rel(root, p)
	if err != nil {
		return p
	}
	return r
}
