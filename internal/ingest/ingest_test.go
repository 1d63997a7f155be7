package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/karrick/godirwalk"

	"github.com/dstengel/docrag/internal/ai"
	"github.com/dstengel/docrag/internal/chunker"
	"github.com/dstengel/docrag/internal/store"
	"github.com/dstengel/docrag/pkg/models"
)

type mockClient struct {
	EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)
}

func (m *mockClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return m.EmbedFunc(ctx, texts)
}

func (m *mockClient) Complete(context.Context, []ai.Message, float64, int) (*ai.Completion, error) {
	return nil, ai.ErrUnsupported
}

func (m *mockClient) Dim() int { return 4 }

type mockStore struct {
	AddFunc func(ctx context.Context, chunks []models.Chunk, embeddings [][]float32) (int, error)
}

func (m *mockStore) Add(ctx context.Context, chunks []models.Chunk, embeddings [][]float32) (int, error) {
	return m.AddFunc(ctx, chunks, embeddings)
}

func (m *mockStore) Search(context.Context, []float32, store.SearchOpts) ([]models.SearchResult, error) {
	return nil, nil
}
func (m *mockStore) DeleteBySourceFile(context.Context, string) (int, error) { return 0, nil }
func (m *mockStore) Clear(context.Context) error                            { return nil }
func (m *mockStore) Reindex(context.Context) error                          { return nil }
func (m *mockStore) Stats(context.Context) (models.Stats, error)            { return models.Stats{}, nil }
func (m *mockStore) Close() error                                           { return nil }

// MockFileSystemWalker feeds a fixed path list to the callback.
type MockFileSystemWalker struct {
	Paths []string
}

func (m *MockFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	for _, p := range m.Paths {
		if err := options.Callback(p, nil); err != nil {
			return err
		}
	}
	return nil
}

// MockFileReader serves file contents from a map.
type MockFileReader struct {
	Files map[string]string
}

func (m *MockFileReader) ReadFile(filename string) ([]byte, error) {
	content, ok := m.Files[filename]
	if !ok {
		return nil, errors.New("file not found")
	}
	return []byte(content), nil
}

func okEmbed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}

func newTestChunker(t *testing.T) *chunker.Chunker {
	t.Helper()
	c, err := chunker.New(8, 2)
	if err != nil {
		t.Fatalf("chunker: %v", err)
	}
	return c
}

const longText = "Docker is a platform for packaging applications into containers. " +
	"Containers share the host kernel and start quickly. " +
	"Images are built from a Dockerfile and stored in registries."

func TestIndexText(t *testing.T) {
	var gotChunks []models.Chunk
	st := &mockStore{AddFunc: func(_ context.Context, chunks []models.Chunk, embeddings [][]float32) (int, error) {
		gotChunks = chunks
		if len(chunks) != len(embeddings) {
			t.Errorf("store received %d chunks, %d embeddings", len(chunks), len(embeddings))
		}
		return len(chunks), nil
	}}

	p := New(newTestChunker(t), ai.NewEmbedder(&mockClient{EmbedFunc: okEmbed}, 0), st)
	n, err := p.IndexText(context.Background(), longText, "docker.md", models.FileTypeMarkdown)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if n == 0 || n != len(gotChunks) {
		t.Fatalf("indexed %d chunks, store saw %d", n, len(gotChunks))
	}
	for _, c := range gotChunks {
		if c.SourceFile != "docker.md" || c.FileType != models.FileTypeMarkdown {
			t.Errorf("chunk metadata = %s/%s", c.SourceFile, c.FileType)
		}
	}
}

func TestIndexTextEmptyDocument(t *testing.T) {
	st := &mockStore{AddFunc: func(context.Context, []models.Chunk, [][]float32) (int, error) {
		t.Fatal("store called for empty document")
		return 0, nil
	}}
	p := New(newTestChunker(t), ai.NewEmbedder(&mockClient{EmbedFunc: okEmbed}, 0), st)

	n, err := p.IndexText(context.Background(), "   \n  ", "empty.txt", models.FileTypeText)
	if err != nil || n != 0 {
		t.Errorf("empty document: n=%d err=%v", n, err)
	}
}

func TestIndexTextDropsFailedBatches(t *testing.T) {
	// Batch size 1 and a client that fails its second call: exactly one
	// chunk gets a nil marker and is dropped.
	var calls int
	client := &mockClient{EmbedFunc: func(ctx context.Context, texts []string) ([][]float32, error) {
		calls++
		if calls == 2 {
			return nil, errors.New("rate limited")
		}
		return okEmbed(ctx, texts)
	}}

	var stored int
	st := &mockStore{AddFunc: func(_ context.Context, chunks []models.Chunk, _ [][]float32) (int, error) {
		stored = len(chunks)
		return len(chunks), nil
	}}

	p := New(newTestChunker(t), ai.NewEmbedder(client, 1), st)
	n, err := p.IndexText(context.Background(), longText, "docker.md", models.FileTypeMarkdown)
	if err != nil {
		t.Fatalf("index: %v", err)
	}
	if calls < 2 {
		t.Fatalf("document produced only %d chunks, test needs at least 2", calls)
	}
	if n != stored || n != calls-1 {
		t.Errorf("indexed %d, stored %d, want %d (one dropped)", n, stored, calls-1)
	}
}

func TestIndexTextAllEmbeddingsFail(t *testing.T) {
	client := &mockClient{EmbedFunc: func(context.Context, []string) ([][]float32, error) {
		return nil, errors.New("upstream down")
	}}
	st := &mockStore{AddFunc: func(context.Context, []models.Chunk, [][]float32) (int, error) {
		t.Fatal("store called with no embeddings")
		return 0, nil
	}}

	p := New(newTestChunker(t), ai.NewEmbedder(client, 0), st)
	if _, err := p.IndexText(context.Background(), longText, "docker.md", models.FileTypeMarkdown); !errors.Is(err, ai.ErrUpstream) {
		t.Errorf("err = %v, want ErrUpstream", err)
	}
}

func TestRun(t *testing.T) {
	var added int
	st := &mockStore{AddFunc: func(_ context.Context, chunks []models.Chunk, _ [][]float32) (int, error) {
		added += len(chunks)
		return len(chunks), nil
	}}

	walker := &MockFileSystemWalker{Paths: []string{
		"/docs/a.md",
		"/docs/sub/b.txt",
		"/docs/logo.png", // skipped by extension
	}}
	reader := &MockFileReader{Files: map[string]string{
		"/docs/a.md":      "Alpha document about containers.",
		"/docs/sub/b.txt": "Beta document about pods.",
	}}

	p := NewWithDependencies(newTestChunker(t), ai.NewEmbedder(&mockClient{EmbedFunc: okEmbed}, 0), st, walker, reader)
	total, err := p.Run(context.Background(), "/docs")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if total == 0 || total != added {
		t.Errorf("run reported %d chunks, store saw %d", total, added)
	}
}

func TestDetectFileType(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"notes.md", models.FileTypeMarkdown},
		{"README.MD", models.FileTypeMarkdown},
		{"main.go", models.FileTypeCode},
		{"script.py", models.FileTypeCode},
		{"data.txt", models.FileTypeText},
		{"no_extension", models.FileTypeText},
	}
	for _, tt := range tests {
		if got := DetectFileType(tt.path); got != tt.want {
			t.Errorf("DetectFileType(%s) = %s, want %s", tt.path, got, tt.want)
		}
	}
}

func TestShouldSkip(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/docs/readme.md", false},
		{"/docs/.git/config", true},
		{"/docs/node_modules/pkg/index.js", true},
		{"/docs/image.png", true},
		{"/docs/store.db", true},
		{fmt.Sprintf("/docs/%s", "store.index"), true},
	}
	for _, tt := range tests {
		if got := ShouldSkip(tt.path); got != tt.want {
			t.Errorf("ShouldSkip(%s) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
