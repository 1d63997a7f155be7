package chunker

import (
	"errors"
	"strings"
	"testing"
)

func TestNew_InvalidConfiguration(t *testing.T) {
	tests := []struct {
		name      string
		chunkSize int
		overlap   int
	}{
		{name: "overlap equals chunk size", chunkSize: 10, overlap: 10},
		{name: "overlap exceeds chunk size", chunkSize: 10, overlap: 20},
		{name: "negative overlap", chunkSize: 10, overlap: -1},
		{name: "zero chunk size", chunkSize: 0, overlap: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.chunkSize, tt.overlap)
			if !errors.Is(err, ErrInvalidChunking) {
				t.Fatalf("expected ErrInvalidChunking, got %v", err)
			}
		})
	}
}

func TestChunk_EmptyInput(t *testing.T) {
	c, err := New(64, 8)
	if err != nil {
		t.Fatal(err)
	}

	for _, text := range []string{"", "   ", "\n\t  \n"} {
		chunks, err := c.Chunk(text, Meta{SourceFile: "empty.txt", FileType: "text"})
		if err != nil {
			t.Fatalf("empty input should not error, got %v", err)
		}
		if len(chunks) != 0 {
			t.Fatalf("expected zero chunks for %q, got %d", text, len(chunks))
		}
	}
}

func TestChunk_TokenCoverage(t *testing.T) {
	c, err := New(32, 8)
	if err != nil {
		t.Fatal(err)
	}

	text := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 40)
	total := c.CountTokens(text)

	chunks, err := c.Chunk(text, Meta{SourceFile: "fox.txt", FileType: "text"})
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) == 0 {
		t.Fatal("expected chunks")
	}

	step := c.ChunkSize() - c.Overlap()
	for i, ch := range chunks {
		if ch.Index != i {
			t.Errorf("chunk %d: index = %d", i, ch.Index)
		}
		if want := i * step; ch.StartToken != want {
			t.Errorf("chunk %d: start_token = %d, want %d", i, ch.StartToken, want)
		}
		if ch.TokenCount != ch.EndToken-ch.StartToken {
			t.Errorf("chunk %d: token_count %d != end-start %d", i, ch.TokenCount, ch.EndToken-ch.StartToken)
		}
		if ch.TokenCount > c.ChunkSize() {
			t.Errorf("chunk %d: token_count %d exceeds window %d", i, ch.TokenCount, c.ChunkSize())
		}
		// Overlapping windows must leave no gap: each chunk starts inside or
		// right after the previous one.
		if i > 0 && ch.StartToken > chunks[i-1].EndToken {
			t.Errorf("gap between chunk %d (end %d) and chunk %d (start %d)",
				i-1, chunks[i-1].EndToken, i, ch.StartToken)
		}
	}

	if last := chunks[len(chunks)-1]; last.EndToken != total {
		t.Errorf("last chunk ends at %d, want total %d", last.EndToken, total)
	}
	if chunks[0].StartToken != 0 {
		t.Errorf("first chunk starts at %d, want 0", chunks[0].StartToken)
	}
}

func TestChunk_ShortInputSingleChunk(t *testing.T) {
	c, err := New(512, 50)
	if err != nil {
		t.Fatal(err)
	}

	chunks, err := c.Chunk("just a few tokens", Meta{SourceFile: "short.md", FileType: "markdown"})
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected a single chunk, got %d", len(chunks))
	}
	if chunks[0].SourceFile != "short.md" || chunks[0].FileType != "markdown" {
		t.Errorf("metadata not propagated: %+v", chunks[0])
	}
	if chunks[0].Text != "just a few tokens" {
		t.Errorf("round-trip text mismatch: %q", chunks[0].Text)
	}
}

func TestChunk_UniqueIDs(t *testing.T) {
	c, err := New(16, 4)
	if err != nil {
		t.Fatal(err)
	}

	text := strings.Repeat("alpha beta gamma delta ", 30)
	seen := map[string]bool{}

	// Same file chunked twice: IDs must stay unique even across uploads.
	for range 2 {
		chunks, err := c.Chunk(text, Meta{SourceFile: "dup.txt", FileType: "text"})
		if err != nil {
			t.Fatal(err)
		}
		for _, ch := range chunks {
			if seen[ch.ID] {
				t.Fatalf("duplicate chunk id %q", ch.ID)
			}
			seen[ch.ID] = true
		}
	}
}
