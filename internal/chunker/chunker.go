package chunker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"

	"github.com/dstengel/docrag/pkg/models"
)

// ErrInvalidChunking is returned when overlap >= chunkSize or either value
// is negative; such a window would never advance.
var ErrInvalidChunking = errors.New("chunker: overlap must be smaller than chunk size")

// DefaultEncoding matches OpenAI's text-embedding-3-* tokenization.
const DefaultEncoding = "cl100k_base"

// Meta carries per-document fields attached to every produced chunk.
type Meta struct {
	SourceFile string
	FileType   string
	Extra      map[string]string
}

// Chunker splits text into overlapping, token-bounded chunks using a fixed
// tokenizer. The window advances by chunkSize-overlap tokens per step.
type Chunker struct {
	enc       *tiktoken.Tiktoken
	chunkSize int
	overlap   int
}

// New validates the window configuration and builds a Chunker.
func New(chunkSize, overlap int) (*Chunker, error) {
	if chunkSize <= 0 || overlap < 0 || overlap >= chunkSize {
		return nil, fmt.Errorf("%w (chunk_size=%d, overlap=%d)", ErrInvalidChunking, chunkSize, overlap)
	}
	enc, err := tiktoken.GetEncoding(DefaultEncoding)
	if err != nil {
		return nil, fmt.Errorf("get tiktoken encoding: %w", err)
	}
	return &Chunker{enc: enc, chunkSize: chunkSize, overlap: overlap}, nil
}

// ChunkSize returns the configured window size in tokens.
func (c *Chunker) ChunkSize() int { return c.chunkSize }

// Overlap returns the configured window overlap in tokens.
func (c *Chunker) Overlap() int { return c.overlap }

// Chunk splits text into chunks. Empty or whitespace-only input produces
// zero chunks and no error. Token counts come from the token indices, not
// from re-tokenizing the decoded text.
func (c *Chunker) Chunk(text string, meta Meta) ([]models.Chunk, error) {
	if strings.TrimSpace(text) == "" {
		log.Debug().Str("source", meta.SourceFile).Msg("empty text, nothing to chunk")
		return nil, nil
	}
	// Guard again at call time: a zero step would loop forever.
	step := c.chunkSize - c.overlap
	if step <= 0 {
		return nil, fmt.Errorf("%w (chunk_size=%d, overlap=%d)", ErrInvalidChunking, c.chunkSize, c.overlap)
	}

	tokens := c.enc.Encode(text, nil, nil)
	total := len(tokens)

	var chunks []models.Chunk
	for start, idx := 0, 0; start < total; start, idx = start+step, idx+1 {
		end := min(start+c.chunkSize, total)
		window := tokens[start:end]

		chunks = append(chunks, models.Chunk{
			ID:         chunkID(meta.SourceFile, idx),
			Text:       c.enc.Decode(window),
			SourceFile: meta.SourceFile,
			FileType:   meta.FileType,
			Index:      idx,
			StartToken: start,
			EndToken:   end,
			TokenCount: len(window),
			Metadata:   meta.Extra,
		})
	}

	log.Info().
		Str("source", meta.SourceFile).
		Int("chunks", len(chunks)).
		Int("total_tokens", total).
		Msg("chunked document")
	return chunks, nil
}

// CountTokens returns the token count of text under the chunker's encoding.
func (c *Chunker) CountTokens(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// chunkID builds a unique chunk identifier. The uuid suffix keeps IDs unique
// across re-uploads of the same file; they are not stable across runs.
func chunkID(sourceFile string, idx int) string {
	return fmt.Sprintf("%s_chunk_%d_%s", sourceFile, idx, uuid.NewString()[:8])
}
