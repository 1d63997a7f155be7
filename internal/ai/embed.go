package ai

import (
	"context"

	"github.com/rs/zerolog/log"
)

// DefaultBatchSize stays under the OpenAI embeddings request limit.
const DefaultBatchSize = 100

// Embedder batches texts to an embedding-capable Client. A failing batch
// degrades to nil markers for every text in that batch instead of aborting
// the whole call; partial success is a first-class outcome.
type Embedder struct {
	client    Client
	batchSize int
}

// NewEmbedder wraps client with batch handling.
func NewEmbedder(client Client, batchSize int) *Embedder {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Embedder{client: client, batchSize: batchSize}
}

// EmbedBatch returns exactly one entry per input text. Entries from failed
// batches are nil so the caller can drop only the affected texts.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) [][]float32 {
	out := make([][]float32, 0, len(texts))

	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		batch := texts[start:end]

		vecs, err := e.client.Embed(ctx, batch)
		if err != nil || len(vecs) != len(batch) {
			log.Error().Err(err).
				Int("batch_start", start).
				Int("batch_len", len(batch)).
				Msg("embedding batch failed, marking batch as failed")
			out = append(out, make([][]float32, len(batch))...)
			continue
		}
		out = append(out, vecs...)
	}

	return out
}

// EmbedSingle embeds one text; nil on failure.
func (e *Embedder) EmbedSingle(ctx context.Context, text string) []float32 {
	vecs := e.EmbedBatch(ctx, []string{text})
	if len(vecs) == 0 {
		return nil
	}
	return vecs[0]
}

// Dim returns the embedding dimension of the wrapped client.
func (e *Embedder) Dim() int {
	return e.client.Dim()
}
