package ai

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
)

// Error kinds surfaced by AI capabilities. Timeouts are reported distinctly
// so callers can tell a slow upstream from a bad request.
var (
	ErrUpstream    = errors.New("ai: upstream request failed")
	ErrTimeout     = errors.New("ai: upstream request timed out")
	ErrUnsupported = errors.New("ai: operation not supported by provider")
)

// Message is one turn of a chat-style generation request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the token accounting reported by a generation call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the result of one generation call.
type Completion struct {
	Text         string `json:"text"`
	Usage        Usage  `json:"usage"`
	FinishReason string `json:"finish_reason"`
}

// Client provides embedding and text-generation capabilities. Embed issues a
// single upstream request for all texts; batching and partial-failure
// handling live in Embedder.
type Client interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Complete(ctx context.Context, msgs []Message, temperature float64, maxTokens int) (*Completion, error)
	Dim() int
}

// Provider is enumeration of supported AI providers.
type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderVertexAI Provider = "vertexai"
	ProviderStub     Provider = "stub"
)

// ClientConfig holds configuration for AI clients.
type ClientConfig struct {
	APIKey     string
	EmbedModel string
	GenModel   string
	Dim        int
	ProjectID  string
	Location   string
	Provider   Provider
}

// NewClient creates a new AI client based on configuration.
func NewClient(config *ClientConfig) (Client, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}

	switch config.Provider {
	case ProviderOpenAI:
		return NewOpenAIClient(config), nil
	case ProviderVertexAI:
		return NewVertexAIClient(context.Background(), config)
	case ProviderStub:
		return NewStubClient(config.Dim), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", config.Provider)
	}
}

// StubClient is a deterministic offline implementation for tests and local
// smoke runs. Vectors depend only on the input text, so equal texts retrieve
// each other with similarity 1.
type StubClient struct {
	dim int
}

// NewStubClient creates a new StubClient.
func NewStubClient(dim int) *StubClient {
	if dim <= 0 {
		dim = 1536
	}
	return &StubClient{dim: dim}
}

// Embed produces one unit-length pseudo-random vector per text, seeded by
// the text itself.
func (s *StubClient) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = stubVector(t, s.dim)
	}
	return out, nil
}

// Complete echoes the final user message back, tagged as a stub answer.
func (s *StubClient) Complete(_ context.Context, msgs []Message, _ float64, _ int) (*Completion, error) {
	last := ""
	if len(msgs) > 0 {
		last = msgs[len(msgs)-1].Content
	}
	text := "stub answer [1] for: " + last
	return &Completion{
		Text: text,
		Usage: Usage{
			PromptTokens:     len(last) / 4,
			CompletionTokens: len(text) / 4,
			TotalTokens:      (len(last) + len(text)) / 4,
		},
		FinishReason: "stop",
	}, nil
}

// Dim returns the embedding dimension.
func (s *StubClient) Dim() int {
	return s.dim
}

// stubVector hashes text into a unit vector of the given dimension.
func stubVector(text string, dim int) []float32 {
	v := make([]float32, dim)
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	state := h.Sum64()
	var norm float64
	for i := range v {
		// xorshift keeps the sequence cheap and reproducible
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		v[i] = float32(int64(state%2000)-1000) / 1000
		norm += float64(v[i]) * float64(v[i])
	}
	if norm == 0 {
		v[0] = 1
		return v
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= inv
	}
	return v
}
