package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// OpenAIClient implements Client against the OpenAI API.
type OpenAIClient struct {
	config *ClientConfig
	client openai.Client
}

// NewOpenAIClient creates a client with sensible model and dimension
// defaults for the text-embedding-3 family.
func NewOpenAIClient(config *ClientConfig) *OpenAIClient {
	if config.EmbedModel == "" {
		config.EmbedModel = "text-embedding-3-small"
	}
	if config.GenModel == "" {
		config.GenModel = "gpt-4o-mini"
	}
	if config.Dim == 0 {
		switch config.EmbedModel {
		case "text-embedding-3-large":
			config.Dim = 3072
		default:
			config.Dim = 1536
		}
	}

	return &OpenAIClient{
		config: config,
		client: openai.NewClient(option.WithAPIKey(config.APIKey)),
	}
}

// Embed implements the embedding capability. One call embeds all texts;
// callers control batch sizing.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if c.config.APIKey == "" {
		return nil, errors.New("PROVIDER_API_KEY unset")
	}
	if len(texts) == 0 {
		return nil, nil
	}

	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(c.config.EmbedModel),
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	}

	resp, err := c.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, wrapUpstream(ctx, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts", ErrUpstream, len(resp.Data), len(texts))
	}

	out := make([][]float32, len(resp.Data))
	for i, data := range resp.Data {
		vec := make([]float32, len(data.Embedding))
		for j, v := range data.Embedding {
			vec[j] = float32(v)
		}
		out[i] = vec
	}
	return out, nil
}

// Complete implements chat-style text generation with usage accounting.
func (c *OpenAIClient) Complete(ctx context.Context, msgs []Message, temperature float64, maxTokens int) (*Completion, error) {
	if c.config.APIKey == "" {
		return nil, errors.New("PROVIDER_API_KEY unset")
	}

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(c.config.GenModel),
		Messages:    toOpenAIMessages(msgs),
		Temperature: openai.Float(temperature),
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, wrapUpstream(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no completion choices", ErrUpstream)
	}

	choice := resp.Choices[0]
	return &Completion{
		Text: choice.Message.Content,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
		FinishReason: string(choice.FinishReason),
	}, nil
}

// Dim returns the embedding dimension.
func (c *OpenAIClient) Dim() int {
	return c.config.Dim
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// wrapUpstream maps errors onto the package taxonomy, keeping timeouts
// distinct from other upstream failures.
func wrapUpstream(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstream, err)
}
