package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// VertexAIClient implements Client against the Google Gemini API.
type VertexAIClient struct {
	config *ClientConfig
	client *genai.Client
}

// NewVertexAIClient creates a new client for the Google Gemini API.
func NewVertexAIClient(ctx context.Context, config *ClientConfig) (*VertexAIClient, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}

	// Defaults for Gemini API
	if config.EmbedModel == "" {
		config.EmbedModel = "text-embedding-005"
	}
	if config.GenModel == "" {
		config.GenModel = "gemini-2.0-flash"
	}
	if config.Dim == 0 {
		config.Dim = 768
	}
	if config.Location == "" && strings.TrimSpace(config.APIKey) == "" {
		config.Location = "us-central1"
	}

	cc := genai.ClientConfig{
		Backend: genai.BackendVertexAI,
	}
	if strings.TrimSpace(config.APIKey) != "" {
		cc.APIKey = config.APIKey
	}
	if strings.TrimSpace(config.ProjectID) != "" {
		cc.Project = config.ProjectID
	}
	if strings.TrimSpace(config.Location) != "" {
		cc.Location = config.Location
	}

	client, err := genai.NewClient(ctx, &cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &VertexAIClient{config: config, client: client}, nil
}

// Embed implements the embedding capability using the Gemini API.
func (c *VertexAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	cfg := genai.EmbedContentConfig{
		TaskType: "RETRIEVAL_DOCUMENT",
	}
	contents := make([]*genai.Content, 0, len(texts))
	for _, t := range texts {
		contents = append(contents, genai.Text(t)[0])
	}

	res, err := c.client.Models.EmbedContent(ctx, c.config.EmbedModel, contents, &cfg)
	if err != nil {
		return nil, wrapUpstream(ctx, err)
	}
	if res == nil || len(res.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: embedding count mismatch", ErrUpstream)
	}

	out := make([][]float32, len(res.Embeddings))
	for i, e := range res.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}

// Complete implements text generation using the Gemini API. Gemini has no
// first-class system role; system messages are folded into the system
// instruction.
func (c *VertexAIClient) Complete(ctx context.Context, msgs []Message, temperature float64, maxTokens int) (*Completion, error) {
	temp := float32(temperature)
	cfg := genai.GenerateContentConfig{
		Temperature: &temp,
	}
	if maxTokens > 0 {
		cfg.MaxOutputTokens = int32(maxTokens)
	}

	var userParts []string
	for _, m := range msgs {
		if m.Role == "system" {
			cfg.SystemInstruction = genai.Text(m.Content)[0]
			continue
		}
		userParts = append(userParts, m.Content)
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.config.GenModel,
		genai.Text(strings.Join(userParts, "\n\n")), &cfg)
	if err != nil {
		return nil, wrapUpstream(ctx, err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("%w: no candidates returned", ErrUpstream)
	}

	cand := resp.Candidates[0]
	out := &Completion{
		Text:         strings.TrimSpace(string(cand.Content.Parts[0].Text)),
		FinishReason: string(cand.FinishReason),
	}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

// Dim returns the embedding dimension.
func (c *VertexAIClient) Dim() int {
	return c.config.Dim
}
