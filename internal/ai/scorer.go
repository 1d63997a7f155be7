package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Scorer scores (query, passage) pairs with a cross-encoder style relevance
// model: the model reads both texts jointly, unlike the bi-encoder used for
// retrieval. Returned scores align with the passages slice.
type Scorer interface {
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
}

// RerankScorer calls an HTTP rerank endpoint (Cohere/Jina compatible
// request shape: model, query, documents).
type RerankScorer struct {
	endpoint string
	model    string
	apiKey   string
	http     *http.Client
}

// NewRerankScorer builds a scorer for the given endpoint and model.
func NewRerankScorer(endpoint, model, apiKey string) *RerankScorer {
	if model == "" {
		model = "rerank-v3.5"
	}
	return &RerankScorer{
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		apiKey:   apiKey,
		http:     &http.Client{Timeout: 20 * time.Second},
	}
}

// Score implements Scorer over the HTTP endpoint.
func (s *RerankScorer) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	if s.endpoint == "" {
		return nil, errors.New("rerank endpoint unset")
	}
	if len(passages) == 0 {
		return nil, nil
	}

	payload := map[string]any{
		"model":     s.model,
		"query":     query,
		"documents": passages,
	}
	b, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, wrapUpstream(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: rerank endpoint returned %s", ErrUpstream, resp.Status)
	}

	var out struct {
		Results []struct {
			Index          int     `json:"index"`
			RelevanceScore float64 `json:"relevance_score"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	scores := make([]float64, len(passages))
	seen := 0
	for _, r := range out.Results {
		if r.Index < 0 || r.Index >= len(passages) {
			continue
		}
		scores[r.Index] = r.RelevanceScore
		seen++
	}
	if seen != len(passages) {
		return nil, fmt.Errorf("%w: rerank returned %d scores for %d passages", ErrUpstream, seen, len(passages))
	}
	return scores, nil
}

// StubScorer scores passages by crude term overlap with the query. Useful
// for tests and offline runs.
type StubScorer struct{}

// Score implements Scorer with word-overlap counting.
func (StubScorer) Score(_ context.Context, query string, passages []string) ([]float64, error) {
	terms := strings.Fields(strings.ToLower(query))
	scores := make([]float64, len(passages))
	for i, p := range passages {
		lp := strings.ToLower(p)
		for _, t := range terms {
			if strings.Contains(lp, t) {
				scores[i]++
			}
		}
	}
	return scores, nil
}
