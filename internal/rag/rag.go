// Package rag orchestrates retrieval-augmented generation: it ties the
// embedder, the vector store, the reranker, and the citation layer together
// behind the query modes the API exposes.
package rag

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dstengel/docrag/internal/ai"
	"github.com/dstengel/docrag/internal/citation"
	"github.com/dstengel/docrag/internal/rerank"
	"github.com/dstengel/docrag/internal/store"
	"github.com/dstengel/docrag/pkg/models"
)

// Query modes reported in responses.
const (
	ModeWithoutRAG    = "without_rag"
	ModeWithRAG       = "with_rag"
	ModeWithReranking = "with_rag_reranking"
)

// NoContextAnswer is the context handed to the model when retrieval comes
// back empty; the model is expected to say it cannot answer.
const NoContextAnswer = "No relevant documents found in the knowledge base."

// ErrEmptyQuestion rejects blank questions before any upstream call.
var ErrEmptyQuestion = errors.New("question must not be empty")

// Options control a single query.
type Options struct {
	TopK          int
	MinSimilarity float64
	FileType      string
	Temperature   float64
	MaxTokens     int
	// Strict requires every offered source to be cited for the validation
	// to pass. Validation is advisory either way.
	Strict bool
}

func (o *Options) defaults() {
	if o.TopK <= 0 {
		o.TopK = 5
	}
	if o.Temperature == 0 {
		o.Temperature = 0.7
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = 1000
	}
}

// RerankOptions extend Options for the two-stage retrieve-then-rerank mode.
type RerankOptions struct {
	Options
	TopKRetrieve int
	TopKFinal    int
	// Threshold, when set, drops reranked chunks scoring below it.
	Threshold *float64
}

func (o *RerankOptions) defaults() {
	o.Options.defaults()
	if o.TopKRetrieve <= 0 {
		o.TopKRetrieve = 20
	}
	if o.TopKFinal <= 0 {
		o.TopKFinal = 5
	}
}

// Engine answers questions in four modes: plain generation, retrieval, and
// retrieval with reranking, plus side-by-side comparisons of each pair.
type Engine struct {
	client   ai.Client
	embedder *ai.Embedder
	store    store.Store
	reranker *rerank.Reranker
}

// New wires an Engine. reranker may be nil, in which case the reranking
// modes fall back to plain retrieval.
func New(client ai.Client, embedder *ai.Embedder, st store.Store, reranker *rerank.Reranker) *Engine {
	return &Engine{client: client, embedder: embedder, store: st, reranker: reranker}
}

// QueryWithoutRAG answers from the model's own knowledge, no retrieval.
func (e *Engine) QueryWithoutRAG(ctx context.Context, question string, opts Options) (*models.QueryResponse, error) {
	opts.defaults()
	if strings.TrimSpace(question) == "" {
		return nil, ErrEmptyQuestion
	}
	log.Info().Str("question", question).Msg("query without rag")

	msgs := []ai.Message{
		{Role: "system", Content: "You are a helpful assistant. Answer the user's question based on your general knowledge."},
		{Role: "user", Content: question},
	}
	completion, err := e.client.Complete(ctx, msgs, opts.Temperature, opts.MaxTokens)
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	return &models.QueryResponse{
		Answer:     completion.Text,
		Mode:       ModeWithoutRAG,
		TokensUsed: completion.Usage.TotalTokens,
	}, nil
}

// QueryWithRAG retrieves context and answers with inline citations. An
// empty retrieval still generates, with a context stating nothing was
// found.
func (e *Engine) QueryWithRAG(ctx context.Context, question string, opts Options) (*models.QueryResponse, error) {
	opts.defaults()
	if strings.TrimSpace(question) == "" {
		return nil, ErrEmptyQuestion
	}
	log.Info().
		Str("question", question).
		Int("top_k", opts.TopK).
		Float64("min_similarity", opts.MinSimilarity).
		Msg("query with rag")

	results, err := e.retrieve(ctx, question, store.SearchOpts{
		TopK:          opts.TopK,
		MinSimilarity: opts.MinSimilarity,
		FileType:      opts.FileType,
	})
	if err != nil {
		return nil, err
	}

	return e.answerFromSources(ctx, question, citation.FromSearchResults(results), results, nil, ModeWithRAG, opts)
}

// QueryWithReranking retrieves a wide candidate set, reranks it with the
// cross-encoder, and answers from the top slice. Falls back to plain
// retrieval when no reranker is configured.
func (e *Engine) QueryWithReranking(ctx context.Context, question string, opts RerankOptions) (*models.QueryResponse, error) {
	opts.defaults()
	if e.reranker == nil {
		log.Warn().Msg("no reranker configured, answering with plain retrieval")
		plain := opts.Options
		plain.TopK = opts.TopKFinal
		return e.QueryWithRAG(ctx, question, plain)
	}
	if strings.TrimSpace(question) == "" {
		return nil, ErrEmptyQuestion
	}
	log.Info().
		Str("question", question).
		Int("top_k_retrieve", opts.TopKRetrieve).
		Int("top_k_final", opts.TopKFinal).
		Msg("query with reranking")

	results, err := e.retrieve(ctx, question, store.SearchOpts{
		TopK:          opts.TopKRetrieve,
		MinSimilarity: opts.MinSimilarity,
		FileType:      opts.FileType,
	})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return &models.QueryResponse{Answer: NoContextAnswer, Mode: ModeWithReranking}, nil
	}

	reranked := e.reranker.Rerank(ctx, question, results, opts.TopKFinal)
	if opts.Threshold != nil {
		reranked = rerank.FilterByThreshold(reranked, *opts.Threshold)
	}
	if len(reranked) == 0 {
		return &models.QueryResponse{Answer: NoContextAnswer, Mode: ModeWithReranking, Chunks: results}, nil
	}

	return e.answerFromSources(ctx, question, citation.FromReranked(reranked), results, reranked, ModeWithReranking, opts.Options)
}

// CompareRAG answers the same question with and without retrieval. A
// failure on one side degrades that side only.
func (e *Engine) CompareRAG(ctx context.Context, question string, opts Options) (*models.Comparison, error) {
	if strings.TrimSpace(question) == "" {
		return nil, ErrEmptyQuestion
	}

	cmp := &models.Comparison{Question: question}
	base, baseErr := e.QueryWithoutRAG(ctx, question, opts)
	cmp.Baseline = degraded(base, baseErr, ModeWithoutRAG)
	cand, candErr := e.QueryWithRAG(ctx, question, opts)
	cmp.Candidate = degraded(cand, candErr, ModeWithRAG)
	return cmp, nil
}

// CompareReranking answers from one shared retrieval twice: once from the
// similarity-ordered head of the candidates, once from the reranked top
// slice. The single retrieval keeps the comparison fair.
func (e *Engine) CompareReranking(ctx context.Context, question string, opts RerankOptions) (*models.Comparison, error) {
	opts.defaults()
	if e.reranker == nil {
		log.Warn().Msg("no reranker configured, comparing rag against no rag")
		plain := opts.Options
		plain.TopK = opts.TopKFinal
		return e.CompareRAG(ctx, question, plain)
	}
	if strings.TrimSpace(question) == "" {
		return nil, ErrEmptyQuestion
	}

	results, err := e.retrieve(ctx, question, store.SearchOpts{
		TopK:          opts.TopKRetrieve,
		MinSimilarity: opts.MinSimilarity,
		FileType:      opts.FileType,
	})
	if err != nil {
		return nil, err
	}

	cmp := &models.Comparison{Question: question}
	if len(results) == 0 {
		empty := models.QueryResponse{Answer: NoContextAnswer}
		cmp.Baseline, cmp.Candidate = empty, empty
		cmp.Baseline.Mode, cmp.Candidate.Mode = ModeWithRAG, ModeWithReranking
		return cmp, nil
	}

	baselineChunks := results[:min(opts.TopKFinal, len(results))]
	reranked := e.reranker.Rerank(ctx, question, results, opts.TopKFinal)

	base, baseErr := e.answerFromSources(
		ctx, question, citation.FromSearchResults(baselineChunks), baselineChunks, nil, ModeWithRAG, opts.Options)
	cmp.Baseline = degraded(base, baseErr, ModeWithRAG)
	cand, candErr := e.answerFromSources(
		ctx, question, citation.FromReranked(reranked), results, reranked, ModeWithReranking, opts.Options)
	cmp.Candidate = degraded(cand, candErr, ModeWithReranking)
	cmp.Improvement = rerank.Improvement(baselineChunks, reranked)
	return cmp, nil
}

// retrieve embeds the question and searches the store.
func (e *Engine) retrieve(ctx context.Context, question string, opts store.SearchOpts) ([]models.SearchResult, error) {
	vec := e.embedder.EmbedSingle(ctx, question)
	if vec == nil {
		return nil, fmt.Errorf("embed question: %w", ai.ErrUpstream)
	}
	results, err := e.store.Search(ctx, vec, opts)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return results, nil
}

// answerFromSources builds the cited context, generates the answer, and
// validates its citations.
func (e *Engine) answerFromSources(
	ctx context.Context,
	question string,
	sources []citation.Source,
	chunks []models.SearchResult,
	reranked []models.RerankedResult,
	mode string,
	opts Options,
) (*models.QueryResponse, error) {
	contextStr := NoContextAnswer
	var (
		citeMap map[int]models.CitationEntry
		files   []string
	)
	if len(sources) > 0 {
		contextStr, citeMap, files = citation.BuildContext(sources)
	}

	prompt := citation.Prompt(question, contextStr, len(sources))
	completion, err := e.client.Complete(ctx, []ai.Message{{Role: "user", Content: prompt}}, opts.Temperature, opts.MaxTokens)
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	resp := &models.QueryResponse{
		Answer:      completion.Text,
		Mode:        mode,
		TokensUsed:  completion.Usage.TotalTokens,
		Chunks:      chunks,
		Reranked:    reranked,
		SourceFiles: files,
		Citations:   sortedEntries(citeMap),
	}
	if len(sources) > 0 {
		v := citation.Validate(completion.Text, len(sources), opts.Strict)
		resp.Validation = &v
	}

	log.Info().
		Str("mode", mode).
		Int("chunks", len(chunks)).
		Int("tokens", resp.TokensUsed).
		Msg("answer generated")
	return resp, nil
}

// degraded converts a per-side error into a response carrying the error,
// so one failing side never sinks a comparison.
func degraded(resp *models.QueryResponse, err error, mode string) models.QueryResponse {
	if err != nil {
		log.Error().Err(err).Str("mode", mode).Msg("comparison side failed")
		return models.QueryResponse{Mode: mode, Error: err.Error()}
	}
	return *resp
}

func sortedEntries(citeMap map[int]models.CitationEntry) []models.CitationEntry {
	if len(citeMap) == 0 {
		return nil
	}
	out := make([]models.CitationEntry, 0, len(citeMap))
	for _, e := range citeMap {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}
