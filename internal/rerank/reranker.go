// Package rerank rescores retrieval candidates with a cross-encoder and
// reorders them by relevance to the query.
package rerank

import (
	"context"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/dstengel/docrag/internal/ai"
	"github.com/dstengel/docrag/pkg/models"
)

// Reranker reorders search results using a relevance scorer.
type Reranker struct {
	scorer ai.Scorer
}

// New creates a Reranker backed by the given scorer.
func New(scorer ai.Scorer) *Reranker {
	return &Reranker{scorer: scorer}
}

// Rerank scores the full candidate set against the query, sorts by
// descending rerank score, and returns the top topK. Truncation happens
// after scoring so a low-ranked retrieval hit can still win a final slot.
//
// If the scorer fails, the first topK candidates are returned in their
// original order with zero rerank scores. A degraded answer beats none.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []models.SearchResult, topK int) []models.RerankedResult {
	if len(candidates) == 0 {
		return nil
	}
	if topK <= 0 || topK > len(candidates) {
		topK = len(candidates)
	}

	passages := make([]string, len(candidates))
	for i, c := range candidates {
		passages[i] = c.Text
	}

	scores, err := r.scorer.Score(ctx, query, passages)
	if err != nil {
		log.Warn().Err(err).Msg("rerank scoring failed, falling back to retrieval order")
		return fallback(candidates, topK)
	}

	ranked := make([]models.RerankedResult, len(candidates))
	for i, c := range candidates {
		ranked[i] = models.RerankedResult{
			SearchResult: c,
			RerankScore:  scores[i],
			OriginalRank: i + 1,
		}
	}

	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].RerankScore > ranked[b].RerankScore
	})

	ranked = ranked[:topK]
	for i := range ranked {
		ranked[i].RerankedRank = i + 1
		ranked[i].RankChange = ranked[i].OriginalRank - ranked[i].RerankedRank
	}

	log.Debug().
		Int("candidates", len(candidates)).
		Int("kept", len(ranked)).
		Msg("reranked results")
	return ranked
}

// fallback wraps the first topK candidates without reordering.
func fallback(candidates []models.SearchResult, topK int) []models.RerankedResult {
	out := make([]models.RerankedResult, topK)
	for i := 0; i < topK; i++ {
		out[i] = models.RerankedResult{
			SearchResult: candidates[i],
			OriginalRank: i + 1,
			RerankedRank: i + 1,
		}
	}
	return out
}

// FilterByThreshold drops results scoring below threshold.
func FilterByThreshold(results []models.RerankedResult, threshold float64) []models.RerankedResult {
	out := results[:0:0]
	for _, r := range results {
		if r.RerankScore >= threshold {
			out = append(out, r)
		}
	}
	return out
}

// Improvement summarizes how reranking changed the result set relative to
// the raw retrieval ordering.
func Improvement(before []models.SearchResult, after []models.RerankedResult) *models.RerankImprovement {
	if len(before) == 0 || len(after) == 0 {
		return nil
	}

	imp := &models.RerankImprovement{}
	var simSum, scoreSum float64
	for _, b := range before {
		simSum += b.Similarity
	}
	imp.AvgSimilarityBefore = simSum / float64(len(before))

	for _, a := range after {
		scoreSum += a.RerankScore
		switch {
		case a.RankChange > 0:
			imp.ChunksImproved++
		case a.RankChange < 0:
			imp.ChunksWorsened++
		}
	}
	imp.AvgRerankScoreAfter = scoreSum / float64(len(after))
	return imp
}
