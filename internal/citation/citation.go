// Package citation numbers retrieved sources, builds prompts that require
// inline citations, and validates that an answer actually cites them.
package citation

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dstengel/docrag/pkg/models"
)

// Source is one retrieved chunk viewed for citation purposes. RerankScore
// and RankChange are nil for plain retrieval results.
type Source struct {
	ChunkID     string
	SourceFile  string
	ChunkIndex  int
	Text        string
	Similarity  float64
	RerankScore *float64
	RankChange  *int
}

// FromSearchResults adapts plain retrieval results.
func FromSearchResults(results []models.SearchResult) []Source {
	out := make([]Source, len(results))
	for i, r := range results {
		out[i] = Source{
			ChunkID:    r.ChunkID,
			SourceFile: r.SourceFile,
			ChunkIndex: r.ChunkIndex,
			Text:       r.Text,
			Similarity: r.Similarity,
		}
	}
	return out
}

// FromReranked adapts reranked results, carrying the rerank fields through.
func FromReranked(results []models.RerankedResult) []Source {
	out := make([]Source, len(results))
	for i, r := range results {
		score := r.RerankScore
		change := r.RankChange
		out[i] = Source{
			ChunkID:     r.ChunkID,
			SourceFile:  r.SourceFile,
			ChunkIndex:  r.ChunkIndex,
			Text:        r.Text,
			Similarity:  r.Similarity,
			RerankScore: &score,
			RankChange:  &change,
		}
	}
	return out
}

const previewLen = 100

// BuildContext renders the sources as a numbered context block and returns
// it together with the citation map and the distinct source files in order
// of first appearance. Citation numbers start at 1.
func BuildContext(sources []Source) (string, map[int]models.CitationEntry, []string) {
	var (
		parts   []string
		files   []string
		seen    = map[string]bool{}
		citeMap = make(map[int]models.CitationEntry, len(sources))
	)

	for i, src := range sources {
		n := i + 1
		if !seen[src.SourceFile] {
			seen[src.SourceFile] = true
			files = append(files, src.SourceFile)
		}

		if src.RerankScore != nil {
			change := 0
			if src.RankChange != nil {
				change = *src.RankChange
			}
			parts = append(parts, fmt.Sprintf(
				"[%d] Source: %s (chunk %d)\nRelevance: similarity=%.2f%%, rerank=%.3f, rank_change=%+d\n%s\n",
				n, src.SourceFile, src.ChunkIndex, src.Similarity*100, *src.RerankScore, change, src.Text))
		} else {
			parts = append(parts, fmt.Sprintf(
				"[%d] Source: %s (chunk %d)\nRelevance: %.2f%%\n%s\n",
				n, src.SourceFile, src.ChunkIndex, src.Similarity*100, src.Text))
		}

		citeMap[n] = models.CitationEntry{
			Number:      n,
			SourceFile:  src.SourceFile,
			ChunkID:     src.ChunkID,
			ChunkIndex:  src.ChunkIndex,
			Similarity:  src.Similarity,
			TextPreview: preview(src.Text),
			RerankScore: src.RerankScore,
			RankChange:  src.RankChange,
		}
	}

	log.Debug().Int("citations", len(sources)).Int("files", len(files)).Msg("built cited context")
	return strings.Join(parts, "\n"), citeMap, files
}

func preview(text string) string {
	r := []rune(text)
	if len(r) <= previewLen {
		return text
	}
	return string(r[:previewLen]) + "..."
}

// Prompt builds the generation prompt that requires inline [n] citations.
func Prompt(question, context string, numSources int) string {
	return fmt.Sprintf(`You are a helpful assistant that answers questions based on provided context.

IMPORTANT RULES:
1. You MUST cite your sources using the citation numbers provided: [1], [2], [3], etc.
2. Every factual claim should include a citation to the source where you found that information
3. Use inline citations like: "Docker containers can be stopped with docker stop [1]"
4. If information comes from multiple sources, cite all of them: [1][2]
5. Do NOT make up information not found in the provided context
6. If you cannot answer based on the context, say so clearly

Context with %d sources:

%s

Question: %s

Answer (remember to cite sources using [1], [2], etc.):`, numSources, context, question)
}

var citationRe = regexp.MustCompile(`\[(\d+)\]`)

// Validate inspects answer for [n] markers and reports coverage against the
// numSources sources that were offered. In strict mode every source must be
// cited; otherwise at least one valid citation and no invalid ones suffice.
// The result is advisory and never blocks an answer.
func Validate(answer string, numSources int, strict bool) models.CitationValidation {
	found := map[int]bool{}
	for _, m := range citationRe.FindAllStringSubmatch(answer, -1) {
		if n, err := strconv.Atoi(m[1]); err == nil {
			found[n] = true
		}
	}

	var cited, missing, invalid []int
	for n := 1; n <= numSources; n++ {
		if found[n] {
			cited = append(cited, n)
		} else {
			missing = append(missing, n)
		}
	}
	for n := range found {
		if n < 1 || n > numSources {
			invalid = append(invalid, n)
		}
	}
	sort.Ints(invalid)

	v := models.CitationValidation{
		HasCitations: len(cited) > 0,
		AllCited:     len(missing) == 0,
		NoInvalid:    len(invalid) == 0,
		NumSources:   numSources,
		Cited:        cited,
		Missing:      missing,
		Invalid:      invalid,
	}
	if numSources > 0 {
		v.CitationRate = float64(len(cited)) / float64(numSources)
	}
	if strict {
		v.IsValid = v.AllCited && v.NoInvalid
	} else {
		v.IsValid = v.HasCitations && v.NoInvalid
	}

	switch {
	case !v.HasCitations:
		log.Warn().Msg("answer has no citations")
	case !v.AllCited:
		log.Info().Ints("missing", missing).Int("cited", len(cited)).Int("sources", numSources).Msg("answer cites a subset of sources")
	}
	if len(invalid) > 0 {
		log.Warn().Ints("invalid", invalid).Msg("answer cites nonexistent sources")
	}
	return v
}

// FormatSources renders the citation map as a human-readable sources
// section for CLI output.
func FormatSources(citeMap map[int]models.CitationEntry) string {
	if len(citeMap) == 0 {
		return ""
	}

	nums := make([]int, 0, len(citeMap))
	for n := range citeMap {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	sep := strings.Repeat("=", 60)
	lines := []string{"", sep, "SOURCES", sep, ""}
	for _, n := range nums {
		e := citeMap[n]
		lines = append(lines, fmt.Sprintf("[%d] %s (chunk %d)", n, e.SourceFile, e.ChunkIndex))
		lines = append(lines, fmt.Sprintf("    Relevance: %.2f%%", e.Similarity*100))
		if e.RerankScore != nil {
			change := 0
			if e.RankChange != nil {
				change = *e.RankChange
			}
			lines = append(lines, fmt.Sprintf("    Rerank: %.3f (%+d)", *e.RerankScore, change))
		}
		lines = append(lines, fmt.Sprintf("    Preview: %q", e.TextPreview))
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n")
}
