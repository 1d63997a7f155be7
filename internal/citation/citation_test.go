package citation

import (
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/dstengel/docrag/pkg/models"
)

func plainSources() []Source {
	return FromSearchResults([]models.SearchResult{
		{ChunkID: "a0", SourceFile: "docker.md", ChunkIndex: 0, Text: "Stop containers with docker stop.", Similarity: 0.91},
		{ChunkID: "k0", SourceFile: "kubernetes.md", ChunkIndex: 2, Text: "Pods are the smallest deployable unit.", Similarity: 0.84},
		{ChunkID: "a1", SourceFile: "docker.md", ChunkIndex: 1, Text: "Images are built from a Dockerfile.", Similarity: 0.80},
	})
}

func TestBuildContext(t *testing.T) {
	ctx, citeMap, files := BuildContext(plainSources())

	for _, want := range []string{
		"[1] Source: docker.md (chunk 0)",
		"[2] Source: kubernetes.md (chunk 2)",
		"[3] Source: docker.md (chunk 1)",
		"Relevance: 91.00%",
	} {
		if !strings.Contains(ctx, want) {
			t.Errorf("context missing %q:\n%s", want, ctx)
		}
	}

	if len(citeMap) != 3 {
		t.Fatalf("citation map has %d entries, want 3", len(citeMap))
	}
	if citeMap[2].ChunkID != "k0" || citeMap[2].Number != 2 {
		t.Errorf("entry 2 = %+v", citeMap[2])
	}
	if citeMap[1].RerankScore != nil {
		t.Error("plain sources should carry no rerank score")
	}

	// Distinct files in first-appearance order.
	if !reflect.DeepEqual(files, []string{"docker.md", "kubernetes.md"}) {
		t.Errorf("files = %v", files)
	}
}

func TestBuildContextWithRerank(t *testing.T) {
	sources := FromReranked([]models.RerankedResult{
		{
			SearchResult: models.SearchResult{ChunkID: "a0", SourceFile: "docker.md", Text: "text", Similarity: 0.9},
			RerankScore:  0.823,
			OriginalRank: 3,
			RerankedRank: 1,
			RankChange:   2,
		},
	})

	ctx, citeMap, _ := BuildContext(sources)
	if !strings.Contains(ctx, "rerank=0.823") || !strings.Contains(ctx, "rank_change=+2") {
		t.Errorf("rerank fields missing from context:\n%s", ctx)
	}
	e := citeMap[1]
	if e.RerankScore == nil || *e.RerankScore != 0.823 {
		t.Errorf("rerank score not carried: %+v", e)
	}
	if e.RankChange == nil || *e.RankChange != 2 {
		t.Errorf("rank change not carried: %+v", e)
	}
}

func TestBuildContextPreviewTruncation(t *testing.T) {
	long := strings.Repeat("x", 150)
	_, citeMap, _ := BuildContext([]Source{{ChunkID: "c", SourceFile: "f.md", Text: long}})
	got := citeMap[1].TextPreview
	if len(got) != previewLen+3 || !strings.HasSuffix(got, "...") {
		t.Errorf("preview = %q (len %d)", got, len(got))
	}
}

func TestPrompt(t *testing.T) {
	p := Prompt("How do I stop a container?", "[1] Source: docker.md\n...", 1)
	for _, want := range []string{
		"Context with 1 sources:",
		"Question: How do I stop a container?",
		"MUST cite",
		"[1] Source: docker.md",
	} {
		if !strings.Contains(p, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		answer      string
		numSources  int
		strict      bool
		wantValid   bool
		wantCited   []int
		wantMissing []int
		wantInvalid []int
		wantRate    float64
	}{
		{
			name:        "partial coverage lenient",
			answer:      "Use docker stop [1]. Pods group containers [3].",
			numSources:  3,
			wantValid:   true,
			wantCited:   []int{1, 3},
			wantMissing: []int{2},
			wantRate:    2.0 / 3.0,
		},
		{
			name:        "partial coverage strict",
			answer:      "Use docker stop [1]. Pods group containers [3].",
			numSources:  3,
			strict:      true,
			wantValid:   false,
			wantCited:   []int{1, 3},
			wantMissing: []int{2},
			wantRate:    2.0 / 3.0,
		},
		{
			name:        "no citations",
			answer:      "Use docker stop.",
			numSources:  2,
			wantValid:   false,
			wantMissing: []int{1, 2},
		},
		{
			name:        "invalid citation number",
			answer:      "See [1] and [5].",
			numSources:  2,
			wantValid:   false,
			wantCited:   []int{1},
			wantMissing: []int{2},
			wantInvalid: []int{5},
			wantRate:    0.5,
		},
		{
			name:        "full coverage strict",
			answer:      "First [1], then [2].",
			numSources:  2,
			strict:      true,
			wantValid:   true,
			wantCited:   []int{1, 2},
			wantRate:    1.0,
		},
		{
			name:       "zero sources",
			answer:     "No context was available.",
			numSources: 0,
			wantValid:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Validate(tt.answer, tt.numSources, tt.strict)
			if v.IsValid != tt.wantValid {
				t.Errorf("IsValid = %v, want %v", v.IsValid, tt.wantValid)
			}
			if !reflect.DeepEqual(v.Cited, tt.wantCited) {
				t.Errorf("Cited = %v, want %v", v.Cited, tt.wantCited)
			}
			if !reflect.DeepEqual(v.Missing, tt.wantMissing) {
				t.Errorf("Missing = %v, want %v", v.Missing, tt.wantMissing)
			}
			if !reflect.DeepEqual(v.Invalid, tt.wantInvalid) {
				t.Errorf("Invalid = %v, want %v", v.Invalid, tt.wantInvalid)
			}
			if math.Abs(v.CitationRate-tt.wantRate) > 1e-9 {
				t.Errorf("CitationRate = %f, want %f", v.CitationRate, tt.wantRate)
			}
		})
	}
}

func TestFormatSources(t *testing.T) {
	score := 0.9
	change := -1
	citeMap := map[int]models.CitationEntry{
		2: {Number: 2, SourceFile: "b.md", ChunkIndex: 0, Similarity: 0.8, TextPreview: "beta"},
		1: {Number: 1, SourceFile: "a.md", ChunkIndex: 3, Similarity: 0.9, TextPreview: "alpha", RerankScore: &score, RankChange: &change},
	}

	out := FormatSources(citeMap)
	first := strings.Index(out, "[1] a.md (chunk 3)")
	second := strings.Index(out, "[2] b.md (chunk 0)")
	if first < 0 || second < 0 || first > second {
		t.Fatalf("sources out of order:\n%s", out)
	}
	if !strings.Contains(out, "Rerank: 0.900 (-1)") {
		t.Errorf("rerank line missing:\n%s", out)
	}

	if FormatSources(nil) != "" {
		t.Error("empty map should format to empty string")
	}
}
