package models

import "time"

// File types recognized by the indexing pipeline. Anything else is stored
// under its lowercased extension.
const (
	FileTypeText     = "text"
	FileTypeMarkdown = "markdown"
	FileTypeCode     = "code"
)

// Chunk is a token-windowed slice of a source document.
type Chunk struct {
	ID         string            `json:"chunk_id"`
	Text       string            `json:"text"`
	SourceFile string            `json:"source_file"`
	FileType   string            `json:"file_type"`
	Index      int               `json:"chunk_index"`
	StartToken int               `json:"start_token"`
	EndToken   int               `json:"end_token"`
	TokenCount int               `json:"token_count"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SearchResult is one scored passage returned by a vector store search.
// It is transient; nothing persists it.
type SearchResult struct {
	ChunkID    string            `json:"chunk_id"`
	SourceFile string            `json:"source_file"`
	FileType   string            `json:"file_type"`
	Text       string            `json:"text"`
	ChunkIndex int               `json:"chunk_index"`
	TokenCount int               `json:"token_count"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Similarity float64           `json:"similarity"`
	CreatedAt  time.Time         `json:"created_at"`
}

// RerankedResult is a SearchResult after second-stage cross-encoder scoring.
// Ranks are 1-based; RankChange is positive when the passage moved up.
type RerankedResult struct {
	SearchResult
	RerankScore  float64 `json:"rerank_score"`
	OriginalRank int     `json:"original_rank"`
	RerankedRank int     `json:"reranked_rank"`
	RankChange   int     `json:"rank_change"`
}

// CitationEntry describes one numbered source placed into a generation
// prompt. Rerank fields are set only when the passage went through the
// reranker.
type CitationEntry struct {
	Number      int      `json:"citation_number"`
	SourceFile  string   `json:"source_file"`
	ChunkID     string   `json:"chunk_id"`
	ChunkIndex  int      `json:"chunk_index"`
	Similarity  float64  `json:"similarity"`
	TextPreview string   `json:"text_preview"`
	RerankScore *float64 `json:"rerank_score,omitempty"`
	RankChange  *int     `json:"rank_change,omitempty"`
}

// CitationValidation reports how well an answer covered the offered
// sources. It is advisory metadata, never a gate on returning the answer.
type CitationValidation struct {
	IsValid      bool    `json:"is_valid"`
	HasCitations bool    `json:"has_citations"`
	AllCited     bool    `json:"all_cited"`
	NoInvalid    bool    `json:"no_invalid"`
	CitationRate float64 `json:"citation_rate"`
	NumSources   int     `json:"num_sources"`
	Cited        []int   `json:"cited"`
	Missing      []int   `json:"missing"`
	Invalid      []int   `json:"invalid"`
}

// QueryResponse is the result of one answer-generation mode. Chunks holds
// the passages placed into the prompt; Reranked is populated instead of
// Chunks when the mode went through the reranker.
type QueryResponse struct {
	Answer      string              `json:"answer"`
	Mode        string              `json:"mode"`
	TokensUsed  int                 `json:"tokens_used"`
	Chunks      []SearchResult      `json:"chunks_used,omitempty"`
	Reranked    []RerankedResult    `json:"reranked_used,omitempty"`
	SourceFiles []string            `json:"source_files"`
	Citations   []CitationEntry     `json:"citations,omitempty"`
	Validation  *CitationValidation `json:"citation_validation,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// RerankImprovement summarizes the effect of reranking inside a comparison.
type RerankImprovement struct {
	AvgSimilarityBefore float64 `json:"avg_similarity_before"`
	AvgRerankScoreAfter float64 `json:"avg_rerank_score_after"`
	ChunksImproved      int     `json:"chunks_improved_rank"`
	ChunksWorsened      int     `json:"chunks_worsened_rank"`
}

// Comparison holds two query responses produced from one shared retrieval.
type Comparison struct {
	Question    string             `json:"question"`
	Baseline    QueryResponse      `json:"baseline"`
	Candidate   QueryResponse      `json:"candidate"`
	Improvement *RerankImprovement `json:"improvement,omitempty"`
}

// FileStats is the per-source-file slice of the index statistics.
type FileStats struct {
	Name   string `json:"name"`
	Chunks int    `json:"chunks"`
	Tokens int    `json:"tokens"`
}

// Stats describes the state of the vector store. IndexSize can exceed
// TotalChunks after deletions; see the store documentation.
type Stats struct {
	TotalChunks int            `json:"total_chunks"`
	TotalTokens int            `json:"total_tokens"`
	TotalFiles  int            `json:"total_files"`
	Files       []FileStats    `json:"files"`
	FileTypes   map[string]int `json:"file_types"`
	IndexSize   int            `json:"index_size"`
	Dimension   int            `json:"dimension"`
}
