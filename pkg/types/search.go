package types

import (
	"fmt"
	"unicode/utf8"
)

const (
	// MaxQueryLength is the longest accepted query, in characters.
	MaxQueryLength = 1000
	// MaxTopK caps the number of results a single search may request.
	MaxTopK = 50
)

// SearchPath tags which retrieval path produced a result.
type SearchPath string

const (
	PathSemantic SearchPath = "semantic"
	PathKeyword  SearchPath = "keyword"
	PathHybrid   SearchPath = "hybrid"
)

// SearchType classifies a whole response.
type SearchType string

const (
	SearchTypeEmpty        SearchType = "empty"
	SearchTypeNoResults    SearchType = "no_results"
	SearchTypeKeywordOnly  SearchType = "keyword_only"
	SearchTypeSemanticOnly SearchType = "semantic_only"
	SearchTypeHybrid       SearchType = "hybrid"
	SearchTypeUnknown      SearchType = "unknown"
)

// HighlightSpan is a half-open [Start, End) character range in a result's content.
type HighlightSpan struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// SearchQuery is one search request.
//
// TopK of zero and a nil Threshold select the engine defaults.
type SearchQuery struct {
	Query           string            `json:"query"`
	Identity        string            `json:"user_id,omitempty"`
	TopK            int               `json:"top_k,omitempty"`
	Threshold       *float64          `json:"similarity_threshold,omitempty"`
	Filters         map[string]string `json:"filters,omitempty"`
	IncludeMetadata bool              `json:"include_metadata"`
}

// Validate checks bounds. An empty query is valid.
func (q *SearchQuery) Validate() error {
	if n := utf8.RuneCountInString(q.Query); n > MaxQueryLength {
		return fmt.Errorf("%w: %d characters (max %d)", ErrQueryTooLong, n, MaxQueryLength)
	}
	if q.TopK < 0 || q.TopK > MaxTopK {
		return fmt.Errorf("%w: %d (must be 1-%d)", ErrInvalidTopK, q.TopK, MaxTopK)
	}
	if q.Threshold != nil && (*q.Threshold < 0 || *q.Threshold > 1) {
		return fmt.Errorf("%w: %v", ErrInvalidThreshold, *q.Threshold)
	}
	return nil
}

// SearchResult is one ranked chunk.
type SearchResult struct {
	ChunkID         string          `json:"chunk_id"`
	DocumentID      string          `json:"document_id"`
	Content         string          `json:"content"`
	SimilarityScore float64         `json:"similarity_score"`
	ChunkIndex      int             `json:"chunk_index"`
	SearchPath      SearchPath      `json:"search_type"`
	Highlights      []HighlightSpan `json:"highlights"`
	Metadata        map[string]any  `json:"metadata,omitempty"`

	// CombinedScore is nil until fusion assigns it.
	CombinedScore *float64 `json:"combined_score,omitempty"`
}

// Score returns CombinedScore or zero.
func (r *SearchResult) Score() float64 {
	if r.CombinedScore == nil {
		return 0
	}
	return *r.CombinedScore
}

// SearchResponse is the ranked answer to a SearchQuery. Results are sorted
// by descending combined score with ties broken by ascending chunk ID.
type SearchResponse struct {
	Query            string            `json:"query"`
	Results          []SearchResult    `json:"results"`
	TotalResults     int               `json:"total_results"`
	ProcessingTimeMS float64           `json:"processing_time_ms"`
	SearchType       SearchType        `json:"search_type"`
	FiltersApplied   map[string]string `json:"filters_applied"`
	Cached           bool              `json:"cached,omitempty"`
}
