package searcher

import (
	"sort"

	"github.com/dshills/kbsearch-mcp/pkg/types"
)

// Weights scale each path's similarity into the combined score. With both
// weights non-negative and summing to at most 1, combined scores stay in
// [0,1].
type Weights struct {
	Semantic float64
	Keyword  float64
}

// DefaultWeights favors semantic similarity 0.7 to 0.3.
func DefaultWeights() Weights {
	return Weights{Semantic: 0.7, Keyword: 0.3}
}

// Fuse merges semantic and keyword candidates by chunk ID. Semantic results
// enter first with combined = similarity * w.Semantic. A keyword hit on a
// chunk already present adds similarity * w.Keyword, becomes hybrid and
// contributes its highlights. Other keyword hits enter with combined =
// similarity * w.Keyword. Results are sorted by combined score descending,
// then chunk ID ascending, and truncated to topK when topK > 0. The second
// return value is the candidate count before truncation.
func Fuse(semantic, keyword []types.SearchResult, w Weights, topK int) ([]types.SearchResult, int) {
	byID := make(map[string]*types.SearchResult, len(semantic)+len(keyword))
	order := make([]string, 0, len(semantic)+len(keyword))

	for i := range semantic {
		r := semantic[i]
		if _, dup := byID[r.ChunkID]; dup {
			continue
		}
		score := r.SimilarityScore * w.Semantic
		r.CombinedScore = &score
		r.SearchPath = types.PathSemantic
		r.Highlights = MergeSpans(r.Highlights)
		r.Metadata = copyMetadata(r.Metadata)
		byID[r.ChunkID] = &r
		order = append(order, r.ChunkID)
	}

	seenKeyword := make(map[string]struct{}, len(keyword))
	for i := range keyword {
		kw := keyword[i]
		if _, dup := seenKeyword[kw.ChunkID]; dup {
			continue
		}
		seenKeyword[kw.ChunkID] = struct{}{}

		if existing, ok := byID[kw.ChunkID]; ok {
			score := existing.Score() + kw.SimilarityScore*w.Keyword
			existing.CombinedScore = &score
			existing.SearchPath = types.PathHybrid
			existing.Highlights = MergeSpans(append(existing.Highlights, kw.Highlights...))
			for k, v := range kw.Metadata {
				if _, set := existing.Metadata[k]; !set {
					if existing.Metadata == nil {
						existing.Metadata = make(map[string]any, len(kw.Metadata))
					}
					existing.Metadata[k] = v
				}
			}
			continue
		}

		score := kw.SimilarityScore * w.Keyword
		kw.CombinedScore = &score
		kw.SearchPath = types.PathKeyword
		kw.Highlights = MergeSpans(kw.Highlights)
		kw.Metadata = copyMetadata(kw.Metadata)
		byID[kw.ChunkID] = &kw
		order = append(order, kw.ChunkID)
	}

	results := make([]types.SearchResult, 0, len(order))
	for _, id := range order {
		results = append(results, *byID[id])
	}
	sort.SliceStable(results, func(i, j int) bool {
		si, sj := results[i].Score(), results[j].Score()
		if si != sj {
			return si > sj
		}
		return results[i].ChunkID < results[j].ChunkID
	})

	total := len(results)
	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, total
}

func copyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
