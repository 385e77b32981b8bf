// Package searcher implements hybrid search over the indexed knowledge base.
//
// Each query runs two retrieval paths concurrently:
//
//   - Semantic: the query is embedded and the nearest chunk vectors are
//     fetched. Similarity is 1 - cosine distance, clamped to [0,1], and
//     candidates under the similarity threshold are dropped.
//   - Keyword: the lower-cased query words are matched as substrings of
//     chunk content. Similarity is the fraction of distinct words found.
//
// The candidates are fused by chunk ID with weighted scores (0.7 semantic,
// 0.3 keyword by default). A chunk found by both paths is labeled hybrid
// and its score is the sum of both contributions.
//
// # Basic Usage
//
//	provider := searcher.NewEmbeddingProvider(emb, store)
//	engine, err := searcher.New(provider, store,
//	    searcher.WithLimiter(limiter),
//	    searcher.WithCache(cacheManager),
//	    searcher.WithHistory(store),
//	)
//	if err != nil {
//	    return err
//	}
//	defer engine.Close()
//
//	resp, err := engine.Search(ctx, types.SearchQuery{
//	    Query:    "ERP implementation",
//	    Identity: "alice",
//	    TopK:     5,
//	})
//
// # Failure Handling
//
// When one path fails the search degrades to the other path and the
// response is not cached. When both fail Search returns a *SearchError.
// A caller over its search_per_user window gets a *RateLimitExceeded
// carrying the retry delay.
//
// History writes run on a bounded worker pool and never block a search. A
// write that cannot be scheduled is logged and dropped.
package searcher
