// Package types provides shared type definitions for the kbsearch MCP server.
//
// Document and Chunk describe the ingested corpus. SearchQuery,
// SearchResult and SearchResponse are the request and answer shapes of the
// hybrid search engine; they serialize to the JSON returned by the MCP tools.
//
// A result carries the path that produced it:
//
//	PathSemantic  vector similarity only
//	PathKeyword   substring keyword match only
//	PathHybrid    both paths matched the same chunk
//
// and a response carries a SearchType summarising all results
// (empty, no_results, keyword_only, semantic_only, hybrid).
//
// Highlight spans are half-open character (rune) offsets into
// SearchResult.Content, sorted and non-overlapping:
//
//	content := "ERP implementation requires careful planning."
//	// query "erp planning" highlights [{0 3} {36 44}]
package types
