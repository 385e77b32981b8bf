// Package mcp implements the Model Context Protocol (MCP) server for kbsearch.
//
// The server exposes the knowledge base to MCP clients through these tools:
//   - search_knowledge: hybrid semantic and keyword search
//   - index_document: add a plain-text document
//   - delete_document: remove a document and everything derived from it
//   - get_search_history: a user's recent queries
//   - get_popular_searches: most frequent queries across users
//   - get_rate_limit_status: configured limits and one caller's window
//   - get_status: corpus statistics, cache state and storage build mode
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// Stdout carries protocol messages only. Logs go to stderr.
//
// # Basic Usage
//
//	kbsearch serve
//
// # Tool: search_knowledge
//
//	Request:
//	{
//	  "name": "search_knowledge",
//	  "arguments": {
//	    "query": "ERP implementation",
//	    "top_k": 5,
//	    "filters": {"language": "en"},
//	    "user_id": "alice"
//	  }
//	}
//
//	Response:
//	{
//	  "query": "ERP implementation",
//	  "results": [
//	    {
//	      "chunk_id": "6f1c...",
//	      "document_id": "a03e...",
//	      "content": "ERP implementation requires careful planning.",
//	      "similarity_score": 1,
//	      "combined_score": 0.895,
//	      "search_type": "hybrid",
//	      "highlights": [{"start": 0, "end": 3}, {"start": 4, "end": 18}],
//	      "metadata": {"document_filename": "erp.txt", "language": "en"}
//	    }
//	  ],
//	  "total_results": 1,
//	  "search_type": "hybrid",
//	  "filters_applied": {"language": "en"},
//	  "cached": false
//	}
//
// # Error Codes
//
//   - -32602: Invalid parameters (bad query, top_k, threshold or document)
//   - -32001: Document not found
//   - -32002: Another document is being indexed
//   - -32005: Rate limit exceeded; data carries retry_after_seconds
//   - -32603: Internal error. Details are logged, never returned.
package mcp
