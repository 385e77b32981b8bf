package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/kbsearch-mcp/internal/ratelimit"
	"github.com/dshills/kbsearch-mcp/internal/storage"
	"github.com/dshills/kbsearch-mcp/pkg/types"
)

// searchKnowledgeTool returns the tool definition for search_knowledge
func searchKnowledgeTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_knowledge",
		Description: "Search the knowledge base with a natural language or keyword query. Combines semantic similarity with keyword matching.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Search query. Whitespace-only queries return an empty result.",
					"maxLength":   types.MaxQueryLength,
				},
				"top_k": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of results to return",
					"default":     10,
					"minimum":     1,
					"maximum":     types.MaxTopK,
				},
				"similarity_threshold": map[string]interface{}{
					"type":        "number",
					"description": "Minimum semantic similarity for a chunk to be returned (0.0-1.0)",
					"minimum":     0.0,
					"maximum":     1.0,
				},
				"filters": map[string]interface{}{
					"type":        "object",
					"description": "Optional filters to narrow search",
					"properties": map[string]interface{}{
						storage.FilterDocumentID: map[string]interface{}{
							"type":        "string",
							"description": "Only search chunks of this document",
						},
						storage.FilterLanguage: map[string]interface{}{
							"type":        "string",
							"description": "Only search chunks in this language (en, ja, zh, ko)",
						},
						storage.FilterSourceType: map[string]interface{}{
							"type":        "string",
							"description": "Only search documents of this source type (e.g. pdf, txt)",
						},
					},
				},
				"include_metadata": map[string]interface{}{
					"type":        "boolean",
					"description": "Attach the parent document's filename, language, source and creation time to each result",
					"default":     true,
				},
				"user_id": map[string]interface{}{
					"type":        "string",
					"description": "Caller identity used for rate limiting and search history",
				},
			},
			Required: []string{"query"},
		},
	}
}

// indexDocumentTool returns the tool definition for index_document
func indexDocumentTool() mcp.Tool {
	return mcp.Tool{
		Name:        "index_document",
		Description: "Add a plain-text document to the knowledge base. Identical content is detected and not stored twice.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"filename": map[string]interface{}{
					"type":        "string",
					"description": "Name the document is listed under",
				},
				"content": map[string]interface{}{
					"type":        "string",
					"description": "Document text (UTF-8)",
				},
				"source_type": map[string]interface{}{
					"type":        "string",
					"description": "Origin of the text, e.g. txt, md, pdf",
					"default":     "text",
				},
				"user_id": map[string]interface{}{
					"type":        "string",
					"description": "Caller identity used for upload rate limiting",
				},
			},
			Required: []string{"filename", "content"},
		},
	}
}

// deleteDocumentTool returns the tool definition for delete_document
func deleteDocumentTool() mcp.Tool {
	return mcp.Tool{
		Name:        "delete_document",
		Description: "Remove a document with its chunks and embeddings",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"document_id": map[string]interface{}{
					"type":        "string",
					"description": "ID returned by index_document",
				},
			},
			Required: []string{"document_id"},
		},
	}
}

func searchHistoryTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_search_history",
		Description: "List a user's recent searches, newest first",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"user_id": map[string]interface{}{
					"type":        "string",
					"description": "User whose history to return",
				},
				"limit": map[string]interface{}{
					"type":    "integer",
					"default": defaultHistoryLimit,
					"minimum": 1,
					"maximum": maxListLimit,
				},
				"offset": map[string]interface{}{
					"type":    "integer",
					"default": 0,
					"minimum": 0,
				},
			},
			Required: []string{"user_id"},
		},
	}
}

func popularSearchesTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_popular_searches",
		Description: "List the most frequent queries across all users",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"limit": map[string]interface{}{
					"type":    "integer",
					"default": defaultPopularLimit,
					"minimum": 1,
					"maximum": maxListLimit,
				},
			},
		},
	}
}

func rateLimitStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_rate_limit_status",
		Description: "Report configured rate limits and, optionally, one caller's current window without consuming a request",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"limit_type": map[string]interface{}{
					"type":        "string",
					"description": "Limit to inspect",
					"enum":        []string{ratelimit.SearchPerUser, ratelimit.UploadPerUser, ratelimit.APIPerIP, ratelimit.GlobalAPI},
				},
				"identifier": map[string]interface{}{
					"type":        "string",
					"description": "User ID or IP address the window belongs to",
				},
			},
		},
	}
}

// getStatusTool returns the tool definition for get_status
func getStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_status",
		Description: "Report knowledge base statistics, cache state and storage build mode",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}
