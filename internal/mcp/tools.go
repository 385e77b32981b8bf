package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/kbsearch-mcp/internal/indexer"
	"github.com/dshills/kbsearch-mcp/internal/searcher"
	kberr "github.com/dshills/kbsearch-mcp/pkg/errors"
	"github.com/dshills/kbsearch-mcp/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams      = -32602 // Invalid method parameters
	ErrorCodeInternalError      = -32603 // Internal JSON-RPC error
	ErrorCodeNotFound           = -32001 // Document or other entity does not exist
	ErrorCodeIndexingInProgress = -32002 // Another indexing operation is already running
	ErrorCodeRateLimited        = -32005 // Caller exceeded a rate limit
)

const (
	defaultHistoryLimit = 50
	defaultPopularLimit = 20
	maxListLimit        = 100
)

// handleSearchKnowledge handles the search_knowledge tool invocation
func (s *Server) handleSearchKnowledge(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	query, ok := args["query"].(string)
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "query parameter is required", map[string]interface{}{
			"param":  "query",
			"reason": "missing or not a string",
		})
	}

	q := types.SearchQuery{
		Query:           query,
		Identity:        getStringDefault(args, "user_id", ""),
		TopK:            getIntDefault(args, "top_k", 0),
		IncludeMetadata: getBoolDefault(args, "include_metadata", true),
	}
	if v, ok := args["similarity_threshold"].(float64); ok {
		q.Threshold = &v
	}
	if raw, ok := args["filters"].(map[string]interface{}); ok {
		q.Filters = make(map[string]string, len(raw))
		for k, v := range raw {
			if str, ok := v.(string); ok && str != "" {
				q.Filters[k] = str
			}
		}
	}

	resp, err := s.engine.Search(ctx, q)
	if err != nil {
		return nil, s.toMCPError("search_knowledge", err)
	}

	return mcp.NewToolResultText(formatJSON(resp)), nil
}

// handleIndexDocument handles the index_document tool invocation
func (s *Server) handleIndexDocument(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	filename, ok := args["filename"].(string)
	if !ok || strings.TrimSpace(filename) == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "filename parameter is required", map[string]interface{}{
			"param":  "filename",
			"reason": "missing or empty",
		})
	}
	content, ok := args["content"].(string)
	if !ok || strings.TrimSpace(content) == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "content parameter is required", map[string]interface{}{
			"param":  "content",
			"reason": "missing or empty",
		})
	}

	if userID := getStringDefault(args, "user_id", ""); userID != "" && s.limiter != nil {
		if allowed, info := s.limiter.CheckUpload(userID); !allowed {
			return nil, s.toMCPError("index_document", &searcher.RateLimitExceeded{
				LimitType:  info.LimitType,
				Identifier: userID,
				RetryAfter: info.RetryAfter,
				Info:       info,
			})
		}
	}

	result, err := s.indexer.IndexDocument(ctx, indexer.Document{
		Filename:   filename,
		SourceType: getStringDefault(args, "source_type", ""),
		Text:       content,
	})
	if err != nil {
		return nil, s.toMCPError("index_document", err)
	}

	response := map[string]interface{}{
		"document_id":     result.DocumentID,
		"filename":        result.Filename,
		"language":        result.Language,
		"chunk_count":     result.ChunkCount,
		"embedded_chunks": result.EmbeddedChunks,
		"duplicate":       result.Duplicate,
		"duration_ms":     result.Duration.Milliseconds(),
	}
	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleDeleteDocument handles the delete_document tool invocation
func (s *Server) handleDeleteDocument(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	id, ok := args["document_id"].(string)
	if !ok || id == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "document_id parameter is required", map[string]interface{}{
			"param":  "document_id",
			"reason": "missing or empty",
		})
	}

	if err := s.indexer.DeleteDocument(ctx, id); err != nil {
		return nil, s.toMCPError("delete_document", err)
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"deleted":     true,
		"document_id": id,
	})), nil
}

func (s *Server) handleSearchHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	userID, ok := args["user_id"].(string)
	if !ok || userID == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "user_id parameter is required", map[string]interface{}{
			"param":  "user_id",
			"reason": "missing or empty",
		})
	}
	limit, err := listLimit(args, defaultHistoryLimit)
	if err != nil {
		return nil, err
	}
	offset := getIntDefault(args, "offset", 0)
	if offset < 0 {
		return nil, newMCPError(ErrorCodeInvalidParams, "offset must not be negative", map[string]interface{}{
			"param": "offset",
			"value": offset,
		})
	}

	entries, err := s.engine.SearchHistory(ctx, userID, limit, offset)
	if err != nil {
		return nil, s.toMCPError("get_search_history", err)
	}
	if entries == nil {
		entries = []types.HistoryEntry{}
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"user_id": userID,
		"count":   len(entries),
		"history": entries,
	})), nil
}

func (s *Server) handlePopularSearches(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	limit, err := listLimit(args, defaultPopularLimit)
	if err != nil {
		return nil, err
	}

	popular, err := s.engine.PopularSearches(ctx, limit)
	if err != nil {
		return nil, s.toMCPError("get_popular_searches", err)
	}
	if popular == nil {
		popular = []types.PopularSearch{}
	}

	return mcp.NewToolResultText(formatJSON(map[string]interface{}{
		"count":    len(popular),
		"searches": popular,
	})), nil
}

func (s *Server) handleRateLimitStatus(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, err := arguments(request)
	if err != nil {
		return nil, err
	}

	if s.limiter == nil {
		return mcp.NewToolResultText(formatJSON(map[string]interface{}{"enabled": false})), nil
	}

	response := map[string]interface{}{
		"enabled": true,
		"stats":   s.limiter.Stats(),
	}

	limitType := getStringDefault(args, "limit_type", "")
	identifier := getStringDefault(args, "identifier", "")
	if limitType != "" && identifier != "" {
		info, ok := s.limiter.Usage(limitType, identifier)
		if !ok {
			return nil, newMCPError(ErrorCodeInvalidParams, "unknown limit_type", map[string]interface{}{
				"param": "limit_type",
				"value": limitType,
			})
		}
		response["usage"] = map[string]interface{}{
			"limit_type":     info.LimitType,
			"identifier":     info.Identifier,
			"current_count":  info.CurrentCount,
			"limit":          info.Limit,
			"window_seconds": info.Window.Seconds(),
			"remaining":      info.Remaining,
		}
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleGetStatus handles the get_status tool invocation
func (s *Server) handleGetStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, s.toMCPError("get_status", err)
	}

	response := map[string]interface{}{
		"statistics": map[string]interface{}{
			"documents_count":  stats.DocumentsCount,
			"chunks_count":     stats.ChunksCount,
			"embeddings_count": stats.EmbeddingsCount,
			"history_count":    stats.HistoryCount,
			"database_size_mb": fmt.Sprintf("%.2f", stats.DatabaseSizeMB),
		},
		"storage": map[string]interface{}{
			"build_mode":       stats.BuildMode,
			"vector_extension": stats.VectorExtension,
		},
		"indexing": s.indexer.Busy(),
	}
	if !stats.LastIndexedAt.IsZero() {
		response["last_indexed_at"] = stats.LastIndexedAt.UTC().Format(time.RFC3339)
	}
	if s.cache != nil {
		response["cache"] = s.cache.Stats(ctx)
	}
	if s.monitor != nil {
		response["performance"] = s.monitor.Snapshot(s.slowLimit)
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// Helper functions

// toMCPError maps domain errors to protocol errors. Unexpected failures are
// logged and reported without their internal text.
func (s *Server) toMCPError(tool string, err error) error {
	var limited *searcher.RateLimitExceeded
	switch {
	case errors.As(err, &limited):
		return newMCPError(ErrorCodeRateLimited, "rate limit exceeded", map[string]interface{}{
			"limit_type":          limited.LimitType,
			"retry_after_seconds": limited.RetryAfterSeconds(),
		})
	case kberr.IsInvalidInput(err):
		// Validation messages describe the caller's own input.
		return newMCPError(ErrorCodeInvalidParams, "invalid parameters", map[string]interface{}{
			"reason": err.Error(),
		})
	case kberr.IsNotFound(err):
		return newMCPError(ErrorCodeNotFound, "not found", nil)
	case kberr.IsConflict(err):
		return newMCPError(ErrorCodeIndexingInProgress, "indexing already in progress", nil)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn().Err(err).Str("tool", tool).Msg("tool call cancelled")
		return newMCPError(ErrorCodeInternalError, "request cancelled", nil)
	}

	s.logger.Error().
		Err(err).
		Str("tool", tool).
		Str("code", string(kberr.CodeOf(err))).
		Msg("tool call failed")
	return newMCPError(ErrorCodeInternalError, "internal error", nil)
}

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	// MCP errors are returned as regular errors, the framework handles encoding
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

func arguments(request mcp.CallToolRequest) (map[string]interface{}, error) {
	if request.Params.Arguments == nil {
		return map[string]interface{}{}, nil
	}
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}
	return args, nil
}

func listLimit(args map[string]interface{}, defaultValue int) (int, error) {
	limit := getIntDefault(args, "limit", defaultValue)
	if limit < 1 || limit > maxListLimit {
		return 0, newMCPError(ErrorCodeInvalidParams, fmt.Sprintf("limit must be between 1 and %d", maxListLimit), map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}
	return limit, nil
}

// formatJSON formats a value as indented JSON
func formatJSON(data interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}
