package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/kbsearch-mcp/internal/cache"
	"github.com/dshills/kbsearch-mcp/internal/config"
	"github.com/dshills/kbsearch-mcp/internal/embedder"
	"github.com/dshills/kbsearch-mcp/internal/indexer"
	"github.com/dshills/kbsearch-mcp/internal/metrics"
	"github.com/dshills/kbsearch-mcp/internal/ratelimit"
	"github.com/dshills/kbsearch-mcp/internal/searcher"
	"github.com/dshills/kbsearch-mcp/internal/storage"
)

const erpText = `ERP implementation requires careful planning.
Change management is critical for ERP deployment.
Budget reviews happen quarterly.`

func setupTestServer(t *testing.T, limits map[string]ratelimit.Limit) *Server {
	t.Helper()

	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	emb, err := embedder.NewLocalProvider(nil)
	require.NoError(t, err)

	mgr := cache.NewManager(cache.NewMemoryStore(100))
	t.Cleanup(func() { _ = mgr.Close() })

	monitor := metrics.New()

	var limiter *ratelimit.Limiter
	opts := []searcher.Option{searcher.WithHistory(store), searcher.WithCache(mgr), searcher.WithMonitor(monitor)}
	if limits != nil {
		limiter = ratelimit.New(limits)
		t.Cleanup(limiter.Close)
		opts = append(opts, searcher.WithLimiter(limiter))
	}

	engine, err := searcher.New(searcher.NewEmbeddingProvider(emb, store), store, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	idx := indexer.New(store, emb, config.IngestConfig{ChunkSize: 60, ChunkOverlap: 10}, indexer.WithCache(mgr), indexer.WithMonitor(monitor))

	deps := Deps{Store: store, Engine: engine, Indexer: idx, Limiter: limiter, Cache: mgr, Monitor: monitor}
	s, err := NewServer(deps, WithVersion("test"))
	require.NoError(t, err)
	return s
}

func callTool(name string, args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func decodeResult(t *testing.T, res *mcp.CallToolResult) map[string]interface{} {
	t.Helper()
	require.NotNil(t, res)
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func requireMCPError(t *testing.T, err error, code int) *MCPError {
	t.Helper()
	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, code, mcpErr.Code)
	return mcpErr
}

func indexERP(t *testing.T, s *Server) string {
	t.Helper()
	res, err := s.handleIndexDocument(context.Background(), callTool("index_document", map[string]interface{}{
		"filename": "erp.txt",
		"content":  erpText,
	}))
	require.NoError(t, err)
	out := decodeResult(t, res)
	id, _ := out["document_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestNewServer_RequiresDeps(t *testing.T) {
	_, err := NewServer(Deps{})
	require.Error(t, err)
}

func TestServer_RegistersTools(t *testing.T) {
	s := setupTestServer(t, nil)

	msg := s.mcp.HandleMessage(context.Background(), json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	for _, name := range []string{
		"search_knowledge", "index_document", "delete_document",
		"get_search_history", "get_popular_searches", "get_rate_limit_status", "get_status",
	} {
		assert.Contains(t, string(raw), `"`+name+`"`)
	}
}

func TestServer_IndexAndSearch(t *testing.T) {
	s := setupTestServer(t, nil)
	ctx := context.Background()
	docID := indexERP(t, s)

	res, err := s.handleSearchKnowledge(ctx, callTool("search_knowledge", map[string]interface{}{
		"query": "ERP implementation",
		"top_k": float64(5),
	}))
	require.NoError(t, err)
	out := decodeResult(t, res)

	results, ok := out["results"].([]interface{})
	require.True(t, ok)
	require.NotEmpty(t, results)

	first := results[0].(map[string]interface{})
	assert.Contains(t, first["content"], "ERP implementation")
	assert.Equal(t, docID, first["document_id"])
	metadata := first["metadata"].(map[string]interface{})
	assert.Equal(t, "erp.txt", metadata["document_filename"])
	assert.Contains(t, []interface{}{"keyword_only", "hybrid"}, out["search_type"])

	res, err = s.handleSearchKnowledge(ctx, callTool("search_knowledge", map[string]interface{}{"query": "   "}))
	require.NoError(t, err)
	assert.Equal(t, "empty", decodeResult(t, res)["search_type"])
}

func TestServer_IndexDuplicate(t *testing.T) {
	s := setupTestServer(t, nil)
	first := indexERP(t, s)

	res, err := s.handleIndexDocument(context.Background(), callTool("index_document", map[string]interface{}{
		"filename": "copy.txt",
		"content":  erpText,
	}))
	require.NoError(t, err)
	out := decodeResult(t, res)
	assert.Equal(t, true, out["duplicate"])
	assert.Equal(t, first, out["document_id"])
}

func TestServer_InvalidParams(t *testing.T) {
	s := setupTestServer(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"search without query", func() error {
			_, err := s.handleSearchKnowledge(ctx, callTool("search_knowledge", map[string]interface{}{}))
			return err
		}},
		{"search top_k too large", func() error {
			_, err := s.handleSearchKnowledge(ctx, callTool("search_knowledge", map[string]interface{}{"query": "erp", "top_k": float64(500)}))
			return err
		}},
		{"search threshold out of range", func() error {
			_, err := s.handleSearchKnowledge(ctx, callTool("search_knowledge", map[string]interface{}{"query": "erp", "similarity_threshold": 1.5}))
			return err
		}},
		{"index without content", func() error {
			_, err := s.handleIndexDocument(ctx, callTool("index_document", map[string]interface{}{"filename": "a.txt"}))
			return err
		}},
		{"index punctuation only", func() error {
			_, err := s.handleIndexDocument(ctx, callTool("index_document", map[string]interface{}{"filename": "a.txt", "content": "@@@ ### $$$"}))
			return err
		}},
		{"delete without id", func() error {
			_, err := s.handleDeleteDocument(ctx, callTool("delete_document", nil))
			return err
		}},
		{"history limit", func() error {
			_, err := s.handleSearchHistory(ctx, callTool("get_search_history", map[string]interface{}{"user_id": "alice", "limit": float64(0)}))
			return err
		}},
		{"history offset", func() error {
			_, err := s.handleSearchHistory(ctx, callTool("get_search_history", map[string]interface{}{"user_id": "alice", "offset": float64(-1)}))
			return err
		}},
		{"popular limit", func() error {
			_, err := s.handlePopularSearches(ctx, callTool("get_popular_searches", map[string]interface{}{"limit": float64(101)}))
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireMCPError(t, tt.call(), ErrorCodeInvalidParams)
		})
	}
}

func TestServer_DeleteDocument(t *testing.T) {
	s := setupTestServer(t, nil)
	ctx := context.Background()
	docID := indexERP(t, s)

	_, err := s.handleDeleteDocument(ctx, callTool("delete_document", map[string]interface{}{"document_id": "missing"}))
	requireMCPError(t, err, ErrorCodeNotFound)

	res, err := s.handleDeleteDocument(ctx, callTool("delete_document", map[string]interface{}{"document_id": docID}))
	require.NoError(t, err)
	assert.Equal(t, true, decodeResult(t, res)["deleted"])

	res, err = s.handleSearchKnowledge(ctx, callTool("search_knowledge", map[string]interface{}{"query": "ERP"}))
	require.NoError(t, err)
	assert.Equal(t, "no_results", decodeResult(t, res)["search_type"])
}

func TestServer_SearchRateLimited(t *testing.T) {
	s := setupTestServer(t, map[string]ratelimit.Limit{
		ratelimit.SearchPerUser: {Requests: 1, Window: time.Minute},
	})
	ctx := context.Background()
	args := map[string]interface{}{"query": "erp", "user_id": "alice"}

	_, err := s.handleSearchKnowledge(ctx, callTool("search_knowledge", args))
	require.NoError(t, err)

	_, err = s.handleSearchKnowledge(ctx, callTool("search_knowledge", args))
	mcpErr := requireMCPError(t, err, ErrorCodeRateLimited)
	data := mcpErr.Data.(map[string]interface{})
	assert.Equal(t, ratelimit.SearchPerUser, data["limit_type"])
	assert.GreaterOrEqual(t, data["retry_after_seconds"], 1)

	_, err = s.handleSearchKnowledge(ctx, callTool("search_knowledge", map[string]interface{}{"query": "erp", "user_id": "bob"}))
	assert.NoError(t, err, "limits are per user")
}

func TestServer_UploadRateLimited(t *testing.T) {
	s := setupTestServer(t, map[string]ratelimit.Limit{
		ratelimit.UploadPerUser: {Requests: 1, Window: time.Hour},
	})
	ctx := context.Background()

	_, err := s.handleIndexDocument(ctx, callTool("index_document", map[string]interface{}{
		"filename": "a.txt", "content": erpText, "user_id": "alice",
	}))
	require.NoError(t, err)

	_, err = s.handleIndexDocument(ctx, callTool("index_document", map[string]interface{}{
		"filename": "b.txt", "content": "Another document about budgets.", "user_id": "alice",
	}))
	requireMCPError(t, err, ErrorCodeRateLimited)
}

func TestServer_HistoryAndPopular(t *testing.T) {
	s := setupTestServer(t, nil)
	ctx := context.Background()
	indexERP(t, s)

	// The third call differs in top_k so it misses the response cache;
	// cache hits are not recorded.
	calls := []map[string]interface{}{
		{"query": "ERP implementation", "user_id": "alice"},
		{"query": "budget", "user_id": "alice"},
		{"query": "ERP  implementation", "user_id": "alice", "top_k": float64(3)},
	}
	for _, args := range calls {
		_, err := s.handleSearchKnowledge(ctx, callTool("search_knowledge", args))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		res, err := s.handleSearchHistory(ctx, callTool("get_search_history", map[string]interface{}{"user_id": "alice"}))
		if err != nil {
			return false
		}
		return decodeResult(t, res)["count"] == float64(3)
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		res, err := s.handlePopularSearches(ctx, callTool("get_popular_searches", nil))
		if err != nil {
			return false
		}
		searches, _ := decodeResult(t, res)["searches"].([]interface{})
		if len(searches) == 0 {
			return false
		}
		top := searches[0].(map[string]interface{})
		return top["query"] == "ERP implementation" && top["count"] == float64(2)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_RateLimitStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled", func(t *testing.T) {
		s := setupTestServer(t, nil)
		res, err := s.handleRateLimitStatus(ctx, callTool("get_rate_limit_status", nil))
		require.NoError(t, err)
		assert.Equal(t, false, decodeResult(t, res)["enabled"])
	})

	t.Run("usage", func(t *testing.T) {
		s := setupTestServer(t, ratelimit.DefaultLimits())
		_, err := s.handleSearchKnowledge(ctx, callTool("search_knowledge", map[string]interface{}{"query": "erp", "user_id": "alice"}))
		require.NoError(t, err)

		res, err := s.handleRateLimitStatus(ctx, callTool("get_rate_limit_status", map[string]interface{}{
			"limit_type": ratelimit.SearchPerUser,
			"identifier": "alice",
		}))
		require.NoError(t, err)
		out := decodeResult(t, res)
		usage := out["usage"].(map[string]interface{})
		assert.Equal(t, float64(1), usage["current_count"])
		assert.Equal(t, float64(99), usage["remaining"])
		assert.NotNil(t, out["stats"])

		_, err = s.handleRateLimitStatus(ctx, callTool("get_rate_limit_status", map[string]interface{}{
			"limit_type": "bogus",
			"identifier": "alice",
		}))
		requireMCPError(t, err, ErrorCodeInvalidParams)
	})
}

func TestServer_GetStatus(t *testing.T) {
	s := setupTestServer(t, nil)
	indexERP(t, s)

	res, err := s.handleGetStatus(context.Background(), callTool("get_status", nil))
	require.NoError(t, err)
	out := decodeResult(t, res)

	stats := out["statistics"].(map[string]interface{})
	assert.Equal(t, float64(1), stats["documents_count"])
	assert.Greater(t, stats["chunks_count"], float64(0))
	assert.Equal(t, stats["chunks_count"], stats["embeddings_count"])
	assert.NotEmpty(t, out["storage"].(map[string]interface{})["build_mode"])
	assert.NotNil(t, out["cache"])
	assert.NotEmpty(t, out["last_indexed_at"])
}

func TestServer_GetStatusReportsPerformance(t *testing.T) {
	s := setupTestServer(t, nil)
	indexERP(t, s)
	ctx := context.Background()

	_, err := s.handleSearchKnowledge(ctx, callTool("search_knowledge", map[string]interface{}{
		"query": "ERP implementation",
	}))
	require.NoError(t, err)

	res, err := s.handleGetStatus(ctx, callTool("get_status", nil))
	require.NoError(t, err)
	out := decodeResult(t, res)

	perf, ok := out["performance"].(map[string]interface{})
	require.True(t, ok, "performance block present")
	ops := perf["operations"].(map[string]interface{})
	for _, op := range []string{
		searcher.OpSearch, searcher.OpSemantic, searcher.OpKeyword, indexer.OpIndexDocument,
	} {
		assert.Contains(t, ops, op)
	}
	search := ops[searcher.OpSearch].(map[string]interface{})
	assert.Equal(t, float64(1), search["count"])
	assert.Contains(t, perf, "slow_operations")
	assert.Contains(t, perf, "recommendations")
	health := perf["health"].(map[string]interface{})
	assert.Positive(t, health["goroutines"])
}

func TestServer_GetStatusWithoutMonitor(t *testing.T) {
	s := setupTestServer(t, nil)
	s.monitor = nil

	res, err := s.handleGetStatus(context.Background(), callTool("get_status", nil))
	require.NoError(t, err)
	assert.NotContains(t, decodeResult(t, res), "performance")
}

func TestToMCPError_HidesInternalDetail(t *testing.T) {
	s := setupTestServer(t, nil)

	err := s.toMCPError("search_knowledge", errors.New("open /var/lib/secret.db: permission denied"))
	mcpErr := requireMCPError(t, err, ErrorCodeInternalError)
	assert.Equal(t, "internal error", mcpErr.Message)
	assert.Nil(t, mcpErr.Data)
	assert.NotContains(t, mcpErr.Error(), "secret")
}
