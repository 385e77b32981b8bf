package embedder

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/kbsearch-mcp/internal/storage"
	kberr "github.com/dshills/kbsearch-mcp/pkg/errors"
)

var noRetry = &RetryConfig{MaxRetries: 2, Multiplier: 1}

// embeddingsServer answers OpenAI-style embedding requests with a vector
// whose first component is the input length.
func embeddingsServer(t *testing.T, status *int32, calls *int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if code := atomic.LoadInt32(status); code != http.StatusOK {
			http.Error(w, "unavailable", int(code))
			return
		}
		assert.Equal(t, "/embeddings", r.URL.Path)

		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}

		type item struct {
			Object    string    `json:"object"`
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		data := make([]item, len(req.Input))
		for i, text := range req.Input {
			data[i] = item{Object: "embedding", Embedding: []float32{float32(len(text)), 1, 0}, Index: i}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"object": "list",
			"data":   data,
			"model":  req.Model,
			"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestJinaProvider(t *testing.T) {
	status, calls := int32(http.StatusOK), int32(0)
	srv := embeddingsServer(t, &status, &calls)

	p, err := NewJinaProvider(RemoteConfig{APIKey: "k", BaseURL: srv.URL, Retry: noRetry}, NewCache(10))
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	assert.Equal(t, ProviderJina, p.Provider())
	assert.Equal(t, DefaultJinaModel, p.Model())
	assert.Equal(t, JinaDimension, p.Dimension())

	resp, err := p.GenerateBatch(context.Background(), BatchEmbeddingRequest{Texts: []string{"ab", "abcd"}})
	require.NoError(t, err)
	require.Len(t, resp.Embeddings, 2)
	assert.Equal(t, float32(2), resp.Embeddings[0].Vector[0])
	assert.Equal(t, float32(4), resp.Embeddings[1].Vector[0])
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	_, err = p.GenerateEmbedding(context.Background(), EmbeddingRequest{Text: "ab"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "served from cache")

	t.Run("server errors retry then fail", func(t *testing.T) {
		atomic.StoreInt32(&status, http.StatusServiceUnavailable)
		atomic.StoreInt32(&calls, 0)
		_, err := p.GenerateEmbedding(context.Background(), EmbeddingRequest{Text: "fresh"})
		require.Error(t, err)
		assert.True(t, kberr.HasCode(err, kberr.CodeEmbedderUpstreamFailure))
		assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	})

	t.Run("client errors do not retry", func(t *testing.T) {
		atomic.StoreInt32(&status, http.StatusUnauthorized)
		atomic.StoreInt32(&calls, 0)
		_, err := p.GenerateEmbedding(context.Background(), EmbeddingRequest{Text: "other"})
		require.Error(t, err)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	_, err = NewJinaProvider(RemoteConfig{}, nil)
	assert.True(t, kberr.HasCode(err, kberr.CodeEmbedderNotConfigured))
}

func TestOpenAIProvider(t *testing.T) {
	status, calls := int32(http.StatusOK), int32(0)
	srv := embeddingsServer(t, &status, &calls)

	p, err := NewOpenAIProvider(RemoteConfig{BaseURL: srv.URL, Model: "nomic-embed-text", Dimension: 3, Retry: noRetry}, nil)
	require.NoError(t, err)

	assert.Equal(t, ProviderOpenAI, p.Provider())
	assert.Equal(t, "nomic-embed-text", p.Model())
	assert.Equal(t, 3, p.Dimension())

	resp, err := p.GenerateBatch(context.Background(), BatchEmbeddingRequest{Texts: []string{"a", "abc"}})
	require.NoError(t, err)
	require.Len(t, resp.Embeddings, 2)
	assert.Equal(t, float32(1), resp.Embeddings[0].Vector[0])
	assert.Equal(t, float32(3), resp.Embeddings[1].Vector[0])
	assert.Equal(t, ProviderOpenAI, resp.Embeddings[1].Provider)

	_, err = NewOpenAIProvider(RemoteConfig{}, nil)
	assert.True(t, kberr.HasCode(err, kberr.CodeEmbedderNotConfigured))
}

func TestLocalProvider(t *testing.T) {
	p, err := NewLocalProvider(NewCache(10))
	require.NoError(t, err)
	ctx := context.Background()

	embed := func(text string) []float32 {
		emb, err := p.GenerateEmbedding(ctx, EmbeddingRequest{Text: text})
		require.NoError(t, err)
		require.Len(t, emb.Vector, LocalDimension)
		return emb.Vector
	}

	a := embed("ERP implementation requires careful planning")
	assert.Equal(t, a, embed("ERP implementation requires careful planning"), "deterministic")

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1, math.Sqrt(norm), 1e-5)

	related := storage.CosineSimilarity(a, embed("erp implementation"))
	unrelated := storage.CosineSimilarity(a, embed("quarterly budget review"))
	assert.Greater(t, related, unrelated)
	assert.Greater(t, related, 0.3)

	ja := storage.CosineSimilarity(embed("品質マネジメント"), embed("品質管理"))
	assert.Greater(t, ja, 0.0, "CJK bigrams overlap")

	_, err = p.GenerateEmbedding(ctx, EmbeddingRequest{})
	assert.True(t, kberr.IsInvalidInput(err))
}

func TestLocalProvider_CJKOverlap(t *testing.T) {
	p, err := NewLocalProvider(nil)
	require.NoError(t, err)
	ctx := context.Background()

	embed := func(text string) []float32 {
		emb, err := p.GenerateEmbedding(ctx, EmbeddingRequest{Text: text})
		require.NoError(t, err)
		return emb.Vector
	}

	tests := []struct {
		a, b string
	}{
		{"品質マネジメント", "品質管理"},
		{"在庫管理システム", "在庫管理"},
		{"品質", "品質管理"},
		{"생산 관리", "생산 계획"},
		{"会计系统", "会计软件"},
	}
	for _, tt := range tests {
		t.Run(tt.a+"/"+tt.b, func(t *testing.T) {
			sim := storage.CosineSimilarity(embed(tt.a), embed(tt.b))
			assert.Greater(t, sim, 0.3, "shared bigrams keep the same sign")
		})
	}
}

func TestNormalizeVector(t *testing.T) {
	assert.Equal(t, []float32{0.6, 0.8}, NormalizeVector([]float32{3, 4}))
	assert.Equal(t, []float32{0, 0}, NormalizeVector([]float32{0, 0}))
}
