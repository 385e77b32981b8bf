package searcher

import (
	"context"
	"fmt"

	"github.com/dshills/kbsearch-mcp/internal/embedder"
	"github.com/dshills/kbsearch-mcp/internal/ratelimit"
	"github.com/dshills/kbsearch-mcp/internal/storage"
	kberr "github.com/dshills/kbsearch-mcp/pkg/errors"
	"github.com/dshills/kbsearch-mcp/pkg/types"
)

// EmbeddingProvider turns text into vectors and finds the chunks nearest a
// vector. Distance converts to similarity as 1 - distance.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	NearestNeighbors(ctx context.Context, vector []float32, k int, filters storage.SearchFilters) ([]types.Neighbor, error)
}

// ChunkStore is the read side of the corpus used by the keyword path and
// enrichment.
type ChunkStore interface {
	FindByKeywords(ctx context.Context, keywords []string, filters storage.SearchFilters, limit int) ([]*types.Chunk, error)
	GetDocuments(ctx context.Context, ids []string) (map[string]*types.Document, error)
}

// HistoryStore records searches and answers history queries.
type HistoryStore interface {
	RecordSearch(ctx context.Context, entry *types.HistoryEntry) error
	SearchHistory(ctx context.Context, identity string, limit, offset int) ([]types.HistoryEntry, error)
	PopularSearches(ctx context.Context, limit int) ([]types.PopularSearch, error)
}

// Limiter admits or denies a request against a named limit.
type Limiter interface {
	Check(limitType, identifier string) (bool, ratelimit.Info)
}

// VectorIndex is the nearest-neighbor half of an EmbeddingProvider.
type VectorIndex interface {
	NearestNeighbors(ctx context.Context, vector []float32, k int, filters storage.SearchFilters) ([]types.Neighbor, error)
}

type embeddingProvider struct {
	embedder embedder.Embedder
	index    VectorIndex
}

// NewEmbeddingProvider joins an embedder and a vector index into an
// EmbeddingProvider.
func NewEmbeddingProvider(emb embedder.Embedder, index VectorIndex) EmbeddingProvider {
	return &embeddingProvider{embedder: emb, index: index}
}

// Embed embeds texts in batches of at most embedder.MaxBatchSize, preserving
// order.
func (p *embeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += embedder.MaxBatchSize {
		end := min(i+embedder.MaxBatchSize, len(texts))
		resp, err := p.embedder.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{Texts: texts[i:end]})
		if err != nil {
			return nil, err
		}
		if len(resp.Embeddings) != end-i {
			return nil, kberr.Errorf(kberr.CodeEmbedderUpstreamFailure,
				"embedder returned %d vectors for %d texts", len(resp.Embeddings), end-i)
		}
		for _, e := range resp.Embeddings {
			out = append(out, e.Vector)
		}
	}
	return out, nil
}

func (p *embeddingProvider) NearestNeighbors(ctx context.Context, vector []float32, k int, filters storage.SearchFilters) ([]types.Neighbor, error) {
	return p.index.NearestNeighbors(ctx, vector, k, filters)
}

// Fingerprint identifies the embedding model behind the provider.
func (p *embeddingProvider) Fingerprint() string {
	return fmt.Sprintf("%s/%s/%d", p.embedder.Provider(), p.embedder.Model(), p.embedder.Dimension())
}
