package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"

	lru "github.com/hashicorp/golang-lru/v2"

	kberr "github.com/dshills/kbsearch-mcp/pkg/errors"
)

// DefaultCacheSize is used when a cache is requested with a non-positive size.
const DefaultCacheSize = 10000

// Embedding is one vector and the provider/model that produced it. Hash is
// the SHA-256 of the embedded text.
type Embedding struct {
	Vector    []float32
	Dimension int
	Provider  string
	Model     string
	Hash      string
}

func (e *Embedding) clone() *Embedding {
	c := *e
	c.Vector = slices.Clone(e.Vector)
	return &c
}

// EmbeddingRequest asks for one text. An empty Model uses the provider's.
type EmbeddingRequest struct {
	Text  string
	Model string
}

// BatchEmbeddingRequest asks for up to MaxBatchSize texts in one call.
type BatchEmbeddingRequest struct {
	Texts []string
	Model string
}

// BatchEmbeddingResponse holds one embedding per requested text, in request order.
type BatchEmbeddingResponse struct {
	Embeddings []*Embedding
	Provider   string
	Model      string
}

// Embedder turns text into vectors. Implementations are safe for
// concurrent use.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error)
	GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error)

	Dimension() int
	Provider() string
	Model() string

	Close() error
}

// Cache is a bounded LRU of embeddings keyed by text hash. Entries are
// copied on the way in and on the way out, so callers may mutate what
// they hold.
type Cache struct {
	entries *lru.Cache[string, *Embedding]
}

// NewCache returns a Cache holding at most size entries.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	// lru.New only fails for a non-positive size.
	entries, _ := lru.New[string, *Embedding](size)
	return &Cache{entries: entries}
}

func (c *Cache) Get(hash string) (*Embedding, bool) {
	e, ok := c.entries.Get(hash)
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

func (c *Cache) Set(hash string, e *Embedding) {
	c.entries.Add(hash, e.clone())
}

func (c *Cache) Size() int {
	return c.entries.Len()
}

func (c *Cache) Clear() {
	c.entries.Purge()
}

// ComputeHash returns the hex SHA-256 of text.
func ComputeHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ValidateRequest rejects an empty text.
func ValidateRequest(req EmbeddingRequest) error {
	return validateTexts([]string{req.Text})
}

// ValidateBatchRequest rejects an empty batch, a batch over MaxBatchSize
// and any empty text.
func ValidateBatchRequest(req BatchEmbeddingRequest) error {
	switch n := len(req.Texts); {
	case n == 0:
		return kberr.New(kberr.CodeEmbedderRequestInvalid, "no texts provided")
	case n > MaxBatchSize:
		return kberr.New(kberr.CodeEmbedderRequestInvalid, "batch size exceeds limit",
			kberr.Field("size", n), kberr.Field("max", MaxBatchSize))
	}
	return validateTexts(req.Texts)
}

func validateTexts(texts []string) error {
	if i := slices.Index(texts, ""); i >= 0 {
		return kberr.New(kberr.CodeEmbedderRequestInvalid, "text cannot be empty", kberr.Field("index", i))
	}
	return nil
}

// cachedBatch serves texts from the cache where possible and calls fetch
// once with the misses, caching what it returns.
func cachedBatch(cache *Cache, texts []string, fetch func(misses []string) ([]*Embedding, error)) ([]*Embedding, error) {
	out := make([]*Embedding, len(texts))
	hashes := make([]string, len(texts))
	var (
		misses   []string
		missIdxs []int
	)

	for i, text := range texts {
		hashes[i] = ComputeHash(text)
		if cache != nil {
			if emb, ok := cache.Get(hashes[i]); ok {
				out[i] = emb
				continue
			}
		}
		misses = append(misses, text)
		missIdxs = append(missIdxs, i)
	}

	if len(misses) == 0 {
		return out, nil
	}

	fetched, err := fetch(misses)
	if err != nil {
		return nil, err
	}
	if len(fetched) != len(misses) {
		return nil, kberr.Errorf(kberr.CodeEmbedderUpstreamFailure,
			"provider returned %d embeddings for %d texts", len(fetched), len(misses))
	}

	for j, emb := range fetched {
		i := missIdxs[j]
		emb.Hash = hashes[i]
		out[i] = emb
		if cache != nil {
			cache.Set(emb.Hash, emb)
		}
	}
	return out, nil
}

// single embeds one text through the provider's batch path.
func single(ctx context.Context, e Embedder, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	resp, err := e.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{req.Text}, Model: req.Model})
	switch {
	case err != nil:
		return nil, err
	case len(resp.Embeddings) == 0:
		return nil, kberr.New(kberr.CodeEmbedderUpstreamFailure, "no embeddings returned")
	}
	return resp.Embeddings[0], nil
}
