package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"

	kberr "github.com/dshills/kbsearch-mcp/pkg/errors"
)

const (
	ProviderJina   = "jina"
	ProviderOpenAI = "openai"
	ProviderLocal  = "local"
)

const (
	DefaultJinaModel   = "jina-embeddings-v3"
	DefaultOpenAIModel = "text-embedding-3-small"
	DefaultLocalModel  = "local-hash"
	DefaultJinaURL     = "https://api.jina.ai/v1"

	JinaDimension   = 1024
	OpenAIDimension = 1536
	LocalDimension  = 384

	// MaxBatchSize caps texts per request for every provider.
	MaxBatchSize     = 100
	DefaultBatchSize = MaxBatchSize / 2

	MaxRetries        = 3
	InitialBackoffMs  = 100
	MaxBackoffMs      = 5000
	BackoffMultiplier = 2.0

	jinaTimeout      = 30 * time.Second
	maxErrorBodySize = 4 << 10
)

// RemoteConfig configures an API-backed provider. Empty fields take the
// provider defaults.
type RemoteConfig struct {
	APIKey    string
	Model     string
	BaseURL   string
	Dimension int
	Retry     *RetryConfig
}

func (c RemoteConfig) retry() RetryConfig {
	if c.Retry != nil {
		return *c.Retry
	}
	return DefaultRetryConfig()
}

// JinaProvider implements Embedder using the Jina AI embeddings API
type JinaProvider struct {
	apiKey     string
	model      string
	baseURL    string
	dimension  int
	retry      RetryConfig
	httpClient *http.Client
	cache      *Cache
}

// NewJinaProvider creates a new Jina AI embedder
func NewJinaProvider(cfg RemoteConfig, cache *Cache) (*JinaProvider, error) {
	if cfg.APIKey == "" {
		return nil, kberr.New(kberr.CodeEmbedderNotConfigured, "jina provider requires embedding.api_key")
	}

	p := &JinaProvider{
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		dimension:  cfg.Dimension,
		retry:      cfg.retry(),
		httpClient: &http.Client{Timeout: jinaTimeout},
		cache:      cache,
	}
	if p.model == "" {
		p.model = DefaultJinaModel
	}
	if p.baseURL == "" {
		p.baseURL = DefaultJinaURL
	}
	if p.dimension <= 0 {
		p.dimension = JinaDimension
	}
	return p, nil
}

func (j *JinaProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	return single(ctx, j, req)
}

func (j *JinaProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = j.model
	}

	embs, err := cachedBatch(j.cache, req.Texts, func(texts []string) ([]*Embedding, error) {
		out, err := retryWithBackoff(ctx, j.retry, func() ([]*Embedding, error) {
			return j.callAPI(ctx, texts, model)
		})
		if err != nil {
			return nil, kberr.Wrapf(err, kberr.CodeEmbedderUpstreamFailure, "jina embeddings after %d attempts", j.retry.MaxRetries)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	return &BatchEmbeddingResponse{
		Embeddings: embs,
		Provider:   ProviderJina,
		Model:      model,
	}, nil
}

type jinaRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type jinaResponse struct {
	Model string `json:"model"`
	Data  []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// callAPI makes one POST to /embeddings. 4xx answers other than 429 are
// permanent.
func (j *JinaProvider) callAPI(ctx context.Context, texts []string, model string) ([]*Embedding, error) {
	payload, err := json.Marshal(jinaRequest{Input: texts, Model: model})
	if err != nil {
		return nil, permanent(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, j.baseURL+"/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+j.apiKey)

	httpResp, err := j.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("jina request: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if code := httpResp.StatusCode; code != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBodySize))
		err := fmt.Errorf("jina status %d: %s", code, bytes.TrimSpace(msg))
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			err = permanent(err)
		}
		return nil, err
	}

	var decoded jinaResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("jina response: %w", err)
	}
	if got, want := len(decoded.Data), len(texts); got != want {
		return nil, fmt.Errorf("jina returned %d vectors for %d inputs", got, want)
	}

	out := make([]*Embedding, len(texts))
	for _, d := range decoded.Data {
		if d.Index < 0 || d.Index >= len(out) || out[d.Index] != nil {
			return nil, fmt.Errorf("jina returned bad index %d", d.Index)
		}
		out[d.Index] = &Embedding{
			Vector:    d.Embedding,
			Dimension: len(d.Embedding),
			Provider:  ProviderJina,
			Model:     model,
		}
	}
	return out, nil
}

func (j *JinaProvider) Dimension() int {
	return j.dimension
}

func (j *JinaProvider) Provider() string {
	return ProviderJina
}

func (j *JinaProvider) Model() string {
	return j.model
}

func (j *JinaProvider) Close() error {
	j.httpClient.CloseIdleConnections()
	return nil
}

// OpenAIProvider implements Embedder with langchaingo's OpenAI client. Any
// OpenAI-compatible endpoint works through BaseURL.
type OpenAIProvider struct {
	embedder  embeddings.Embedder
	model     string
	dimension int
	retry     RetryConfig
	cache     *Cache
}

// NewOpenAIProvider creates a new OpenAI-compatible embedder. Without an API
// key a placeholder token is sent, which local servers accept.
func NewOpenAIProvider(cfg RemoteConfig, cache *Cache) (*OpenAIProvider, error) {
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	token := cfg.APIKey
	if token == "" {
		if cfg.BaseURL == "" {
			return nil, kberr.New(kberr.CodeEmbedderNotConfigured, "openai provider requires embedding.api_key or embedding.base_url")
		}
		token = "none"
	}

	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithEmbeddingModel(model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, kberr.Wrap(err, kberr.CodeEmbedderNotConfigured, "creating openai client")
	}

	emb, err := embeddings.NewEmbedder(client,
		embeddings.WithStripNewLines(true),
		embeddings.WithBatchSize(MaxBatchSize),
	)
	if err != nil {
		return nil, kberr.Wrap(err, kberr.CodeEmbedderNotConfigured, "creating openai embedder")
	}

	dim := cfg.Dimension
	if dim <= 0 {
		dim = OpenAIDimension
	}

	return &OpenAIProvider{
		embedder:  emb,
		model:     model,
		dimension: dim,
		retry:     cfg.retry(),
		cache:     cache,
	}, nil
}

func (o *OpenAIProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	return single(ctx, o, req)
}

// GenerateBatch embeds texts with the configured model. A per-request model
// override is not supported by the langchaingo client and is ignored.
func (o *OpenAIProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	embs, err := cachedBatch(o.cache, req.Texts, func(texts []string) ([]*Embedding, error) {
		vectors, err := retryWithBackoff(ctx, o.retry, func() ([][]float32, error) {
			return o.embedder.EmbedDocuments(ctx, texts)
		})
		if err != nil {
			return nil, kberr.Wrapf(err, kberr.CodeEmbedderUpstreamFailure, "openai embeddings after %d attempts", o.retry.MaxRetries)
		}

		out := make([]*Embedding, len(vectors))
		for i, v := range vectors {
			out[i] = &Embedding{
				Vector:    v,
				Dimension: len(v),
				Provider:  ProviderOpenAI,
				Model:     o.model,
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	return &BatchEmbeddingResponse{
		Embeddings: embs,
		Provider:   ProviderOpenAI,
		Model:      o.model,
	}, nil
}

func (o *OpenAIProvider) Dimension() int {
	return o.dimension
}

func (o *OpenAIProvider) Provider() string {
	return ProviderOpenAI
}

func (o *OpenAIProvider) Model() string {
	return o.model
}

func (o *OpenAIProvider) Close() error {
	return nil
}

// LocalProvider produces deterministic feature-hashed vectors. Texts that
// share words share dimensions, so cosine similarity tracks lexical overlap.
// It needs no network and suits development and tests.
type LocalProvider struct {
	model string
	cache *Cache
}

// NewLocalProvider creates a new local embedder
func NewLocalProvider(cache *Cache) (*LocalProvider, error) {
	return &LocalProvider{
		model: DefaultLocalModel,
		cache: cache,
	}, nil
}

func (l *LocalProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	return single(ctx, l, req)
}

func (l *LocalProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	embs, err := cachedBatch(l.cache, req.Texts, func(texts []string) ([]*Embedding, error) {
		out := make([]*Embedding, len(texts))
		for i, text := range texts {
			out[i] = &Embedding{
				Vector:    hashVector(text, LocalDimension),
				Dimension: LocalDimension,
				Provider:  ProviderLocal,
				Model:     l.model,
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	return &BatchEmbeddingResponse{
		Embeddings: embs,
		Provider:   ProviderLocal,
		Model:      l.model,
	}, nil
}

func (l *LocalProvider) Dimension() int {
	return LocalDimension
}

func (l *LocalProvider) Provider() string {
	return ProviderLocal
}

func (l *LocalProvider) Model() string {
	return l.model
}

func (l *LocalProvider) Close() error {
	return nil
}

// hashVector feature-hashes the lower-cased words of text into dim buckets
// and returns the unit-length result. The bucket comes from FNV-1a/64 and
// the sign from an independent FNV-1/32, so two features sharing a bucket
// cancel only half the time. Han, Hiragana, Katakana and Hangul runs
// contribute character bigrams since they are not space-delimited.
func hashVector(text string, dim int) []float32 {
	vec := make([]float32, dim)
	add := func(feature string) {
		b := []byte(feature)
		bucket := fnv.New64a()
		_, _ = bucket.Write(b)
		sign := fnv.New32()
		_, _ = sign.Write(b)

		idx := int(bucket.Sum64() % uint64(dim))
		if sign.Sum32()&1 == 1 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}

	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		runes := []rune(word)
		if !isCJK(runes[0]) {
			add(word)
			continue
		}
		if len(runes) == 1 {
			add(word)
			continue
		}
		for i := 0; i+1 < len(runes); i++ {
			add(string(runes[i : i+2]))
		}
	}

	return NormalizeVector(vec)
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

// NormalizeVector normalizes a vector to unit length (for cosine similarity)
func NormalizeVector(v []float32) []float32 {
	var sum float64
	for _, val := range v {
		sum += float64(val) * float64(val)
	}

	if sum == 0 {
		return v
	}

	norm := float32(math.Sqrt(sum))
	result := make([]float32, len(v))
	for i, val := range v {
		result[i] = val / norm
	}

	return result
}
