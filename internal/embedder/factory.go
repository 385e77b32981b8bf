package embedder

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/dshills/kbsearch-mcp/internal/config"
	kberr "github.com/dshills/kbsearch-mcp/pkg/errors"
)

// Option configures New.
type Option func(*factoryOptions)

type factoryOptions struct {
	logger zerolog.Logger
	retry  *RetryConfig
}

// WithLogger sets the logger used to report the selected provider.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *factoryOptions) { o.logger = logger }
}

// WithRetry overrides the backoff used by remote providers.
func WithRetry(rc RetryConfig) Option {
	return func(o *factoryOptions) { o.retry = &rc }
}

// New creates the embedder named by cfg.Provider. An empty provider selects
// the local embedder. A non-positive cache size disables the in-process
// cache.
func New(cfg config.EmbeddingConfig, opts ...Option) (Embedder, error) {
	o := factoryOptions{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	var cache *Cache
	if cfg.CacheSize > 0 {
		cache = NewCache(cfg.CacheSize)
	}

	remote := RemoteConfig{
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		BaseURL:   cfg.BaseURL,
		Dimension: cfg.Dimension,
		Retry:     o.retry,
	}

	var (
		emb Embedder
		err error
	)
	switch strings.ToLower(cfg.Provider) {
	case ProviderJina:
		emb, err = NewJinaProvider(remote, cache)
	case ProviderOpenAI:
		emb, err = NewOpenAIProvider(remote, cache)
	case ProviderLocal, "":
		emb, err = NewLocalProvider(cache)
	default:
		return nil, kberr.New(kberr.CodeEmbedderNotConfigured, "unknown embedding provider",
			kberr.Field("provider", cfg.Provider))
	}
	if err != nil {
		return nil, err
	}

	o.logger.Info().
		Str("provider", emb.Provider()).
		Str("model", emb.Model()).
		Int("dimension", emb.Dimension()).
		Int("cache_size", cfg.CacheSize).
		Msg("embedder ready")
	return emb, nil
}
