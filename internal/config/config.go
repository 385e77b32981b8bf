package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	kberr "github.com/dshills/kbsearch-mcp/pkg/errors"
)

// EnvPrefix is prepended to every environment override (KBSEARCH_SEARCH_DEFAULT_TOP_K, ...).
const EnvPrefix = "KBSEARCH"

// Config is the top-level kbsearch configuration.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Search    SearchConfig    `mapstructure:"search"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Cache     CacheConfig     `mapstructure:"cache"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SearchConfig holds the defaults applied to search requests.
type SearchConfig struct {
	DefaultTopK         int           `mapstructure:"default_top_k"`
	MaxTopK             int           `mapstructure:"max_top_k"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	SemanticWeight      float64       `mapstructure:"semantic_weight"`
	KeywordWeight       float64       `mapstructure:"keyword_weight"`
	PathTimeout         time.Duration `mapstructure:"path_timeout"`
	HistoryWorkers      int           `mapstructure:"history_workers"`
}

// EmbeddingConfig selects and parameterizes the embedding provider.
type EmbeddingConfig struct {
	Provider  string `mapstructure:"provider"`
	Model     string `mapstructure:"model"`
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	Dimension int    `mapstructure:"dimension"`
	CacheSize int    `mapstructure:"cache_size"`
}

type CacheConfig struct {
	Backend   string        `mapstructure:"backend"`
	Namespace string        `mapstructure:"namespace"`
	MaxSize   int           `mapstructure:"max_size"`
	OpTimeout time.Duration `mapstructure:"op_timeout"`
	TTL       CacheTTL      `mapstructure:"ttl"`
	Redis     RedisConfig   `mapstructure:"redis"`
	Badger    BadgerConfig  `mapstructure:"badger"`
}

// CacheTTL holds the per-category expiry. Zero means no expiry.
type CacheTTL struct {
	Search     time.Duration `mapstructure:"search"`
	Embeddings time.Duration `mapstructure:"embeddings"`
	Metadata   time.Duration `mapstructure:"metadata"`
	History    time.Duration `mapstructure:"history"`
}

type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	MaxRetries int    `mapstructure:"max_retries"`
}

type BadgerConfig struct {
	Path     string `mapstructure:"path"`
	InMemory bool   `mapstructure:"in_memory"`
}

// LimitConfig is one sliding-window limit: Requests admitted per Window.
type LimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

type RateLimitConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	SearchPerUser   LimitConfig   `mapstructure:"search_per_user"`
	UploadPerUser   LimitConfig   `mapstructure:"upload_per_user"`
	APIPerIP        LimitConfig   `mapstructure:"api_per_ip"`
	GlobalAPI       LimitConfig   `mapstructure:"global_api"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MaxAge          time.Duration `mapstructure:"max_age"`
}

type IngestConfig struct {
	ChunkSize    int `mapstructure:"chunk_size"`
	ChunkOverlap int `mapstructure:"chunk_overlap"`
	Workers      int `mapstructure:"workers"`
	BatchSize    int `mapstructure:"batch_size"`
}

// MetricsConfig bounds the in-process performance monitor.
type MetricsConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	MaxSamples    int           `mapstructure:"max_samples"`
	SlowThreshold time.Duration `mapstructure:"slow_threshold"`
	SlowLimit     int           `mapstructure:"slow_limit"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("database.path", "~/.kbsearch/kbsearch.db")

	v.SetDefault("search.default_top_k", 10)
	v.SetDefault("search.max_top_k", 50)
	v.SetDefault("search.similarity_threshold", 0.7)
	v.SetDefault("search.semantic_weight", 0.7)
	v.SetDefault("search.keyword_weight", 0.3)
	v.SetDefault("search.path_timeout", 10*time.Second)
	v.SetDefault("search.history_workers", 4)

	v.SetDefault("embedding.provider", "local")
	v.SetDefault("embedding.model", "")
	v.SetDefault("embedding.base_url", "")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.dimension", 0)
	v.SetDefault("embedding.cache_size", 10000)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.namespace", "kbsearch")
	v.SetDefault("cache.max_size", 1000)
	v.SetDefault("cache.op_timeout", 2*time.Second)
	v.SetDefault("cache.ttl.search", time.Hour)
	v.SetDefault("cache.ttl.embeddings", 24*time.Hour)
	v.SetDefault("cache.ttl.metadata", 2*time.Hour)
	v.SetDefault("cache.ttl.history", 30*time.Minute)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.max_retries", 3)
	v.SetDefault("cache.badger.path", "~/.kbsearch/cache")
	v.SetDefault("cache.badger.in_memory", false)

	v.SetDefault("ratelimit.enabled", true)
	v.SetDefault("ratelimit.search_per_user.requests", 100)
	v.SetDefault("ratelimit.search_per_user.window", time.Minute)
	v.SetDefault("ratelimit.upload_per_user.requests", 10)
	v.SetDefault("ratelimit.upload_per_user.window", time.Hour)
	v.SetDefault("ratelimit.api_per_ip.requests", 1000)
	v.SetDefault("ratelimit.api_per_ip.window", time.Hour)
	v.SetDefault("ratelimit.global_api.requests", 10000)
	v.SetDefault("ratelimit.global_api.window", time.Minute)
	v.SetDefault("ratelimit.cleanup_interval", 5*time.Minute)
	v.SetDefault("ratelimit.max_age", time.Hour)

	v.SetDefault("ingest.chunk_size", 1000)
	v.SetDefault("ingest.chunk_overlap", 200)
	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.batch_size", 32)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.max_samples", 10000)
	v.SetDefault("metrics.slow_threshold", time.Second)
	v.SetDefault("metrics.slow_limit", 100)
}

// Load reads configuration from the given path (or defaults) with
// environment variable overrides (prefix KBSEARCH_). A .env file in the
// working directory is loaded first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, kberr.Wrapf(err, kberr.CodeConfigLoadReadFailure, "reading config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, kberr.Wrapf(err, kberr.CodeConfigValidateInvalidValue, "unmarshalling config")
	}

	cfg.Database.Path = expandHome(cfg.Database.Path)
	cfg.Cache.Badger.Path = expandHome(cfg.Cache.Badger.Path)

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, kberr.Wrapf(errors.Join(errs...), kberr.CodeConfigValidateInvalidValue, "validating config")
	}

	return &cfg, nil
}

// Default returns the configuration Load produces with no file and no environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.Database.Path = expandHome(cfg.Database.Path)
	cfg.Cache.Badger.Path = expandHome(cfg.Cache.Badger.Path)
	return &cfg
}

// Validate checks the configuration for logical errors.
// It returns every problem found rather than stopping at the first.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateLog()...)
	errs = append(errs, c.validateSearch()...)
	errs = append(errs, c.validateEmbedding()...)
	errs = append(errs, c.validateCache()...)
	errs = append(errs, c.validateRateLimit()...)
	errs = append(errs, c.validateIngest()...)
	errs = append(errs, c.validateMetrics()...)

	return errs
}

func (c *Config) validateLog() []error {
	valid := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true, "critical": true}
	if !valid[strings.ToLower(c.Log.Level)] {
		return []error{invalid("log.level must be one of [debug, info, warning, error, critical], got %q", c.Log.Level)}
	}
	return nil
}

func (c *Config) validateSearch() []error {
	var errs []error
	s := c.Search

	if s.MaxTopK < 1 {
		errs = append(errs, invalid("search.max_top_k must be positive, got %d", s.MaxTopK))
	}
	if s.DefaultTopK < 1 || s.DefaultTopK > s.MaxTopK {
		errs = append(errs, invalid("search.default_top_k must be between 1 and %d, got %d", s.MaxTopK, s.DefaultTopK))
	}
	if s.SimilarityThreshold < 0 || s.SimilarityThreshold > 1 {
		errs = append(errs, invalid("search.similarity_threshold must be between 0.0 and 1.0, got %g", s.SimilarityThreshold))
	}
	if s.SemanticWeight < 0 || s.KeywordWeight < 0 {
		errs = append(errs, invalid("search weights must not be negative (semantic=%g, keyword=%g)", s.SemanticWeight, s.KeywordWeight))
	}
	if s.SemanticWeight+s.KeywordWeight > 1.0+1e-9 {
		errs = append(errs, invalid("search.semantic_weight + search.keyword_weight must not exceed 1.0, got %g", s.SemanticWeight+s.KeywordWeight))
	}
	if s.PathTimeout <= 0 {
		errs = append(errs, invalid("search.path_timeout must be positive, got %s", s.PathTimeout))
	}
	if s.HistoryWorkers < 1 {
		errs = append(errs, invalid("search.history_workers must be positive, got %d", s.HistoryWorkers))
	}

	return errs
}

func (c *Config) validateEmbedding() []error {
	valid := map[string]bool{"local": true, "openai": true, "jina": true}
	if !valid[strings.ToLower(c.Embedding.Provider)] {
		return []error{invalid("embedding.provider must be one of [local, openai, jina], got %q", c.Embedding.Provider)}
	}
	if c.Embedding.Dimension < 0 {
		return []error{invalid("embedding.dimension must not be negative, got %d", c.Embedding.Dimension)}
	}
	return nil
}

func (c *Config) validateCache() []error {
	var errs []error

	valid := map[string]bool{"memory": true, "redis": true, "badger": true}
	if !valid[c.Cache.Backend] {
		errs = append(errs, invalid("cache.backend must be one of [memory, redis, badger], got %q", c.Cache.Backend))
	}
	if c.Cache.Namespace == "" {
		errs = append(errs, invalid("cache.namespace must not be empty"))
	}
	if c.Cache.MaxSize < 1 {
		errs = append(errs, invalid("cache.max_size must be positive, got %d", c.Cache.MaxSize))
	}
	if c.Cache.Backend == "redis" && c.Cache.Redis.Addr == "" {
		errs = append(errs, invalid("cache.redis.addr must be set for the redis backend"))
	}
	if c.Cache.Backend == "badger" && !c.Cache.Badger.InMemory && c.Cache.Badger.Path == "" {
		errs = append(errs, invalid("cache.badger.path must be set unless cache.badger.in_memory is true"))
	}

	return errs
}

func (c *Config) validateRateLimit() []error {
	var errs []error

	limits := map[string]LimitConfig{
		"search_per_user": c.RateLimit.SearchPerUser,
		"upload_per_user": c.RateLimit.UploadPerUser,
		"api_per_ip":      c.RateLimit.APIPerIP,
		"global_api":      c.RateLimit.GlobalAPI,
	}
	for name, l := range limits {
		if l.Requests < 1 {
			errs = append(errs, invalid("ratelimit.%s.requests must be positive, got %d", name, l.Requests))
		}
		if l.Window < time.Second {
			errs = append(errs, invalid("ratelimit.%s.window must be at least 1s, got %s", name, l.Window))
		}
		if c.RateLimit.MaxAge > 0 && c.RateLimit.MaxAge < l.Window {
			errs = append(errs, invalid("ratelimit.max_age (%s) must not be shorter than ratelimit.%s.window (%s)",
				c.RateLimit.MaxAge, name, l.Window))
		}
	}
	if c.RateLimit.MaxAge < 0 || c.RateLimit.CleanupInterval < 0 {
		errs = append(errs, invalid("ratelimit.cleanup_interval and ratelimit.max_age must not be negative"))
	}

	return errs
}

func (c *Config) validateIngest() []error {
	var errs []error
	if c.Ingest.ChunkSize < 1 {
		errs = append(errs, invalid("ingest.chunk_size must be positive, got %d", c.Ingest.ChunkSize))
	}
	if c.Ingest.ChunkOverlap < 0 || c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		errs = append(errs, invalid("ingest.chunk_overlap must be in [0, chunk_size), got %d", c.Ingest.ChunkOverlap))
	}
	if c.Ingest.Workers < 1 || c.Ingest.BatchSize < 1 {
		errs = append(errs, invalid("ingest.workers and ingest.batch_size must be positive"))
	}
	return errs
}

func (c *Config) validateMetrics() []error {
	if !c.Metrics.Enabled {
		return nil
	}
	var errs []error
	if c.Metrics.MaxSamples < 1 {
		errs = append(errs, invalid("metrics.max_samples must be positive, got %d", c.Metrics.MaxSamples))
	}
	if c.Metrics.SlowThreshold <= 0 {
		errs = append(errs, invalid("metrics.slow_threshold must be positive, got %s", c.Metrics.SlowThreshold))
	}
	if c.Metrics.SlowLimit < 1 {
		errs = append(errs, invalid("metrics.slow_limit must be positive, got %d", c.Metrics.SlowLimit))
	}
	return errs
}

func invalid(format string, args ...any) error {
	return kberr.Errorf(kberr.CodeConfigValidateInvalidValue, "config: "+format, args...)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}

// String renders the non-secret parts of the configuration for startup logs.
func (c *Config) String() string {
	return fmt.Sprintf("db=%s embedding=%s cache=%s ratelimit=%t top_k=%d threshold=%.2f weights=%.2f/%.2f",
		c.Database.Path, c.Embedding.Provider, c.Cache.Backend, c.RateLimit.Enabled,
		c.Search.DefaultTopK, c.Search.SimilarityThreshold, c.Search.SemanticWeight, c.Search.KeywordWeight)
}
