package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/dshills/kbsearch-mcp/internal/cache"
	"github.com/dshills/kbsearch-mcp/internal/config"
	"github.com/dshills/kbsearch-mcp/internal/embedder"
	"github.com/dshills/kbsearch-mcp/internal/indexer"
	"github.com/dshills/kbsearch-mcp/internal/metrics"
	"github.com/dshills/kbsearch-mcp/internal/ratelimit"
	"github.com/dshills/kbsearch-mcp/internal/searcher"
	"github.com/dshills/kbsearch-mcp/internal/storage"
	kberr "github.com/dshills/kbsearch-mcp/pkg/errors"
)

// app is the composition root: every component is built here once and
// handed to its consumers.
type app struct {
	store    *storage.SQLiteStorage
	embedder embedder.Embedder
	cache    *cache.Manager
	limiter  *ratelimit.Limiter
	engine   *searcher.Engine
	indexer  *indexer.Indexer
	monitor  *metrics.Monitor
	logger   zerolog.Logger
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return nil, kberr.Wrapf(err, kberr.CodeStoreDatabaseFailure, "creating database directory")
		}
	}
	a.store, err = storage.NewSQLiteStorage(cfg.Database.Path, storage.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	a.embedder, err = embedder.New(cfg.Embedding, embedder.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	a.cache, err = cache.Open(ctx, cfg.Cache, logger)
	if err != nil {
		return nil, err
	}

	if cfg.Metrics.Enabled {
		a.monitor = metrics.New(
			metrics.WithMaxSamples(cfg.Metrics.MaxSamples),
			metrics.WithSlowThreshold(cfg.Metrics.SlowThreshold),
			metrics.WithLogger(logger))
	}

	opts := []searcher.Option{
		searcher.WithConfig(cfg.Search),
		searcher.WithMonitor(a.monitor),
		searcher.WithCache(a.cache),
		searcher.WithHistory(a.store),
		searcher.WithLogger(logger.With().Str("component", "searcher").Logger()),
	}
	if cfg.RateLimit.Enabled {
		a.limiter = ratelimit.New(ratelimit.LimitsFromConfig(cfg.RateLimit),
			ratelimit.WithLogger(logger.With().Str("component", "ratelimit").Logger()),
			ratelimit.WithCleanup(cfg.RateLimit.CleanupInterval, cfg.RateLimit.MaxAge))
		opts = append(opts, searcher.WithLimiter(a.limiter))
	}

	a.engine, err = searcher.New(searcher.NewEmbeddingProvider(a.embedder, a.store), a.store, opts...)
	if err != nil {
		return nil, err
	}

	a.indexer = indexer.New(a.store, a.embedder, cfg.Ingest,
		indexer.WithCache(a.cache),
		indexer.WithMonitor(a.monitor),
		indexer.WithLogger(logger.With().Str("component", "indexer").Logger()))

	logger.Info().
		Str("database", cfg.Database.Path).
		Str("build_mode", storage.BuildMode).
		Str("embedder", a.embedder.Provider()).
		Str("cache", cfg.Cache.Backend).
		Bool("rate_limit", a.limiter != nil).
		Bool("metrics", a.monitor != nil).
		Msg("components ready")
	return a, nil
}

// Close releases components in reverse construction order.
func (a *app) Close() error {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Close())
	}
	if a.limiter != nil {
		a.limiter.Close()
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.embedder != nil {
		errs = append(errs, a.embedder.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
