package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/kbsearch-mcp/internal/mcp"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server on stdio",
		Long:  "Load configuration, initialize storage, embedder, cache, rate limiter and search engine, then serve MCP requests on stdin/stdout until interrupted.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("shutdown incomplete")
		}
	}()

	srv, err := mcp.NewServer(mcp.Deps{
		Store:   a.store,
		Engine:  a.engine,
		Indexer: a.indexer,
		Limiter: a.limiter,
		Cache:   a.cache,
		Monitor: a.monitor,
	},
		mcp.WithLogger(logger.With().Str("component", "mcp").Logger()),
		mcp.WithVersion(version),
		mcp.WithSlowLimit(cfg.Metrics.SlowLimit))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The client closing stdin ends the session as well.
		defer stop()
		return srv.ServeIO(gctx, cmd.InOrStdin(), cmd.OutOrStdout())
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
