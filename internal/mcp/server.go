package mcp

import (
	"context"
	"io"
	"log"
	"os"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/dshills/kbsearch-mcp/internal/cache"
	"github.com/dshills/kbsearch-mcp/internal/indexer"
	"github.com/dshills/kbsearch-mcp/internal/metrics"
	"github.com/dshills/kbsearch-mcp/internal/ratelimit"
	"github.com/dshills/kbsearch-mcp/internal/searcher"
	"github.com/dshills/kbsearch-mcp/internal/storage"
	kberr "github.com/dshills/kbsearch-mcp/pkg/errors"
)

const (
	// ServerName is the MCP server name
	ServerName = "kbsearch-mcp"
	// DefaultVersion is reported when no build version is set
	DefaultVersion = "dev"
	// DefaultSlowLimit caps the slow operations get_status reports
	DefaultSlowLimit = 100
)

// Deps are the components the server exposes. Store, Engine and Indexer
// are required.
type Deps struct {
	Store   storage.Storage
	Engine  *searcher.Engine
	Indexer *indexer.Indexer
	Limiter *ratelimit.Limiter
	Cache   *cache.Manager
	Monitor *metrics.Monitor
}

// Server wraps the MCP server with application dependencies. It does not
// own them; the caller closes them after Serve returns.
type Server struct {
	mcp     *server.MCPServer
	store   storage.Storage
	engine  *searcher.Engine
	indexer *indexer.Indexer
	limiter *ratelimit.Limiter
	cache   *cache.Manager
	monitor *metrics.Monitor
	logger  zerolog.Logger
	version string

	slowLimit int
}

// Option configures a Server
type Option func(*Server)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithVersion sets the version reported during initialization.
func WithVersion(v string) Option {
	return func(s *Server) {
		if v != "" {
			s.version = v
		}
	}
}

// WithSlowLimit caps the slow operations listed by get_status.
func WithSlowLimit(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.slowLimit = n
		}
	}
}

// NewServer creates a new MCP server instance
func NewServer(deps Deps, opts ...Option) (*Server, error) {
	switch {
	case deps.Store == nil:
		return nil, kberr.New(kberr.CodeSearchDependencyMissing, "storage is required")
	case deps.Engine == nil:
		return nil, kberr.New(kberr.CodeSearchDependencyMissing, "search engine is required")
	case deps.Indexer == nil:
		return nil, kberr.New(kberr.CodeSearchDependencyMissing, "indexer is required")
	}

	s := &Server{
		store:   deps.Store,
		engine:  deps.Engine,
		indexer: deps.Indexer,
		limiter: deps.Limiter,
		cache:   deps.Cache,
		monitor: deps.Monitor,
		logger:  zerolog.Nop(),
		version: DefaultVersion,

		slowLimit: DefaultSlowLimit,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mcp = server.NewMCPServer(
		ServerName,
		s.version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.registerTools()

	return s, nil
}

// Serve runs the MCP protocol on stdin/stdout until ctx is cancelled or
// the client disconnects.
func (s *Server) Serve(ctx context.Context) error {
	return s.ServeIO(ctx, os.Stdin, os.Stdout)
}

// ServeIO runs the MCP protocol over the given streams.
func (s *Server) ServeIO(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(log.New(s.logger, "", 0))

	s.logger.Info().Str("server", ServerName).Str("version", s.version).Msg("serving MCP over stdio")
	err := stdio.Listen(ctx, in, out)
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// registerTools registers all MCP tools
func (s *Server) registerTools() {
	s.mcp.AddTool(searchKnowledgeTool(), s.handleSearchKnowledge)
	s.mcp.AddTool(indexDocumentTool(), s.handleIndexDocument)
	s.mcp.AddTool(deleteDocumentTool(), s.handleDeleteDocument)
	s.mcp.AddTool(searchHistoryTool(), s.handleSearchHistory)
	s.mcp.AddTool(popularSearchesTool(), s.handlePopularSearches)
	s.mcp.AddTool(rateLimitStatusTool(), s.handleRateLimitStatus)
	s.mcp.AddTool(getStatusTool(), s.handleGetStatus)
}
