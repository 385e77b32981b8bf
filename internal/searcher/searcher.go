package searcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/dshills/kbsearch-mcp/internal/cache"
	"github.com/dshills/kbsearch-mcp/internal/chunker"
	"github.com/dshills/kbsearch-mcp/internal/config"
	"github.com/dshills/kbsearch-mcp/internal/metrics"
	"github.com/dshills/kbsearch-mcp/internal/ratelimit"
	"github.com/dshills/kbsearch-mcp/internal/storage"
	kberr "github.com/dshills/kbsearch-mcp/pkg/errors"
	"github.com/dshills/kbsearch-mcp/pkg/types"
)

// Operation names recorded with the metrics monitor.
const (
	OpSearch   = "search"
	OpSemantic = "search.semantic"
	OpKeyword  = "search.keyword"
)

const (
	DefaultTopK           = 10
	DefaultThreshold      = 0.7
	DefaultPathTimeout    = 10 * time.Second
	DefaultHistoryWorkers = 4

	// overFetch widens each path's candidate pool so threshold pruning and
	// fusion still leave topK results.
	overFetch = 2

	historyDrainTimeout = 5 * time.Second
)

// Engine runs hybrid searches: a semantic path over the vector index and a
// keyword path over chunk text, fused into one ranking.
type Engine struct {
	provider EmbeddingProvider
	chunks   ChunkStore
	history  HistoryStore
	limiter  Limiter
	cache    *cache.Manager
	pool     *ants.Pool
	monitor  *metrics.Monitor
	logger   zerolog.Logger

	weights        Weights
	defaultTopK    int
	maxTopK        int
	threshold      float64
	pathTimeout    time.Duration
	historyWorkers int
	now            func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithLimiter enables per-identity admission control.
func WithLimiter(l Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithCache enables response, query vector, document and history caching.
func WithCache(m *cache.Manager) Option {
	return func(e *Engine) { e.cache = m }
}

// WithHistory records searches made with an identity and serves history
// queries.
func WithHistory(h HistoryStore) Option {
	return func(e *Engine) { e.history = h }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMonitor times searches and each retrieval path, and records query
// durations for slow query reporting.
func WithMonitor(m *metrics.Monitor) Option {
	return func(e *Engine) { e.monitor = m }
}

func WithWeights(w Weights) Option {
	return func(e *Engine) { e.weights = w }
}

// WithClock replaces time.Now for history timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithConfig applies a loaded, validated search section. Threshold and
// weights are taken as given, so 0.0 is honoured; counts and durations
// that are not positive keep the defaults.
func WithConfig(c config.SearchConfig) Option {
	return func(e *Engine) {
		e.threshold = c.SimilarityThreshold
		e.weights = Weights{Semantic: c.SemanticWeight, Keyword: c.KeywordWeight}
		if c.DefaultTopK > 0 {
			e.defaultTopK = c.DefaultTopK
		}
		if c.MaxTopK > 0 && c.MaxTopK <= types.MaxTopK {
			e.maxTopK = c.MaxTopK
		}
		if c.PathTimeout > 0 {
			e.pathTimeout = c.PathTimeout
		}
		if c.HistoryWorkers > 0 {
			e.historyWorkers = c.HistoryWorkers
		}
	}
}

// New creates an Engine. chunks is required. A nil provider disables the
// semantic path and every search is keyword only.
func New(provider EmbeddingProvider, chunks ChunkStore, opts ...Option) (*Engine, error) {
	if chunks == nil {
		return nil, kberr.New(kberr.CodeSearchDependencyMissing, "chunk store is required")
	}

	e := &Engine{
		provider:       provider,
		chunks:         chunks,
		logger:         zerolog.Nop(),
		weights:        DefaultWeights(),
		defaultTopK:    DefaultTopK,
		maxTopK:        types.MaxTopK,
		threshold:      DefaultThreshold,
		pathTimeout:    DefaultPathTimeout,
		historyWorkers: DefaultHistoryWorkers,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.defaultTopK > e.maxTopK {
		e.defaultTopK = e.maxTopK
	}

	if e.history != nil {
		pool, err := ants.NewPool(e.historyWorkers,
			ants.WithNonblocking(true),
			ants.WithPanicHandler(func(p interface{}) {
				e.logger.Error().Interface("panic", p).Msg("history task panicked")
			}))
		if err != nil {
			return nil, kberr.Wrap(err, kberr.CodeSearchDependencyMissing, "creating history worker pool")
		}
		e.pool = pool
	}

	return e, nil
}

// Close waits briefly for pending history writes and stops the workers.
func (e *Engine) Close() error {
	if e.pool == nil || e.pool.IsClosed() {
		return nil
	}
	if err := e.pool.ReleaseTimeout(historyDrainTimeout); err != nil {
		e.logger.Warn().Err(err).Msg("history workers did not drain")
		return err
	}
	return nil
}

// Search answers q. An empty or whitespace-only query returns an empty
// response of type "empty" before any other check, so its top_k and
// threshold are not validated and the limiter and cache are not consulted.
func (e *Engine) Search(ctx context.Context, q types.SearchQuery) (*types.SearchResponse, error) {
	done := e.monitor.Start(OpSearch)
	resp, err := e.search(ctx, q)
	done(err)
	return resp, err
}

func (e *Engine) search(ctx context.Context, q types.SearchQuery) (*types.SearchResponse, error) {
	start := time.Now()

	normalized := NormalizeQuery(q.Query)
	filters := storage.ParseFilters(q.Filters)

	if normalized == "" {
		return &types.SearchResponse{
			Query:            q.Query,
			Results:          []types.SearchResult{},
			SearchType:       types.SearchTypeEmpty,
			FiltersApplied:   filters.Applied(),
			ProcessingTimeMS: elapsedMS(start),
		}, nil
	}

	if err := q.Validate(); err != nil {
		return nil, kberr.Wrap(err, kberr.CodeSearchQueryInvalid, "invalid search query")
	}
	if q.TopK > e.maxTopK {
		return nil, kberr.New(kberr.CodeSearchQueryInvalid, "top_k exceeds the configured maximum",
			kberr.Field("top_k", q.TopK), kberr.Field("max_top_k", e.maxTopK))
	}

	if err := e.admit(q.Identity); err != nil {
		return nil, err
	}

	topK := q.TopK
	if topK == 0 {
		topK = e.defaultTopK
	}
	threshold := e.threshold
	if q.Threshold != nil {
		threshold = *q.Threshold
	}

	key := cacheKey(normalized, filters, topK, threshold, q.IncludeMetadata)
	if resp, ok := e.cachedResponse(ctx, key); ok {
		resp.Cached = true
		resp.ProcessingTimeMS = elapsedMS(start)
		e.logger.Debug().Str("query", normalized).Int("results", len(resp.Results)).Msg("search served from cache")
		return resp, nil
	}

	e.recordHistory(q.Identity, normalized)

	semantic, keyword, degraded, err := e.retrieve(ctx, normalized, filters, topK, threshold)
	if err != nil {
		return nil, err
	}

	results, total := Fuse(semantic, keyword, e.weights, topK)
	if q.IncludeMetadata {
		e.enrich(ctx, results)
	}

	resp := &types.SearchResponse{
		Query:          q.Query,
		Results:        results,
		TotalResults:   total,
		SearchType:     classify(len(semantic), len(keyword), len(results)),
		FiltersApplied: filters.Applied(),
	}
	resp.ProcessingTimeMS = elapsedMS(start)
	e.monitor.RecordQuery(key, normalized, time.Since(start), len(results))

	if !degraded {
		e.storeResponse(ctx, key, resp)
	}

	e.logger.Debug().
		Str("query", normalized).
		Int("semantic", len(semantic)).
		Int("keyword", len(keyword)).
		Int("results", len(results)).
		Str("search_type", string(resp.SearchType)).
		Float64("duration_ms", resp.ProcessingTimeMS).
		Msg("search completed")
	return resp, nil
}

func (e *Engine) admit(identity string) error {
	if identity == "" || e.limiter == nil {
		return nil
	}
	allowed, info := e.limiter.Check(ratelimit.SearchPerUser, identity)
	if allowed {
		return nil
	}
	e.logger.Info().Str("identity", identity).Dur("retry_after", info.RetryAfter).Msg("search rate limited")
	return &RateLimitExceeded{
		LimitType:  ratelimit.SearchPerUser,
		Identifier: identity,
		RetryAfter: info.RetryAfter,
		Info:       info,
	}
}

type pathResult struct {
	results []types.SearchResult
	err     error
}

// retrieve runs both paths concurrently. When exactly one fails the other's
// results are returned with degraded set. When both fail the error is a
// *SearchError.
func (e *Engine) retrieve(ctx context.Context, normalized string, filters storage.SearchFilters, topK int, threshold float64) (semantic, keyword []types.SearchResult, degraded bool, err error) {
	semCh := make(chan pathResult, 1)
	kwCh := make(chan pathResult, 1)

	go func() {
		done := e.monitor.Start(OpSemantic)
		r, err := e.semanticPath(ctx, normalized, filters, topK, threshold)
		done(err)
		semCh <- pathResult{results: r, err: err}
	}()
	go func() {
		done := e.monitor.Start(OpKeyword)
		r, err := e.keywordPath(ctx, normalized, filters, topK)
		done(err)
		kwCh <- pathResult{results: r, err: err}
	}()

	var semRes, kwRes pathResult
	for pending := 2; pending > 0; pending-- {
		select {
		case semRes = <-semCh:
		case kwRes = <-kwCh:
		case <-ctx.Done():
			return nil, nil, false, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, false, err
	}

	switch {
	case semRes.err != nil && kwRes.err != nil:
		e.logger.Error().
			AnErr("semantic_error", semRes.err).
			AnErr("keyword_error", kwRes.err).
			Msg("both retrieval paths failed")
		return nil, nil, false, newSearchError(semRes.err, kwRes.err)
	case semRes.err != nil:
		e.logger.Warn().Err(semRes.err).Msg("semantic path failed, serving keyword results")
		return nil, kwRes.results, true, nil
	case kwRes.err != nil:
		e.logger.Warn().Err(kwRes.err).Msg("keyword path failed, serving semantic results")
		return semRes.results, nil, true, nil
	}
	return semRes.results, kwRes.results, false, nil
}

func (e *Engine) semanticPath(ctx context.Context, normalized string, filters storage.SearchFilters, topK int, threshold float64) ([]types.SearchResult, error) {
	if e.provider == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.pathTimeout)
	defer cancel()

	vector, err := e.queryVector(ctx, normalized)
	if err != nil {
		return nil, err
	}

	neighbors, err := e.provider.NearestNeighbors(ctx, vector, topK*overFetch, filters)
	if err != nil {
		return nil, err
	}

	results := make([]types.SearchResult, 0, len(neighbors))
	for _, n := range neighbors {
		sim := clamp01(1 - n.Distance)
		if sim < threshold {
			continue
		}
		results = append(results, types.SearchResult{
			ChunkID:         n.ChunkID,
			DocumentID:      n.DocumentID,
			Content:         n.Content,
			SimilarityScore: sim,
			ChunkIndex:      n.ChunkIndex,
			SearchPath:      types.PathSemantic,
			Highlights:      []types.HighlightSpan{},
			Metadata:        copyMetadata(n.Metadata),
		})
	}
	return results, nil
}

// queryVector embeds the query, going through the embeddings cache when one
// is configured.
func (e *Engine) queryVector(ctx context.Context, normalized string) ([]float32, error) {
	key := vectorKey(e.provider, normalized)
	if e.cache != nil {
		var cached []float32
		if e.cache.GetJSON(ctx, cache.CategoryEmbeddings, key, &cached) && len(cached) > 0 {
			return cached, nil
		}
	}

	vectors, err := e.provider.Embed(ctx, []string{normalized})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, kberr.New(kberr.CodeEmbedderUpstreamFailure, "no query embedding returned")
	}

	if e.cache != nil {
		e.cache.SetJSON(ctx, cache.CategoryEmbeddings, key, vectors[0])
	}
	return vectors[0], nil
}

func (e *Engine) keywordPath(ctx context.Context, normalized string, filters storage.SearchFilters, topK int) ([]types.SearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.pathTimeout)
	defer cancel()

	keywords := Keywords(normalized)
	chunks, err := e.chunks.FindByKeywords(ctx, keywords, filters, topK*overFetch)
	if err != nil {
		return nil, err
	}

	results := make([]types.SearchResult, 0, len(chunks))
	for _, c := range chunks {
		score := keywordScore(c.Content, keywords)
		if score == 0 {
			continue
		}
		results = append(results, types.SearchResult{
			ChunkID:         c.ID,
			DocumentID:      c.DocumentID,
			Content:         c.Content,
			SimilarityScore: score,
			ChunkIndex:      c.Index,
			SearchPath:      types.PathKeyword,
			Highlights:      FindKeywordSpans(c.Content, keywords),
			Metadata: map[string]any{
				"language":    c.Language,
				"token_count": c.TokenCount,
			},
		})
	}
	return results, nil
}

// enrich attaches parent document fields to each result. Failure leaves
// the results unchanged.
func (e *Engine) enrich(ctx context.Context, results []types.SearchResult) {
	if len(results) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, e.pathTimeout)
	defer cancel()

	docs := make(map[string]*types.Document)
	var missing []string
	seen := make(map[string]struct{})
	for _, r := range results {
		if _, ok := seen[r.DocumentID]; ok {
			continue
		}
		seen[r.DocumentID] = struct{}{}

		if e.cache != nil {
			var doc types.Document
			if e.cache.GetJSON(ctx, cache.CategoryMetadata, cache.DocumentKey(r.DocumentID), &doc) {
				docs[r.DocumentID] = &doc
				continue
			}
		}
		missing = append(missing, r.DocumentID)
	}

	if len(missing) > 0 {
		fetched, err := e.chunks.GetDocuments(ctx, missing)
		if err != nil {
			e.logger.Warn().Err(err).Int("documents", len(missing)).Msg("enrichment failed, returning results without metadata")
			return
		}
		for id, doc := range fetched {
			docs[id] = doc
			if e.cache != nil {
				e.cache.SetJSON(ctx, cache.CategoryMetadata, cache.DocumentKey(id), doc)
			}
		}
	}

	for i := range results {
		doc, ok := docs[results[i].DocumentID]
		if !ok {
			continue
		}
		if results[i].Metadata == nil {
			results[i].Metadata = make(map[string]any, 4)
		}
		results[i].Metadata["document_filename"] = doc.Filename
		results[i].Metadata["document_created_at"] = doc.CreatedAt.UTC().Format(time.RFC3339)
		results[i].Metadata["document_language"] = doc.Language
		results[i].Metadata["document_source"] = doc.SourceType
	}
}

// recordHistory submits the search to the history pool. A full pool or a
// failed write is logged and dropped.
func (e *Engine) recordHistory(identity, normalized string) {
	if identity == "" || e.pool == nil {
		return
	}

	entry := &types.HistoryEntry{
		ID:        uuid.NewString(),
		Identity:  identity,
		Query:     normalized,
		Language:  chunker.DetectLanguage(normalized),
		CreatedAt: e.now().UTC(),
	}

	err := e.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.pathTimeout)
		defer cancel()

		if err := e.history.RecordSearch(ctx, entry); err != nil {
			e.logger.Warn().Err(err).Str("identity", identity).Msg("failed to record search history")
			return
		}
		if e.cache != nil {
			e.cache.InvalidateUser(ctx, identity)
		}
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("identity", identity).Msg("search history dropped")
	}
}

// SearchHistory returns an identity's searches, newest first.
func (e *Engine) SearchHistory(ctx context.Context, identity string, limit, offset int) ([]types.HistoryEntry, error) {
	if e.history == nil {
		return nil, kberr.New(kberr.CodeSearchDependencyMissing, "search history is not configured")
	}
	if strings.TrimSpace(identity) == "" {
		return nil, kberr.New(kberr.CodeSearchQueryInvalid, "user id is required")
	}

	key := cache.UserKey(identity, fmt.Sprintf("%d:%d", limit, offset))
	var entries []types.HistoryEntry
	if e.cache != nil && e.cache.GetJSON(ctx, cache.CategoryHistory, key, &entries) {
		return entries, nil
	}

	entries, err := e.history.SearchHistory(ctx, identity, limit, offset)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.SetJSON(ctx, cache.CategoryHistory, key, entries)
	}
	return entries, nil
}

// PopularSearches returns the most frequent queries across all identities.
func (e *Engine) PopularSearches(ctx context.Context, limit int) ([]types.PopularSearch, error) {
	if e.history == nil {
		return nil, kberr.New(kberr.CodeSearchDependencyMissing, "search history is not configured")
	}

	key := fmt.Sprintf("popular:%d", limit)
	var popular []types.PopularSearch
	if e.cache != nil && e.cache.GetJSON(ctx, cache.CategoryHistory, key, &popular) {
		return popular, nil
	}

	popular, err := e.history.PopularSearches(ctx, limit)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.SetJSON(ctx, cache.CategoryHistory, key, popular)
	}
	return popular, nil
}

func (e *Engine) cachedResponse(ctx context.Context, key string) (*types.SearchResponse, bool) {
	if e.cache == nil {
		return nil, false
	}
	var resp types.SearchResponse
	if !e.cache.GetJSON(ctx, cache.CategorySearch, key, &resp) {
		return nil, false
	}
	return &resp, true
}

func (e *Engine) storeResponse(ctx context.Context, key string, resp *types.SearchResponse) {
	if e.cache == nil {
		return
	}
	if !e.cache.SetJSON(ctx, cache.CategorySearch, key, resp) {
		e.logger.Debug().Str("key", key).Msg("search response not cached")
	}
}

func classify(semantic, keyword, results int) types.SearchType {
	switch {
	case results == 0:
		return types.SearchTypeNoResults
	case semantic == 0 && keyword > 0:
		return types.SearchTypeKeywordOnly
	case semantic > 0 && keyword == 0:
		return types.SearchTypeSemanticOnly
	case semantic > 0 && keyword > 0:
		return types.SearchTypeHybrid
	default:
		return types.SearchTypeUnknown
	}
}

// cacheKey hashes the normalized query, then the sorted filters together
// with the parameters that change the result set.
func cacheKey(normalized string, filters storage.SearchFilters, topK int, threshold float64, includeMetadata bool) string {
	query := sha256.Sum256([]byte(normalized))

	applied := filters.Applied()
	var b strings.Builder
	for _, k := range filters.Keys() {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(applied[k])
		b.WriteByte('&')
	}
	fmt.Fprintf(&b, "top_k=%d&threshold=%g&metadata=%t", topK, threshold, includeMetadata)
	params := sha256.Sum256([]byte(b.String()))

	return hex.EncodeToString(query[:]) + ":" + hex.EncodeToString(params[:])
}

// fingerprinter is implemented by providers whose vectors depend on a
// model, so cached query vectors are not shared across models.
type fingerprinter interface {
	Fingerprint() string
}

func vectorKey(p EmbeddingProvider, normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	key := "query:" + hex.EncodeToString(sum[:])
	if f, ok := p.(fingerprinter); ok {
		key = f.Fingerprint() + ":" + key
	}
	return key
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
