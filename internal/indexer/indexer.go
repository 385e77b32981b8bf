package indexer

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/kbsearch-mcp/internal/cache"
	"github.com/dshills/kbsearch-mcp/internal/chunker"
	"github.com/dshills/kbsearch-mcp/internal/config"
	"github.com/dshills/kbsearch-mcp/internal/embedder"
	"github.com/dshills/kbsearch-mcp/internal/metrics"
	"github.com/dshills/kbsearch-mcp/internal/storage"
	kberr "github.com/dshills/kbsearch-mcp/pkg/errors"
	"github.com/dshills/kbsearch-mcp/pkg/types"
)

// OpIndexDocument is the operation name IndexDocument records.
const OpIndexDocument = "ingest.index_document"

// MaxDocumentBytes bounds the text accepted by IndexDocument.
const MaxDocumentBytes = 10 << 20

// Indexer coordinates the ingestion pipeline: clean -> chunk -> store -> embed
type Indexer struct {
	storage  storage.Storage
	embedder embedder.Embedder
	cache    *cache.Manager
	chunker  *chunker.Chunker
	monitor  *metrics.Monitor
	logger   zerolog.Logger
	lock     IndexLock

	workers   int
	batchSize int
}

// Document is plain text submitted for indexing
type Document struct {
	Filename   string
	SourceType string // defaults to "text"
	Text       string
}

// Result describes one ingest
type Result struct {
	DocumentID     string        `json:"document_id"`
	Filename       string        `json:"filename"`
	Language       string        `json:"language,omitempty"`
	ChunkCount     int           `json:"chunk_count"`
	EmbeddedChunks int           `json:"embedded_chunks"`
	Duplicate      bool          `json:"duplicate"`
	Duration       time.Duration `json:"duration_ns"`
}

// Option configures an Indexer
type Option func(*Indexer)

// WithLogger sets the indexer's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(i *Indexer) { i.logger = logger }
}

// WithMonitor times each IndexDocument call.
func WithMonitor(m *metrics.Monitor) Option {
	return func(i *Indexer) { i.monitor = m }
}

// WithCache sets the cache invalidated after each change to the corpus.
func WithCache(m *cache.Manager) Option {
	return func(i *Indexer) { i.cache = m }
}

// New creates an Indexer. A nil embedder stores documents without vectors,
// which leaves them reachable through keyword search only.
func New(store storage.Storage, emb embedder.Embedder, cfg config.IngestConfig, opts ...Option) *Indexer {
	idx := &Indexer{
		storage:   store,
		embedder:  emb,
		chunker:   chunker.New(cfg.ChunkSize, cfg.ChunkOverlap),
		logger:    zerolog.Nop(),
		workers:   cfg.Workers,
		batchSize: cfg.BatchSize,
	}
	if idx.workers <= 0 {
		idx.workers = 4
	}
	if idx.batchSize <= 0 || idx.batchSize > embedder.MaxBatchSize {
		idx.batchSize = 32
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Busy reports whether an ingest is running.
func (idx *Indexer) Busy() bool {
	return idx.lock.Held()
}

// IndexDocument cleans, chunks, stores and embeds one document. Text whose
// normalized form is already stored is reported as a duplicate and not
// stored again. A failure after the document was written removes it, so a
// document is either fully searchable or absent.
func (idx *Indexer) IndexDocument(ctx context.Context, doc Document) (*Result, error) {
	done := idx.monitor.Start(OpIndexDocument)
	res, err := idx.indexDocument(ctx, doc)
	done(err)
	return res, err
}

func (idx *Indexer) indexDocument(ctx context.Context, doc Document) (*Result, error) {
	if !idx.lock.TryAcquire() {
		return nil, kberr.New(kberr.CodeIngestLockConflict, "indexing already in progress")
	}
	defer idx.lock.Release()

	start := time.Now()

	filename := strings.TrimSpace(doc.Filename)
	if filename == "" {
		return nil, kberr.New(kberr.CodeIngestDocumentInvalid, "filename is required")
	}
	if len(doc.Text) > MaxDocumentBytes {
		return nil, kberr.New(kberr.CodeIngestDocumentInvalid, "document too large",
			kberr.Field("size_bytes", len(doc.Text)), kberr.Field("max_bytes", MaxDocumentBytes))
	}
	if !utf8.ValidString(doc.Text) {
		return nil, kberr.New(kberr.CodeIngestDocumentInvalid, "document is not valid UTF-8",
			kberr.Field("filename", filename))
	}

	text := chunker.CleanText(doc.Text)
	if text == "" {
		return nil, kberr.New(kberr.CodeIngestDocumentInvalid, "document has no indexable text",
			kberr.Field("filename", filename))
	}

	hash := sha256.Sum256([]byte(strings.ToLower(text)))
	existing, err := idx.storage.GetDocumentByHash(ctx, hash)
	if err == nil {
		idx.logger.Info().Str("filename", filename).Str("document_id", existing.ID).Msg("duplicate document skipped")
		return &Result{
			DocumentID: existing.ID,
			Filename:   existing.Filename,
			Language:   existing.Language,
			ChunkCount: existing.ChunkCount,
			Duplicate:  true,
			Duration:   time.Since(start),
		}, nil
	}
	if !kberr.IsNotFound(err) {
		return nil, err
	}

	sourceType := doc.SourceType
	if sourceType == "" {
		sourceType = "text"
	}
	record := &types.Document{
		ID:          uuid.NewString(),
		Filename:    filename,
		SourceType:  sourceType,
		Language:    chunker.DetectLanguage(text),
		ContentHash: hash,
		SizeBytes:   int64(len(doc.Text)),
	}

	chunks := idx.chunker.Chunk(text)
	ptrs := make([]*types.Chunk, len(chunks))
	for i := range chunks {
		chunks[i].ID = uuid.NewString()
		chunks[i].DocumentID = record.ID
		if chunks[i].Language == "" {
			chunks[i].Language = record.Language
		}
		ptrs[i] = &chunks[i]
	}

	if err := idx.store(ctx, record, ptrs); err != nil {
		return nil, err
	}

	embedded, err := idx.embedChunks(ctx, ptrs)
	if err != nil {
		if delErr := idx.storage.DeleteDocument(context.WithoutCancel(ctx), record.ID); delErr != nil {
			idx.logger.Error().Err(delErr).Str("document_id", record.ID).Msg("failed to remove partially indexed document")
		}
		return nil, err
	}

	idx.invalidate(ctx, record.ID)

	result := &Result{
		DocumentID:     record.ID,
		Filename:       record.Filename,
		Language:       record.Language,
		ChunkCount:     len(ptrs),
		EmbeddedChunks: embedded,
		Duration:       time.Since(start),
	}
	idx.logger.Info().
		Str("document_id", result.DocumentID).
		Str("filename", result.Filename).
		Str("language", result.Language).
		Int("chunks", result.ChunkCount).
		Int("embedded", result.EmbeddedChunks).
		Dur("duration", result.Duration).
		Msg("document indexed")
	return result, nil
}

// store writes the document and its chunks in one transaction
func (idx *Indexer) store(ctx context.Context, doc *types.Document, chunks []*types.Chunk) error {
	tx, err := idx.storage.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.CreateDocument(ctx, doc); err != nil {
		return err
	}
	if err := tx.InsertChunks(ctx, chunks); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return kberr.Wrap(err, kberr.CodeStoreDatabaseFailure, "committing document")
	}
	return nil
}

// embedChunks embeds chunks in batches on up to workers goroutines and
// stores each vector. It returns the number of chunks embedded.
func (idx *Indexer) embedChunks(ctx context.Context, chunks []*types.Chunk) (int, error) {
	if idx.embedder == nil || len(chunks) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(idx.workers)

	for i := 0; i < len(chunks); i += idx.batchSize {
		end := min(i+idx.batchSize, len(chunks))
		batch := chunks[i:end]

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			texts := make([]string, len(batch))
			for j, c := range batch {
				texts[j] = c.Content
			}

			resp, err := idx.embedder.GenerateBatch(gctx, embedder.BatchEmbeddingRequest{Texts: texts})
			if err != nil {
				return err
			}
			for j, emb := range resp.Embeddings {
				err := idx.storage.UpsertEmbedding(gctx, &storage.Embedding{
					ChunkID:  batch[j].ID,
					Vector:   emb.Vector,
					Provider: emb.Provider,
					Model:    emb.Model,
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// DeleteDocument removes a document with its chunks and embeddings.
func (idx *Indexer) DeleteDocument(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return kberr.New(kberr.CodeIngestDocumentInvalid, "document id is required")
	}
	if err := idx.storage.DeleteDocument(ctx, id); err != nil {
		return err
	}
	idx.invalidate(ctx, id)
	idx.logger.Info().Str("document_id", id).Msg("document deleted")
	return nil
}

func (idx *Indexer) invalidate(ctx context.Context, documentID string) {
	if idx.cache == nil {
		return
	}
	n := idx.cache.InvalidateDocument(ctx, documentID)
	idx.logger.Debug().Str("document_id", documentID).Int("entries", n).Msg("cache invalidated")
}

// ReadDocument loads a plain-text file for indexing. The source type is the
// lower-cased extension without its dot, or "text" when there is none.
func ReadDocument(path string) (Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Document{}, kberr.Wrapf(err, kberr.CodeIngestDocumentInvalid, "reading %s", path)
	}
	if info.IsDir() {
		return Document{}, kberr.New(kberr.CodeIngestDocumentInvalid, "path is a directory", kberr.Field("path", path))
	}
	if info.Size() > MaxDocumentBytes {
		return Document{}, kberr.New(kberr.CodeIngestDocumentInvalid, "document too large",
			kberr.Field("size_bytes", info.Size()), kberr.Field("max_bytes", MaxDocumentBytes))
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Document{}, kberr.Wrapf(err, kberr.CodeIngestDocumentInvalid, "reading %s", path)
	}

	sourceType := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if sourceType == "" {
		sourceType = "text"
	}
	return Document{
		Filename:   filepath.Base(path),
		SourceType: sourceType,
		Text:       string(content),
	}, nil
}
