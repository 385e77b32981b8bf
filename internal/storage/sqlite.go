package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	kberr "github.com/dshills/kbsearch-mcp/pkg/errors"
	"github.com/dshills/kbsearch-mcp/pkg/types"
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db     *sql.DB
	logger zerolog.Logger
}

var _ Storage = (*SQLiteStorage)(nil)

// Option configures a SQLiteStorage.
type Option func(*SQLiteStorage)

// WithLogger sets the storage logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *SQLiteStorage) {
		s.logger = logger.With().Str("component", "storage").Logger()
	}
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, kberr.Wrap(err, kberr.CodeStoreDatabaseFailure, "enabling WAL mode")
	}

	// A single connection keeps per-connection pragmas and :memory:
	// databases consistent.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, kberr.Wrap(err, kberr.CodeStoreDatabaseFailure, "enabling foreign keys")
	}

	return db, nil
}

// NewSQLiteStorage opens dbPath and applies pending migrations
func NewSQLiteStorage(dbPath string, opts ...Option) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, kberr.Wrapf(err, kberr.CodeStoreDatabaseFailure, "opening database %s", dbPath)
	}

	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteStorage{db: db, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger.Debug().Str("path", dbPath).Str("build_mode", BuildMode).Msg("database opened")
	return s, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *SQLiteStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, kberr.Wrap(err, kberr.CodeStoreDatabaseFailure, "beginning transaction")
	}
	return &sqliteTx{tx: tx, storage: s}, nil
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// sqliteTx wraps a SQL transaction
type sqliteTx struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

var _ Tx = (*sqliteTx)(nil)

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

func (t *sqliteTx) CreateDocument(ctx context.Context, doc *types.Document) error {
	return t.storage.createDocumentWithQuerier(ctx, t.tx, doc)
}

func (t *sqliteTx) DeleteDocument(ctx context.Context, id string) error {
	return t.storage.deleteDocumentWithQuerier(ctx, t.tx, id)
}

func (t *sqliteTx) InsertChunks(ctx context.Context, chunks []*types.Chunk) error {
	return t.storage.insertChunksWithQuerier(ctx, t.tx, chunks)
}

func (t *sqliteTx) UpsertEmbedding(ctx context.Context, embedding *Embedding) error {
	return t.storage.upsertEmbeddingWithQuerier(ctx, t.tx, embedding)
}

// Document operations

const documentColumns = `
	d.id, d.filename, d.source_type, d.language, d.content_hash, d.size_bytes,
	d.created_at, d.updated_at,
	(SELECT COUNT(*) FROM chunks c WHERE c.document_id = d.id) AS chunk_count
`

func (s *SQLiteStorage) createDocumentWithQuerier(ctx context.Context, q querier, doc *types.Document) error {
	if err := doc.Validate(); err != nil {
		return kberr.Wrap(err, kberr.CodeStoreInvalidInput, "invalid document")
	}

	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	if doc.SourceType == "" {
		doc.SourceType = "text"
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO documents (id, filename, source_type, language, content_hash, size_bytes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, doc.ID, doc.Filename, doc.SourceType, doc.Language, doc.ContentHash[:], doc.SizeBytes,
		toMillis(doc.CreatedAt), toMillis(doc.UpdatedAt))
	if err != nil {
		return kberr.Wrapf(err, kberr.CodeStoreDatabaseFailure, "creating document %s", doc.ID)
	}
	return nil
}

func (s *SQLiteStorage) CreateDocument(ctx context.Context, doc *types.Document) error {
	return s.createDocumentWithQuerier(ctx, s.db, doc)
}

func (s *SQLiteStorage) GetDocument(ctx context.Context, id string) (*types.Document, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+documentColumns+" FROM documents d WHERE d.id = ?", id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kberr.New(kberr.CodeStoreEntityNotFound, "document not found", kberr.Field("document_id", id))
	}
	if err != nil {
		return nil, kberr.Wrapf(err, kberr.CodeStoreDatabaseFailure, "getting document %s", id)
	}
	return doc, nil
}

func (s *SQLiteStorage) GetDocumentByHash(ctx context.Context, contentHash [32]byte) (*types.Document, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+documentColumns+" FROM documents d WHERE d.content_hash = ?", contentHash[:])
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kberr.New(kberr.CodeStoreEntityNotFound, "document not found")
	}
	if err != nil {
		return nil, kberr.Wrap(err, kberr.CodeStoreDatabaseFailure, "getting document by hash")
	}
	return doc, nil
}

// GetDocuments fetches documents by ID in one query. Missing IDs are absent
// from the returned map.
func (s *SQLiteStorage) GetDocuments(ctx context.Context, ids []string) (map[string]*types.Document, error) {
	out := make(map[string]*types.Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+documentColumns+" FROM documents d WHERE d.id IN ("+placeholders(len(ids))+")", args...)
	if err != nil {
		return nil, kberr.Wrap(err, kberr.CodeStoreDatabaseFailure, "getting documents")
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, kberr.Wrap(err, kberr.CodeStoreDatabaseFailure, "scanning document")
		}
		out[doc.ID] = doc
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) ListDocuments(ctx context.Context, limit, offset int) ([]*types.Document, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+documentColumns+" FROM documents d ORDER BY d.created_at DESC, d.id LIMIT ? OFFSET ?",
		limit, max(offset, 0))
	if err != nil {
		return nil, kberr.Wrap(err, kberr.CodeStoreDatabaseFailure, "listing documents")
	}
	defer func() { _ = rows.Close() }()

	var docs []*types.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, kberr.Wrap(err, kberr.CodeStoreDatabaseFailure, "scanning document")
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// deleteDocumentWithQuerier removes a document. Chunks and embeddings go
// with it through ON DELETE CASCADE.
func (s *SQLiteStorage) deleteDocumentWithQuerier(ctx context.Context, q querier, id string) error {
	res, err := q.ExecContext(ctx, "DELETE FROM documents WHERE id = ?", id)
	if err != nil {
		return kberr.Wrapf(err, kberr.CodeStoreDatabaseFailure, "deleting document %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return kberr.Wrap(err, kberr.CodeStoreDatabaseFailure, "reading rows affected")
	}
	if n == 0 {
		return kberr.New(kberr.CodeStoreEntityNotFound, "document not found", kberr.Field("document_id", id))
	}
	return nil
}

func (s *SQLiteStorage) DeleteDocument(ctx context.Context, id string) error {
	return s.deleteDocumentWithQuerier(ctx, s.db, id)
}

// Chunk operations

const chunkColumns = `
	c.id, c.document_id, c.chunk_index, c.content, c.content_hash, c.start_offset,
	c.end_offset, c.token_count, c.language, c.created_at
`

func (s *SQLiteStorage) insertChunksWithQuerier(ctx context.Context, q querier, chunks []*types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	query := `
		INSERT INTO chunks (id, document_id, chunk_index, content, content_folded, content_hash,
		                    start_offset, end_offset, token_count, language, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now().UTC()
	for _, chunk := range chunks {
		if err := chunk.Validate(); err != nil {
			return kberr.Wrapf(err, kberr.CodeStoreInvalidInput, "invalid chunk %d", chunk.Index)
		}
		if chunk.CreatedAt.IsZero() {
			chunk.CreatedAt = now
		}
		chunk.ComputeContentHash()

		_, err := q.ExecContext(ctx, query,
			chunk.ID, chunk.DocumentID, chunk.Index, chunk.Content, strings.ToLower(chunk.Content), chunk.ContentHash[:],
			chunk.StartOffset, chunk.EndOffset, chunk.TokenCount, chunk.Language, toMillis(chunk.CreatedAt))
		if err != nil {
			return kberr.Wrapf(err, kberr.CodeStoreDatabaseFailure, "inserting chunk %d of %s", chunk.Index, chunk.DocumentID)
		}
	}
	return nil
}

func (s *SQLiteStorage) InsertChunks(ctx context.Context, chunks []*types.Chunk) error {
	return s.insertChunksWithQuerier(ctx, s.db, chunks)
}

func (s *SQLiteStorage) GetChunk(ctx context.Context, id string) (*types.Chunk, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+chunkColumns+" FROM chunks c WHERE c.id = ?", id)
	chunk, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kberr.New(kberr.CodeStoreEntityNotFound, "chunk not found", kberr.Field("chunk_id", id))
	}
	if err != nil {
		return nil, kberr.Wrapf(err, kberr.CodeStoreDatabaseFailure, "getting chunk %s", id)
	}
	return chunk, nil
}

func (s *SQLiteStorage) ListChunksByDocument(ctx context.Context, documentID string) ([]*types.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+chunkColumns+" FROM chunks c WHERE c.document_id = ? ORDER BY c.chunk_index", documentID)
	if err != nil {
		return nil, kberr.Wrap(err, kberr.CodeStoreDatabaseFailure, "listing chunks")
	}
	defer func() { _ = rows.Close() }()
	return collectChunks(rows)
}

// Embedding operations

func (s *SQLiteStorage) upsertEmbeddingWithQuerier(ctx context.Context, q querier, embedding *Embedding) error {
	if embedding.ChunkID == "" || len(embedding.Vector) == 0 {
		return kberr.New(kberr.CodeStoreInvalidInput, "embedding requires a chunk id and a vector")
	}
	if embedding.CreatedAt.IsZero() {
		embedding.CreatedAt = time.Now().UTC()
	}
	embedding.Dimension = len(embedding.Vector)

	_, err := q.ExecContext(ctx, `
		INSERT INTO embeddings (chunk_id, vector, dimension, provider, model, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET
			vector = excluded.vector,
			dimension = excluded.dimension,
			provider = excluded.provider,
			model = excluded.model,
			created_at = excluded.created_at
	`, embedding.ChunkID, serializeVector(embedding.Vector), embedding.Dimension,
		embedding.Provider, embedding.Model, toMillis(embedding.CreatedAt))
	if err != nil {
		return kberr.Wrapf(err, kberr.CodeStoreDatabaseFailure, "upserting embedding for chunk %s", embedding.ChunkID)
	}
	return nil
}

func (s *SQLiteStorage) UpsertEmbedding(ctx context.Context, embedding *Embedding) error {
	return s.upsertEmbeddingWithQuerier(ctx, s.db, embedding)
}

func (s *SQLiteStorage) GetEmbedding(ctx context.Context, chunkID string) (*Embedding, error) {
	var (
		e         Embedding
		blob      []byte
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT chunk_id, vector, dimension, provider, model, created_at
		FROM embeddings WHERE chunk_id = ?
	`, chunkID).Scan(&e.ChunkID, &blob, &e.Dimension, &e.Provider, &e.Model, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kberr.New(kberr.CodeStoreEntityNotFound, "embedding not found", kberr.Field("chunk_id", chunkID))
	}
	if err != nil {
		return nil, kberr.Wrapf(err, kberr.CodeStoreDatabaseFailure, "getting embedding for chunk %s", chunkID)
	}
	e.Vector = deserializeVector(blob)
	e.CreatedAt = fromMillis(createdAt)
	return &e, nil
}

// Status operations

func (s *SQLiteStorage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		BuildMode:       BuildMode,
		VectorExtension: VectorExtensionAvailable,
	}

	counts := []struct {
		table string
		dst   *int
	}{
		{"documents", &stats.DocumentsCount},
		{"chunks", &stats.ChunksCount},
		{"embeddings", &stats.EmbeddingsCount},
		{"search_history", &stats.HistoryCount},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dst); err != nil {
			return nil, kberr.Wrapf(err, kberr.CodeStoreDatabaseFailure, "counting %s", c.table)
		}
	}

	var lastIndexed sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(updated_at) FROM documents").Scan(&lastIndexed); err == nil && lastIndexed.Valid {
		stats.LastIndexedAt = fromMillis(lastIndexed.Int64)
	}

	var pageCount, pageSize int
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err == nil {
		_ = s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
		stats.DatabaseSizeMB = float64(pageCount*pageSize) / (1024 * 1024)
	}

	return stats, nil
}

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(sc scanner) (*types.Document, error) {
	var (
		doc                  types.Document
		hash                 []byte
		createdAt, updatedAt int64
	)
	err := sc.Scan(&doc.ID, &doc.Filename, &doc.SourceType, &doc.Language, &hash, &doc.SizeBytes,
		&createdAt, &updatedAt, &doc.ChunkCount)
	if err != nil {
		return nil, err
	}
	copy(doc.ContentHash[:], hash)
	doc.CreatedAt = fromMillis(createdAt)
	doc.UpdatedAt = fromMillis(updatedAt)
	return &doc, nil
}

func scanChunk(sc scanner) (*types.Chunk, error) {
	var (
		chunk     types.Chunk
		hash      []byte
		createdAt int64
	)
	err := sc.Scan(&chunk.ID, &chunk.DocumentID, &chunk.Index, &chunk.Content, &hash,
		&chunk.StartOffset, &chunk.EndOffset, &chunk.TokenCount, &chunk.Language, &createdAt)
	if err != nil {
		return nil, err
	}
	copy(chunk.ContentHash[:], hash)
	chunk.CreatedAt = fromMillis(createdAt)
	return &chunk, nil
}

func collectChunks(rows *sql.Rows) ([]*types.Chunk, error) {
	var chunks []*types.Chunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, kberr.Wrap(err, kberr.CodeStoreDatabaseFailure, "scanning chunk")
		}
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, kberr.Wrap(err, kberr.CodeStoreDatabaseFailure, "iterating chunks")
	}
	return chunks, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
