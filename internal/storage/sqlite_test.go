package storage

import (
	"context"
	"crypto/sha256"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kberr "github.com/dshills/kbsearch-mcp/pkg/errors"
	"github.com/dshills/kbsearch-mcp/pkg/types"
)

func setupTestDB(t *testing.T) *SQLiteStorage {
	t.Helper()

	// Use in-memory database for testing
	storage, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	require.NotNil(t, storage)
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func newTestDocument(id, filename string) *types.Document {
	return &types.Document{
		ID:          id,
		Filename:    filename,
		SourceType:  "text",
		Language:    "en",
		ContentHash: sha256.Sum256([]byte(id + filename)),
		SizeBytes:   100,
	}
}

func seedDocument(t *testing.T, s *SQLiteStorage, doc *types.Document, contents ...string) []*types.Chunk {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.CreateDocument(ctx, doc))
	chunks := make([]*types.Chunk, len(contents))
	offset := 0
	for i, content := range contents {
		chunks[i] = &types.Chunk{
			ID:          fmt.Sprintf("%s-c%d", doc.ID, i),
			DocumentID:  doc.ID,
			Index:       i,
			Content:     content,
			StartOffset: offset,
			EndOffset:   offset + len(content),
			TokenCount:  len(content) / 4,
			Language:    doc.Language,
		}
		offset += len(content)
	}
	require.NoError(t, s.InsertChunks(ctx, chunks))
	return chunks
}

func TestNewSQLiteStorage(t *testing.T) {
	storage := setupTestDB(t)
	assert.NotNil(t, storage.db)

	var version string
	err := storage.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

func TestApplyMigrations_Idempotent(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, ApplyMigrations(ctx, storage.db))

	var count int
	require.NoError(t, storage.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count))
	assert.Equal(t, len(AllMigrations), count)
}

func TestRollbackMigration(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, RollbackMigration(ctx, storage.db))
	v, err := currentVersion(ctx, storage.db)
	require.NoError(t, err)
	assert.Equal(t, AllMigrations[len(AllMigrations)-2].Version, v.String())

	require.NoError(t, ApplyMigrations(ctx, storage.db))
	v, err = currentVersion(ctx, storage.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, v.String())
}

func TestCreateAndGetDocument(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	doc := newTestDocument("doc-1", "erp.txt")
	seedDocument(t, storage, doc, "first chunk", "second chunk")

	got, err := storage.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "erp.txt", got.Filename)
	assert.Equal(t, "en", got.Language)
	assert.Equal(t, doc.ContentHash, got.ContentHash)
	assert.Equal(t, 2, got.ChunkCount)
	assert.WithinDuration(t, time.Now(), got.CreatedAt, 5*time.Second)

	byHash, err := storage.GetDocumentByHash(ctx, doc.ContentHash)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", byHash.ID)

	// duplicate content hash is rejected
	dup := newTestDocument("doc-2", "copy.txt")
	dup.ContentHash = doc.ContentHash
	assert.Error(t, storage.CreateDocument(ctx, dup))
}

func TestGetDocument_NotFound(t *testing.T) {
	storage := setupTestDB(t)

	_, err := storage.GetDocument(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, kberr.IsNotFound(err))
}

func TestCreateDocument_Invalid(t *testing.T) {
	storage := setupTestDB(t)

	err := storage.CreateDocument(context.Background(), &types.Document{ID: "x"})
	require.Error(t, err)
	assert.True(t, kberr.IsInvalidInput(err))
}

func TestGetDocuments(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	for i := range 3 {
		require.NoError(t, storage.CreateDocument(ctx, newTestDocument(fmt.Sprintf("d%d", i), "f.txt")))
	}

	docs, err := storage.GetDocuments(ctx, []string{"d0", "d2", "nope"})
	require.NoError(t, err)
	assert.Len(t, docs, 2)
	assert.Contains(t, docs, "d0")
	assert.Contains(t, docs, "d2")

	empty, err := storage.GetDocuments(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	list, err := storage.ListDocuments(ctx, 2, 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	all, err := storage.ListDocuments(ctx, 0, 1)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDeleteDocument_Cascades(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	chunks := seedDocument(t, storage, newTestDocument("doc-1", "a.txt"), "alpha", "beta")
	require.NoError(t, storage.UpsertEmbedding(ctx, &Embedding{
		ChunkID: chunks[0].ID, Vector: []float32{1, 0}, Provider: "local", Model: "hash",
	}))

	require.NoError(t, storage.DeleteDocument(ctx, "doc-1"))

	_, err := storage.GetChunk(ctx, chunks[0].ID)
	assert.True(t, kberr.IsNotFound(err))
	_, err = storage.GetEmbedding(ctx, chunks[0].ID)
	assert.True(t, kberr.IsNotFound(err))

	err = storage.DeleteDocument(ctx, "doc-1")
	assert.True(t, kberr.IsNotFound(err))
}

func TestChunks(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	chunks := seedDocument(t, storage, newTestDocument("doc-1", "a.txt"), "zero", "one", "two")

	got, err := storage.GetChunk(ctx, chunks[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "one", got.Content)
	assert.Equal(t, 1, got.Index)
	assert.Equal(t, sha256.Sum256([]byte("one")), got.ContentHash)

	list, err := storage.ListChunksByDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i, c := range list {
		assert.Equal(t, i, c.Index)
	}

	// chunk must reference an existing document
	orphan := &types.Chunk{ID: "o", DocumentID: "nope", Content: "x", EndOffset: 1}
	assert.Error(t, storage.InsertChunks(ctx, []*types.Chunk{orphan}))
}

func TestEmbeddingUpsert(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	chunks := seedDocument(t, storage, newTestDocument("doc-1", "a.txt"), "alpha")

	require.NoError(t, storage.UpsertEmbedding(ctx, &Embedding{ChunkID: chunks[0].ID, Vector: []float32{1, 2, 3}, Provider: "p", Model: "m1"}))
	require.NoError(t, storage.UpsertEmbedding(ctx, &Embedding{ChunkID: chunks[0].ID, Vector: []float32{4, 5}, Provider: "p", Model: "m2"}))

	got, err := storage.GetEmbedding(ctx, chunks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 5}, got.Vector)
	assert.Equal(t, 2, got.Dimension)
	assert.Equal(t, "m2", got.Model)

	err = storage.UpsertEmbedding(ctx, &Embedding{ChunkID: chunks[0].ID})
	assert.True(t, kberr.IsInvalidInput(err))
}

func TestTransaction(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	t.Run("rollback discards writes", func(t *testing.T) {
		tx, err := storage.BeginTx(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.CreateDocument(ctx, newTestDocument("tx-1", "a.txt")))
		require.NoError(t, tx.Rollback())

		_, err = storage.GetDocument(ctx, "tx-1")
		assert.True(t, kberr.IsNotFound(err))
	})

	t.Run("commit persists writes", func(t *testing.T) {
		tx, err := storage.BeginTx(ctx)
		require.NoError(t, err)
		require.NoError(t, tx.CreateDocument(ctx, newTestDocument("tx-2", "b.txt")))
		require.NoError(t, tx.InsertChunks(ctx, []*types.Chunk{{ID: "tx-2-c0", DocumentID: "tx-2", Content: "hello", EndOffset: 5}}))
		require.NoError(t, tx.UpsertEmbedding(ctx, &Embedding{ChunkID: "tx-2-c0", Vector: []float32{1}, Provider: "p", Model: "m"}))
		require.NoError(t, tx.Commit())

		doc, err := storage.GetDocument(ctx, "tx-2")
		require.NoError(t, err)
		assert.Equal(t, 1, doc.ChunkCount)
	})
}

func TestSearchHistory(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	entries := []types.HistoryEntry{
		{ID: "h1", Identity: "alice", Query: "erp", CreatedAt: base},
		{ID: "h2", Identity: "alice", Query: "iso 9001", CreatedAt: base.Add(time.Minute)},
		{ID: "h3", Identity: "bob", Query: "erp", CreatedAt: base.Add(2 * time.Minute)},
		{ID: "h4", Identity: "carol", Query: "erp", CreatedAt: base.Add(3 * time.Minute)},
		{ID: "h5", Identity: "alice", Query: "iso 9001", CreatedAt: base.Add(4 * time.Minute)},
	}
	for i := range entries {
		require.NoError(t, storage.RecordSearch(ctx, &entries[i]))
	}

	history, err := storage.SearchHistory(ctx, "alice", 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "h5", history[0].ID)
	assert.Equal(t, "h1", history[2].ID)
	assert.Equal(t, base, history[2].CreatedAt)

	page, err := storage.SearchHistory(ctx, "alice", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "h2", page[0].ID)

	popular, err := storage.PopularSearches(ctx, 10)
	require.NoError(t, err)
	require.Len(t, popular, 2)
	assert.Equal(t, "erp", popular[0].Query)
	assert.Equal(t, 3, popular[0].Count)
	assert.Equal(t, 3, popular[0].UniqueUsers)
	assert.Equal(t, "iso 9001", popular[1].Query)
	assert.Equal(t, 1, popular[1].UniqueUsers)
	assert.Equal(t, base.Add(4*time.Minute), popular[1].LastUsedAt)

	err = storage.RecordSearch(ctx, &types.HistoryEntry{ID: "x"})
	assert.True(t, kberr.IsInvalidInput(err))
}

func TestStats(t *testing.T) {
	storage := setupTestDB(t)
	ctx := context.Background()

	chunks := seedDocument(t, storage, newTestDocument("doc-1", "a.txt"), "alpha", "beta")
	require.NoError(t, storage.UpsertEmbedding(ctx, &Embedding{ChunkID: chunks[0].ID, Vector: []float32{1}, Provider: "p", Model: "m"}))
	require.NoError(t, storage.RecordSearch(ctx, &types.HistoryEntry{ID: "h", Identity: "u", Query: "q"}))

	stats, err := storage.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DocumentsCount)
	assert.Equal(t, 2, stats.ChunksCount)
	assert.Equal(t, 1, stats.EmbeddingsCount)
	assert.Equal(t, 1, stats.HistoryCount)
	assert.Equal(t, BuildMode, stats.BuildMode)
	assert.False(t, stats.LastIndexedAt.IsZero())
}

func TestFilters(t *testing.T) {
	f := ParseFilters(map[string]string{
		"document_id": "d1",
		"language":    "ja",
		"unknown":     "ignored",
	})
	assert.Equal(t, SearchFilters{DocumentID: "d1", Language: "ja"}, f)
	assert.Equal(t, map[string]string{"document_id": "d1", "language": "ja"}, f.Applied())
	assert.Equal(t, []string{"document_id", "language"}, f.Keys())
	assert.Empty(t, ParseFilters(nil).Applied())
}
