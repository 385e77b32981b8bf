package storage

import (
	"context"
	"sort"
	"time"

	"github.com/dshills/kbsearch-mcp/pkg/types"
)

// Storage defines the interface for persisting and querying the document corpus
type Storage interface {
	Writer

	// Document operations
	GetDocument(ctx context.Context, id string) (*types.Document, error)
	GetDocumentByHash(ctx context.Context, contentHash [32]byte) (*types.Document, error)
	GetDocuments(ctx context.Context, ids []string) (map[string]*types.Document, error)
	ListDocuments(ctx context.Context, limit, offset int) ([]*types.Document, error)

	// Chunk operations
	GetChunk(ctx context.Context, id string) (*types.Chunk, error)
	ListChunksByDocument(ctx context.Context, documentID string) ([]*types.Chunk, error)

	// Embedding operations
	GetEmbedding(ctx context.Context, chunkID string) (*Embedding, error)

	// Search operations
	FindByKeywords(ctx context.Context, keywords []string, filters SearchFilters, limit int) ([]*types.Chunk, error)
	NearestNeighbors(ctx context.Context, vector []float32, k int, filters SearchFilters) ([]types.Neighbor, error)

	// History operations
	RecordSearch(ctx context.Context, entry *types.HistoryEntry) error
	SearchHistory(ctx context.Context, identity string, limit, offset int) ([]types.HistoryEntry, error)
	PopularSearches(ctx context.Context, limit int) ([]types.PopularSearch, error)

	// Status operations
	Stats(ctx context.Context) (*Stats, error)

	// Database operations
	Close() error
	BeginTx(ctx context.Context) (Tx, error)
}

// Writer holds the mutating operations available both on Storage and inside a Tx.
type Writer interface {
	CreateDocument(ctx context.Context, doc *types.Document) error
	DeleteDocument(ctx context.Context, id string) error
	InsertChunks(ctx context.Context, chunks []*types.Chunk) error
	UpsertEmbedding(ctx context.Context, embedding *Embedding) error
}

// Tx represents a database transaction
type Tx interface {
	Writer
	Commit() error
	Rollback() error
}

// Embedding is the vector stored for one chunk.
type Embedding struct {
	ChunkID   string
	Vector    []float32
	Dimension int
	Provider  string
	Model     string
	CreatedAt time.Time
}

// Recognized filter keys. Other keys are ignored.
const (
	FilterDocumentID = "document_id"
	FilterLanguage   = "language"
	FilterSourceType = "source_type"
)

// SearchFilters narrows keyword and vector searches. Empty fields do not filter.
type SearchFilters struct {
	DocumentID string
	Language   string
	SourceType string
}

// ParseFilters extracts the recognized keys from a caller filter map.
func ParseFilters(m map[string]string) SearchFilters {
	return SearchFilters{
		DocumentID: m[FilterDocumentID],
		Language:   m[FilterLanguage],
		SourceType: m[FilterSourceType],
	}
}

// Applied returns the non-empty filters as a map, the shape echoed back in
// search responses.
func (f SearchFilters) Applied() map[string]string {
	out := make(map[string]string, 3)
	if f.DocumentID != "" {
		out[FilterDocumentID] = f.DocumentID
	}
	if f.Language != "" {
		out[FilterLanguage] = f.Language
	}
	if f.SourceType != "" {
		out[FilterSourceType] = f.SourceType
	}
	return out
}

// Keys returns the applied filter keys in sorted order.
func (f SearchFilters) Keys() []string {
	applied := f.Applied()
	keys := make([]string, 0, len(applied))
	for k := range applied {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stats contains corpus and database statistics
type Stats struct {
	DocumentsCount  int
	ChunksCount     int
	EmbeddingsCount int
	HistoryCount    int
	DatabaseSizeMB  float64
	BuildMode       string
	VectorExtension bool
	LastIndexedAt   time.Time
}
