package types

import (
	"crypto/sha256"
	"errors"
	"time"
)

// Document is an ingested source text. Chunks reference it by ID and are
// deleted with it.
type Document struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	SourceType  string    `json:"source_type"`
	Language    string    `json:"language,omitempty"`
	ContentHash [32]byte  `json:"-"`
	SizeBytes   int64     `json:"size_bytes"`
	ChunkCount  int       `json:"chunk_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks the fields required before a document is stored.
func (d *Document) Validate() error {
	if d.ID == "" {
		return ErrMissingDocumentID
	}
	if d.Filename == "" {
		return ErrMissingFilename
	}
	return nil
}

// Chunk is a contiguous slice of a document's text, the unit of retrieval.
// Offsets are rune positions in the cleaned document text.
type Chunk struct {
	ID          string    `json:"id"`
	DocumentID  string    `json:"document_id"`
	Index       int       `json:"chunk_index"`
	Content     string    `json:"content"`
	ContentHash [32]byte  `json:"-"`
	StartOffset int       `json:"start_offset"`
	EndOffset   int       `json:"end_offset"`
	TokenCount  int       `json:"token_count"`
	Language    string    `json:"language,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ComputeContentHash computes the SHA-256 hash of the chunk content
func (c *Chunk) ComputeContentHash() {
	c.ContentHash = sha256.Sum256([]byte(c.Content))
}

// Validate performs structural validation of the chunk
func (c *Chunk) Validate() error {
	if c.Content == "" {
		return ErrEmptyContent
	}
	if c.DocumentID == "" {
		return ErrMissingDocumentID
	}
	if c.Index < 0 {
		return errors.New("chunk index must be non-negative")
	}
	if c.StartOffset < 0 || c.EndOffset < c.StartOffset {
		return ErrInvalidSpan
	}
	return nil
}

// Neighbor is a vector-index hit: a chunk and its distance from the query
// vector. Similarity is 1 - Distance.
type Neighbor struct {
	ChunkID    string         `json:"chunk_id"`
	DocumentID string         `json:"document_id"`
	ChunkIndex int            `json:"chunk_index"`
	Content    string         `json:"content"`
	Distance   float64        `json:"distance"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// HistoryEntry records one search issued by an identity.
type HistoryEntry struct {
	ID        string    `json:"id"`
	Identity  string    `json:"user_id"`
	Query     string    `json:"query"`
	Language  string    `json:"language,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PopularSearch is an aggregate over search history.
type PopularSearch struct {
	Query       string    `json:"query"`
	Count       int       `json:"count"`
	LastUsedAt  time.Time `json:"last_used_at"`
	UniqueUsers int       `json:"unique_users"`
}
