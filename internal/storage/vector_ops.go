package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"math"
	"sort"
	"strings"

	kberr "github.com/dshills/kbsearch-mcp/pkg/errors"
	"github.com/dshills/kbsearch-mcp/pkg/types"
)

// NearestNeighbors returns up to k chunks ordered by ascending cosine
// distance from vector. Embeddings of a different dimension are skipped.
func (s *SQLiteStorage) NearestNeighbors(ctx context.Context, vector []float32, k int, filters SearchFilters) ([]types.Neighbor, error) {
	if k <= 0 || len(vector) == 0 {
		return []types.Neighbor{}, nil
	}
	// Use SQL-side distance when sqlite-vec is loaded
	if VectorExtensionAvailable {
		return s.nearestNeighborsOptimized(ctx, vector, k, filters)
	}
	return s.nearestNeighborsFallback(ctx, vector, k, filters)
}

// nearestNeighborsOptimized computes distances with sqlite-vec's vec_distance_cosine
func (s *SQLiteStorage) nearestNeighborsOptimized(ctx context.Context, vector []float32, k int, filters SearchFilters) ([]types.Neighbor, error) {
	query := `
		SELECT c.id, c.document_id, c.chunk_index, c.content, c.language,
		       vec_distance_cosine(e.vector, ?) AS distance
		FROM chunks c
		INNER JOIN embeddings e ON c.id = e.chunk_id
		INNER JOIN documents d ON c.document_id = d.id
		WHERE e.dimension = ?
	`
	args := []interface{}{serializeVector(vector), len(vector)}
	query, args = applyFilters(query, args, filters)
	query += " ORDER BY distance ASC, c.id ASC LIMIT ?"
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kberr.Wrap(err, kberr.CodeStoreDatabaseFailure, "executing vector search")
	}
	defer func() { _ = rows.Close() }()

	results := make([]types.Neighbor, 0, k)
	for rows.Next() {
		var (
			n        types.Neighbor
			language string
		)
		if err := rows.Scan(&n.ChunkID, &n.DocumentID, &n.ChunkIndex, &n.Content, &language, &n.Distance); err != nil {
			return nil, kberr.Wrap(err, kberr.CodeStoreDatabaseFailure, "scanning vector result")
		}
		n.Metadata = neighborMetadata(n, language)
		results = append(results, n)
	}
	if err := rows.Err(); err != nil {
		return nil, kberr.Wrap(err, kberr.CodeStoreDatabaseFailure, "iterating vector results")
	}
	return results, nil
}

// nearestNeighborsFallback loads candidate vectors and ranks them in Go.
// Used by purego builds where sqlite-vec is unavailable.
func (s *SQLiteStorage) nearestNeighborsFallback(ctx context.Context, vector []float32, k int, filters SearchFilters) ([]types.Neighbor, error) {
	query := `
		SELECT c.id, c.document_id, c.chunk_index, c.content, c.language, e.vector
		FROM chunks c
		INNER JOIN embeddings e ON c.id = e.chunk_id
		INNER JOIN documents d ON c.document_id = d.id
		WHERE e.dimension = ?
	`
	args := []interface{}{len(vector)}
	query, args = applyFilters(query, args, filters)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kberr.Wrap(err, kberr.CodeStoreDatabaseFailure, "querying embeddings")
	}
	defer func() { _ = rows.Close() }()

	candidates, err := computeDistances(rows, vector)
	if err != nil {
		return nil, kberr.Wrap(err, kberr.CodeStoreDatabaseFailure, "scoring embeddings")
	}

	sortNeighbors(candidates)
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// computeDistances scans candidate rows and computes cosine distance
func computeDistances(rows *sql.Rows, queryVector []float32) ([]types.Neighbor, error) {
	candidates := make([]types.Neighbor, 0, 256)

	for rows.Next() {
		var (
			n        types.Neighbor
			language string
			blob     []byte
		)
		if err := rows.Scan(&n.ChunkID, &n.DocumentID, &n.ChunkIndex, &n.Content, &language, &blob); err != nil {
			return nil, err
		}

		vec := deserializeVector(blob)
		if len(vec) != len(queryVector) {
			continue
		}

		n.Distance = 1 - cosineSimilarity(queryVector, vec)
		n.Metadata = neighborMetadata(n, language)
		candidates = append(candidates, n)
	}

	return candidates, rows.Err()
}

// sortNeighbors orders by ascending distance, then chunk ID
func sortNeighbors(candidates []types.Neighbor) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Distance != candidates[j].Distance {
			return candidates[i].Distance < candidates[j].Distance
		}
		return candidates[i].ChunkID < candidates[j].ChunkID
	})
}

func neighborMetadata(n types.Neighbor, language string) map[string]any {
	return map[string]any{
		"document_id": n.DocumentID,
		"chunk_index": n.ChunkIndex,
		"language":    language,
	}
}

// FindByKeywords returns chunks whose content contains any of the keywords
// (case-insensitive substring, Unicode-aware via content_folded). Chunks matching more distinct keywords come
// first; ties keep document order.
func (s *SQLiteStorage) FindByKeywords(ctx context.Context, keywords []string, filters SearchFilters, limit int) ([]*types.Chunk, error) {
	patterns := make([]interface{}, 0, len(keywords))
	seen := make(map[string]struct{}, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if _, dup := seen[kw]; dup {
			continue
		}
		seen[kw] = struct{}{}
		patterns = append(patterns, "%"+escapeLike(kw)+"%")
	}
	if len(patterns) == 0 || limit <= 0 {
		return []*types.Chunk{}, nil
	}

	conds := make([]string, len(patterns))
	for i := range patterns {
		conds[i] = `c.content_folded LIKE ? ESCAPE '\'`
	}

	query := "SELECT " + chunkColumns + `
		FROM chunks c
		INNER JOIN documents d ON c.document_id = d.id
		WHERE (` + strings.Join(conds, " OR ") + ")"
	args := append([]interface{}{}, patterns...)
	query, args = applyFilters(query, args, filters)

	// Each LIKE evaluates to 0 or 1, so the sum is the distinct-hit count.
	query += " ORDER BY (" + strings.Join(conds, " + ") + ") DESC, c.document_id, c.chunk_index LIMIT ?"
	args = append(args, patterns...)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kberr.Wrap(err, kberr.CodeStoreDatabaseFailure, "executing keyword search")
	}
	defer func() { _ = rows.Close() }()

	chunks, err := collectChunks(rows)
	if err != nil {
		return nil, err
	}
	if chunks == nil {
		chunks = []*types.Chunk{}
	}
	return chunks, nil
}

// applyFilters appends WHERE conditions for the recognized filters.
// The query must alias chunks as c and documents as d.
func applyFilters(query string, args []interface{}, filters SearchFilters) (string, []interface{}) {
	if filters.DocumentID != "" {
		query += " AND c.document_id = ?"
		args = append(args, filters.DocumentID)
	}
	if filters.Language != "" {
		query += " AND d.language = ?"
		args = append(args, filters.Language)
	}
	if filters.SourceType != "" {
		query += " AND d.source_type = ?"
		args = append(args, filters.SourceType)
	}
	return query, args
}

// escapeLike escapes LIKE metacharacters for use with ESCAPE '\'
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// serializeVector converts a float32 slice to a byte blob (little-endian),
// the layout sqlite-vec reads.
func serializeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// deserializeVector converts a byte blob back to a float32 slice
func deserializeVector(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		vector[i] = math.Float32frombits(bits)
	}
	return vector
}

// cosineSimilarity computes the cosine similarity between two vectors
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// CosineSimilarity is exported for callers that rank vectors in memory
func CosineSimilarity(a, b []float32) float64 {
	return cosineSimilarity(a, b)
}
