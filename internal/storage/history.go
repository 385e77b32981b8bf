package storage

import (
	"context"
	"time"

	kberr "github.com/dshills/kbsearch-mcp/pkg/errors"
	"github.com/dshills/kbsearch-mcp/pkg/types"
)

const (
	DefaultHistoryLimit = 50
	DefaultPopularLimit = 20
)

// RecordSearch appends a search history entry.
func (s *SQLiteStorage) RecordSearch(ctx context.Context, entry *types.HistoryEntry) error {
	if entry.ID == "" || entry.Identity == "" {
		return kberr.New(kberr.CodeStoreInvalidInput, "history entry requires id and identity")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO search_history (id, identity, query, language, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, entry.ID, entry.Identity, entry.Query, entry.Language, toMillis(entry.CreatedAt))
	if err != nil {
		return kberr.Wrap(err, kberr.CodeStoreDatabaseFailure, "recording search history")
	}
	return nil
}

// SearchHistory returns an identity's searches, newest first.
func (s *SQLiteStorage) SearchHistory(ctx context.Context, identity string, limit, offset int) ([]types.HistoryEntry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identity, query, language, created_at
		FROM search_history
		WHERE identity = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, identity, limit, max(offset, 0))
	if err != nil {
		return nil, kberr.Wrap(err, kberr.CodeStoreDatabaseFailure, "querying search history")
	}
	defer func() { _ = rows.Close() }()

	entries := make([]types.HistoryEntry, 0, limit)
	for rows.Next() {
		var (
			e         types.HistoryEntry
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.Identity, &e.Query, &e.Language, &createdAt); err != nil {
			return nil, kberr.Wrap(err, kberr.CodeStoreDatabaseFailure, "scanning history entry")
		}
		e.CreatedAt = fromMillis(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PopularSearches aggregates history by query text, most frequent first.
func (s *SQLiteStorage) PopularSearches(ctx context.Context, limit int) ([]types.PopularSearch, error) {
	if limit <= 0 {
		limit = DefaultPopularLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT query, COUNT(*) AS cnt, MAX(created_at) AS last_used, COUNT(DISTINCT identity)
		FROM search_history
		GROUP BY query
		ORDER BY cnt DESC, last_used DESC, query ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, kberr.Wrap(err, kberr.CodeStoreDatabaseFailure, "querying popular searches")
	}
	defer func() { _ = rows.Close() }()

	out := make([]types.PopularSearch, 0, limit)
	for rows.Next() {
		var (
			p        types.PopularSearch
			lastUsed int64
		)
		if err := rows.Scan(&p.Query, &p.Count, &lastUsed, &p.UniqueUsers); err != nil {
			return nil, kberr.Wrap(err, kberr.CodeStoreDatabaseFailure, "scanning popular search")
		}
		p.LastUsedAt = fromMillis(lastUsed)
		out = append(out, p)
	}
	return out, rows.Err()
}
