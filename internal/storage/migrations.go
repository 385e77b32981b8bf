package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/Masterminds/semver/v3"

	kberr "github.com/dshills/kbsearch-mcp/pkg/errors"
)

const (
	// CurrentSchemaVersion tracks the database schema version
	CurrentSchemaVersion = "1.2.0"
)

// Migration represents a database schema migration. Backfill, when set,
// runs after Up to populate data SQL alone cannot compute.
type Migration struct {
	Version  string
	Up       string
	Down     string
	Backfill func(ctx context.Context, db *sql.DB) error
}

// AllMigrations contains all database migrations in order
var AllMigrations = []Migration{
	{
		Version: "1.0.0",
		Up:      migrationV1Up,
		Down:    migrationV1Down,
	},
	{
		Version: "1.1.0",
		Up:      migrationV11Up,
		Down:    migrationV11Down,
	},
	{
		Version:  "1.2.0",
		Up:       migrationV12Up,
		Down:     migrationV12Down,
		Backfill: backfillFoldedContent,
	},
}

// Timestamps are stored as unix milliseconds so both SQLite drivers read
// them back identically, including from aggregates.
const migrationV1Up = `
CREATE TABLE IF NOT EXISTS schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS documents (
    id TEXT PRIMARY KEY,
    filename TEXT NOT NULL,
    source_type TEXT NOT NULL DEFAULT 'text',
    language TEXT NOT NULL DEFAULT '',
    content_hash BLOB NOT NULL UNIQUE,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_source ON documents(source_type);
CREATE INDEX IF NOT EXISTS idx_documents_language ON documents(language);

CREATE TABLE IF NOT EXISTS chunks (
    id TEXT PRIMARY KEY,
    document_id TEXT NOT NULL,
    chunk_index INTEGER NOT NULL,
    content TEXT NOT NULL,
    content_hash BLOB NOT NULL,
    start_offset INTEGER NOT NULL,
    end_offset INTEGER NOT NULL,
    token_count INTEGER NOT NULL DEFAULT 0,
    language TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE,
    UNIQUE(document_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);

CREATE TABLE IF NOT EXISTS embeddings (
    chunk_id TEXT PRIMARY KEY,
    vector BLOB NOT NULL,
    dimension INTEGER NOT NULL,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (chunk_id) REFERENCES chunks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_embeddings_dimension ON embeddings(dimension);

CREATE TABLE IF NOT EXISTS search_history (
    id TEXT PRIMARY KEY,
    identity TEXT NOT NULL,
    query TEXT NOT NULL,
    language TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_identity ON search_history(identity, created_at);
`

const migrationV1Down = `
DROP TABLE IF EXISTS search_history;
DROP TABLE IF EXISTS embeddings;
DROP TABLE IF EXISTS chunks;
DROP TABLE IF EXISTS documents;
DROP TABLE IF EXISTS schema_version;
`

const migrationV11Up = `
CREATE INDEX IF NOT EXISTS idx_history_query ON search_history(query);
CREATE INDEX IF NOT EXISTS idx_chunks_language ON chunks(language);
`

const migrationV11Down = `
DROP INDEX IF EXISTS idx_chunks_language;
DROP INDEX IF EXISTS idx_history_query;
`

// content_folded holds strings.ToLower(content). SQLite's LOWER and LIKE
// fold ASCII only, so keyword matching runs against this column.
const migrationV12Up = `
ALTER TABLE chunks ADD COLUMN content_folded TEXT NOT NULL DEFAULT '';
`

const migrationV12Down = `
ALTER TABLE chunks DROP COLUMN content_folded;
`

// backfillFoldedContent folds chunks written before content_folded existed.
// Rows are read in full before updating since the pool has one connection.
func backfillFoldedContent(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, "SELECT id, content FROM chunks WHERE content_folded = ''")
	if err != nil {
		return err
	}
	folded := make(map[string]string)
	for rows.Next() {
		var id, content string
		if err := rows.Scan(&id, &content); err != nil {
			_ = rows.Close()
			return err
		}
		folded[id] = strings.ToLower(content)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for id, content := range folded {
		if _, err := tx.ExecContext(ctx, "UPDATE chunks SET content_folded = ? WHERE id = ?", content, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// currentVersion returns the newest applied schema version, or 0.0.0 on a
// fresh database.
func currentVersion(ctx context.Context, db *sql.DB) (*semver.Version, error) {
	var tableName string
	err := db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)
	if errors.Is(err, sql.ErrNoRows) {
		return semver.MustParse("0.0.0"), nil
	}
	if err != nil {
		return nil, kberr.Wrap(err, kberr.CodeStoreMigrationFailure, "checking schema_version table")
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM schema_version")
	if err != nil {
		return nil, kberr.Wrap(err, kberr.CodeStoreMigrationFailure, "reading schema_version")
	}
	defer func() { _ = rows.Close() }()

	// applied_at has second resolution, so pick the highest version rather
	// than the latest row.
	latest := semver.MustParse("0.0.0")
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, kberr.Wrap(err, kberr.CodeStoreMigrationFailure, "scanning schema_version")
		}
		v, err := semver.NewVersion(raw)
		if err != nil {
			return nil, kberr.Wrapf(err, kberr.CodeStoreMigrationFailure, "invalid schema version %s", raw)
		}
		if v.GreaterThan(latest) {
			latest = v
		}
	}
	return latest, rows.Err()
}

// ApplyMigrations runs all pending migrations
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	current, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}

	for _, migration := range AllMigrations {
		migrationVersion, err := semver.NewVersion(migration.Version)
		if err != nil {
			return kberr.Wrapf(err, kberr.CodeStoreMigrationFailure, "invalid migration version %s", migration.Version)
		}

		if !current.LessThan(migrationVersion) {
			continue
		}

		if _, err := db.ExecContext(ctx, migration.Up); err != nil {
			return kberr.Wrapf(err, kberr.CodeStoreMigrationFailure, "applying migration %s", migration.Version)
		}
		if migration.Backfill != nil {
			if err := migration.Backfill(ctx, db); err != nil {
				return kberr.Wrapf(err, kberr.CodeStoreMigrationFailure, "backfilling migration %s", migration.Version)
			}
		}

		if _, err := db.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", migration.Version); err != nil {
			return kberr.Wrapf(err, kberr.CodeStoreMigrationFailure, "recording migration %s", migration.Version)
		}

		current = migrationVersion
	}

	return nil
}

// RollbackMigration rolls back the most recent migration
func RollbackMigration(ctx context.Context, db *sql.DB) error {
	current, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}

	var migration *Migration
	for i := range AllMigrations {
		if semver.MustParse(AllMigrations[i].Version).Equal(current) {
			migration = &AllMigrations[i]
			break
		}
	}
	if migration == nil {
		return kberr.Errorf(kberr.CodeStoreMigrationFailure, "no migration to roll back from %s", current)
	}

	if _, err := db.ExecContext(ctx, migration.Down); err != nil {
		return kberr.Wrapf(err, kberr.CodeStoreMigrationFailure, "rolling back migration %s", migration.Version)
	}

	// The 1.0.0 down migration drops schema_version itself.
	if _, err := db.ExecContext(ctx, "DELETE FROM schema_version WHERE version = ?", migration.Version); err != nil {
		var tableName string
		if db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName) == nil {
			return kberr.Wrapf(err, kberr.CodeStoreMigrationFailure, "removing migration record %s", migration.Version)
		}
	}

	return nil
}
