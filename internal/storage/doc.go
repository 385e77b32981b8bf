// Package storage provides SQLite-based persistence for the document corpus.
//
// The storage layer manages:
//   - Documents and their content hashes
//   - Text chunks with byte offsets into the cleaned document
//   - Vector embeddings for chunks
//   - Per-identity search history
//
// # Database Schema
//
// Tables:
//   - documents: filename, source type, detected language, SHA-256 hash
//   - chunks: ordered slices of a document (ON DELETE CASCADE)
//   - embeddings: one little-endian float32 vector per chunk (ON DELETE CASCADE)
//   - search_history: identity, query, language, timestamp
//   - schema_version: applied semver migrations
//
// # Basic Usage
//
//	db, err := storage.NewSQLiteStorage("~/.kbsearch/kbsearch.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
// # Transactions
//
// Ingestion writes a document and its chunks atomically:
//
//	tx, err := db.BeginTx(ctx)
//	if err != nil {
//	    return err
//	}
//	defer func() { _ = tx.Rollback() }()
//
//	if err := tx.CreateDocument(ctx, doc); err != nil {
//	    return err
//	}
//	if err := tx.InsertChunks(ctx, chunks); err != nil {
//	    return err
//	}
//	return tx.Commit()
//
// # Search
//
// FindByKeywords matches chunks containing any keyword as a case-insensitive
// substring (SQL LIKE with escaped metacharacters). NearestNeighbors ranks
// chunks by cosine distance to a query vector. Both accept SearchFilters on
// document_id, language and source_type.
//
// # Build Modes
//
// The default build uses modernc.org/sqlite and ranks vectors in Go. Building
// with -tags sqlite_vec (CGO) switches to mattn/go-sqlite3 with the sqlite-vec
// extension and computes vec_distance_cosine in SQL. BuildMode and
// VectorExtensionAvailable report which one is active.
package storage
