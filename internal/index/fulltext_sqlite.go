package index

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// snippetTokens bounds the snippet length around the best match.
const snippetTokens = 32

// SQLiteFullText implements FullTextIndex using SQLite FTS5 with BM25
// scoring and built-in snippet extraction. WAL mode allows readers to
// keep searching while a worker commits.
type SQLiteFullText struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

// Verify interface implementation at compile time
var _ FullTextIndex = (*SQLiteFullText)(nil)

// validateFTSIntegrity checks an FTS5 index file before opening.
// Returns nil if valid, error describing corruption if not.
func validateFTSIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // Index doesn't exist, will be created
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master
                       WHERE type='table' AND name='fts_chunks'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("cannot query schema: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("FTS5 table 'fts_chunks' missing")
	}

	return nil
}

// NewSQLiteFullText creates an FTS5-backed full-text index.
// If path is empty, creates an in-memory index for testing.
func NewSQLiteFullText(path string) (*SQLiteFullText, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}

		if validErr := validateFTSIntegrity(path); validErr != nil {
			slog.Warn("fulltext_index_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))

			// Auto-clear corrupted index
			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				return nil, fmt.Errorf("fulltext index corrupted at %s and cannot remove: %w (original error: %v)", path, removeErr, validErr)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")

			slog.Info("fulltext_index_cleared",
				slog.String("path", path),
				slog.String("reason", "corruption detected, please rescan"))
		}

		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to prevent lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL mode must be set via PRAGMA for modernc.org/sqlite
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	idx := &SQLiteFullText{
		db:   db,
		path: path,
	}

	if err := idx.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return idx, nil
}

// initSchema creates the FTS5 virtual table.
func (s *SQLiteFullText) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	-- FTS5 virtual table with BM25 scoring and snippet() support.
	-- chunk_id is UNINDEXED (stored but not searchable).
	CREATE VIRTUAL TABLE IF NOT EXISTS fts_chunks USING fts5(
		chunk_id UNINDEXED,
		content,
		tokenize='porter unicode61'
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Index adds chunks to the index. Existing ids are replaced.
func (s *SQLiteFullText) Index(ctx context.Context, docs []ChunkDoc) error {
	if len(docs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("index is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// FTS5 virtual tables don't support REPLACE, so delete first
	deleteStmt, err := tx.PrepareContext(ctx,
		`DELETE FROM fts_chunks WHERE chunk_id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}
	defer deleteStmt.Close()

	insertStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO fts_chunks(chunk_id, content) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	defer insertStmt.Close()

	for _, doc := range docs {
		if _, err := deleteStmt.ExecContext(ctx, doc.ID); err != nil {
			return fmt.Errorf("failed to delete existing chunk %s: %w", doc.ID, err)
		}
		if _, err := insertStmt.ExecContext(ctx, doc.ID, doc.Text); err != nil {
			return fmt.Errorf("failed to index chunk %s: %w", doc.ID, err)
		}
	}

	return tx.Commit()
}

// Search returns ranked hits with snippets plus the total match count.
func (s *SQLiteFullText) Search(ctx context.Context, query string, limit, offset int) ([]*Hit, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, 0, fmt.Errorf("index is closed")
	}

	tokens := queryTokens(query)
	if len(tokens) == 0 {
		return []*Hit{}, 0, nil
	}

	// Space-separated terms give AND matching in FTS5
	matchQuery := strings.Join(tokens, " ")

	// The count covers every indexed entry matching the query. Entries
	// for chunk sets that are still staged, or retired entries whose
	// best-effort delete has not landed yet, are included until the
	// ingestion settles, so the total can briefly exceed the number of
	// resolvable live hits.
	var total int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fts_chunks WHERE fts_chunks MATCH ?`, matchQuery).Scan(&total)
	if err != nil {
		if isFTSSyntaxError(err) {
			return []*Hit{}, 0, nil
		}
		return nil, 0, fmt.Errorf("count failed: %w", err)
	}

	// bm25() returns negative values where lower = better match
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id,
		       bm25(fts_chunks) AS score,
		       snippet(fts_chunks, 1, '<mark>', '</mark>', '...', ?)
		FROM fts_chunks
		WHERE fts_chunks MATCH ?
		ORDER BY score
		LIMIT ? OFFSET ?`,
		snippetTokens, matchQuery, limit, offset)
	if err != nil {
		if isFTSSyntaxError(err) {
			return []*Hit{}, 0, nil
		}
		return nil, 0, fmt.Errorf("search failed: %w", err)
	}
	defer rows.Close()

	var hits []*Hit
	for rows.Next() {
		var chunkID, snippet string
		var score float64
		if err := rows.Scan(&chunkID, &score, &snippet); err != nil {
			return nil, 0, fmt.Errorf("failed to scan result: %w", err)
		}
		// Negate: higher positive = better match
		hits = append(hits, &Hit{
			ChunkID: chunkID,
			Score:   -score,
			Snippet: snippet,
		})
	}
	if hits == nil {
		hits = []*Hit{}
	}

	return hits, total, rows.Err()
}

// isFTSSyntaxError reports whether an error came from FTS5 query parsing.
func isFTSSyntaxError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "fts5:") || strings.Contains(msg, "syntax error")
}

// Delete removes chunks from the index.
func (s *SQLiteFullText) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("index is closed")
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf("DELETE FROM fts_chunks WHERE chunk_id IN (%s)",
		strings.Join(placeholders, ","))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}

	return nil
}

// Close closes the index. Forces a WAL checkpoint before closing.
func (s *SQLiteFullText) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil // Idempotent
	}

	s.closed = true
	if s.db != nil {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return s.db.Close()
	}
	return nil
}
