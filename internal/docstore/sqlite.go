package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	sifterr "github.com/docsift/docsift/internal/errors"
)

// SQLiteStore implements Store on SQLite with WAL mode.
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

// Verify interface implementation at compile time
var _ Store = (*SQLiteStore)(nil)

// validateIntegrity checks the database before opening.
// Returns nil if valid, error describing corruption if not.
func validateIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // Database doesn't exist, will be created
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

	return nil
}

// NewSQLiteStore opens or creates the metadata database.
// If path is empty, creates an in-memory store for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}

		if validErr := validateIntegrity(path); validErr != nil {
			slog.Warn("docstore_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))

			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				return nil, fmt.Errorf("store corrupted at %s and cannot remove: %w (original error: %v)", path, removeErr, validErr)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")

			slog.Info("docstore_cleared",
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
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteStore{
		db:   db,
		path: path,
	}

	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// initSchema creates all tables.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS documents (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		filename TEXT NOT NULL,
		source_path TEXT NOT NULL UNIQUE,
		storage_path TEXT NOT NULL DEFAULT '',
		fingerprint TEXT NOT NULL,
		status TEXT NOT NULL,
		page_count INTEGER NOT NULL DEFAULT 0,
		error_msg TEXT NOT NULL DEFAULT '',
		file_size INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_fingerprint ON documents(fingerprint);

	-- live=0 rows are staged chunk sets not yet visible to search
	CREATE TABLE IF NOT EXISTS chunks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id INTEGER NOT NULL REFERENCES documents(id),
		page_no INTEGER NOT NULL,
		text TEXT NOT NULL,
		bbox TEXT,
		embedding_id TEXT NOT NULL DEFAULT '',
		live INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id, live);

	CREATE TABLE IF NOT EXISTS scan_jobs (
		job_id TEXT PRIMARY KEY,
		scan_path TEXT NOT NULL,
		include_subfolders INTEGER NOT NULL,
		status TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		new_files INTEGER NOT NULL DEFAULT 0,
		skipped_files INTEGER NOT NULL DEFAULT 0,
		error_count INTEGER NOT NULL DEFAULT 0,
		errors TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id INTEGER NOT NULL,
		source_path TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		job_id TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		enqueued_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_job ON tasks(job_id);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`

	_, err := s.db.Exec(schema)
	return err
}

const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// --- Documents ---

// CreateDocument inserts a new document and sets its ID and timestamps.
func (s *SQLiteStore) CreateDocument(ctx context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	now := time.Now()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	if doc.Status == "" {
		doc.Status = StatusQueued
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (filename, source_path, storage_path, fingerprint, status, page_count, error_msg, file_size, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.Filename, doc.SourcePath, doc.StoragePath, doc.Fingerprint, string(doc.Status),
		doc.PageCount, doc.ErrorMsg, doc.FileSize, formatTime(now), formatTime(now))
	if err != nil {
		return sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	doc.ID = id
	return nil
}

const documentColumns = `id, filename, source_path, storage_path, fingerprint, status, page_count, error_msg, file_size, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (*Document, error) {
	var doc Document
	var status, createdAt, updatedAt string
	err := row.Scan(&doc.ID, &doc.Filename, &doc.SourcePath, &doc.StoragePath,
		&doc.Fingerprint, &status, &doc.PageCount, &doc.ErrorMsg, &doc.FileSize,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	doc.Status = DocumentStatus(status)
	doc.CreatedAt = parseTime(createdAt)
	doc.UpdatedAt = parseTime(updatedAt)
	return &doc, nil
}

// GetDocument fetches a document by id.
func (s *SQLiteStore) GetDocument(ctx context.Context, id int64) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, sifterr.New(sifterr.ErrCodeDocumentNotFound,
			fmt.Sprintf("document %d not found", id), nil)
	}
	if err != nil {
		return nil, sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	return doc, nil
}

// GetDocumentByPath fetches a document by source path.
func (s *SQLiteStore) GetDocumentByPath(ctx context.Context, sourcePath string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE source_path = ?`, sourcePath)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, sifterr.New(sifterr.ErrCodeDocumentNotFound,
			fmt.Sprintf("no document at %s", sourcePath), nil)
	}
	if err != nil {
		return nil, sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	return doc, nil
}

// GetDocumentByFingerprint fetches a document by content fingerprint.
// Used by upload dedup: identical content is never re-ingested.
func (s *SQLiteStore) GetDocumentByFingerprint(ctx context.Context, fingerprint string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE fingerprint = ? LIMIT 1`, fingerprint)
	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, sifterr.New(sifterr.ErrCodeDocumentNotFound,
			"no document with that fingerprint", nil)
	}
	if err != nil {
		return nil, sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	return doc, nil
}

// SetDocumentStatus transitions a document's lifecycle state.
func (s *SQLiteStore) SetDocumentStatus(ctx context.Context, id int64, status DocumentStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, error_msg = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, formatTime(time.Now()), id)
	if err != nil {
		return sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sifterr.New(sifterr.ErrCodeDocumentNotFound,
			fmt.Sprintf("document %d not found", id), nil)
	}
	return nil
}

// SetDocumentStoragePath records where the managed copy of an uploaded
// document lives. The name embeds the document id, so it is only known
// after creation.
func (s *SQLiteStore) SetDocumentStoragePath(ctx context.Context, id int64, storagePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET storage_path = ?, updated_at = ? WHERE id = ?`,
		storagePath, formatTime(time.Now()), id)
	if err != nil {
		return sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sifterr.New(sifterr.ErrCodeDocumentNotFound,
			fmt.Sprintf("document %d not found", id), nil)
	}
	return nil
}

// RequeueDocument records a new content version for an existing path.
func (s *SQLiteStore) RequeueDocument(ctx context.Context, id int64, fingerprint string, fileSize int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET fingerprint = ?, file_size = ?, status = ?, error_msg = '', updated_at = ?
		WHERE id = ?`,
		fingerprint, fileSize, string(StatusQueued), formatTime(time.Now()), id)
	if err != nil {
		return sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sifterr.New(sifterr.ErrCodeDocumentNotFound,
			fmt.Sprintf("document %d not found", id), nil)
	}
	return nil
}

// --- Chunks ---

// StageChunks inserts a chunk set invisible to search and assigns chunk IDs.
func (s *SQLiteStore) StageChunks(ctx context.Context, docID int64, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (document_id, page_no, text, bbox, embedding_id, live)
		VALUES (?, ?, ?, ?, ?, 0)`)
	if err != nil {
		return sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		var bbox any
		if c.BBox != nil {
			data, err := json.Marshal(c.BBox)
			if err != nil {
				return sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
			}
			bbox = string(data)
		}

		res, err := stmt.ExecContext(ctx, docID, c.PageNo, c.Text, bbox, c.EmbeddingID)
		if err != nil {
			return sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
		}
		c.ID = id
		c.DocumentID = docID

		// Index entries are keyed by the chunk id unless the caller
		// chose its own embedding id.
		if c.EmbeddingID == "" {
			c.EmbeddingID = strconv.FormatInt(id, 10)
			if _, err := tx.ExecContext(ctx,
				`UPDATE chunks SET embedding_id = ? WHERE id = ?`, c.EmbeddingID, id); err != nil {
				return sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	return nil
}

// CommitChunks atomically retires the old live chunk set, promotes the
// staged set, and marks the document done. Returns the retired chunk ids
// so the caller can drop them from the indexes.
func (s *SQLiteStore) CommitChunks(ctx context.Context, docID int64, pageCount int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	removed, err := chunkIDs(ctx, tx, docID, 1)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE document_id = ? AND live = 1`, docID); err != nil {
		return nil, sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE chunks SET live = 1 WHERE document_id = ? AND live = 0`, docID); err != nil {
		return nil, sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE documents SET status = ?, page_count = ?, error_msg = '', updated_at = ?
		WHERE id = ?`,
		string(StatusDone), pageCount, formatTime(time.Now()), docID); err != nil {
		return nil, sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	return removed, nil
}

// DiscardStagedChunks drops a staged chunk set after a failed ingestion.
// The previous live set stays searchable.
func (s *SQLiteStore) DiscardStagedChunks(ctx context.Context, docID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	removed, err := chunkIDs(ctx, tx, docID, 0)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks WHERE document_id = ? AND live = 0`, docID); err != nil {
		return nil, sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	return removed, nil
}

func chunkIDs(ctx context.Context, tx *sql.Tx, docID int64, live int) ([]int64, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM chunks WHERE document_id = ? AND live = ?`, docID, live)
	if err != nil {
		return nil, sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetChunks resolves live chunks by id, omitting missing or staged ids.
func (s *SQLiteStore) GetChunks(ctx context.Context, ids []int64) ([]*Chunk, error) {
	if len(ids) == 0 {
		return []*Chunk{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	query := fmt.Sprintf(`
		SELECT id, document_id, page_no, text, bbox, embedding_id
		FROM chunks WHERE id IN (%s) AND live = 1`,
		strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		var c Chunk
		var bbox sql.NullString
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.PageNo, &c.Text, &bbox, &c.EmbeddingID); err != nil {
			return nil, sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
		}
		if bbox.Valid && bbox.String != "" {
			if err := json.Unmarshal([]byte(bbox.String), &c.BBox); err != nil {
				return nil, sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
			}
		}
		chunks = append(chunks, &c)
	}
	if chunks == nil {
		chunks = []*Chunk{}
	}
	return chunks, rows.Err()
}

// LiveChunkCount returns the number of searchable chunks for a document.
func (s *SQLiteStore) LiveChunkCount(ctx context.Context, docID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, fmt.Errorf("store is closed")
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE document_id = ? AND live = 1`, docID).Scan(&count)
	if err != nil {
		return 0, sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	return count, nil
}

// --- Scan jobs ---

// CreateScanJob inserts a new running scan job.
func (s *SQLiteStore) CreateScanJob(ctx context.Context, job *ScanJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now()
	}
	if job.Status == "" {
		job.Status = ScanRunning
	}
	if job.Errors == nil {
		job.Errors = []string{}
	}
	errorsJSON, err := json.Marshal(job.Errors)
	if err != nil {
		return sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scan_jobs (job_id, scan_path, include_subfolders, status, started_at, new_files, skipped_files, error_count, errors)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ScanPath, boolToInt(job.IncludeSubfolders), string(job.Status),
		formatTime(job.StartedAt), job.NewFiles, job.SkippedFiles, job.ErrorCount, string(errorsJSON))
	if err != nil {
		return sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	return nil
}

// GetScanJob fetches a scan job by id.
func (s *SQLiteStore) GetScanJob(ctx context.Context, jobID string) (*ScanJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, scan_path, include_subfolders, status, started_at, completed_at, new_files, skipped_files, error_count, errors
		FROM scan_jobs WHERE job_id = ?`, jobID)

	job, err := scanScanJob(row)
	if err == sql.ErrNoRows {
		return nil, sifterr.New(sifterr.ErrCodeJobNotFound,
			fmt.Sprintf("scan job %s not found", jobID), nil)
	}
	if err != nil {
		return nil, sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	return job, nil
}

func scanScanJob(row interface{ Scan(...any) error }) (*ScanJob, error) {
	var job ScanJob
	var subfolders int
	var status, startedAt, errorsJSON string
	var completedAt sql.NullString

	err := row.Scan(&job.ID, &job.ScanPath, &subfolders, &status, &startedAt,
		&completedAt, &job.NewFiles, &job.SkippedFiles, &job.ErrorCount, &errorsJSON)
	if err != nil {
		return nil, err
	}

	job.IncludeSubfolders = subfolders != 0
	job.Status = ScanJobStatus(status)
	job.StartedAt = parseTime(startedAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		job.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(errorsJSON), &job.Errors); err != nil {
		job.Errors = []string{}
	}
	return &job, nil
}

// IncrementScanCounts bumps new/skipped counters for a running job.
// Terminal jobs are immutable; the guard makes late increments no-ops.
func (s *SQLiteStore) IncrementScanCounts(ctx context.Context, jobID string, newFiles, skippedFiles int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE scan_jobs SET new_files = new_files + ?, skipped_files = skipped_files + ?
		WHERE job_id = ? AND status = ?`,
		newFiles, skippedFiles, jobID, string(ScanRunning))
	if err != nil {
		return sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	return nil
}

// AppendScanError records a per-file error on a running job.
func (s *SQLiteStore) AppendScanError(ctx context.Context, jobID string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	defer func() { _ = tx.Rollback() }()

	var status, errorsJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT status, errors FROM scan_jobs WHERE job_id = ?`, jobID).Scan(&status, &errorsJSON)
	if err == sql.ErrNoRows {
		return sifterr.New(sifterr.ErrCodeJobNotFound,
			fmt.Sprintf("scan job %s not found", jobID), nil)
	}
	if err != nil {
		return sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	if ScanJobStatus(status) != ScanRunning {
		return nil // terminal record is immutable
	}

	var msgs []string
	if err := json.Unmarshal([]byte(errorsJSON), &msgs); err != nil {
		msgs = []string{}
	}
	msgs = append(msgs, message)
	updated, err := json.Marshal(msgs)
	if err != nil {
		return sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE scan_jobs SET errors = ?, error_count = error_count + 1
		WHERE job_id = ?`, string(updated), jobID); err != nil {
		return sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	return nil
}

// FinishScanJob moves a running job to a terminal status.
func (s *SQLiteStore) FinishScanJob(ctx context.Context, jobID string, status ScanJobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE scan_jobs SET status = ?, completed_at = ?
		WHERE job_id = ? AND status = ?`,
		string(status), formatTime(time.Now()), jobID, string(ScanRunning))
	if err != nil {
		return sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	return nil
}

// ListRunningScanJobs returns all jobs still in the running state.
// Used by the tracker to rebuild pending-task counts on restart.
func (s *SQLiteStore) ListRunningScanJobs(ctx context.Context) ([]*ScanJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, scan_path, include_subfolders, status, started_at, completed_at, new_files, skipped_files, error_count, errors
		FROM scan_jobs WHERE status = ?`, string(ScanRunning))
	if err != nil {
		return nil, sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	defer rows.Close()

	var jobs []*ScanJob
	for rows.Next() {
		job, err := scanScanJob(rows)
		if err != nil {
			return nil, sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// --- Tasks ---

// EnqueueTask persists an ingestion task and sets its ID.
func (s *SQLiteStore) EnqueueTask(ctx context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}
	if task.State == "" {
		task.State = TaskPending
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (document_id, source_path, fingerprint, job_id, state, attempts, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.DocumentID, task.SourcePath, task.Fingerprint, task.JobID,
		string(task.State), task.Attempts, formatTime(task.EnqueuedAt))
	if err != nil {
		return sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	task.ID = id
	return nil
}

// MarkTaskRunning flags a task as being processed and bumps its attempts.
func (s *SQLiteStore) MarkTaskRunning(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, attempts = attempts + 1 WHERE id = ?`,
		string(TaskRunning), id)
	if err != nil {
		return sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	return nil
}

// AckTask deletes a completed task. Terminal in either direction;
// the document row carries the outcome.
func (s *SQLiteStore) AckTask(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	return nil
}

// ResetRunningTasks returns crashed in-flight tasks to pending.
// Called once on startup before redelivery.
func (s *SQLiteStore) ResetRunningTasks(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fmt.Errorf("store is closed")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ? WHERE state = ?`,
		string(TaskPending), string(TaskRunning))
	if err != nil {
		return 0, sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PendingTasks returns all pending tasks in enqueue order.
func (s *SQLiteStore) PendingTasks(ctx context.Context) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, source_path, fingerprint, job_id, state, attempts, enqueued_at
		FROM tasks WHERE state = ? ORDER BY id`, string(TaskPending))
	if err != nil {
		return nil, sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var t Task
		var state, enqueuedAt string
		if err := rows.Scan(&t.ID, &t.DocumentID, &t.SourcePath, &t.Fingerprint,
			&t.JobID, &state, &t.Attempts, &enqueuedAt); err != nil {
			return nil, sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
		}
		t.State = TaskState(state)
		t.EnqueuedAt = parseTime(enqueuedAt)
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// CountTasksByJob returns the number of outstanding tasks for a scan job.
func (s *SQLiteStore) CountTasksByJob(ctx context.Context, jobID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, fmt.Errorf("store is closed")
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE job_id = ?`, jobID).Scan(&count)
	if err != nil {
		return 0, sifterr.Wrap(sifterr.ErrCodeStoreFailed, err)
	}
	return count, nil
}

// Close closes the store. Forces a WAL checkpoint before closing.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	if s.db != nil {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return s.db.Close()
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
