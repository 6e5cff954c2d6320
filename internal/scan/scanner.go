package scan

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/docsift/docsift/internal/docstore"
	"github.com/docsift/docsift/internal/extract"
)

// Enqueuer hands a durable ingestion task to the job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *docstore.Task) error
}

// Scanner walks a folder root and diffs discovered files against the
// document store by content fingerprint. Unchanged files are skipped,
// new or changed files spawn ingestion tasks.
type Scanner struct {
	store     docstore.Store
	extractor extract.Extractor
	tracker   *Tracker
	queue     Enqueuer
}

// NewScanner creates a scanner. The extractor decides which file
// extensions are worth ingesting.
func NewScanner(store docstore.Store, extractor extract.Extractor, tracker *Tracker, queue Enqueuer) *Scanner {
	return &Scanner{
		store:     store,
		extractor: extractor,
		tracker:   tracker,
		queue:     queue,
	}
}

// Run executes a scan job to completion of its enumeration phase.
// The job itself completes later, once every spawned task has been
// ingested. An unreachable root fails the job; per-file errors are
// recorded and the walk continues.
func (s *Scanner) Run(ctx context.Context, job *docstore.ScanJob) {
	root, err := filepath.Abs(job.ScanPath)
	if err != nil {
		s.tracker.Fail(ctx, job.ID, fmt.Sprintf("invalid scan path %q: %v", job.ScanPath, err))
		return
	}

	info, err := os.Stat(root)
	if err != nil {
		s.tracker.Fail(ctx, job.ID, fmt.Sprintf("scan path unreachable: %v", err))
		return
	}
	if !info.IsDir() {
		s.tracker.Fail(ctx, job.ID, fmt.Sprintf("scan path is not a directory: %s", root))
		return
	}

	slog.Info("scan_started",
		slog.String("job_id", job.ID),
		slog.String("path", root),
		slog.Bool("include_subfolders", job.IncludeSubfolders))

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			s.tracker.RecordError(ctx, job.ID, fmt.Sprintf("%s: %v", path, err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if path != root && !job.IncludeSubfolders {
				return filepath.SkipDir
			}
			return nil
		}

		// Symlinks are not followed
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if !s.extractor.Supports(ext) {
			return nil
		}

		if fileErr := s.processFile(ctx, job.ID, path); fileErr != nil {
			s.tracker.RecordError(ctx, job.ID, fmt.Sprintf("%s: %v", path, fileErr))
		}

		return nil
	})

	if walkErr != nil && walkErr != context.Canceled {
		s.tracker.RecordError(ctx, job.ID, walkErr.Error())
	}

	s.tracker.EnumerationDone(ctx, job.ID)
}

// processFile fingerprints one file and decides its fate:
// unknown path → create document + enqueue; same fingerprint → skip;
// changed fingerprint → requeue + enqueue.
func (s *Scanner) processFile(ctx context.Context, jobID, path string) error {
	fingerprint, size, err := Fingerprint(path)
	if err != nil {
		return err
	}

	doc, err := s.store.GetDocumentByPath(ctx, path)
	if err == nil {
		if doc.Fingerprint == fingerprint {
			s.tracker.RecordSkipped(ctx, jobID)
			slog.Debug("scan_file_skipped",
				slog.String("job_id", jobID),
				slog.String("path", path))
			return nil
		}

		// Content changed at the same path: requeue for re-ingestion.
		// The previous chunk set stays searchable until the new one
		// commits.
		if err := s.store.RequeueDocument(ctx, doc.ID, fingerprint, size); err != nil {
			return err
		}
		return s.spawnTask(ctx, jobID, doc.ID, path, fingerprint)
	}

	doc = &docstore.Document{
		Filename:    filepath.Base(path),
		SourcePath:  path,
		Fingerprint: fingerprint,
		Status:      docstore.StatusQueued,
		FileSize:    size,
	}
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		return err
	}

	return s.spawnTask(ctx, jobID, doc.ID, path, fingerprint)
}

// spawnTask counts the file as new and hands an ingestion task to the
// queue. RecordNew raises the job's pending counter before the task can
// possibly finish, so completion accounting never races.
func (s *Scanner) spawnTask(ctx context.Context, jobID string, docID int64, path, fingerprint string) error {
	s.tracker.RecordNew(ctx, jobID)

	task := &docstore.Task{
		DocumentID:  docID,
		SourcePath:  path,
		Fingerprint: fingerprint,
		JobID:       jobID,
		State:       docstore.TaskPending,
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		// The task never made it into the queue, so nothing will
		// report it finished. Balance the pending counter here.
		s.tracker.TaskFinished(ctx, jobID)
		return err
	}

	slog.Debug("scan_file_enqueued",
		slog.String("job_id", jobID),
		slog.String("path", path),
		slog.Int64("document_id", docID))
	return nil
}
