// Package ingest runs the extraction pipeline for one queued task:
// extract page text, embed each page, write both indexes, and swap the
// document's chunk set atomically. A failed ingestion leaves the
// previous chunk set searchable.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/docsift/docsift/internal/docstore"
	"github.com/docsift/docsift/internal/embed"
	sifterr "github.com/docsift/docsift/internal/errors"
	"github.com/docsift/docsift/internal/extract"
	"github.com/docsift/docsift/internal/index"
)

// Worker ingests documents end to end.
type Worker struct {
	store     docstore.Store
	extractor extract.Extractor
	embedder  embed.Embedder
	fulltext  index.FullTextIndex
	vectors   *index.VectorIndex
	retryCfg  sifterr.RetryConfig
}

// NewWorker wires the ingestion pipeline.
func NewWorker(store docstore.Store, extractor extract.Extractor, embedder embed.Embedder,
	fulltext index.FullTextIndex, vectors *index.VectorIndex) *Worker {
	return &Worker{
		store:     store,
		extractor: extractor,
		embedder:  embedder,
		fulltext:  fulltext,
		vectors:   vectors,
		retryCfg:  sifterr.DefaultRetryConfig(),
	}
}

// WithMaxRetries bounds retry attempts for transient index-write
// failures. Zero disables retries; negative values are ignored.
func (w *Worker) WithMaxRetries(n int) *Worker {
	if n >= 0 {
		w.retryCfg.MaxRetries = n
	}
	return w
}

// Process ingests one task to a terminal document state. Stale tasks
// (document gone, or superseded by a newer fingerprint) are dropped
// without error; re-delivered tasks for already-ingested content are
// no-ops, which makes redelivery idempotent.
func (w *Worker) Process(ctx context.Context, task *docstore.Task) error {
	doc, err := w.store.GetDocument(ctx, task.DocumentID)
	if err != nil {
		if sifterr.IsNotFound(err) {
			slog.Debug("task_document_gone", slog.Int64("document_id", task.DocumentID))
			return nil
		}
		return err
	}

	if doc.Fingerprint != task.Fingerprint {
		// A newer content version was queued after this task; its own
		// task will ingest it.
		slog.Debug("task_superseded",
			slog.Int64("document_id", doc.ID),
			slog.String("task_fingerprint", task.Fingerprint))
		return nil
	}

	if doc.Status == docstore.StatusDone {
		slog.Debug("task_already_ingested", slog.Int64("document_id", doc.ID))
		return nil
	}

	if err := w.store.SetDocumentStatus(ctx, doc.ID, docstore.StatusProcessing, ""); err != nil {
		return err
	}

	slog.Info("ingest_started",
		slog.Int64("document_id", doc.ID),
		slog.String("filename", doc.Filename))

	if err := w.ingest(ctx, doc, task); err != nil {
		w.fail(ctx, doc, task, err)
		return err
	}

	slog.Info("ingest_completed", slog.Int64("document_id", doc.ID))
	return nil
}

// ingest runs extraction through commit. Any error leaves the staged
// chunk set to be discarded by fail().
func (w *Worker) ingest(ctx context.Context, doc *docstore.Document, task *docstore.Task) error {
	sourcePath := doc.StoragePath
	if sourcePath == "" {
		sourcePath = task.SourcePath
	}

	pages, err := w.extractor.Extract(ctx, sourcePath)
	if err != nil {
		return sifterr.ExtractionError(
			fmt.Sprintf("extraction failed for %s", doc.Filename), err)
	}
	if len(pages) == 0 {
		return sifterr.ExtractionError(
			fmt.Sprintf("no extractable text in %s", doc.Filename), nil)
	}

	// One chunk per page
	chunks := make([]*docstore.Chunk, len(pages))
	texts := make([]string, len(pages))
	for i, page := range pages {
		chunks[i] = &docstore.Chunk{
			PageNo: page.Number,
			Text:   page.Text,
			BBox:   page.BBox,
		}
		texts[i] = page.Text
	}

	vectors, err := w.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return sifterr.Wrap(sifterr.ErrCodeEmbeddingFailed, err)
	}

	// Staging assigns chunk ids; both indexes are keyed by them.
	if err := w.store.StageChunks(ctx, doc.ID, chunks); err != nil {
		return err
	}

	ftDocs := make([]index.ChunkDoc, len(chunks))
	ids := make([]string, len(chunks))
	metas := make([]index.VectorMeta, len(chunks))
	for i, c := range chunks {
		ids[i] = c.EmbeddingID
		ftDocs[i] = index.ChunkDoc{ID: c.EmbeddingID, Text: c.Text}
		metas[i] = index.VectorMeta{DocumentID: doc.ID, Filename: doc.Filename}
	}

	// Index writes are retried: transient failures (lock contention,
	// brief I/O stalls) should not fail the whole ingestion.
	err = sifterr.Retry(ctx, w.retryCfg, func() error {
		if err := w.fulltext.Index(ctx, ftDocs); err != nil {
			return sifterr.IndexWriteError("fulltext index write failed", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = sifterr.Retry(ctx, w.retryCfg, func() error {
		if err := w.vectors.Add(ctx, ids, vectors, metas); err != nil {
			return sifterr.IndexWriteError("vector index write failed", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Atomic swap: old live set out, staged set in, document done.
	removed, err := w.store.CommitChunks(ctx, doc.ID, len(pages))
	if err != nil {
		return err
	}

	// Retired index entries are deleted best effort. Search resolves
	// hits through the store, so stale entries filter out either way.
	w.dropIndexEntries(ctx, removed)

	return nil
}

// fail records the error on the document and its scan job, and drops
// the staged chunk set so the previous version stays searchable.
func (w *Worker) fail(ctx context.Context, doc *docstore.Document, task *docstore.Task, cause error) {
	slog.Error("ingest_failed",
		slog.Int64("document_id", doc.ID),
		slog.String("filename", doc.Filename),
		slog.String("error", cause.Error()))

	staged, err := w.store.DiscardStagedChunks(ctx, doc.ID)
	if err != nil {
		slog.Warn("failed to discard staged chunks",
			slog.Int64("document_id", doc.ID),
			slog.String("error", err.Error()))
	}
	w.dropIndexEntries(ctx, staged)

	if err := w.store.SetDocumentStatus(ctx, doc.ID, docstore.StatusError, cause.Error()); err != nil {
		slog.Warn("failed to record document error",
			slog.Int64("document_id", doc.ID),
			slog.String("error", err.Error()))
	}
}

// dropIndexEntries removes retired or abandoned chunk ids from both
// indexes, best effort.
func (w *Worker) dropIndexEntries(ctx context.Context, chunkIDs []int64) {
	if len(chunkIDs) == 0 {
		return
	}

	ids := make([]string, len(chunkIDs))
	for i, id := range chunkIDs {
		ids[i] = strconv.FormatInt(id, 10)
	}

	if err := w.fulltext.Delete(ctx, ids); err != nil {
		slog.Warn("failed to drop fulltext entries", slog.String("error", err.Error()))
	}
	if err := w.vectors.Delete(ctx, ids); err != nil {
		slog.Warn("failed to drop vector entries", slog.String("error", err.Error()))
	}
}
