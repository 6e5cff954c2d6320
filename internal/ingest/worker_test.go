package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsift/docsift/internal/docstore"
	"github.com/docsift/docsift/internal/embed"
	"github.com/docsift/docsift/internal/extract"
	"github.com/docsift/docsift/internal/index"
	"github.com/docsift/docsift/internal/scan"
)

type harness struct {
	worker   *Worker
	store    docstore.Store
	fulltext index.FullTextIndex
	vectors  *index.VectorIndex
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := docstore.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	fulltext, err := index.NewSQLiteFullText("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = fulltext.Close() })

	embedder := embed.NewStaticEmbedder()
	vectors, err := index.NewVectorIndex(index.VectorConfig{Dimensions: embedder.Dimensions()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })

	return &harness{
		worker:   NewWorker(store, extract.NewPlainTextExtractor(), embedder, fulltext, vectors),
		store:    store,
		fulltext: fulltext,
		vectors:  vectors,
	}
}

// queueDocument creates a queued document plus its task for a file.
func (h *harness) queueDocument(t *testing.T, path string) (*docstore.Document, *docstore.Task) {
	t.Helper()
	fingerprint, size, err := scan.Fingerprint(path)
	require.NoError(t, err)

	doc := &docstore.Document{
		Filename:    filepath.Base(path),
		SourcePath:  path,
		Fingerprint: fingerprint,
		Status:      docstore.StatusQueued,
		FileSize:    size,
	}
	require.NoError(t, h.store.CreateDocument(context.Background(), doc))

	task := &docstore.Task{
		DocumentID:  doc.ID,
		SourcePath:  path,
		Fingerprint: fingerprint,
		State:       docstore.TaskPending,
	}
	require.NoError(t, h.store.EnqueueTask(context.Background(), task))
	return doc, task
}

func writeDoc(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestWorker_IngestsDocument(t *testing.T) {
	// Given: a queued two-page document (form feed separates pages)
	h := newHarness(t)
	path := writeDoc(t, t.TempDir(), "report.txt",
		"quarterly revenue grew strongly\fstaffing plans for next year")
	doc, task := h.queueDocument(t, path)

	// When: the worker processes the task
	require.NoError(t, h.worker.Process(context.Background(), task))

	// Then: the document is done with its page count
	got, err := h.store.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, docstore.StatusDone, got.Status)
	assert.Equal(t, 2, got.PageCount)
	assert.Empty(t, got.ErrorMsg)

	// And: both pages are live in the store
	count, err := h.store.LiveChunkCount(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	// And: the content is searchable in the full-text index
	hits, total, err := h.fulltext.Search(context.Background(), "revenue", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, hits, 1)

	// And: both page vectors are in the vector index
	assert.Equal(t, 2, h.vectors.Count())
}

func TestWorker_ExtractionFailureMarksError(t *testing.T) {
	// Given: a task whose source file vanished before processing
	h := newHarness(t)
	path := writeDoc(t, t.TempDir(), "gone.txt", "content")
	doc, task := h.queueDocument(t, path)
	require.NoError(t, os.Remove(path))

	// When: the worker processes the task
	err := h.worker.Process(context.Background(), task)

	// Then: processing fails and the document records the error
	require.Error(t, err)
	got, getErr := h.store.GetDocument(context.Background(), doc.ID)
	require.NoError(t, getErr)
	assert.Equal(t, docstore.StatusError, got.Status)
	assert.NotEmpty(t, got.ErrorMsg)

	// And: nothing was indexed
	assert.Equal(t, 0, h.vectors.Count())
	_, total, searchErr := h.fulltext.Search(context.Background(), "content", 10, 0)
	require.NoError(t, searchErr)
	assert.Equal(t, 0, total)
}

// flakyFullText fails a fixed number of Index calls before delegating.
type flakyFullText struct {
	index.FullTextIndex
	failures atomic.Int32
}

func (f *flakyFullText) Index(ctx context.Context, docs []index.ChunkDoc) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("database is locked")
	}
	return f.FullTextIndex.Index(ctx, docs)
}

// newFlakyHarness builds a worker whose full-text index fails the
// first `failures` writes.
func newFlakyHarness(t *testing.T, failures, maxRetries int) (*harness, *flakyFullText) {
	t.Helper()
	h := newHarness(t)

	flaky := &flakyFullText{FullTextIndex: h.fulltext}
	flaky.failures.Store(int32(failures))

	embedder := embed.NewStaticEmbedder()
	h.worker = NewWorker(h.store, extract.NewPlainTextExtractor(), embedder, flaky, h.vectors).
		WithMaxRetries(maxRetries)
	return h, flaky
}

func TestWorker_RetriesTransientIndexWrite(t *testing.T) {
	// Given: a full-text index that fails its first write
	h, _ := newFlakyHarness(t, 1, 3)
	path := writeDoc(t, t.TempDir(), "report.txt", "retry survives hiccups")
	doc, task := h.queueDocument(t, path)

	// When: the worker processes the task
	require.NoError(t, h.worker.Process(context.Background(), task))

	// Then: the retry absorbed the failure and the document is done
	got, err := h.store.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, docstore.StatusDone, got.Status)

	_, total, err := h.fulltext.Search(context.Background(), "hiccups", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestWorker_MaxRetriesZeroDisablesRetry(t *testing.T) {
	// Given: the same flaky index with retries disabled
	h, _ := newFlakyHarness(t, 1, 0)
	path := writeDoc(t, t.TempDir(), "report.txt", "no second chances")
	doc, task := h.queueDocument(t, path)

	// When: the worker processes the task
	err := h.worker.Process(context.Background(), task)

	// Then: the single failure is terminal for the document
	require.Error(t, err)
	got, getErr := h.store.GetDocument(context.Background(), doc.ID)
	require.NoError(t, getErr)
	assert.Equal(t, docstore.StatusError, got.Status)
}

func TestWorker_ReingestReplacesChunkSet(t *testing.T) {
	// Given: an ingested document whose content then changes
	h := newHarness(t)
	dir := t.TempDir()
	path := writeDoc(t, dir, "doc.txt", "original draft wording")
	doc, task := h.queueDocument(t, path)
	require.NoError(t, h.worker.Process(context.Background(), task))

	writeDoc(t, dir, "doc.txt", "revised final wording")
	newFingerprint, newSize, err := scan.Fingerprint(path)
	require.NoError(t, err)
	require.NoError(t, h.store.RequeueDocument(context.Background(), doc.ID, newFingerprint, newSize))

	// When: the re-ingestion task runs
	task2 := &docstore.Task{
		DocumentID:  doc.ID,
		SourcePath:  path,
		Fingerprint: newFingerprint,
		State:       docstore.TaskPending,
	}
	require.NoError(t, h.store.EnqueueTask(context.Background(), task2))
	require.NoError(t, h.worker.Process(context.Background(), task2))

	// Then: the old content no longer matches anywhere
	_, total, err := h.fulltext.Search(context.Background(), "original draft", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, total)

	// And: the new content does
	hits, total, err := h.fulltext.Search(context.Background(), "revised final", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, hits, 1)

	// And: exactly one live chunk and one vector remain
	count, err := h.store.LiveChunkCount(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, h.vectors.Count())
}

func TestWorker_FailedReingestKeepsPreviousChunks(t *testing.T) {
	// Given: an ingested document requeued for content that can't be read
	h := newHarness(t)
	dir := t.TempDir()
	path := writeDoc(t, dir, "doc.txt", "stable searchable content")
	doc, task := h.queueDocument(t, path)
	require.NoError(t, h.worker.Process(context.Background(), task))

	require.NoError(t, h.store.RequeueDocument(context.Background(), doc.ID, "new-fingerprint", 10))
	require.NoError(t, os.Remove(path))

	// When: re-ingestion fails during extraction
	task2 := &docstore.Task{
		DocumentID:  doc.ID,
		SourcePath:  path,
		Fingerprint: "new-fingerprint",
		State:       docstore.TaskPending,
	}
	require.NoError(t, h.store.EnqueueTask(context.Background(), task2))
	require.Error(t, h.worker.Process(context.Background(), task2))

	// Then: the document is in error state
	got, err := h.store.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, docstore.StatusError, got.Status)

	// And: the previous chunk set is still searchable
	_, total, err := h.fulltext.Search(context.Background(), "stable searchable", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	count, err := h.store.LiveChunkCount(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestWorker_RedeliveryIsIdempotent(t *testing.T) {
	// Given: an already-ingested document
	h := newHarness(t)
	path := writeDoc(t, t.TempDir(), "doc.txt", "some page content")
	doc, task := h.queueDocument(t, path)
	require.NoError(t, h.worker.Process(context.Background(), task))

	// When: the same task is delivered again (crash-before-ack replay)
	require.NoError(t, h.worker.Process(context.Background(), task))

	// Then: no duplicate chunks or vectors appeared
	count, err := h.store.LiveChunkCount(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, h.vectors.Count())

	_, total, err := h.fulltext.Search(context.Background(), "page content", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestWorker_SupersededTaskDropped(t *testing.T) {
	// Given: a task whose fingerprint no longer matches the document
	h := newHarness(t)
	path := writeDoc(t, t.TempDir(), "doc.txt", "content")
	doc, task := h.queueDocument(t, path)
	require.NoError(t, h.store.RequeueDocument(context.Background(), doc.ID, "newer-version", 7))

	// When: the stale task is processed
	require.NoError(t, h.worker.Process(context.Background(), task))

	// Then: the document was not touched (still queued for the newer task)
	got, err := h.store.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, docstore.StatusQueued, got.Status)
	assert.Equal(t, 0, h.vectors.Count())
}
