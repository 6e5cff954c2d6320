package scan

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsift/docsift/internal/docstore"
	"github.com/docsift/docsift/internal/extract"
)

// captureQueue records enqueued tasks without processing them.
type captureQueue struct {
	mu    sync.Mutex
	tasks []*docstore.Task
	store docstore.Store
}

func (q *captureQueue) Enqueue(ctx context.Context, task *docstore.Task) error {
	if err := q.store.EnqueueTask(ctx, task); err != nil {
		return err
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.mu.Unlock()
	return nil
}

func (q *captureQueue) all() []*docstore.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*docstore.Task(nil), q.tasks...)
}

func newScanHarness(t *testing.T) (*Scanner, *Tracker, *captureQueue, docstore.Store) {
	t.Helper()

	store, err := docstore.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	queue := &captureQueue{store: store}
	tracker := NewTracker(store)
	scanner := NewScanner(store, extract.NewPlainTextExtractor(), tracker, queue)
	return scanner, tracker, queue, store
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestScanner_DiscoversNewFiles(t *testing.T) {
	// Given: a folder with two supported files and one unsupported
	scanner, tracker, queue, _ := newScanHarness(t)
	dir := t.TempDir()
	writeFile(t, dir, "report.pdf", "annual report content")
	writeFile(t, dir, "notes.txt", "meeting notes")
	writeFile(t, dir, "image.png", "binary-ish")

	job, err := tracker.Create(context.Background(), dir, true)
	require.NoError(t, err)

	// When: the scan runs
	scanner.Run(context.Background(), job)

	// Then: two tasks were spawned, the unsupported file ignored
	assert.Len(t, queue.all(), 2)

	// And: the job counts two new files and stays running until the
	// tasks finish
	got, err := tracker.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.NewFiles)
	assert.Equal(t, 0, got.SkippedFiles)
	assert.Equal(t, docstore.ScanRunning, got.Status)
}

func TestScanner_CompletesWhenTasksFinish(t *testing.T) {
	// Given: a completed enumeration with one pending task
	scanner, tracker, queue, _ := newScanHarness(t)
	dir := t.TempDir()
	writeFile(t, dir, "doc.txt", "content")

	job, err := tracker.Create(context.Background(), dir, true)
	require.NoError(t, err)
	scanner.Run(context.Background(), job)
	require.Len(t, queue.all(), 1)

	// When: the spawned task reaches a terminal state
	tracker.TaskFinished(context.Background(), job.ID)

	// Then: the job completes
	got, err := tracker.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, docstore.ScanCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestScanner_SkipsUnchangedFingerprint(t *testing.T) {
	// Given: a file already scanned and ingested once
	scanner, tracker, queue, _ := newScanHarness(t)
	dir := t.TempDir()
	writeFile(t, dir, "doc.txt", "stable content")

	job1, err := tracker.Create(context.Background(), dir, true)
	require.NoError(t, err)
	scanner.Run(context.Background(), job1)
	tracker.TaskFinished(context.Background(), job1.ID)
	require.Len(t, queue.all(), 1)

	// When: the same folder is scanned again with no changes
	job2, err := tracker.Create(context.Background(), dir, true)
	require.NoError(t, err)
	scanner.Run(context.Background(), job2)

	// Then: the file is skipped, no new task spawned
	assert.Len(t, queue.all(), 1)

	got, err := tracker.Get(context.Background(), job2.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.NewFiles)
	assert.Equal(t, 1, got.SkippedFiles)

	// And: the job completed immediately (nothing pending)
	assert.Equal(t, docstore.ScanCompleted, got.Status)
}

func TestScanner_RequeuesChangedContent(t *testing.T) {
	// Given: an already-known file whose content then changes
	scanner, tracker, queue, store := newScanHarness(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "doc.txt", "first version")

	job1, err := tracker.Create(context.Background(), dir, true)
	require.NoError(t, err)
	scanner.Run(context.Background(), job1)
	tracker.TaskFinished(context.Background(), job1.ID)

	doc, err := store.GetDocumentByPath(context.Background(), path)
	require.NoError(t, err)
	oldFingerprint := doc.Fingerprint

	writeFile(t, dir, "doc.txt", "second version, revised")

	// When: the folder is scanned again
	job2, err := tracker.Create(context.Background(), dir, true)
	require.NoError(t, err)
	scanner.Run(context.Background(), job2)

	// Then: the document was requeued with the new fingerprint
	doc, err = store.GetDocumentByPath(context.Background(), path)
	require.NoError(t, err)
	assert.NotEqual(t, oldFingerprint, doc.Fingerprint)
	assert.Equal(t, docstore.StatusQueued, doc.Status)

	// And: it counts as new, same document id on the second task
	tasks := queue.all()
	require.Len(t, tasks, 2)
	assert.Equal(t, tasks[0].DocumentID, tasks[1].DocumentID)

	got, err := tracker.Get(context.Background(), job2.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.NewFiles)
}

func TestScanner_RecurseFlag(t *testing.T) {
	// Given: a nested folder structure
	scanner, tracker, queue, _ := newScanHarness(t)
	dir := t.TempDir()
	writeFile(t, dir, "top.txt", "top level")
	sub := filepath.Join(dir, "nested")
	require.NoError(t, os.MkdirAll(sub, 0755))
	writeFile(t, sub, "deep.txt", "nested file")

	// When: scanning without subfolders
	job, err := tracker.Create(context.Background(), dir, false)
	require.NoError(t, err)
	scanner.Run(context.Background(), job)

	// Then: only the top-level file was picked up
	require.Len(t, queue.all(), 1)
	assert.Equal(t, filepath.Join(dir, "top.txt"), queue.all()[0].SourcePath)

	// When: scanning with subfolders
	job2, err := tracker.Create(context.Background(), dir, true)
	require.NoError(t, err)
	scanner.Run(context.Background(), job2)

	// Then: the nested file is discovered too
	assert.Len(t, queue.all(), 2)
}

func TestScanner_UnreachableRootFailsJob(t *testing.T) {
	// Given: a scan path that does not exist
	scanner, tracker, _, _ := newScanHarness(t)
	job, err := tracker.Create(context.Background(), "/nonexistent/docsift-test-root", true)
	require.NoError(t, err)

	// When: the scan runs
	scanner.Run(context.Background(), job)

	// Then: the job fails with a recorded reason
	got, err := tracker.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, docstore.ScanFailed, got.Status)
	assert.Equal(t, 1, got.ErrorCount)
	require.Len(t, got.Errors, 1)
	assert.Contains(t, got.Errors[0], "unreachable")
}

func TestScanner_PerFileErrorDoesNotFailJob(t *testing.T) {
	// Given: one readable and one unreadable file
	scanner, tracker, queue, _ := newScanHarness(t)
	dir := t.TempDir()
	writeFile(t, dir, "good.txt", "readable")
	bad := writeFile(t, dir, "bad.txt", "unreadable")
	require.NoError(t, os.Chmod(bad, 0000))
	t.Cleanup(func() { _ = os.Chmod(bad, 0644) })

	if os.Getuid() == 0 {
		t.Skip("permission checks don't apply to root")
	}

	job, err := tracker.Create(context.Background(), dir, true)
	require.NoError(t, err)

	// When: the scan runs
	scanner.Run(context.Background(), job)

	// Then: the good file was enqueued, the bad file recorded as error
	assert.Len(t, queue.all(), 1)

	got, err := tracker.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.NewFiles)
	assert.Equal(t, 1, got.ErrorCount)
	assert.Equal(t, docstore.ScanRunning, got.Status)
}

func TestTracker_GetUnknownJob(t *testing.T) {
	// Given: a tracker with no jobs
	_, tracker, _, _ := newScanHarness(t)

	// When: I look up an unknown id
	_, err := tracker.Get(context.Background(), "no-such-job")

	// Then: the error is a not-found error
	require.Error(t, err)
}

func TestTracker_TerminalJobImmutable(t *testing.T) {
	// Given: a completed job
	scanner, tracker, _, store := newScanHarness(t)
	dir := t.TempDir()
	writeFile(t, dir, "doc.txt", "content")

	job, err := tracker.Create(context.Background(), dir, true)
	require.NoError(t, err)
	scanner.Run(context.Background(), job)
	tracker.TaskFinished(context.Background(), job.ID)

	got, err := tracker.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, docstore.ScanCompleted, got.Status)

	// When: late counter updates arrive
	tracker.RecordNew(context.Background(), job.ID)
	tracker.RecordSkipped(context.Background(), job.ID)
	tracker.RecordError(context.Background(), job.ID, "late error")
	require.NoError(t, store.FinishScanJob(context.Background(), job.ID, docstore.ScanFailed))

	// Then: the terminal record did not change
	after, err := tracker.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, got.NewFiles, after.NewFiles)
	assert.Equal(t, got.SkippedFiles, after.SkippedFiles)
	assert.Equal(t, got.ErrorCount, after.ErrorCount)
	assert.Equal(t, docstore.ScanCompleted, after.Status)
}

func TestTracker_TaskFailedRecordsJobError(t *testing.T) {
	// Given: a scan that spawned one ingestion task
	scanner, tracker, _, _ := newScanHarness(t)
	dir := t.TempDir()
	writeFile(t, dir, "bad.txt", "content")

	job, err := tracker.Create(context.Background(), dir, true)
	require.NoError(t, err)
	scanner.Run(context.Background(), job)

	// When: the task fails during ingestion
	tracker.TaskFailed(context.Background(), job.ID, "extraction failed for bad.txt: no extractable text")

	// Then: the job completes with the failure in its error list
	got, err := tracker.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, docstore.ScanCompleted, got.Status)
	assert.Equal(t, 1, got.NewFiles)
	assert.Equal(t, 1, got.ErrorCount)
	require.Len(t, got.Errors, 1)
	assert.Contains(t, got.Errors[0], "extraction failed for bad.txt")
}

func TestTracker_RecoverCompletesDrainedJobs(t *testing.T) {
	// Given: a job left running with no outstanding tasks (simulated
	// restart after all its tasks were acked)
	_, tracker, _, store := newScanHarness(t)
	job, err := tracker.Create(context.Background(), t.TempDir(), true)
	require.NoError(t, err)

	// Drop the in-memory state to simulate a restart
	fresh := NewTracker(store)

	// When: recovery runs
	require.NoError(t, fresh.Recover(context.Background()))

	// Then: the job completes
	got, err := fresh.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, docstore.ScanCompleted, got.Status)
}

func TestTracker_RecoverWaitsForPendingTasks(t *testing.T) {
	// Given: a running job with one unacked task in the store
	_, tracker, _, store := newScanHarness(t)
	job, err := tracker.Create(context.Background(), t.TempDir(), true)
	require.NoError(t, err)

	doc := &docstore.Document{
		Filename:    "doc.txt",
		SourcePath:  "/tmp/doc.txt",
		Fingerprint: "abc",
		Status:      docstore.StatusQueued,
	}
	require.NoError(t, store.CreateDocument(context.Background(), doc))
	require.NoError(t, store.EnqueueTask(context.Background(), &docstore.Task{
		DocumentID:  doc.ID,
		SourcePath:  doc.SourcePath,
		Fingerprint: doc.Fingerprint,
		JobID:       job.ID,
		State:       docstore.TaskPending,
	}))

	fresh := NewTracker(store)

	// When: recovery runs
	require.NoError(t, fresh.Recover(context.Background()))

	// Then: the job is still running
	got, err := fresh.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, docstore.ScanRunning, got.Status)

	// And: completes once the task finishes
	fresh.TaskFinished(context.Background(), job.ID)
	got, err = fresh.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, docstore.ScanCompleted, got.Status)
}
