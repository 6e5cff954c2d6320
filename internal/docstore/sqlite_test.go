package docstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sifterr "github.com/docsift/docsift/internal/errors"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestDocument(t *testing.T, s *SQLiteStore, path, fingerprint string) *Document {
	t.Helper()
	doc := &Document{
		Filename:    filepath.Base(path),
		SourcePath:  path,
		Fingerprint: fingerprint,
		FileSize:    42,
	}
	require.NoError(t, s.CreateDocument(context.Background(), doc))
	return doc
}

func TestCreateDocument_AssignsIDAndDefaults(t *testing.T) {
	// Given: an empty store
	s := newTestStore(t)

	// When: creating a document
	doc := newTestDocument(t, s, "/docs/a.pdf", "fp-a")

	// Then: id assigned, status queued, timestamps set
	assert.Positive(t, doc.ID)
	assert.Equal(t, StatusQueued, doc.Status)
	assert.False(t, doc.CreatedAt.IsZero())
}

func TestGetDocument_ByIDPathFingerprint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := newTestDocument(t, s, "/docs/a.pdf", "fp-a")

	byID, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "/docs/a.pdf", byID.SourcePath)

	byPath, err := s.GetDocumentByPath(ctx, "/docs/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, byPath.ID)

	byFP, err := s.GetDocumentByFingerprint(ctx, "fp-a")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, byFP.ID)
}

func TestGetDocument_UnknownIDIsNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetDocument(context.Background(), 9999)

	require.Error(t, err)
	assert.True(t, sifterr.IsNotFound(err))
}

func TestSetDocumentStatus_Transitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := newTestDocument(t, s, "/docs/a.pdf", "fp-a")

	require.NoError(t, s.SetDocumentStatus(ctx, doc.ID, StatusProcessing, ""))
	require.NoError(t, s.SetDocumentStatus(ctx, doc.ID, StatusError, "extraction blew up"))

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, "extraction blew up", got.ErrorMsg)
}

func TestRequeueDocument_NewFingerprintResetsStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := newTestDocument(t, s, "/docs/a.pdf", "fp-v1")
	require.NoError(t, s.SetDocumentStatus(ctx, doc.ID, StatusDone, ""))

	require.NoError(t, s.RequeueDocument(ctx, doc.ID, "fp-v2", 99))

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "fp-v2", got.Fingerprint)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Empty(t, got.ErrorMsg)
}

func TestChunkLifecycle_StageCommitReplacesAtomically(t *testing.T) {
	// Given: a document with a live chunk set
	s := newTestStore(t)
	ctx := context.Background()
	doc := newTestDocument(t, s, "/docs/a.pdf", "fp-v1")

	v1 := []*Chunk{
		{PageNo: 1, Text: "old page one"},
		{PageNo: 2, Text: "old page two"},
	}
	require.NoError(t, s.StageChunks(ctx, doc.ID, v1))
	removed, err := s.CommitChunks(ctx, doc.ID, 2)
	require.NoError(t, err)
	assert.Empty(t, removed)

	// When: staging and committing a replacement set
	v2 := []*Chunk{{PageNo: 1, Text: "new page one"}}
	require.NoError(t, s.StageChunks(ctx, doc.ID, v2))

	// Staged chunks are invisible before commit
	staged, err := s.GetChunks(ctx, []int64{v2[0].ID})
	require.NoError(t, err)
	assert.Empty(t, staged)

	removed, err = s.CommitChunks(ctx, doc.ID, 1)
	require.NoError(t, err)

	// Then: old ids retired, new set live, document done
	assert.ElementsMatch(t, []int64{v1[0].ID, v1[1].ID}, removed)

	live, err := s.GetChunks(ctx, []int64{v2[0].ID})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "new page one", live[0].Text)

	old, err := s.GetChunks(ctx, []int64{v1[0].ID})
	require.NoError(t, err)
	assert.Empty(t, old)

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, got.Status)
	assert.Equal(t, 1, got.PageCount)
}

func TestDiscardStagedChunks_KeepsLiveSet(t *testing.T) {
	// Given: a committed chunk set and a staged replacement
	s := newTestStore(t)
	ctx := context.Background()
	doc := newTestDocument(t, s, "/docs/a.pdf", "fp-v1")

	v1 := []*Chunk{{PageNo: 1, Text: "live content"}}
	require.NoError(t, s.StageChunks(ctx, doc.ID, v1))
	_, err := s.CommitChunks(ctx, doc.ID, 1)
	require.NoError(t, err)

	v2 := []*Chunk{{PageNo: 1, Text: "doomed content"}}
	require.NoError(t, s.StageChunks(ctx, doc.ID, v2))

	// When: discarding the staged set
	removed, err := s.DiscardStagedChunks(ctx, doc.ID)
	require.NoError(t, err)

	// Then: staged ids returned, live set untouched
	assert.Equal(t, []int64{v2[0].ID}, removed)
	live, err := s.GetChunks(ctx, []int64{v1[0].ID})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "live content", live[0].Text)

	count, err := s.LiveChunkCount(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestChunks_BBoxRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	doc := newTestDocument(t, s, "/docs/a.pdf", "fp")

	chunks := []*Chunk{{PageNo: 1, Text: "page", BBox: []float64{0, 0, 612, 792}}}
	require.NoError(t, s.StageChunks(ctx, doc.ID, chunks))
	_, err := s.CommitChunks(ctx, doc.ID, 1)
	require.NoError(t, err)

	got, err := s.GetChunks(ctx, []int64{chunks[0].ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []float64{0, 0, 612, 792}, got[0].BBox)
}

func TestScanJob_CountersMonotonicWhileRunning(t *testing.T) {
	// Given: a running scan job
	s := newTestStore(t)
	ctx := context.Background()
	job := &ScanJob{ID: uuid.NewString(), ScanPath: "/docs", IncludeSubfolders: true}
	require.NoError(t, s.CreateScanJob(ctx, job))

	// When: recording outcomes
	require.NoError(t, s.IncrementScanCounts(ctx, job.ID, 2, 0))
	require.NoError(t, s.IncrementScanCounts(ctx, job.ID, 0, 3))
	require.NoError(t, s.AppendScanError(ctx, job.ID, "unreadable: /docs/x.pdf"))

	// Then: counts reflect all increments
	got, err := s.GetScanJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.NewFiles)
	assert.Equal(t, 3, got.SkippedFiles)
	assert.Equal(t, 1, got.ErrorCount)
	assert.Equal(t, []string{"unreadable: /docs/x.pdf"}, got.Errors)
	assert.Equal(t, ScanRunning, got.Status)
	assert.Nil(t, got.CompletedAt)
}

func TestScanJob_TerminalRecordIsImmutable(t *testing.T) {
	// Given: a completed scan job
	s := newTestStore(t)
	ctx := context.Background()
	job := &ScanJob{ID: uuid.NewString(), ScanPath: "/docs"}
	require.NoError(t, s.CreateScanJob(ctx, job))
	require.NoError(t, s.FinishScanJob(ctx, job.ID, ScanCompleted))

	// When: attempting further mutations
	require.NoError(t, s.IncrementScanCounts(ctx, job.ID, 5, 5))
	require.NoError(t, s.AppendScanError(ctx, job.ID, "late error"))
	require.NoError(t, s.FinishScanJob(ctx, job.ID, ScanFailed))

	// Then: the record is unchanged
	got, err := s.GetScanJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, ScanCompleted, got.Status)
	assert.Zero(t, got.NewFiles)
	assert.Zero(t, got.ErrorCount)
	assert.NotNil(t, got.CompletedAt)
}

func TestGetScanJob_UnknownIDIsNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetScanJob(context.Background(), uuid.NewString())

	require.Error(t, err)
	assert.Equal(t, sifterr.ErrCodeJobNotFound, sifterr.GetCode(err))
}

func TestTasks_EnqueueAckAndRecovery(t *testing.T) {
	// Given: two enqueued tasks, one marked running
	s := newTestStore(t)
	ctx := context.Background()

	t1 := &Task{DocumentID: 1, SourcePath: "/docs/a.pdf", Fingerprint: "fp-a", JobID: "job-1"}
	t2 := &Task{DocumentID: 2, SourcePath: "/docs/b.pdf", Fingerprint: "fp-b", JobID: "job-1"}
	require.NoError(t, s.EnqueueTask(ctx, t1))
	require.NoError(t, s.EnqueueTask(ctx, t2))
	require.NoError(t, s.MarkTaskRunning(ctx, t1.ID))

	// When: simulating restart recovery
	reset, err := s.ResetRunningTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reset)

	// Then: both tasks are pending again in enqueue order
	pending, err := s.PendingTasks(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, t1.ID, pending[0].ID)

	// Acking removes the task for good
	require.NoError(t, s.AckTask(ctx, t1.ID))
	pending, err = s.PendingTasks(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	count, err := s.CountTasksByJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPersistence_SurvivesReopen(t *testing.T) {
	// Given: a file-backed store with a document and a task
	path := filepath.Join(t.TempDir(), "docsift.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	ctx := context.Background()

	doc := &Document{Filename: "a.pdf", SourcePath: "/docs/a.pdf", Fingerprint: "fp-a"}
	require.NoError(t, s.CreateDocument(ctx, doc))
	require.NoError(t, s.EnqueueTask(ctx, &Task{DocumentID: doc.ID, SourcePath: doc.SourcePath, Fingerprint: doc.Fingerprint}))
	require.NoError(t, s.Close())

	// When: reopening
	s2, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s2.Close()

	// Then: document and queued task survived
	got, err := s2.GetDocumentByPath(ctx, "/docs/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, "fp-a", got.Fingerprint)

	pending, err := s2.PendingTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
