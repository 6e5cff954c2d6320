package scan

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docsift/docsift/internal/docstore"
)

// jobState is the in-memory completion bookkeeping for one running job.
// Persistent counters live in the store; this only tracks what cannot
// be derived from a row: whether enumeration finished and how many
// spawned tasks are still outstanding.
type jobState struct {
	pending  int
	enumDone bool
}

// Tracker owns scan job lifecycle. A job completes only when folder
// enumeration is done AND every task it spawned reached a terminal
// state. Terminal jobs are immutable.
type Tracker struct {
	store docstore.Store

	mu   sync.Mutex
	jobs map[string]*jobState
}

// NewTracker creates a scan job tracker over the given store.
func NewTracker(store docstore.Store) *Tracker {
	return &Tracker{
		store: store,
		jobs:  make(map[string]*jobState),
	}
}

// Create registers a new running scan job and returns it.
func (t *Tracker) Create(ctx context.Context, scanPath string, includeSubfolders bool) (*docstore.ScanJob, error) {
	job := &docstore.ScanJob{
		ID:                uuid.NewString(),
		ScanPath:          scanPath,
		IncludeSubfolders: includeSubfolders,
		Status:            docstore.ScanRunning,
		StartedAt:         time.Now(),
	}

	if err := t.store.CreateScanJob(ctx, job); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.jobs[job.ID] = &jobState{}
	t.mu.Unlock()

	return job, nil
}

// Get returns the current state of a job. Unknown ids yield a
// NotFound error from the store.
func (t *Tracker) Get(ctx context.Context, jobID string) (*docstore.ScanJob, error) {
	return t.store.GetScanJob(ctx, jobID)
}

// RecordNew counts a newly discovered or changed file. The pending
// counter rises with each spawned task and must be balanced by a
// TaskFinished call.
func (t *Tracker) RecordNew(ctx context.Context, jobID string) {
	t.mu.Lock()
	if state, ok := t.jobs[jobID]; ok {
		state.pending++
	}
	t.mu.Unlock()

	if err := t.store.IncrementScanCounts(ctx, jobID, 1, 0); err != nil {
		slog.Warn("failed to record new file",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))
	}
}

// RecordSkipped counts a file whose fingerprint is unchanged.
func (t *Tracker) RecordSkipped(ctx context.Context, jobID string) {
	if err := t.store.IncrementScanCounts(ctx, jobID, 0, 1); err != nil {
		slog.Warn("failed to record skipped file",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))
	}
}

// RecordError appends a per-file error message to the job. The scan
// keeps going; per-file errors never fail the job.
func (t *Tracker) RecordError(ctx context.Context, jobID, message string) {
	if err := t.store.AppendScanError(ctx, jobID, message); err != nil {
		slog.Warn("failed to record scan error",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))
	}
}

// EnumerationDone marks folder enumeration as finished. If no spawned
// tasks are still outstanding the job completes immediately.
func (t *Tracker) EnumerationDone(ctx context.Context, jobID string) {
	t.mu.Lock()
	state, ok := t.jobs[jobID]
	if ok {
		state.enumDone = true
	}
	t.mu.Unlock()

	if ok {
		t.maybeComplete(ctx, jobID)
	}
}

// TaskFinished records that one spawned ingestion task reached a
// terminal state (done or error). Called by the queue for every task
// that carries a job id.
func (t *Tracker) TaskFinished(ctx context.Context, jobID string) {
	if jobID == "" {
		return // direct uploads have no owning job
	}

	t.mu.Lock()
	state, ok := t.jobs[jobID]
	if ok && state.pending > 0 {
		state.pending--
	}
	t.mu.Unlock()

	if ok {
		t.maybeComplete(ctx, jobID)
	}
}

// TaskFailed records a task's ingestion error on the owning job and
// then counts the task as finished. Per-document failures never fail
// the job; they surface in its error list.
func (t *Tracker) TaskFailed(ctx context.Context, jobID, message string) {
	if jobID == "" {
		return // direct uploads have no owning job
	}

	t.RecordError(ctx, jobID, message)
	t.TaskFinished(ctx, jobID)
}

// Fail moves a job to the failed terminal state, recording the reason.
// Used when the scan root itself is unreachable.
func (t *Tracker) Fail(ctx context.Context, jobID, message string) {
	t.RecordError(ctx, jobID, message)

	if err := t.store.FinishScanJob(ctx, jobID, docstore.ScanFailed); err != nil {
		slog.Warn("failed to mark scan job failed",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))
	}

	t.mu.Lock()
	delete(t.jobs, jobID)
	t.mu.Unlock()

	slog.Info("scan_job_failed", slog.String("job_id", jobID), slog.String("reason", message))
}

// maybeComplete finishes the job once enumeration is done and the
// pending-task counter drained to zero.
func (t *Tracker) maybeComplete(ctx context.Context, jobID string) {
	t.mu.Lock()
	state, ok := t.jobs[jobID]
	if !ok || !state.enumDone || state.pending > 0 {
		t.mu.Unlock()
		return
	}
	delete(t.jobs, jobID)
	t.mu.Unlock()

	if err := t.store.FinishScanJob(ctx, jobID, docstore.ScanCompleted); err != nil {
		slog.Warn("failed to complete scan job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()))
		return
	}
	slog.Info("scan_job_completed", slog.String("job_id", jobID))
}

// Recover rebuilds tracking state for jobs that were running when the
// process last stopped. Enumeration is treated as done; the job's
// remaining queued tasks drive it to completion. Jobs with no
// outstanding tasks complete immediately.
func (t *Tracker) Recover(ctx context.Context) error {
	jobs, err := t.store.ListRunningScanJobs(ctx)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		pending, err := t.store.CountTasksByJob(ctx, job.ID)
		if err != nil {
			return err
		}

		t.mu.Lock()
		t.jobs[job.ID] = &jobState{pending: pending, enumDone: true}
		t.mu.Unlock()

		slog.Info("scan_job_recovered",
			slog.String("job_id", job.ID),
			slog.Int("pending_tasks", pending))

		t.maybeComplete(ctx, job.ID)
	}

	return nil
}
