// Package docstore persists documents, chunks, scan jobs, and queued
// ingestion tasks. It is the source of truth for idempotency: a document's
// content fingerprint decides whether re-ingestion is required.
package docstore

import (
	"context"
	"time"
)

// DocumentStatus is the ingestion lifecycle state of a document.
type DocumentStatus string

const (
	StatusQueued     DocumentStatus = "queued"
	StatusProcessing DocumentStatus = "processing"
	StatusDone       DocumentStatus = "done"
	StatusError      DocumentStatus = "error"
)

// ScanJobStatus is the lifecycle state of a scan job.
type ScanJobStatus string

const (
	ScanRunning   ScanJobStatus = "running"
	ScanCompleted ScanJobStatus = "completed"
	ScanFailed    ScanJobStatus = "failed"
)

// TaskState is the delivery state of a queued ingestion task.
type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskRunning TaskState = "running"
)

// Document represents one ingested source file.
type Document struct {
	ID          int64
	Filename    string
	SourcePath  string
	StoragePath string
	Fingerprint string
	Status      DocumentStatus
	PageCount   int
	ErrorMsg    string
	FileSize    int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Chunk is the extracted content of one document page.
// Chunks are staged invisible to search and become live atomically
// when the worker commits the new chunk set.
type Chunk struct {
	ID         int64
	DocumentID int64
	PageNo     int
	Text       string
	BBox       []float64
	// EmbeddingID is the id of the chunk's vector in the vector index.
	EmbeddingID string
}

// ScanJob is one invocation of the folder scanner.
type ScanJob struct {
	ID                string
	ScanPath          string
	IncludeSubfolders bool
	Status            ScanJobStatus
	StartedAt         time.Time
	CompletedAt       *time.Time
	NewFiles          int
	SkippedFiles      int
	ErrorCount        int
	Errors            []string
}

// Task is a durable ingestion task. Tasks survive restart and are
// re-delivered if a worker crashes before acking.
type Task struct {
	ID          int64
	DocumentID  int64
	SourcePath  string
	Fingerprint string
	// JobID is the owning scan job, empty for direct uploads.
	JobID      string
	State      TaskState
	Attempts   int
	EnqueuedAt time.Time
}

// Store is the persistence contract for the ingestion pipeline.
type Store interface {
	// Documents. The store exclusively owns status transitions.
	CreateDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, id int64) (*Document, error)
	GetDocumentByPath(ctx context.Context, sourcePath string) (*Document, error)
	GetDocumentByFingerprint(ctx context.Context, fingerprint string) (*Document, error)
	SetDocumentStatus(ctx context.Context, id int64, status DocumentStatus, errMsg string) error
	SetDocumentStoragePath(ctx context.Context, id int64, storagePath string) error
	// RequeueDocument records a new content version for an existing path:
	// new fingerprint, status back to queued.
	RequeueDocument(ctx context.Context, id int64, fingerprint string, fileSize int64) error

	// Chunks. StageChunks inserts a new chunk set invisible to search;
	// CommitChunks atomically retires the old set and makes the staged set
	// live, marking the document done. DiscardStagedChunks drops a staged
	// set after a failed ingestion, leaving the old set searchable.
	StageChunks(ctx context.Context, docID int64, chunks []*Chunk) error
	CommitChunks(ctx context.Context, docID int64, pageCount int) (removed []int64, err error)
	DiscardStagedChunks(ctx context.Context, docID int64) (removed []int64, err error)
	// GetChunks resolves live chunks by id; staged or deleted ids are
	// silently omitted so stale index hits filter out.
	GetChunks(ctx context.Context, ids []int64) ([]*Chunk, error)
	LiveChunkCount(ctx context.Context, docID int64) (int, error)

	// Scan jobs. Counters only move while the job is running; terminal
	// records are immutable.
	CreateScanJob(ctx context.Context, job *ScanJob) error
	GetScanJob(ctx context.Context, jobID string) (*ScanJob, error)
	IncrementScanCounts(ctx context.Context, jobID string, newFiles, skippedFiles int) error
	AppendScanError(ctx context.Context, jobID string, message string) error
	FinishScanJob(ctx context.Context, jobID string, status ScanJobStatus) error
	ListRunningScanJobs(ctx context.Context) ([]*ScanJob, error)

	// Tasks. At-least-once delivery: acking deletes the row, a crash
	// before ack leaves it for redelivery on restart.
	EnqueueTask(ctx context.Context, task *Task) error
	MarkTaskRunning(ctx context.Context, id int64) error
	AckTask(ctx context.Context, id int64) error
	ResetRunningTasks(ctx context.Context) (int, error)
	PendingTasks(ctx context.Context) ([]*Task, error)
	CountTasksByJob(ctx context.Context, jobID string) (int, error)

	Close() error
}
