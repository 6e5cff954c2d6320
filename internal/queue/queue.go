// Package queue delivers durable ingestion tasks to a bounded worker
// pool with at-least-once semantics. Tasks are persisted before
// dispatch and acked only after processing, so a crash mid-ingestion
// re-delivers the task on the next start. Tasks sharing a content
// fingerprint are serialized: at most one ingestion per fingerprint
// runs at a time.
package queue

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/docsift/docsift/internal/docstore"
)

// dispatchBuffer sizes the in-process channel between enqueue and the
// worker pool.
const dispatchBuffer = 256

// Worker processes one ingestion task to a terminal document state.
type Worker interface {
	Process(ctx context.Context, task *docstore.Task) error
}

// Completer is notified when a task owned by a scan job reaches a
// terminal state. Failures carry the worker's error message so the job
// can record it.
type Completer interface {
	TaskFinished(ctx context.Context, jobID string)
	TaskFailed(ctx context.Context, jobID string, message string)
}

// Queue dispatches persisted tasks to a bounded pool of workers.
type Queue struct {
	store   docstore.Store
	worker  Worker
	tracker Completer
	workers int

	ch chan *docstore.Task

	// inFlight marks fingerprints currently being ingested; deferred
	// holds tasks waiting for their fingerprint slot.
	mu       sync.Mutex
	inFlight map[string]bool
	deferred map[string][]*docstore.Task

	group  *errgroup.Group
	cancel context.CancelFunc
	wg     sync.WaitGroup // outstanding async dispatch sends
}

// New creates a queue draining into the given worker implementation.
func New(store docstore.Store, worker Worker, tracker Completer, workers int) *Queue {
	if workers <= 0 {
		workers = 2
	}
	return &Queue{
		store:    store,
		worker:   worker,
		tracker:  tracker,
		workers:  workers,
		ch:       make(chan *docstore.Task, dispatchBuffer),
		inFlight: make(map[string]bool),
		deferred: make(map[string][]*docstore.Task),
	}
}

// Start recovers unacked tasks from the store and launches the worker
// pool. Tasks left in the running state by a crash are returned to
// pending and re-delivered.
func (q *Queue) Start(ctx context.Context) error {
	reset, err := q.store.ResetRunningTasks(ctx)
	if err != nil {
		return err
	}
	if reset > 0 {
		slog.Info("queue_tasks_recovered", slog.Int("count", reset))
	}

	pending, err := q.store.PendingTasks(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.group, runCtx = errgroup.WithContext(runCtx)

	for i := 0; i < q.workers; i++ {
		q.group.Go(func() error {
			q.runWorker(runCtx)
			return nil
		})
	}

	for _, task := range pending {
		q.dispatch(runCtx, task)
	}

	slog.Info("queue_started",
		slog.Int("workers", q.workers),
		slog.Int("pending", len(pending)))
	return nil
}

// Enqueue persists a task and hands it to the worker pool. The task is
// durable once this returns: a crash before processing re-delivers it.
func (q *Queue) Enqueue(ctx context.Context, task *docstore.Task) error {
	if task.ID == 0 {
		if err := q.store.EnqueueTask(ctx, task); err != nil {
			return err
		}
	}
	q.dispatch(ctx, task)
	return nil
}

// dispatch sends a task to the pool, deferring it when another task
// with the same fingerprint is already running.
func (q *Queue) dispatch(ctx context.Context, task *docstore.Task) {
	q.mu.Lock()
	if q.inFlight[task.Fingerprint] {
		q.deferred[task.Fingerprint] = append(q.deferred[task.Fingerprint], task)
		q.mu.Unlock()
		slog.Debug("task_deferred",
			slog.Int64("task_id", task.ID),
			slog.String("fingerprint", task.Fingerprint))
		return
	}
	q.inFlight[task.Fingerprint] = true
	q.mu.Unlock()

	q.send(ctx, task)
}

// send delivers to the channel without blocking the caller; a full
// buffer falls back to an async send.
func (q *Queue) send(ctx context.Context, task *docstore.Task) {
	select {
	case q.ch <- task:
	default:
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			select {
			case q.ch <- task:
			case <-ctx.Done():
			}
		}()
	}
}

// runWorker drains the dispatch channel until the context ends.
func (q *Queue) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-q.ch:
			q.process(ctx, task)
		}
	}
}

// process runs one task to a terminal state and acks it. The ack
// deletes the durable row; anything before a crash leaves the row for
// redelivery.
func (q *Queue) process(ctx context.Context, task *docstore.Task) {
	if err := q.store.MarkTaskRunning(ctx, task.ID); err != nil {
		slog.Warn("failed to mark task running",
			slog.Int64("task_id", task.ID),
			slog.String("error", err.Error()))
	}

	procErr := q.worker.Process(ctx, task)
	if procErr != nil {
		// The worker recorded the document error itself; the task is
		// still terminal from the queue's point of view.
		slog.Error("task_processing_failed",
			slog.Int64("task_id", task.ID),
			slog.Int64("document_id", task.DocumentID),
			slog.String("error", procErr.Error()))
	}

	if ctx.Err() != nil {
		// Shutting down mid-task: leave the row unacked so it is
		// re-delivered on the next start.
		return
	}

	if err := q.store.AckTask(ctx, task.ID); err != nil {
		slog.Warn("failed to ack task",
			slog.Int64("task_id", task.ID),
			slog.String("error", err.Error()))
	}

	if q.tracker != nil {
		if procErr != nil {
			q.tracker.TaskFailed(ctx, task.JobID, procErr.Error())
		} else {
			q.tracker.TaskFinished(ctx, task.JobID)
		}
	}

	q.release(ctx, task.Fingerprint)
}

// release frees the fingerprint slot and dispatches the next deferred
// task for that fingerprint, if any.
func (q *Queue) release(ctx context.Context, fingerprint string) {
	q.mu.Lock()
	waiting := q.deferred[fingerprint]
	if len(waiting) == 0 {
		delete(q.inFlight, fingerprint)
		delete(q.deferred, fingerprint)
		q.mu.Unlock()
		return
	}
	next := waiting[0]
	if len(waiting) == 1 {
		delete(q.deferred, fingerprint)
	} else {
		q.deferred[fingerprint] = waiting[1:]
	}
	q.mu.Unlock()

	q.send(ctx, next)
}

// Stop shuts the pool down and waits for in-flight tasks to settle.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
	if q.group != nil {
		_ = q.group.Wait()
	}
	q.wg.Wait()
}
