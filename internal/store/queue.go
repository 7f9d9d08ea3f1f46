// Package store contains the database layer for transferplane.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// TaskKind names an asynchronous entry point.
type TaskKind string

const (
	TaskAdvance        TaskKind = "advance"
	TaskBeginExport    TaskKind = "begin_export"
	TaskExportRelation TaskKind = "export_relation"
	TaskExportBatch    TaskKind = "export_batch"
	TaskFinalizeExport TaskKind = "finalize_export"
	TaskRunPipeline    TaskKind = "run_pipeline"
)

// Queue defines the interface for task queue operations.
// Implementations must use SELECT ... FOR UPDATE SKIP LOCKED semantics.
type Queue interface {
	// Enqueue adds a new task that becomes visible at visibleAfter.
	Enqueue(ctx context.Context, tx DBTransaction, kind TaskKind, payload json.RawMessage, visibleAfter time.Time) (int64, error)

	// DequeueBatch claims up to 'limit' visible tasks atomically.
	// An empty kinds slice claims any kind. Returns nil slice if queue is empty.
	DequeueBatch(ctx context.Context, kinds []TaskKind, limit int) ([]QueueItem, error)

	// Complete removes a finished task.
	Complete(ctx context.Context, tx DBTransaction, taskID int64) error

	// Fail schedules a retry with backoff, or moves the task to the DLQ once retries are exhausted.
	Fail(ctx context.Context, tx DBTransaction, taskID int64, errMsg string) error

	// SetVisibleAfter extends the visibility timeout (heartbeat).
	SetVisibleAfter(ctx context.Context, tx DBTransaction, taskID int64, visibleAfter time.Time) error

	// Count tracks count of items in queue
	Count(ctx context.Context) (int64, error)
}

// DLQStore exposes tasks that exhausted their retries.
type DLQStore interface {
	ListDLQ(ctx context.Context, limit, offset int) ([]DLQEntry, error)
	RetryFromDLQ(ctx context.Context, taskID int64) (int64, error)
}

// QueueItem represents a dequeued task.
type QueueItem struct {
	TaskID  int64
	Kind    TaskKind
	Payload json.RawMessage
	Attempt int
}
