package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"transferplane/internal/store"

	"github.com/lib/pq"
)

// Default retry policy
const (
	MaxRetries        = 5
	VisibilityTimeout = 5 * time.Minute
)

// Enqueue adds a task to the tasks table.
func (s *Store) Enqueue(ctx context.Context, tx store.DBTransaction, kind store.TaskKind, payload json.RawMessage, visibleAfter time.Time) (int64, error) {
	if visibleAfter.IsZero() {
		visibleAfter = time.Now()
	}

	query := `
		INSERT INTO tasks (kind, payload, visible_after)
		VALUES ($1, $2, $3)
		RETURNING id
	`

	var id int64
	err := s.getExecutor(tx).QueryRowContext(ctx, query, kind, payload, visibleAfter).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s task: %w", kind, err)
	}

	return id, nil
}

// DequeueBatch claims up to 'limit' available tasks atomically using SELECT ... FOR UPDATE SKIP LOCKED.
// Returns nil slice if no tasks are available.
func (s *Store) DequeueBatch(ctx context.Context, kinds []store.TaskKind, limit int) ([]store.QueueItem, error) {
	if limit <= 0 {
		limit = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	args := []interface{}{limit}
	whereClause := "WHERE visible_after <= NOW()"

	if len(kinds) > 0 {
		names := make([]string, len(kinds))
		for i, k := range kinds {
			names[i] = string(k)
		}
		whereClause += " AND kind = ANY($2)"
		args = append(args, pq.Array(names))
	}

	selectQuery := fmt.Sprintf(`
		SELECT id, kind, payload, attempt
		FROM tasks
		%s
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, whereClause)

	rows, err := tx.QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("batch dequeue query failed: %w", err)
	}
	defer rows.Close()

	var items []store.QueueItem
	var taskIDs []int64

	for rows.Next() {
		var item store.QueueItem
		if err := rows.Scan(&item.TaskID, &item.Kind, &item.Payload, &item.Attempt); err != nil {
			return nil, fmt.Errorf("batch dequeue scan failed: %w", err)
		}
		item.Attempt++
		items = append(items, item)
		taskIDs = append(taskIDs, item.TaskID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("batch dequeue rows error: %w", err)
	}

	if len(items) == 0 {
		return nil, nil
	}

	// Hide claimed tasks for the visibility timeout and count the attempt.
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks
		SET visible_after = NOW() + ($1 * INTERVAL '1 second'), attempt = attempt + 1
		WHERE id = ANY($2)
	`, VisibilityTimeout.Seconds(), pq.Array(taskIDs))
	if err != nil {
		return nil, fmt.Errorf("batch visibility update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return items, nil
}

// Complete removes a finished task.
func (s *Store) Complete(ctx context.Context, tx store.DBTransaction, taskID int64) error {
	_, err := s.getExecutor(tx).ExecContext(ctx, "DELETE FROM tasks WHERE id = $1", taskID)
	return err
}

// Fail handles a failed task with retries.
func (s *Store) Fail(ctx context.Context, tx store.DBTransaction, taskID int64, errMsg string) error {
	executor := s.getExecutor(tx)

	var attempt int
	err := executor.QueryRowContext(ctx, "SELECT attempt FROM tasks WHERE id = $1", taskID).Scan(&attempt)

	isFatal := false
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Task vanished; nothing left to retry.
			return nil
		}
		return err
	} else if attempt > MaxRetries {
		isFatal = true
	}

	if !isFatal {
		// RETRY: Exponential Backoff (10s * 2^attempt)
		backoff := time.Duration(10*(1<<attempt)) * time.Second
		_, err = executor.ExecContext(ctx, `
			UPDATE tasks
			SET visible_after = NOW() + ($1 * INTERVAL '1 second')
			WHERE id = $2
		`, backoff.Seconds(), taskID)
		return err
	}

	_, err = executor.ExecContext(ctx, `
		INSERT INTO task_dlq (task_id, kind, payload, error_message, attempts)
		SELECT id, kind, payload, $1, attempt FROM tasks WHERE id = $2
	`, errMsg, taskID)
	if err != nil {
		return fmt.Errorf("failed to move task %d to dlq: %w", taskID, err)
	}

	_, err = executor.ExecContext(ctx, "DELETE FROM tasks WHERE id = $1", taskID)
	if err != nil {
		return fmt.Errorf("failed to delete failed task from queue: %w", err)
	}
	return nil
}

// SetVisibleAfter extends the heartbeat.
func (s *Store) SetVisibleAfter(ctx context.Context, tx store.DBTransaction, taskID int64, visibleAfter time.Time) error {
	_, err := s.getExecutor(tx).ExecContext(ctx, `
		UPDATE tasks
		SET visible_after = $1
		WHERE id = $2
	`, visibleAfter, taskID)
	return err
}

// Count returns the number of queued tasks, claimed or not.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&count)
	return count, err
}

// ListDLQ returns dead tasks, most recent first.
func (s *Store) ListDLQ(ctx context.Context, limit, offset int) ([]store.DLQEntry, error) {
	query := `
	SELECT id, task_id, kind, payload, error_message, attempts, failed_at
	FROM task_dlq
	ORDER BY failed_at DESC
	LIMIT $1 OFFSET $2
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []store.DLQEntry
	for rows.Next() {
		var e store.DLQEntry
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Kind, &e.Payload, &e.ErrorMessage, &e.Attempts, &e.FailedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// RetryFromDLQ re-enqueues a dead task under a new id and drops its DLQ entry.
func (s *Store) RetryFromDLQ(ctx context.Context, taskID int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var kind store.TaskKind
	var payload json.RawMessage
	err = tx.QueryRowContext(ctx, "SELECT kind, payload FROM task_dlq WHERE task_id = $1", taskID).Scan(&kind, &payload)
	if err != nil {
		return 0, notFound(err)
	}

	newID, err := s.Enqueue(ctx, tx, kind, payload, time.Now().UTC())
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM task_dlq WHERE task_id = $1", taskID); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	return newID, nil
}
