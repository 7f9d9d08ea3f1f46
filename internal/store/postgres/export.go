package postgres

import (
	"context"
	"fmt"
	"time"

	"transferplane/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const exportColumns = `id, owner_id, relation, session_id, status, batched, batches_count,
	total_objects_count, requested_by, error, created_at, updated_at`

func scanExport(row interface{ Scan(...any) error }) (*store.Export, error) {
	var e store.Export
	err := row.Scan(
		&e.ID, &e.OwnerID, &e.Relation, &e.SessionID, &e.Status, &e.Batched, &e.BatchesCount,
		&e.TotalObjectsCount, &e.RequestedBy, &e.Error, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// FindOrCreateExport relies on the (owner_id, relation, session_id) unique key. The no-op
// update on conflict makes RETURNING yield the existing row.
func (s *Store) FindOrCreateExport(ctx context.Context, ownerID uuid.UUID, relation, sessionID, requestedBy string) (*store.Export, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO exports (id, owner_id, relation, session_id, status, requested_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (owner_id, relation, session_id) DO UPDATE SET relation = EXCLUDED.relation
		RETURNING `+exportColumns,
		uuid.New(), ownerID, relation, sessionID, store.ExportStarted, requestedBy, now)
	return scanExport(row)
}

func (s *Store) GetExport(ctx context.Context, id uuid.UUID) (*store.Export, error) {
	e, err := scanExport(s.db.QueryRowContext(ctx, "SELECT "+exportColumns+" FROM exports WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

func (s *Store) FindExport(ctx context.Context, ownerID uuid.UUID, relation, sessionID string) (*store.Export, error) {
	e, err := scanExport(s.db.QueryRowContext(ctx,
		"SELECT "+exportColumns+" FROM exports WHERE owner_id = $1 AND relation = $2 AND session_id = $3",
		ownerID, relation, sessionID))
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}

func (s *Store) ListExports(ctx context.Context, ownerID uuid.UUID, sessionID string) ([]store.Export, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+exportColumns+" FROM exports WHERE owner_id = $1 AND session_id = $2 ORDER BY relation ASC",
		ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exports []store.Export
	for rows.Next() {
		e, err := scanExport(rows)
		if err != nil {
			return nil, err
		}
		exports = append(exports, *e)
	}
	return exports, rows.Err()
}

func (s *Store) StartExport(ctx context.Context, id uuid.UUID, batched bool, batchesCount, totalObjects int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE exports
		SET status = $1, batched = $2, batches_count = $3, total_objects_count = $4, error = NULL, updated_at = NOW()
		WHERE id = $5 AND status = ANY($6)
	`, store.ExportStarted, batched, batchesCount, totalObjects, id, pq.Array(store.ExportPredecessors(store.ExportStarted)))
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Sprintf("export %s -> started", id))
}

func (s *Store) FinishExport(ctx context.Context, id uuid.UUID, batched bool, totalObjects int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE exports
		SET status = $1, batched = $2, total_objects_count = $3, updated_at = NOW()
		WHERE id = $4 AND status = ANY($5)
	`, store.ExportFinished, batched, totalObjects, id, pq.Array(store.ExportPredecessors(store.ExportFinished)))
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Sprintf("export %s -> finished", id))
}

func (s *Store) FailExport(ctx context.Context, id uuid.UUID, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE exports SET status = $1, error = $2, updated_at = NOW()
		WHERE id = $3 AND status = ANY($4)
	`, store.ExportFailed, errMsg, id, pq.Array(store.ExportPredecessors(store.ExportFailed)))
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Sprintf("export %s -> failed", id))
}

func (s *Store) TouchExport(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, "UPDATE exports SET updated_at = NOW() WHERE id = $1", id)
	return err
}

const batchColumns = "id, export_id, batch_number, status, objects_count, error, created_at, updated_at"

func scanBatch(row interface{ Scan(...any) error }) (*store.Batch, error) {
	var b store.Batch
	err := row.Scan(&b.ID, &b.ExportID, &b.BatchNumber, &b.Status, &b.ObjectsCount, &b.Error, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Store) DeleteBatches(ctx context.Context, exportID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM export_batches WHERE export_id = $1", exportID)
	return err
}

func (s *Store) FindOrCreateBatch(ctx context.Context, exportID uuid.UUID, batchNumber int) (*store.Batch, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO export_batches (export_id, batch_number, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (export_id, batch_number) DO UPDATE SET batch_number = EXCLUDED.batch_number
		RETURNING `+batchColumns,
		exportID, batchNumber, store.BatchCreated)
	return scanBatch(row)
}

func (s *Store) GetBatch(ctx context.Context, id int64) (*store.Batch, error) {
	b, err := scanBatch(s.db.QueryRowContext(ctx, "SELECT "+batchColumns+" FROM export_batches WHERE id = $1", id))
	if err != nil {
		return nil, notFound(err)
	}
	return b, nil
}

func (s *Store) FindBatch(ctx context.Context, exportID uuid.UUID, batchNumber int) (*store.Batch, error) {
	b, err := scanBatch(s.db.QueryRowContext(ctx,
		"SELECT "+batchColumns+" FROM export_batches WHERE export_id = $1 AND batch_number = $2",
		exportID, batchNumber))
	if err != nil {
		return nil, notFound(err)
	}
	return b, nil
}

func (s *Store) ListBatches(ctx context.Context, exportID uuid.UUID) ([]store.Batch, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+batchColumns+" FROM export_batches WHERE export_id = $1 ORDER BY batch_number ASC", exportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []store.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, *b)
	}
	return batches, rows.Err()
}

func (s *Store) StartBatch(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE export_batches SET status = $1, objects_count = 0, error = NULL, updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
	`, store.BatchStarted, id, pq.Array(store.BatchPredecessors(store.BatchStarted)))
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Sprintf("batch %d -> started", id))
}

func (s *Store) FinishBatch(ctx context.Context, id int64, objectsCount int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE export_batches SET status = $1, objects_count = $2, updated_at = NOW()
		WHERE id = $3 AND status = ANY($4)
	`, store.BatchFinished, objectsCount, id, pq.Array(store.BatchPredecessors(store.BatchFinished)))
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Sprintf("batch %d -> finished", id))
}

func (s *Store) FailBatch(ctx context.Context, id int64, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE export_batches SET status = $1, error = $2, updated_at = NOW()
		WHERE id = $3 AND status = ANY($4)
	`, store.BatchFailed, errMsg, id, pq.Array(store.BatchPredecessors(store.BatchFailed)))
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Sprintf("batch %d -> failed", id))
}

func (s *Store) UpsertUpload(ctx context.Context, u *store.ExportUpload) error {
	return s.db.QueryRowContext(ctx, `
		INSERT INTO export_uploads (export_id, batch_id, object_key, size)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (export_id, (COALESCE(batch_id, 0)))
		DO UPDATE SET object_key = EXCLUDED.object_key, size = EXCLUDED.size, created_at = NOW()
		RETURNING id, created_at
	`, u.ExportID, u.BatchID, u.ObjectKey, u.Size).Scan(&u.ID, &u.CreatedAt)
}

func (s *Store) FindUpload(ctx context.Context, exportID uuid.UUID, batchID *int64) (*store.ExportUpload, error) {
	var u store.ExportUpload
	err := s.db.QueryRowContext(ctx, `
		SELECT id, export_id, batch_id, object_key, size, created_at
		FROM export_uploads
		WHERE export_id = $1 AND COALESCE(batch_id, 0) = COALESCE($2::bigint, 0)
	`, exportID, batchID).Scan(&u.ID, &u.ExportID, &u.BatchID, &u.ObjectKey, &u.Size, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}
