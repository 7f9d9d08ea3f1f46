package postgres

import (
	"context"
	"fmt"
	"time"

	"transferplane/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// unitSelect fills SourceVersion from the owning migration.
const unitSelect = `SELECT u.id, u.migration_id, u.parent_unit_id, u.source_path, u.source_kind,
	u.destination, u.status, m.source_version, u.created_at, u.updated_at
	FROM units u JOIN migrations m ON m.id = u.migration_id`

func (s *Store) CreateMigration(ctx context.Context, tx store.DBTransaction, m *store.Migration) error {
	now := time.Now().UTC()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.Status == "" {
		m.Status = store.MigrationCreated
	}
	m.CreatedAt, m.UpdatedAt = now, now

	_, err := s.getExecutor(tx).ExecContext(ctx, `
		INSERT INTO migrations (id, status, source_url, source_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, m.ID, m.Status, m.SourceURL, m.SourceVersion, m.CreatedAt, m.UpdatedAt)
	return err
}

func (s *Store) GetMigration(ctx context.Context, id uuid.UUID) (*store.Migration, error) {
	query := "SELECT id, status, source_url, source_version, created_at, updated_at FROM migrations WHERE id = $1"

	var m store.Migration
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&m.ID, &m.Status, &m.SourceURL, &m.SourceVersion, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (s *Store) TransitionMigration(ctx context.Context, id uuid.UUID, to store.MigrationStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE migrations SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
	`, to, id, pq.Array(store.MigrationPredecessors(to)))
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Sprintf("migration %s -> %s", id, to))
}

func (s *Store) CreateUnit(ctx context.Context, tx store.DBTransaction, u *store.Unit) error {
	now := time.Now().UTC()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Status == "" {
		u.Status = store.UnitCreated
	}
	u.CreatedAt, u.UpdatedAt = now, now

	_, err := s.getExecutor(tx).ExecContext(ctx, `
		INSERT INTO units (id, migration_id, parent_unit_id, source_path, source_kind, destination, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (migration_id, source_path) DO NOTHING
	`, u.ID, u.MigrationID, u.ParentUnitID, u.SourcePath, u.SourceKind, u.Destination, u.Status, u.CreatedAt, u.UpdatedAt)
	return err
}

func scanUnit(row interface{ Scan(...any) error }) (*store.Unit, error) {
	var u store.Unit
	err := row.Scan(
		&u.ID, &u.MigrationID, &u.ParentUnitID, &u.SourcePath, &u.SourceKind,
		&u.Destination, &u.Status, &u.SourceVersion, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) GetUnit(ctx context.Context, id uuid.UUID) (*store.Unit, error) {
	row := s.db.QueryRowContext(ctx, unitSelect+" WHERE u.id = $1", id)
	u, err := scanUnit(row)
	if err != nil {
		return nil, notFound(err)
	}
	return u, nil
}

func (s *Store) queryUnits(ctx context.Context, query string, args ...any) ([]store.Unit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []store.Unit
	for rows.Next() {
		u, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, *u)
	}
	return units, rows.Err()
}

func (s *Store) ListUnits(ctx context.Context, migrationID uuid.UUID) ([]store.Unit, error) {
	return s.queryUnits(ctx,
		unitSelect+" WHERE u.migration_id = $1 ORDER BY u.created_at ASC",
		migrationID)
}

func (s *Store) UnitStatusCounts(ctx context.Context, migrationID uuid.UUID) (map[store.UnitStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM units WHERE migration_id = $1 GROUP BY status", migrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[store.UnitStatus]int)
	for rows.Next() {
		var status store.UnitStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *Store) ListCreatedUnits(ctx context.Context, migrationID uuid.UUID, limit int) ([]store.Unit, error) {
	return s.queryUnits(ctx,
		unitSelect+" WHERE u.migration_id = $1 AND u.status = $2 ORDER BY u.updated_at ASC, u.id ASC LIMIT $3",
		migrationID, store.UnitCreated, limit)
}

func (s *Store) OldestCreatedUnitUpdatedAt(ctx context.Context, migrationID uuid.UUID) (*time.Time, error) {
	var oldest *time.Time
	err := s.db.QueryRowContext(ctx,
		"SELECT MIN(updated_at) FROM units WHERE migration_id = $1 AND status = $2",
		migrationID, store.UnitCreated).Scan(&oldest)
	if err != nil {
		return nil, err
	}
	return oldest, nil
}

func (s *Store) TouchCreatedUnits(ctx context.Context, migrationID uuid.UUID, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE units SET updated_at = $1 WHERE migration_id = $2 AND status = $3",
		at, migrationID, store.UnitCreated)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// StartUnit serializes starts per migration with an advisory lock so the started
// count cannot exceed maxStarted even with several schedulers running.
func (s *Store) StartUnit(ctx context.Context, unit *store.Unit, trackers []store.Tracker, maxStarted int, onStarted func(tx store.DBTransaction) error) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	id := unit.MigrationID
	lockKey := int32(id[0])<<24 | int32(id[1])<<16 | int32(id[2])<<8 | int32(id[3])
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(2, $1)`, lockKey); err != nil {
		return false, err
	}

	var started int
	err = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM units WHERE migration_id = $1 AND status = $2",
		id, store.UnitStarted).Scan(&started)
	if err != nil {
		return false, err
	}
	if started >= maxStarted {
		return false, nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE units SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
	`, store.UnitStarted, unit.ID, pq.Array(store.UnitPredecessors(store.UnitStarted)))
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n == 0 {
		// Another scheduler got here first.
		return false, nil
	}

	now := time.Now().UTC()
	for i := range trackers {
		t := &trackers[i]
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		t.UnitID = unit.ID
		t.CreatedAt, t.UpdatedAt = now, now
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trackers (id, unit_id, pipeline_name, relation, stage, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, t.ID, t.UnitID, t.PipelineName, t.Relation, t.Stage, t.Status, t.CreatedAt, t.UpdatedAt); err != nil {
			return false, fmt.Errorf("failed to create tracker %s: %w", t.PipelineName, err)
		}
	}
	if onStarted != nil {
		if err := onStarted(tx); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}

	unit.Status = store.UnitStarted
	return true, nil
}

func (s *Store) TransitionUnit(ctx context.Context, id uuid.UUID, to store.UnitStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE units SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
	`, to, id, pq.Array(store.UnitPredecessors(to)))
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Sprintf("unit %s -> %s", id, to))
}
