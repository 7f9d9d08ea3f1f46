package postgres

import (
	"context"
	"fmt"

	"transferplane/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const trackerColumns = "id, unit_id, pipeline_name, relation, stage, status, error, created_at, updated_at"

func scanTracker(row interface{ Scan(...any) error }) (*store.Tracker, error) {
	var t store.Tracker
	err := row.Scan(
		&t.ID, &t.UnitID, &t.PipelineName, &t.Relation, &t.Stage,
		&t.Status, &t.Error, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) GetTracker(ctx context.Context, id uuid.UUID) (*store.Tracker, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+trackerColumns+" FROM trackers WHERE id = $1", id)
	t, err := scanTracker(row)
	if err != nil {
		return nil, notFound(err)
	}
	return t, nil
}

func (s *Store) ListTrackers(ctx context.Context, unitID uuid.UUID) ([]store.Tracker, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+trackerColumns+" FROM trackers WHERE unit_id = $1 ORDER BY stage ASC, pipeline_name ASC", unitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trackers []store.Tracker
	for rows.Next() {
		t, err := scanTracker(rows)
		if err != nil {
			return nil, err
		}
		trackers = append(trackers, *t)
	}
	return trackers, rows.Err()
}

// TransitionTracker keeps the previous error when errMsg is nil.
func (s *Store) TransitionTracker(ctx context.Context, id uuid.UUID, to store.TrackerStatus, errMsg *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE trackers SET status = $1, error = COALESCE($2, error), updated_at = NOW()
		WHERE id = $3 AND status = ANY($4)
	`, to, errMsg, id, pq.Array(store.TrackerPredecessors(to)))
	if err != nil {
		return err
	}
	return requireRow(res, fmt.Sprintf("tracker %s -> %s", id, to))
}

func (s *Store) CountActiveTrackers(ctx context.Context, migrationID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trackers t
		JOIN units u ON u.id = t.unit_id
		WHERE u.migration_id = $1 AND t.status = ANY($2)
	`, migrationID, pq.Array([]string{string(store.TrackerCreated), string(store.TrackerStarted)})).Scan(&n)
	return n, err
}
