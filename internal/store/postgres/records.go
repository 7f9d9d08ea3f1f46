package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"transferplane/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

func (s *Store) CountRecords(ctx context.Context, ownerID uuid.UUID, relation string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM relation_records WHERE owner_id = $1 AND relation = $2",
		ownerID, relation).Scan(&n)
	return n, err
}

// RecordIDsAfter pages primary keys with a keyset cursor.
func (s *Store) RecordIDsAfter(ctx context.Context, ownerID uuid.UUID, relation string, afterID int64, limit int) ([]int64, error) {
	return s.idsAfter(ctx, "relation_records", ownerID, relation, afterID, limit)
}

func (s *Store) FileIDsAfter(ctx context.Context, ownerID uuid.UUID, relation string, afterID int64, limit int) ([]int64, error) {
	return s.idsAfter(ctx, "relation_files", ownerID, relation, afterID, limit)
}

func (s *Store) idsAfter(ctx context.Context, table string, ownerID uuid.UUID, relation string, afterID int64, limit int) ([]int64, error) {
	query := fmt.Sprintf(`
		SELECT id FROM %s
		WHERE owner_id = $1 AND relation = $2 AND id > $3
		ORDER BY id ASC
		LIMIT $4
	`, table)

	rows, err := s.db.QueryContext(ctx, query, ownerID, relation, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) EachRecord(ctx context.Context, ownerID uuid.UUID, relation string, ids []int64, fn func(store.RelationRecord) error) error {
	query := "SELECT id, owner_id, relation, payload FROM relation_records WHERE owner_id = $1 AND relation = $2"
	args := []interface{}{ownerID, relation}
	if ids != nil {
		query += " AND id = ANY($3)"
		args = append(args, pq.Array(ids))
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var r store.RelationRecord
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.Relation, &r.Payload); err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *Store) InsertRecords(ctx context.Context, ownerID uuid.UUID, relation string, payloads []json.RawMessage) error {
	if len(payloads) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "INSERT INTO relation_records (owner_id, relation, payload) VALUES ($1, $2, $3)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range payloads {
		if _, err := stmt.ExecContext(ctx, ownerID, relation, p); err != nil {
			return fmt.Errorf("failed to insert %s record: %w", relation, err)
		}
	}

	return tx.Commit()
}

func (s *Store) CountFiles(ctx context.Context, ownerID uuid.UUID, relation string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM relation_files WHERE owner_id = $1 AND relation = $2",
		ownerID, relation).Scan(&n)
	return n, err
}

func (s *Store) ListFiles(ctx context.Context, ownerID uuid.UUID, relation string, ids []int64) ([]store.RelationFile, error) {
	query := "SELECT id, owner_id, relation, path, object_key, oid, size FROM relation_files WHERE owner_id = $1 AND relation = $2"
	args := []interface{}{ownerID, relation}
	if ids != nil {
		query += " AND id = ANY($3)"
		args = append(args, pq.Array(ids))
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []store.RelationFile
	for rows.Next() {
		var f store.RelationFile
		if err := rows.Scan(&f.ID, &f.OwnerID, &f.Relation, &f.Path, &f.ObjectKey, &f.OID, &f.Size); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *Store) InsertFile(ctx context.Context, f *store.RelationFile) error {
	return s.db.QueryRowContext(ctx, `
		INSERT INTO relation_files (owner_id, relation, path, object_key, oid, size)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, f.OwnerID, f.Relation, f.Path, f.ObjectKey, f.OID, f.Size).Scan(&f.ID)
}
