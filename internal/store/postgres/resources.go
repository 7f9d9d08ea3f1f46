package postgres

import (
	"context"
	"path"
	"strings"

	"transferplane/internal/store"

	"github.com/google/uuid"
)

func scanResource(row interface{ Scan(...any) error }) (*store.Resource, error) {
	var r store.Resource
	if err := row.Scan(&r.ID, &r.FullPath, &r.ParentPath, &r.Kind, &r.CreatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) GetResourceByPath(ctx context.Context, fullPath string) (*store.Resource, error) {
	r, err := scanResource(s.db.QueryRowContext(ctx,
		"SELECT id, full_path, parent_path, kind, created_at FROM resources WHERE full_path = $1", fullPath))
	if err != nil {
		return nil, notFound(err)
	}
	return r, nil
}

// FindOrCreateResource derives parent_path from the last path segment.
func (s *Store) FindOrCreateResource(ctx context.Context, fullPath string, kind store.SourceKind) (*store.Resource, error) {
	fullPath = strings.Trim(fullPath, "/")
	parent := path.Dir(fullPath)
	if parent == "." {
		parent = ""
	}

	return scanResource(s.db.QueryRowContext(ctx, `
		INSERT INTO resources (id, full_path, parent_path, kind)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (full_path) DO UPDATE SET full_path = EXCLUDED.full_path
		RETURNING id, full_path, parent_path, kind, created_at
	`, uuid.New(), fullPath, parent, kind))
}

func (s *Store) ListChildResources(ctx context.Context, parentPath string) ([]store.Resource, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, full_path, parent_path, kind, created_at FROM resources WHERE parent_path = $1 ORDER BY full_path ASC",
		strings.Trim(parentPath, "/"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var resources []store.Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		resources = append(resources, *r)
	}
	return resources, rows.Err()
}
