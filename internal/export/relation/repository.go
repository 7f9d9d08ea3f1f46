package relation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"transferplane/internal/objectstore"

	"github.com/google/uuid"
)

// BundleFile is the artifact name of a repository export.
const BundleFile = "project.bundle"

// repository copies the owner's stored bundle. An owner without a bundle
// exports an empty file and a count of zero.
type repository struct {
	ownerID uuid.UUID
	deps    Deps
}

func newRepository(_ Kind, ownerID uuid.UUID, deps Deps) Exporter {
	return &repository{ownerID: ownerID, deps: deps}
}

func (r *repository) ArtifactName() string {
	return BundleFile
}

func (r *repository) ExportBatch(ctx context.Context, dir string, _ []int64) (int, error) {
	return r.Execute(ctx, dir)
}

func (r *repository) Execute(ctx context.Context, dir string) (int, error) {
	out, err := os.OpenFile(filepath.Join(dir, BundleFile), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}
	defer out.Close()

	src, _, err := r.deps.Objects.Get(ctx, BundleKey(r.ownerID))
	if errors.Is(err, objectstore.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open bundle: %w", err)
	}
	defer src.Close()

	if _, err := io.Copy(out, src); err != nil {
		return 0, fmt.Errorf("copy bundle: %w", err)
	}
	return 1, nil
}
