package relation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"transferplane/internal/errs"
	"transferplane/internal/store"
	"transferplane/internal/transfer"

	"github.com/google/uuid"
)

// LFSMappingFile maps each LFS oid to its repository path inside the lfs_objects archive.
const LFSMappingFile = "lfs_objects.json"

// files exports relation_files by copying each object out of the store and
// tarring the result. A failing item is logged and left out of the count.
type files struct {
	kind    Kind
	ownerID uuid.UUID
	deps    Deps
	lfs     bool
}

func newUploads(kind Kind, ownerID uuid.UUID, deps Deps) Exporter {
	return &files{kind: kind, ownerID: ownerID, deps: deps}
}

func newLFSObjects(kind Kind, ownerID uuid.UUID, deps Deps) Exporter {
	return &files{kind: kind, ownerID: ownerID, deps: deps, lfs: true}
}

func (f *files) ArtifactName() string {
	return string(f.kind) + ".tar"
}

func (f *files) Count(ctx context.Context) (int, error) {
	return f.deps.Records.CountFiles(ctx, f.ownerID, string(f.kind))
}

func (f *files) IDsAfter(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	return f.deps.Records.FileIDsAfter(ctx, f.ownerID, string(f.kind), afterID, limit)
}

func (f *files) Execute(ctx context.Context, dir string) (int, error) {
	return f.write(ctx, dir, nil)
}

func (f *files) ExportBatch(ctx context.Context, dir string, ids []int64) (int, error) {
	if ids == nil {
		ids = []int64{}
	}
	return f.write(ctx, dir, ids)
}

func (f *files) write(ctx context.Context, dir string, ids []int64) (int, error) {
	list, err := f.deps.Records.ListFiles(ctx, f.ownerID, string(f.kind), ids)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", f.kind, err)
	}

	staging := filepath.Join(dir, string(f.kind))
	if err := os.MkdirAll(staging, 0o700); err != nil {
		return 0, err
	}
	defer os.RemoveAll(staging)

	count := 0
	mapping := make(map[string]string)
	for _, file := range list {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		name := file.Path
		if f.lfs {
			name = file.OID
		}
		if err := f.copyItem(ctx, staging, name, file); err != nil {
			f.deps.Logger.Warn("skipping file", "relation", f.kind, "file_id", file.ID, "error", err)
			continue
		}
		if f.lfs {
			mapping[file.OID] = file.Path
		}
		count++
	}

	if f.lfs {
		data, err := json.Marshal(mapping)
		if err != nil {
			return 0, err
		}
		if err := os.WriteFile(filepath.Join(staging, LFSMappingFile), data, 0o600); err != nil {
			return 0, err
		}
	}

	if err := transfer.TarDir(staging, filepath.Join(dir, f.ArtifactName())); err != nil {
		return 0, fmt.Errorf("archive %s: %w", f.kind, err)
	}
	return count, nil
}

func (f *files) copyItem(ctx context.Context, staging, name string, file store.RelationFile) error {
	rel, err := itemPath(name)
	if err != nil {
		return err
	}

	r, _, err := f.deps.Objects.Get(ctx, file.ObjectKey)
	if err != nil {
		return err
	}
	defer r.Close()

	dest := filepath.Join(staging, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dest), 0o700); err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest)
	}
	return err
}

// itemPath validates a stored file path before it becomes an archive entry.
func itemPath(p string) (string, error) {
	cleaned := path.Clean(p)
	if p == "" || path.IsAbs(p) || strings.Contains(p, `\`) || cleaned == ".." ||
		strings.HasPrefix(cleaned, "../") || cleaned == "." || cleaned == LFSMappingFile {
		return "", errs.New(errs.KindPartialItem, "relation.itemPath", "invalid file path %q", p)
	}
	return cleaned, nil
}
