package relation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"transferplane/internal/store"

	"github.com/google/uuid"
)

// tree exports relation_records rows as newline-delimited JSON.
type tree struct {
	kind    Kind
	ownerID uuid.UUID
	deps    Deps
}

func newTree(kind Kind, ownerID uuid.UUID, deps Deps) Exporter {
	return &tree{kind: kind, ownerID: ownerID, deps: deps}
}

func (t *tree) ArtifactName() string {
	return string(t.kind) + ".ndjson"
}

func (t *tree) Count(ctx context.Context) (int, error) {
	return t.deps.Records.CountRecords(ctx, t.ownerID, string(t.kind))
}

func (t *tree) IDsAfter(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	return t.deps.Records.RecordIDsAfter(ctx, t.ownerID, string(t.kind), afterID, limit)
}

func (t *tree) Execute(ctx context.Context, dir string) (int, error) {
	return t.write(ctx, dir, nil)
}

func (t *tree) ExportBatch(ctx context.Context, dir string, ids []int64) (int, error) {
	if ids == nil {
		ids = []int64{}
	}
	return t.write(ctx, dir, ids)
}

func (t *tree) write(ctx context.Context, dir string, ids []int64) (int, error) {
	f, err := os.OpenFile(filepath.Join(dir, t.ArtifactName()), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(f)

	count := 0
	var line bytes.Buffer
	err = t.deps.Records.EachRecord(ctx, t.ownerID, string(t.kind), ids, func(r store.RelationRecord) error {
		line.Reset()
		if err := json.Compact(&line, r.Payload); err != nil {
			t.deps.Logger.Warn("skipping malformed record", "relation", t.kind, "id", r.ID, "error", err)
			return nil
		}
		line.WriteByte('\n')
		if _, err := w.Write(line.Bytes()); err != nil {
			return err
		}
		count++
		return nil
	})
	if err == nil {
		err = w.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("export %s: %w", t.kind, err)
	}
	return count, nil
}
