package importer

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"transferplane/internal/errs"
	"transferplane/internal/export/relation"
	"transferplane/internal/objectstore"
	"transferplane/internal/store/storetest"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoader(t *testing.T) (*StoreLoader, *storetest.Memory, *objectstore.Local) {
	t.Helper()
	mem := storetest.New()
	objects, err := objectstore.NewLocal(t.TempDir())
	require.NoError(t, err)
	return &StoreLoader{Records: mem, Objects: objects, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}, mem, objects
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o700))
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_RecordsInChunks(t *testing.T) {
	l, mem, _ := newLoader(t)
	dir := t.TempDir()
	owner := uuid.New()

	var b strings.Builder
	for i := 0; i < 2*insertChunk+5; i++ {
		b.WriteString(`{"n":1}` + "\n")
	}
	b.WriteString("\n{broken\n")
	p := writeFile(t, dir, "labels.ndjson", b.String())

	n, err := l.Load(context.Background(), Target{OwnerID: owner, Relation: relation.Labels, Dir: dir}, []string{p})
	require.NoError(t, err)
	assert.Equal(t, 2*insertChunk+5, n)
	assert.Len(t, mem.Records(owner, "labels"), 2*insertChunk+5)
}

func TestLoad_LFSObjectsUseMapping(t *testing.T) {
	l, mem, objects := newLoader(t)
	dir := t.TempDir()
	owner := uuid.New()
	files := []string{
		writeFile(t, dir, "abc123", "lfs-bytes"),
		writeFile(t, dir, relation.LFSMappingFile, `{"abc123":"assets/big.bin"}`),
	}

	n, err := l.Load(context.Background(), Target{OwnerID: owner, Relation: relation.LFSObjects, Dir: dir}, files)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := mem.ListFiles(context.Background(), owner, "lfs_objects", nil)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "abc123", stored[0].OID)
	assert.Equal(t, "assets/big.bin", stored[0].Path)

	r, size, err := objects.Get(context.Background(), stored[0].ObjectKey)
	require.NoError(t, err)
	r.Close()
	assert.Equal(t, int64(len("lfs-bytes")), size)
}

func TestLoad_EmptyBundleIsNoRepository(t *testing.T) {
	l, _, objects := newLoader(t)
	dir := t.TempDir()
	owner := uuid.New()
	p := writeFile(t, dir, relation.BundleFile, "")

	n, err := l.Load(context.Background(), Target{OwnerID: owner, Relation: relation.Repository, Dir: dir}, []string{p})
	require.NoError(t, err)
	assert.Zero(t, n)

	_, _, err = objects.Get(context.Background(), relation.BundleKey(owner))
	assert.ErrorIs(t, err, objectstore.ErrNotFound)
}

func TestLoad_UnknownRelation(t *testing.T) {
	l, _, _ := newLoader(t)
	_, err := l.Load(context.Background(), Target{OwnerID: uuid.New(), Relation: "wiki", Dir: t.TempDir()}, nil)
	assert.True(t, errs.Is(err, errs.KindUnsupportedRelation))
}
