package relation

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"transferplane/internal/errs"
	"transferplane/internal/objectstore"
	"transferplane/internal/store"
	"transferplane/internal/store/storetest"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	mem     *storetest.Memory
	objects *objectstore.Local
	logs    *bytes.Buffer
	deps    Deps
	owner   uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	objects, err := objectstore.NewLocal(t.TempDir())
	require.NoError(t, err)
	logs := &bytes.Buffer{}
	mem := storetest.New()
	return &fixture{
		mem:     mem,
		objects: objects,
		logs:    logs,
		owner:   uuid.New(),
		deps: Deps{
			Records: mem,
			Objects: objects,
			Logger:  slog.New(slog.NewTextHandler(logs, nil)),
		},
	}
}

func (f *fixture) putFile(t *testing.T, relation, p, oid, content string) store.RelationFile {
	t.Helper()
	key := fmt.Sprintf("files/%s/%s", relation, p)
	require.NoError(t, f.objects.Put(context.Background(), key, strings.NewReader(content), int64(len(content))))
	file := store.RelationFile{OwnerID: f.owner, Relation: relation, Path: p, ObjectKey: key, OID: oid, Size: int64(len(content))}
	require.NoError(t, f.mem.InsertFile(context.Background(), &file))
	return file
}

func tarEntries(t *testing.T, p string) map[string]string {
	t.Helper()
	fh, err := os.Open(p)
	require.NoError(t, err)
	defer fh.Close()

	out := map[string]string{}
	tr := tar.NewReader(fh)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		data, err := io.ReadAll(tr)
		require.NoError(t, err)
		out[hdr.Name] = string(data)
	}
}

func TestNew_UnsupportedRelation(t *testing.T) {
	_, err := New("wiki", uuid.New(), Deps{})
	assert.True(t, errs.Is(err, errs.KindUnsupportedRelation), "got %v", err)
}

func TestRegistryIsExhaustive(t *testing.T) {
	for _, k := range []Kind{Labels, Milestones, Issues, CIPipelines, Uploads, LFSObjects, Repository} {
		e, err := New(string(k), uuid.New(), Deps{})
		require.NoError(t, err, k)
		assert.NotEmpty(t, e.ArtifactName())
	}
	assert.Len(t, Kinds(), 7)
}

func TestArtifact(t *testing.T) {
	cases := map[string]string{
		"issues":      "issues.ndjson",
		"uploads":     "uploads.tar",
		"lfs_objects": "lfs_objects.tar",
		"repository":  BundleFile,
	}
	for rel, want := range cases {
		got, err := Artifact(rel)
		require.NoError(t, err, rel)
		assert.Equal(t, want, got)
	}
	_, err := Artifact("wiki")
	assert.Error(t, err)
	assert.True(t, Issues.IsTree())
	assert.False(t, Uploads.IsTree())
}

func TestTree_ExecuteWritesNDJSON(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mem.InsertRecords(ctx, f.owner, "labels", []json.RawMessage{
		json.RawMessage(`{"title": "bug"}`),
		json.RawMessage("{\n\"title\": \"feature\"\n}"),
	}))
	require.NoError(t, f.mem.InsertRecords(ctx, uuid.New(), "labels", []json.RawMessage{json.RawMessage(`{"title":"other"}`)}))

	e, err := New("labels", f.owner, f.deps)
	require.NoError(t, err)
	dir := t.TempDir()

	n, err := e.Execute(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := os.ReadFile(filepath.Join(dir, "labels.ndjson"))
	require.NoError(t, err)
	assert.Equal(t, "{\"title\":\"bug\"}\n{\"title\":\"feature\"}\n", string(data))
}

func TestTree_ExportBatchRestrictsToIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payloads := make([]json.RawMessage, 5)
	for i := range payloads {
		payloads[i] = json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))
	}
	require.NoError(t, f.mem.InsertRecords(ctx, f.owner, "issues", payloads))

	e, err := New("issues", f.owner, f.deps)
	require.NoError(t, err)
	b := e.(Batchable)

	ids, err := b.IDsAfter(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	dir := t.TempDir()
	n, err := e.ExportBatch(ctx, dir, ids)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	count, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestUploads_PartialFailureIsSkippedAndLogged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []int64
	var failing store.RelationFile
	for i := 0; i < 100; i++ {
		file := f.putFile(t, "uploads", fmt.Sprintf("u/%03d.txt", i), "", fmt.Sprintf("content %d", i))
		if i == 42 {
			require.NoError(t, f.objects.Delete(ctx, file.ObjectKey))
			failing = file
		}
		ids = append(ids, file.ID)
	}

	e, err := New("uploads", f.owner, f.deps)
	require.NoError(t, err)
	dir := t.TempDir()

	n, err := e.ExportBatch(ctx, dir, ids)
	require.NoError(t, err)
	assert.Equal(t, 99, n)
	assert.Contains(t, f.logs.String(), fmt.Sprintf("file_id=%d", failing.ID))

	entries := tarEntries(t, filepath.Join(dir, "uploads.tar"))
	assert.Len(t, entries, 99)
	assert.Equal(t, "content 0", entries["u/000.txt"])
	_, staged := os.Stat(filepath.Join(dir, "uploads"))
	assert.True(t, os.IsNotExist(staged), "staging dir must be removed")
}

func TestUploads_RejectsTraversalPath(t *testing.T) {
	f := newFixture(t)
	f.putFile(t, "uploads", "ok.txt", "", "fine")
	bad := store.RelationFile{OwnerID: f.owner, Relation: "uploads", Path: "../../etc/passwd", ObjectKey: "files/uploads/ok.txt"}
	require.NoError(t, f.mem.InsertFile(context.Background(), &bad))

	e, err := New("uploads", f.owner, f.deps)
	require.NoError(t, err)

	n, err := e.Execute(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, f.logs.String(), fmt.Sprintf("file_id=%d", bad.ID))
}

func TestLFSObjects_WritesMapping(t *testing.T) {
	f := newFixture(t)
	f.putFile(t, "lfs_objects", "assets/logo.png", "abc123", "png-bytes")

	e, err := New("lfs_objects", f.owner, f.deps)
	require.NoError(t, err)
	dir := t.TempDir()

	n, err := e.Execute(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entries := tarEntries(t, filepath.Join(dir, "lfs_objects.tar"))
	assert.Equal(t, "png-bytes", entries["abc123"])

	var mapping map[string]string
	require.NoError(t, json.Unmarshal([]byte(entries[LFSMappingFile]), &mapping))
	assert.Equal(t, map[string]string{"abc123": "assets/logo.png"}, mapping)
}

func TestRepository(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e, err := New("repository", f.owner, f.deps)
	require.NoError(t, err)

	dir := t.TempDir()
	n, err := e.Execute(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "no bundle stored")

	bundle := "PACK bundle"
	require.NoError(t, f.objects.Put(ctx, BundleKey(f.owner), strings.NewReader(bundle), int64(len(bundle))))
	n, err = e.Execute(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	fh, err := os.Open(filepath.Join(dir, BundleFile))
	require.NoError(t, err)
	defer fh.Close()
	line, _ := bufio.NewReader(fh).ReadString('\n')
	assert.Equal(t, bundle, line)
}
