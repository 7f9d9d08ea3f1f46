package importer

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"transferplane/internal/export/relation"
	"transferplane/internal/objectstore"
	"transferplane/internal/store"
	"transferplane/internal/store/storetest"
	"transferplane/internal/tasks"
	"transferplane/internal/transfer"
	"transferplane/pkg/api"

	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource serves the pull API of a source instance from memory.
type fakeSource struct {
	mu          sync.Mutex
	statuses    map[string]api.ExportStatusResponse
	artifacts   map[string][]byte
	contentType string
	failStatus  int
	children    []api.ResourceResponse
	started     []api.StartExportRequest
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		statuses:    map[string]api.ExportStatusResponse{},
		artifacts:   map[string][]byte{},
		contentType: "application/gzip",
	}
}

func (s *fakeSource) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /exports", func(w http.ResponseWriter, r *http.Request) {
		var req api.StartExportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad start export body: %v", err)
		}
		s.mu.Lock()
		s.started = append(s.started, req)
		s.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(api.StartExportResponse{Relations: req.Relations})
	})
	mux.HandleFunc("GET /exports/status", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		out := []api.ExportStatusResponse{}
		if st, ok := s.statuses[r.URL.Query().Get("relation")]; ok {
			out = append(out, st)
		}
		json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("GET /resources/children", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(s.children)
	})
	mux.HandleFunc("GET /exports/download", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.failStatus != 0 {
			http.Error(w, "unavailable", s.failStatus)
			return
		}
		batch := r.URL.Query().Get("batch_number")
		if batch == "" {
			batch = "0"
		}
		data, ok := s.artifacts[r.URL.Query().Get("relation")+"/"+batch]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", s.contentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	})
	return mux
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func tarBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o600, Size: int64(len(body)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

type fixture struct {
	mem      *storetest.Memory
	clock    *testclock.Clock
	source   *fakeSource
	server   *httptest.Server
	scratch  *transfer.Scratch
	objects  *objectstore.Local
	importer *Importer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := testclock.NewClock(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	mem := storetest.New()
	mem.Now = clk.Now

	source := newFakeSource()
	server := httptest.NewServer(source.handler(t))
	t.Cleanup(server.Close)

	scratch, err := transfer.NewScratch(t.TempDir())
	require.NoError(t, err)
	objects, err := objectstore.NewLocal(t.TempDir())
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	im := New(Deps{
		Migrations: mem,
		Trackers:   mem,
		Resources:  mem,
		Dispatcher: tasks.NewDispatcher(mem, clk),
		Peers: &HTTPPeers{
			Token:   "peer-token",
			Policy:  transfer.Policy{AllowLocalNetwork: true},
			Scratch: scratch,
			Logger:  logger,
		},
		Loader:  &StoreLoader{Records: mem, Objects: objects, Logger: logger},
		Scratch: scratch,
		Clock:   clk,
		Logger:  logger,
	})

	return &fixture{mem: mem, clock: clk, source: source, server: server, scratch: scratch, objects: objects, importer: im}
}

// startedUnit creates a started unit with the given trackers and returns them with IDs.
func (f *fixture) startedUnit(t *testing.T, kind store.SourceKind, path string, trackers ...store.Tracker) (*store.Unit, []store.Tracker) {
	t.Helper()
	ctx := context.Background()
	m := &store.Migration{SourceURL: f.server.URL, SourceVersion: "16.4"}
	require.NoError(t, f.mem.CreateMigration(ctx, nil, m))
	u := &store.Unit{MigrationID: m.ID, SourcePath: path, SourceKind: kind, Destination: "dest/" + path}
	require.NoError(t, f.mem.CreateUnit(ctx, nil, u))
	ok, err := f.mem.StartUnit(ctx, u, trackers, 5, nil)
	require.NoError(t, err)
	require.True(t, ok)
	return u, trackers
}

func tracker(name string, stage int, status store.TrackerStatus) store.Tracker {
	return store.Tracker{PipelineName: name, Relation: name, Stage: stage, Status: status}
}

func (f *fixture) tracker(t *testing.T, id uuid.UUID) *store.Tracker {
	t.Helper()
	tr, err := f.mem.GetTracker(context.Background(), id)
	require.NoError(t, err)
	return tr
}

func (f *fixture) unitStatus(t *testing.T, id uuid.UUID) store.UnitStatus {
	t.Helper()
	u, err := f.mem.GetUnit(context.Background(), id)
	require.NoError(t, err)
	return u.Status
}

func TestBeginExport_RequestsExportAndQueuesPipelines(t *testing.T) {
	f := newFixture(t)
	u, _ := f.startedUnit(t, store.SourceKindProject, "org/app",
		tracker("labels", 0, store.TrackerCreated),
		tracker("issues", 1, store.TrackerCreated),
		tracker("lfs_objects", 3, store.TrackerSkipped),
	)

	require.NoError(t, f.importer.BeginExport(context.Background(), u.ID))

	require.Len(t, f.source.started, 1)
	req := f.source.started[0]
	assert.Equal(t, "org/app", req.SourcePath)
	assert.True(t, req.Batched)
	assert.Equal(t, SessionID(u.ID), req.SessionID)
	assert.ElementsMatch(t, []string{"labels", "issues"}, req.Relations)
	assert.Len(t, f.mem.Tasks(store.TaskRunPipeline), 2)
	assert.Equal(t, store.UnitStarted, f.unitStatus(t, u.ID))
}

func TestBeginExport_GroupDiscoversChildren(t *testing.T) {
	f := newFixture(t)
	f.source.children = []api.ResourceResponse{
		{FullPath: "org/app", ParentPath: "org", Kind: "project"},
		{FullPath: "org/sub", ParentPath: "org", Kind: "group"},
		{FullPath: "orgx/other", ParentPath: "orgx", Kind: "project"},
	}
	u, _ := f.startedUnit(t, store.SourceKindGroup, "org", tracker("labels", 0, store.TrackerCreated))
	ctx := context.Background()

	require.NoError(t, f.importer.BeginExport(ctx, u.ID))
	// Redelivery creates no duplicates.
	require.NoError(t, f.importer.BeginExport(ctx, u.ID))

	units, err := f.mem.ListUnits(ctx, u.MigrationID)
	require.NoError(t, err)
	require.Len(t, units, 3)

	byPath := map[string]store.Unit{}
	for _, x := range units {
		byPath[x.SourcePath] = x
	}
	app := byPath["org/app"]
	require.NotNil(t, app.ParentUnitID)
	assert.Equal(t, u.ID, *app.ParentUnitID)
	assert.Equal(t, "dest/org/app", app.Destination)
	assert.Equal(t, store.UnitCreated, app.Status)
	assert.Equal(t, store.SourceKindGroup, byPath["org/sub"].SourceKind)
	assert.NotContains(t, byPath, "orgx/other")
}

func TestBeginExport_AllSkippedFinishesUnit(t *testing.T) {
	f := newFixture(t)
	u, _ := f.startedUnit(t, store.SourceKindProject, "org/app", tracker("lfs_objects", 3, store.TrackerSkipped))

	require.NoError(t, f.importer.BeginExport(context.Background(), u.ID))

	assert.Empty(t, f.source.started)
	assert.Empty(t, f.mem.Tasks(store.TaskRunPipeline))
	assert.Equal(t, store.UnitFinished, f.unitStatus(t, u.ID))
}

func TestBeginExport_IgnoresUnstartedUnit(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.importer.BeginExport(context.Background(), uuid.New()))
	assert.Empty(t, f.source.started)
}

func TestRunPipeline_WaitsForEarlierStage(t *testing.T) {
	f := newFixture(t)
	_, trs := f.startedUnit(t, store.SourceKindProject, "org/app",
		tracker("labels", 0, store.TrackerCreated),
		tracker("issues", 1, store.TrackerCreated),
	)

	require.NoError(t, f.importer.RunPipeline(context.Background(), trs[1].ID))

	assert.Equal(t, store.TrackerCreated, f.tracker(t, trs[1].ID).Status)
	queued := f.mem.Tasks(store.TaskRunPipeline)
	require.Len(t, queued, 1)
	assert.Equal(t, f.clock.Now().Add(PollDelay), queued[0].VisibleAfter)
}

func TestRunPipeline_WaitsForSourceExport(t *testing.T) {
	f := newFixture(t)
	_, trs := f.startedUnit(t, store.SourceKindProject, "org/app", tracker("issues", 0, store.TrackerCreated))
	ctx := context.Background()

	// Not exported yet.
	require.NoError(t, f.importer.RunPipeline(ctx, trs[0].ID))
	assert.Equal(t, store.TrackerStarted, f.tracker(t, trs[0].ID).Status)

	f.source.statuses["issues"] = api.ExportStatusResponse{Relation: "issues", Status: "started"}
	require.NoError(t, f.importer.RunPipeline(ctx, trs[0].ID))
	assert.Equal(t, store.TrackerStarted, f.tracker(t, trs[0].ID).Status)
	assert.Len(t, f.mem.Tasks(store.TaskRunPipeline), 2)
}

func TestRunPipeline_TimesOutWaiting(t *testing.T) {
	f := newFixture(t)
	u, trs := f.startedUnit(t, store.SourceKindProject, "org/app", tracker("issues", 0, store.TrackerCreated))
	f.source.statuses["issues"] = api.ExportStatusResponse{Relation: "issues", Status: "started"}
	ctx := context.Background()

	require.NoError(t, f.importer.RunPipeline(ctx, trs[0].ID))
	f.clock.Advance(WaitTimeout + time.Minute)
	require.NoError(t, f.importer.RunPipeline(ctx, trs[0].ID))

	tr := f.tracker(t, trs[0].ID)
	assert.Equal(t, store.TrackerFailed, tr.Status)
	require.NotNil(t, tr.Error)
	assert.Contains(t, *tr.Error, "timed out")
	assert.Equal(t, store.UnitFailed, f.unitStatus(t, u.ID))
}

func TestRunPipeline_ImportsBatchedRecords(t *testing.T) {
	f := newFixture(t)
	u, trs := f.startedUnit(t, store.SourceKindProject, "org/app", tracker("issues", 0, store.TrackerCreated))
	f.source.statuses["issues"] = api.ExportStatusResponse{
		Relation: "issues", Status: "finished", Batched: true, BatchesCount: 2,
		Batches: []api.BatchStatusResponse{{BatchNumber: 2, Status: "finished"}, {BatchNumber: 1, Status: "finished"}},
	}
	f.source.artifacts["issues/1"] = gzipBytes(t, []byte("{\"iid\":1}\n{\"iid\":2}\n"))
	f.source.artifacts["issues/2"] = gzipBytes(t, []byte("{\"iid\":3}\nnot json\n"))

	require.NoError(t, f.importer.RunPipeline(context.Background(), trs[0].ID))

	assert.Equal(t, store.TrackerFinished, f.tracker(t, trs[0].ID).Status)
	assert.Equal(t, store.UnitFinished, f.unitStatus(t, u.ID))

	owner, err := f.mem.GetResourceByPath(context.Background(), "dest/org/app")
	require.NoError(t, err)
	records := f.mem.Records(owner.ID, "issues")
	require.Len(t, records, 3)
	assert.JSONEq(t, `{"iid":3}`, string(records[2]))

	entries, err := os.ReadDir(f.scratch.Root())
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch space is cleaned up")
}

func TestRunPipeline_ImportsUploadsArchive(t *testing.T) {
	f := newFixture(t)
	_, trs := f.startedUnit(t, store.SourceKindProject, "org/app", tracker("uploads", 0, store.TrackerCreated))
	f.source.statuses["uploads"] = api.ExportStatusResponse{Relation: "uploads", Status: "finished", TotalObjectsCount: 1}
	f.source.artifacts["uploads/0"] = gzipBytes(t, tarBytes(t, map[string]string{"a/b.txt": "hello"}))
	ctx := context.Background()

	require.NoError(t, f.importer.RunPipeline(ctx, trs[0].ID))
	assert.Equal(t, store.TrackerFinished, f.tracker(t, trs[0].ID).Status)

	owner, err := f.mem.GetResourceByPath(ctx, "dest/org/app")
	require.NoError(t, err)
	files, err := f.mem.ListFiles(ctx, owner.ID, "uploads", nil)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "a/b.txt", files[0].Path)
	assert.Equal(t, int64(5), files[0].Size)

	r, _, err := f.objects.Get(ctx, files[0].ObjectKey)
	require.NoError(t, err)
	defer r.Close()
	body, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
}

func TestRunPipeline_ImportsRepositoryBundle(t *testing.T) {
	f := newFixture(t)
	_, trs := f.startedUnit(t, store.SourceKindProject, "org/app", tracker("repository", 0, store.TrackerCreated))
	f.source.statuses["repository"] = api.ExportStatusResponse{Relation: "repository", Status: "finished", TotalObjectsCount: 1}
	f.source.artifacts["repository/0"] = gzipBytes(t, []byte("BUNDLE"))
	ctx := context.Background()

	require.NoError(t, f.importer.RunPipeline(ctx, trs[0].ID))

	owner, err := f.mem.GetResourceByPath(ctx, "dest/org/app")
	require.NoError(t, err)
	r, size, err := f.objects.Get(ctx, relation.BundleKey(owner.ID))
	require.NoError(t, err)
	r.Close()
	assert.Equal(t, int64(6), size)
}

func TestRunPipeline_SourceFailureFailsTracker(t *testing.T) {
	f := newFixture(t)
	u, trs := f.startedUnit(t, store.SourceKindProject, "org/app", tracker("issues", 0, store.TrackerCreated))
	msg := "disk full"
	f.source.statuses["issues"] = api.ExportStatusResponse{Relation: "issues", Status: "failed", Error: &msg}

	require.NoError(t, f.importer.RunPipeline(context.Background(), trs[0].ID))

	tr := f.tracker(t, trs[0].ID)
	assert.Equal(t, store.TrackerFailed, tr.Status)
	require.NotNil(t, tr.Error)
	assert.Contains(t, *tr.Error, "disk full")
	assert.Equal(t, store.UnitFailed, f.unitStatus(t, u.ID))
}

func TestRunPipeline_RejectsHTMLArtifact(t *testing.T) {
	f := newFixture(t)
	_, trs := f.startedUnit(t, store.SourceKindProject, "org/app", tracker("labels", 0, store.TrackerCreated))
	f.source.statuses["labels"] = api.ExportStatusResponse{Relation: "labels", Status: "finished", TotalObjectsCount: 1}
	f.source.artifacts["labels/0"] = []byte("<html></html>")
	f.source.contentType = "text/html"

	require.NoError(t, f.importer.RunPipeline(context.Background(), trs[0].ID))

	assert.Equal(t, store.TrackerFailed, f.tracker(t, trs[0].ID).Status)
	entries, err := os.ReadDir(f.scratch.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunPipeline_TransportErrorIsRetried(t *testing.T) {
	f := newFixture(t)
	_, trs := f.startedUnit(t, store.SourceKindProject, "org/app", tracker("labels", 0, store.TrackerCreated))
	f.source.statuses["labels"] = api.ExportStatusResponse{Relation: "labels", Status: "finished", TotalObjectsCount: 1}
	f.source.failStatus = http.StatusBadGateway

	require.NoError(t, f.importer.RunPipeline(context.Background(), trs[0].ID))

	assert.Equal(t, store.TrackerStarted, f.tracker(t, trs[0].ID).Status)
	queued := f.mem.Tasks(store.TaskRunPipeline)
	require.Len(t, queued, 1)
	assert.Equal(t, f.clock.Now().Add(PollDelay), queued[0].VisibleAfter)
}

func TestRunPipeline_PersistentTransportErrorFailsTracker(t *testing.T) {
	f := newFixture(t)
	u, trs := f.startedUnit(t, store.SourceKindProject, "org/app", tracker("labels", 0, store.TrackerCreated))
	f.source.statuses["labels"] = api.ExportStatusResponse{Relation: "labels", Status: "finished", TotalObjectsCount: 1}
	f.source.failStatus = http.StatusBadGateway
	ctx := context.Background()

	require.NoError(t, f.importer.RunPipeline(ctx, trs[0].ID))
	f.clock.Advance(WaitTimeout + time.Minute)
	require.NoError(t, f.importer.RunPipeline(ctx, trs[0].ID))

	tr := f.tracker(t, trs[0].ID)
	assert.Equal(t, store.TrackerFailed, tr.Status)
	require.NotNil(t, tr.Error)
	assert.Contains(t, *tr.Error, "source unreachable")
	assert.Equal(t, store.UnitFailed, f.unitStatus(t, u.ID))
}

func TestRunPipeline_EmptyUnbatchedExportFinishesWithoutDownload(t *testing.T) {
	f := newFixture(t)
	u, trs := f.startedUnit(t, store.SourceKindProject, "org/app", tracker("labels", 0, store.TrackerCreated))
	// No artifact is served, so any download would 404.
	f.source.statuses["labels"] = api.ExportStatusResponse{Relation: "labels", Status: "finished"}

	require.NoError(t, f.importer.RunPipeline(context.Background(), trs[0].ID))

	assert.Equal(t, store.TrackerFinished, f.tracker(t, trs[0].ID).Status)
	assert.Equal(t, store.UnitFinished, f.unitStatus(t, u.ID))
	assert.Empty(t, f.mem.Tasks(store.TaskRunPipeline))
}

func TestRunPipeline_LastTrackerCompletesUnit(t *testing.T) {
	f := newFixture(t)
	u, trs := f.startedUnit(t, store.SourceKindProject, "org/app",
		tracker("labels", 0, store.TrackerCreated),
		tracker("issues", 1, store.TrackerCreated),
	)
	for _, rel := range []string{"labels", "issues"} {
		f.source.statuses[rel] = api.ExportStatusResponse{Relation: rel, Status: "finished", TotalObjectsCount: 1}
		f.source.artifacts[rel+"/0"] = gzipBytes(t, []byte("{\"title\":\""+rel+"\"}\n"))
	}
	ctx := context.Background()

	require.NoError(t, f.importer.RunPipeline(ctx, trs[0].ID))
	assert.Equal(t, store.UnitStarted, f.unitStatus(t, u.ID))

	require.NoError(t, f.importer.RunPipeline(ctx, trs[1].ID))
	assert.Equal(t, store.UnitFinished, f.unitStatus(t, u.ID))
}
