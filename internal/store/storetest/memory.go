// Package storetest provides an in-memory implementation of the store
// interfaces for tests of packages built on top of the store.
package storetest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"transferplane/internal/store"

	"github.com/google/uuid"
)

// Task is a queued task as recorded by Memory.
type Task struct {
	ID           int64
	Kind         store.TaskKind
	Payload      json.RawMessage
	VisibleAfter time.Time
	Attempt      int
}

// Memory is a goroutine-safe in-memory store. Status changes go through the
// same transition tables as the Postgres store.
type Memory struct {
	mu sync.Mutex
	// startMu serializes StartUnit like the Postgres advisory lock.
	startMu sync.Mutex

	// Errs injects an error into the named method, e.g. Errs["StartUnit"].
	Errs map[string]error
	// Now is the clock used for timestamps. Nil means time.Now.
	Now func() time.Time

	migrations map[uuid.UUID]*store.Migration
	units      map[uuid.UUID]*store.Unit
	trackers   map[uuid.UUID]*store.Tracker
	exports    map[uuid.UUID]*store.Export
	batches    map[int64]*store.Batch
	uploads    []*store.ExportUpload
	resources  map[string]*store.Resource
	records    []store.RelationRecord
	files      []store.RelationFile
	tokens     map[string]*store.AccessToken
	tasks      []Task
	dlq        []store.DLQEntry

	nextID int64
}

func New() *Memory {
	return &Memory{
		Errs:       map[string]error{},
		migrations: map[uuid.UUID]*store.Migration{},
		units:      map[uuid.UUID]*store.Unit{},
		trackers:   map[uuid.UUID]*store.Tracker{},
		exports:    map[uuid.UUID]*store.Export{},
		batches:    map[int64]*store.Batch{},
		resources:  map[string]*store.Resource{},
		tokens:     map[string]*store.AccessToken{},
	}
}

func (m *Memory) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *Memory) err(method string) error {
	return m.Errs[method]
}

// BeginTx returns a no-op transaction. Writes through it apply immediately.
func (m *Memory) BeginTx(ctx context.Context) (store.Tx, error) {
	if err := m.err("BeginTx"); err != nil {
		return nil, err
	}
	return noopTx{}, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return m.err("Ping")
}

type noopTx struct{}

func (noopTx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return nil, errors.New("storetest: raw SQL is not supported")
}
func (noopTx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return nil, errors.New("storetest: raw SQL is not supported")
}
func (noopTx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return nil
}
func (noopTx) Commit() error   { return nil }
func (noopTx) Rollback() error { return nil }

// Migrations and units.

func (m *Memory) CreateMigration(ctx context.Context, tx store.DBTransaction, mig *store.Migration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("CreateMigration"); err != nil {
		return err
	}
	if mig.ID == uuid.Nil {
		mig.ID = uuid.New()
	}
	if mig.Status == "" {
		mig.Status = store.MigrationCreated
	}
	mig.CreatedAt, mig.UpdatedAt = m.now(), m.now()
	cp := *mig
	m.migrations[mig.ID] = &cp
	return nil
}

func (m *Memory) GetMigration(ctx context.Context, id uuid.UUID) (*store.Migration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("GetMigration"); err != nil {
		return nil, err
	}
	mig, ok := m.migrations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *mig
	return &cp, nil
}

func (m *Memory) TransitionMigration(ctx context.Context, id uuid.UUID, to store.MigrationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("TransitionMigration"); err != nil {
		return err
	}
	mig, ok := m.migrations[id]
	if !ok {
		return fmt.Errorf("migration %s: %w", id, store.ErrInvalidTransition)
	}
	if err := mig.Status.ValidateTransition(to); err != nil {
		return err
	}
	mig.Status, mig.UpdatedAt = to, m.now()
	return nil
}

func (m *Memory) CreateUnit(ctx context.Context, tx store.DBTransaction, u *store.Unit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("CreateUnit"); err != nil {
		return err
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.Status == "" {
		u.Status = store.UnitCreated
	}
	for _, existing := range m.units {
		if existing.MigrationID == u.MigrationID && existing.SourcePath == u.SourcePath {
			return nil
		}
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = m.now()
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = u.CreatedAt
	}
	cp := *u
	m.units[u.ID] = &cp
	return nil
}

func (m *Memory) unitCopy(u *store.Unit) store.Unit {
	cp := *u
	if mig, ok := m.migrations[u.MigrationID]; ok {
		cp.SourceVersion = mig.SourceVersion
	}
	return cp
}

func (m *Memory) GetUnit(ctx context.Context, id uuid.UUID) (*store.Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("GetUnit"); err != nil {
		return nil, err
	}
	u, ok := m.units[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := m.unitCopy(u)
	return &cp, nil
}

func (m *Memory) ListUnits(ctx context.Context, migrationID uuid.UUID) ([]store.Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("ListUnits"); err != nil {
		return nil, err
	}
	var out []store.Unit
	for _, u := range m.units {
		if u.MigrationID == migrationID {
			out = append(out, m.unitCopy(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourcePath < out[j].SourcePath })
	return out, nil
}

func (m *Memory) UnitStatusCounts(ctx context.Context, migrationID uuid.UUID) (map[store.UnitStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("UnitStatusCounts"); err != nil {
		return nil, err
	}
	counts := map[store.UnitStatus]int{}
	for _, u := range m.units {
		if u.MigrationID == migrationID {
			counts[u.Status]++
		}
	}
	return counts, nil
}

func (m *Memory) ListCreatedUnits(ctx context.Context, migrationID uuid.UUID, limit int) ([]store.Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("ListCreatedUnits"); err != nil {
		return nil, err
	}
	var out []store.Unit
	for _, u := range m.units {
		if u.MigrationID == migrationID && u.Status == store.UnitCreated {
			out = append(out, m.unitCopy(u))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].SourcePath < out[j].SourcePath
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) OldestCreatedUnitUpdatedAt(ctx context.Context, migrationID uuid.UUID) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("OldestCreatedUnitUpdatedAt"); err != nil {
		return nil, err
	}
	var oldest *time.Time
	for _, u := range m.units {
		if u.MigrationID == migrationID && u.Status == store.UnitCreated {
			if oldest == nil || u.UpdatedAt.Before(*oldest) {
				t := u.UpdatedAt
				oldest = &t
			}
		}
	}
	return oldest, nil
}

func (m *Memory) TouchCreatedUnits(ctx context.Context, migrationID uuid.UUID, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("TouchCreatedUnits"); err != nil {
		return 0, err
	}
	var n int64
	for _, u := range m.units {
		if u.MigrationID == migrationID && u.Status == store.UnitCreated {
			u.UpdatedAt = at
			n++
		}
	}
	return n, nil
}

func (m *Memory) StartUnit(ctx context.Context, unit *store.Unit, trackers []store.Tracker, maxStarted int, onStarted func(tx store.DBTransaction) error) (bool, error) {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	m.mu.Lock()
	ok, err := m.canStart(unit, trackers, maxStarted)
	m.mu.Unlock()
	if err != nil || !ok {
		return false, err
	}
	// Unlocked so the hook can enqueue through this store. Nothing is applied if it fails.
	if onStarted != nil {
		if err := onStarted(nil); err != nil {
			return false, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.units[unit.ID]
	for i := range trackers {
		t := &trackers[i]
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		t.UnitID = unit.ID
		t.CreatedAt, t.UpdatedAt = m.now(), m.now()
		cp := *t
		m.trackers[t.ID] = &cp
	}
	u.Status, u.UpdatedAt = store.UnitStarted, m.now()
	unit.Status = store.UnitStarted
	return true, nil
}

func (m *Memory) canStart(unit *store.Unit, trackers []store.Tracker, maxStarted int) (bool, error) {
	if err := m.err("StartUnit"); err != nil {
		return false, err
	}
	started := 0
	for _, u := range m.units {
		if u.MigrationID == unit.MigrationID && u.Status == store.UnitStarted {
			started++
		}
	}
	if started >= maxStarted {
		return false, nil
	}
	u, ok := m.units[unit.ID]
	if !ok || u.Status != store.UnitCreated {
		return false, nil
	}
	for _, t := range trackers {
		for _, existing := range m.trackers {
			if existing.UnitID == unit.ID && existing.PipelineName == t.PipelineName {
				return false, fmt.Errorf("failed to create tracker %s: duplicate", t.PipelineName)
			}
		}
	}
	return true, nil
}

func (m *Memory) TransitionUnit(ctx context.Context, id uuid.UUID, to store.UnitStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("TransitionUnit"); err != nil {
		return err
	}
	u, ok := m.units[id]
	if !ok {
		return fmt.Errorf("unit %s: %w", id, store.ErrInvalidTransition)
	}
	if err := u.Status.ValidateTransition(to); err != nil {
		return err
	}
	u.Status, u.UpdatedAt = to, m.now()
	return nil
}

// Trackers.

func (m *Memory) GetTracker(ctx context.Context, id uuid.UUID) (*store.Tracker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("GetTracker"); err != nil {
		return nil, err
	}
	t, ok := m.trackers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) ListTrackers(ctx context.Context, unitID uuid.UUID) ([]store.Tracker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("ListTrackers"); err != nil {
		return nil, err
	}
	var out []store.Tracker
	for _, t := range m.trackers {
		if t.UnitID == unitID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stage != out[j].Stage {
			return out[i].Stage < out[j].Stage
		}
		return out[i].PipelineName < out[j].PipelineName
	})
	return out, nil
}

func (m *Memory) TransitionTracker(ctx context.Context, id uuid.UUID, to store.TrackerStatus, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("TransitionTracker"); err != nil {
		return err
	}
	t, ok := m.trackers[id]
	if !ok {
		return fmt.Errorf("tracker %s: %w", id, store.ErrInvalidTransition)
	}
	if err := t.Status.ValidateTransition(to); err != nil {
		return err
	}
	t.Status, t.UpdatedAt = to, m.now()
	if errMsg != nil {
		msg := *errMsg
		t.Error = &msg
	}
	return nil
}

func (m *Memory) CountActiveTrackers(ctx context.Context, migrationID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("CountActiveTrackers"); err != nil {
		return 0, err
	}
	n := 0
	for _, t := range m.trackers {
		u, ok := m.units[t.UnitID]
		if !ok || u.MigrationID != migrationID {
			continue
		}
		if t.Status == store.TrackerCreated || t.Status == store.TrackerStarted {
			n++
		}
	}
	return n, nil
}

// Exports, batches and uploads.

func (m *Memory) FindOrCreateExport(ctx context.Context, ownerID uuid.UUID, relation, sessionID, requestedBy string) (*store.Export, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("FindOrCreateExport"); err != nil {
		return nil, err
	}
	for _, e := range m.exports {
		if e.OwnerID == ownerID && e.Relation == relation && e.SessionID == sessionID {
			cp := *e
			return &cp, nil
		}
	}
	e := &store.Export{
		ID: uuid.New(), OwnerID: ownerID, Relation: relation, SessionID: sessionID,
		Status: store.ExportStarted, RequestedBy: requestedBy, CreatedAt: m.now(), UpdatedAt: m.now(),
	}
	m.exports[e.ID] = e
	cp := *e
	return &cp, nil
}

// PutExport stores e as is. Tests use it to seed rows in any state.
func (m *Memory) PutExport(e store.Export) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exports[e.ID] = &e
}

func (m *Memory) GetExport(ctx context.Context, id uuid.UUID) (*store.Export, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("GetExport"); err != nil {
		return nil, err
	}
	e, ok := m.exports[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *Memory) FindExport(ctx context.Context, ownerID uuid.UUID, relation, sessionID string) (*store.Export, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("FindExport"); err != nil {
		return nil, err
	}
	for _, e := range m.exports {
		if e.OwnerID == ownerID && e.Relation == relation && e.SessionID == sessionID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *Memory) ListExports(ctx context.Context, ownerID uuid.UUID, sessionID string) ([]store.Export, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("ListExports"); err != nil {
		return nil, err
	}
	var out []store.Export
	for _, e := range m.exports {
		if e.OwnerID == ownerID && e.SessionID == sessionID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Relation < out[j].Relation })
	return out, nil
}

func (m *Memory) transitionExport(id uuid.UUID, to store.ExportStatus) (*store.Export, error) {
	e, ok := m.exports[id]
	if !ok {
		return nil, fmt.Errorf("export %s: %w", id, store.ErrInvalidTransition)
	}
	if err := e.Status.ValidateTransition(to); err != nil {
		return nil, err
	}
	e.Status, e.UpdatedAt = to, m.now()
	return e, nil
}

func (m *Memory) StartExport(ctx context.Context, id uuid.UUID, batched bool, batchesCount, totalObjects int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("StartExport"); err != nil {
		return err
	}
	e, err := m.transitionExport(id, store.ExportStarted)
	if err != nil {
		return err
	}
	e.Batched, e.BatchesCount, e.TotalObjectsCount, e.Error = batched, batchesCount, totalObjects, nil
	return nil
}

func (m *Memory) FinishExport(ctx context.Context, id uuid.UUID, batched bool, totalObjects int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("FinishExport"); err != nil {
		return err
	}
	e, err := m.transitionExport(id, store.ExportFinished)
	if err != nil {
		return err
	}
	e.Batched, e.TotalObjectsCount = batched, totalObjects
	return nil
}

func (m *Memory) FailExport(ctx context.Context, id uuid.UUID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("FailExport"); err != nil {
		return err
	}
	e, err := m.transitionExport(id, store.ExportFailed)
	if err != nil {
		return err
	}
	e.Error = &errMsg
	return nil
}

func (m *Memory) TouchExport(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("TouchExport"); err != nil {
		return err
	}
	if e, ok := m.exports[id]; ok {
		e.UpdatedAt = m.now()
	}
	return nil
}

func (m *Memory) DeleteBatches(ctx context.Context, exportID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("DeleteBatches"); err != nil {
		return err
	}
	for id, b := range m.batches {
		if b.ExportID == exportID {
			delete(m.batches, id)
		}
	}
	return nil
}

func (m *Memory) FindOrCreateBatch(ctx context.Context, exportID uuid.UUID, batchNumber int) (*store.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("FindOrCreateBatch"); err != nil {
		return nil, err
	}
	for _, b := range m.batches {
		if b.ExportID == exportID && b.BatchNumber == batchNumber {
			cp := *b
			return &cp, nil
		}
	}
	b := &store.Batch{
		ID: m.id(), ExportID: exportID, BatchNumber: batchNumber, Status: store.BatchCreated,
		CreatedAt: m.now(), UpdatedAt: m.now(),
	}
	m.batches[b.ID] = b
	cp := *b
	return &cp, nil
}

func (m *Memory) GetBatch(ctx context.Context, id int64) (*store.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("GetBatch"); err != nil {
		return nil, err
	}
	b, ok := m.batches[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *Memory) FindBatch(ctx context.Context, exportID uuid.UUID, batchNumber int) (*store.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("FindBatch"); err != nil {
		return nil, err
	}
	for _, b := range m.batches {
		if b.ExportID == exportID && b.BatchNumber == batchNumber {
			cp := *b
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *Memory) ListBatches(ctx context.Context, exportID uuid.UUID) ([]store.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("ListBatches"); err != nil {
		return nil, err
	}
	var out []store.Batch
	for _, b := range m.batches {
		if b.ExportID == exportID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchNumber < out[j].BatchNumber })
	return out, nil
}

func (m *Memory) transitionBatch(id int64, to store.BatchStatus) (*store.Batch, error) {
	b, ok := m.batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %d: %w", id, store.ErrInvalidTransition)
	}
	if err := b.Status.ValidateTransition(to); err != nil {
		return nil, err
	}
	b.Status, b.UpdatedAt = to, m.now()
	return b, nil
}

func (m *Memory) StartBatch(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("StartBatch"); err != nil {
		return err
	}
	b, err := m.transitionBatch(id, store.BatchStarted)
	if err != nil {
		return err
	}
	b.ObjectsCount, b.Error = 0, nil
	return nil
}

func (m *Memory) FinishBatch(ctx context.Context, id int64, objectsCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("FinishBatch"); err != nil {
		return err
	}
	b, err := m.transitionBatch(id, store.BatchFinished)
	if err != nil {
		return err
	}
	b.ObjectsCount = objectsCount
	return nil
}

func (m *Memory) FailBatch(ctx context.Context, id int64, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("FailBatch"); err != nil {
		return err
	}
	b, err := m.transitionBatch(id, store.BatchFailed)
	if err != nil {
		return err
	}
	b.Error = &errMsg
	return nil
}

func sameBatch(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (m *Memory) UpsertUpload(ctx context.Context, u *store.ExportUpload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("UpsertUpload"); err != nil {
		return err
	}
	for _, existing := range m.uploads {
		if existing.ExportID == u.ExportID && sameBatch(existing.BatchID, u.BatchID) {
			existing.ObjectKey, existing.Size, existing.CreatedAt = u.ObjectKey, u.Size, m.now()
			u.ID, u.CreatedAt = existing.ID, existing.CreatedAt
			return nil
		}
	}
	u.ID, u.CreatedAt = m.id(), m.now()
	cp := *u
	m.uploads = append(m.uploads, &cp)
	return nil
}

func (m *Memory) FindUpload(ctx context.Context, exportID uuid.UUID, batchID *int64) (*store.ExportUpload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("FindUpload"); err != nil {
		return nil, err
	}
	for _, u := range m.uploads {
		if u.ExportID == exportID && sameBatch(u.BatchID, batchID) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

// Uploads returns every upload row.
func (m *Memory) Uploads() []store.ExportUpload {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.ExportUpload, 0, len(m.uploads))
	for _, u := range m.uploads {
		out = append(out, *u)
	}
	return out
}

// Resources.

func (m *Memory) GetResourceByPath(ctx context.Context, fullPath string) (*store.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("GetResourceByPath"); err != nil {
		return nil, err
	}
	r, ok := m.resources[strings.Trim(fullPath, "/")]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *Memory) FindOrCreateResource(ctx context.Context, fullPath string, kind store.SourceKind) (*store.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("FindOrCreateResource"); err != nil {
		return nil, err
	}
	fullPath = strings.Trim(fullPath, "/")
	if r, ok := m.resources[fullPath]; ok {
		cp := *r
		return &cp, nil
	}
	parent := path.Dir(fullPath)
	if parent == "." {
		parent = ""
	}
	r := &store.Resource{ID: uuid.New(), FullPath: fullPath, ParentPath: parent, Kind: kind, CreatedAt: m.now()}
	m.resources[fullPath] = r
	cp := *r
	return &cp, nil
}

func (m *Memory) ListChildResources(ctx context.Context, parentPath string) ([]store.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("ListChildResources"); err != nil {
		return nil, err
	}
	parentPath = strings.Trim(parentPath, "/")
	var out []store.Resource
	for _, r := range m.resources {
		if r.ParentPath == parentPath {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullPath < out[j].FullPath })
	return out, nil
}

// Records and files.

func inIDs(ids []int64, id int64) bool {
	if ids == nil {
		return true
	}
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func (m *Memory) CountRecords(ctx context.Context, ownerID uuid.UUID, relation string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("CountRecords"); err != nil {
		return 0, err
	}
	n := 0
	for _, r := range m.records {
		if r.OwnerID == ownerID && r.Relation == relation {
			n++
		}
	}
	return n, nil
}

func (m *Memory) RecordIDsAfter(ctx context.Context, ownerID uuid.UUID, relation string, afterID int64, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("RecordIDsAfter"); err != nil {
		return nil, err
	}
	var ids []int64
	for _, r := range m.records {
		if r.OwnerID == ownerID && r.Relation == relation && r.ID > afterID && len(ids) < limit {
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

func (m *Memory) EachRecord(ctx context.Context, ownerID uuid.UUID, relation string, ids []int64, fn func(store.RelationRecord) error) error {
	m.mu.Lock()
	if err := m.err("EachRecord"); err != nil {
		m.mu.Unlock()
		return err
	}
	var matched []store.RelationRecord
	for _, r := range m.records {
		if r.OwnerID == ownerID && r.Relation == relation && inIDs(ids, r.ID) {
			matched = append(matched, r)
		}
	}
	m.mu.Unlock()

	for _, r := range matched {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) InsertRecords(ctx context.Context, ownerID uuid.UUID, relation string, payloads []json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("InsertRecords"); err != nil {
		return err
	}
	for _, p := range payloads {
		m.records = append(m.records, store.RelationRecord{ID: m.id(), OwnerID: ownerID, Relation: relation, Payload: p})
	}
	return nil
}

// Records returns the payloads stored for owner and relation, in id order.
func (m *Memory) Records(ownerID uuid.UUID, relation string) []json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []json.RawMessage
	for _, r := range m.records {
		if r.OwnerID == ownerID && r.Relation == relation {
			out = append(out, r.Payload)
		}
	}
	return out
}

func (m *Memory) CountFiles(ctx context.Context, ownerID uuid.UUID, relation string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("CountFiles"); err != nil {
		return 0, err
	}
	n := 0
	for _, f := range m.files {
		if f.OwnerID == ownerID && f.Relation == relation {
			n++
		}
	}
	return n, nil
}

func (m *Memory) FileIDsAfter(ctx context.Context, ownerID uuid.UUID, relation string, afterID int64, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("FileIDsAfter"); err != nil {
		return nil, err
	}
	var ids []int64
	for _, f := range m.files {
		if f.OwnerID == ownerID && f.Relation == relation && f.ID > afterID && len(ids) < limit {
			ids = append(ids, f.ID)
		}
	}
	return ids, nil
}

func (m *Memory) ListFiles(ctx context.Context, ownerID uuid.UUID, relation string, ids []int64) ([]store.RelationFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("ListFiles"); err != nil {
		return nil, err
	}
	var out []store.RelationFile
	for _, f := range m.files {
		if f.OwnerID == ownerID && f.Relation == relation && inIDs(ids, f.ID) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *Memory) InsertFile(ctx context.Context, f *store.RelationFile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("InsertFile"); err != nil {
		return err
	}
	f.ID = m.id()
	m.files = append(m.files, *f)
	return nil
}

// Access tokens.

func (m *Memory) CreateAccessToken(ctx context.Context, token *store.AccessToken, hashedKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("CreateAccessToken"); err != nil {
		return err
	}
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	token.CreatedAt = m.now()
	cp := *token
	m.tokens[hashedKey] = &cp
	return nil
}

func (m *Memory) GetAccessTokenByHash(ctx context.Context, hash string) (*store.AccessToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("GetAccessTokenByHash"); err != nil {
		return nil, err
	}
	t, ok := m.tokens[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// Queue.

func (m *Memory) Enqueue(ctx context.Context, tx store.DBTransaction, kind store.TaskKind, payload json.RawMessage, visibleAfter time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("Enqueue"); err != nil {
		return 0, err
	}
	t := Task{ID: m.id(), Kind: kind, Payload: payload, VisibleAfter: visibleAfter}
	m.tasks = append(m.tasks, t)
	return t.ID, nil
}

func (m *Memory) DequeueBatch(ctx context.Context, kinds []store.TaskKind, limit int) ([]store.QueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("DequeueBatch"); err != nil {
		return nil, err
	}
	now := m.now()
	var items []store.QueueItem
	for i := range m.tasks {
		t := &m.tasks[i]
		if len(items) >= limit || t.VisibleAfter.After(now) || !kindIn(kinds, t.Kind) {
			continue
		}
		t.Attempt++
		t.VisibleAfter = now.Add(5 * time.Minute)
		items = append(items, store.QueueItem{TaskID: t.ID, Kind: t.Kind, Payload: t.Payload, Attempt: t.Attempt})
	}
	return items, nil
}

func kindIn(kinds []store.TaskKind, k store.TaskKind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}

func (m *Memory) Complete(ctx context.Context, tx store.DBTransaction, taskID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("Complete"); err != nil {
		return err
	}
	m.removeTask(taskID)
	return nil
}

func (m *Memory) removeTask(id int64) (Task, bool) {
	for i, t := range m.tasks {
		if t.ID == id {
			m.tasks = append(m.tasks[:i], m.tasks[i+1:]...)
			return t, true
		}
	}
	return Task{}, false
}

func (m *Memory) Fail(ctx context.Context, tx store.DBTransaction, taskID int64, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("Fail"); err != nil {
		return err
	}
	for i := range m.tasks {
		t := &m.tasks[i]
		if t.ID != taskID {
			continue
		}
		if t.Attempt > 5 {
			now := m.now()
			msg := errMsg
			m.dlq = append(m.dlq, store.DLQEntry{
				ID: m.id(), TaskID: t.ID, Kind: t.Kind, Payload: t.Payload,
				ErrorMessage: &msg, Attempts: t.Attempt, FailedAt: &now,
			})
			m.removeTask(taskID)
			return nil
		}
		t.VisibleAfter = m.now().Add(time.Duration(10<<t.Attempt) * time.Second)
		return nil
	}
	return nil
}

func (m *Memory) SetVisibleAfter(ctx context.Context, tx store.DBTransaction, taskID int64, visibleAfter time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("SetVisibleAfter"); err != nil {
		return err
	}
	for i := range m.tasks {
		if m.tasks[i].ID == taskID {
			m.tasks[i].VisibleAfter = visibleAfter
		}
	}
	return nil
}

func (m *Memory) Count(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("Count"); err != nil {
		return 0, err
	}
	return int64(len(m.tasks)), nil
}

// Tasks returns the queued tasks of kind in enqueue order. An empty kind returns all.
func (m *Memory) Tasks(kind store.TaskKind) []Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Task
	for _, t := range m.tasks {
		if kind == "" || t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

func (m *Memory) ListDLQ(ctx context.Context, limit, offset int) ([]store.DLQEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("ListDLQ"); err != nil {
		return nil, err
	}
	if offset >= len(m.dlq) {
		return nil, nil
	}
	end := offset + limit
	if end > len(m.dlq) {
		end = len(m.dlq)
	}
	return append([]store.DLQEntry(nil), m.dlq[offset:end]...), nil
}

func (m *Memory) RetryFromDLQ(ctx context.Context, taskID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.err("RetryFromDLQ"); err != nil {
		return 0, err
	}
	for i, e := range m.dlq {
		if e.TaskID == taskID {
			m.dlq = append(m.dlq[:i], m.dlq[i+1:]...)
			t := Task{ID: m.id(), Kind: e.Kind, Payload: e.Payload, VisibleAfter: m.now()}
			m.tasks = append(m.tasks, t)
			return t.ID, nil
		}
	}
	return 0, store.ErrNotFound
}

var (
	_ store.MigrationStore   = (*Memory)(nil)
	_ store.TrackerStore     = (*Memory)(nil)
	_ store.ExportStore      = (*Memory)(nil)
	_ store.ResourceStore    = (*Memory)(nil)
	_ store.RecordStore      = (*Memory)(nil)
	_ store.AccessTokenStore = (*Memory)(nil)
	_ store.Queue            = (*Memory)(nil)
	_ store.DLQStore         = (*Memory)(nil)
)
