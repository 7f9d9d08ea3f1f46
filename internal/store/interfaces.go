package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx
// This allows us to pass either a connection pool or an active transaction to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Tx interface {
	DBTransaction
	Commit() error
	Rollback() error
}

// MigrationStore persists migrations and their units.
type MigrationStore interface {
	// CreateMigration inserts a new migration.
	CreateMigration(ctx context.Context, tx DBTransaction, m *Migration) error

	// GetMigration returns a migration by ID, or ErrNotFound.
	GetMigration(ctx context.Context, id uuid.UUID) (*Migration, error)

	// TransitionMigration moves a migration to a new status if the transition table allows it.
	TransitionMigration(ctx context.Context, id uuid.UUID, to MigrationStatus) error

	// CreateUnit inserts a unit. Units with the same (migration, source path) are ignored.
	CreateUnit(ctx context.Context, tx DBTransaction, u *Unit) error

	// GetUnit returns a unit by ID, or ErrNotFound.
	GetUnit(ctx context.Context, id uuid.UUID) (*Unit, error)

	// ListUnits returns all units of a migration.
	ListUnits(ctx context.Context, migrationID uuid.UUID) ([]Unit, error)

	// UnitStatusCounts returns the number of units per status.
	UnitStatusCounts(ctx context.Context, migrationID uuid.UUID) (map[UnitStatus]int, error)

	// ListCreatedUnits returns up to limit created units, least recently updated first.
	ListCreatedUnits(ctx context.Context, migrationID uuid.UUID, limit int) ([]Unit, error)

	// OldestCreatedUnitUpdatedAt returns the updated_at of the stalest created unit, nil if none.
	OldestCreatedUnitUpdatedAt(ctx context.Context, migrationID uuid.UUID) (*time.Time, error)

	// TouchCreatedUnits refreshes updated_at of every created unit.
	TouchCreatedUnits(ctx context.Context, migrationID uuid.UUID, at time.Time) (int64, error)

	// StartUnit creates the unit's trackers and marks it started in one transaction.
	// It returns false without changes when maxStarted units are already started.
	// onStarted, when set, runs inside that transaction; an error from it rolls the start back.
	StartUnit(ctx context.Context, unit *Unit, trackers []Tracker, maxStarted int, onStarted func(tx DBTransaction) error) (bool, error)

	// TransitionUnit moves a unit to a new status if the transition table allows it.
	TransitionUnit(ctx context.Context, id uuid.UUID, to UnitStatus) error
}

// TrackerStore persists per-pipeline trackers.
type TrackerStore interface {
	// GetTracker returns a tracker by ID, or ErrNotFound.
	GetTracker(ctx context.Context, id uuid.UUID) (*Tracker, error)

	// ListTrackers returns the trackers of a unit ordered by stage.
	ListTrackers(ctx context.Context, unitID uuid.UUID) ([]Tracker, error)

	// TransitionTracker moves a tracker to a new status, recording errMsg when set.
	TransitionTracker(ctx context.Context, id uuid.UUID, to TrackerStatus, errMsg *string) error

	// CountActiveTrackers counts created or started trackers across a migration.
	CountActiveTrackers(ctx context.Context, migrationID uuid.UUID) (int, error)
}

// ExportStore persists exports, their batches and uploads.
type ExportStore interface {
	FindOrCreateExport(ctx context.Context, ownerID uuid.UUID, relation, sessionID, requestedBy string) (*Export, error)
	GetExport(ctx context.Context, id uuid.UUID) (*Export, error)
	FindExport(ctx context.Context, ownerID uuid.UUID, relation, sessionID string) (*Export, error)
	ListExports(ctx context.Context, ownerID uuid.UUID, sessionID string) ([]Export, error)

	// StartExport moves an export to started and records batching metadata. Error is cleared.
	StartExport(ctx context.Context, id uuid.UUID, batched bool, batchesCount, totalObjects int) error
	FinishExport(ctx context.Context, id uuid.UUID, batched bool, totalObjects int) error
	FailExport(ctx context.Context, id uuid.UUID, errMsg string) error
	TouchExport(ctx context.Context, id uuid.UUID) error

	// DeleteBatches removes every batch of an export (restart semantics).
	DeleteBatches(ctx context.Context, exportID uuid.UUID) error
	FindOrCreateBatch(ctx context.Context, exportID uuid.UUID, batchNumber int) (*Batch, error)
	GetBatch(ctx context.Context, id int64) (*Batch, error)
	FindBatch(ctx context.Context, exportID uuid.UUID, batchNumber int) (*Batch, error)
	ListBatches(ctx context.Context, exportID uuid.UUID) ([]Batch, error)

	// StartBatch moves a batch to started and resets its object count.
	StartBatch(ctx context.Context, id int64) error
	FinishBatch(ctx context.Context, id int64, objectsCount int) error
	FailBatch(ctx context.Context, id int64, errMsg string) error

	// UpsertUpload finds or creates the upload for (export, batch) and points it at the object key.
	UpsertUpload(ctx context.Context, upload *ExportUpload) error
	FindUpload(ctx context.Context, exportID uuid.UUID, batchID *int64) (*ExportUpload, error)
}

// ResourceStore resolves groups and projects by path.
type ResourceStore interface {
	GetResourceByPath(ctx context.Context, fullPath string) (*Resource, error)
	FindOrCreateResource(ctx context.Context, fullPath string, kind SourceKind) (*Resource, error)
	ListChildResources(ctx context.Context, parentPath string) ([]Resource, error)
}

// RecordStore reads and writes relation rows and files.
type RecordStore interface {
	CountRecords(ctx context.Context, ownerID uuid.UUID, relation string) (int, error)
	RecordIDsAfter(ctx context.Context, ownerID uuid.UUID, relation string, afterID int64, limit int) ([]int64, error)

	// EachRecord calls fn for every record of the relation, restricted to ids when ids is non-nil.
	EachRecord(ctx context.Context, ownerID uuid.UUID, relation string, ids []int64, fn func(RelationRecord) error) error
	InsertRecords(ctx context.Context, ownerID uuid.UUID, relation string, payloads []json.RawMessage) error

	CountFiles(ctx context.Context, ownerID uuid.UUID, relation string) (int, error)
	FileIDsAfter(ctx context.Context, ownerID uuid.UUID, relation string, afterID int64, limit int) ([]int64, error)
	ListFiles(ctx context.Context, ownerID uuid.UUID, relation string, ids []int64) ([]RelationFile, error)
	InsertFile(ctx context.Context, f *RelationFile) error
}

// AccessTokenStore handles peer token lookup for authentication.
type AccessTokenStore interface {
	CreateAccessToken(ctx context.Context, token *AccessToken, hashedKey string) error
	GetAccessTokenByHash(ctx context.Context, hash string) (*AccessToken, error)
}
