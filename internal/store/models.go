// Package store contains the database layer for transferplane.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Migration is one end-to-end request to move a set of resources from a source instance.
type Migration struct {
	ID            uuid.UUID
	Status        MigrationStatus
	SourceURL     string
	SourceVersion string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SourceKind is the kind of resource a Unit migrates.
type SourceKind string

const (
	SourceKindGroup   SourceKind = "group"
	SourceKindProject SourceKind = "project"
)

// Unit is one migrated resource and its progress record.
type Unit struct {
	ID            uuid.UUID
	MigrationID   uuid.UUID
	ParentUnitID  *uuid.UUID
	SourcePath    string
	SourceKind    SourceKind
	Destination   string
	Status        UnitStatus
	SourceVersion string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Tracker is the per-unit, per-pipeline progress record.
type Tracker struct {
	ID           uuid.UUID
	UnitID       uuid.UUID
	PipelineName string
	Relation     string
	Stage        int
	Status       TrackerStatus
	Error        *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Export is the export job for one relation of one owner.
type Export struct {
	ID                uuid.UUID
	OwnerID           uuid.UUID
	Relation          string
	SessionID         string
	Status            ExportStatus
	Batched           bool
	BatchesCount      int
	TotalObjectsCount int
	RequestedBy       string
	Error             *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Batch is one fixed-size slice of a batched Export.
type Batch struct {
	ID           int64
	ExportID     uuid.UUID
	BatchNumber  int
	Status       BatchStatus
	ObjectsCount int
	Error        *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// ExportUpload references the compressed artifact of an export or one of its batches.
type ExportUpload struct {
	ID        int64
	ExportID  uuid.UUID
	BatchID   *int64
	ObjectKey string
	Size      int64
	CreatedAt time.Time
}

// Resource is a group or project known to this instance. It owns exports.
type Resource struct {
	ID         uuid.UUID
	FullPath   string
	ParentPath string
	Kind       SourceKind
	CreatedAt  time.Time
}

// RelationRecord is one row of a tree relation.
type RelationRecord struct {
	ID       int64
	OwnerID  uuid.UUID
	Relation string
	Payload  json.RawMessage
}

// RelationFile is one binary attachment of a file relation.
type RelationFile struct {
	ID        int64
	OwnerID   uuid.UUID
	Relation  string
	Path      string
	ObjectKey string
	OID       string
	Size      int64
}

// AccessToken authenticates a peer instance against the pull API.
type AccessToken struct {
	ID             uuid.UUID
	Name           string
	RateLimit      float64 // requests per second, 0 = unlimited
	RateLimitBurst int
	CreatedAt      time.Time
}

// DLQEntry is a task that exhausted its retries.
type DLQEntry struct {
	ID           int64
	TaskID       int64
	Kind         TaskKind
	Payload      json.RawMessage
	ErrorMessage *string
	Attempts     int
	FailedAt     *time.Time
}
