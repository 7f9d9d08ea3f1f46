// Package api contains shared JSON request/response structs.
// This package is shared between the CLI, the controller and the peer client.
package api

import "time"

// UnitRequest names one resource to migrate.
type UnitRequest struct {
	SourcePath  string `json:"source_path"`
	SourceKind  string `json:"source_kind"`
	Destination string `json:"destination"`
}

// CreateMigrationRequest is the request body for starting a migration.
type CreateMigrationRequest struct {
	SourceURL     string        `json:"source_url"`
	SourceVersion string        `json:"source_version"`
	Units         []UnitRequest `json:"units"`
}

// CreateMigrationResponse is the response body after creating a migration.
type CreateMigrationResponse struct {
	MigrationID string `json:"migration_id"`
}

// UnitResponse represents a unit in API responses.
type UnitResponse struct {
	ID           string    `json:"id"`
	ParentUnitID *string   `json:"parent_unit_id,omitempty"`
	SourcePath   string    `json:"source_path"`
	SourceKind   string    `json:"source_kind"`
	Destination  string    `json:"destination"`
	Status       string    `json:"status"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// MigrationResponse is the response body for migration status queries.
type MigrationResponse struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	SourceURL     string         `json:"source_url"`
	SourceVersion string         `json:"source_version"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	StatusCounts  map[string]int `json:"status_counts"`
	Units         []UnitResponse `json:"units"`
}

// TrackerResponse represents a pipeline tracker.
type TrackerResponse struct {
	ID           string    `json:"id"`
	PipelineName string    `json:"pipeline_name"`
	Relation     string    `json:"relation"`
	Stage        int       `json:"stage"`
	Status       string    `json:"status"`
	Error        *string   `json:"error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// StartExportRequest asks a source instance to export relations of a resource.
// An empty Relations list means every exportable relation.
type StartExportRequest struct {
	SourcePath string   `json:"source_path"`
	Relations  []string `json:"relations,omitempty"`
	Batched    bool     `json:"batched"`
	SessionID  string   `json:"session_id"`
}

// StartExportResponse lists the relations whose export was enqueued.
type StartExportResponse struct {
	Relations []string `json:"relations"`
}

// BatchStatusResponse is the state of one export batch.
type BatchStatusResponse struct {
	BatchNumber  int     `json:"batch_number"`
	Status       string  `json:"status"`
	ObjectsCount int     `json:"objects_count"`
	Error        *string `json:"error,omitempty"`
}

// ExportStatusResponse is the state of one relation export.
type ExportStatusResponse struct {
	Relation          string                `json:"relation"`
	Status            string                `json:"status"`
	Batched           bool                  `json:"batched"`
	BatchesCount      int                   `json:"batches_count"`
	TotalObjectsCount int                   `json:"total_objects_count"`
	Error             *string               `json:"error,omitempty"`
	UpdatedAt         time.Time             `json:"updated_at"`
	Batches           []BatchStatusResponse `json:"batches,omitempty"`
}

// ResourceResponse is a group or project known to the source instance.
type ResourceResponse struct {
	FullPath   string `json:"full_path"`
	ParentPath string `json:"parent_path"`
	Kind       string `json:"kind"`
}

// CreateAccessTokenRequest is the request body for issuing a peer token.
type CreateAccessTokenRequest struct {
	Name           string  `json:"name"`
	RateLimit      float64 `json:"rate_limit,omitempty"`
	RateLimitBurst int     `json:"rate_limit_burst,omitempty"`
}

// CreateAccessTokenResponse returns the plaintext token once.
type CreateAccessTokenResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Token string `json:"token"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// DLQTaskResponse represents a task in the dead letter queue.
type DLQTaskResponse struct {
	ID           int64      `json:"id"`
	TaskID       int64      `json:"task_id"`
	Kind         string     `json:"kind"`
	ErrorMessage *string    `json:"error_message"`
	Attempts     int        `json:"attempts"`
	FailedAt     *time.Time `json:"failed_at"`
}

// RetryDLQTaskResponse is returned after re-enqueueing a DLQ task.
type RetryDLQTaskResponse struct {
	NewTaskID int64 `json:"new_task_id"`
}
