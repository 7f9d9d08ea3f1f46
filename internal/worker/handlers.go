package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"transferplane/internal/export"
	"transferplane/internal/store"
	"transferplane/internal/tasks"

	"github.com/google/uuid"
)

// Advancer runs scheduler ticks.
type Advancer interface {
	Advance(ctx context.Context, migrationID uuid.UUID) error
}

// RelationExporter starts relation exports on the source side.
type RelationExporter interface {
	Export(ctx context.Context, req export.Request) (*store.Export, error)
}

// BatchExporter runs export batches and finalizes batched exports.
type BatchExporter interface {
	ExportBatch(ctx context.Context, userID string, batchID int64) error
	Finalize(ctx context.Context, exportID uuid.UUID) error
}

// PipelineRunner is the destination side of a migration.
type PipelineRunner interface {
	BeginExport(ctx context.Context, unitID uuid.UUID) error
	RunPipeline(ctx context.Context, trackerID uuid.UUID) error
}

// Services are the task implementations. A nil service leaves its tasks unhandled.
type Services struct {
	Scheduler    Advancer
	Orchestrator RelationExporter
	Exports      BatchExporter
	Importer     PipelineRunner
}

func decode[T any](raw json.RawMessage) (T, error) {
	var args T
	if err := json.Unmarshal(raw, &args); err != nil {
		return args, fmt.Errorf("invalid task args: %w", err)
	}
	return args, nil
}

// Handlers maps every task kind to its service.
func Handlers(s Services) map[store.TaskKind]Handler {
	h := map[store.TaskKind]Handler{}

	if s.Scheduler != nil {
		h[store.TaskAdvance] = func(ctx context.Context, raw json.RawMessage) error {
			args, err := decode[tasks.AdvanceArgs](raw)
			if err != nil {
				return err
			}
			return s.Scheduler.Advance(ctx, args.MigrationID)
		}
	}

	if s.Orchestrator != nil {
		h[store.TaskExportRelation] = func(ctx context.Context, raw json.RawMessage) error {
			args, err := decode[tasks.ExportRelationArgs](raw)
			if err != nil {
				return err
			}
			_, err = s.Orchestrator.Export(ctx, export.Request{
				OwnerID:     args.OwnerID,
				Relation:    args.Relation,
				SessionID:   args.SessionID,
				Batched:     args.Batched,
				RequestedBy: args.UserID,
			})
			return err
		}
	}

	if s.Exports != nil {
		h[store.TaskExportBatch] = func(ctx context.Context, raw json.RawMessage) error {
			args, err := decode[tasks.ExportBatchArgs](raw)
			if err != nil {
				return err
			}
			return s.Exports.ExportBatch(ctx, args.UserID, args.BatchID)
		}
		h[store.TaskFinalizeExport] = func(ctx context.Context, raw json.RawMessage) error {
			args, err := decode[tasks.FinalizeExportArgs](raw)
			if err != nil {
				return err
			}
			return s.Exports.Finalize(ctx, args.ExportID)
		}
	}

	if s.Importer != nil {
		h[store.TaskBeginExport] = func(ctx context.Context, raw json.RawMessage) error {
			args, err := decode[tasks.BeginExportArgs](raw)
			if err != nil {
				return err
			}
			return s.Importer.BeginExport(ctx, args.UnitID)
		}
		h[store.TaskRunPipeline] = func(ctx context.Context, raw json.RawMessage) error {
			args, err := decode[tasks.RunPipelineArgs](raw)
			if err != nil {
				return err
			}
			return s.Importer.RunPipeline(ctx, args.TrackerID)
		}
	}

	return h
}
