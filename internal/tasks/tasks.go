// Package tasks defines the asynchronous task signatures and enqueues them
// with the caller's trace context attached.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"transferplane/internal/store"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Envelope is the queued payload: the task arguments plus the trace carrier.
type Envelope struct {
	Args  json.RawMessage        `json:"args"`
	Trace propagation.MapCarrier `json:"trace,omitempty"`
}

type AdvanceArgs struct {
	MigrationID uuid.UUID `json:"migration_id"`
}

type BeginExportArgs struct {
	UnitID uuid.UUID `json:"unit_id"`
}

type ExportRelationArgs struct {
	OwnerID   uuid.UUID `json:"owner_id"`
	Relation  string    `json:"relation"`
	Batched   bool      `json:"batched"`
	UserID    string    `json:"user_id"`
	SessionID string    `json:"session_id"`
}

type ExportBatchArgs struct {
	UserID  string `json:"user_id"`
	BatchID int64  `json:"batch_id"`
}

type FinalizeExportArgs struct {
	ExportID uuid.UUID `json:"export_id"`
}

type RunPipelineArgs struct {
	TrackerID uuid.UUID `json:"tracker_id"`
}

// Enqueuer is the part of store.Queue the dispatcher needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, tx store.DBTransaction, kind store.TaskKind, payload json.RawMessage, visibleAfter time.Time) (int64, error)
}

// Dispatcher enqueues typed tasks.
type Dispatcher struct {
	queue Enqueuer
	clock clock.Clock
}

// NewDispatcher creates a dispatcher. A nil clock means the wall clock.
func NewDispatcher(q Enqueuer, clk clock.Clock) *Dispatcher {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Dispatcher{queue: q, clock: clk}
}

// Dispatch enqueues args under kind, visible after delay. tx may be nil.
func (d *Dispatcher) Dispatch(ctx context.Context, tx store.DBTransaction, kind store.TaskKind, args any, delay time.Duration) error {
	payload, err := Encode(ctx, args)
	if err != nil {
		return fmt.Errorf("encode %s task: %w", kind, err)
	}
	if _, err := d.queue.Enqueue(ctx, tx, kind, payload, d.clock.Now().Add(delay)); err != nil {
		return err
	}
	return nil
}

func (d *Dispatcher) Advance(ctx context.Context, migrationID uuid.UUID, delay time.Duration) error {
	return d.Dispatch(ctx, nil, store.TaskAdvance, AdvanceArgs{MigrationID: migrationID}, delay)
}

func (d *Dispatcher) BeginExport(ctx context.Context, tx store.DBTransaction, unitID uuid.UUID) error {
	return d.Dispatch(ctx, tx, store.TaskBeginExport, BeginExportArgs{UnitID: unitID}, 0)
}

func (d *Dispatcher) ExportRelation(ctx context.Context, args ExportRelationArgs) error {
	return d.Dispatch(ctx, nil, store.TaskExportRelation, args, 0)
}

func (d *Dispatcher) ExportBatch(ctx context.Context, userID string, batchID int64) error {
	return d.Dispatch(ctx, nil, store.TaskExportBatch, ExportBatchArgs{UserID: userID, BatchID: batchID}, 0)
}

func (d *Dispatcher) FinalizeExport(ctx context.Context, exportID uuid.UUID, delay time.Duration) error {
	return d.Dispatch(ctx, nil, store.TaskFinalizeExport, FinalizeExportArgs{ExportID: exportID}, delay)
}

func (d *Dispatcher) RunPipeline(ctx context.Context, trackerID uuid.UUID, delay time.Duration) error {
	return d.Dispatch(ctx, nil, store.TaskRunPipeline, RunPipelineArgs{TrackerID: trackerID}, delay)
}

// Encode wraps args in an Envelope carrying the trace context of ctx.
func Encode(ctx context.Context, args any) (json.RawMessage, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		carrier = nil
	}
	return json.Marshal(Envelope{Args: raw, Trace: carrier})
}

// Open unpacks an Envelope and returns ctx joined to the sender's trace
// together with the still-encoded arguments.
func Open(ctx context.Context, payload json.RawMessage) (context.Context, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return ctx, nil, fmt.Errorf("invalid task payload: %w", err)
	}
	if len(env.Args) == 0 {
		return ctx, nil, fmt.Errorf("invalid task payload: missing args")
	}
	if env.Trace != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, env.Trace)
	}
	return ctx, env.Args, nil
}

// Decode unpacks an Envelope into args and returns ctx joined to the sender's trace.
func Decode(ctx context.Context, payload json.RawMessage, args any) (context.Context, error) {
	ctx, raw, err := Open(ctx, payload)
	if err != nil {
		return ctx, err
	}
	if err := json.Unmarshal(raw, args); err != nil {
		return ctx, fmt.Errorf("invalid task args: %w", err)
	}
	return ctx, nil
}
