// Package export runs relation exports on the source side. Large relations
// are split into fixed-size batches whose membership is handed to the batch
// workers through the cache.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"transferplane/internal/cache"
	"transferplane/internal/errs"
	"transferplane/internal/export/relation"
	"transferplane/internal/store"

	"github.com/google/uuid"
	"github.com/juju/clock"
)

const (
	DefaultBatchSize       = 1000
	DefaultReuseWindow     = 3 * time.Minute
	DefaultFinalizeDelay   = 10 * time.Second
	DefaultFinalizeTimeout = 6 * time.Hour
)

// Config tunes the orchestrator and the workers.
type Config struct {
	// Namespace prefixes every cache key.
	Namespace       string
	BatchSize       int
	CacheTTL        time.Duration
	ReuseWindow     time.Duration
	FinalizeDelay   time.Duration
	FinalizeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = "transferplane"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = cache.DefaultTTL
	}
	if c.ReuseWindow <= 0 {
		c.ReuseWindow = DefaultReuseWindow
	}
	if c.FinalizeDelay <= 0 {
		c.FinalizeDelay = DefaultFinalizeDelay
	}
	if c.FinalizeTimeout <= 0 {
		c.FinalizeTimeout = DefaultFinalizeTimeout
	}
	return c
}

// Dispatcher enqueues the follow-up tasks of an export.
type Dispatcher interface {
	ExportBatch(ctx context.Context, userID string, batchID int64) error
	FinalizeExport(ctx context.Context, exportID uuid.UUID, delay time.Duration) error
}

// Request asks for one relation of one owner.
type Request struct {
	OwnerID     uuid.UUID
	Relation    string
	SessionID   string
	Batched     bool
	RequestedBy string
}

// Orchestrator creates or reuses Export rows and fans batched exports out to workers.
type Orchestrator struct {
	exports    store.ExportStore
	members    cache.Membership
	dispatcher Dispatcher
	worker     *Worker
	deps       relation.Deps
	clock      clock.Clock
	cfg        Config
	logger     *slog.Logger
}

func NewOrchestrator(exports store.ExportStore, members cache.Membership, dispatcher Dispatcher, worker *Worker, clk clock.Clock, cfg Config, logger *slog.Logger) *Orchestrator {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		exports:    exports,
		members:    members,
		dispatcher: dispatcher,
		worker:     worker,
		deps:       worker.deps,
		clock:      clk,
		cfg:        cfg.withDefaults(),
		logger:     logger,
	}
}

// Export runs or schedules req. Export failures are recorded on the row and
// not returned; only a failure to load the row itself is.
func (o *Orchestrator) Export(ctx context.Context, req Request) (*store.Export, error) {
	exp, err := o.exports.FindOrCreateExport(ctx, req.OwnerID, req.Relation, req.SessionID, req.RequestedBy)
	if err != nil {
		return nil, fmt.Errorf("find or create export: %w", err)
	}
	if o.reusable(exp) {
		o.logger.Info("reusing recent export", "export_id", exp.ID, "relation", exp.Relation)
		return exp, nil
	}

	// A finished or failed row is restarted first so a later failure can be recorded on it.
	if err := o.exports.StartExport(ctx, exp.ID, false, 0, 0); err != nil {
		return nil, fmt.Errorf("restart export %s: %w", exp.ID, err)
	}

	exporter, err := relation.New(req.Relation, req.OwnerID, o.deps)
	if err != nil {
		o.fail(ctx, exp, err)
		return o.reload(ctx, exp), nil
	}

	batchable, ok := exporter.(relation.Batchable)
	if req.Batched && ok {
		err = o.exportBatched(ctx, exp, batchable, req.RequestedBy)
	} else {
		err = o.exportWhole(ctx, exp)
	}
	if err != nil {
		o.fail(ctx, exp, err)
	}
	return o.reload(ctx, exp), nil
}

func (o *Orchestrator) reusable(exp *store.Export) bool {
	return exp.Status == store.ExportFinished && !exp.Batched &&
		o.clock.Now().Sub(exp.UpdatedAt) < o.cfg.ReuseWindow
}

func (o *Orchestrator) exportWhole(ctx context.Context, exp *store.Export) error {
	if err := o.exports.StartExport(ctx, exp.ID, false, 0, 0); err != nil {
		return err
	}
	count, err := o.worker.ExportRelation(ctx, exp)
	if err != nil {
		return err
	}
	return o.exports.FinishExport(ctx, exp.ID, false, count)
}

func (o *Orchestrator) exportBatched(ctx context.Context, exp *store.Export, exporter relation.Batchable, userID string) (err error) {
	// finalize runs even when batching fails half way; it is a no-op unless the export is started.
	defer func() {
		if derr := o.dispatcher.FinalizeExport(ctx, exp.ID, o.cfg.FinalizeDelay); derr != nil {
			o.logger.Error("failed to enqueue finalize", "export_id", exp.ID, "error", derr)
			if err == nil {
				err = derr
			}
		}
	}()

	count, err := exporter.Count(ctx)
	if err != nil {
		return fmt.Errorf("count %s: %w", exp.Relation, err)
	}

	// An empty relation still uploads a placeholder artifact, so importers can
	// tell ran-and-found-nothing from never-ran.
	if count == 0 {
		return o.exportWhole(ctx, exp)
	}

	batches := (count + o.cfg.BatchSize - 1) / o.cfg.BatchSize
	if err := o.exports.StartExport(ctx, exp.ID, true, batches, count); err != nil {
		return err
	}
	if err := o.exports.DeleteBatches(ctx, exp.ID); err != nil {
		return fmt.Errorf("delete batches: %w", err)
	}

	var after int64
	for number := 1; ; number++ {
		ids, err := exporter.IDsAfter(ctx, after, o.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("page %d: %w", number, err)
		}
		if len(ids) == 0 {
			break
		}

		batch, err := o.exports.FindOrCreateBatch(ctx, exp.ID, number)
		if err != nil {
			return fmt.Errorf("create batch %d: %w", number, err)
		}
		if err := o.members.Store(ctx, cache.BatchKey(o.cfg.Namespace, exp.ID, batch.ID), ids, o.cfg.CacheTTL); err != nil {
			return fmt.Errorf("cache batch %d: %w", number, err)
		}
		if err := o.dispatcher.ExportBatch(ctx, userID, batch.ID); err != nil {
			return fmt.Errorf("dispatch batch %d: %w", number, err)
		}

		after = ids[len(ids)-1]
		if len(ids) < o.cfg.BatchSize {
			break
		}
	}

	o.logger.Info("export batched", "export_id", exp.ID, "relation", exp.Relation, "objects", count, "batches", batches)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, exp *store.Export, cause error) {
	msg := errs.Truncate(cause.Error(), errs.MaxMessageLength)
	o.logger.Error("export failed", "export_id", exp.ID, "relation", exp.Relation, "error", cause)
	if err := o.exports.FailExport(ctx, exp.ID, msg); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		o.logger.Error("failed to record export failure", "export_id", exp.ID, "error", err)
	}
}

func (o *Orchestrator) reload(ctx context.Context, exp *store.Export) *store.Export {
	fresh, err := o.exports.GetExport(ctx, exp.ID)
	if err != nil {
		return exp
	}
	return fresh
}
