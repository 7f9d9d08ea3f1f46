package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"transferplane/internal/cache"
	"transferplane/internal/errs"
	"transferplane/internal/export/relation"
	"transferplane/internal/objectstore"
	"transferplane/internal/observability"
	"transferplane/internal/store"
	"transferplane/internal/transfer"

	"github.com/google/uuid"
	"github.com/juju/clock"
)

// ObjectKey is where the compressed artifact of an export, or of one of its batches, is stored.
func ObjectKey(exportID uuid.UUID, batchID *int64, artifact string) string {
	part := "full"
	if batchID != nil {
		part = strconv.FormatInt(*batchID, 10)
	}
	return fmt.Sprintf("exports/%s/%s/%s.gz", exportID, part, artifact)
}

// Worker exports single batches and whole relations, and finalizes batched exports.
type Worker struct {
	exports    store.ExportStore
	members    cache.Membership
	objects    objectstore.Store
	scratch    *transfer.Scratch
	dispatcher Dispatcher
	deps       relation.Deps
	clock      clock.Clock
	cfg        Config
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// WorkerDeps groups the collaborators of a Worker.
type WorkerDeps struct {
	Exports    store.ExportStore
	Records    store.RecordStore
	Members    cache.Membership
	Objects    objectstore.Store
	Scratch    *transfer.Scratch
	Dispatcher Dispatcher
	Clock      clock.Clock
	Logger     *slog.Logger
	Metrics    *observability.Metrics
}

func NewWorker(d WorkerDeps, cfg Config) *Worker {
	if d.Clock == nil {
		d.Clock = clock.WallClock
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Worker{
		exports:    d.Exports,
		members:    d.Members,
		objects:    d.Objects,
		scratch:    d.Scratch,
		dispatcher: d.Dispatcher,
		deps:       relation.Deps{Records: d.Records, Objects: d.Objects, Logger: d.Logger},
		clock:      d.Clock,
		cfg:        cfg.withDefaults(),
		logger:     d.Logger,
		metrics:    d.Metrics,
	}
}

// ExportBatch exports the cached members of one batch. Failures are recorded on
// the batch and not returned: a lost membership cannot be recovered by a retry.
func (w *Worker) ExportBatch(ctx context.Context, userID string, batchID int64) error {
	batch, err := w.exports.GetBatch(ctx, batchID)
	if errors.Is(err, store.ErrNotFound) {
		w.logger.Warn("batch no longer exists", "batch_id", batchID)
		return nil
	}
	if err != nil {
		return err
	}
	exp, err := w.exports.GetExport(ctx, batch.ExportID)
	if err != nil {
		return fmt.Errorf("load export %s: %w", batch.ExportID, err)
	}

	if err := w.exports.StartBatch(ctx, batch.ID); err != nil {
		return err
	}

	count, err := w.exportBatch(ctx, exp, batch)
	if err != nil {
		w.logger.Error("batch export failed", "export_id", exp.ID, "batch_id", batch.ID, "batch_number", batch.BatchNumber, "user_id", userID, "error", err)
		if ferr := w.exports.FailBatch(ctx, batch.ID, errs.Truncate(err.Error(), errs.MaxMessageLength)); ferr != nil {
			return ferr
		}
		return nil
	}

	if err := w.exports.TouchExport(ctx, exp.ID); err != nil {
		return err
	}
	return w.exports.FinishBatch(ctx, batch.ID, count)
}

func (w *Worker) exportBatch(ctx context.Context, exp *store.Export, batch *store.Batch) (int, error) {
	ids, err := w.members.Members(ctx, cache.BatchKey(w.cfg.Namespace, exp.ID, batch.ID))
	if err != nil {
		return 0, err
	}
	exporter, err := relation.New(exp.Relation, exp.OwnerID, w.deps)
	if err != nil {
		return 0, err
	}
	return w.run(ctx, exp, &batch.ID, exporter, func(dir string) (int, error) {
		return exporter.ExportBatch(ctx, dir, ids)
	})
}

// ExportRelation exports the whole relation of exp and uploads it keyed (export, no batch).
func (w *Worker) ExportRelation(ctx context.Context, exp *store.Export) (int, error) {
	exporter, err := relation.New(exp.Relation, exp.OwnerID, w.deps)
	if err != nil {
		return 0, err
	}
	return w.run(ctx, exp, nil, exporter, func(dir string) (int, error) {
		return exporter.Execute(ctx, dir)
	})
}

// run executes fn in a private scratch directory, then compresses and uploads the artifact.
func (w *Worker) run(ctx context.Context, exp *store.Export, batchID *int64, exporter relation.Exporter, fn func(dir string) (int, error)) (int, error) {
	dir, err := w.scratch.MkdirTemp("export-")
	if err != nil {
		return 0, fmt.Errorf("create export dir: %w", err)
	}
	defer os.RemoveAll(dir)

	count, err := fn(dir)
	if err != nil {
		return 0, err
	}

	artifact := filepath.Join(dir, exporter.ArtifactName())
	if err := ensureFile(artifact); err != nil {
		return 0, err
	}
	compressed := artifact + ".gz"
	size, err := transfer.GzipFile(artifact, compressed)
	if err != nil {
		return 0, fmt.Errorf("compress %s: %w", exporter.ArtifactName(), err)
	}

	key := ObjectKey(exp.ID, batchID, exporter.ArtifactName())
	if err := w.upload(ctx, compressed, key, size); err != nil {
		return 0, err
	}
	upload := &store.ExportUpload{ExportID: exp.ID, BatchID: batchID, ObjectKey: key, Size: size}
	if err := w.exports.UpsertUpload(ctx, upload); err != nil {
		return 0, fmt.Errorf("record upload: %w", err)
	}

	w.metrics.ObjectsExported(ctx, exp.Relation, count)
	return count, nil
}

func (w *Worker) upload(ctx context.Context, path, key string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := w.objects.Put(ctx, key, f, size); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// ensureFile creates an empty placeholder when the exporter wrote nothing.
func ensureFile(p string) error {
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}

// Finalize settles a batched export once its batches are done. It re-enqueues
// itself while batches are pending and gives up after the timeout.
func (w *Worker) Finalize(ctx context.Context, exportID uuid.UUID) error {
	exp, err := w.exports.GetExport(ctx, exportID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if exp.Status != store.ExportStarted {
		return nil
	}

	batches, err := w.exports.ListBatches(ctx, exportID)
	if err != nil {
		return err
	}

	total, finished := 0, 0
	for _, b := range batches {
		switch b.Status {
		case store.BatchFailed:
			msg := fmt.Sprintf("batch %d failed", b.BatchNumber)
			if b.Error != nil {
				msg += ": " + *b.Error
			}
			return w.failExport(ctx, exp, msg)
		case store.BatchFinished:
			finished++
			total += b.ObjectsCount
		}
	}

	if finished == len(batches) && finished >= exp.BatchesCount {
		w.logger.Info("export finished", "export_id", exp.ID, "relation", exp.Relation, "objects", total)
		return w.exports.FinishExport(ctx, exp.ID, true, total)
	}

	if w.clock.Now().Sub(exp.UpdatedAt) > w.cfg.FinalizeTimeout {
		return w.failExport(ctx, exp, "batches timed out")
	}
	return w.dispatcher.FinalizeExport(ctx, exp.ID, w.cfg.FinalizeDelay)
}

func (w *Worker) failExport(ctx context.Context, exp *store.Export, msg string) error {
	w.logger.Error("export failed", "export_id", exp.ID, "relation", exp.Relation, "error", msg)
	return w.exports.FailExport(ctx, exp.ID, errs.Truncate(msg, errs.MaxMessageLength))
}
