// Package importer runs the destination side of a migration: it asks the
// source to export each unit, then pulls, unpacks and loads every relation
// once its pipeline stage is reached.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"transferplane/internal/errs"
	"transferplane/internal/export/relation"
	"transferplane/internal/observability"
	"transferplane/internal/remote"
	"transferplane/internal/store"
	"transferplane/internal/transfer"
	"transferplane/pkg/api"

	"github.com/google/uuid"
	"github.com/juju/clock"
)

const (
	// PollDelay is the pause before a waiting pipeline looks again.
	PollDelay = 10 * time.Second
	// WaitTimeout fails a pipeline whose source export has not finished in time.
	WaitTimeout = 6 * time.Hour
)

// Source is the pull API of a source instance.
type Source interface {
	StartExport(ctx context.Context, req api.StartExportRequest) (*api.StartExportResponse, error)
	ExportStatus(ctx context.Context, sourcePath, relation, sessionID string) (*api.ExportStatusResponse, error)
	ChildResources(ctx context.Context, sourcePath string) ([]api.ResourceResponse, error)
}

// Fetcher downloads one artifact into a scratch directory.
type Fetcher interface {
	Download(ctx context.Context, relativePath, dir, filename string) (string, error)
}

// Peers connects to the source instance of a migration.
type Peers interface {
	Source(ctx context.Context, m *store.Migration) (Source, error)
	Fetcher(ctx context.Context, m *store.Migration) (Fetcher, error)
}

// HTTPPeers reaches source instances over HTTP under the outbound address policy.
type HTTPPeers struct {
	Token           string
	Policy          transfer.Policy
	MaxDownloadSize int64
	Scratch         *transfer.Scratch
	Logger          *slog.Logger
	Metrics         *observability.Metrics
}

func (p *HTTPPeers) Source(ctx context.Context, m *store.Migration) (Source, error) {
	u, err := url.Parse(m.SourceURL)
	if err != nil {
		return nil, errs.Validation("importer.Source", "invalid source url %q", m.SourceURL)
	}
	if err := p.Policy.CheckURL(ctx, u); err != nil {
		return nil, err
	}
	return remote.New(m.SourceURL, p.Token, p.Policy.Client(30*time.Second)), nil
}

func (p *HTTPPeers) Fetcher(ctx context.Context, m *store.Migration) (Fetcher, error) {
	return transfer.NewDownloader(transfer.DownloaderConfig{
		BaseURL: m.SourceURL,
		Token:   p.Token,
		MaxSize: p.MaxDownloadSize,
		Policy:  p.Policy,
	}, p.Scratch, p.Logger, p.Metrics)
}

// Dispatcher enqueues pipeline runs.
type Dispatcher interface {
	RunPipeline(ctx context.Context, trackerID uuid.UUID, delay time.Duration) error
}

// Deps are the collaborators of an Importer.
type Deps struct {
	Migrations   store.MigrationStore
	Trackers     store.TrackerStore
	Resources    store.ResourceStore
	Dispatcher   Dispatcher
	Peers        Peers
	Loader       Loader
	Scratch      *transfer.Scratch
	Decompressor *transfer.Decompressor
	Extractor    *transfer.Extractor
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Importer implements the begin_export and run_pipeline tasks.
type Importer struct {
	Deps
}

func New(d Deps) *Importer {
	if d.Clock == nil {
		d.Clock = clock.WallClock
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Decompressor == nil {
		d.Decompressor = transfer.NewDecompressor(d.Scratch, -1)
	}
	if d.Extractor == nil {
		d.Extractor = transfer.NewExtractor(d.Scratch)
	}
	return &Importer{Deps: d}
}

// SessionID scopes the source exports of one unit.
func SessionID(unitID uuid.UUID) string {
	return unitID.String()
}

// BeginExport asks the source to export the unit's relations, discovers the
// children of a group unit and starts a pipeline run per created tracker.
// Every step is safe to repeat on redelivery.
func (im *Importer) BeginExport(ctx context.Context, unitID uuid.UUID) error {
	logger := im.Logger.With("unit_id", unitID)

	unit, err := im.Migrations.GetUnit(ctx, unitID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("unit not found, skipping begin_export")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load unit: %w", err)
	}
	if unit.Status != store.UnitStarted {
		return nil
	}

	mig, err := im.Migrations.GetMigration(ctx, unit.MigrationID)
	if err != nil {
		return fmt.Errorf("load migration: %w", err)
	}
	trackers, err := im.Trackers.ListTrackers(ctx, unit.ID)
	if err != nil {
		return fmt.Errorf("list trackers: %w", err)
	}

	var pending []store.Tracker
	var relations []string
	seen := map[string]bool{}
	for _, tr := range trackers {
		if tr.Status != store.TrackerCreated {
			continue
		}
		pending = append(pending, tr)
		if !seen[tr.Relation] {
			seen[tr.Relation] = true
			relations = append(relations, tr.Relation)
		}
	}

	source, err := im.Peers.Source(ctx, mig)
	if err != nil {
		return err
	}

	if len(relations) > 0 {
		resp, err := source.StartExport(ctx, api.StartExportRequest{
			SourcePath: unit.SourcePath,
			Relations:  relations,
			Batched:    true,
			SessionID:  SessionID(unit.ID),
		})
		if err != nil {
			return errs.Transport("importer.BeginExport", err)
		}
		logger.Info("source export requested", "source_path", unit.SourcePath, "relations", resp.Relations)
	}

	if unit.SourceKind == store.SourceKindGroup {
		if err := im.discoverChildren(ctx, logger, source, unit); err != nil {
			return err
		}
	}

	for _, tr := range pending {
		if err := im.Dispatcher.RunPipeline(ctx, tr.ID, 0); err != nil {
			return fmt.Errorf("enqueue run_pipeline: %w", err)
		}
	}
	return im.completeUnit(ctx, unit)
}

func (im *Importer) discoverChildren(ctx context.Context, logger *slog.Logger, source Source, unit *store.Unit) error {
	children, err := source.ChildResources(ctx, unit.SourcePath)
	if err != nil {
		return errs.Transport("importer.BeginExport", err)
	}
	for _, child := range children {
		rel, ok := strings.CutPrefix(child.FullPath, unit.SourcePath+"/")
		if !ok || rel == "" {
			logger.Warn("ignoring child outside parent", "child", child.FullPath)
			continue
		}
		kind := store.SourceKind(child.Kind)
		if kind != store.SourceKindGroup && kind != store.SourceKindProject {
			logger.Warn("ignoring child of unknown kind", "child", child.FullPath, "kind", child.Kind)
			continue
		}
		parent := unit.ID
		u := &store.Unit{
			MigrationID:  unit.MigrationID,
			ParentUnitID: &parent,
			SourcePath:   child.FullPath,
			SourceKind:   kind,
			Destination:  path.Join(unit.Destination, rel),
		}
		if err := im.Migrations.CreateUnit(ctx, nil, u); err != nil {
			return fmt.Errorf("create child unit %s: %w", child.FullPath, err)
		}
	}
	if len(children) > 0 {
		logger.Info("discovered child resources", "count", len(children))
	}
	return nil
}

// RunPipeline imports one tracker's relation. It re-enqueues itself while an
// earlier stage is still running or the source export is not finished.
func (im *Importer) RunPipeline(ctx context.Context, trackerID uuid.UUID) error {
	logger := im.Logger.With("tracker_id", trackerID)

	tr, err := im.Trackers.GetTracker(ctx, trackerID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("tracker not found, skipping run_pipeline")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load tracker: %w", err)
	}
	unit, err := im.Migrations.GetUnit(ctx, tr.UnitID)
	if err != nil {
		return fmt.Errorf("load unit: %w", err)
	}
	if tr.Status.Terminal() {
		return im.completeUnit(ctx, unit)
	}
	if unit.Status.Terminal() {
		return nil
	}
	logger = logger.With("unit_id", unit.ID, "pipeline", tr.PipelineName)

	trackers, err := im.Trackers.ListTrackers(ctx, unit.ID)
	if err != nil {
		return fmt.Errorf("list trackers: %w", err)
	}
	for _, other := range trackers {
		if other.Stage < tr.Stage && !other.Status.Terminal() {
			return im.wait(ctx, tr.ID)
		}
	}

	if tr.Status == store.TrackerCreated {
		if err := im.Trackers.TransitionTracker(ctx, tr.ID, store.TrackerStarted, nil); err != nil {
			return fmt.Errorf("start tracker: %w", err)
		}
		tr.Status = store.TrackerStarted
		tr.UpdatedAt = im.Clock.Now()
	}

	mig, err := im.Migrations.GetMigration(ctx, unit.MigrationID)
	if err != nil {
		return fmt.Errorf("load migration: %w", err)
	}
	source, err := im.Peers.Source(ctx, mig)
	if err != nil {
		return im.failTracker(ctx, logger, tr, unit, err)
	}

	status, err := source.ExportStatus(ctx, unit.SourcePath, tr.Relation, SessionID(unit.ID))
	var apiErr *remote.APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound:
		// The export task has not run on the source yet.
		return im.waitOrTimeout(ctx, logger, tr, unit)
	case err != nil:
		return im.retryOrTimeout(ctx, logger, tr, unit, errs.Transport("importer.RunPipeline", err))
	}

	switch store.ExportStatus(status.Status) {
	case store.ExportFailed:
		msg := "source export failed"
		if status.Error != nil {
			msg += ": " + *status.Error
		}
		return im.failTracker(ctx, logger, tr, unit, errors.New(msg))
	case store.ExportFinished:
	default:
		return im.waitOrTimeout(ctx, logger, tr, unit)
	}

	fetcher, err := im.Peers.Fetcher(ctx, mig)
	if err != nil {
		return im.failTracker(ctx, logger, tr, unit, err)
	}
	owner, err := im.Resources.FindOrCreateResource(ctx, unit.Destination, unit.SourceKind)
	if err != nil {
		return fmt.Errorf("resolve destination %s: %w", unit.Destination, err)
	}

	count, err := im.importRelation(ctx, fetcher, unit, tr, owner.ID, status)
	if errs.Is(err, errs.KindTransport) {
		return im.retryOrTimeout(ctx, logger, tr, unit, err)
	}
	if err != nil {
		return im.failTracker(ctx, logger, tr, unit, err)
	}

	if err := im.Trackers.TransitionTracker(ctx, tr.ID, store.TrackerFinished, nil); err != nil {
		return fmt.Errorf("finish tracker: %w", err)
	}
	logger.Info("pipeline finished", "relation", tr.Relation, "objects", count)
	return im.completeUnit(ctx, unit)
}

// importRelation pulls every artifact of the finished export and loads it.
func (im *Importer) importRelation(ctx context.Context, fetcher Fetcher, unit *store.Unit, tr *store.Tracker, ownerID uuid.UUID, status *api.ExportStatusResponse) (int, error) {
	kind, err := relation.Parse(tr.Relation)
	if err != nil {
		return 0, err
	}
	artifact, err := relation.Artifact(tr.Relation)
	if err != nil {
		return 0, err
	}
	// Sources that predate empty placeholder artifacts upload nothing here.
	if !status.Batched && status.TotalObjectsCount == 0 {
		return 0, nil
	}

	workdir, err := im.Scratch.MkdirTemp("import-")
	if err != nil {
		return 0, err
	}
	defer os.RemoveAll(workdir)

	batches := []int{0}
	if status.Batched {
		batches = batches[:0]
		for _, b := range status.Batches {
			batches = append(batches, b.BatchNumber)
		}
		sort.Ints(batches)
		if len(batches) < status.BatchesCount {
			return 0, fmt.Errorf("source reports %d batches but lists %d", status.BatchesCount, len(batches))
		}
	}

	total := 0
	for _, n := range batches {
		dir := filepath.Join(workdir, fmt.Sprintf("batch-%d", n))
		if err := os.Mkdir(dir, 0o700); err != nil {
			return total, err
		}
		files, err := im.pull(ctx, fetcher, unit, tr.Relation, artifact, n, dir)
		if err != nil {
			return total, fmt.Errorf("batch %d: %w", n, err)
		}
		loaded, err := im.Loader.Load(ctx, Target{OwnerID: ownerID, Relation: kind, Dir: dir}, files)
		if err != nil {
			return total, fmt.Errorf("load batch %d: %w", n, err)
		}
		total += loaded
		os.RemoveAll(dir)
	}
	return total, nil
}

// pull downloads, decompresses and, for tar artifacts, extracts one artifact into dir.
func (im *Importer) pull(ctx context.Context, fetcher Fetcher, unit *store.Unit, rel, artifact string, batch int, dir string) ([]string, error) {
	archive, err := fetcher.Download(ctx, remote.DownloadPath(unit.SourcePath, rel, SessionID(unit.ID), batch), dir, artifact+".gz")
	if err != nil {
		return nil, err
	}
	out, err := im.Decompressor.Decompress(ctx, dir, filepath.Base(archive))
	if err != nil {
		return nil, err
	}
	os.Remove(archive)

	if !strings.HasSuffix(out, ".tar") {
		return []string{out}, nil
	}
	files, err := im.Extractor.Extract(ctx, dir, filepath.Base(out))
	os.Remove(out)
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (im *Importer) waitOrTimeout(ctx context.Context, logger *slog.Logger, tr *store.Tracker, unit *store.Unit) error {
	if im.Clock.Now().Sub(tr.UpdatedAt) > WaitTimeout {
		return im.failTracker(ctx, logger, tr, unit, errors.New("timed out waiting for source export"))
	}
	return im.wait(ctx, tr.ID)
}

// retryOrTimeout re-enqueues the run after a transport failure until the
// tracker has been running for longer than WaitTimeout.
func (im *Importer) retryOrTimeout(ctx context.Context, logger *slog.Logger, tr *store.Tracker, unit *store.Unit, cause error) error {
	if im.Clock.Now().Sub(tr.UpdatedAt) > WaitTimeout {
		return im.failTracker(ctx, logger, tr, unit, fmt.Errorf("source unreachable: %w", cause))
	}
	logger.Warn("source transport failure, retrying", "relation", tr.Relation, "error", cause)
	return im.wait(ctx, tr.ID)
}

func (im *Importer) wait(ctx context.Context, trackerID uuid.UUID) error {
	if err := im.Dispatcher.RunPipeline(ctx, trackerID, PollDelay); err != nil {
		return fmt.Errorf("re-enqueue run_pipeline: %w", err)
	}
	return nil
}

func (im *Importer) failTracker(ctx context.Context, logger *slog.Logger, tr *store.Tracker, unit *store.Unit, cause error) error {
	msg := errs.Truncate(cause.Error(), errs.MaxMessageLength)
	logger.Error("pipeline failed", "relation", tr.Relation, "error", cause)
	if err := im.Trackers.TransitionTracker(ctx, tr.ID, store.TrackerFailed, &msg); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		return fmt.Errorf("fail tracker: %w", err)
	}
	return im.completeUnit(ctx, unit)
}

// completeUnit finishes the unit once every tracker is terminal. A single
// failed tracker fails the unit.
func (im *Importer) completeUnit(ctx context.Context, unit *store.Unit) error {
	if unit.Status != store.UnitStarted {
		return nil
	}
	trackers, err := im.Trackers.ListTrackers(ctx, unit.ID)
	if err != nil {
		return fmt.Errorf("list trackers: %w", err)
	}
	to := store.UnitFinished
	for _, tr := range trackers {
		if !tr.Status.Terminal() {
			return nil
		}
		if tr.Status == store.TrackerFailed {
			to = store.UnitFailed
		}
	}
	err = im.Migrations.TransitionUnit(ctx, unit.ID, to)
	if errors.Is(err, store.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete unit: %w", err)
	}
	im.Logger.Info("unit completed", "unit_id", unit.ID, "status", to)
	return nil
}
