// Package scheduler advances migrations. Each advance task inspects one
// migration, starts as many units as the concurrency cap allows and then
// re-enqueues itself; nothing in here blocks waiting on other work.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"transferplane/internal/store"

	"github.com/google/uuid"
	"github.com/juju/clock"
)

const (
	// MaxStartedUnits caps the started units of one migration.
	MaxStartedUnits = 5
	// AdvanceDelay is the pause between two advance ticks of a migration.
	AdvanceDelay = 5 * time.Second
	// StarvationThreshold is how stale the oldest created unit may get before all are touched.
	StarvationThreshold = time.Hour
)

// TrackerBuilder builds the trackers of a unit.
type TrackerBuilder interface {
	Trackers(unit *store.Unit, sourceVersion string) []store.Tracker
}

// Dispatcher enqueues the tasks the scheduler drives.
type Dispatcher interface {
	Advance(ctx context.Context, migrationID uuid.UUID, delay time.Duration) error
	BeginExport(ctx context.Context, tx store.DBTransaction, unitID uuid.UUID) error
}

// DrainCheck reports whether a migration has no outstanding pipeline work.
type DrainCheck interface {
	Drained(ctx context.Context, m *store.Migration) (bool, error)
}

// TrackerDrain is drained once no created or started tracker remains in the migration.
type TrackerDrain struct {
	Trackers store.TrackerStore
}

func (d TrackerDrain) Drained(ctx context.Context, m *store.Migration) (bool, error) {
	n, err := d.Trackers.CountActiveTrackers(ctx, m.ID)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

// Scheduler implements the advance task.
type Scheduler struct {
	migrations store.MigrationStore
	trackers   TrackerBuilder
	dispatcher Dispatcher
	drain      DrainCheck
	clock      clock.Clock
	logger     *slog.Logger
}

func New(migrations store.MigrationStore, trackers TrackerBuilder, dispatcher Dispatcher, drain DrainCheck, clk clock.Clock, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.WallClock
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		migrations: migrations,
		trackers:   trackers,
		dispatcher: dispatcher,
		drain:      drain,
		clock:      clk,
		logger:     logger,
	}
}

// Advance runs one scheduling tick for migrationID. Only a failure to
// re-enqueue the next tick is returned, so the queue retries the tick itself.
func (s *Scheduler) Advance(ctx context.Context, migrationID uuid.UUID) error {
	logger := s.logger.With("migration_id", migrationID)

	mig, err := s.migrations.GetMigration(ctx, migrationID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("migration not found, stopping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load migration: %w", err)
	}
	if mig.Status.Terminal() {
		return nil
	}

	counts, err := s.migrations.UnitStatusCounts(ctx, mig.ID)
	if err != nil {
		logger.Error("failed to count units", "error", err)
		return s.reenqueue(ctx, mig.ID)
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	done := counts[store.UnitFinished] + counts[store.UnitFailed]

	switch {
	case total > 0 && counts[store.UnitFailed] == total:
		if err := s.migrations.TransitionMigration(ctx, mig.ID, store.MigrationFailed); err != nil {
			logger.Error("failed to mark migration failed", "error", err)
			return s.reenqueue(ctx, mig.ID)
		}
		logger.Info("migration failed, every unit failed")
		return nil

	case done == total && mig.Status == store.MigrationStarted:
		drained, err := s.drain.Drained(ctx, mig)
		if err != nil {
			logger.Error("drain check failed", "error", err)
		} else if drained {
			if err := s.migrations.TransitionMigration(ctx, mig.ID, store.MigrationFinished); err != nil {
				logger.Error("failed to mark migration finished", "error", err)
				return s.reenqueue(ctx, mig.ID)
			}
			logger.Info("migration finished", "units", total, "failed_units", counts[store.UnitFailed])
			return nil
		}

	default:
		s.startUnits(ctx, logger, mig, counts[store.UnitStarted])
	}

	s.preventStarvation(ctx, logger, mig.ID)
	return s.reenqueue(ctx, mig.ID)
}

func (s *Scheduler) startUnits(ctx context.Context, logger *slog.Logger, mig *store.Migration, started int) {
	if started >= MaxStartedUnits {
		logger.Debug("concurrency cap reached", "started", started)
		return
	}

	if mig.Status == store.MigrationCreated {
		if err := s.migrations.TransitionMigration(ctx, mig.ID, store.MigrationStarted); err != nil {
			logger.Error("failed to start migration", "error", err)
			return
		}
		mig.Status = store.MigrationStarted
	}

	units, err := s.migrations.ListCreatedUnits(ctx, mig.ID, MaxStartedUnits-started)
	if err != nil {
		logger.Error("failed to list created units", "error", err)
		return
	}

	for i := range units {
		unit := &units[i]
		trackers := s.trackers.Trackers(unit, mig.SourceVersion)

		// begin_export commits with the start, so a started unit always has one queued.
		ok, err := s.migrations.StartUnit(ctx, unit, trackers, MaxStartedUnits, func(tx store.DBTransaction) error {
			if err := s.dispatcher.BeginExport(ctx, tx, unit.ID); err != nil {
				return fmt.Errorf("enqueue begin_export: %w", err)
			}
			return nil
		})
		if err != nil {
			logger.Error("failed to start unit", "unit_id", unit.ID, "error", err)
			continue
		}
		if !ok {
			// Another tick filled the cap or took this unit first.
			break
		}
		logger.Info("unit started", "unit_id", unit.ID, "source_path", unit.SourcePath, "trackers", len(trackers))
	}
}

func (s *Scheduler) preventStarvation(ctx context.Context, logger *slog.Logger, migrationID uuid.UUID) {
	oldest, err := s.migrations.OldestCreatedUnitUpdatedAt(ctx, migrationID)
	if err != nil {
		logger.Error("failed to read oldest created unit", "error", err)
		return
	}
	now := s.clock.Now()
	if oldest == nil || now.Sub(*oldest) <= StarvationThreshold {
		return
	}
	n, err := s.migrations.TouchCreatedUnits(ctx, migrationID, now)
	if err != nil {
		logger.Error("failed to touch created units", "error", err)
		return
	}
	logger.Info("touched stale created units", "count", n)
}

func (s *Scheduler) reenqueue(ctx context.Context, migrationID uuid.UUID) error {
	if err := s.dispatcher.Advance(ctx, migrationID, AdvanceDelay); err != nil {
		return fmt.Errorf("re-enqueue advance: %w", err)
	}
	return nil
}
