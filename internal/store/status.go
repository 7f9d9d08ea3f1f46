package store

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidTransition is returned when a status change is not in the entity's transition table.
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions maps a status to the statuses it may move to.
type transitions[S ~string] map[S][]S

func (t transitions[S]) allows(from, to S) bool {
	for _, next := range t[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (t transitions[S]) check(entity string, from, to S) error {
	if !t.allows(from, to) {
		return fmt.Errorf("%s %s -> %s: %w", entity, from, to, ErrInvalidTransition)
	}
	return nil
}

// predecessors lists every status that may move to 'to'. Postgres updates use it as a guard.
func (t transitions[S]) predecessors(to S) []string {
	var from []string
	for s, nexts := range t {
		for _, n := range nexts {
			if n == to {
				from = append(from, string(s))
				break
			}
		}
	}
	sort.Strings(from)
	return from
}

// MigrationStatus represents the state of a Migration.
type MigrationStatus string

const (
	MigrationCreated  MigrationStatus = "created"
	MigrationStarted  MigrationStatus = "started"
	MigrationFinished MigrationStatus = "finished"
	MigrationFailed   MigrationStatus = "failed"
)

var migrationTransitions = transitions[MigrationStatus]{
	MigrationCreated: {MigrationStarted, MigrationFailed},
	MigrationStarted: {MigrationFinished, MigrationFailed},
}

// ValidateTransition returns ErrInvalidTransition unless s may move to to.
func (s MigrationStatus) ValidateTransition(to MigrationStatus) error {
	return migrationTransitions.check("migration", s, to)
}

// Terminal reports whether no further transitions exist.
func (s MigrationStatus) Terminal() bool {
	return len(migrationTransitions[s]) == 0
}

// MigrationPredecessors returns the statuses allowed to move to to.
func MigrationPredecessors(to MigrationStatus) []string {
	return migrationTransitions.predecessors(to)
}

// UnitStatus represents the state of a Unit.
type UnitStatus string

const (
	UnitCreated  UnitStatus = "created"
	UnitStarted  UnitStatus = "started"
	UnitFinished UnitStatus = "finished"
	UnitFailed   UnitStatus = "failed"
)

var unitTransitions = transitions[UnitStatus]{
	UnitCreated: {UnitStarted, UnitFailed},
	UnitStarted: {UnitFinished, UnitFailed},
}

// ValidateTransition returns ErrInvalidTransition unless s may move to to.
func (s UnitStatus) ValidateTransition(to UnitStatus) error {
	return unitTransitions.check("unit", s, to)
}

// Terminal reports whether no further transitions exist.
func (s UnitStatus) Terminal() bool {
	return len(unitTransitions[s]) == 0
}

// UnitPredecessors returns the statuses allowed to move to to.
func UnitPredecessors(to UnitStatus) []string {
	return unitTransitions.predecessors(to)
}

// TrackerStatus represents the state of a Tracker.
type TrackerStatus string

const (
	TrackerCreated  TrackerStatus = "created"
	TrackerSkipped  TrackerStatus = "skipped"
	TrackerStarted  TrackerStatus = "started"
	TrackerFinished TrackerStatus = "finished"
	TrackerFailed   TrackerStatus = "failed"
)

var trackerTransitions = transitions[TrackerStatus]{
	TrackerCreated: {TrackerStarted, TrackerSkipped, TrackerFailed},
	TrackerStarted: {TrackerStarted, TrackerFinished, TrackerFailed},
}

// ValidateTransition returns ErrInvalidTransition unless s may move to to.
func (s TrackerStatus) ValidateTransition(to TrackerStatus) error {
	return trackerTransitions.check("tracker", s, to)
}

// Terminal reports whether no further transitions exist.
func (s TrackerStatus) Terminal() bool {
	return len(trackerTransitions[s]) == 0
}

// TrackerPredecessors returns the statuses allowed to move to to.
func TrackerPredecessors(to TrackerStatus) []string {
	return trackerTransitions.predecessors(to)
}

// ExportStatus represents the state of an Export.
type ExportStatus string

const (
	ExportStarted  ExportStatus = "started"
	ExportFinished ExportStatus = "finished"
	ExportFailed   ExportStatus = "failed"
)

var exportTransitions = transitions[ExportStatus]{
	ExportStarted:  {ExportStarted, ExportFinished, ExportFailed},
	ExportFinished: {ExportStarted},
	ExportFailed:   {ExportStarted},
}

// ValidateTransition returns ErrInvalidTransition unless s may move to to.
func (s ExportStatus) ValidateTransition(to ExportStatus) error {
	return exportTransitions.check("export", s, to)
}

// ExportPredecessors returns the statuses allowed to move to to.
func ExportPredecessors(to ExportStatus) []string {
	return exportTransitions.predecessors(to)
}

// BatchStatus represents the state of a Batch.
type BatchStatus string

const (
	BatchCreated  BatchStatus = "created"
	BatchStarted  BatchStatus = "started"
	BatchFinished BatchStatus = "finished"
	BatchFailed   BatchStatus = "failed"
)

var batchTransitions = transitions[BatchStatus]{
	BatchCreated:  {BatchStarted},
	BatchStarted:  {BatchStarted, BatchFinished, BatchFailed},
	BatchFinished: {BatchStarted},
	BatchFailed:   {BatchStarted},
}

// ValidateTransition returns ErrInvalidTransition unless s may move to to.
func (s BatchStatus) ValidateTransition(to BatchStatus) error {
	return batchTransitions.check("batch", s, to)
}

// BatchPredecessors returns the statuses allowed to move to to.
func BatchPredecessors(to BatchStatus) []string {
	return batchTransitions.predecessors(to)
}
