package store

import (
	"errors"
	"reflect"
	"testing"
)

func TestMigrationStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to MigrationStatus
		ok       bool
	}{
		{MigrationCreated, MigrationStarted, true},
		{MigrationCreated, MigrationFailed, true},
		{MigrationStarted, MigrationFinished, true},
		{MigrationCreated, MigrationFinished, false},
		{MigrationFinished, MigrationStarted, false},
		{MigrationFailed, MigrationStarted, false},
	}

	for _, tt := range tests {
		err := tt.from.ValidateTransition(tt.to)
		if tt.ok && err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tt.from, tt.to, err)
		}
		if !tt.ok && !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", tt.from, tt.to, err)
		}
	}
}

func TestUnitStatus_NeverBackward(t *testing.T) {
	for _, from := range []UnitStatus{UnitStarted, UnitFinished, UnitFailed} {
		if err := from.ValidateTransition(UnitCreated); err == nil {
			t.Errorf("%s -> created should be rejected", from)
		}
	}
	if !UnitFinished.Terminal() || !UnitFailed.Terminal() {
		t.Error("finished and failed units must be terminal")
	}
	if UnitStarted.Terminal() {
		t.Error("started unit must not be terminal")
	}
}

func TestTrackerStatus_SkippedIsTerminal(t *testing.T) {
	if !TrackerSkipped.Terminal() {
		t.Error("skipped tracker must be terminal")
	}
	if err := TrackerSkipped.ValidateTransition(TrackerStarted); err == nil {
		t.Error("skipped -> started should be rejected")
	}
}

func TestExportStatus_RestartAllowed(t *testing.T) {
	for _, from := range []ExportStatus{ExportStarted, ExportFinished, ExportFailed} {
		if err := from.ValidateTransition(ExportStarted); err != nil {
			t.Errorf("%s -> started: %v", from, err)
		}
	}
	if err := ExportFinished.ValidateTransition(ExportFailed); err == nil {
		t.Error("finished -> failed should be rejected")
	}
}

func TestPredecessors_SortedForQueryGuards(t *testing.T) {
	got := BatchPredecessors(BatchStarted)
	want := []string{"created", "failed", "finished", "started"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BatchPredecessors(started) = %v, want %v", got, want)
	}

	if got := MigrationPredecessors(MigrationFinished); !reflect.DeepEqual(got, []string{"started"}) {
		t.Errorf("MigrationPredecessors(finished) = %v", got)
	}
	if got := MigrationPredecessors(MigrationCreated); len(got) != 0 {
		t.Errorf("nothing may move to created, got %v", got)
	}
}
