package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"transferplane/internal/store"
	"transferplane/internal/tasks"
	"transferplane/pkg/api"

	"github.com/google/uuid"
)

// CreateMigration handles POST /migrations.
// The migration, its units and the first scheduler tick are committed together.
func (h *Handlers) CreateMigration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.CreateMigrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if err := validateMigration(&req); err != nil {
		h.httpError(w, err.Error(), http.StatusBadRequest)
		return
	}

	tx, err := h.store.BeginTx(ctx)
	if err != nil {
		h.httpError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	defer tx.Rollback()

	m := &store.Migration{
		ID:            uuid.New(),
		SourceURL:     strings.TrimRight(req.SourceURL, "/"),
		SourceVersion: req.SourceVersion,
	}
	if err := h.store.CreateMigration(ctx, tx, m); err != nil {
		h.log(ctx).ErrorContext(ctx, "create migration failed", "error", err)
		h.httpError(w, "Failed to create migration", http.StatusInternalServerError)
		return
	}

	for _, u := range req.Units {
		unit := &store.Unit{
			ID:          uuid.New(),
			MigrationID: m.ID,
			SourcePath:  strings.Trim(u.SourcePath, "/"),
			SourceKind:  store.SourceKind(u.SourceKind),
			Destination: strings.Trim(u.Destination, "/"),
		}
		if err := h.store.CreateUnit(ctx, tx, unit); err != nil {
			h.log(ctx).ErrorContext(ctx, "create unit failed", "error", err)
			h.httpError(w, "Failed to create migration", http.StatusInternalServerError)
			return
		}
	}

	if err := h.dispatcher.Dispatch(ctx, tx, store.TaskAdvance, tasks.AdvanceArgs{MigrationID: m.ID}, 0); err != nil {
		h.log(ctx).ErrorContext(ctx, "enqueue advance failed", "error", err)
		h.httpError(w, "Failed to queue migration", http.StatusInternalServerError)
		return
	}

	if err := tx.Commit(); err != nil {
		h.httpError(w, "Failed to commit transaction", http.StatusInternalServerError)
		return
	}

	h.log(ctx).InfoContext(ctx, "migration created", "migration_id", m.ID, "units", len(req.Units))
	h.respondJson(w, http.StatusCreated, api.CreateMigrationResponse{MigrationID: m.ID.String()})
}

func validateMigration(req *api.CreateMigrationRequest) error {
	u, err := url.Parse(req.SourceURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("source_url must be an absolute http(s) URL")
	}
	if len(req.Units) == 0 {
		return fmt.Errorf("at least one unit is required")
	}
	for i, unit := range req.Units {
		if strings.Trim(unit.SourcePath, "/") == "" {
			return fmt.Errorf("units[%d]: source_path is required", i)
		}
		if strings.Trim(unit.Destination, "/") == "" {
			return fmt.Errorf("units[%d]: destination is required", i)
		}
		switch store.SourceKind(unit.SourceKind) {
		case store.SourceKindGroup, store.SourceKindProject:
		default:
			return fmt.Errorf("units[%d]: source_kind must be group or project", i)
		}
	}
	return nil
}

// GetMigration handles GET /migrations/{id}.
func (h *Handlers) GetMigration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid migration ID", http.StatusBadRequest)
		return
	}

	m, err := h.store.GetMigration(ctx, id)
	if err != nil {
		h.storeError(w, r, err, "Migration")
		return
	}

	units, err := h.store.ListUnits(ctx, id)
	if err != nil {
		h.storeError(w, r, err, "Units")
		return
	}

	counts, err := h.store.UnitStatusCounts(ctx, id)
	if err != nil {
		h.storeError(w, r, err, "Unit counts")
		return
	}

	resp := api.MigrationResponse{
		ID:            m.ID.String(),
		Status:        string(m.Status),
		SourceURL:     m.SourceURL,
		SourceVersion: m.SourceVersion,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
		StatusCounts:  make(map[string]int, len(counts)),
		Units:         make([]api.UnitResponse, 0, len(units)),
	}
	for status, n := range counts {
		resp.StatusCounts[string(status)] = n
	}
	for _, u := range units {
		ur := api.UnitResponse{
			ID:          u.ID.String(),
			SourcePath:  u.SourcePath,
			SourceKind:  string(u.SourceKind),
			Destination: u.Destination,
			Status:      string(u.Status),
			UpdatedAt:   u.UpdatedAt,
		}
		if u.ParentUnitID != nil {
			parent := u.ParentUnitID.String()
			ur.ParentUnitID = &parent
		}
		resp.Units = append(resp.Units, ur)
	}

	h.respondJson(w, http.StatusOK, resp)
}

// ListTrackers handles GET /migrations/{id}/units/{unit_id}/trackers.
func (h *Handlers) ListTrackers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	migrationID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid migration ID", http.StatusBadRequest)
		return
	}
	unitID, err := uuid.Parse(r.PathValue("unit_id"))
	if err != nil {
		h.httpError(w, "Invalid unit ID", http.StatusBadRequest)
		return
	}

	unit, err := h.store.GetUnit(ctx, unitID)
	if err != nil {
		h.storeError(w, r, err, "Unit")
		return
	}
	if unit.MigrationID != migrationID {
		h.httpError(w, "Unit not found", http.StatusNotFound)
		return
	}

	trackers, err := h.store.ListTrackers(ctx, unitID)
	if err != nil {
		h.storeError(w, r, err, "Trackers")
		return
	}

	resp := make([]api.TrackerResponse, 0, len(trackers))
	for _, t := range trackers {
		resp = append(resp, api.TrackerResponse{
			ID:           t.ID.String(),
			PipelineName: t.PipelineName,
			Relation:     t.Relation,
			Stage:        t.Stage,
			Status:       string(t.Status),
			Error:        t.Error,
			UpdatedAt:    t.UpdatedAt,
		})
	}
	h.respondJson(w, http.StatusOK, resp)
}
