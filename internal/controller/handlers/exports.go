package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"transferplane/internal/controller/middleware"
	"transferplane/internal/export/relation"
	"transferplane/internal/objectstore"
	"transferplane/internal/store"
	"transferplane/internal/tasks"
	"transferplane/pkg/api"
)

// StartExport handles POST /exports.
// One export_relation task is queued per requested relation.
func (h *Handlers) StartExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	token, ok := middleware.TokenFromContext(ctx)
	if !ok {
		h.httpError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req api.StartExportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		h.httpError(w, "session_id is required", http.StatusBadRequest)
		return
	}

	kinds, err := parseRelations(req.Relations)
	if err != nil {
		h.httpError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	resource, err := h.store.GetResourceByPath(ctx, req.SourcePath)
	if err != nil {
		h.storeError(w, r, err, "Resource")
		return
	}

	tx, err := h.store.BeginTx(ctx)
	if err != nil {
		h.httpError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	defer tx.Rollback()

	resp := api.StartExportResponse{Relations: make([]string, 0, len(kinds))}
	for _, kind := range kinds {
		args := tasks.ExportRelationArgs{
			OwnerID:   resource.ID,
			Relation:  string(kind),
			Batched:   req.Batched,
			UserID:    token.ID.String(),
			SessionID: req.SessionID,
		}
		if err := h.dispatcher.Dispatch(ctx, tx, store.TaskExportRelation, args, 0); err != nil {
			h.log(ctx).ErrorContext(ctx, "enqueue export failed", "relation", kind, "error", err)
			h.httpError(w, "Failed to queue export", http.StatusInternalServerError)
			return
		}
		resp.Relations = append(resp.Relations, string(kind))
	}

	if err := tx.Commit(); err != nil {
		h.httpError(w, "Failed to commit transaction", http.StatusInternalServerError)
		return
	}

	h.log(ctx).InfoContext(ctx, "export requested",
		"source_path", resource.FullPath, "relations", resp.Relations, "session_id", req.SessionID, "token", token.Name)
	h.respondJson(w, http.StatusAccepted, resp)
}

// parseRelations validates names. No names means every relation.
func parseRelations(names []string) ([]relation.Kind, error) {
	if len(names) == 0 {
		return relation.Kinds(), nil
	}
	seen := map[relation.Kind]bool{}
	kinds := make([]relation.Kind, 0, len(names))
	for _, name := range names {
		kind, err := relation.Parse(name)
		if err != nil {
			return nil, err
		}
		if !seen[kind] {
			seen[kind] = true
			kinds = append(kinds, kind)
		}
	}
	return kinds, nil
}

// ExportStatus handles GET /exports/status?source_path=&relation=&session_id=.
// It always returns a list; a single unknown relation yields an empty one.
func (h *Handlers) ExportStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	resource, err := h.store.GetResourceByPath(ctx, q.Get("source_path"))
	if err != nil {
		h.storeError(w, r, err, "Resource")
		return
	}

	var exports []store.Export
	if rel := q.Get("relation"); rel != "" {
		exp, err := h.store.FindExport(ctx, resource.ID, rel, q.Get("session_id"))
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			h.storeError(w, r, err, "Export")
			return
		default:
			exports = append(exports, *exp)
		}
	} else {
		exports, err = h.store.ListExports(ctx, resource.ID, q.Get("session_id"))
		if err != nil {
			h.storeError(w, r, err, "Exports")
			return
		}
	}

	resp := make([]api.ExportStatusResponse, 0, len(exports))
	for _, exp := range exports {
		es := api.ExportStatusResponse{
			Relation:          exp.Relation,
			Status:            string(exp.Status),
			Batched:           exp.Batched,
			BatchesCount:      exp.BatchesCount,
			TotalObjectsCount: exp.TotalObjectsCount,
			Error:             exp.Error,
			UpdatedAt:         exp.UpdatedAt,
		}
		if exp.Batched {
			batches, err := h.store.ListBatches(ctx, exp.ID)
			if err != nil {
				h.storeError(w, r, err, "Batches")
				return
			}
			for _, b := range batches {
				es.Batches = append(es.Batches, api.BatchStatusResponse{
					BatchNumber:  b.BatchNumber,
					Status:       string(b.Status),
					ObjectsCount: b.ObjectsCount,
					Error:        b.Error,
				})
			}
		}
		resp = append(resp, es)
	}

	h.respondJson(w, http.StatusOK, resp)
}

// DownloadExport handles GET /exports/download?source_path=&relation=&session_id=&batch_number=.
// It streams the compressed artifact of the export, or of one finished batch.
func (h *Handlers) DownloadExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	artifact, err := relation.Artifact(q.Get("relation"))
	if err != nil {
		h.httpError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	batchNumber := 0
	if raw := q.Get("batch_number"); raw != "" {
		batchNumber, err = strconv.Atoi(raw)
		if err != nil || batchNumber <= 0 {
			h.httpError(w, "Invalid batch_number", http.StatusBadRequest)
			return
		}
	}

	resource, err := h.store.GetResourceByPath(ctx, q.Get("source_path"))
	if err != nil {
		h.storeError(w, r, err, "Resource")
		return
	}

	exp, err := h.store.FindExport(ctx, resource.ID, q.Get("relation"), q.Get("session_id"))
	if err != nil {
		h.storeError(w, r, err, "Export")
		return
	}

	var batchID *int64
	if batchNumber > 0 {
		batch, err := h.store.FindBatch(ctx, exp.ID, batchNumber)
		if err != nil {
			h.storeError(w, r, err, "Batch")
			return
		}
		if batch.Status != store.BatchFinished {
			h.httpError(w, "Batch not finished", http.StatusNotFound)
			return
		}
		batchID = &batch.ID
	} else if exp.Batched {
		h.httpError(w, "batch_number is required for batched exports", http.StatusBadRequest)
		return
	}

	upload, err := h.store.FindUpload(ctx, exp.ID, batchID)
	if err != nil {
		h.storeError(w, r, err, "Upload")
		return
	}

	body, size, err := h.objects.Get(ctx, upload.ObjectKey)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			h.httpError(w, "Upload not found", http.StatusNotFound)
			return
		}
		h.log(ctx).ErrorContext(ctx, "open upload failed", "key", upload.ObjectKey, "error", err)
		h.httpError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact+".gz"))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		h.log(ctx).WarnContext(ctx, "download interrupted", "key", upload.ObjectKey, "error", err)
	}
}
