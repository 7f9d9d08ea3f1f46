package handlers

import (
	"net/http"
	"strconv"

	"transferplane/pkg/api"
)

// ListDLQ handles GET /tasks/dlq?limit=&offset=.
func (h *Handlers) ListDLQ(w http.ResponseWriter, r *http.Request) {
	limit, offset := 20, 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			h.httpError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.httpError(w, "Invalid offset", http.StatusBadRequest)
			return
		}
		offset = n
	}

	entries, err := h.store.ListDLQ(r.Context(), limit, offset)
	if err != nil {
		h.storeError(w, r, err, "DLQ")
		return
	}

	resp := make([]api.DLQTaskResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, api.DLQTaskResponse{
			ID:           e.ID,
			TaskID:       e.TaskID,
			Kind:         string(e.Kind),
			ErrorMessage: e.ErrorMessage,
			Attempts:     e.Attempts,
			FailedAt:     e.FailedAt,
		})
	}
	h.respondJson(w, http.StatusOK, resp)
}

// RetryDLQ handles POST /tasks/dlq/{id}/retry. The id is the original task id.
func (h *Handlers) RetryDLQ(w http.ResponseWriter, r *http.Request) {
	taskID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || taskID <= 0 {
		h.httpError(w, "Invalid task ID", http.StatusBadRequest)
		return
	}

	newID, err := h.store.RetryFromDLQ(r.Context(), taskID)
	if err != nil {
		h.storeError(w, r, err, "DLQ task")
		return
	}

	h.log(r.Context()).InfoContext(r.Context(), "dlq task retried", "task_id", taskID, "new_task_id", newID)
	h.respondJson(w, http.StatusOK, api.RetryDLQTaskResponse{NewTaskID: newID})
}
