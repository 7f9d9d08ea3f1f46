package handlers

import (
	"net/http"

	"transferplane/pkg/api"
)

// ChildResources handles GET /resources/children?source_path=.
func (h *Handlers) ChildResources(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	parent, err := h.store.GetResourceByPath(ctx, r.URL.Query().Get("source_path"))
	if err != nil {
		h.storeError(w, r, err, "Resource")
		return
	}

	children, err := h.store.ListChildResources(ctx, parent.FullPath)
	if err != nil {
		h.storeError(w, r, err, "Resources")
		return
	}

	resp := make([]api.ResourceResponse, 0, len(children))
	for _, c := range children {
		resp = append(resp, api.ResourceResponse{
			FullPath:   c.FullPath,
			ParentPath: c.ParentPath,
			Kind:       string(c.Kind),
		})
	}
	h.respondJson(w, http.StatusOK, resp)
}
