// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"transferplane/internal/logger"
	"transferplane/internal/objectstore"
	"transferplane/internal/store"
	"transferplane/pkg/api"
)

// StoreFactory combines the interfaces needed for the controller to function.
type StoreFactory interface {
	BeginTx(ctx context.Context) (store.Tx, error)
	Ping(ctx context.Context) error
	store.MigrationStore
	store.TrackerStore
	store.ExportStore
	store.ResourceStore
	store.AccessTokenStore
	store.DLQStore
}

// Dispatcher enqueues tasks, inside tx when it is non-nil.
type Dispatcher interface {
	Dispatch(ctx context.Context, tx store.DBTransaction, kind store.TaskKind, args any, delay time.Duration) error
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	store      StoreFactory
	dispatcher Dispatcher
	objects    objectstore.Store
	logger     *slog.Logger
}

// New creates a new Handlers instance.
func New(s StoreFactory, d Dispatcher, objects objectstore.Store, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{store: s, dispatcher: d, objects: objects, logger: logger}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}

// log returns the handler logger tagged with the request id.
func (h *Handlers) log(ctx context.Context) *slog.Logger {
	return logger.FromContext(ctx, h.logger)
}

// storeError maps a lookup failure to 404 or 500.
func (h *Handlers) storeError(w http.ResponseWriter, r *http.Request, err error, what string) {
	if errors.Is(err, store.ErrNotFound) {
		h.httpError(w, what+" not found", http.StatusNotFound)
		return
	}
	h.log(r.Context()).ErrorContext(r.Context(), "store lookup failed", "what", what, "error", err)
	h.httpError(w, "Internal server error", http.StatusInternalServerError)
}
