// Package controller contains the controller-specific logic for the HTTP API.
package controller

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"transferplane/internal/controller/handlers"
	"transferplane/internal/controller/middleware"
	"transferplane/internal/objectstore"
)

// Options configures the routes that depend on deployment settings.
type Options struct {
	// SystemSecret guards the admin routes. Empty disables them.
	SystemSecret string
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// RateLimitTTL is how long a per-token limiter is cached.
	RateLimitTTL time.Duration
	Logger       *slog.Logger
}

// Server is the HTTP server for the controller API.
type Server struct {
	httpServer *http.Server
}

// New creates a new controller server.
func New(addr string, store handlers.StoreFactory, dispatcher handlers.Dispatcher, objects objectstore.Store, opts Options) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:        addr,
			Handler:     Routes(store, dispatcher, objects, opts),
			ReadTimeout: 10 * time.Second,
			// Artifact downloads stream large bodies.
			WriteTimeout: 10 * time.Minute,
		},
	}
}

// Routes builds the controller's handler tree.
func Routes(store handlers.StoreFactory, dispatcher handlers.Dispatcher, objects objectstore.Store, opts Options) http.Handler {
	h := handlers.New(store, dispatcher, objects, opts.Logger)

	authMW := middleware.AuthMiddleware(store)
	var limitOpts []middleware.RateLimiterOption
	if opts.RateLimitTTL > 0 {
		limitOpts = append(limitOpts, middleware.WithTTL(opts.RateLimitTTL))
	}
	rateMW := middleware.NewRateLimiter(limitOpts...).Middleware()
	internalMW := middleware.RequireInternalAuth(opts.SystemSecret)

	peer := func(fn http.HandlerFunc) http.Handler {
		return authMW(rateMW(fn))
	}
	admin := func(fn http.HandlerFunc) http.Handler {
		return internalMW(fn)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	// Destination side
	mux.Handle("POST /migrations", peer(h.CreateMigration))
	mux.Handle("GET /migrations/{id}", peer(h.GetMigration))
	mux.Handle("GET /migrations/{id}/units/{unit_id}/trackers", peer(h.ListTrackers))

	// Source side pull protocol
	mux.Handle("POST /exports", peer(h.StartExport))
	mux.Handle("GET /exports/status", peer(h.ExportStatus))
	mux.Handle("GET /exports/download", peer(h.DownloadExport))
	mux.Handle("GET /resources/children", peer(h.ChildResources))

	// Admin endpoints
	mux.Handle("POST /internal/access_tokens", admin(h.CreateAccessToken))
	mux.Handle("GET /tasks/dlq", admin(h.ListDLQ))
	mux.Handle("POST /tasks/dlq/{id}/retry", admin(h.RetryDLQ))

	return middleware.RequestID(mux)
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
