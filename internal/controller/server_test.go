package controller

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"transferplane/internal/auth"
	"transferplane/internal/objectstore"
	"transferplane/internal/store"
	"transferplane/internal/store/storetest"
	"transferplane/internal/tasks"
)

func newRoutes(t *testing.T) (http.Handler, *storetest.Memory) {
	t.Helper()
	mem := storetest.New()
	objects, err := objectstore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "# metrics")
	})
	h := Routes(mem, tasks.NewDispatcher(mem, nil), objects, Options{
		SystemSecret: "system-secret",
		Metrics:      metrics,
		RateLimitTTL: time.Minute,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return h, mem
}

func TestRoutes(t *testing.T) {
	h, mem := newRoutes(t)
	ctx := context.Background()

	limited := &store.AccessToken{Name: "limited", RateLimit: 0.001, RateLimitBurst: 1}
	if err := mem.CreateAccessToken(ctx, limited, auth.HashKey("tp_limited")); err != nil {
		t.Fatalf("CreateAccessToken: %v", err)
	}
	if err := mem.CreateAccessToken(ctx, &store.AccessToken{Name: "peer"}, auth.HashKey("tp_peer")); err != nil {
		t.Fatalf("CreateAccessToken: %v", err)
	}
	mem.FindOrCreateResource(ctx, "org", store.SourceKindGroup)

	tests := []struct {
		name           string
		method         string
		path           string
		auth           string
		body           string
		expectedStatus int
	}{
		{"Healthz Without Auth", http.MethodGet, "/healthz", "", "", http.StatusOK},
		{"Metrics Without Auth", http.MethodGet, "/metrics", "", "", http.StatusOK},
		{"Peer Route Requires Token", http.MethodGet, "/resources/children?source_path=org", "", "", http.StatusUnauthorized},
		{"Peer Route Rejects Unknown Token", http.MethodGet, "/resources/children?source_path=org", "Bearer tp_nope", "", http.StatusUnauthorized},
		{"Peer Route With Token", http.MethodGet, "/resources/children?source_path=org", "Bearer tp_peer", "", http.StatusOK},
		{"Admin Route Rejects Peer Token", http.MethodPost, "/internal/access_tokens", "Bearer tp_peer", `{"name":"x"}`, http.StatusUnauthorized},
		{"Admin Route With Secret", http.MethodPost, "/internal/access_tokens", "Bearer system-secret", `{"name":"x"}`, http.StatusCreated},
		{"DLQ With Secret", http.MethodGet, "/tasks/dlq", "Bearer system-secret", "", http.StatusOK},
		{"Wrong Method", http.MethodDelete, "/migrations/abc", "Bearer tp_peer", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			req := httptest.NewRequest(tt.method, tt.path, body)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("got status %d, want %d, body: %s", rr.Code, tt.expectedStatus, rr.Body.String())
			}
		})
	}

	t.Run("Rate Limited Token", func(t *testing.T) {
		send := func() int {
			req := httptest.NewRequest(http.MethodGet, "/resources/children?source_path=org", nil)
			req.Header.Set("Authorization", "Bearer tp_limited")
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			return rr.Code
		}
		if got := send(); got != http.StatusOK {
			t.Fatalf("first request: got %d", got)
		}
		if got := send(); got != http.StatusTooManyRequests {
			t.Errorf("second request: got %d, want %d", got, http.StatusTooManyRequests)
		}
	})
}
