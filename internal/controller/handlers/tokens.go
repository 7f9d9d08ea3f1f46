package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"transferplane/internal/auth"
	"transferplane/internal/store"
	"transferplane/pkg/api"

	"github.com/google/uuid"
)

// CreateAccessToken handles POST /internal/access_tokens (Admin Only).
// It generates a new token, stores its hash, and returns the raw token ONCE.
func (h *Handlers) CreateAccessToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.CreateAccessTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		h.httpError(w, "name is required", http.StatusBadRequest)
		return
	}
	if req.RateLimit < 0 || req.RateLimitBurst < 0 {
		h.httpError(w, "rate limits must not be negative", http.StatusBadRequest)
		return
	}

	raw, err := auth.GenerateToken()
	if err != nil {
		h.httpError(w, "Entropy failure", http.StatusInternalServerError)
		return
	}

	token := &store.AccessToken{
		ID:             uuid.New(),
		Name:           req.Name,
		RateLimit:      req.RateLimit,
		RateLimitBurst: req.RateLimitBurst,
	}
	if err := h.store.CreateAccessToken(ctx, token, auth.HashKey(raw)); err != nil {
		h.log(ctx).ErrorContext(ctx, "create access token failed", "error", err)
		h.httpError(w, "Failed to create access token", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusCreated, api.CreateAccessTokenResponse{
		ID:    token.ID.String(),
		Name:  token.Name,
		Token: raw,
	})
}
