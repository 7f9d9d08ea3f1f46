// Package middleware contains HTTP middleware for the controller.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"transferplane/internal/auth"
	"transferplane/internal/store"
)

type tokenKey struct{}

// AuthMiddleware authenticates a peer by its bearer access token and stores it in the context.
func AuthMiddleware(s store.AccessTokenStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				http.Error(w, "Missing authorization header", http.StatusUnauthorized)
				return
			}

			raw, ok := auth.BearerToken(header)
			if !ok {
				http.Error(w, "Invalid authorization header", http.StatusUnauthorized)
				return
			}

			token, err := s.GetAccessTokenByHash(r.Context(), auth.HashKey(raw))
			if errors.Is(err, store.ErrNotFound) || (err == nil && token == nil) {
				http.Error(w, "Invalid access token", http.StatusUnauthorized)
				return
			}
			if err != nil {
				slog.ErrorContext(r.Context(), "token lookup failed", "error", err)
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(NewContextWithToken(r.Context(), token)))
		})
	}
}

// NewContextWithToken returns a context carrying the authenticated token.
func NewContextWithToken(ctx context.Context, token *store.AccessToken) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFromContext returns the authenticated token, if any.
func TokenFromContext(ctx context.Context) (*store.AccessToken, bool) {
	token, ok := ctx.Value(tokenKey{}).(*store.AccessToken)
	return token, ok && token != nil
}
