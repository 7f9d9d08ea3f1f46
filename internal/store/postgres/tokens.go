package postgres

import (
	"context"
	"time"

	"transferplane/internal/store"
)

func (s *Store) CreateAccessToken(ctx context.Context, token *store.AccessToken, hashedKey string) error {
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO access_tokens (id, name, token_hash, rate_limit, rate_limit_burst, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.db.ExecContext(ctx, query,
		token.ID,
		token.Name,
		hashedKey,
		token.RateLimit,
		token.RateLimitBurst,
		token.CreatedAt,
	)
	return err
}

func (s *Store) GetAccessTokenByHash(ctx context.Context, hash string) (*store.AccessToken, error) {
	query := "SELECT id, name, rate_limit, rate_limit_burst, created_at FROM access_tokens WHERE token_hash = $1"

	var t store.AccessToken

	err := s.db.QueryRowContext(ctx, query, hash).Scan(
		&t.ID,
		&t.Name,
		&t.RateLimit,
		&t.RateLimitBurst,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err)
	}

	return &t, nil
}
