package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"mailpulse/internal/model"
)

type IntegrationRepository struct {
	db *pgxpool.Pool
}

func NewIntegrationRepository(db *pgxpool.Pool) *IntegrationRepository {
	return &IntegrationRepository{db: db}
}

// Get returns the user's connection for provider or ErrNotFound.
func (r *IntegrationRepository) Get(ctx context.Context, userID int64, provider string) (*model.IntegrationConnection, error) {
	var c model.IntegrationConnection
	err := r.db.QueryRow(ctx, `
        SELECT id, user_id, provider, access_token, location_id, is_active, expires_at, created_at, updated_at
        FROM integration_connections
        WHERE user_id = $1 AND provider = $2
    `, userID, provider).Scan(
		&c.ID, &c.UserID, &c.Provider, &c.AccessToken, &c.LocationID, &c.IsActive, &c.ExpiresAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err := mapErr(err); err != nil {
		return nil, fmt.Errorf("failed to get %s integration: %w", provider, err)
	}
	return &c, nil
}

// Upsert stores c as the user's (only) connection for its provider.
func (r *IntegrationRepository) Upsert(ctx context.Context, c *model.IntegrationConnection) error {
	err := r.db.QueryRow(ctx, `
        INSERT INTO integration_connections (user_id, provider, access_token, location_id, is_active, expires_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (user_id, provider) DO UPDATE
        SET access_token = EXCLUDED.access_token,
            location_id = EXCLUDED.location_id,
            is_active = EXCLUDED.is_active,
            expires_at = EXCLUDED.expires_at,
            updated_at = NOW()
        RETURNING id, created_at, updated_at
    `, c.UserID, c.Provider, c.AccessToken, c.LocationID, c.IsActive, c.ExpiresAt).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert %s integration: %w", c.Provider, err)
	}
	return nil
}

func (r *IntegrationRepository) Deactivate(ctx context.Context, userID int64, provider string) error {
	tag, err := r.db.Exec(ctx, `
        UPDATE integration_connections SET is_active = FALSE, updated_at = NOW()
        WHERE user_id = $1 AND provider = $2
    `, userID, provider)
	if err != nil {
		return fmt.Errorf("failed to deactivate %s integration: %w", provider, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveUserIDs returns users with an active, unexpired connection for provider.
func (r *IntegrationRepository) ListActiveUserIDs(ctx context.Context, provider string) ([]int64, error) {
	rows, err := r.db.Query(ctx, `
        SELECT user_id
        FROM integration_connections
        WHERE provider = $1 AND is_active AND access_token <> ''
          AND (expires_at IS NULL OR expires_at > NOW())
        ORDER BY user_id
    `, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s users: %w", provider, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
