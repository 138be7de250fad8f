package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailpulse/internal/model"
)

type ContactRepository struct {
	db *pgxpool.Pool
}

func NewContactRepository(db *pgxpool.Pool) *ContactRepository {
	return &ContactRepository{db: db}
}

const contactColumns = `id, user_id, external_id, email, first_name, last_name, tags, custom_fields,
	created_at, updated_at`

func scanContact(row pgx.Row) (*model.Contact, error) {
	var c model.Contact
	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.ExternalID,
		&c.Email,
		&c.FirstName,
		&c.LastName,
		&c.Tags,
		&c.CustomFields,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListByTag returns the user's contacts carrying tag. An empty tag lists all.
func (r *ContactRepository) ListByTag(ctx context.Context, userID int64, tag string) ([]model.Contact, error) {
	query, args := listByTagQuery(userID, tag)
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query contacts: %w", err)
	}
	defer rows.Close()

	contacts := []model.Contact{}
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		contacts = append(contacts, *c)
	}
	return contacts, rows.Err()
}

// listByTagQuery uses array containment so the lookup goes through the GIN
// index on tags.
func listByTagQuery(userID int64, tag string) (string, []any) {
	if tag == "" {
		return `
        SELECT ` + contactColumns + `
        FROM contacts
        WHERE user_id = $1
        ORDER BY id ASC
    `, []any{userID}
	}
	return `
        SELECT ` + contactColumns + `
        FROM contacts
        WHERE user_id = $1 AND tags @> ARRAY[$2]::text[]
        ORDER BY id ASC
    `, []any{userID, tag}
}

// Upsert inserts c or, when (user_id, external_id) exists, replaces its
// profile, tags and custom fields.
func (r *ContactRepository) Upsert(ctx context.Context, c *model.Contact) error {
	if c.Tags == nil {
		c.Tags = []string{}
	}
	if c.CustomFields == nil {
		c.CustomFields = map[string]string{}
	}

	query := `
        INSERT INTO contacts (user_id, external_id, email, first_name, last_name, tags, custom_fields)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (user_id, external_id) DO UPDATE
        SET email = EXCLUDED.email,
            first_name = EXCLUDED.first_name,
            last_name = EXCLUDED.last_name,
            tags = EXCLUDED.tags,
            custom_fields = EXCLUDED.custom_fields,
            updated_at = NOW()
        RETURNING id, created_at, updated_at
    `
	err := r.db.QueryRow(ctx, query,
		c.UserID, c.ExternalID, c.Email, c.FirstName, c.LastName, c.Tags, c.CustomFields,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert contact: %w", mapErr(err))
	}
	return nil
}
