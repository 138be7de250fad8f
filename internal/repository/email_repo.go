package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailpulse/internal/model"
)

type EmailRepository struct {
	db *pgxpool.Pool
}

func NewEmailRepository(db *pgxpool.Pool) *EmailRepository {
	return &EmailRepository{db: db}
}

const emailColumns = `id, user_id, type, name, subject, body_html, body_text, is_active,
	start_date, end_date, base_email_id, created_at, updated_at`

func scanEmail(row pgx.Row) (*model.Email, error) {
	var e model.Email
	err := row.Scan(
		&e.ID,
		&e.UserID,
		&e.Type,
		&e.Name,
		&e.Subject,
		&e.BodyHTML,
		&e.BodyText,
		&e.IsActive,
		&e.StartDate,
		&e.EndDate,
		&e.BaseEmailID,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *EmailRepository) queryEmails(ctx context.Context, query string, args ...any) ([]model.Email, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query emails: %w", err)
	}
	defer rows.Close()

	emails := []model.Email{}
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan email: %w", err)
		}
		emails = append(emails, *e)
	}
	return emails, rows.Err()
}

// Create inserts e and fills its generated fields.
func (r *EmailRepository) Create(ctx context.Context, e *model.Email) error {
	query := `
        INSERT INTO emails (user_id, type, name, subject, body_html, body_text, is_active,
                            start_date, end_date, base_email_id)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        RETURNING id, created_at, updated_at
    `
	err := r.db.QueryRow(ctx, query,
		e.UserID, e.Type, e.Name, e.Subject, e.BodyHTML, e.BodyText, e.IsActive,
		e.StartDate, e.EndDate, e.BaseEmailID,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create email: %w", mapErr(err))
	}
	return nil
}

// Update overwrites the editable fields of e. Type and owner never change.
func (r *EmailRepository) Update(ctx context.Context, e *model.Email) error {
	query := `
        UPDATE emails
        SET name = $3, subject = $4, body_html = $5, body_text = $6,
            start_date = $7, end_date = $8, updated_at = NOW()
        WHERE id = $1 AND user_id = $2
        RETURNING updated_at
    `
	err := r.db.QueryRow(ctx, query,
		e.ID, e.UserID, e.Name, e.Subject, e.BodyHTML, e.BodyText, e.StartDate, e.EndDate,
	).Scan(&e.UpdatedAt)
	if err := mapErr(err); err != nil {
		return fmt.Errorf("failed to update email %d: %w", e.ID, err)
	}
	return nil
}

// Deactivate flips is_active off. Emails are never deleted.
func (r *EmailRepository) Deactivate(ctx context.Context, userID, emailID int64) error {
	tag, err := r.db.Exec(ctx, `
        UPDATE emails SET is_active = FALSE, updated_at = NOW()
        WHERE id = $1 AND user_id = $2
    `, emailID, userID)
	if err != nil {
		return fmt.Errorf("failed to deactivate email %d: %w", emailID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID returns the email only if userID owns it.
func (r *EmailRepository) GetByID(ctx context.Context, userID, emailID int64) (*model.Email, error) {
	e, err := scanEmail(r.db.QueryRow(ctx, `
        SELECT `+emailColumns+`
        FROM emails
        WHERE id = $1 AND user_id = $2
    `, emailID, userID))
	if err := mapErr(err); err != nil {
		return nil, fmt.Errorf("failed to get email %d: %w", emailID, err)
	}
	return e, nil
}

// ListByUser returns the user's emails, optionally restricted to one type.
func (r *EmailRepository) ListByUser(ctx context.Context, userID int64, emailType model.EmailType) ([]model.Email, error) {
	return r.queryEmails(ctx, `
        SELECT `+emailColumns+`
        FROM emails
        WHERE user_id = $1 AND ($2 = '' OR type = $2)
        ORDER BY created_at DESC
    `, userID, string(emailType))
}

// ListActivePriority returns active priority emails. Window and content
// checks are left to the caller since they depend on "now".
func (r *EmailRepository) ListActivePriority(ctx context.Context, userID int64) ([]model.Email, error) {
	return r.queryEmails(ctx, `
        SELECT `+emailColumns+`
        FROM emails
        WHERE user_id = $1 AND type = 'priority' AND is_active
        ORDER BY id ASC
    `, userID)
}
