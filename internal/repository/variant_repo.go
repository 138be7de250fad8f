package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	contracts "mailpulse/contracts/mq"
	"mailpulse/internal/model"
	"mailpulse/pkg/outbox"
	"mailpulse/pkg/trace"
)

type VariantRepository struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
}

func NewVariantRepository(db *pgxpool.Pool, outboxRepo *outbox.Repository) *VariantRepository {
	return &VariantRepository{db: db, outbox: outboxRepo}
}

// ListByEmail returns the variants of an email ordered by letter.
func (r *VariantRepository) ListByEmail(ctx context.Context, emailID int64) ([]model.ExperimentVariant, error) {
	rows, err := r.db.Query(ctx, `
        SELECT id, email_id, letter, subject, body_html, body_text, key_angle, created_at
        FROM experiment_variants
        WHERE email_id = $1
        ORDER BY letter ASC
    `, emailID)
	if err != nil {
		return nil, fmt.Errorf("failed to query variants: %w", err)
	}
	defer rows.Close()

	variants := []model.ExperimentVariant{}
	for rows.Next() {
		var v model.ExperimentVariant
		if err := rows.Scan(&v.ID, &v.EmailID, &v.Letter, &v.Subject, &v.BodyHTML, &v.BodyText, &v.KeyAngle, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan variant: %w", err)
		}
		variants = append(variants, v)
	}
	return variants, rows.Err()
}

// CreateBatch stores all variants in one transaction together with a
// variants_generated outbox event. Any existing letter gives ErrConflict and
// nothing is written.
func (r *VariantRepository) CreateBatch(ctx context.Context, userID int64, variants []model.ExperimentVariant) error {
	if len(variants) == 0 {
		return nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for i := range variants {
		v := &variants[i]
		batch.Queue(`
            INSERT INTO experiment_variants (email_id, letter, subject, body_html, body_text, key_angle)
            VALUES ($1, $2, $3, $4, $5, $6)
            RETURNING id, created_at
        `, v.EmailID, v.Letter, v.Subject, v.BodyHTML, v.BodyText, v.KeyAngle).QueryRow(func(row pgx.Row) error {
			return row.Scan(&v.ID, &v.CreatedAt)
		})
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert variants: %w", mapErr(err))
	}

	letters := make([]string, len(variants))
	for i, v := range variants {
		letters[i] = v.Letter
	}
	emailID := variants[0].EmailID
	payload := contracts.VariantsGeneratedPayload{
		UserID:  userID,
		EmailID: emailID,
		Letters: letters,
		TraceID: trace.FromContext(ctx),
	}
	if err := outbox.InsertEventInTx(ctx, tx, r.outbox, "email", &emailID, contracts.RoutingKeyVariantsGenerated, payload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit variants: %w", err)
	}
	return nil
}
