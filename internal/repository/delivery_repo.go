package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	contracts "mailpulse/contracts/mq"
	"mailpulse/internal/model"
	"mailpulse/pkg/otel"
	"mailpulse/pkg/outbox"
	"mailpulse/pkg/trace"
)

type DeliveryRepository struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
}

func NewDeliveryRepository(db *pgxpool.Pool, outboxRepo *outbox.Repository) *DeliveryRepository {
	return &DeliveryRepository{db: db, outbox: outboxRepo}
}

const deliveryColumns = `d.id, d.email_id, d.contact_id, d.variant_id, d.status, d.message_id,
	d.sent_at, d.delivered_at, d.opened_at, d.clicked_at, d.bounced_at, d.complained_at,
	d.clicked_url, d.error_message, d.created_at, d.updated_at`

func scanDelivery(row pgx.Row) (*model.EmailDelivery, error) {
	var d model.EmailDelivery
	err := row.Scan(
		&d.ID,
		&d.EmailID,
		&d.ContactID,
		&d.VariantID,
		&d.Status,
		&d.MessageID,
		&d.SentAt,
		&d.DeliveredAt,
		&d.OpenedAt,
		&d.ClickedAt,
		&d.BouncedAt,
		&d.ComplainedAt,
		&d.ClickedURL,
		&d.ErrorMessage,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ClaimDelivery atomically reserves the (email, contact) pair for sending.
//
// A new pair gets a fresh queued row. An existing non-failed row is only
// handed out again when it is still queued and has not been touched since
// staleBefore, which recovers sends abandoned by a crashed run. In every other
// case ok is false and nothing is written.
func (r *DeliveryRepository) ClaimDelivery(ctx context.Context, emailID, contactID int64, variantID *int64, staleBefore time.Time) (d *model.EmailDelivery, ok bool, err error) {
	err = otel.WithDBSpan(ctx, "claim", "email_deliveries", func(ctx context.Context) error {
		var scanErr error
		d, scanErr = scanDelivery(r.db.QueryRow(ctx, `
            INSERT INTO email_deliveries AS d (email_id, contact_id, variant_id, status)
            VALUES ($1, $2, $3, 'queued')
            ON CONFLICT (email_id, contact_id) WHERE status <> 'failed'
            DO UPDATE SET updated_at = NOW()
            WHERE d.status = 'queued' AND d.updated_at < $4
            RETURNING `+deliveryColumns,
			emailID, contactID, variantID, staleBefore))
		return scanErr
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim delivery for email %d contact %d: %w", emailID, contactID, err)
	}
	return d, true, nil
}

// MarkSent moves a queued delivery to sent and records a delivery.sent outbox
// event in the same transaction.
func (r *DeliveryRepository) MarkSent(ctx context.Context, userID int64, d *model.EmailDelivery, messageID string, sentAt time.Time) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
        UPDATE email_deliveries
        SET status = 'sent', message_id = $2, sent_at = $3, error_message = NULL, updated_at = NOW()
        WHERE id = $1 AND status = 'queued'
        RETURNING updated_at
    `, d.ID, messageID, sentAt).Scan(&d.UpdatedAt)
	if err := mapErr(err); err != nil {
		return fmt.Errorf("failed to mark delivery %d sent: %w", d.ID, err)
	}

	payload := contracts.DeliverySentPayload{
		DeliveryID: d.ID,
		UserID:     userID,
		EmailID:    d.EmailID,
		ContactID:  d.ContactID,
		VariantID:  d.VariantID,
		MessageID:  messageID,
		SentAt:     sentAt,
		TraceID:    trace.FromContext(ctx),
	}
	if err := outbox.InsertEventInTx(ctx, tx, r.outbox, "email_delivery", &d.ID, contracts.RoutingKeyDeliverySent, payload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit delivery %d: %w", d.ID, err)
	}

	d.Status = model.StatusSent
	d.MessageID = &messageID
	d.SentAt = &sentAt
	d.ErrorMessage = nil
	return nil
}

// MarkFailed moves a queued delivery to failed. A failed row no longer blocks
// a later claim for the same pair.
func (r *DeliveryRepository) MarkFailed(ctx context.Context, d *model.EmailDelivery, reason string) error {
	err := r.db.QueryRow(ctx, `
        UPDATE email_deliveries
        SET status = 'failed', error_message = $2, updated_at = NOW()
        WHERE id = $1 AND status = 'queued'
        RETURNING updated_at
    `, d.ID, reason).Scan(&d.UpdatedAt)
	if err := mapErr(err); err != nil {
		return fmt.Errorf("failed to mark delivery %d failed: %w", d.ID, err)
	}
	d.Status = model.StatusFailed
	d.ErrorMessage = &reason
	return nil
}

// GetByMessageID looks a delivery up by provider message id.
func (r *DeliveryRepository) GetByMessageID(ctx context.Context, messageID string) (*model.EmailDelivery, error) {
	d, err := scanDelivery(r.db.QueryRow(ctx, `
        SELECT `+deliveryColumns+`
        FROM email_deliveries d
        WHERE d.message_id = $1
    `, messageID))
	if err := mapErr(err); err != nil {
		return nil, fmt.Errorf("failed to get delivery by message id: %w", err)
	}
	return d, nil
}

// CompareAndSet writes the lifecycle fields of updated only if the stored
// status still equals expected. It reports false when another writer got
// there first. A successful write also records a delivery.status_changed
// outbox event in the same transaction.
func (r *DeliveryRepository) CompareAndSet(ctx context.Context, expected model.DeliveryStatus, updated *model.EmailDelivery, ev model.DeliveryEvent) (bool, error) {
	var swapped bool
	err := otel.WithDBSpan(ctx, "compare_and_set", "email_deliveries", func(ctx context.Context) error {
		tx, err := r.db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback(ctx)

		var userID int64
		err = tx.QueryRow(ctx, `
            UPDATE email_deliveries d
            SET status = $3,
                delivered_at = $4,
                opened_at = $5,
                clicked_at = $6,
                bounced_at = $7,
                complained_at = $8,
                clicked_url = $9,
                error_message = $10,
                updated_at = NOW()
            WHERE d.id = $1 AND d.status = $2
            RETURNING (SELECT e.user_id FROM emails e WHERE e.id = d.email_id), d.updated_at
        `,
			updated.ID, expected, updated.Status,
			updated.DeliveredAt, updated.OpenedAt, updated.ClickedAt, updated.BouncedAt, updated.ComplainedAt,
			updated.ClickedURL, updated.ErrorMessage,
		).Scan(&userID, &updated.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to update delivery %d: %w", updated.ID, err)
		}

		payload := contracts.DeliveryStatusChangedPayload{
			DeliveryID: updated.ID,
			UserID:     userID,
			EmailID:    updated.EmailID,
			VariantID:  updated.VariantID,
			From:       string(expected),
			To:         string(updated.Status),
			Event:      string(ev.Kind),
			OccurredAt: ev.At,
			TraceID:    trace.FromContext(ctx),
		}
		if err := outbox.InsertEventInTx(ctx, tx, r.outbox, "email_delivery", &updated.ID, contracts.RoutingKeyDeliveryStatusChanged, payload); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit delivery %d: %w", updated.ID, err)
		}
		swapped = true
		return nil
	})
	return swapped, err
}

// ListByEmail returns deliveries of an email owned by userID.
func (r *DeliveryRepository) ListByEmail(ctx context.Context, userID, emailID int64) ([]model.EmailDelivery, error) {
	return r.queryDeliveries(ctx, `
        SELECT `+deliveryColumns+`
        FROM email_deliveries d
        JOIN emails e ON e.id = d.email_id
        WHERE e.user_id = $1 AND d.email_id = $2
        ORDER BY d.id ASC
    `, userID, emailID)
}

// ListByUser returns every delivery of userID's emails created at or after since.
func (r *DeliveryRepository) ListByUser(ctx context.Context, userID int64, since time.Time) ([]model.EmailDelivery, error) {
	return r.queryDeliveries(ctx, `
        SELECT `+deliveryColumns+`
        FROM email_deliveries d
        JOIN emails e ON e.id = d.email_id
        WHERE e.user_id = $1 AND d.created_at >= $2
        ORDER BY d.id ASC
    `, userID, since)
}

func (r *DeliveryRepository) queryDeliveries(ctx context.Context, query string, args ...any) ([]model.EmailDelivery, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query deliveries: %w", err)
	}
	defer rows.Close()

	deliveries := []model.EmailDelivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery: %w", err)
		}
		deliveries = append(deliveries, *d)
	}
	return deliveries, rows.Err()
}
