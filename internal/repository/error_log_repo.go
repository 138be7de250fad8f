package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type ErrorLog struct {
	ID        int64          `json:"id"`
	Message   string         `json:"message"`
	Stack     string         `json:"stack"`
	Context   map[string]any `json:"context"`
	CreatedAt time.Time      `json:"created_at"`
}

type ErrorLogRepository struct {
	db *pgxpool.Pool
}

func NewErrorLogRepository(db *pgxpool.Pool) *ErrorLogRepository {
	return &ErrorLogRepository{db: db}
}

func (r *ErrorLogRepository) Insert(ctx context.Context, l *ErrorLog) error {
	if l.Context == nil {
		l.Context = map[string]any{}
	}
	err := r.db.QueryRow(ctx, `
        INSERT INTO error_logs (message, stack, context)
        VALUES ($1, $2, $3)
        RETURNING id, created_at
    `, l.Message, l.Stack, l.Context).Scan(&l.ID, &l.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert error log: %w", err)
	}
	return nil
}

// ListRecent returns the newest error logs first.
func (r *ErrorLogRepository) ListRecent(ctx context.Context, limit int) ([]ErrorLog, error) {
	rows, err := r.db.Query(ctx, `
        SELECT id, message, stack, context, created_at
        FROM error_logs
        ORDER BY created_at DESC
        LIMIT $1
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query error logs: %w", err)
	}
	defer rows.Close()

	logs := []ErrorLog{}
	for rows.Next() {
		var l ErrorLog
		if err := rows.Scan(&l.ID, &l.Message, &l.Stack, &l.Context, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan error log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
