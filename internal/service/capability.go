// Package service holds what the individual services share.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mailpulse/internal/auth"
	"mailpulse/internal/model"
	"mailpulse/internal/repository"
)

// ErrIntegrationUnavailable is returned before any side effect when the
// caller has no usable connection for the provider an operation needs.
var ErrIntegrationUnavailable = errors.New("integration unavailable")

type IntegrationLookup interface {
	Get(ctx context.Context, userID int64, provider string) (*model.IntegrationConnection, error)
}

// RequireIntegration returns p's connection for provider if it is usable at now.
func RequireIntegration(ctx context.Context, store IntegrationLookup, p auth.Principal, provider string, now time.Time) (*model.IntegrationConnection, error) {
	conn, err := store.Get(ctx, p.UserID, provider)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: no %s connection", ErrIntegrationUnavailable, provider)
	}
	if err != nil {
		return nil, err
	}
	if !conn.Usable(now) {
		return nil, fmt.Errorf("%w: %s connection inactive or expired", ErrIntegrationUnavailable, provider)
	}
	return conn, nil
}
