package util

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/url"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"mailpulse/pkg/circuitbreaker"
)

// RetryableError is implemented by errors that know whether a retry can help,
// e.g. HTTP errors from provider clients.
type RetryableError interface {
	error
	Retryable() bool
}

// IsRetryableError classifies err. It returns whether retrying may succeed
// and a short label suitable for logs and metrics.
func IsRetryableError(err error) (bool, string) {
	if err == nil {
		return false, ""
	}

	// JSON decode errors: the payload will not get better
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return false, "json_decode_error"
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return false, "not_found"
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return false, "duplicate_key"
		case len(pgErr.Code) == 5 && pgErr.Code[:2] == "08":
			return true, "db_connection_error"
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return true, "db_serialization_error"
		}
		return false, "db_error"
	}

	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		return true, "circuit_open"
	}

	var retryable RetryableError
	if errors.As(err, &retryable) {
		if retryable.Retryable() {
			return true, "upstream_unavailable"
		}
		return false, "upstream_rejected"
	}

	if errors.Is(err, context.Canceled) {
		return false, "context_canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true, "timeout"
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true, "network_timeout"
		}
		return true, "network_error"
	}

	return false, "unknown_error"
}

// ShouldRetry checks if an error should be retried based on retry count
func ShouldRetry(retryCount int64, maxRetries int64, isRetryable bool) bool {
	if !isRetryable {
		return false
	}
	return retryCount <= maxRetries
}
