package util

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailpulse/pkg/circuitbreaker"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestDeduperAcquireOnce(t *testing.T) {
	mr, rdb := newRedis(t)
	d := NewDeduper(rdb, time.Minute, zap.NewNop())
	ctx := context.Background()

	assert.True(t, d.AcquireOnce(ctx, "webhook", "msg-1:opened"))
	assert.False(t, d.AcquireOnce(ctx, "webhook", "msg-1:opened"))
	assert.True(t, d.AcquireOnce(ctx, "webhook", "msg-1:clicked"))

	mr.FastForward(2 * time.Minute)
	assert.True(t, d.AcquireOnce(ctx, "webhook", "msg-1:opened"))
}

func TestDeduperForget(t *testing.T) {
	_, rdb := newRedis(t)
	d := NewDeduper(rdb, time.Minute, nil)
	ctx := context.Background()

	require.True(t, d.AcquireOnce(ctx, "s", "k"))
	d.Forget(ctx, "s", "k")
	assert.True(t, d.AcquireOnce(ctx, "s", "k"))
}

func TestDeduperFailsOpen(t *testing.T) {
	mr, rdb := newRedis(t)
	d := NewDeduper(rdb, time.Minute, zap.NewNop())
	mr.Close()

	assert.True(t, d.AcquireOnce(context.Background(), "s", "k"))
}

func TestRetryCounter(t *testing.T) {
	mr, rdb := newRedis(t)
	rc := NewRetryCounter(rdb, time.Hour)
	ctx := context.Background()
	key := FormatRetryKey("delivery_status", "42")

	assert.Equal(t, "retry:delivery_status:42", key)

	n, err := rc.IncrementAndGet(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = rc.IncrementAndGet(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Greater(t, mr.TTL(key), time.Duration(0))

	require.NoError(t, rc.Reset(ctx, key))
	n, err = rc.Get(ctx, key)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type upstreamErr struct{ retry bool }

func (e upstreamErr) Error() string   { return "upstream" }
func (e upstreamErr) Retryable() bool { return e.retry }

func TestIsRetryableError(t *testing.T) {
	var syntaxErr error
	{
		var v map[string]any
		syntaxErr = json.Unmarshal([]byte("{"), &v)
	}

	cases := []struct {
		name      string
		err       error
		retryable bool
		kind      string
	}{
		{"nil", nil, false, ""},
		{"json", fmt.Errorf("decode: %w", syntaxErr), false, "json_decode_error"},
		{"no rows", fmt.Errorf("load: %w", pgx.ErrNoRows), false, "not_found"},
		{"unique", &pgconn.PgError{Code: "23505"}, false, "duplicate_key"},
		{"pg connection", &pgconn.PgError{Code: "08006"}, true, "db_connection_error"},
		{"breaker", circuitbreaker.ErrCircuitBreakerOpen, true, "circuit_open"},
		{"upstream 503", fmt.Errorf("send: %w", upstreamErr{retry: true}), true, "upstream_unavailable"},
		{"upstream 400", upstreamErr{retry: false}, false, "upstream_rejected"},
		{"deadline", context.DeadlineExceeded, true, "timeout"},
		{"canceled", context.Canceled, false, "context_canceled"},
		{"other", errors.New("boom"), false, "unknown_error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			retryable, kind := IsRetryableError(tc.err)
			assert.Equal(t, tc.retryable, retryable)
			assert.Equal(t, tc.kind, kind)
		})
	}
}

func TestShouldRetry(t *testing.T) {
	assert.True(t, ShouldRetry(1, 3, true))
	assert.True(t, ShouldRetry(3, 3, true))
	assert.False(t, ShouldRetry(4, 3, true))
	assert.False(t, ShouldRetry(1, 3, false))
}
