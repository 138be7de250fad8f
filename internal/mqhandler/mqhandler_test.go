package mqhandler

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	mqcontracts "mailpulse/contracts/mq"
	"mailpulse/pkg/mq"
	"mailpulse/pkg/util"
)

type parked struct {
	routingKey string
	errType    string
}

type fakeDLQ struct {
	parked []parked
	err    error
}

func (f *fakeDLQ) PublishToDLQ(_ context.Context, routingKey string, _ []byte, _, errorType string) error {
	if f.err != nil {
		return f.err
	}
	f.parked = append(f.parked, parked{routingKey: routingKey, errType: errorType})
	return nil
}

type invalidation struct{ userID, emailID int64 }

type fakeCache struct{ calls []invalidation }

func (f *fakeCache) Invalidate(_ context.Context, userID, emailID int64) {
	f.calls = append(f.calls, invalidation{userID, emailID})
}

func newCounter(t *testing.T) *util.RetryCounter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return util.NewRetryCounter(rdb, time.Hour)
}

func message(t *testing.T, routingKey string, payload any) mq.Message {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return mq.Message{RoutingKey: routingKey, Body: body}
}

func TestInvalidationHandlerDecodesEachEvent(t *testing.T) {
	cache := &fakeCache{}
	h := NewAnalyticsInvalidationHandler(cache, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, message(t, mqcontracts.RoutingKeyDeliveryStatusChanged,
		mqcontracts.DeliveryStatusChangedPayload{UserID: 1, EmailID: 2, From: "sent", To: "opened"})))
	require.NoError(t, h.Handle(ctx, message(t, mqcontracts.RoutingKeyDeliverySent,
		mqcontracts.DeliverySentPayload{UserID: 3, EmailID: 4})))
	require.NoError(t, h.Handle(ctx, message(t, mqcontracts.RoutingKeyVariantsGenerated,
		mqcontracts.VariantsGeneratedPayload{UserID: 5, EmailID: 6, Letters: []string{"A"}})))

	assert.Equal(t, []invalidation{{1, 2}, {3, 4}, {5, 6}}, cache.calls)
}

func TestInvalidationHandlerSkipsOwnerlessEvents(t *testing.T) {
	cache := &fakeCache{}
	h := NewAnalyticsInvalidationHandler(cache, zap.NewNop())

	err := h.Handle(context.Background(), message(t, mqcontracts.RoutingKeyDeliverySent, map[string]any{}))

	require.NoError(t, err)
	assert.Empty(t, cache.calls)
}

func TestMalformedMessageGoesToDLQ(t *testing.T) {
	dlq := &fakeDLQ{}
	cache := &fakeCache{}
	policy := NewRetryPolicy(newCounter(t), dlq, 3, zap.NewNop())
	h := policy.Wrap("analytics", NewAnalyticsInvalidationHandler(cache, zap.NewNop()).Handle)

	err := h(context.Background(), mq.Message{
		RoutingKey: mqcontracts.RoutingKeyDeliveryStatusChanged,
		Body:       json.RawMessage(`{"user_id":`),
	})

	require.NoError(t, err)
	require.Len(t, dlq.parked, 1)
	assert.Equal(t, "json_decode_error", dlq.parked[0].errType)
	assert.Empty(t, cache.calls)
}

func TestRetryableErrorIsNackedUntilLimit(t *testing.T) {
	dlq := &fakeDLQ{}
	policy := NewRetryPolicy(newCounter(t), dlq, 2, zap.NewNop())
	attempts := 0
	h := policy.Wrap("flaky", func(context.Context, mq.Message) error {
		attempts++
		return context.DeadlineExceeded
	})
	msg := mq.Message{RoutingKey: "delivery.sent", Body: json.RawMessage(`{"user_id":1}`)}
	ctx := context.Background()

	assert.Error(t, h(ctx, msg))
	assert.Error(t, h(ctx, msg))
	assert.Empty(t, dlq.parked)

	assert.NoError(t, h(ctx, msg))
	require.Len(t, dlq.parked, 1)
	assert.Equal(t, "max_retries_exceeded", dlq.parked[0].errType)
	assert.Equal(t, 3, attempts)
}

func TestSuccessResetsRetryCount(t *testing.T) {
	dlq := &fakeDLQ{}
	counter := newCounter(t)
	policy := NewRetryPolicy(counter, dlq, 1, zap.NewNop())
	fail := true
	h := policy.Wrap("flaky", func(context.Context, mq.Message) error {
		if fail {
			return context.DeadlineExceeded
		}
		return nil
	})
	msg := mq.Message{RoutingKey: "delivery.sent", Body: json.RawMessage(`{}`)}
	ctx := context.Background()

	assert.Error(t, h(ctx, msg))
	fail = false
	assert.NoError(t, h(ctx, msg))

	n, err := counter.Get(ctx, util.FormatRetryKey("flaky", messageKey(msg)))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDLQFailureStillAcks(t *testing.T) {
	dlq := &fakeDLQ{err: errors.New("channel closed")}
	policy := NewRetryPolicy(newCounter(t), dlq, 3, zap.NewNop())
	h := policy.Wrap("analytics", func(context.Context, mq.Message) error {
		return errors.New("boom")
	})

	err := h(context.Background(), mq.Message{RoutingKey: "delivery.sent", Body: json.RawMessage(`{}`)})

	assert.NoError(t, err)
}
