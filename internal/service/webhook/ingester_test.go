package webhook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailpulse/internal/model"
	"mailpulse/internal/repository"
	"mailpulse/pkg/util"
)

type memStore struct {
	mu     sync.Mutex
	rows   map[string]*model.EmailDelivery
	swaps  int
	events []model.DeliveryEvent
	getErr error

	// beforeSwap runs once before the next CompareAndSet, simulating a
	// concurrent writer.
	beforeSwap func()
}

func newMemStore(rows ...model.EmailDelivery) *memStore {
	s := &memStore{rows: map[string]*model.EmailDelivery{}}
	for i := range rows {
		d := rows[i]
		s.rows[*d.MessageID] = &d
	}
	return s
}

func (s *memStore) GetByMessageID(_ context.Context, messageID string) (*model.EmailDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	d, ok := s.rows[messageID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *memStore) CompareAndSet(_ context.Context, expected model.DeliveryStatus, updated *model.EmailDelivery, ev model.DeliveryEvent) (bool, error) {
	if hook := s.beforeSwap; hook != nil {
		s.beforeSwap = nil
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.rows[*updated.MessageID]
	if d.Status != expected {
		return false, nil
	}
	cp := *updated
	s.rows[*updated.MessageID] = &cp
	s.swaps++
	s.events = append(s.events, ev)
	return true, nil
}

func (s *memStore) get(messageID string) model.EmailDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.rows[messageID]
}

func strp(s string) *string { return &s }

func sentDelivery(messageID string) model.EmailDelivery {
	return model.EmailDelivery{ID: 1, EmailID: 5, ContactID: 9, Status: model.StatusSent, MessageID: strp(messageID)}
}

var at = time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)

func TestHandleAppliesProgression(t *testing.T) {
	store := newMemStore(sentDelivery("m1"))
	ing := NewIngester(store, nil, zap.NewNop())

	out, err := ing.Handle(context.Background(), model.DeliveryEvent{Kind: model.EventDelivered, MessageID: "m1", At: at})
	require.NoError(t, err)
	assert.Equal(t, Outcome{Applied: true, From: model.StatusSent, To: model.StatusDelivered}, out)

	out, err = ing.Handle(context.Background(), model.DeliveryEvent{Kind: model.EventClicked, MessageID: "m1", At: at.Add(time.Minute), URL: "https://x.test"})
	require.NoError(t, err)
	assert.True(t, out.Applied)

	d := store.get("m1")
	assert.Equal(t, model.StatusClicked, d.Status)
	require.NotNil(t, d.DeliveredAt)
	assert.True(t, at.Equal(*d.DeliveredAt))
	require.NotNil(t, d.ClickedURL)
	assert.Equal(t, "https://x.test", *d.ClickedURL)
}

func TestHandleRejectsRegression(t *testing.T) {
	d := sentDelivery("m1")
	d.Status = model.StatusClicked
	store := newMemStore(d)
	ing := NewIngester(store, nil, zap.NewNop())

	out, err := ing.Handle(context.Background(), model.DeliveryEvent{Kind: model.EventDelivered, MessageID: "m1", At: at})

	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, ReasonNotApplicable, out.Reason)
	assert.Equal(t, model.StatusClicked, store.get("m1").Status)
	assert.Zero(t, store.swaps)
}

func TestHandleBounceRecordsReason(t *testing.T) {
	store := newMemStore(sentDelivery("m1"))
	ing := NewIngester(store, nil, zap.NewNop())

	out, err := ing.Handle(context.Background(), model.DeliveryEvent{Kind: model.EventBounced, MessageID: "m1", At: at, Reason: "no such user"})

	require.NoError(t, err)
	assert.True(t, out.Applied)
	d := store.get("m1")
	assert.Equal(t, model.StatusBounced, d.Status)
	require.NotNil(t, d.ErrorMessage)
	assert.Equal(t, "no such user", *d.ErrorMessage)
}

func TestHandleComplaintKeepsStatus(t *testing.T) {
	store := newMemStore(sentDelivery("m1"))
	ing := NewIngester(store, nil, zap.NewNop())

	out, err := ing.Handle(context.Background(), model.DeliveryEvent{Kind: model.EventComplained, MessageID: "m1", At: at})
	require.NoError(t, err)
	assert.False(t, out.Applied)
	assert.Equal(t, ReasonNotApplicable, out.Reason)
	assert.Nil(t, store.get("m1").ComplainedAt)

	_, err = ing.Handle(context.Background(), model.DeliveryEvent{Kind: model.EventOpened, MessageID: "m1", At: at})
	require.NoError(t, err)
	out, err = ing.Handle(context.Background(), model.DeliveryEvent{Kind: model.EventComplained, MessageID: "m1", At: at.Add(time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, Outcome{Applied: true, From: model.StatusOpened, To: model.StatusOpened}, out)

	d := store.get("m1")
	assert.Equal(t, model.StatusOpened, d.Status)
	require.NotNil(t, d.ComplainedAt)
	assert.True(t, at.Add(time.Hour).Equal(*d.ComplainedAt))
}

func TestHandleUnknownMessageLeavesRecordsUnchanged(t *testing.T) {
	store := newMemStore(sentDelivery("m1"))
	ing := NewIngester(store, nil, zap.NewNop())

	out, err := ing.Handle(context.Background(), model.DeliveryEvent{Kind: model.EventOpened, MessageID: "nope", At: at})

	require.NoError(t, err)
	assert.Equal(t, ReasonUnknownMessage, out.Reason)
	assert.Equal(t, sentDelivery("m1"), store.get("m1"))
	assert.Zero(t, store.swaps)
}

func TestHandleFillsMissingTimestamp(t *testing.T) {
	store := newMemStore(sentDelivery("m1"))
	ing := NewIngester(store, nil, zap.NewNop())
	ing.clock = func() time.Time { return at }

	_, err := ing.Handle(context.Background(), model.DeliveryEvent{Kind: model.EventDelivered, MessageID: "m1"})

	require.NoError(t, err)
	require.NotNil(t, store.get("m1").DeliveredAt)
	assert.True(t, at.Equal(*store.get("m1").DeliveredAt))
}

func TestHandleRetriesLostRace(t *testing.T) {
	store := newMemStore(sentDelivery("m1"))
	ing := NewIngester(store, nil, zap.NewNop())

	// a delivered event lands between our read and our write
	store.beforeSwap = func() {
		store.mu.Lock()
		defer store.mu.Unlock()
		d := store.rows["m1"]
		d.Status = model.StatusDelivered
		d.DeliveredAt = &at
	}

	out, err := ing.Handle(context.Background(), model.DeliveryEvent{Kind: model.EventOpened, MessageID: "m1", At: at.Add(time.Minute)})

	require.NoError(t, err)
	assert.Equal(t, Outcome{Applied: true, From: model.StatusDelivered, To: model.StatusOpened}, out)
	d := store.get("m1")
	assert.Equal(t, model.StatusOpened, d.Status)
	assert.NotNil(t, d.DeliveredAt, "concurrent update is kept")
	assert.NotNil(t, d.OpenedAt)
}

func TestHandleConcurrentEventsConverge(t *testing.T) {
	store := newMemStore(sentDelivery("m1"))
	ing := NewIngester(store, nil, zap.NewNop())

	kinds := []model.EventKind{model.EventDelivered, model.EventOpened, model.EventClicked}
	var wg sync.WaitGroup
	for _, k := range kinds {
		wg.Add(1)
		go func(k model.EventKind) {
			defer wg.Done()
			_, err := ing.Handle(context.Background(), model.DeliveryEvent{Kind: k, MessageID: "m1", At: at})
			assert.NoError(t, err)
		}(k)
	}
	wg.Wait()

	d := store.get("m1")
	assert.Equal(t, model.StatusClicked, d.Status)
	assert.NotNil(t, d.ClickedAt)
}

func TestHandleStorageErrorReleasesDedup(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := newMemStore(sentDelivery("m1"))
	store.getErr = errors.New("connection reset")
	ing := NewIngester(store, util.NewDeduper(rdb, time.Hour, zap.NewNop()), zap.NewNop())
	ev := model.DeliveryEvent{Kind: model.EventOpened, MessageID: "m1", At: at}

	_, err := ing.Handle(context.Background(), ev)
	require.Error(t, err)

	store.getErr = nil
	out, err := ing.Handle(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, out.Applied)
}

func TestHandleDropsProviderRetries(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := newMemStore(sentDelivery("m1"))
	ing := NewIngester(store, util.NewDeduper(rdb, time.Hour, zap.NewNop()), zap.NewNop())
	ev := model.DeliveryEvent{Kind: model.EventDelivered, MessageID: "m1", At: at}

	first, err := ing.Handle(context.Background(), ev)
	require.NoError(t, err)
	second, err := ing.Handle(context.Background(), ev)
	require.NoError(t, err)

	assert.True(t, first.Applied)
	assert.Equal(t, ReasonDuplicate, second.Reason)
	assert.Equal(t, 1, store.swaps)
}

func TestHandlePayloadNeverFailsOnGarbage(t *testing.T) {
	store := newMemStore(sentDelivery("m1"))
	ing := NewIngester(store, nil, zap.NewNop())

	cases := []struct {
		body   string
		reason string
	}{
		{`{{{`, ReasonMalformed},
		{`{"type":"unsubscribe","messageId":"m1"}`, ReasonUnknownKind},
		{`{"type":"opened"}`, ReasonNoMessageID},
	}
	for _, tc := range cases {
		out, err := ing.HandlePayload(context.Background(), []byte(tc.body))
		require.NoError(t, err, tc.body)
		assert.Equal(t, tc.reason, out.Reason, tc.body)
	}
	assert.Zero(t, store.swaps)

	out, err := ing.HandlePayload(context.Background(), []byte(`{"type":"delivered","messageId":"m1"}`))
	require.NoError(t, err)
	assert.True(t, out.Applied)
}
