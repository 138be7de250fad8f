package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextStatus(t *testing.T) {
	tests := []struct {
		current DeliveryStatus
		target  DeliveryStatus
		want    DeliveryStatus
		ok      bool
	}{
		{StatusQueued, StatusSent, StatusSent, true},
		{StatusSent, StatusDelivered, StatusDelivered, true},
		{StatusSent, StatusClicked, StatusClicked, true},
		{StatusDelivered, StatusOpened, StatusOpened, true},
		{StatusOpened, StatusOpened, StatusOpened, true},
		{StatusClicked, StatusDelivered, StatusClicked, false},
		{StatusOpened, StatusDelivered, StatusOpened, false},
		{StatusQueued, StatusBounced, StatusBounced, true},
		{StatusSent, StatusBounced, StatusBounced, true},
		{StatusDelivered, StatusBounced, StatusDelivered, false},
		{StatusSent, StatusFailed, StatusFailed, true},
		{StatusBounced, StatusDelivered, StatusBounced, false},
		{StatusFailed, StatusSent, StatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.current)+"->"+string(tt.target), func(t *testing.T) {
			got, ok := NextStatus(tt.current, tt.target)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestApplyRejectsRegression(t *testing.T) {
	clickedAt := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	d := &EmailDelivery{Status: StatusClicked, ClickedAt: &clickedAt}

	changed := d.Apply(DeliveryEvent{Kind: EventDelivered, At: clickedAt.Add(time.Minute)})

	assert.False(t, changed)
	assert.Equal(t, StatusClicked, d.Status)
	assert.Nil(t, d.DeliveredAt)
}

func TestApplyClickedRecordsURLOnce(t *testing.T) {
	at := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	d := &EmailDelivery{Status: StatusOpened}

	assert.True(t, d.Apply(DeliveryEvent{Kind: EventClicked, At: at, URL: "https://a.example"}))
	assert.False(t, d.Apply(DeliveryEvent{Kind: EventClicked, At: at.Add(time.Hour), URL: "https://b.example"}))

	assert.Equal(t, StatusClicked, d.Status)
	assert.Equal(t, "https://a.example", *d.ClickedURL)
	assert.Equal(t, at, *d.ClickedAt)
}

func TestApplyBouncedRecordsReason(t *testing.T) {
	at := time.Now()
	d := &EmailDelivery{Status: StatusSent}

	assert.True(t, d.Apply(DeliveryEvent{Kind: EventBounced, At: at, Reason: "mailbox full"}))

	assert.Equal(t, StatusBounced, d.Status)
	assert.Equal(t, "mailbox full", *d.ErrorMessage)
	assert.NotNil(t, d.BouncedAt)
	assert.True(t, d.Status.Terminal())
}

func TestApplyUnknownKind(t *testing.T) {
	d := &EmailDelivery{Status: StatusSent}
	assert.False(t, d.Apply(DeliveryEvent{Kind: "unsubscribed"}))
	assert.Equal(t, StatusSent, d.Status)
}

func TestApplyComplaintKeepsEngagementStatus(t *testing.T) {
	at := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	d := &EmailDelivery{Status: StatusSent}

	require.True(t, d.Apply(DeliveryEvent{Kind: EventDelivered, At: at}))
	require.True(t, d.Apply(DeliveryEvent{Kind: EventOpened, At: at.Add(time.Minute)}))
	require.True(t, d.Apply(DeliveryEvent{Kind: EventClicked, At: at.Add(2 * time.Minute)}))
	require.True(t, d.Apply(DeliveryEvent{Kind: EventComplained, At: at.Add(time.Hour)}))

	assert.Equal(t, StatusClicked, d.Status)
	require.NotNil(t, d.ComplainedAt)
	assert.Equal(t, at.Add(time.Hour), *d.ComplainedAt)
	assert.False(t, d.Status.Terminal())

	// 重复投诉不改写时间
	assert.False(t, d.Apply(DeliveryEvent{Kind: EventComplained, At: at.Add(2 * time.Hour)}))
	assert.Equal(t, at.Add(time.Hour), *d.ComplainedAt)

	// 投诉之后仍可记录后续事件
	assert.True(t, d.Apply(DeliveryEvent{Kind: EventClicked, At: at.Add(3 * time.Hour), URL: "https://a.example"}))
}

func TestApplyComplaintRequiresDelivery(t *testing.T) {
	for _, status := range []DeliveryStatus{StatusQueued, StatusSent, StatusBounced, StatusFailed} {
		t.Run(string(status), func(t *testing.T) {
			d := &EmailDelivery{Status: status}
			assert.False(t, d.Apply(DeliveryEvent{Kind: EventComplained, At: time.Now()}))
			assert.Nil(t, d.ComplainedAt)
			assert.Equal(t, status, d.Status)
		})
	}
}

func TestEventKindKnown(t *testing.T) {
	assert.True(t, EventComplained.Known())
	assert.True(t, EventOpened.Known())
	assert.False(t, EventKind("unsubscribed").Known())

	_, ok := EventComplained.Target()
	assert.False(t, ok)
}
