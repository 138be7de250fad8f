package mq

import "time"

const (
	RoutingKeyDeliverySent          = "delivery.sent"
	RoutingKeyDeliveryStatusChanged = "delivery.status_changed"
	RoutingKeyVariantsGenerated     = "experiment.variants_generated"
)

// DeliverySentPayload is published once a message has been accepted by the
// provider.
type DeliverySentPayload struct {
	DeliveryID int64     `json:"delivery_id"`
	UserID     int64     `json:"user_id"`
	EmailID    int64     `json:"email_id"`
	ContactID  int64     `json:"contact_id"`
	VariantID  *int64    `json:"variant_id,omitempty"`
	MessageID  string    `json:"message_id"`
	SentAt     time.Time `json:"sent_at"`
	TraceID    string    `json:"trace_id,omitempty"`
}

// DeliveryStatusChangedPayload is published for every applied webhook event.
type DeliveryStatusChangedPayload struct {
	DeliveryID int64     `json:"delivery_id"`
	UserID     int64     `json:"user_id"`
	EmailID    int64     `json:"email_id"`
	VariantID  *int64    `json:"variant_id,omitempty"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Event      string    `json:"event"`
	OccurredAt time.Time `json:"occurred_at"`
	TraceID    string    `json:"trace_id,omitempty"`
}

// VariantsGeneratedPayload is published after experiment variants are stored.
type VariantsGeneratedPayload struct {
	UserID  int64    `json:"user_id"`
	EmailID int64    `json:"email_id"`
	Letters []string `json:"letters"`
	TraceID string   `json:"trace_id,omitempty"`
}
