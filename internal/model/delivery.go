package model

import "time"

type DeliveryStatus string

const (
	StatusQueued    DeliveryStatus = "queued"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusOpened    DeliveryStatus = "opened"
	StatusClicked   DeliveryStatus = "clicked"
	StatusBounced   DeliveryStatus = "bounced"
	StatusFailed    DeliveryStatus = "failed"
)

// progressRank orders the forward-only part of the lifecycle.
var progressRank = map[DeliveryStatus]int{
	StatusQueued:    0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusOpened:    3,
	StatusClicked:   4,
}

// Rank returns the position of s in the forward progression and false for
// the terminal failure states.
func (s DeliveryStatus) Rank() (int, bool) {
	r, ok := progressRank[s]
	return r, ok
}

// Terminal states accept no further transitions.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusBounced || s == StatusFailed
}

func (s DeliveryStatus) Valid() bool {
	_, ok := progressRank[s]
	return ok || s.Terminal()
}

// NextStatus is the delivery state machine. It returns the status that results
// from moving current towards target and whether the move is allowed.
//
//	queued -> sent -> delivered -> opened -> clicked
//	queued|sent -> bounced|failed
//
// A progress event whose rank is lower than the current rank is a regression
// and is rejected; an equal rank is accepted and leaves the status unchanged.
func NextStatus(current, target DeliveryStatus) (DeliveryStatus, bool) {
	if current.Terminal() {
		return current, false
	}

	switch target {
	case StatusBounced, StatusFailed:
		if current == StatusQueued || current == StatusSent {
			return target, true
		}
		return current, false
	}

	from, ok := current.Rank()
	if !ok {
		return current, false
	}
	to, ok := target.Rank()
	if !ok || to < from {
		return current, false
	}
	return target, true
}

// EventKind is a provider-reported delivery event.
type EventKind string

const (
	EventDelivered  EventKind = "delivered"
	EventOpened     EventKind = "opened"
	EventClicked    EventKind = "clicked"
	EventBounced    EventKind = "bounced"
	EventComplained EventKind = "complained"
)

// Known reports whether k is an event the ingester understands.
func (k EventKind) Known() bool {
	_, ok := k.Target()
	return ok || k == EventComplained
}

// Target maps an event kind to the status it moves a delivery to. A
// complaint has no target status.
func (k EventKind) Target() (DeliveryStatus, bool) {
	switch k {
	case EventDelivered:
		return StatusDelivered, true
	case EventOpened:
		return StatusOpened, true
	case EventClicked:
		return StatusClicked, true
	case EventBounced:
		return StatusBounced, true
	}
	return "", false
}

type DeliveryEvent struct {
	Kind      EventKind
	MessageID string
	At        time.Time
	URL       string
	Reason    string
}

type EmailDelivery struct {
	ID           int64          `json:"id"`
	EmailID      int64          `json:"email_id"`
	ContactID    int64          `json:"contact_id"`
	VariantID    *int64         `json:"variant_id,omitempty"`
	Status       DeliveryStatus `json:"status"`
	MessageID    *string        `json:"message_id,omitempty"`
	SentAt       *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt  *time.Time     `json:"delivered_at,omitempty"`
	OpenedAt     *time.Time     `json:"opened_at,omitempty"`
	ClickedAt    *time.Time     `json:"clicked_at,omitempty"`
	BouncedAt    *time.Time     `json:"bounced_at,omitempty"`
	ComplainedAt *time.Time     `json:"complained_at,omitempty"`
	ClickedURL   *string        `json:"clicked_url,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Apply moves d according to ev. Timestamps, the clicked URL and the bounce
// reason are only ever set once; the first event wins. It reports whether
// anything on d changed.
func (d *EmailDelivery) Apply(ev DeliveryEvent) bool {
	if ev.Kind == EventComplained {
		return d.applyComplaint(ev.At)
	}

	target, ok := ev.Kind.Target()
	if !ok {
		return false
	}
	next, ok := NextStatus(d.Status, target)
	if !ok {
		return false
	}

	changed := next != d.Status
	d.Status = next

	at := ev.At
	setOnce := func(field **time.Time) {
		if *field == nil {
			*field = &at
			changed = true
		}
	}

	switch ev.Kind {
	case EventDelivered:
		setOnce(&d.DeliveredAt)
	case EventOpened:
		setOnce(&d.OpenedAt)
	case EventClicked:
		setOnce(&d.ClickedAt)
		if d.ClickedURL == nil && ev.URL != "" {
			url := ev.URL
			d.ClickedURL = &url
			changed = true
		}
	case EventBounced:
		setOnce(&d.BouncedAt)
		if d.ErrorMessage == nil && ev.Reason != "" {
			reason := ev.Reason
			d.ErrorMessage = &reason
			changed = true
		}
	}

	return changed
}

// applyComplaint flags a delivered message as reported. The status is kept so
// the delivery still counts as delivered, opened or clicked.
func (d *EmailDelivery) applyComplaint(at time.Time) bool {
	r, ok := d.Status.Rank()
	if !ok || r < progressRank[StatusDelivered] || d.ComplainedAt != nil {
		return false
	}
	d.ComplainedAt = &at
	return true
}
