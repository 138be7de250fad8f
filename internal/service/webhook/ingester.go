package webhook

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"mailpulse/internal/model"
	"mailpulse/internal/repository"
	"mailpulse/pkg/logger"
	"mailpulse/pkg/metrics"
)

type DeliveryStore interface {
	GetByMessageID(ctx context.Context, messageID string) (*model.EmailDelivery, error)
	CompareAndSet(ctx context.Context, expected model.DeliveryStatus, updated *model.EmailDelivery, ev model.DeliveryEvent) (bool, error)
}

type Deduper interface {
	AcquireOnce(ctx context.Context, scope, key string) bool
	Forget(ctx context.Context, scope, key string)
}

const dedupScope = "webhook"

// Ignore reasons reported in Outcome.
const (
	ReasonMalformed       = "malformed_payload"
	ReasonUnknownKind     = "unknown_kind"
	ReasonNoMessageID     = "missing_message_id"
	ReasonUnknownMessage  = "unknown_message_id"
	ReasonDuplicate       = "duplicate"
	ReasonNotApplicable   = "transition_rejected"
	ReasonContentionLimit = "contention"
)

// Outcome says whether an event changed a delivery and, if not, why.
type Outcome struct {
	Applied bool                 `json:"applied"`
	Reason  string               `json:"reason,omitempty"`
	From    model.DeliveryStatus `json:"from,omitempty"`
	To      model.DeliveryStatus `json:"to,omitempty"`
}

func ignored(reason string) Outcome { return Outcome{Reason: reason} }

type Ingester struct {
	store       DeliveryStore
	dedup       Deduper
	logger      *zap.Logger
	maxAttempts int
	clock       func() time.Time
}

// NewIngester builds an ingester. dedup may be nil.
func NewIngester(store DeliveryStore, dedup Deduper, logger *zap.Logger) *Ingester {
	return &Ingester{
		store:       store,
		dedup:       dedup,
		logger:      logger,
		maxAttempts: 5,
		clock:       time.Now,
	}
}

// HandlePayload parses body and applies the event it carries. Payloads it
// cannot understand are ignored, never returned as errors.
func (i *Ingester) HandlePayload(ctx context.Context, body []byte) (Outcome, error) {
	ev, rawKind, err := ParseEvent(body)
	if err != nil {
		reason := ReasonMalformed
		switch {
		case errors.Is(err, ErrUnknownKind):
			reason = ReasonUnknownKind
		case errors.Is(err, ErrMissingMessageID):
			reason = ReasonNoMessageID
		}
		logger.WithTrace(ctx, i.logger).Info("Ignoring webhook event",
			zap.String("reason", reason),
			zap.String("kind", rawKind),
			zap.Int("size", len(body)),
		)
		metrics.IncrementWebhookEvent(kindLabel(ev.Kind), reason)
		return ignored(reason), nil
	}
	return i.Handle(ctx, ev)
}

// Handle applies ev to the delivery it refers to. The update is a
// compare-and-set on the delivery status: when a concurrent event wins the
// race the record is reloaded and the state machine re-evaluated, up to
// maxAttempts times. An error is returned only for storage failures; the
// dedup mark is released in that case so a provider retry gets through.
func (i *Ingester) Handle(ctx context.Context, ev model.DeliveryEvent) (Outcome, error) {
	log := logger.WithTrace(ctx, i.logger).With(
		zap.String("message_id", ev.MessageID),
		zap.String("kind", string(ev.Kind)),
	)

	if !ev.Kind.Known() {
		metrics.IncrementWebhookEvent(kindLabel(ev.Kind), ReasonUnknownKind)
		return ignored(ReasonUnknownKind), nil
	}
	if ev.MessageID == "" {
		metrics.IncrementWebhookEvent(string(ev.Kind), ReasonNoMessageID)
		return ignored(ReasonNoMessageID), nil
	}

	// 只有带时间戳的事件才能可靠地识别为重投
	dedupKey := ""
	if !ev.At.IsZero() && i.dedup != nil {
		dedupKey = string(ev.Kind) + ":" + ev.MessageID + ":" + strconv.FormatInt(ev.At.UnixMilli(), 10)
		if !i.dedup.AcquireOnce(ctx, dedupScope, dedupKey) {
			metrics.IncrementWebhookEvent(string(ev.Kind), ReasonDuplicate)
			return ignored(ReasonDuplicate), nil
		}
	}
	if ev.At.IsZero() {
		ev.At = i.clock().UTC()
	}

	out, err := i.apply(ctx, ev)
	if err != nil {
		if dedupKey != "" {
			i.dedup.Forget(ctx, dedupScope, dedupKey)
		}
		metrics.IncrementWebhookEvent(string(ev.Kind), "error")
		return out, err
	}

	result := "applied"
	if !out.Applied {
		result = out.Reason
		log.Info("Webhook event not applied", zap.String("reason", out.Reason))
	} else {
		metrics.IncrementTransition(string(out.From), string(out.To))
		log.Debug("Webhook event applied",
			zap.String("from", string(out.From)),
			zap.String("to", string(out.To)),
		)
	}
	metrics.IncrementWebhookEvent(string(ev.Kind), result)
	return out, nil
}

func (i *Ingester) apply(ctx context.Context, ev model.DeliveryEvent) (Outcome, error) {
	for attempt := 1; attempt <= i.maxAttempts; attempt++ {
		current, err := i.store.GetByMessageID(ctx, ev.MessageID)
		if errors.Is(err, repository.ErrNotFound) {
			return ignored(ReasonUnknownMessage), nil
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to load delivery: %w", err)
		}

		next := *current
		if !next.Apply(ev) {
			return Outcome{Reason: ReasonNotApplicable, From: current.Status, To: current.Status}, nil
		}

		swapped, err := i.store.CompareAndSet(ctx, current.Status, &next, ev)
		if err != nil {
			return Outcome{}, fmt.Errorf("failed to update delivery %d: %w", current.ID, err)
		}
		if swapped {
			return Outcome{Applied: true, From: current.Status, To: next.Status}, nil
		}
	}
	return ignored(ReasonContentionLimit), fmt.Errorf("delivery for message %s still contended after %d attempts", ev.MessageID, i.maxAttempts)
}

func kindLabel(k model.EventKind) string {
	if k.Known() {
		return string(k)
	}
	return "unknown"
}
