package mqhandler

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	mqcontracts "mailpulse/contracts/mq"
	"mailpulse/pkg/logger"
	"mailpulse/pkg/mq"
)

type CacheInvalidator interface {
	Invalidate(ctx context.Context, userID, emailID int64)
}

// AnalyticsInvalidationHandler drops cached reports of an email whenever one
// of its deliveries changes.
type AnalyticsInvalidationHandler struct {
	cache  CacheInvalidator
	logger *zap.Logger
}

func NewAnalyticsInvalidationHandler(cache CacheInvalidator, logger *zap.Logger) *AnalyticsInvalidationHandler {
	return &AnalyticsInvalidationHandler{cache: cache, logger: logger}
}

// Handle accepts delivery.sent, delivery.status_changed and
// experiment.variants_generated messages.
func (h *AnalyticsInvalidationHandler) Handle(ctx context.Context, msg mq.Message) error {
	userID, emailID, err := decodeOwner(msg)
	if err != nil {
		return err
	}
	if userID == 0 || emailID == 0 {
		logger.WithTrace(ctx, h.logger).Warn("Event without owner, skipping",
			zap.String("routing_key", msg.RoutingKey),
		)
		return nil
	}

	h.cache.Invalidate(ctx, userID, emailID)

	logger.WithTrace(ctx, h.logger).Debug("Analytics cache invalidated",
		zap.String("routing_key", msg.RoutingKey),
		zap.Int64("user_id", userID),
		zap.Int64("email_id", emailID),
	)
	return nil
}

func decodeOwner(msg mq.Message) (userID, emailID int64, err error) {
	switch msg.RoutingKey {
	case mqcontracts.RoutingKeyDeliveryStatusChanged:
		var p mqcontracts.DeliveryStatusChangedPayload
		if err := json.Unmarshal(msg.Body, &p); err != nil {
			return 0, 0, fmt.Errorf("failed to decode status change: %w", err)
		}
		return p.UserID, p.EmailID, nil
	case mqcontracts.RoutingKeyDeliverySent:
		var p mqcontracts.DeliverySentPayload
		if err := json.Unmarshal(msg.Body, &p); err != nil {
			return 0, 0, fmt.Errorf("failed to decode delivery: %w", err)
		}
		return p.UserID, p.EmailID, nil
	case mqcontracts.RoutingKeyVariantsGenerated:
		var p mqcontracts.VariantsGeneratedPayload
		if err := json.Unmarshal(msg.Body, &p); err != nil {
			return 0, 0, fmt.Errorf("failed to decode variants event: %w", err)
		}
		return p.UserID, p.EmailID, nil
	}
	return 0, 0, fmt.Errorf("unexpected routing key %q", msg.RoutingKey)
}
