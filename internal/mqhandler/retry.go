// Package mqhandler holds the consumers of the events the outbox publishes.
package mqhandler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"go.uber.org/zap"

	"mailpulse/pkg/logger"
	"mailpulse/pkg/metrics"
	"mailpulse/pkg/mq"
	"mailpulse/pkg/util"
)

type RetryCounter interface {
	IncrementAndGet(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

type DLQPublisher interface {
	PublishToDLQ(ctx context.Context, routingKey string, payload []byte, originalError, errorType string) error
}

// RetryPolicy decides what happens to a message whose handler failed:
// retryable errors are nacked until maxRetries is exceeded, everything else
// goes to the dead letter queue and is acked.
type RetryPolicy struct {
	counter    RetryCounter
	dlq        DLQPublisher
	maxRetries int64
	logger     *zap.Logger
}

func NewRetryPolicy(counter RetryCounter, dlq DLQPublisher, maxRetries int, logger *zap.Logger) *RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &RetryPolicy{
		counter:    counter,
		dlq:        dlq,
		maxRetries: int64(maxRetries),
		logger:     logger,
	}
}

// Wrap applies the policy to next. name scopes the retry counters.
func (p *RetryPolicy) Wrap(name string, next mq.MessageHandler) mq.MessageHandler {
	return func(ctx context.Context, msg mq.Message) error {
		key := util.FormatRetryKey(name, messageKey(msg))
		log := logger.WithTrace(ctx, p.logger).With(
			zap.String("handler", name),
			zap.String("routing_key", msg.RoutingKey),
		)

		err := next(ctx, msg)
		if err == nil {
			if rerr := p.counter.Reset(ctx, key); rerr != nil {
				log.Debug("Failed to reset retry counter", zap.Error(rerr))
			}
			metrics.IncrementMQHandlerResult(msg.RoutingKey, "ok")
			return nil
		}

		retryable, errType := util.IsRetryableError(err)
		if retryable {
			count, cerr := p.counter.IncrementAndGet(ctx, key)
			if cerr != nil {
				// 计数失败时交给 MQ 重试
				log.Warn("Retry counter unavailable", zap.Error(cerr))
				metrics.IncrementMQHandlerResult(msg.RoutingKey, "retry")
				return err
			}
			if util.ShouldRetry(count, p.maxRetries, true) {
				log.Warn("Handler failed, will retry",
					zap.Int64("attempt", count),
					zap.String("error_type", errType),
					zap.Error(err),
				)
				metrics.IncrementMQHandlerResult(msg.RoutingKey, "retry")
				return err
			}
			errType = "max_retries_exceeded"
		}

		return p.deadLetter(ctx, log, key, msg, err, errType)
	}
}

func (p *RetryPolicy) deadLetter(ctx context.Context, log *zap.Logger, key string, msg mq.Message, cause error, errType string) error {
	if err := p.dlq.PublishToDLQ(ctx, msg.RoutingKey, msg.Body, cause.Error(), errType); err != nil {
		log.Error("Failed to publish to DLQ, dropping message",
			zap.String("error_type", errType),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
		metrics.IncrementMQHandlerResult(msg.RoutingKey, "dropped")
	} else {
		log.Error("Message sent to DLQ",
			zap.String("error_type", errType),
			zap.Error(cause),
		)
		metrics.IncrementMQHandlerResult(msg.RoutingKey, "dlq")
	}
	_ = p.counter.Reset(ctx, key)
	return nil
}

// messageKey identifies a message body across redeliveries.
func messageKey(msg mq.Message) string {
	sum := sha256.Sum256(msg.Body)
	return hex.EncodeToString(sum[:8])
}
