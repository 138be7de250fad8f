package handler

import (
	"context"
	"crypto/subtle"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailpulse/internal/service/webhook"
	"mailpulse/pkg/logger"
)

const (
	webhookSecretHeader = "X-Webhook-Secret"
	maxWebhookBody      = 1 << 20
)

type WebhookIngester interface {
	HandlePayload(ctx context.Context, body []byte) (webhook.Outcome, error)
}

type ErrorRecorder interface {
	Record(ctx context.Context, err error, fields map[string]any)
}

type WebhookHandler struct {
	ingester WebhookIngester
	recorder ErrorRecorder
	secret   string
	logger   *zap.Logger
}

// NewWebhookHandler builds the provider callback handler. An empty secret
// accepts every caller.
func NewWebhookHandler(ingester WebhookIngester, recorder ErrorRecorder, secret string, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		ingester: ingester,
		recorder: recorder,
		secret:   secret,
		logger:   logger,
	}
}

// Receive handles POST /webhooks/ghl
//
// Anything the ingester can read, including events it ignores, is answered
// with 200 so the provider does not retry it. Only storage failures give a
// 500, which makes the provider deliver the event again later.
func (h *WebhookHandler) Receive(c *gin.Context) {
	if h.secret != "" {
		got := c.GetHeader(webhookSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook secret"})
			return
		}
	}

	ctx := c.Request.Context()
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		logger.WithTrace(ctx, h.logger).Warn("Unreadable webhook body", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": webhook.ReasonMalformed})
		return
	}

	out, err := h.ingester.HandlePayload(ctx, body)
	if err != nil {
		h.recorder.Record(ctx, err, map[string]any{
			"source": "webhook",
			"body":   string(body),
		})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event not stored"})
		return
	}

	if out.Applied {
		c.JSON(http.StatusOK, gin.H{"status": "accepted", "from": out.From, "to": out.To})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ignored", "reason": out.Reason})
}
