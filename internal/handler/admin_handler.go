package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailpulse/internal/repository"
)

type OutboxReplayer interface {
	ReplayEvent(ctx context.Context, eventID int64) error
	ReplayFailedEvents(ctx context.Context, limit int) (int, error)
}

type OutboxResetter interface {
	ResetForReplay(ctx context.Context, eventID int64) error
}

type ErrorLogLister interface {
	ListRecent(ctx context.Context, limit int) ([]repository.ErrorLog, error)
}

type AdminHandler struct {
	replayer  OutboxReplayer
	resetter  OutboxResetter
	errorLogs ErrorLogLister
	logger    *zap.Logger
}

func NewAdminHandler(replayer OutboxReplayer, resetter OutboxResetter, errorLogs ErrorLogLister, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		replayer:  replayer,
		resetter:  resetter,
		errorLogs: errorLogs,
		logger:    logger,
	}
}

func queryLimit(c *gin.Context, def, upper int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || limit <= 0 {
		return def
	}
	if limit > upper {
		return upper
	}
	return limit
}

// ReplayOutboxEvent 重放指定的 Outbox 事件
// POST /admin/outbox/:id/replay
func (h *AdminHandler) ReplayOutboxEvent(c *gin.Context) {
	eventID, ok := idParam(c, "id")
	if !ok {
		return
	}

	if err := h.replayer.ReplayEvent(c.Request.Context(), eventID); err != nil {
		h.logger.Error("Failed to replay event", zap.Int64("event_id", eventID), zap.Error(err))
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "replayed", "event_id": eventID})
}

// ResetOutboxEvent puts an event back in the dispatcher queue.
// POST /admin/outbox/:id/reset
func (h *AdminHandler) ResetOutboxEvent(c *gin.Context) {
	eventID, ok := idParam(c, "id")
	if !ok {
		return
	}

	if err := h.resetter.ResetForReplay(c.Request.Context(), eventID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "pending", "event_id": eventID})
}

// ReplayFailedEvents 重放所有失败的事件
// POST /admin/outbox/replay-failed?limit=100
func (h *AdminHandler) ReplayFailedEvents(c *gin.Context) {
	limit := queryLimit(c, 100, 1000)

	replayed, err := h.replayer.ReplayFailedEvents(c.Request.Context(), limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "completed",
		"success_count": replayed,
		"limit":         limit,
	})
}

// ErrorLogs handles GET /admin/errors?limit=50
func (h *AdminHandler) ErrorLogs(c *gin.Context) {
	logs, err := h.errorLogs.ListRecent(c.Request.Context(), queryLimit(c, 50, 500))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"errors": logs})
}
