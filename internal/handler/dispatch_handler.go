package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailpulse/internal/service/dispatch"
)

type DispatchRunner interface {
	RunUser(ctx context.Context, userID int64, now time.Time) (dispatch.Result, error)
}

type DispatchHandler struct {
	runner DispatchRunner
	logger *zap.Logger
}

func NewDispatchHandler(runner DispatchRunner, logger *zap.Logger) *DispatchHandler {
	return &DispatchHandler{runner: runner, logger: logger}
}

// RunPriority handles POST /dispatch/priority. It runs the same batch as
// the worker, synchronously, for the caller only. A run already in progress
// for the caller gives 409 with status "already_running".
func (h *DispatchHandler) RunPriority(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	res, err := h.runner.RunUser(c.Request.Context(), p.UserID, time.Now())
	if errors.Is(err, dispatch.ErrAlreadyRunning) {
		c.JSON(http.StatusConflict, gin.H{"status": "already_running"})
		return
	}
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed", "result": res})
}
