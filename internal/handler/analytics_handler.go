package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailpulse/internal/analytics"
	"mailpulse/internal/auth"
	analyticssvc "mailpulse/internal/service/analytics"
)

type AnalyticsService interface {
	Overview(ctx context.Context, p auth.Principal, days int) (*analyticssvc.Overview, error)
	Email(ctx context.Context, p auth.Principal, emailID int64) (*analyticssvc.EmailReport, error)
	Experiment(ctx context.Context, p auth.Principal, emailID int64) (*analytics.ExperimentReport, error)
}

type AnalyticsHandler struct {
	svc    AnalyticsService
	logger *zap.Logger
}

func NewAnalyticsHandler(svc AnalyticsService, logger *zap.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{svc: svc, logger: logger}
}

// Overview handles GET /analytics/overview?days=30
func (h *AnalyticsHandler) Overview(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	days := 0
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid days parameter"})
			return
		}
		days = n
	}

	ov, err := h.svc.Overview(c.Request.Context(), p, days)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, ov)
}

// Email handles GET /analytics/emails/:id
func (h *AnalyticsHandler) Email(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	report, err := h.svc.Email(c.Request.Context(), p, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// Experiment handles GET /analytics/experiments/:id
func (h *AnalyticsHandler) Experiment(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	report, err := h.svc.Experiment(c.Request.Context(), p, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
