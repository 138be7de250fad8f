package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailpulse/internal/model"
)

type IntegrationStore interface {
	Get(ctx context.Context, userID int64, provider string) (*model.IntegrationConnection, error)
	Upsert(ctx context.Context, c *model.IntegrationConnection) error
	Deactivate(ctx context.Context, userID int64, provider string) error
}

type IntegrationHandler struct {
	store  IntegrationStore
	logger *zap.Logger
	clock  func() time.Time
}

func NewIntegrationHandler(store IntegrationStore, logger *zap.Logger) *IntegrationHandler {
	return &IntegrationHandler{store: store, logger: logger, clock: time.Now}
}

func providerParam(c *gin.Context) (string, bool) {
	provider := strings.ToLower(c.Param("provider"))
	if !model.ValidProvider(provider) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider"})
		return "", false
	}
	return provider, true
}

// Get handles GET /integrations/:provider. The token itself is never returned.
func (h *IntegrationHandler) Get(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	provider, ok := providerParam(c)
	if !ok {
		return
	}

	conn, err := h.store.Get(c.Request.Context(), p.UserID, provider)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"integration": conn, "usable": conn.Usable(h.clock())})
}

// Put handles PUT /integrations/:provider
func (h *IntegrationHandler) Put(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	provider, ok := providerParam(c)
	if !ok {
		return
	}
	var req struct {
		AccessToken string     `json:"access_token" binding:"required"`
		LocationID  string     `json:"location_id"`
		ExpiresAt   *time.Time `json:"expires_at"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	conn := &model.IntegrationConnection{
		UserID:      p.UserID,
		Provider:    provider,
		AccessToken: strings.TrimSpace(req.AccessToken),
		LocationID:  strings.TrimSpace(req.LocationID),
		IsActive:    true,
		ExpiresAt:   req.ExpiresAt,
	}
	if err := h.store.Upsert(c.Request.Context(), conn); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"integration": conn})
}

// Delete handles DELETE /integrations/:provider
func (h *IntegrationHandler) Delete(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	provider, ok := providerParam(c)
	if !ok {
		return
	}

	if err := h.store.Deactivate(c.Request.Context(), p.UserID, provider); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated", "provider": provider})
}
