package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailpulse/internal/auth"
	"mailpulse/internal/model"
)

type ContactLister interface {
	ListByTag(ctx context.Context, userID int64, tag string) ([]model.Contact, error)
}

type ContactSyncer interface {
	Sync(ctx context.Context, p auth.Principal) (int, error)
}

type ContactHandler struct {
	contacts ContactLister
	syncer   ContactSyncer
	logger   *zap.Logger
}

func NewContactHandler(contacts ContactLister, syncer ContactSyncer, logger *zap.Logger) *ContactHandler {
	return &ContactHandler{
		contacts: contacts,
		syncer:   syncer,
		logger:   logger,
	}
}

// List handles GET /contacts?tag=priority_email_1
func (h *ContactHandler) List(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	contacts, err := h.contacts.ListByTag(c.Request.Context(), p.UserID, c.Query("tag"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contacts": contacts})
}

// Sync handles POST /contacts/sync
func (h *ContactHandler) Sync(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	n, err := h.syncer.Sync(c.Request.Context(), p)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "synced", "stored": n})
}
