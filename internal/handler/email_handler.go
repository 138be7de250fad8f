package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailpulse/internal/auth"
	"mailpulse/internal/model"
	"mailpulse/internal/service/email"
)

type EmailService interface {
	Create(ctx context.Context, p auth.Principal, in email.Input) (*model.Email, error)
	Update(ctx context.Context, p auth.Principal, emailID int64, in email.Input) (*model.Email, error)
	Deactivate(ctx context.Context, p auth.Principal, emailID int64) error
	Get(ctx context.Context, p auth.Principal, emailID int64) (*model.Email, error)
	List(ctx context.Context, p auth.Principal, emailType model.EmailType) ([]model.Email, error)
	Variants(ctx context.Context, p auth.Principal, emailID int64) ([]model.ExperimentVariant, error)
}

type VariantGenerator interface {
	Generate(ctx context.Context, p auth.Principal, emailID int64, count int) ([]model.ExperimentVariant, error)
}

type EmailHandler struct {
	emails    EmailService
	generator VariantGenerator
	logger    *zap.Logger
}

func NewEmailHandler(emails EmailService, generator VariantGenerator, logger *zap.Logger) *EmailHandler {
	return &EmailHandler{
		emails:    emails,
		generator: generator,
		logger:    logger,
	}
}

// List handles GET /emails?type=priority
func (h *EmailHandler) List(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}

	emails, err := h.emails.List(c.Request.Context(), p, model.EmailType(c.Query("type")))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"emails": emails})
}

// Create handles POST /emails
func (h *EmailHandler) Create(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	var in email.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	e, err := h.emails.Create(c.Request.Context(), p, in)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"email": e})
}

// Get handles GET /emails/:id
func (h *EmailHandler) Get(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	e, err := h.emails.Get(c.Request.Context(), p, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"email": e})
}

// Update handles PUT /emails/:id
func (h *EmailHandler) Update(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var in email.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	e, err := h.emails.Update(c.Request.Context(), p, id, in)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"email": e})
}

// Deactivate handles DELETE /emails/:id
func (h *EmailHandler) Deactivate(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	if err := h.emails.Deactivate(c.Request.Context(), p, id); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated", "email_id": id})
}

// Variants handles GET /emails/:id/variants
func (h *EmailHandler) Variants(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}

	variants, err := h.emails.Variants(c.Request.Context(), p, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"variants": variants})
}

// GenerateVariants handles POST /emails/:id/variants {"count": 3}
func (h *EmailHandler) GenerateVariants(c *gin.Context) {
	p, ok := principal(c)
	if !ok {
		return
	}
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Count int `json:"count"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	variants, err := h.generator.Generate(c.Request.Context(), p, id, req.Count)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"variants": variants})
}
