// Package handler holds the gin handlers of the admin and webhook API.
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailpulse/internal/auth"
	"mailpulse/internal/repository"
	"mailpulse/internal/service"
	analyticssvc "mailpulse/internal/service/analytics"
	"mailpulse/internal/service/email"
	"mailpulse/internal/service/experiment"
	"mailpulse/internal/service/user"
	"mailpulse/pkg/logger"
	"mailpulse/pkg/outbox"
	"mailpulse/pkg/rbac"
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var denied *rbac.PermissionDeniedError
	switch {
	case errors.As(err, &denied):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrNoPrincipal), errors.Is(err, user.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, outbox.ErrEventNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrConflict),
		errors.Is(err, user.ErrEmailExists),
		errors.Is(err, experiment.ErrVariantsExist),
		errors.Is(err, service.ErrIntegrationUnavailable):
		return http.StatusConflict
	case email.IsValidation(err),
		errors.Is(err, user.ErrInvalidInput),
		errors.Is(err, experiment.ErrInvalidCount),
		errors.Is(err, experiment.ErrNotExperiment),
		errors.Is(err, analyticssvc.ErrNotExperiment):
		return http.StatusBadRequest
	case errors.Is(err, experiment.ErrNoVariants):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// respondError writes err as {"error": ...}. Internal errors are logged and
// not echoed to the client.
func respondError(c *gin.Context, log *zap.Logger, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.WithTrace(c.Request.Context(), log).Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// principal returns the caller set by the auth middleware, answering 401
// itself when there is none.
func principal(c *gin.Context) (auth.Principal, bool) {
	p, err := auth.FromContext(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return auth.Principal{}, false
	}
	return p, true
}

func idParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name + " parameter"})
		return 0, false
	}
	return id, true
}
