package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mailpulse/internal/auth"
	"mailpulse/internal/handler"
	"mailpulse/pkg/otel"
	"mailpulse/pkg/rbac"
)

// Pinger is a dependency checked by /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Handlers struct {
	Auth        *handler.AuthHandler
	Email       *handler.EmailHandler
	Contact     *handler.ContactHandler
	Integration *handler.IntegrationHandler
	Analytics   *handler.AnalyticsHandler
	Webhook     *handler.WebhookHandler
	Dispatch    *handler.DispatchHandler
	Admin       *handler.AdminHandler
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(h Handlers, issuer *auth.TokenIssuer, ready map[string]Pinger, logger *zap.Logger) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), otel.GinMiddleware(), AccessLog(logger))

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		for name, dep := range ready {
			if err := dep.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": name + "_not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Public
	r.POST("/register", h.Auth.Register)
	r.POST("/login", h.Auth.Login)
	r.POST("/webhooks/ghl", h.Webhook.Receive)

	// Protected
	api := r.Group("/api")
	api.Use(AuthMiddleware(issuer))
	{
		read := RequirePermission(rbac.PermissionReadAnalytics)
		write := RequirePermission(rbac.PermissionWriteEmail)

		api.GET("/emails", read, h.Email.List)
		api.POST("/emails", write, h.Email.Create)
		api.GET("/emails/:id", read, h.Email.Get)
		api.PUT("/emails/:id", write, h.Email.Update)
		api.DELETE("/emails/:id", write, h.Email.Deactivate)
		api.GET("/emails/:id/variants", read, h.Email.Variants)
		api.POST("/emails/:id/variants", RequirePermission(rbac.PermissionGenerateVariant), h.Email.GenerateVariants)

		api.GET("/contacts", read, h.Contact.List)
		api.POST("/contacts/sync", RequirePermission(rbac.PermissionSyncContacts), h.Contact.Sync)

		integrations := RequirePermission(rbac.PermissionWriteIntegration)
		api.GET("/integrations/:provider", read, h.Integration.Get)
		api.PUT("/integrations/:provider", integrations, h.Integration.Put)
		api.DELETE("/integrations/:provider", integrations, h.Integration.Delete)

		api.GET("/analytics/overview", read, h.Analytics.Overview)
		api.GET("/analytics/emails/:id", read, h.Analytics.Email)
		api.GET("/analytics/experiments/:id", read, h.Analytics.Experiment)

		api.POST("/dispatch/priority", RequirePermission(rbac.PermissionRunDispatch), h.Dispatch.RunPriority)
	}

	admin := r.Group("/admin")
	admin.Use(AuthMiddleware(issuer), RequirePermission(rbac.PermissionReplayOutbox))
	{
		admin.POST("/outbox/:id/replay", h.Admin.ReplayOutboxEvent)
		admin.POST("/outbox/:id/reset", h.Admin.ResetOutboxEvent)
		admin.POST("/outbox/replay-failed", h.Admin.ReplayFailedEvents)
		admin.GET("/errors", h.Admin.ErrorLogs)
	}

	return &Router{Engine: r}
}

// Server returns an http.Server for the router so callers can shut it down.
func (r *Router) Server(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
