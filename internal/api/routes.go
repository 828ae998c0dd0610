package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"whatsapp-relay/internal/auth"
	"whatsapp-relay/internal/config"
	"whatsapp-relay/internal/observability"
)

func SetupRoutes(
	app *fiber.App,
	cfg *config.Config,
	logger *zap.Logger,
	metrics *observability.Metrics,
	handlers *Handlers,
	authSvc *auth.Service,
) {
	SetupMiddleware(app, logger, metrics)

	// Probes and metrics are unauthenticated.
	app.Get("/health", handlers.Health)
	if cfg.MetricsEnabled {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	}

	v1 := app.Group("/v1")
	v1.Get("/health", handlers.Ready)

	// Provider webhooks authenticate via verify token and HMAC signature,
	// not API keys.
	webhooks := v1.Group("/webhooks")
	webhooks.Get("/provider", handlers.VerifyWebhook)
	webhooks.Post("/provider", handlers.ReceiveWebhook)

	notifs := v1.Group("/notifications", authSvc.RequireAPIKey(),
		TenantRateLimiter(cfg.RateLimitTenantPerMinute))
	notifs.Post("/", handlers.CreateNotification)
	notifs.Post("/bulk", handlers.CreateBulk)
	notifs.Get("/:id", handlers.GetNotification)
	notifs.Get("/:id/status", handlers.GetNotification)
	notifs.Get("/:id/logs", handlers.GetDeliveryLogs)

	analytics := v1.Group("/analytics", authSvc.RequireAPIKey())
	analytics.Get("/stats", handlers.GetStats)
	analytics.Get("/notifications", handlers.ListNotifications)
}
