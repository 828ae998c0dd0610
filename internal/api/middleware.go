package api

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"whatsapp-relay/internal/auth"
	"whatsapp-relay/internal/observability"
)

func SetupMiddleware(app *fiber.App, logger *zap.Logger, metrics *observability.Metrics) {
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	app.Use(requestid.New())

	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,HEAD,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,X-API-Key,Idempotency-Key",
	}))

	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		duration := time.Since(start)
		status := c.Response().StatusCode()

		logger.Info("http_request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("request_id", requestIDFrom(c)),
		)

		if metrics != nil {
			code := strconv.Itoa(status)
			metrics.HTTPRequestsTotal.WithLabelValues(c.Method(), c.Route().Path, code).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(c.Method(), c.Route().Path, code).
				Observe(duration.Seconds())
		}
		return err
	})
}

// TenantRateLimiter caps ingestion request throughput per tenant. This is
// the burst guard on the HTTP surface; the per-recipient hourly window is
// enforced separately in the ingestion service.
func TenantRateLimiter(perMinute int) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        perMinute,
		Expiration: time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			if tenant, err := auth.TenantFromContext(c); err == nil {
				return tenant
			}
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			c.Set("Retry-After", "60")
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "tenant request rate exceeded",
			})
		},
	})
}

func requestIDFrom(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestid").(string); ok {
		return id
	}
	return ""
}
