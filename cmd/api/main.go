package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"whatsapp-relay/internal/api"
	"whatsapp-relay/internal/auth"
	"whatsapp-relay/internal/callbacks"
	"whatsapp-relay/internal/clock"
	"whatsapp-relay/internal/config"
	"whatsapp-relay/internal/db"
	"whatsapp-relay/internal/idempotency"
	"whatsapp-relay/internal/ingest"
	"whatsapp-relay/internal/notifications"
	"whatsapp-relay/internal/observability"
	natsqueue "whatsapp-relay/internal/queue/nats"
	"whatsapp-relay/internal/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := observability.GetLoggerFromEnv()
	defer logger.Sync()

	logger.Info("starting notification relay API", zap.String("port", cfg.Port))

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics()
		shutdownOtel, err := observability.SetupOpenTelemetry("whatsapp-relay-api", logger)
		if err != nil {
			logger.Warn("OpenTelemetry setup failed", zap.Error(err))
		} else {
			defer shutdownOtel()
		}
	}

	ctx := context.Background()
	database, err := db.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer database.Close()

	if err := database.RunMigrations("migrations"); err != nil {
		logger.Warn("failed to run migrations", zap.Error(err))
	}

	var redis *db.RedisDB
	if cfg.RedisURL != "" {
		redis, err = db.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Warn("redis unavailable, idempotency cache disabled", zap.Error(err))
		} else {
			defer redis.Close()
		}
	}

	queue, err := natsqueue.New(natsqueue.Config{
		URL:               cfg.QueueURL,
		Stream:            cfg.QueueStream,
		DLQSubject:        cfg.QueueDLQURL,
		VisibilityTimeout: cfg.VisibilityTimeout(),
		MaxReceiveCount:   cfg.MaxReceiveCount,
	}, logger)
	if err != nil {
		logger.Fatal("failed to connect to queue", zap.Error(err))
	}
	defer queue.Close()

	clk := clock.System()
	store := notifications.NewStore(database, clk, logger)
	logs := notifications.NewLogStore(database, clk, logger)
	limits := ratelimit.NewStore(database, clk, logger)
	idem := idempotency.NewStore(redis, logger)

	ingestSvc := ingest.NewService(store, limits, idem, queue, cfg, clk, metrics, logger)
	callbackSvc := callbacks.NewService(store, logs,
		cfg.WebhookVerifyToken, cfg.WebhookAppSecret, metrics, logger)
	authSvc := auth.NewService(database, cfg.APIKeys, cfg.DefaultTenant, logger)
	handlers := api.NewHandlers(logger, ingestSvc, store, logs, callbackSvc, queue, limits)

	app := fiber.New(fiber.Config{
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			logger.Error("unhandled request error", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "internal server error",
			})
		},
	})
	api.SetupRoutes(app, cfg, logger, metrics, handlers, authSvc)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Fatal("server stopped", zap.Error(err))
		}
	}()
	logger.Info("notification relay API started", zap.String("port", cfg.Port))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace())
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("failed to shut down gracefully", zap.Error(err))
	}
	logger.Info("notification relay API stopped")
}
