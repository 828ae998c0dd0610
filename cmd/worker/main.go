package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"whatsapp-relay/internal/clock"
	"whatsapp-relay/internal/config"
	"whatsapp-relay/internal/db"
	"whatsapp-relay/internal/notifications"
	"whatsapp-relay/internal/observability"
	"whatsapp-relay/internal/processor"
	"whatsapp-relay/internal/provider"
	"whatsapp-relay/internal/provider/mock"
	"whatsapp-relay/internal/provider/whatsapp"
	natsqueue "whatsapp-relay/internal/queue/nats"
	"whatsapp-relay/internal/ratelimit"
	"whatsapp-relay/internal/sweeper"
	"whatsapp-relay/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := observability.GetLoggerFromEnv()
	defer logger.Sync()

	logger.Info("starting notification relay worker",
		zap.Int("concurrency", cfg.WorkerConcurrency))

	var metrics *observability.Metrics
	if cfg.MetricsEnabled {
		metrics = observability.NewMetrics()
		shutdownOtel, err := observability.SetupOpenTelemetry("whatsapp-relay-worker", logger)
		if err != nil {
			logger.Warn("OpenTelemetry setup failed", zap.Error(err))
		} else {
			defer shutdownOtel()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer database.Close()

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

	proc := processor.New(store, logs, limits, newSender(cfg, logger), cfg, clk, metrics, logger)

	pool := worker.NewPool(queue, proc, worker.Config{
		Concurrency:       cfg.WorkerConcurrency,
		ReceiveWait:       cfg.ReceiveWait(),
		VisibilityTimeout: cfg.VisibilityTimeout(),
		MaxReceiveCount:   cfg.MaxReceiveCount,
		ShutdownGrace:     cfg.ShutdownGrace(),
	}, metrics, logger)

	retries := sweeper.NewRetrySweeper(store, proc,
		cfg.RetrySweepInterval(), cfg.SweepBatchLimit, logger)
	schedules := sweeper.NewSchedulePromoter(store, proc,
		cfg.ScheduledSweepInterval(), cfg.SweepBatchLimit, logger)
	janitor := sweeper.NewJanitor(limits, cfg.RateLimitRetention(), logger)

	go retries.Run(ctx)
	go schedules.Run(ctx)
	if err := janitor.Start(); err != nil {
		logger.Error("failed to start janitor", zap.Error(err))
	}
	defer janitor.Stop()

	if err := pool.Run(ctx); err != nil {
		logger.Error("worker pool exited uncleanly", zap.Error(err))
	}
	logger.Info("notification relay worker stopped")
}

// newSender picks the real client when credentials are configured, the
// deterministic mock otherwise.
func newSender(cfg *config.Config, logger *zap.Logger) provider.Sender {
	if cfg.ProviderAccessToken == "" || cfg.ProviderPhoneNumberID == "" {
		logger.Warn("provider credentials missing, using mock provider")
		return mock.NewProvider(logger)
	}
	return whatsapp.NewClient(whatsapp.Config{
		BaseURL:       cfg.ProviderBaseURL,
		APIVersion:    cfg.ProviderAPIVersion,
		PhoneNumberID: cfg.ProviderPhoneNumberID,
		AccessToken:   cfg.ProviderAccessToken,
		Timeout:       cfg.ProviderTimeout(),
	}, logger)
}
