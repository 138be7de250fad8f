package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"mailpulse/config"
	mqcontracts "mailpulse/contracts/mq"
	"mailpulse/internal/ghl"
	"mailpulse/internal/mqhandler"
	"mailpulse/internal/repository"
	"mailpulse/internal/service/analytics"
	"mailpulse/internal/service/dispatch"
	"mailpulse/internal/service/errorlog"
	"mailpulse/pkg/db"
	"mailpulse/pkg/logger"
	"mailpulse/pkg/mq"
	"mailpulse/pkg/otel"
	"mailpulse/pkg/outbox"
	redisclient "mailpulse/pkg/redis"
	"mailpulse/pkg/util"
)

// analyticsEvents are the events that make cached analytics stale.
var analyticsEvents = []string{
	mqcontracts.RoutingKeyDeliverySent,
	mqcontracts.RoutingKeyDeliveryStatusChanged,
	mqcontracts.RoutingKeyVariantsGenerated,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.Log.Level)
	defer log.Sync()

	log.Info("Starting worker...")

	shutdownOtel, err := otel.Init(otel.Config{
		ServiceName: cfg.Telemetry.ServiceName + "-worker",
		Endpoint:    cfg.Telemetry.Endpoint,
		Enabled:     cfg.Telemetry.Enabled,
	}, log)
	if err != nil {
		log.Fatal("OpenTelemetry init failed", zap.Error(err))
	}
	defer shutdownOtel()

	// DB
	pool, err := db.NewConnection(ctx, cfg.DB, log)
	if err != nil {
		log.Fatal("DB connection failed", zap.Error(err))
	}
	defer pool.Close()

	// Redis
	rdb, err := redisclient.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatal("Redis connection failed", zap.Error(err))
	}
	defer rdb.Close()

	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("MQ publisher init failed", zap.Error(err))
	}
	defer publisher.Close()

	// repositories
	outboxRepo := outbox.NewRepository(pool)
	integrationRepo := repository.NewIntegrationRepository(pool)
	emailRepo := repository.NewEmailRepository(pool)
	variantRepo := repository.NewVariantRepository(pool, outboxRepo)
	contactRepo := repository.NewContactRepository(pool)
	deliveryRepo := repository.NewDeliveryRepository(pool, outboxRepo)
	recorder := errorlog.NewRecorder(repository.NewErrorLogRepository(pool), log)

	sender := dispatch.NewSender(integrationRepo, emailRepo, contactRepo, deliveryRepo, ghl.NewClient(cfg.GHL, log), recorder, cfg.Dispatch, log)
	runner := dispatch.NewRunner(sender, integrationRepo, redisclient.NewLocker(rdb), cfg.Dispatch, log)

	dispatcher := outbox.NewDispatcher(outboxRepo, publisher, log).
		WithInterval(cfg.Outbox.Interval).
		WithBatchSize(cfg.Outbox.BatchSize).
		WithMaxRetries(cfg.Outbox.MaxRetries)

	analyticsService := analytics.NewService(emailRepo, variantRepo, deliveryRepo, rdb, cfg.Analytics, log)
	policy := mqhandler.NewRetryPolicy(util.NewRetryCounter(rdb, cfg.Consumer.RetryTTL), publisher, cfg.Consumer.MaxRetries, log)
	invalidate := policy.Wrap("analytics", mqhandler.NewAnalyticsInvalidationHandler(analyticsService, log).Handle)

	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		runner.Start(ctx)
	}()
	go func() {
		defer wg.Done()
		dispatcher.Start(ctx)
	}()

	for _, routingKey := range analyticsEvents {
		queue := cfg.Consumer.QueueName(routingKey)
		consumer, err := mq.NewConsumer(cfg.MQ.URL, queue, routingKey, log)
		if err != nil {
			log.Fatal("Consumer init failed", zap.String("queue", queue), zap.Error(err))
		}
		defer consumer.Close()
		consumer.SetHandler(invalidate)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.StartConsuming(ctx); err != nil {
				log.Error("Consumer stopped with error", zap.String("queue", queue), zap.Error(err))
				stop()
			}
		}()
	}

	log.Info("Worker running")
	<-ctx.Done()
	log.Info("Shutting down worker")
	wg.Wait()
}
