package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mailpulse/config"
	"mailpulse/internal/auth"
	"mailpulse/internal/ghl"
	"mailpulse/internal/handler"
	"mailpulse/internal/httpserver"
	"mailpulse/internal/openai"
	"mailpulse/internal/repository"
	"mailpulse/internal/service/analytics"
	"mailpulse/internal/service/contactsync"
	"mailpulse/internal/service/dispatch"
	"mailpulse/internal/service/email"
	"mailpulse/internal/service/errorlog"
	"mailpulse/internal/service/experiment"
	"mailpulse/internal/service/user"
	"mailpulse/internal/service/webhook"
	"mailpulse/pkg/db"
	"mailpulse/pkg/logger"
	"mailpulse/pkg/mq"
	"mailpulse/pkg/otel"
	"mailpulse/pkg/outbox"
	redisclient "mailpulse/pkg/redis"
	"mailpulse/pkg/util"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.Log.Level)
	defer log.Sync()

	shutdownOtel, err := otel.Init(otel.Config{
		ServiceName: cfg.Telemetry.ServiceName + "-api",
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

	// MQ publisher，仅用于 outbox 重放
	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		log.Fatal("MQ publisher init failed", zap.Error(err))
	}
	defer publisher.Close()

	// repositories
	outboxRepo := outbox.NewRepository(pool)
	userRepo := repository.NewUserRepository(pool)
	integrationRepo := repository.NewIntegrationRepository(pool)
	emailRepo := repository.NewEmailRepository(pool)
	variantRepo := repository.NewVariantRepository(pool, outboxRepo)
	contactRepo := repository.NewContactRepository(pool)
	deliveryRepo := repository.NewDeliveryRepository(pool, outboxRepo)
	errorLogRepo := repository.NewErrorLogRepository(pool)

	// clients
	ghlClient := ghl.NewClient(cfg.GHL, log)
	openaiClient := openai.NewClient(cfg.OpenAI, log)

	// services
	issuer := auth.NewTokenIssuer(cfg.JWT.Secret, cfg.JWT.TTL)
	recorder := errorlog.NewRecorder(errorLogRepo, log)
	authService := user.NewAuthService(userRepo, issuer)
	emailService := email.NewService(emailRepo, variantRepo)
	generator := experiment.NewGenerator(integrationRepo, emailRepo, variantRepo, openaiClient, log)
	syncer := contactsync.NewSyncer(integrationRepo, ghlClient, contactRepo, recorder, cfg.ContactSync, log)
	analyticsService := analytics.NewService(emailRepo, variantRepo, deliveryRepo, rdb, cfg.Analytics, log)
	ingester := webhook.NewIngester(deliveryRepo, util.NewDeduper(rdb, cfg.Webhook.DedupTTL, log), log)
	sender := dispatch.NewSender(integrationRepo, emailRepo, contactRepo, deliveryRepo, ghlClient, recorder, cfg.Dispatch, log)
	runner := dispatch.NewRunner(sender, integrationRepo, redisclient.NewLocker(rdb), cfg.Dispatch, log)
	replayer := outbox.NewReplayService(outboxRepo, publisher, log)

	ready := map[string]httpserver.Pinger{
		"db":    pool,
		"redis": httpserver.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
	}

	router := httpserver.NewRouter(httpserver.Handlers{
		Auth:        handler.NewAuthHandler(authService, log),
		Email:       handler.NewEmailHandler(emailService, generator, log),
		Contact:     handler.NewContactHandler(contactRepo, syncer, log),
		Integration: handler.NewIntegrationHandler(integrationRepo, log),
		Analytics:   handler.NewAnalyticsHandler(analyticsService, log),
		Webhook:     handler.NewWebhookHandler(ingester, recorder, cfg.Webhook.Secret, log),
		Dispatch:    handler.NewDispatchHandler(runner, log),
		Admin:       handler.NewAdminHandler(replayer, outboxRepo, errorLogRepo, log),
	}, issuer, ready, log)

	srv := router.Server(cfg.Server.Port)
	go func() {
		log.Info("API server listening", zap.String("addr", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server start failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down API server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Graceful shutdown failed", zap.Error(err))
	}
}
