package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/zlwaterfield/radar-sub003/internal/api"
	"github.com/zlwaterfield/radar-sub003/internal/api/handlers"
	"github.com/zlwaterfield/radar-sub003/internal/api/middleware"
	"github.com/zlwaterfield/radar-sub003/internal/engine/digest"
	"github.com/zlwaterfield/radar-sub003/internal/engine/dispatch"
	"github.com/zlwaterfield/radar-sub003/internal/engine/stats"
	"github.com/zlwaterfield/radar-sub003/internal/engine/webhooks"
	"github.com/zlwaterfield/radar-sub003/internal/pkg/logger"
	"github.com/zlwaterfield/radar-sub003/internal/platform/auth"
	"github.com/zlwaterfield/radar-sub003/internal/platform/config"
	"github.com/zlwaterfield/radar-sub003/internal/platform/database"
	"github.com/zlwaterfield/radar-sub003/internal/platform/repositories"
	"github.com/zlwaterfield/radar-sub003/internal/workers"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Init(cfg.Logging)

	// Absence of the webhook secret is a startup failure, never a
	// per-request condition.
	if cfg.Webhooks.Secret == "" {
		log.Fatal("webhooks.secret is required")
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatalf("Failed to apply schema: %v", err)
	}

	// Repositories
	deliveryRepo := repositories.NewDeliveryRepository(db)
	eventRepo := repositories.NewEventRepository(db)
	userRepo := repositories.NewUserRepository(db)
	prefsRepo := repositories.NewPreferencesRepository(db)
	digestRepo := repositories.NewDigestRepository(db)
	attemptRepo := repositories.NewAttemptRepository(db)
	statsRepo := repositories.NewStatsRepository(db)

	// Services
	tokenSvc := auth.NewTokenService(cfg.Auth)
	verifier := webhooks.NewVerifier(cfg.Webhooks.Secret)
	aggregator := stats.NewAggregator(statsRepo)

	dmChannel, chChannel := dispatch.NewSlackChannels(cfg.Slack)
	dispatcher := dispatch.NewDispatcher(attemptRepo, dispatch.RetryPolicy{
		Attempts: cfg.Slack.RetryAttempts,
		Base:     cfg.Slack.RetryBackoffBase,
		Max:      cfg.Slack.RetryBackoffMax,
	})

	processor := webhooks.NewProcessor(webhooks.ProcessorParams{
		Deliveries:        deliveryRepo,
		Events:            eventRepo,
		Users:             userRepo,
		Prefs:             prefsRepo,
		Digests:           digestRepo,
		Dispatcher:        dispatcher,
		DMChannel:         dmChannel,
		Aggregator:        aggregator,
		MaxConfigsPerUser: cfg.Digest.MaxConfigsPerUser,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Background pipeline
	queue := workers.NewQueue(processor, cfg.Webhooks.WorkerCount, cfg.Webhooks.QueueSize, cfg.Webhooks.JobMaxRetries)
	queue.Start(ctx)

	scheduler := digest.NewScheduler(digest.SchedulerParams{
		Digests:         digestRepo,
		Events:          eventRepo,
		Dispatcher:      dispatcher,
		DMChannel:       dmChannel,
		ChannelChannel:  chChannel,
		Aggregator:      aggregator,
		FlushMaxRetries: cfg.Digest.FlushMaxRetries,
	})
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start digest scheduler: %v", err)
	}

	// Handlers
	webhookHandler := handlers.NewWebhookHandler(verifier, deliveryRepo, queue, aggregator)
	adminHandler := handlers.NewAdminHandler(processor, aggregator, deliveryRepo, eventRepo, attemptRepo, digestRepo, scheduler, cfg.Retention.MaxAge)
	healthHandler := handlers.NewHealthHandler(db)
	authMiddleware := middleware.NewAuthMiddleware(tokenSvc)

	router := api.NewRouter(&api.Dependencies{
		WebhookHandler: webhookHandler,
		AdminHandler:   adminHandler,
		HealthHandler:  healthHandler,
		AuthMiddleware: authMiddleware,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		zlog.Info().Str("addr", addr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	zlog.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("server shutdown error")
	}

	scheduler.Stop()
	queue.Stop()
}
