// File: cmd/app/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"finetune-api/internal/config"
	"finetune-api/internal/infra/api"
	pg "finetune-api/internal/infra/db/postgres"
	"finetune-api/internal/infra/logging"
	"finetune-api/internal/infra/metrics"
	"finetune-api/internal/infra/payment"
	"finetune-api/internal/infra/pubsub"
	red "finetune-api/internal/infra/redis"
	"finetune-api/internal/infra/sched"
	"finetune-api/internal/infra/scheduler"
	"finetune-api/internal/infra/worker"
	"finetune-api/internal/usecase"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, no sampling)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Info().Msg("dev mode enabled")
	}
	metrics.MustRegister()

	// ---- Postgres ----
	pool, err := pg.Connect(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connect failed")
	}
	defer pool.Close()
	pg.StartPoolStatsReporter(ctx, pool, 15*time.Second)

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connect failed")
	}
	defer redisClient.Close()
	locker := red.NewLocker(redisClient)

	// ---- Repositories ----
	userRepo := pg.NewUserRepo(pool)
	jobRepo := pg.NewJobRepo(pool)
	modelRepo := pg.NewFineTunedModelRepo(pool)
	billingRepo := pg.NewBillingRepo(pool)
	datasetRepo := pg.NewDatasetRepo(pool)
	baseModelRepo := pg.NewBaseModelRepo(pool)
	tm := pg.NewTxManager(pool)

	// ---- Adapters ----
	gateway := scheduler.NewGateway(cfg.Scheduler, logger)
	stripeGW := payment.NewStripeGateway(cfg.Stripe, logger)

	// ---- Use cases ----
	ingestUC := usecase.NewIngestionUseCase(jobRepo, modelRepo, tm, logger)
	billingUC := usecase.NewBillingUseCase(userRepo, jobRepo, billingRepo, stripeGW, tm, cfg.Billing.SettleDelay, logger)
	ftUC := usecase.NewFineTuningUseCase(userRepo, jobRepo, modelRepo, datasetRepo, baseModelRepo, gateway, tm, cfg.Billing.MinJobCredits, logger)

	// ---- Reconciliation loop ----
	if cfg.Scheduler.Enabled {
		updater := sched.NewStatusUpdater(
			cfg.Updater.Interval, cfg.Updater.CompletedWindow, cfg.Updater.LockTTL,
			jobRepo, tm, gateway, ingestUC, locker, logger,
		)
		go func() {
			if err := updater.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("status updater stopped")
			}
		}()
	} else {
		logger.Info().Msg("scheduler disabled, status updater not started")
	}

	// ---- Push ingestion ----
	pool2 := worker.NewPool(cfg.PubSub.Workers, logger)
	pool2.Start(ctx)
	defer pool2.Stop()
	consumer := pubsub.NewConsumer(redisClient, cfg.PubSub, pool2, ingestUC, logger)
	go func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("pubsub consumer stopped")
		}
	}()

	// ---- HTTP API ----
	apiBase := fmt.Sprintf("http://localhost:%d", cfg.API.Port)
	server := api.NewServer(ftUC, billingUC, cfg.API.JWTSecret, apiBase, logger)
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.API.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Int("port", cfg.API.Port).Msg("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// ---- Shutdown ----
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown error")
	}
	cancel()
}
