// Package main is the entry point for the generation bot service.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vetrovp/genforge/internal/api"
	"github.com/vetrovp/genforge/internal/backend"
	"github.com/vetrovp/genforge/internal/config"
	"github.com/vetrovp/genforge/internal/notify"
	"github.com/vetrovp/genforge/internal/payment"
	"github.com/vetrovp/genforge/internal/queue"
	"github.com/vetrovp/genforge/internal/repository"
	"github.com/vetrovp/genforge/internal/service"
	"github.com/vetrovp/genforge/internal/utils"
	"github.com/vetrovp/genforge/internal/worker"
)

const serviceName = "genforge"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	utils.InitLogger(cfg.Environment, serviceName)
	if err := cfg.Validate(); err != nil {
		utils.Error("invalid configuration", "error", err.Error())
		os.Exit(1)
	}

	metrics := utils.NewMetricsCollector()

	ctx := context.Background()
	shutdownTracer, err := utils.InitTracer(ctx, serviceName, "1.0.0", cfg.OTLPEndpoint)
	if err != nil {
		utils.Error("failed to initialize tracer", "error", err.Error())
		os.Exit(1)
	}
	defer shutdownTracer()

	// Database.
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	db, err := repository.Connect(connectCtx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		utils.Error("failed to connect to database", "error", err.Error())
		os.Exit(1)
	}
	defer db.Close()

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = db.Migrate(migrateCtx)
	cancel()
	if err != nil {
		utils.Error("failed to create tables", "error", err.Error())
		os.Exit(1)
	}

	// Shared store.
	store, err := repository.NewStore(repository.StoreConfig{
		URL:        cfg.RedisURL,
		TLSEnabled: cfg.RedisTLSEnabled(),
	})
	if err != nil {
		utils.Error("failed to connect to redis", "error", err.Error())
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	repos := repository.NewRepositories(db.Pool)

	// Coordination layer.
	tasks := queue.NewTaskQueue(store, int64(cfg.MaxQueuedTasksPerUser), cfg.MaxGlobalQueueSize, cfg.GenerationLockTTL())
	gpu := queue.NewGPUSemaphore(store, int64(cfg.MaxGPUJobs))
	chatState := queue.NewChatState(store)

	// Delivery.
	var notifier notify.Notifier = notify.Nop{}
	if cfg.TelegramBotToken != "" {
		tg := notify.NewTelegram(cfg.TelegramBotToken)
		notifier = tg

		if cfg.TelegramWebhookURL != "" {
			regCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := tg.RegisterWebhook(regCtx, cfg.FullTelegramWebhookURL())
			cancel()
			if err != nil {
				utils.Error("failed to register telegram webhook", "error", err.Error())
				os.Exit(1)
			}
			utils.Info("telegram webhook registered")
		}
	}

	// Model backend behind a circuit breaker.
	var invoker backend.Invoker = backend.NewBreakerInvoker(
		backend.NewReplicateClient(cfg.ReplicateAPIToken),
		5, time.Minute,
	)

	// Services.
	var provider service.PaymentProvider
	if cfg.PaymentsEnabled() {
		provider = payment.NewClient(cfg.YooKassaShopID, cfg.YooKassaSecretKey)
	}
	services := &service.Services{
		Users:     service.NewUserService(cfg, repos),
		Admission: service.NewAdmissionService(cfg, repos, tasks, metrics),
		Payments:  service.NewPaymentService(cfg, db.Pool, repos, provider, metrics),
		Support:   service.NewSupportService(repos),
	}

	// Background workers.
	pool := worker.NewPool(cfg, tasks, gpu, chatState, repos, invoker, notifier, metrics)
	sweeper := worker.NewSweeper(cfg, tasks, gpu, repos, notifier, metrics)
	reconciler := worker.NewReconciler(services.Payments)

	pool.Start(cfg.WorkerCount)
	sweeper.Start(cfg.SweepInterval())
	if cfg.PaymentsEnabled() {
		reconciler.Start(cfg.ReconcileInterval())
	}

	// HTTP surface.
	router := api.NewRouter(cfg, services, nil, db.Pool, store, metrics)
	server := api.NewServer(cfg.GetAddr(), router.Handler())

	go func() {
		if err := server.Start(); err != nil {
			utils.Error("server failed", "error", err.Error())
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	utils.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := pool.Stop(stopCtx); err != nil {
		utils.Error("worker pool shutdown error", "error", err.Error())
	}
	if err := sweeper.Stop(stopCtx); err != nil {
		utils.Error("sweeper shutdown error", "error", err.Error())
	}
	if cfg.PaymentsEnabled() {
		if err := reconciler.Stop(stopCtx); err != nil {
			utils.Error("reconciler shutdown error", "error", err.Error())
		}
	}
	if err := server.Shutdown(stopCtx); err != nil {
		utils.Error("server forced to shutdown", "error", err.Error())
		os.Exit(1)
	}
	utils.Info("stopped gracefully")
}
