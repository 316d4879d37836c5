package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/siteledger/siteledger/internal/app"
	"github.com/siteledger/siteledger/internal/inventory"
	"github.com/siteledger/siteledger/internal/observability"
	"github.com/siteledger/siteledger/internal/platform/db"
	"github.com/siteledger/siteledger/internal/settlement"
	"github.com/siteledger/siteledger/internal/shared"
	"github.com/siteledger/siteledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := app.NewRedis(ctx, cfg)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	locker, err := app.NewLocker(cfg, redisClient)
	if err != nil {
		logger.Error("init locker", slog.Any("error", err))
		os.Exit(1)
	}
	publisher, closePublisher, err := app.NewPublisher(cfg, logger)
	if err != nil {
		logger.Error("init publisher", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := closePublisher(); err != nil {
			logger.Warn("publisher close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := metrics.Jobs()

	inventoryService := inventory.NewService(inventory.NewRepository(pool), locker, publisher, logger, inventory.ServiceConfig{
		NegativeTolerance: cfg.InventoryNegativeTolerance,
		LockTTL:           cfg.LockTTL,
	})
	settlementService := settlement.NewService(settlement.NewRepository(pool), locker, publisher,
		settlement.NewMetrics(metrics.Registerer()), logger, settlement.Config{
			PaidTolerance: cfg.SettlementPaidTolerance,
			LockTTL:       cfg.LockTTL,
		})

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	settlementService.SetScheduler(jobClient)

	rebuildJob := jobs.NewSettlementRebuildJob(settlementService, logger, jobMetrics, cfg.RebuildParallelism)
	auditJob := jobs.NewFifoAuditJob(settlementService, logger, jobMetrics)
	recomputeJob := jobs.NewInventoryRecomputeJob(inventoryService, logger, jobMetrics, cfg.RebuildParallelism)
	cleanupJob := &jobs.IdempotencyCleanupJob{DB: pool, Store: shared.NewIdempotencyStore(), Logger: logger, Metrics: jobMetrics}

	auditTask, err := jobs.NewFifoAuditTask(jobs.FifoAuditPayload{Repair: true})
	if err != nil {
		logger.Error("build fifo audit task", slog.Any("error", err))
		os.Exit(1)
	}
	recomputeTask, err := jobs.NewInventoryRecomputeTask(jobs.InventoryRecomputePayload{})
	if err != nil {
		logger.Error("build recompute task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(30 * 24 * time.Hour)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskSettlementRebuild, Handler: rebuildJob.Handle},
			{Type: jobs.TaskSettlementFifoAudit, Handler: auditJob.Handle},
			{Type: jobs.TaskInventoryRecompute, Handler: recomputeJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 1 * * *", Task: recomputeTask},
			{Spec: "30 1 * * *", Task: auditTask},
			{Spec: "0 3 * * 0", Task: cleanupTask},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	if metricsServer.Addr != "" {
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("worker metrics server", slog.Any("error", err))
			}
		}()
		defer func() {
			_ = metricsServer.Close()
		}()
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
