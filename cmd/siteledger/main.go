package main

import (
	"context"
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
	"github.com/siteledger/siteledger/internal/settlement/export"
	"github.com/siteledger/siteledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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

	inventoryRepo := inventory.NewRepository(dbpool)
	inventoryService := inventory.NewService(inventoryRepo, locker, publisher, logger, inventory.ServiceConfig{
		NegativeTolerance: cfg.InventoryNegativeTolerance,
		LockTTL:           cfg.LockTTL,
	})
	inventoryHandler := inventory.NewHandler(logger, inventoryService)

	settlementRepo := settlement.NewRepository(dbpool)
	settlementService := settlement.NewService(settlementRepo, locker, publisher,
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

	exporter := export.NewExporter(settlementService, logger)
	settlementHandler := settlement.NewHandler(logger, settlementService).WithStatementExport(exporter)

	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		InventoryHandler:  inventoryHandler,
		SettlementHandler: settlementHandler,
		JobHandler:        jobHandler,
		Metrics:           metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.String("lock_backend", cfg.LockBackend))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
