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
	"golang.org/x/sync/errgroup"

	"github.com/tessera-pos/tessera-pos/internal/app"
	"github.com/tessera-pos/tessera-pos/internal/history"
	"github.com/tessera-pos/tessera-pos/internal/ledger"
	"github.com/tessera-pos/tessera-pos/internal/observability"
	"github.com/tessera-pos/tessera-pos/internal/platform/cache"
	"github.com/tessera-pos/tessera-pos/internal/platform/db"
	"github.com/tessera-pos/tessera-pos/internal/sales"
	"github.com/tessera-pos/tessera-pos/internal/sequence"
	"github.com/tessera-pos/tessera-pos/internal/shared"
	"github.com/tessera-pos/tessera-pos/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	historyRepo := history.NewRepository(pool)
	historyService := history.NewService(historyRepo)

	sequenceRepo := sequence.NewRepository(pool)
	sequenceGen := sequence.NewGenerator(sequenceRepo)
	sequenceHandler := sequence.NewHandler(logger, sequenceGen)

	stockCache := ledger.NewStockCache(redisClient, cfg.StockCacheTTL)
	ledgerRepo := ledger.NewRepository(pool, historyRepo)
	ledgerService := ledger.NewService(ledgerRepo, stockCache)
	ledgerService.SetObserver(metrics)
	ledgerHandler := ledger.NewHandler(logger, ledgerService, historyService)

	idempotencyStore := shared.NewIdempotencyStore(pool)

	salesRepo := sales.NewRepository(pool, historyRepo)
	salesService := sales.NewService(salesRepo, ledgerService, sequenceGen, idempotencyStore, logger)
	salesService.SetReconcileGrace(cfg.ReconcileGrace)
	salesHandler := sales.NewHandler(logger, salesService, historyService)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobsClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("build jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()
	jobsHandler := jobs.NewHandler(asynq.NewInspector(redisOpts), jobsClient, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		LedgerHandler:   ledgerHandler,
		SalesHandler:    salesHandler,
		SequenceHandler: sequenceHandler,
		JobsHandler:     jobsHandler,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("http server failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
