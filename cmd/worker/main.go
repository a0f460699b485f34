package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/tessera-pos/tessera-pos/internal/app"
	"github.com/tessera-pos/tessera-pos/internal/history"
	jobmetrics "github.com/tessera-pos/tessera-pos/internal/jobs"
	"github.com/tessera-pos/tessera-pos/internal/ledger"
	"github.com/tessera-pos/tessera-pos/internal/platform/db"
	"github.com/tessera-pos/tessera-pos/internal/sales"
	"github.com/tessera-pos/tessera-pos/internal/sequence"
	"github.com/tessera-pos/tessera-pos/internal/shared"
	"github.com/tessera-pos/tessera-pos/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	metrics := jobmetrics.NewMetrics(nil)

	historyRepo := history.NewRepository(pool)

	sequenceRepo := sequence.NewRepository(pool)
	sequenceGen := sequence.NewGenerator(sequenceRepo)

	ledgerRepo := ledger.NewRepository(pool, historyRepo)
	ledgerService := ledger.NewService(ledgerRepo, nil)

	idempotencyStore := shared.NewIdempotencyStore(pool)

	salesRepo := sales.NewRepository(pool, historyRepo)
	salesService := sales.NewService(salesRepo, ledgerService, sequenceGen, idempotencyStore, logger)
	salesService.SetReconcileGrace(cfg.ReconcileGrace)

	cleanupTask, err := jobs.NewCleanupIdempotencyTask(cfg.IdempotencyTTL)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	reconcileSpec := cronEvery(cfg.ReconcileInterval)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskReconcileStock, Handler: jobs.NewReconcileStockHandler(salesService, metrics, logger)},
			{Type: jobs.TaskCleanupIdempotency, Handler: jobs.NewCleanupIdempotencyHandler(idempotencyStore, metrics, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: reconcileSpec, Task: jobs.NewReconcileStockTask()},
			{Spec: "0 3 * * *", Task: cleanupTask},
		},
	})
	if err != nil {
		logger.Error("build worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker starting",
		slog.String("redis", cfg.RedisAddr),
		slog.String("reconcile_spec", reconcileSpec))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("worker shutdown complete")
}

// cronEvery renders an @every spec, clamped to one minute so the scheduler is
// never busier than the reconcile grace window.
func cronEvery(interval time.Duration) string {
	if interval < time.Minute {
		interval = time.Minute
	}
	return fmt.Sprintf("@every %s", interval)
}
