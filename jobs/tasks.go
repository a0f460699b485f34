// Package jobs wires the Asynq worker, its scheduled tasks and the task
// handlers for stock reconciliation and housekeeping.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/tessera-pos/tessera-pos/internal/jobs"
	"github.com/tessera-pos/tessera-pos/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReconcileStock replays stock application for transactions left
	// unapplied by a crash.
	TaskReconcileStock = "stock:reconcile"
	// TaskCleanupIdempotency prunes expired idempotency keys.
	TaskCleanupIdempotency = "idempotency:cleanup"
)

// Reconciler is the slice of the sales service the reconcile task needs.
type Reconciler interface {
	ReconcileUnapplied(ctx context.Context) (int, error)
}

// NewReconcileStockTask constructs the reconcile task.
func NewReconcileStockTask() *asynq.Task {
	return asynq.NewTask(TaskReconcileStock, nil)
}

// NewReconcileStockHandler returns the handler for TaskReconcileStock.
func NewReconcileStockHandler(reconciler Reconciler, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		tracker := metrics.Track("stock_reconcile")
		applied, err := reconciler.ReconcileUnapplied(ctx)
		if err != nil {
			logger.Error("stock reconciliation failed", slog.Any("error", err))
			return tracker.End(err)
		}
		if applied > 0 {
			logger.Info("stock reconciliation replayed transactions", slog.Int("applied", applied))
			metrics.AddReconciled(applied)
		}
		return tracker.End(nil)
	}
}

// CleanupIdempotencyPayload carries the retention window for key pruning.
type CleanupIdempotencyPayload struct {
	OlderThan time.Duration `json:"older_than"`
}

// NewCleanupIdempotencyTask constructs the cleanup task.
func NewCleanupIdempotencyTask(olderThan time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(CleanupIdempotencyPayload{OlderThan: olderThan})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCleanupIdempotency, data), nil
}

// NewCleanupIdempotencyHandler returns the handler for TaskCleanupIdempotency.
func NewCleanupIdempotencyHandler(store *shared.IdempotencyStore, metrics *jobmetrics.Metrics, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload CleanupIdempotencyPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		if payload.OlderThan <= 0 {
			payload.OlderThan = 24 * time.Hour
		}
		tracker := metrics.Track("idempotency_cleanup")
		if err := store.Cleanup(ctx, payload.OlderThan); err != nil {
			logger.Error("idempotency cleanup failed", slog.Any("error", err))
			return tracker.End(err)
		}
		return tracker.End(nil)
	}
}
