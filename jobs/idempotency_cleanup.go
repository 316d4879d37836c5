package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/siteledger/siteledger/internal/jobs"
	"github.com/siteledger/siteledger/internal/platform/db"
	"github.com/siteledger/siteledger/internal/shared"
)

const defaultIdempotencyRetention = 30 * 24 * time.Hour

// IdempotencyCleanupJob prunes idempotency keys past their retention window.
type IdempotencyCleanupJob struct {
	DB      db.Querier
	Store   *shared.IdempotencyStore
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// Handle processes the Asynq task.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, task *asynq.Task) (err error) {
	tracker := j.Metrics.Track(TaskIdempotencyCleanup)
	defer func() {
		err = tracker.End(err)
	}()
	if j.DB == nil || j.Store == nil {
		return fmt.Errorf("idempotency store unavailable: %w", asynq.SkipRetry)
	}
	payload := IdempotencyCleanupPayload{Retention: defaultIdempotencyRetention}
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	if payload.Retention <= 0 {
		payload.Retention = defaultIdempotencyRetention
	}
	removed, err := j.Store.Cleanup(ctx, j.DB, payload.Retention)
	if err != nil {
		return err
	}
	logger := j.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("idempotency keys pruned", slog.Int64("removed", removed), slog.Duration("retention", payload.Retention))
	return nil
}
