package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/siteledger/siteledger/internal/inventory"
	jobmetrics "github.com/siteledger/siteledger/internal/jobs"
	"github.com/siteledger/siteledger/internal/platform/lock"
)

// BalanceRecomputer is the inventory surface used by the recompute job.
type BalanceRecomputer interface {
	AccountIDs(ctx context.Context, groupID int64) ([]int64, error)
	RecomputeBalance(ctx context.Context, accountID int64) (inventory.BalanceResult, error)
}

// InventoryRecomputeJob replays inventory accounts and repairs drifted balances.
type InventoryRecomputeJob struct {
	Service     BalanceRecomputer
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	Parallelism int
}

// RecomputeSummary aggregates a run.
type RecomputeSummary struct {
	Accounts int
	Drifted  int
	Skipped  int
}

// NewInventoryRecomputeJob constructs the job handler.
func NewInventoryRecomputeJob(service BalanceRecomputer, logger *slog.Logger, metrics *jobmetrics.Metrics, parallelism int) *InventoryRecomputeJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &InventoryRecomputeJob{Service: service, Logger: logger, Metrics: metrics, Parallelism: parallelism}
}

// Handle processes the Asynq task.
func (j *InventoryRecomputeJob) Handle(ctx context.Context, task *asynq.Task) (err error) {
	tracker := j.Metrics.Track(TaskInventoryRecompute)
	defer func() {
		err = tracker.End(err)
	}()
	if j.Service == nil {
		return fmt.Errorf("inventory service unavailable: %w", asynq.SkipRetry)
	}
	var payload InventoryRecomputePayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	summary, err := j.Run(ctx, payload)
	j.Logger.Info("inventory recompute complete",
		slog.Int64("group_id", payload.GroupID),
		slog.Int("accounts", summary.Accounts),
		slog.Int("drifted", summary.Drifted),
		slog.Int("skipped", summary.Skipped),
	)
	return err
}

// Run replays the account in payload, or every account of the group.
func (j *InventoryRecomputeJob) Run(ctx context.Context, payload InventoryRecomputePayload) (RecomputeSummary, error) {
	ids := []int64{payload.AccountID}
	if payload.AccountID == 0 {
		var err error
		ids, err = j.Service.AccountIDs(ctx, payload.GroupID)
		if err != nil {
			return RecomputeSummary{}, fmt.Errorf("list accounts: %w", err)
		}
	}
	summary := RecomputeSummary{Accounts: len(ids)}

	parallelism := j.Parallelism
	if parallelism <= 0 {
		parallelism = 4
	}
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, id := range ids {
		g.Go(func() error {
			result, err := j.Service.RecomputeBalance(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, lock.ErrConcurrencyConflict), errors.Is(err, inventory.ErrUnknownAccount):
				summary.Skipped++
				return nil
			case err != nil:
				errs = append(errs, fmt.Errorf("account %d: %w", id, err))
				return nil
			}
			if result.Changed {
				summary.Drifted++
				j.Metrics.AddFindings("balance_drift", result.Account.GroupID, 1)
				j.Logger.Warn("inventory balance drift repaired",
					slog.Int64("account_id", result.Account.ID),
					slog.String("drift", result.Drift.String()),
				)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}
	return summary, errors.Join(errs...)
}
