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

	jobmetrics "github.com/siteledger/siteledger/internal/jobs"
	"github.com/siteledger/siteledger/internal/platform/lock"
	"github.com/siteledger/siteledger/internal/settlement"
)

// ScopeRebuilder is the settlement surface used by the rebuild job.
type ScopeRebuilder interface {
	Rebuild(ctx context.Context, scope settlement.Scope) (settlement.RebuildResult, error)
	Scopes(ctx context.Context, groupID int64) ([]settlement.Scope, error)
}

// SettlementRebuildJob rebuilds the cached allocation state of one or more scopes.
type SettlementRebuildJob struct {
	Service     ScopeRebuilder
	Logger      *slog.Logger
	Metrics     *jobmetrics.Metrics
	Parallelism int
}

// RebuildSummary aggregates a fan-out run.
type RebuildSummary struct {
	Scopes     int
	Changed    int
	Findings   int
	Conflicts  int
	Violations int
	Mismatches int
}

// NewSettlementRebuildJob constructs the job handler.
func NewSettlementRebuildJob(service ScopeRebuilder, logger *slog.Logger, metrics *jobmetrics.Metrics, parallelism int) *SettlementRebuildJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &SettlementRebuildJob{Service: service, Logger: logger, Metrics: metrics, Parallelism: parallelism}
}

// Handle processes the Asynq task.
func (j *SettlementRebuildJob) Handle(ctx context.Context, task *asynq.Task) (err error) {
	tracker := j.metrics().Track(TaskSettlementRebuild)
	defer func() {
		err = tracker.End(err)
	}()
	if j.Service == nil {
		return fmt.Errorf("settlement service unavailable: %w", asynq.SkipRetry)
	}
	var payload SettlementRebuildPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	if payload.SiteID != nil {
		scope := settlement.Scope{GroupID: payload.GroupID, SiteID: *payload.SiteID}
		if err := scope.Validate(); err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return j.rebuildOne(ctx, scope)
	}
	summary, err := j.Run(ctx, payload.GroupID)
	j.logger().Info("settlement rebuild complete",
		slog.Int64("group_id", payload.GroupID),
		slog.Int("scopes", summary.Scopes),
		slog.Int("changed", summary.Changed),
		slog.Int("conflicts", summary.Conflicts),
		slog.Int("findings", summary.Findings),
	)
	return err
}

func (j *SettlementRebuildJob) rebuildOne(ctx context.Context, scope settlement.Scope) error {
	result, err := j.Service.Rebuild(ctx, scope)
	switch {
	case errors.Is(err, lock.ErrConcurrencyConflict):
		// another rebuild holds the scope; it will pick up the same records
		return fmt.Errorf("scope %s: %v: %w", scope, err, asynq.SkipRetry)
	case errors.Is(err, settlement.ErrUnknownScope):
		return fmt.Errorf("scope %s: %v: %w", scope, err, asynq.SkipRetry)
	case err != nil:
		return err
	}
	j.recordFindings(scope.GroupID, result)
	return nil
}

// Run rebuilds every scope of groupID, or every scope when groupID is zero.
// Site scopes go first and group scopes after them, since a group scope
// pays what its sites leave unpaid. Scopes held by another rebuild are
// skipped. Remaining failures are joined.
func (j *SettlementRebuildJob) Run(ctx context.Context, groupID int64) (RebuildSummary, error) {
	scopes, err := j.Service.Scopes(ctx, groupID)
	if err != nil {
		return RebuildSummary{}, fmt.Errorf("list scopes: %w", err)
	}
	var sites, groups []settlement.Scope
	for _, scope := range scopes {
		if scope.IsGroup() {
			groups = append(groups, scope)
		} else {
			sites = append(sites, scope)
		}
	}

	run := &rebuildRun{summary: RebuildSummary{Scopes: len(scopes)}}
	for _, phase := range [][]settlement.Scope{sites, groups} {
		if err := j.runPhase(ctx, phase, run); err != nil {
			return run.summary, err
		}
	}
	return run.summary, errors.Join(run.errs...)
}

type rebuildRun struct {
	mu      sync.Mutex
	summary RebuildSummary
	errs    []error
}

func (j *SettlementRebuildJob) runPhase(ctx context.Context, scopes []settlement.Scope, run *rebuildRun) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.parallelism())
	for _, scope := range scopes {
		g.Go(func() error {
			result, err := j.Service.Rebuild(gctx, scope)
			run.mu.Lock()
			defer run.mu.Unlock()
			switch {
			case errors.Is(err, lock.ErrConcurrencyConflict):
				run.summary.Conflicts++
				return nil
			case err != nil:
				run.errs = append(run.errs, fmt.Errorf("scope %s: %w", scope, err))
				return nil
			}
			if result.Changed > 0 {
				run.summary.Changed++
			}
			if !result.Clean() {
				run.summary.Findings++
				run.summary.Violations += len(result.Violations)
				run.summary.Mismatches += len(result.Mismatches)
			}
			j.recordFindings(scope.GroupID, result)
			return nil
		})
	}
	return g.Wait()
}

func (j *SettlementRebuildJob) recordFindings(groupID int64, result settlement.RebuildResult) {
	m := j.metrics()
	m.AddFindings("fifo_violation", groupID, len(result.Violations))
	m.AddFindings("split_mismatch", groupID, len(result.Mismatches))
}

func (j *SettlementRebuildJob) parallelism() int {
	if j.Parallelism <= 0 {
		return 4
	}
	return j.Parallelism
}

func (j *SettlementRebuildJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}

func (j *SettlementRebuildJob) metrics() *jobmetrics.Metrics {
	return j.Metrics
}
