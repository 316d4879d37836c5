package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/siteledger/siteledger/internal/jobs"
	"github.com/siteledger/siteledger/internal/platform/lock"
	"github.com/siteledger/siteledger/internal/settlement"
)

// ViolationFinder is the settlement surface used by the audit.
type ViolationFinder interface {
	FindViolations(ctx context.Context, scope settlement.Scope) ([]settlement.Violation, error)
	Scopes(ctx context.Context, groupID int64) ([]settlement.Scope, error)
	Rebuild(ctx context.Context, scope settlement.Scope) (settlement.RebuildResult, error)
}

// FifoAuditJob scans cached allocation state for FIFO violations.
type FifoAuditJob struct {
	Service ViolationFinder
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// AuditReport lists the scopes with findings.
type AuditReport struct {
	RanAt      time.Time
	Scopes     int
	Violations map[string][]settlement.Violation
	Repaired   []settlement.Scope
}

// NewFifoAuditJob constructs the audit handler.
func NewFifoAuditJob(service ViolationFinder, logger *slog.Logger, metrics *jobmetrics.Metrics) *FifoAuditJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &FifoAuditJob{Service: service, Logger: logger, Metrics: metrics, clock: time.Now}
}

// Handle processes the Asynq task.
func (j *FifoAuditJob) Handle(ctx context.Context, task *asynq.Task) (err error) {
	tracker := j.Metrics.Track(TaskSettlementFifoAudit)
	defer func() {
		err = tracker.End(err)
	}()
	var payload FifoAuditPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	_, err = j.Run(ctx, payload)
	return err
}

// Run audits every scope selected by payload.
func (j *FifoAuditJob) Run(ctx context.Context, payload FifoAuditPayload) (AuditReport, error) {
	if j.Service == nil {
		return AuditReport{}, fmt.Errorf("settlement service unavailable: %w", asynq.SkipRetry)
	}
	now := time.Now
	if j.clock != nil {
		now = j.clock
	}
	report := AuditReport{RanAt: now().UTC(), Violations: map[string][]settlement.Violation{}}
	scopes, err := j.Service.Scopes(ctx, payload.GroupID)
	if err != nil {
		return report, fmt.Errorf("list scopes: %w", err)
	}
	report.Scopes = len(scopes)

	var errs []error
	for _, scope := range scopes {
		violations, err := j.Service.FindViolations(ctx, scope)
		if err != nil {
			errs = append(errs, fmt.Errorf("scope %s: %w", scope, err))
			continue
		}
		if len(violations) == 0 {
			continue
		}
		report.Violations[scope.Key()] = violations
		j.Metrics.AddFindings("fifo_violation", scope.GroupID, len(violations))
		j.Logger.Warn("fifo violations detected",
			slog.String("scope", scope.Key()),
			slog.Int("count", len(violations)),
			slog.String("first", violations[0].String()),
		)
		if !payload.Repair {
			continue
		}
		if _, err := j.Service.Rebuild(ctx, scope); err != nil {
			if errors.Is(err, lock.ErrConcurrencyConflict) {
				continue
			}
			errs = append(errs, fmt.Errorf("repair %s: %w", scope, err))
			continue
		}
		report.Repaired = append(report.Repaired, scope)
	}
	return report, errors.Join(errs...)
}
