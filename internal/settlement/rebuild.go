package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/siteledger/siteledger/internal/events"
	"github.com/siteledger/siteledger/internal/platform/lock"
	"github.com/siteledger/siteledger/internal/shared"
)

// Rebuilder replays a scope's payments over its full history.
type Rebuilder interface {
	Rebuild(ctx context.Context, scope Scope) (RebuildResult, error)
}

var _ Rebuilder = (*Service)(nil)

// Rebuild resets every item of scope, re-runs the allocator and persists the
// items whose paid state changed. Findings are reported in the result and
// never roll the rebuild back. A held scope fails with
// lock.ErrConcurrencyConflict. A site rebuild that moved allocation state
// is followed by a rebuild of the group scope.
func (s *Service) Rebuild(ctx context.Context, scope Scope) (RebuildResult, error) {
	result, err := s.rebuildScope(ctx, scope)
	if err != nil {
		return RebuildResult{}, err
	}
	s.refreshGroup(ctx, result)
	return result, nil
}

func (s *Service) rebuildScope(ctx context.Context, scope Scope) (RebuildResult, error) {
	if err := scope.Validate(); err != nil {
		return RebuildResult{}, err
	}
	start := s.now()
	release, err := s.acquire(ctx, scope)
	if err != nil {
		s.metrics.ObserveRebuild(RebuildResult{}, err, 0)
		return RebuildResult{}, err
	}
	defer release()

	var result RebuildResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		result, err = s.rebuildTx(ctx, tx, scope, 0)
		return err
	})
	if err != nil {
		s.metrics.ObserveRebuild(RebuildResult{}, err, 0)
		return RebuildResult{}, err
	}
	s.finish(ctx, result, s.now().Sub(start))
	return result, nil
}

func (s *Service) rebuildTx(ctx context.Context, tx TxRepository, scope Scope, actorID int64) (RebuildResult, error) {
	data, err := tx.LoadScopeForUpdate(ctx, scope)
	if err != nil {
		return RebuildResult{}, err
	}
	RollUp(data.Entries, s.tolerance)
	before := ScopeItems(scope, data.Entries)
	outcome := Allocate(scope, data.Entries, data.Payments, s.tolerance)
	changed := Changed(before, outcome.Items)
	allocations := 0
	for _, item := range changed {
		switch {
		case item.Kind == ItemAllocation:
			allocations++
			err = tx.UpdateAllocationPaid(ctx, item)
		case scope.IsGroup():
			err = tx.UpdateGroupPaid(ctx, item)
		default:
			err = tx.UpdateEntryPaid(ctx, item)
		}
		if err != nil {
			return RebuildResult{}, fmt.Errorf("persist %s: %w", item.Ref(), err)
		}
	}

	after := Apply(data.Entries, outcome.Items, s.tolerance)
	result := RebuildResult{
		Scope:              scope,
		Items:              len(outcome.Items),
		Changed:            len(changed),
		AllocationsChanged: allocations,
		Applied:            outcome.Applied,
		Surplus:            outcome.Surplus,
		Outstanding:        outcome.Outstanding,
		Violations:         FindFifoViolations(scope, after, s.tolerance),
		Mismatches:         CheckSplits(after, s.tolerance),
	}
	if result.Changed == 0 && result.Clean() {
		return result, nil
	}
	err = tx.RecordAudit(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "settlement.rebuild",
		Entity:   "settlement_scope",
		EntityID: scope.Key(),
		Meta: map[string]any{
			"changed":    result.Changed,
			"surplus":    result.Surplus.String(),
			"violations": len(result.Violations),
			"mismatches": len(result.Mismatches),
		},
		At: s.now(),
	})
	if err != nil {
		return RebuildResult{}, err
	}
	return result, nil
}

// refreshGroup rebuilds the group scope after a site rebuild changed
// allocations, since the group only pays what the sites left unpaid.
func (s *Service) refreshGroup(ctx context.Context, result RebuildResult) {
	if result.Scope.IsGroup() || result.AllocationsChanged == 0 {
		return
	}
	group := GroupScope(result.Scope.GroupID)
	if s.scheduler != nil {
		if err := s.scheduler.ScheduleRebuild(ctx, group); err != nil {
			s.logger.Warn("schedule group rebuild failed", slog.String("scope", group.Key()), slog.Any("error", err))
		}
		return
	}
	if _, err := s.rebuildScope(ctx, group); err != nil {
		s.logger.Warn("group rebuild after site rebuild failed", slog.String("scope", group.Key()), slog.Any("error", err))
	}
}

func (s *Service) acquire(ctx context.Context, scope Scope) (func(), error) {
	release, err := s.locker.TryLock(ctx, lock.ScopeKey(scope.GroupID, scope.SiteID), s.lockTTL)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release scope lock", slog.String("scope", scope.Key()), slog.Any("error", err))
		}
	}, nil
}

func (s *Service) finish(ctx context.Context, result RebuildResult, elapsed time.Duration) {
	s.metrics.ObserveRebuild(result, nil, elapsed)

	attrs := []any{
		slog.String("scope", result.Scope.Key()),
		slog.Int("items", result.Items),
		slog.Int("changed", result.Changed),
		slog.String("surplus", result.Surplus.String()),
		slog.Duration("elapsed", elapsed),
	}
	if result.Clean() {
		s.logger.Info("scope rebuilt", attrs...)
	} else {
		attrs = append(attrs,
			slog.Int("violations", len(result.Violations)),
			slog.Int("mismatches", len(result.Mismatches)),
			slog.Any("error", result.Err()),
		)
		s.logger.Warn("scope rebuilt with findings", attrs...)
	}

	err := s.publisher.Publish(ctx, events.TypeScopeRebuilt, result.Scope.Key(), events.ScopeRebuilt{
		GroupID:    result.Scope.GroupID,
		SiteID:     result.Scope.SiteID,
		Items:      result.Items,
		Changed:    result.Changed,
		Surplus:    result.Surplus,
		Violations: len(result.Violations),
		Mismatches: len(result.Mismatches),
		OccurredAt: s.now(),
	})
	if err != nil {
		s.logger.Warn("publish scope rebuilt", slog.String("scope", result.Scope.Key()), slog.Any("error", err))
	}
}
