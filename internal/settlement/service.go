package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/siteledger/siteledger/internal/events"
	"github.com/siteledger/siteledger/internal/platform/lock"
	"github.com/siteledger/siteledger/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	LoadScope(ctx context.Context, scope Scope) (ScopeData, error)
	ListScopes(ctx context.Context, groupID int64) ([]Scope, error)
}

// RebuildScheduler defers rebuilds to a background queue.
type RebuildScheduler interface {
	ScheduleRebuild(ctx context.Context, scope Scope) error
}

// Config groups service settings.
type Config struct {
	PaidTolerance decimal.Decimal
	LockTTL       time.Duration
}

// Service coordinates settlement entries, payments and waterfall rebuilds.
type Service struct {
	repo      RepositoryPort
	locker    lock.Locker
	publisher events.Publisher
	metrics   *Metrics
	scheduler RebuildScheduler
	logger    *slog.Logger
	tolerance decimal.Decimal
	lockTTL   time.Duration
	now       func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, locker lock.Locker, publisher events.Publisher, metrics *Metrics, logger *slog.Logger, cfg Config) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	if publisher == nil {
		publisher = events.LogPublisher{Logger: logger}
	}
	tolerance := cfg.PaidTolerance
	if tolerance.IsNegative() || tolerance.IsZero() {
		tolerance = DefaultTolerance
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Service{
		repo:      repo,
		locker:    locker,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger.With(slog.String("component", "settlement")),
		tolerance: tolerance,
		lockTTL:   ttl,
		now:       time.Now,
	}
}

// SetScheduler routes the rebuilds triggered by RecordEntry to a queue
// instead of running them inline.
func (s *Service) SetScheduler(scheduler RebuildScheduler) {
	s.scheduler = scheduler
}

// Tolerance exposes the fully-paid tolerance in use.
func (s *Service) Tolerance() decimal.Decimal {
	return s.tolerance
}

// RecordEntry inserts a dated charge and refreshes the scopes it lands in.
// Shared entries are split across sites by the input weights.
func (s *Service) RecordEntry(ctx context.Context, input EntryInput) (EntryResult, error) {
	entry, err := s.buildEntry(input)
	if err != nil {
		return EntryResult{}, err
	}

	var saved Entry
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ok, err := tx.GroupExists(ctx, input.GroupID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: group %d", ErrUnknownScope, input.GroupID)
		}
		saved, err = tx.InsertEntry(ctx, entry)
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "settlement.entry_recorded",
			Entity:   "settlement_entry",
			EntityID: fmt.Sprint(saved.ID),
			Meta: map[string]any{
				"total":       saved.Total.String(),
				"shared":      saved.Shared,
				"allocations": len(saved.Allocations),
			},
			At: s.now(),
		})
	})
	if err != nil {
		return EntryResult{}, err
	}

	result := EntryResult{Entry: saved, Scopes: affectedScopes(saved)}
	for _, scope := range result.Scopes {
		if s.scheduler != nil {
			if err := s.scheduler.ScheduleRebuild(ctx, scope); err != nil {
				s.logger.Warn("schedule rebuild failed", slog.String("scope", scope.Key()), slog.Any("error", err))
			}
			continue
		}
		rebuilt, err := s.rebuildScope(ctx, scope)
		if err != nil {
			// The entry is committed; the next rebuild of the scope picks it up.
			s.logger.Warn("rebuild after entry failed", slog.Int64("entry_id", saved.ID), slog.String("scope", scope.Key()), slog.Any("error", err))
			continue
		}
		result.Rebuilds = append(result.Rebuilds, rebuilt)
	}
	return result, nil
}

func (s *Service) buildEntry(input EntryInput) (Entry, error) {
	if input.GroupID <= 0 {
		return Entry{}, fmt.Errorf("%w: group required", ErrInvalidEntry)
	}
	if input.OccurredOn.IsZero() {
		return Entry{}, fmt.Errorf("%w: date required", ErrInvalidEntry)
	}
	if !input.Total.IsPositive() {
		return Entry{}, fmt.Errorf("%w: total must be positive", ErrInvalidEntry)
	}
	entry := Entry{
		GroupID:    input.GroupID,
		AccountID:  input.AccountID,
		OccurredOn: input.OccurredOn,
		Total:      input.Total.Round(2),
		Shared:     input.Shared,
		Note:       input.Note,
	}
	if !input.Shared {
		if input.SiteID <= 0 {
			return Entry{}, fmt.Errorf("%w: direct entry needs a site", ErrInvalidEntry)
		}
		if len(input.Weights) > 0 {
			return Entry{}, fmt.Errorf("%w: weights only apply to shared entries", ErrInvalidEntry)
		}
		entry.SiteID = input.SiteID
		return entry, nil
	}
	if input.SiteID != 0 {
		return Entry{}, fmt.Errorf("%w: shared entry cannot name a site", ErrInvalidEntry)
	}
	allocations, err := SplitAmount(entry.Total, input.Weights)
	if err != nil {
		return Entry{}, err
	}
	entry.Allocations = allocations
	return entry, nil
}

// affectedScopes lists the site scopes first; the group scope of a shared
// entry comes last because it pays what the sites leave.
func affectedScopes(e Entry) []Scope {
	if !e.Shared {
		return []Scope{{GroupID: e.GroupID, SiteID: e.SiteID}}
	}
	var scopes []Scope
	for _, a := range e.Allocations {
		scopes = append(scopes, Scope{GroupID: e.GroupID, SiteID: a.SiteID})
	}
	return append(scopes, GroupScope(e.GroupID))
}

// RecordPayment inserts a payment and rebuilds its scope in the same
// database transaction. A repeated idempotency key is rejected.
func (s *Service) RecordPayment(ctx context.Context, input PaymentInput) (PaymentResult, error) {
	if input.GroupID <= 0 {
		return PaymentResult{}, fmt.Errorf("%w: group required", ErrInvalidPayment)
	}
	if input.SiteID < 0 {
		return PaymentResult{}, fmt.Errorf("%w: invalid site", ErrInvalidPayment)
	}
	if input.PaidOn.IsZero() {
		return PaymentResult{}, fmt.Errorf("%w: date required", ErrInvalidPayment)
	}
	if !input.Amount.IsPositive() {
		return PaymentResult{}, fmt.Errorf("%w: amount must be positive", ErrInvalidPayment)
	}
	scope := Scope{GroupID: input.GroupID, SiteID: input.SiteID}

	start := s.now()
	release, err := s.acquire(ctx, scope)
	if err != nil {
		s.metrics.ObserveRebuild(RebuildResult{}, err, 0)
		return PaymentResult{}, err
	}
	defer release()

	var result PaymentResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if input.IdempotencyKey != "" {
			if err := tx.ClaimIdempotencyKey(ctx, input.IdempotencyKey); err != nil {
				return err
			}
		}
		ok, err := tx.GroupExists(ctx, input.GroupID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: group %d", ErrUnknownScope, input.GroupID)
		}
		payment, err := tx.InsertPayment(ctx, Payment{
			GroupID:   input.GroupID,
			SiteID:    input.SiteID,
			PaidOn:    input.PaidOn,
			Amount:    input.Amount.Round(2),
			Reference: input.Reference,
		})
		if err != nil {
			return err
		}
		rebuilt, err := s.rebuildTx(ctx, tx, scope, input.ActorID)
		if err != nil {
			return err
		}
		result = PaymentResult{Payment: payment, Rebuild: rebuilt}
		return nil
	})
	if err != nil {
		if !errors.Is(err, shared.ErrIdempotencyConflict) {
			s.metrics.ObserveRebuild(RebuildResult{}, err, 0)
		}
		return PaymentResult{}, err
	}
	s.finish(ctx, result.Rebuild, s.now().Sub(start))
	s.refreshGroup(ctx, result.Rebuild)
	return result, nil
}

// FindViolations runs the FIFO diagnostic over the cached state of a scope.
func (s *Service) FindViolations(ctx context.Context, scope Scope) ([]Violation, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	data, err := s.load(ctx, scope)
	if err != nil {
		return nil, err
	}
	return FindFifoViolations(scope, data.Entries, s.tolerance), nil
}

func (s *Service) load(ctx context.Context, scope Scope) (ScopeData, error) {
	data, err := s.repo.LoadScope(ctx, scope)
	if err != nil {
		return ScopeData{}, err
	}
	RollUp(data.Entries, s.tolerance)
	return data, nil
}

// Scopes lists every scope with records, limited to groupID when non-zero.
func (s *Service) Scopes(ctx context.Context, groupID int64) ([]Scope, error) {
	return s.repo.ListScopes(ctx, groupID)
}
