package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/siteledger/siteledger/internal/events"
	"github.com/siteledger/siteledger/internal/platform/lock"
	"github.com/siteledger/siteledger/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetAccount(ctx context.Context, id int64) (Account, error)
	ListTransactions(ctx context.Context, accountID int64) ([]Transaction, error)
	ListAccountIDs(ctx context.Context, groupID int64) ([]int64, error)
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	NegativeTolerance decimal.Decimal
	LockTTL           time.Duration
}

// DefaultNegativeTolerance is how far below zero a balance may dip from rounding.
var DefaultNegativeTolerance = decimal.RequireFromString("0.0001")

// maxSupersedeHops bounds superseded_by chains.
const maxSupersedeHops = 8

// Service coordinates inventory operations.
type Service struct {
	repo      RepositoryPort
	locker    lock.Locker
	publisher events.Publisher
	logger    *slog.Logger
	tolerance decimal.Decimal
	lockTTL   time.Duration
	now       func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, locker lock.Locker, publisher events.Publisher, logger *slog.Logger, cfg ServiceConfig) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = lock.NewLocal()
	}
	if publisher == nil {
		publisher = events.LogPublisher{Logger: logger}
	}
	tolerance := cfg.NegativeTolerance
	if !tolerance.IsPositive() {
		tolerance = DefaultNegativeTolerance
	}
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Service{
		repo:      repo,
		locker:    locker,
		publisher: publisher,
		logger:    logger.With(slog.String("component", "inventory")),
		tolerance: tolerance,
		lockTTL:   ttl,
		now:       time.Now,
	}
}

// GetAccount returns the canonical account for id, following merges.
func (s *Service) GetAccount(ctx context.Context, id int64) (Account, error) {
	if id <= 0 {
		return Account{}, fmt.Errorf("%w: %d", ErrUnknownAccount, id)
	}
	for hop := 0; hop < maxSupersedeHops; hop++ {
		acc, err := s.repo.GetAccount(ctx, id)
		if err != nil {
			return Account{}, err
		}
		if acc.Canonical() {
			return acc, nil
		}
		id = acc.SupersededBy
	}
	return Account{}, fmt.Errorf("%w: superseded chain too long", ErrUnknownAccount)
}

// ListTransactions returns the log of the canonical account for id.
func (s *Service) ListTransactions(ctx context.Context, id int64) ([]Transaction, error) {
	acc, err := s.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.repo.ListTransactions(ctx, acc.ID)
}

// AccountIDs lists canonical accounts, limited to groupID when non-zero.
func (s *Service) AccountIDs(ctx context.Context, groupID int64) ([]int64, error) {
	return s.repo.ListAccountIDs(ctx, groupID)
}

// RecordTransaction appends a movement and refreshes the cached balance in
// the same database transaction, holding the account row lock. Quantity and
// unit cost are rounded to their stored scale first, so the cached balance
// always equals the sum of the stored log.
func (s *Service) RecordTransaction(ctx context.Context, input RecordInput) (TransactionResult, error) {
	input.Qty = input.Qty.Round(QtyScale)
	input.UnitCost = input.UnitCost.Round(UnitCostScale)
	if err := validateRecord(input); err != nil {
		return TransactionResult{}, err
	}

	var result TransactionResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if input.IdempotencyKey != "" {
			if err := tx.ClaimIdempotencyKey(ctx, input.IdempotencyKey); err != nil {
				return err
			}
		}
		accountID := input.AccountID
		if accountID == 0 {
			id, err := tx.EnsureAccount(ctx, input.ResourceID, input.GroupID)
			if err != nil {
				return err
			}
			accountID = id
		}
		acc, err := lockCanonical(ctx, tx, accountID)
		if err != nil {
			return err
		}
		history, err := tx.ListTransactions(ctx, acc.ID)
		if err != nil {
			return err
		}
		state := replay(history)

		movement := Transaction{
			AccountID:  acc.ID,
			Type:       input.Type,
			OccurredOn: input.OccurredOn,
			RefModule:  input.RefModule,
			RefID:      input.RefID,
			Note:       input.Note,
			CreatedBy:  input.ActorID,
		}
		switch input.Type {
		case TransactionTypePurchase:
			movement.Qty = input.Qty
			movement.UnitCost = input.UnitCost
		case TransactionTypeUsage:
			movement.Qty = input.Qty.Neg()
			movement.UnitCost = state.avgCost()
		case TransactionTypeAdjustment:
			movement.Qty = input.Qty
			movement.UnitCost = state.avgCost()
		}
		movement.TotalCost = totalCost(movement.Qty, movement.UnitCost)
		if movement.OccurredOn.IsZero() {
			movement.OccurredOn = s.now().UTC()
		}

		next := state.apply(movement)
		if movement.Qty.IsNegative() && next.qty.LessThan(s.tolerance.Neg()) {
			return fmt.Errorf("%w: balance %s, movement %s", ErrNegativeStock, state.qty, movement.Qty)
		}
		saved, err := tx.InsertTransaction(ctx, movement)
		if err != nil {
			return err
		}
		acc.Qty = next.qty
		acc.AvgCost = next.avgCost()
		if err := tx.UpdateBalance(ctx, acc); err != nil {
			return err
		}
		result = TransactionResult{Transaction: saved, Account: acc, Redirected: accountID != acc.ID}
		return nil
	})
	if err != nil {
		return TransactionResult{}, err
	}

	s.publish(ctx, events.TypeTransactionRecorded, result.Account.ID, events.TransactionRecorded{
		AccountID:     result.Account.ID,
		TransactionID: result.Transaction.ID,
		Type:          string(result.Transaction.Type),
		Qty:           result.Transaction.Qty,
		BalanceQty:    result.Account.Qty,
		OccurredAt:    s.now(),
	})
	return result, nil
}

func validateRecord(input RecordInput) error {
	if !input.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, input.Type)
	}
	if input.AccountID == 0 && (input.ResourceID <= 0 || input.GroupID <= 0) {
		return fmt.Errorf("%w: account or resource and group required", ErrUnknownAccount)
	}
	if input.AccountID < 0 {
		return fmt.Errorf("%w: %d", ErrUnknownAccount, input.AccountID)
	}
	if input.Qty.IsZero() {
		return fmt.Errorf("%w: quantity is zero at %d decimal places", ErrInvalidQuantity, QtyScale)
	}
	if input.Type != TransactionTypeAdjustment && input.Qty.IsNegative() {
		return fmt.Errorf("%w: %s quantity must be positive", ErrInvalidQuantity, input.Type)
	}
	if input.UnitCost.IsNegative() {
		return ErrInvalidUnitCost
	}
	if input.RefID != "" {
		if _, err := uuid.Parse(input.RefID); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidReference, err)
		}
	}
	return nil
}

// lockCanonical locks id and follows superseded_by to the live account.
func lockCanonical(ctx context.Context, tx TxRepository, id int64) (Account, error) {
	for hop := 0; hop < maxSupersedeHops; hop++ {
		acc, err := tx.GetAccountForUpdate(ctx, id)
		if err != nil {
			return Account{}, err
		}
		if acc.Canonical() {
			return acc, nil
		}
		id = acc.SupersededBy
	}
	return Account{}, fmt.Errorf("%w: superseded chain too long", ErrUnknownAccount)
}

// RecomputeBalance replays every non-voided transaction and overwrites the
// cached balance and average cost.
func (s *Service) RecomputeBalance(ctx context.Context, accountID int64) (BalanceResult, error) {
	var result BalanceResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		acc, err := lockCanonical(ctx, tx, accountID)
		if err != nil {
			return err
		}
		result, err = recompute(ctx, tx, acc)
		return err
	})
	if err != nil {
		return BalanceResult{}, err
	}
	if result.Changed {
		s.logger.Warn("inventory balance drift repaired",
			slog.Int64("account_id", result.Account.ID),
			slog.String("drift", result.Drift.String()))
	}
	return result, nil
}

func recompute(ctx context.Context, tx TxRepository, acc Account) (BalanceResult, error) {
	history, err := tx.ListTransactions(ctx, acc.ID)
	if err != nil {
		return BalanceResult{}, err
	}
	state := replay(history)
	result := BalanceResult{
		Transactions: state.count,
		Drift:        state.qty.Sub(acc.Qty),
	}
	avg := state.avgCost()
	result.Changed = !state.qty.Equal(acc.Qty) || !avg.Equal(acc.AvgCost)
	acc.Qty = state.qty
	acc.AvgCost = avg
	if result.Changed {
		if err := tx.UpdateBalance(ctx, acc); err != nil {
			return BalanceResult{}, err
		}
	}
	result.Account = acc
	return result, nil
}

// VoidTransaction marks a transaction void and recomputes its account. A
// void that would leave the balance negative is rejected.
func (s *Service) VoidTransaction(ctx context.Context, input VoidInput) (BalanceResult, error) {
	if input.TransactionID <= 0 {
		return BalanceResult{}, fmt.Errorf("%w: %d", ErrUnknownTransaction, input.TransactionID)
	}
	var result BalanceResult
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		target, err := tx.GetTransactionForUpdate(ctx, input.TransactionID)
		if err != nil {
			return err
		}
		if target.Voided {
			return fmt.Errorf("%w: %d", ErrAlreadyVoided, target.ID)
		}
		acc, err := lockCanonical(ctx, tx, target.AccountID)
		if err != nil {
			return err
		}
		history, err := tx.ListTransactions(ctx, acc.ID)
		if err != nil {
			return err
		}
		for i := range history {
			if history[i].ID == target.ID {
				history[i].Voided = true
			}
		}
		if replay(history).qty.LessThan(s.tolerance.Neg()) {
			return fmt.Errorf("%w: voiding %d", ErrNegativeStock, target.ID)
		}
		if err := tx.MarkVoided(ctx, target.ID, input.Reason); err != nil {
			return err
		}
		result, err = recompute(ctx, tx, acc)
		if err != nil {
			return err
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "inventory.void",
			Entity:   "inventory_transaction",
			EntityID: fmt.Sprint(target.ID),
			Meta:     map[string]any{"account_id": acc.ID, "reason": input.Reason, "qty": target.Qty.String()},
			At:       s.now(),
		})
	})
	if err != nil {
		return BalanceResult{}, err
	}
	return result, nil
}

// MergeAccounts folds duplicate accounts into the primary: their
// transactions and settlement entries move over, they are marked superseded
// with a zero balance, and the primary is recomputed, all in one database
// transaction.
func (s *Service) MergeAccounts(ctx context.Context, input MergeInput) (MergeResult, error) {
	dups, err := normaliseMerge(input)
	if err != nil {
		return MergeResult{}, err
	}
	release, err := s.locker.TryLock(ctx, lock.AccountKey(input.PrimaryID), s.lockTTL)
	if err != nil {
		return MergeResult{}, err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("release account lock", slog.Int64("account_id", input.PrimaryID), slog.Any("error", err))
		}
	}()

	var result MergeResult
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ids := append([]int64{input.PrimaryID}, dups...)
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		locked, err := tx.LockAccounts(ctx, ids)
		if err != nil {
			return err
		}
		byID := make(map[int64]Account, len(locked))
		for _, acc := range locked {
			byID[acc.ID] = acc
		}
		primary, ok := byID[input.PrimaryID]
		if !ok {
			return fmt.Errorf("%w: %d", ErrUnknownAccount, input.PrimaryID)
		}
		for _, id := range ids {
			acc, ok := byID[id]
			if !ok {
				return fmt.Errorf("%w: %d", ErrUnknownAccount, id)
			}
			if !acc.Canonical() {
				return fmt.Errorf("%w: account %d already superseded by %d", ErrInvalidMerge, id, acc.SupersededBy)
			}
			if acc.ResourceID != primary.ResourceID || acc.GroupID != primary.GroupID {
				return fmt.Errorf("%w: account %d", ErrCrossGroupMerge, id)
			}
		}

		moved, err := tx.ReassignTransactions(ctx, dups, primary.ID)
		if err != nil {
			return err
		}
		entries, err := tx.ReassignEntries(ctx, dups, primary.ID)
		if err != nil {
			return err
		}
		if err := tx.MarkSuperseded(ctx, dups, primary.ID); err != nil {
			return err
		}
		balance, err := recompute(ctx, tx, primary)
		if err != nil {
			return err
		}
		result = MergeResult{
			Primary:                balance.Account,
			Superseded:             dups,
			ReassignedTransactions: moved,
			ReassignedEntries:      entries,
			Transactions:           balance.Transactions,
		}
		return tx.RecordAudit(ctx, shared.AuditLog{
			ActorID:  input.ActorID,
			Action:   "inventory.merge",
			Entity:   "inventory_account",
			EntityID: fmt.Sprint(primary.ID),
			Meta: map[string]any{
				"duplicates":   dups,
				"transactions": moved,
				"entries":      entries,
				"qty":          balance.Account.Qty.String(),
			},
			At: s.now(),
		})
	})
	if err != nil {
		return MergeResult{}, err
	}

	s.logger.Info("inventory accounts merged",
		slog.Int64("primary_id", result.Primary.ID),
		slog.Any("duplicates", result.Superseded),
		slog.Int64("transactions", result.ReassignedTransactions))
	s.publish(ctx, events.TypeAccountsMerged, result.Primary.ID, events.AccountsMerged{
		PrimaryID:    result.Primary.ID,
		DuplicateIDs: result.Superseded,
		Reassigned:   int(result.ReassignedTransactions),
		Qty:          result.Primary.Qty,
		OccurredAt:   s.now(),
	})
	return result, nil
}

func normaliseMerge(input MergeInput) ([]int64, error) {
	if input.PrimaryID <= 0 {
		return nil, fmt.Errorf("%w: primary required", ErrInvalidMerge)
	}
	if len(input.DuplicateIDs) == 0 {
		return nil, fmt.Errorf("%w: no duplicates", ErrInvalidMerge)
	}
	seen := make(map[int64]bool, len(input.DuplicateIDs))
	dups := make([]int64, 0, len(input.DuplicateIDs))
	for _, id := range input.DuplicateIDs {
		if id == input.PrimaryID {
			return nil, fmt.Errorf("%w: primary %d listed as duplicate", ErrInvalidMerge, id)
		}
		if id <= 0 {
			return nil, fmt.Errorf("%w: %d", ErrUnknownAccount, id)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		dups = append(dups, id)
	}
	sort.Slice(dups, func(i, j int) bool { return dups[i] < dups[j] })
	return dups, nil
}

func (s *Service) publish(ctx context.Context, eventType string, accountID int64, payload any) {
	if err := s.publisher.Publish(ctx, eventType, fmt.Sprint(accountID), payload); err != nil {
		s.logger.Warn("publish inventory event", slog.String("type", eventType), slog.Any("error", err))
	}
}

// IsClientError reports whether err was caused by the request rather than
// the system.
func IsClientError(err error) bool {
	for _, target := range []error{
		ErrInvalidQuantity, ErrInvalidUnitCost, ErrInvalidType, ErrUnknownAccount, ErrUnknownTransaction,
		ErrAlreadyVoided, ErrInvalidReference, ErrCrossGroupMerge, ErrInvalidMerge, lock.ErrConcurrencyConflict, shared.ErrIdempotencyConflict,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
