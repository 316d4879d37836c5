// Package events defines the domain events emitted after reconciliation work
// commits, and the publisher port used to ship them.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// TypeAccountsMerged is emitted after duplicate inventory accounts are folded into a primary.
	TypeAccountsMerged = "inventory.accounts_merged"
	// TypeTransactionRecorded is emitted after an inventory movement commits.
	TypeTransactionRecorded = "inventory.transaction_recorded"
	// TypeScopeRebuilt is emitted after a settlement waterfall rebuild commits.
	TypeScopeRebuilt = "settlement.scope_rebuilt"
)

// Publisher ships events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, eventType, key string, payload any) error
}

// AccountsMerged describes a completed inventory identity merge.
type AccountsMerged struct {
	PrimaryID    int64           `json:"primary_id"`
	DuplicateIDs []int64         `json:"duplicate_ids"`
	Reassigned   int             `json:"reassigned_transactions"`
	Qty          decimal.Decimal `json:"qty"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// TransactionRecorded describes one committed inventory movement.
type TransactionRecorded struct {
	AccountID     int64           `json:"account_id"`
	TransactionID int64           `json:"transaction_id"`
	Type          string          `json:"type"`
	Qty           decimal.Decimal `json:"qty"`
	BalanceQty    decimal.Decimal `json:"balance_qty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// ScopeRebuilt describes the outcome of a settlement rebuild.
type ScopeRebuilt struct {
	GroupID    int64           `json:"group_id"`
	SiteID     int64           `json:"site_id"`
	Items      int             `json:"items"`
	Changed    int             `json:"changed"`
	Surplus    decimal.Decimal `json:"surplus"`
	Violations int             `json:"violations"`
	Mismatches int             `json:"mismatches"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// LogPublisher writes events to a logger. Used when no broker is configured.
type LogPublisher struct {
	Logger *slog.Logger
}

// Publish logs the event at debug level.
func (p LogPublisher) Publish(_ context.Context, eventType, key string, payload any) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("event", slog.String("type", eventType), slog.String("key", key), slog.Any("payload", payload))
	return nil
}
