package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType enumerates supported inventory movements.
type TransactionType string

const (
	// TransactionTypePurchase adds stock at a unit cost.
	TransactionTypePurchase TransactionType = "purchase"
	// TransactionTypeUsage consumes stock at the running average cost.
	TransactionTypeUsage TransactionType = "usage"
	// TransactionTypeAdjustment corrects stock by a signed quantity.
	TransactionTypeAdjustment TransactionType = "adjustment"
)

// Valid reports whether t is a known movement type.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypePurchase, TransactionTypeUsage, TransactionTypeAdjustment:
		return true
	}
	return false
}

// Account holds the cached balance of one resource owned by one group.
// SupersededBy is non-zero once the account was merged into another.
type Account struct {
	ID           int64           `json:"id"`
	ResourceID   int64           `json:"resource_id"`
	GroupID      int64           `json:"group_id"`
	Qty          decimal.Decimal `json:"qty"`
	AvgCost      decimal.Decimal `json:"avg_cost"`
	SupersededBy int64           `json:"superseded_by,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Canonical reports whether the account is still live.
func (a Account) Canonical() bool {
	return a.SupersededBy == 0
}

// Transaction is one append-only stock movement. Qty is signed.
type Transaction struct {
	ID         int64           `json:"id"`
	AccountID  int64           `json:"account_id"`
	Type       TransactionType `json:"type"`
	Qty        decimal.Decimal `json:"qty"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
	TotalCost  decimal.Decimal `json:"total_cost"`
	OccurredOn time.Time       `json:"occurred_on"`
	RefModule  string          `json:"ref_module,omitempty"`
	RefID      string          `json:"ref_id,omitempty"`
	Note       string          `json:"note,omitempty"`
	Voided     bool            `json:"voided"`
	CreatedBy  int64           `json:"created_by,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// RecordInput describes a movement. Either AccountID or the
// (ResourceID, GroupID) pair identifies the account; the pair creates the
// account on first use. Usage Qty is a positive magnitude.
type RecordInput struct {
	AccountID      int64
	ResourceID     int64
	GroupID        int64
	Type           TransactionType
	Qty            decimal.Decimal
	UnitCost       decimal.Decimal
	OccurredOn     time.Time
	RefModule      string
	RefID          string
	Note           string
	IdempotencyKey string
	ActorID        int64
}

// TransactionResult reports a recorded movement and the balance after it.
type TransactionResult struct {
	Transaction Transaction `json:"transaction"`
	Account     Account     `json:"account"`
	Redirected  bool        `json:"redirected"`
}

// BalanceResult reports a recompute.
type BalanceResult struct {
	Account      Account         `json:"account"`
	Transactions int             `json:"transactions"`
	Drift        decimal.Decimal `json:"drift"`
	Changed      bool            `json:"changed"`
}

// MergeInput folds DuplicateIDs into PrimaryID.
type MergeInput struct {
	PrimaryID    int64
	DuplicateIDs []int64
	ActorID      int64
}

// MergeResult reports a completed merge.
type MergeResult struct {
	Primary                Account `json:"primary"`
	Superseded             []int64 `json:"superseded"`
	ReassignedTransactions int64   `json:"reassigned_transactions"`
	ReassignedEntries      int64   `json:"reassigned_entries"`
	Transactions           int     `json:"transactions"`
}

// VoidInput voids one transaction.
type VoidInput struct {
	TransactionID int64
	Reason        string
	ActorID       int64
}

var (
	// ErrInvalidQuantity indicates invalid qty.
	ErrInvalidQuantity = errors.New("inventory: invalid quantity")
	// ErrNegativeStock triggered when movement would result negative qty.
	ErrNegativeStock = fmt.Errorf("%w: negative stock not allowed", ErrInvalidQuantity)
	// ErrInvalidUnitCost indicates invalid cost value.
	ErrInvalidUnitCost = errors.New("inventory: unit cost must be >= 0")
	// ErrInvalidType indicates an unknown movement type.
	ErrInvalidType = errors.New("inventory: unknown transaction type")
	// ErrInvalidReference indicates a malformed originating document id.
	ErrInvalidReference = errors.New("inventory: invalid ref id")
	// ErrUnknownAccount indicates a missing account.
	ErrUnknownAccount = errors.New("inventory: unknown account")
	// ErrUnknownTransaction indicates a missing transaction.
	ErrUnknownTransaction = errors.New("inventory: unknown transaction")
	// ErrAlreadyVoided indicates a second void of the same transaction.
	ErrAlreadyVoided = errors.New("inventory: transaction already voided")
	// ErrCrossGroupMerge indicates accounts of different resources or groups.
	ErrCrossGroupMerge = errors.New("inventory: accounts belong to different resources or groups")
	// ErrInvalidMerge indicates a malformed merge request.
	ErrInvalidMerge = errors.New("inventory: invalid merge")
)
