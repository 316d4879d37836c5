package inventory

import (
	"github.com/shopspring/decimal"
)

// Stored scales of quantities and unit costs.
const (
	QtyScale      int32 = 4
	UnitCostScale int32 = 6
)

// ledgerState is the running fold of an account's non-voided transactions.
type ledgerState struct {
	qty            decimal.Decimal
	purchasedQty   decimal.Decimal
	purchasedValue decimal.Decimal
	count          int
}

func (s ledgerState) apply(tx Transaction) ledgerState {
	if tx.Voided {
		return s
	}
	s.qty = s.qty.Add(tx.Qty)
	if tx.Type == TransactionTypePurchase {
		s.purchasedQty = s.purchasedQty.Add(tx.Qty)
		s.purchasedValue = s.purchasedValue.Add(tx.Qty.Mul(tx.UnitCost))
	}
	s.count++
	return s
}

// avgCost is Σ(qty × unit cost) / Σ qty over purchases.
func (s ledgerState) avgCost() decimal.Decimal {
	if !s.purchasedQty.IsPositive() {
		return decimal.Zero
	}
	return s.purchasedValue.Div(s.purchasedQty).Round(6)
}

// Replay folds txs in order and returns the derived balance and average cost.
func Replay(txs []Transaction) (qty, avgCost decimal.Decimal) {
	s := replay(txs)
	return s.qty, s.avgCost()
}

func replay(txs []Transaction) ledgerState {
	var s ledgerState
	for _, tx := range txs {
		s = s.apply(tx)
	}
	return s
}

// totalCost is Qty × UnitCost rounded to 4 decimal places.
func totalCost(qty, unitCost decimal.Decimal) decimal.Decimal {
	return qty.Mul(unitCost).Round(4)
}
