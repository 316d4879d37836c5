package settlement

import (
	"github.com/shopspring/decimal"
)

// FindFifoViolations reports every pair of items in scope where a later item
// is marked fully paid while an earlier one is not. It reads the cached
// paid state and never mutates entries. Items with nothing to pay are
// ignored on both sides.
func FindFifoViolations(scope Scope, entries []Entry, tolerance decimal.Decimal) []Violation {
	items := ScopeItems(scope, entries)
	var out []Violation
	for j, later := range items {
		if !later.FullyPaid || !later.Amount.GreaterThan(tolerance) {
			continue
		}
		for _, earlier := range items[:j] {
			if earlier.FullyPaid || !earlier.Amount.GreaterThan(tolerance) {
				continue
			}
			out = append(out, Violation{
				Scope:        scope,
				EarlierRef:   earlier.Ref(),
				EarlierDate:  earlier.OccurredOn,
				LaterRef:     later.Ref(),
				LaterDate:    later.OccurredOn,
				EarlierOwing: earlier.Outstanding().StringFixed(2),
			})
		}
	}
	return out
}
