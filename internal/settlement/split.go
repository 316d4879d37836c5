package settlement

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// SplitAmount divides total across sites in proportion to weights. Amounts
// are rounded to cents and the rounding remainder goes to the heaviest site
// (lowest site ID on ties), so the allocations always sum to total exactly.
func SplitAmount(total decimal.Decimal, weights map[int64]decimal.Decimal) ([]Allocation, error) {
	if !total.IsPositive() {
		return nil, fmt.Errorf("%w: total must be positive", ErrInvalidEntry)
	}
	if len(weights) == 0 {
		return nil, fmt.Errorf("%w: no sites", ErrInvalidWeights)
	}
	sites := make([]int64, 0, len(weights))
	sum := decimal.Zero
	for site, w := range weights {
		if site <= 0 {
			return nil, fmt.Errorf("%w: invalid site %d", ErrInvalidWeights, site)
		}
		if !w.IsPositive() {
			return nil, fmt.Errorf("%w: site %d weight %s", ErrInvalidWeights, site, w)
		}
		sites = append(sites, site)
		sum = sum.Add(w)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i] < sites[j] })

	heaviest := 0
	allocated := decimal.Zero
	out := make([]Allocation, len(sites))
	for i, site := range sites {
		w := weights[site]
		amount := total.Mul(w).Div(sum).Round(2)
		out[i] = Allocation{SiteID: site, Weight: w, Amount: amount}
		allocated = allocated.Add(amount)
		if w.GreaterThan(weights[sites[heaviest]]) {
			heaviest = i
		}
	}
	out[heaviest].Amount = out[heaviest].Amount.Add(total.Sub(allocated))
	return out, nil
}

// CheckSplit compares a shared entry's allocations with its total.
func CheckSplit(e Entry, tolerance decimal.Decimal) (Mismatch, bool) {
	if !e.Shared || e.Voided {
		return Mismatch{}, true
	}
	allocated := decimal.Zero
	for _, a := range e.Allocations {
		allocated = allocated.Add(a.Amount)
	}
	if e.Total.Sub(allocated).Abs().GreaterThan(tolerance) {
		return Mismatch{EntryID: e.ID, Total: e.Total, Allocated: allocated}, false
	}
	return Mismatch{}, true
}

// CheckSplits runs CheckSplit over entries and returns the mismatches.
func CheckSplits(entries []Entry, tolerance decimal.Decimal) []Mismatch {
	var out []Mismatch
	for _, e := range entries {
		if m, ok := CheckSplit(e, tolerance); !ok {
			out = append(out, m)
		}
	}
	return out
}
