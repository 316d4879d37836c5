package settlement

import (
	"sort"

	"github.com/shopspring/decimal"
)

// ScopeItems flattens the entries that belong to scope into waterfall items
// in canonical order, carrying their cached paid state. In the group scope a
// shared entry contributes only its residual, so group-level payments never
// cover what the sites already paid. Shared entries are expected to be
// rolled up.
func ScopeItems(scope Scope, entries []Entry) []Item {
	var items []Item
	for _, e := range entries {
		if e.Voided || e.GroupID != scope.GroupID {
			continue
		}
		switch {
		case scope.IsGroup() && e.Shared:
			items = append(items, Item{
				Kind:       ItemEntry,
				EntryID:    e.ID,
				OccurredOn: e.OccurredOn,
				CreatedAt:  e.CreatedAt,
				Amount:     e.Residual(),
				AmountPaid: e.GroupPaid,
				FullyPaid:  e.FullyPaid,
			})
		case !scope.IsGroup() && !e.Shared && e.SiteID == scope.SiteID:
			items = append(items, Item{
				Kind:       ItemEntry,
				EntryID:    e.ID,
				SiteID:     e.SiteID,
				OccurredOn: e.OccurredOn,
				CreatedAt:  e.CreatedAt,
				Amount:     e.Total,
				AmountPaid: e.AmountPaid,
				FullyPaid:  e.FullyPaid,
			})
		case !scope.IsGroup() && e.Shared:
			for _, a := range e.Allocations {
				if a.SiteID != scope.SiteID {
					continue
				}
				items = append(items, Item{
					Kind:         ItemAllocation,
					EntryID:      e.ID,
					AllocationID: a.ID,
					SiteID:       a.SiteID,
					OccurredOn:   e.OccurredOn,
					CreatedAt:    e.CreatedAt,
					Amount:       a.Amount,
					AmountPaid:   a.AmountPaid,
					FullyPaid:    a.FullyPaid,
				})
			}
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.OccurredOn.Equal(b.OccurredOn) {
			return a.OccurredOn.Before(b.OccurredOn)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.EntryID != b.EntryID {
			return a.EntryID < b.EntryID
		}
		return a.AllocationID < b.AllocationID
	})
	return items
}

// ScopePayments returns the active payments of scope in payment order.
func ScopePayments(scope Scope, payments []Payment) []Payment {
	var out []Payment
	for _, p := range payments {
		if p.Cancelled || p.GroupID != scope.GroupID || p.SiteID != scope.SiteID {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.PaidOn.Equal(b.PaidOn) {
			return a.PaidOn.Before(b.PaidOn)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

// Allocate replays every active payment of scope over its items oldest
// first. Cached paid state is ignored; each item starts from zero.
func Allocate(scope Scope, entries []Entry, payments []Payment, tolerance decimal.Decimal) Outcome {
	items := ScopeItems(scope, entries)
	out := Outcome{
		Scope:       scope,
		Charged:     decimal.Zero,
		Capacity:    decimal.Zero,
		Applied:     decimal.Zero,
		Surplus:     decimal.Zero,
		Outstanding: decimal.Zero,
	}
	for i := range items {
		items[i].AmountPaid = decimal.Zero
		items[i].FullyPaid = settled(items[i], tolerance)
		out.Charged = out.Charged.Add(items[i].Amount)
	}

	next := 0
	for _, p := range ScopePayments(scope, payments) {
		remaining := p.Amount
		out.Capacity = out.Capacity.Add(p.Amount)
		for remaining.IsPositive() && next < len(items) {
			item := &items[next]
			if item.FullyPaid {
				next++
				continue
			}
			take := decimal.Min(item.Amount.Sub(item.AmountPaid), remaining)
			item.AmountPaid = item.AmountPaid.Add(take)
			remaining = remaining.Sub(take)
			out.Applied = out.Applied.Add(take)
			out.Consumptions = append(out.Consumptions, Consumption{
				PaymentID:    p.ID,
				EntryID:      item.EntryID,
				AllocationID: item.AllocationID,
				Amount:       take,
			})
			if settled(*item, tolerance) {
				item.FullyPaid = true
				next++
			}
		}
		if remaining.IsPositive() {
			out.Surplus = out.Surplus.Add(remaining)
		}
	}

	for _, item := range items {
		out.Outstanding = out.Outstanding.Add(item.Outstanding())
	}
	out.Items = items
	return out
}

func settled(item Item, tolerance decimal.Decimal) bool {
	return item.Amount.Sub(item.AmountPaid).LessThanOrEqual(tolerance)
}

// itemKey identifies an item across two walks of the same scope.
type itemKey struct {
	entryID      int64
	allocationID int64
}

func keyOf(i Item) itemKey {
	return itemKey{entryID: i.EntryID, allocationID: i.AllocationID}
}

// Changed returns the items of next whose paid state differs from prev.
func Changed(prev, next []Item) []Item {
	before := make(map[itemKey]Item, len(prev))
	for _, item := range prev {
		before[keyOf(item)] = item
	}
	var out []Item
	for _, item := range next {
		old, ok := before[keyOf(item)]
		if ok && old.FullyPaid == item.FullyPaid && old.AmountPaid.Equal(item.AmountPaid) {
			continue
		}
		out = append(out, item)
	}
	return out
}

// Apply writes the paid state of items back into entries, rolls shared
// entries up and returns the updated copy. A shared entry's own item sets
// its GroupPaid.
func Apply(entries []Entry, items []Item, tolerance decimal.Decimal) []Entry {
	byKey := make(map[itemKey]Item, len(items))
	for _, item := range items {
		byKey[keyOf(item)] = item
	}
	out := make([]Entry, len(entries))
	for i, e := range entries {
		if item, ok := byKey[itemKey{entryID: e.ID}]; ok {
			if e.Shared {
				e.GroupPaid = item.AmountPaid
			} else {
				e.AmountPaid = item.AmountPaid
				e.FullyPaid = item.FullyPaid
			}
		}
		if len(e.Allocations) > 0 {
			allocs := make([]Allocation, len(e.Allocations))
			for j, a := range e.Allocations {
				if item, ok := byKey[itemKey{entryID: e.ID, allocationID: a.ID}]; ok {
					a.AmountPaid = item.AmountPaid
					a.FullyPaid = item.FullyPaid
				}
				allocs[j] = a
			}
			e.Allocations = allocs
		}
		out[i] = e
	}
	RollUp(out, tolerance)
	return out
}
