package settlement

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func day(d int) time.Time {
	return time.Date(2025, 12, d, 0, 0, 0, 0, time.UTC)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func directEntry(id int64, site int64, d int, total string) Entry {
	return Entry{ID: id, GroupID: 1, SiteID: site, OccurredOn: day(d), Total: dec(total), CreatedAt: day(d)}
}

func payment(id int64, site int64, d int, amount string) Payment {
	return Payment{ID: id, GroupID: 1, SiteID: site, PaidOn: day(d), Amount: dec(amount), CreatedAt: day(d)}
}

func TestAllocateOldestFirst(t *testing.T) {
	scope := Scope{GroupID: 1, SiteID: 5}
	entries := []Entry{directEntry(2, 5, 10, "500"), directEntry(1, 5, 1, "1000")}
	payments := []Payment{payment(1, 5, 5, "1200")}

	out := Allocate(scope, entries, payments, DefaultTolerance)
	require.Len(t, out.Items, 2)
	require.Equal(t, int64(1), out.Items[0].EntryID)
	require.True(t, out.Items[0].AmountPaid.Equal(dec("1000")))
	require.True(t, out.Items[0].FullyPaid)
	require.True(t, out.Items[1].AmountPaid.Equal(dec("200")))
	require.False(t, out.Items[1].FullyPaid)
	require.True(t, out.Surplus.IsZero())
	require.True(t, out.Outstanding.Equal(dec("300")))

	payments = append(payments, payment(2, 5, 15, "300"))
	out = Allocate(scope, entries, payments, DefaultTolerance)
	require.True(t, out.Items[1].AmountPaid.Equal(dec("500")))
	require.True(t, out.Items[1].FullyPaid)
	require.True(t, out.Surplus.IsZero())
	require.True(t, out.Applied.Equal(dec("1500")))
	require.Len(t, out.Consumptions, 3)
}

func TestAllocateIgnoresCachedStateAndStorageOrder(t *testing.T) {
	scope := Scope{GroupID: 1, SiteID: 5}
	a := directEntry(1, 5, 3, "100")
	a.AmountPaid = dec("100")
	a.FullyPaid = true
	b := directEntry(2, 5, 1, "100")

	out := Allocate(scope, []Entry{a, b}, []Payment{payment(1, 5, 1, "100")}, DefaultTolerance)
	require.Equal(t, int64(2), out.Items[0].EntryID)
	require.True(t, out.Items[0].FullyPaid)
	require.False(t, out.Items[1].FullyPaid)
	require.True(t, out.Items[1].AmountPaid.IsZero())
}

func TestAllocateSurplusAndTolerance(t *testing.T) {
	scope := Scope{GroupID: 1, SiteID: 5}
	entries := []Entry{directEntry(1, 5, 1, "100.00"), directEntry(2, 5, 2, "0")}
	payments := []Payment{
		payment(1, 5, 1, "99.995"),
		payment(2, 5, 2, "50"),
	}
	out := Allocate(scope, entries, payments, DefaultTolerance)
	require.True(t, out.Items[0].FullyPaid)
	require.True(t, out.Items[1].FullyPaid)
	require.True(t, out.Items[1].AmountPaid.IsZero())
	require.True(t, out.Surplus.Equal(dec("50")))
}

func TestAllocateSkipsCancelledAndOtherScopes(t *testing.T) {
	scope := Scope{GroupID: 1, SiteID: 5}
	voided := directEntry(3, 5, 1, "10")
	voided.Voided = true
	entries := []Entry{directEntry(1, 5, 1, "100"), directEntry(2, 6, 1, "100"), voided}
	cancelled := payment(2, 5, 1, "100")
	cancelled.Cancelled = true
	payments := []Payment{payment(1, 6, 1, "100"), cancelled, payment(3, 0, 1, "100")}

	out := Allocate(scope, entries, payments, DefaultTolerance)
	require.Len(t, out.Items, 1)
	require.True(t, out.Items[0].AmountPaid.IsZero())
	require.True(t, out.Capacity.IsZero())
}

func TestAllocateSharedEntries(t *testing.T) {
	shared := Entry{
		ID: 10, GroupID: 1, Shared: true, OccurredOn: day(2), CreatedAt: day(2), Total: dec("300"),
		Allocations: []Allocation{
			{ID: 100, EntryID: 10, SiteID: 5, Amount: dec("200")},
			{ID: 101, EntryID: 10, SiteID: 6, Amount: dec("100")},
		},
	}
	entries := []Entry{directEntry(1, 5, 1, "50"), shared}

	site := Allocate(Scope{GroupID: 1, SiteID: 5}, entries, []Payment{payment(1, 5, 3, "120")}, DefaultTolerance)
	require.Len(t, site.Items, 2)
	require.Equal(t, ItemAllocation, site.Items[1].Kind)
	require.Equal(t, int64(100), site.Items[1].AllocationID)
	require.True(t, site.Items[1].AmountPaid.Equal(dec("70")))
	require.Equal(t, "allocation:10/100", site.Items[1].Ref())

	group := Allocate(GroupScope(1), entries, []Payment{payment(2, 0, 3, "300")}, DefaultTolerance)
	require.Len(t, group.Items, 1)
	require.Equal(t, ItemEntry, group.Items[0].Kind)
	require.True(t, group.Items[0].FullyPaid)
}

func TestGroupScopePaysOnlyWhatSitesLeft(t *testing.T) {
	shared := Entry{
		ID: 10, GroupID: 1, Shared: true, OccurredOn: day(2), CreatedAt: day(2), Total: dec("300"),
		Allocations: []Allocation{
			{ID: 100, EntryID: 10, SiteID: 5, Amount: dec("200"), AmountPaid: dec("200"), FullyPaid: true},
			{ID: 101, EntryID: 10, SiteID: 6, Amount: dec("100"), AmountPaid: dec("40")},
		},
	}
	entries := []Entry{shared}
	RollUp(entries, DefaultTolerance)
	require.True(t, entries[0].AmountPaid.Equal(dec("240")))
	require.False(t, entries[0].FullyPaid)

	group := Allocate(GroupScope(1), entries, []Payment{payment(2, 0, 3, "300")}, DefaultTolerance)
	require.Len(t, group.Items, 1)
	require.True(t, group.Items[0].Amount.Equal(dec("60")))
	require.True(t, group.Items[0].AmountPaid.Equal(dec("60")))
	require.True(t, group.Surplus.Equal(dec("240")))

	applied := Apply(entries, group.Items, DefaultTolerance)
	require.True(t, applied[0].GroupPaid.Equal(dec("60")))
	require.True(t, applied[0].AmountPaid.Equal(dec("300")))
	require.True(t, applied[0].FullyPaid)
	require.True(t, applied[0].Allocations[1].AmountPaid.Equal(dec("40")))
}

func TestApplyRollsUpAllocations(t *testing.T) {
	shared := Entry{
		ID: 10, GroupID: 1, Shared: true, OccurredOn: day(2), CreatedAt: day(2), Total: dec("300"),
		Allocations: []Allocation{
			{ID: 100, EntryID: 10, SiteID: 5, Amount: dec("200")},
			{ID: 101, EntryID: 10, SiteID: 6, Amount: dec("100")},
		},
	}
	entries := []Entry{shared}
	five := Allocate(Scope{GroupID: 1, SiteID: 5}, entries, []Payment{payment(1, 5, 3, "200")}, DefaultTolerance)
	entries = Apply(entries, five.Items, DefaultTolerance)
	require.True(t, entries[0].AmountPaid.Equal(dec("200")))
	require.False(t, entries[0].FullyPaid)

	six := Allocate(Scope{GroupID: 1, SiteID: 6}, entries, []Payment{payment(2, 6, 3, "100")}, DefaultTolerance)
	entries = Apply(entries, six.Items, DefaultTolerance)
	require.True(t, entries[0].AmountPaid.Equal(dec("300")))
	require.True(t, entries[0].FullyPaid)
	require.True(t, entries[0].Residual().IsZero())
}

func TestAllocateTieBreaksByCreationThenID(t *testing.T) {
	scope := Scope{GroupID: 1, SiteID: 5}
	late := directEntry(1, 5, 1, "10")
	late.CreatedAt = day(1).Add(time.Hour)
	early := directEntry(3, 5, 1, "10")
	same := directEntry(2, 5, 1, "10")

	items := ScopeItems(scope, []Entry{late, early, same})
	require.Equal(t, []int64{2, 3, 1}, []int64{items[0].EntryID, items[1].EntryID, items[2].EntryID})
}

func TestChangedAndApply(t *testing.T) {
	scope := Scope{GroupID: 1, SiteID: 5}
	entries := []Entry{directEntry(1, 5, 1, "100"), directEntry(2, 5, 2, "100")}
	out := Allocate(scope, entries, []Payment{payment(1, 5, 1, "100")}, DefaultTolerance)

	changed := Changed(ScopeItems(scope, entries), out.Items)
	require.Len(t, changed, 1)
	require.Equal(t, int64(1), changed[0].EntryID)

	applied := Apply(entries, out.Items, DefaultTolerance)
	require.True(t, applied[0].FullyPaid)
	require.False(t, entries[0].FullyPaid)
	require.Empty(t, Changed(ScopeItems(scope, applied), out.Items))
}
