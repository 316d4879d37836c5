package settlement

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func sumAllocations(allocs []Allocation) decimal.Decimal {
	total := decimal.Zero
	for _, a := range allocs {
		total = total.Add(a.Amount)
	}
	return total
}

func TestSplitAmountSumsToTotal(t *testing.T) {
	cases := []struct {
		total   string
		weights map[int64]decimal.Decimal
	}{
		{"100", map[int64]decimal.Decimal{1: dec("1"), 2: dec("1"), 3: dec("1")}},
		{"1000.01", map[int64]decimal.Decimal{4: dec("0.5"), 9: dec("0.25"), 2: dec("0.25")}},
		{"0.05", map[int64]decimal.Decimal{1: dec("3"), 2: dec("7")}},
		{"12345.67", map[int64]decimal.Decimal{1: dec("13"), 2: dec("17"), 3: dec("19"), 4: dec("23")}},
	}
	for _, tc := range cases {
		allocs, err := SplitAmount(dec(tc.total), tc.weights)
		require.NoError(t, err)
		require.Len(t, allocs, len(tc.weights))
		require.True(t, sumAllocations(allocs).Equal(dec(tc.total)), "total %s got %s", tc.total, sumAllocations(allocs))
		_, ok := CheckSplit(Entry{Shared: true, Total: dec(tc.total), Allocations: allocs}, DefaultTolerance)
		require.True(t, ok)
	}
}

func TestSplitAmountRemainderToHeaviestSite(t *testing.T) {
	allocs, err := SplitAmount(dec("100"), map[int64]decimal.Decimal{7: dec("1"), 3: dec("2"), 5: dec("2")})
	require.NoError(t, err)
	require.Equal(t, int64(3), allocs[0].SiteID)
	require.True(t, allocs[0].Amount.Equal(dec("40.00")))
	require.True(t, allocs[1].Amount.Equal(dec("40.00")))
	require.True(t, allocs[2].Amount.Equal(dec("20.00")))

	allocs, err = SplitAmount(dec("10"), map[int64]decimal.Decimal{1: dec("1"), 2: dec("1"), 3: dec("1")})
	require.NoError(t, err)
	require.True(t, allocs[0].Amount.Equal(dec("3.34")))
	require.True(t, allocs[1].Amount.Equal(dec("3.33")))
	require.True(t, allocs[2].Amount.Equal(dec("3.33")))
}

func TestSplitAmountRejectsBadInput(t *testing.T) {
	_, err := SplitAmount(dec("10"), nil)
	require.ErrorIs(t, err, ErrInvalidWeights)
	_, err = SplitAmount(dec("10"), map[int64]decimal.Decimal{1: dec("0")})
	require.ErrorIs(t, err, ErrInvalidWeights)
	_, err = SplitAmount(dec("10"), map[int64]decimal.Decimal{0: dec("1")})
	require.ErrorIs(t, err, ErrInvalidWeights)
	_, err = SplitAmount(dec("0"), map[int64]decimal.Decimal{1: dec("1")})
	require.ErrorIs(t, err, ErrInvalidEntry)
}

func TestCheckSplitsReportsMismatch(t *testing.T) {
	entries := []Entry{
		{ID: 1, Shared: true, Total: dec("100"), Allocations: []Allocation{{Amount: dec("60")}, {Amount: dec("39.98")}}},
		{ID: 2, Shared: true, Total: dec("100"), Allocations: []Allocation{{Amount: dec("60")}, {Amount: dec("39.995")}}},
		{ID: 3, Total: dec("5")},
		{ID: 4, Shared: true, Total: dec("10")},
	}
	mismatches := CheckSplits(entries, DefaultTolerance)
	require.Len(t, mismatches, 2)
	require.Equal(t, int64(1), mismatches[0].EntryID)
	require.Equal(t, int64(4), mismatches[1].EntryID)
	require.ErrorIs(t, RebuildResult{Mismatches: mismatches}.Err(), ErrAllocationMismatch)
}
