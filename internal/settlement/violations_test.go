package settlement

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindFifoViolationsForcedLaterPaid(t *testing.T) {
	scope := Scope{GroupID: 1, SiteID: 5}
	e1 := directEntry(1, 5, 1, "1000")
	e2 := directEntry(2, 5, 10, "500")
	e2.AmountPaid = dec("500")
	e2.FullyPaid = true

	violations := FindFifoViolations(scope, []Entry{e2, e1}, DefaultTolerance)
	require.Len(t, violations, 1)
	require.Equal(t, "entry:1", violations[0].EarlierRef)
	require.Equal(t, "entry:2", violations[0].LaterRef)
	require.Equal(t, "1000.00", violations[0].EarlierOwing)
	require.ErrorIs(t, RebuildResult{Violations: violations}.Err(), ErrFifoViolation)
}

func TestFindFifoViolationsEveryPair(t *testing.T) {
	scope := Scope{GroupID: 1, SiteID: 5}
	e1 := directEntry(1, 5, 1, "10")
	e2 := directEntry(2, 5, 2, "10")
	e3 := directEntry(3, 5, 3, "10")
	e3.FullyPaid = true
	e4 := directEntry(4, 5, 4, "10")
	e4.FullyPaid = true

	violations := FindFifoViolations(scope, []Entry{e1, e2, e3, e4}, DefaultTolerance)
	require.Len(t, violations, 4)
}

func TestFindFifoViolationsCleanAfterAllocate(t *testing.T) {
	scope := Scope{GroupID: 1, SiteID: 5}
	entries := []Entry{directEntry(1, 5, 1, "100"), directEntry(2, 5, 2, "0"), directEntry(3, 5, 3, "100")}
	out := Allocate(scope, entries, []Payment{payment(1, 5, 1, "150")}, DefaultTolerance)
	require.Empty(t, FindFifoViolations(scope, Apply(entries, out.Items, DefaultTolerance), DefaultTolerance))
}
