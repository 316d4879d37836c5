package settlement

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultTolerance is the gap under which an item counts as fully paid.
var DefaultTolerance = decimal.RequireFromString("0.01")

// Scope identifies one reconciliation waterfall. SiteID zero selects the
// group scope (the residual of shared entries against group-level
// payments); any other SiteID selects that site's direct entries and
// allocations against the site's own payments.
type Scope struct {
	GroupID int64 `json:"group_id"`
	SiteID  int64 `json:"site_id"`
}

// GroupScope returns the group-level scope of groupID.
func GroupScope(groupID int64) Scope {
	return Scope{GroupID: groupID}
}

// IsGroup reports whether s is the group-level scope.
func (s Scope) IsGroup() bool {
	return s.SiteID == 0
}

// Validate checks identifiers.
func (s Scope) Validate() error {
	if s.GroupID <= 0 {
		return fmt.Errorf("%w: group required", ErrUnknownScope)
	}
	if s.SiteID < 0 {
		return fmt.Errorf("%w: invalid site %d", ErrUnknownScope, s.SiteID)
	}
	return nil
}

// Key is the compact form used for event keys and log attributes.
func (s Scope) Key() string {
	return strconv.FormatInt(s.GroupID, 10) + ":" + strconv.FormatInt(s.SiteID, 10)
}

func (s Scope) String() string {
	if s.IsGroup() {
		return fmt.Sprintf("group %d", s.GroupID)
	}
	return fmt.Sprintf("group %d site %d", s.GroupID, s.SiteID)
}

// Entry is a dated charge owned by a group. Direct entries belong to one
// site; shared entries are split into per-site allocations. AmountPaid and
// FullyPaid are a cache refreshed by Rebuild. For a shared entry they are
// rolled up from what the sites paid on their allocations plus GroupPaid,
// the part covered by group-level payments.
type Entry struct {
	ID          int64           `json:"id"`
	GroupID     int64           `json:"group_id"`
	SiteID      int64           `json:"site_id,omitempty"`
	AccountID   int64           `json:"account_id,omitempty"`
	OccurredOn  time.Time       `json:"occurred_on"`
	Total       decimal.Decimal `json:"total"`
	AmountPaid  decimal.Decimal `json:"amount_paid"`
	FullyPaid   bool            `json:"fully_paid"`
	GroupPaid   decimal.Decimal `json:"group_paid"`
	Shared      bool            `json:"shared"`
	Voided      bool            `json:"voided"`
	Note        string          `json:"note,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	Allocations []Allocation    `json:"allocations,omitempty"`
}

// SitePaid sums what the site scopes paid on the entry's allocations.
func (e Entry) SitePaid() decimal.Decimal {
	paid := decimal.Zero
	for _, a := range e.Allocations {
		paid = paid.Add(a.AmountPaid)
	}
	return paid
}

// Residual is the part of a shared entry the sites have not paid, which is
// what group-level payments may still cover.
func (e Entry) Residual() decimal.Decimal {
	rest := e.Total.Sub(e.SitePaid())
	if rest.IsNegative() {
		return decimal.Zero
	}
	return rest
}

// RollUp recomputes the paid state of shared entries from their
// allocations and group-paid part. Direct entries are left as they are.
func RollUp(entries []Entry, tolerance decimal.Decimal) {
	for i := range entries {
		e := &entries[i]
		if !e.Shared {
			continue
		}
		e.AmountPaid = e.SitePaid().Add(e.GroupPaid)
		e.FullyPaid = e.Total.Sub(e.AmountPaid).LessThanOrEqual(tolerance)
	}
}

// Allocation is one site's share of a shared entry.
type Allocation struct {
	ID         int64           `json:"id"`
	EntryID    int64           `json:"entry_id"`
	SiteID     int64           `json:"site_id"`
	Amount     decimal.Decimal `json:"amount"`
	Weight     decimal.Decimal `json:"weight"`
	AmountPaid decimal.Decimal `json:"amount_paid"`
	FullyPaid  bool            `json:"fully_paid"`
}

// Payment is money paid toward a scope. The allocator only reads payments.
type Payment struct {
	ID        int64           `json:"id"`
	GroupID   int64           `json:"group_id"`
	SiteID    int64           `json:"site_id,omitempty"`
	PaidOn    time.Time       `json:"paid_on"`
	Amount    decimal.Decimal `json:"amount"`
	Cancelled bool            `json:"cancelled"`
	Reference string          `json:"reference,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Scope returns the scope a payment pays into.
func (p Payment) Scope() Scope {
	return Scope{GroupID: p.GroupID, SiteID: p.SiteID}
}

// ItemKind distinguishes whole entries from allocations in a waterfall.
type ItemKind string

const (
	// ItemEntry is a direct entry, or in the group scope the residual of a
	// shared entry.
	ItemEntry ItemKind = "entry"
	// ItemAllocation is one site's allocation of a shared entry.
	ItemAllocation ItemKind = "allocation"
)

// Item is the unit the allocator pays, in canonical order.
type Item struct {
	Kind         ItemKind        `json:"kind"`
	EntryID      int64           `json:"entry_id"`
	AllocationID int64           `json:"allocation_id,omitempty"`
	SiteID       int64           `json:"site_id,omitempty"`
	OccurredOn   time.Time       `json:"occurred_on"`
	CreatedAt    time.Time       `json:"-"`
	Amount       decimal.Decimal `json:"amount"`
	AmountPaid   decimal.Decimal `json:"amount_paid"`
	FullyPaid    bool            `json:"fully_paid"`
}

// Ref names the item for reports, e.g. "entry:12" or "allocation:12/40".
func (i Item) Ref() string {
	if i.Kind == ItemAllocation {
		return fmt.Sprintf("allocation:%d/%d", i.EntryID, i.AllocationID)
	}
	return fmt.Sprintf("entry:%d", i.EntryID)
}

// Outstanding is the unpaid remainder, never negative.
func (i Item) Outstanding() decimal.Decimal {
	rest := i.Amount.Sub(i.AmountPaid)
	if rest.IsNegative() {
		return decimal.Zero
	}
	return rest
}

// Status renders paid/partial/unpaid.
func (i Item) Status() string {
	switch {
	case i.FullyPaid:
		return "paid"
	case i.AmountPaid.IsPositive():
		return "partial"
	default:
		return "unpaid"
	}
}

// Consumption records how much of a payment one item absorbed. It is a
// transient output of Allocate and is never persisted on the payment.
type Consumption struct {
	PaymentID    int64           `json:"payment_id"`
	EntryID      int64           `json:"entry_id"`
	AllocationID int64           `json:"allocation_id,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
}

// Outcome is the result of one allocator walk.
type Outcome struct {
	Scope        Scope           `json:"scope"`
	Items        []Item          `json:"items"`
	Consumptions []Consumption   `json:"consumptions"`
	Charged      decimal.Decimal `json:"charged"`
	Capacity     decimal.Decimal `json:"capacity"`
	Applied      decimal.Decimal `json:"applied"`
	Surplus      decimal.Decimal `json:"surplus"`
	Outstanding  decimal.Decimal `json:"outstanding"`
}

// Violation is a later item marked fully paid while an earlier item of the
// same scope is not.
type Violation struct {
	Scope        Scope     `json:"scope"`
	EarlierRef   string    `json:"earlier"`
	EarlierDate  time.Time `json:"earlier_date"`
	LaterRef     string    `json:"later"`
	LaterDate    time.Time `json:"later_date"`
	EarlierOwing string    `json:"earlier_outstanding"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s (%s) paid while %s (%s) owes %s",
		v.Scope, v.LaterRef, v.LaterDate.Format(time.DateOnly), v.EarlierRef, v.EarlierDate.Format(time.DateOnly), v.EarlierOwing)
}

// Mismatch is a shared entry whose allocations do not add up to its total.
type Mismatch struct {
	EntryID   int64           `json:"entry_id"`
	Total     decimal.Decimal `json:"total"`
	Allocated decimal.Decimal `json:"allocated"`
}

// ScopeData is everything the allocator needs for one scope.
type ScopeData struct {
	Entries  []Entry
	Payments []Payment
}

// RebuildResult summarises one waterfall rebuild. AllocationsChanged counts
// the changed allocations, which leave the group scope stale.
type RebuildResult struct {
	Scope              Scope           `json:"scope"`
	Items              int             `json:"items"`
	Changed            int             `json:"changed"`
	AllocationsChanged int             `json:"allocations_changed,omitempty"`
	Applied            decimal.Decimal `json:"applied"`
	Surplus            decimal.Decimal `json:"surplus"`
	Outstanding        decimal.Decimal `json:"outstanding"`
	Violations         []Violation     `json:"violations"`
	Mismatches         []Mismatch      `json:"mismatches"`
}

// Clean reports whether the post-condition checks found nothing.
func (r RebuildResult) Clean() bool {
	return len(r.Violations) == 0 && len(r.Mismatches) == 0
}

// Err turns the post-condition findings into an error for callers that
// want one. The rebuild itself has already been committed.
func (r RebuildResult) Err() error {
	var errs []error
	for _, m := range r.Mismatches {
		errs = append(errs, fmt.Errorf("%w: entry %d total %s allocated %s", ErrAllocationMismatch, m.EntryID, m.Total, m.Allocated))
	}
	for _, v := range r.Violations {
		errs = append(errs, fmt.Errorf("%w: %s", ErrFifoViolation, v))
	}
	return errors.Join(errs...)
}

// EntryInput records a new charge. Shared entries need Weights (site → weight).
type EntryInput struct {
	GroupID    int64
	SiteID     int64
	AccountID  int64
	OccurredOn time.Time
	Total      decimal.Decimal
	Shared     bool
	Weights    map[int64]decimal.Decimal
	Note       string
	ActorID    int64
}

// PaymentInput records a new payment.
type PaymentInput struct {
	GroupID        int64
	SiteID         int64
	PaidOn         time.Time
	Amount         decimal.Decimal
	Reference      string
	IdempotencyKey string
	ActorID        int64
}

// EntryResult reports a recorded entry and the scopes it touched.
type EntryResult struct {
	Entry    Entry           `json:"entry"`
	Scopes   []Scope         `json:"scopes"`
	Rebuilds []RebuildResult `json:"rebuilds,omitempty"`
}

// PaymentResult reports a recorded payment and the rebuild that absorbed it.
type PaymentResult struct {
	Payment Payment       `json:"payment"`
	Rebuild RebuildResult `json:"rebuild"`
}

var (
	// ErrUnknownScope indicates the group or site has no records.
	ErrUnknownScope = errors.New("settlement: unknown scope")
	// ErrInvalidEntry indicates a malformed entry.
	ErrInvalidEntry = errors.New("settlement: invalid entry")
	// ErrInvalidPayment indicates a malformed payment.
	ErrInvalidPayment = errors.New("settlement: invalid payment")
	// ErrInvalidWeights indicates an unusable split weight map.
	ErrInvalidWeights = errors.New("settlement: invalid split weights")
	// ErrAllocationMismatch indicates allocations that do not sum to the entry total.
	ErrAllocationMismatch = errors.New("settlement: allocation mismatch")
	// ErrFifoViolation indicates a later item paid ahead of an earlier one.
	ErrFifoViolation = errors.New("settlement: fifo violation")
)
