package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/siteledger/siteledger/internal/platform/db"
	"github.com/siteledger/siteledger/internal/shared"
)

// Repository persists settlement data in PostgreSQL.
type Repository struct {
	pool        *pgxpool.Pool
	idempotency *shared.IdempotencyStore
	audit       *shared.AuditLogger
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{
		pool:        pool,
		idempotency: shared.NewIdempotencyStore(),
		audit:       shared.NewAuditLogger(),
	}
}

// TxRepository exposes transactional operations used by service.
type TxRepository interface {
	LoadScopeForUpdate(ctx context.Context, scope Scope) (ScopeData, error)
	GroupExists(ctx context.Context, groupID int64) (bool, error)
	InsertEntry(ctx context.Context, entry Entry) (Entry, error)
	InsertPayment(ctx context.Context, payment Payment) (Payment, error)
	UpdateEntryPaid(ctx context.Context, item Item) error
	UpdateGroupPaid(ctx context.Context, item Item) error
	UpdateAllocationPaid(ctx context.Context, item Item) error
	ClaimIdempotencyKey(ctx context.Context, key string) error
	RecordAudit(ctx context.Context, log shared.AuditLog) error
}

type txRepo struct {
	tx          pgx.Tx
	idempotency *shared.IdempotencyStore
	audit       *shared.AuditLogger
}

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx, idempotency: r.idempotency, audit: r.audit})
	})
}

// LoadScope reads a scope without locking, for diagnostics and statements.
func (r *Repository) LoadScope(ctx context.Context, scope Scope) (ScopeData, error) {
	return loadScope(ctx, r.pool, scope, false)
}

// ListScopes enumerates every scope with records, optionally limited to one group.
func (r *Repository) ListScopes(ctx context.Context, groupID int64) ([]Scope, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, 0::bigint FROM settlement_groups WHERE $1::bigint = 0 OR id = $1
UNION
SELECT group_id, site_id FROM settlement_entries
 WHERE site_id IS NOT NULL AND NOT voided AND ($1::bigint = 0 OR group_id = $1)
UNION
SELECT e.group_id, a.site_id FROM settlement_allocations a
  JOIN settlement_entries e ON e.id = a.entry_id
 WHERE NOT e.voided AND ($1::bigint = 0 OR e.group_id = $1)
UNION
SELECT group_id, site_id FROM settlement_payments
 WHERE site_id IS NOT NULL AND NOT cancelled AND ($1::bigint = 0 OR group_id = $1)
ORDER BY 1, 2`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var scopes []Scope
	for rows.Next() {
		var s Scope
		if err := rows.Scan(&s.GroupID, &s.SiteID); err != nil {
			return nil, err
		}
		scopes = append(scopes, s)
	}
	return scopes, rows.Err()
}

func (r *txRepo) LoadScopeForUpdate(ctx context.Context, scope Scope) (ScopeData, error) {
	return loadScope(ctx, r.tx, scope, true)
}

func (r *txRepo) GroupExists(ctx context.Context, groupID int64) (bool, error) {
	return groupExists(ctx, r.tx, groupID)
}

func (r *txRepo) InsertEntry(ctx context.Context, entry Entry) (Entry, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO settlement_entries
(group_id, site_id, account_id, occurred_on, total, shared, note)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, created_at`,
		entry.GroupID, db.NullInt8(entry.SiteID), db.NullInt8(entry.AccountID), db.Date(entry.OccurredOn),
		db.Numeric(entry.Total), entry.Shared, entry.Note,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	for i := range entry.Allocations {
		a := &entry.Allocations[i]
		a.EntryID = entry.ID
		err := r.tx.QueryRow(ctx, `INSERT INTO settlement_allocations
(entry_id, site_id, amount, weight)
VALUES ($1, $2, $3, $4)
RETURNING id`, a.EntryID, a.SiteID, db.Numeric(a.Amount), db.Numeric(a.Weight)).Scan(&a.ID)
		if err != nil {
			return Entry{}, fmt.Errorf("insert allocation: %w", err)
		}
	}
	return entry, nil
}

func (r *txRepo) InsertPayment(ctx context.Context, payment Payment) (Payment, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO settlement_payments
(group_id, site_id, paid_on, amount, reference)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, created_at`,
		payment.GroupID, db.NullInt8(payment.SiteID), db.Date(payment.PaidOn), db.Numeric(payment.Amount), payment.Reference,
	).Scan(&payment.ID, &payment.CreatedAt)
	if err != nil {
		return Payment{}, fmt.Errorf("insert payment: %w", err)
	}
	return payment, nil
}

func (r *txRepo) UpdateEntryPaid(ctx context.Context, item Item) error {
	_, err := r.tx.Exec(ctx, `UPDATE settlement_entries SET amount_paid = $2, fully_paid = $3, updated_at = NOW() WHERE id = $1`,
		item.EntryID, db.Numeric(item.AmountPaid), item.FullyPaid)
	return err
}

func (r *txRepo) UpdateGroupPaid(ctx context.Context, item Item) error {
	_, err := r.tx.Exec(ctx, `UPDATE settlement_entries SET group_paid = $2, updated_at = NOW() WHERE id = $1 AND shared`,
		item.EntryID, db.Numeric(item.AmountPaid))
	return err
}

func (r *txRepo) UpdateAllocationPaid(ctx context.Context, item Item) error {
	_, err := r.tx.Exec(ctx, `UPDATE settlement_allocations SET amount_paid = $2, fully_paid = $3, updated_at = NOW() WHERE id = $1`,
		item.AllocationID, db.Numeric(item.AmountPaid), item.FullyPaid)
	return err
}

func (r *txRepo) ClaimIdempotencyKey(ctx context.Context, key string) error {
	return r.idempotency.CheckAndInsert(ctx, r.tx, key, "settlement.payment")
}

func (r *txRepo) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return r.audit.Record(ctx, r.tx, log)
}

func groupExists(ctx context.Context, q db.Querier, groupID int64) (bool, error) {
	var ok bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM settlement_groups WHERE id = $1)`, groupID).Scan(&ok)
	return ok, err
}

const entryColumns = `e.id, e.group_id, e.site_id, e.account_id, e.occurred_on, e.total,
e.amount_paid, e.fully_paid, e.group_paid, e.shared, e.voided, e.note, e.created_at`

func loadScope(ctx context.Context, q db.Querier, scope Scope, forUpdate bool) (ScopeData, error) {
	ok, err := groupExists(ctx, q, scope.GroupID)
	if err != nil {
		return ScopeData{}, err
	}
	if !ok {
		return ScopeData{}, fmt.Errorf("%w: %s", ErrUnknownScope, scope)
	}

	if forUpdate {
		if err := lockScope(ctx, q, scope); err != nil {
			return ScopeData{}, err
		}
	}
	rows, err := q.Query(ctx, `SELECT `+entryColumns+`
FROM settlement_entries e
WHERE e.group_id = $1 AND NOT e.voided AND (
  ($2::bigint = 0 AND e.shared) OR
  ($2::bigint <> 0 AND NOT e.shared AND e.site_id = $2) OR
  ($2::bigint <> 0 AND e.shared AND EXISTS (
     SELECT 1 FROM settlement_allocations a WHERE a.entry_id = e.id AND a.site_id = $2)))
ORDER BY e.occurred_on, e.created_at, e.id`, scope.GroupID, scope.SiteID)
	if err != nil {
		return ScopeData{}, fmt.Errorf("load entries: %w", err)
	}
	var data ScopeData
	index := map[int64]int{}
	var sharedIDs []int64
	for rows.Next() {
		var (
			e                 Entry
			siteID, accountID pgtype.Int8
			occurred          pgtype.Date
			total, paid, part pgtype.Numeric
		)
		if err := rows.Scan(&e.ID, &e.GroupID, &siteID, &accountID, &occurred, &total,
			&paid, &e.FullyPaid, &part, &e.Shared, &e.Voided, &e.Note, &e.CreatedAt); err != nil {
			rows.Close()
			return ScopeData{}, err
		}
		e.SiteID = siteID.Int64
		e.AccountID = accountID.Int64
		e.OccurredOn = occurred.Time
		e.Total = db.Decimal(total)
		e.AmountPaid = db.Decimal(paid)
		e.GroupPaid = db.Decimal(part)
		index[e.ID] = len(data.Entries)
		data.Entries = append(data.Entries, e)
		if e.Shared {
			sharedIDs = append(sharedIDs, e.ID)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ScopeData{}, err
	}

	if len(sharedIDs) > 0 {
		if err := loadAllocations(ctx, q, sharedIDs, data.Entries, index); err != nil {
			return ScopeData{}, err
		}
	}

	payments, err := loadPayments(ctx, q, scope)
	if err != nil {
		return ScopeData{}, err
	}
	data.Payments = payments

	if !scope.IsGroup() && len(data.Entries) == 0 && len(data.Payments) == 0 {
		return ScopeData{}, fmt.Errorf("%w: %s", ErrUnknownScope, scope)
	}
	return data, nil
}

// lockScope takes row locks on the rows the scope writes. The group scope
// owns its shared entries; a site scope owns its direct entries and its own
// allocations. Shared entries read by a site scope stay unlocked.
func lockScope(ctx context.Context, q db.Querier, scope Scope) error {
	if scope.IsGroup() {
		_, err := q.Exec(ctx, `SELECT id FROM settlement_entries
WHERE group_id = $1 AND shared AND NOT voided
ORDER BY id FOR UPDATE`, scope.GroupID)
		if err != nil {
			return fmt.Errorf("lock shared entries: %w", err)
		}
		return nil
	}
	_, err := q.Exec(ctx, `SELECT id FROM settlement_entries
WHERE group_id = $1 AND site_id = $2 AND NOT shared AND NOT voided
ORDER BY id FOR UPDATE`, scope.GroupID, scope.SiteID)
	if err != nil {
		return fmt.Errorf("lock entries: %w", err)
	}
	_, err = q.Exec(ctx, `SELECT a.id FROM settlement_allocations a
JOIN settlement_entries e ON e.id = a.entry_id
WHERE e.group_id = $1 AND a.site_id = $2 AND NOT e.voided
ORDER BY a.id FOR UPDATE OF a`, scope.GroupID, scope.SiteID)
	if err != nil {
		return fmt.Errorf("lock allocations: %w", err)
	}
	return nil
}

func loadAllocations(ctx context.Context, q db.Querier, entryIDs []int64, entries []Entry, index map[int64]int) error {
	rows, err := q.Query(ctx, `SELECT id, entry_id, site_id, amount, weight, amount_paid, fully_paid
FROM settlement_allocations
WHERE entry_id = ANY($1)
ORDER BY entry_id, id`, entryIDs)
	if err != nil {
		return fmt.Errorf("load allocations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			a                    Allocation
			amount, weight, paid pgtype.Numeric
		)
		if err := rows.Scan(&a.ID, &a.EntryID, &a.SiteID, &amount, &weight, &paid, &a.FullyPaid); err != nil {
			return err
		}
		a.Amount = db.Decimal(amount)
		a.Weight = db.Decimal(weight)
		a.AmountPaid = db.Decimal(paid)
		i, ok := index[a.EntryID]
		if !ok {
			return errors.New("settlement: allocation without entry")
		}
		entries[i].Allocations = append(entries[i].Allocations, a)
	}
	return rows.Err()
}

func loadPayments(ctx context.Context, q db.Querier, scope Scope) ([]Payment, error) {
	rows, err := q.Query(ctx, `SELECT id, group_id, site_id, paid_on, amount, cancelled, reference, created_at
FROM settlement_payments
WHERE group_id = $1 AND COALESCE(site_id, 0) = $2 AND NOT cancelled
ORDER BY paid_on, created_at, id`, scope.GroupID, scope.SiteID)
	if err != nil {
		return nil, fmt.Errorf("load payments: %w", err)
	}
	defer rows.Close()
	var out []Payment
	for rows.Next() {
		var (
			p      Payment
			siteID pgtype.Int8
			paidOn pgtype.Date
			amount pgtype.Numeric
		)
		if err := rows.Scan(&p.ID, &p.GroupID, &siteID, &paidOn, &amount, &p.Cancelled, &p.Reference, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.SiteID = siteID.Int64
		p.PaidOn = paidOn.Time
		p.Amount = db.Decimal(amount)
		out = append(out, p)
	}
	return out, rows.Err()
}
