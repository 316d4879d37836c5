package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/siteledger/siteledger/internal/platform/db"
	"github.com/siteledger/siteledger/internal/shared"
)

// Repository persists inventory data in PostgreSQL.
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
	EnsureAccount(ctx context.Context, resourceID, groupID int64) (int64, error)
	GetAccountForUpdate(ctx context.Context, id int64) (Account, error)
	LockAccounts(ctx context.Context, ids []int64) ([]Account, error)
	ListTransactions(ctx context.Context, accountID int64) ([]Transaction, error)
	InsertTransaction(ctx context.Context, tx Transaction) (Transaction, error)
	GetTransactionForUpdate(ctx context.Context, id int64) (Transaction, error)
	MarkVoided(ctx context.Context, id int64, reason string) error
	UpdateBalance(ctx context.Context, account Account) error
	ReassignTransactions(ctx context.Context, from []int64, to int64) (int64, error)
	ReassignEntries(ctx context.Context, from []int64, to int64) (int64, error)
	MarkSuperseded(ctx context.Context, ids []int64, primaryID int64) error
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

// GetAccount reads one account without locking.
func (r *Repository) GetAccount(ctx context.Context, id int64) (Account, error) {
	return getAccount(ctx, r.pool, id, false)
}

// ListTransactions reads the full log of an account in creation order.
func (r *Repository) ListTransactions(ctx context.Context, accountID int64) ([]Transaction, error) {
	return listTransactions(ctx, r.pool, accountID)
}

// ListAccountIDs returns every canonical account, optionally limited to one group.
func (r *Repository) ListAccountIDs(ctx context.Context, groupID int64) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM inventory_accounts
WHERE superseded_by IS NULL AND ($1::bigint = 0 OR group_id = $1)
ORDER BY id`, groupID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (r *txRepo) EnsureAccount(ctx context.Context, resourceID, groupID int64) (int64, error) {
	_, err := r.tx.Exec(ctx, `INSERT INTO inventory_accounts (resource_id, group_id)
VALUES ($1, $2)
ON CONFLICT (resource_id, group_id) WHERE superseded_by IS NULL DO NOTHING`, resourceID, groupID)
	if err != nil {
		return 0, fmt.Errorf("ensure account: %w", err)
	}
	var id int64
	err = r.tx.QueryRow(ctx, `SELECT id FROM inventory_accounts
WHERE resource_id = $1 AND group_id = $2 AND superseded_by IS NULL`, resourceID, groupID).Scan(&id)
	return id, err
}

func (r *txRepo) GetAccountForUpdate(ctx context.Context, id int64) (Account, error) {
	return getAccount(ctx, r.tx, id, true)
}

func (r *txRepo) LockAccounts(ctx context.Context, ids []int64) ([]Account, error) {
	rows, err := r.tx.Query(ctx, `SELECT `+accountColumns+`
FROM inventory_accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, rows.Err()
}

func (r *txRepo) ListTransactions(ctx context.Context, accountID int64) ([]Transaction, error) {
	return listTransactions(ctx, r.tx, accountID)
}

func (r *txRepo) InsertTransaction(ctx context.Context, tx Transaction) (Transaction, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO inventory_transactions
(account_id, tx_type, qty, unit_cost, total_cost, occurred_on, ref_module, ref_id, note, created_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING id, created_at`,
		tx.AccountID, string(tx.Type), db.Numeric(tx.Qty), db.Numeric(tx.UnitCost), db.Numeric(tx.TotalCost),
		db.Date(tx.OccurredOn), tx.RefModule, refUUID(tx.RefID), tx.Note, db.NullInt8(tx.CreatedBy),
	).Scan(&tx.ID, &tx.CreatedAt)
	if err != nil {
		return Transaction{}, fmt.Errorf("insert transaction: %w", err)
	}
	return tx, nil
}

func (r *txRepo) GetTransactionForUpdate(ctx context.Context, id int64) (Transaction, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+transactionColumns+`
FROM inventory_transactions WHERE id = $1 FOR UPDATE`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transaction{}, fmt.Errorf("%w: %d", ErrUnknownTransaction, id)
	}
	return tx, err
}

func (r *txRepo) MarkVoided(ctx context.Context, id int64, reason string) error {
	_, err := r.tx.Exec(ctx, `UPDATE inventory_transactions
SET voided = TRUE, voided_at = NOW(), void_reason = $2 WHERE id = $1`, id, reason)
	return err
}

func (r *txRepo) UpdateBalance(ctx context.Context, account Account) error {
	_, err := r.tx.Exec(ctx, `UPDATE inventory_accounts
SET qty = $2, avg_cost = $3, updated_at = NOW() WHERE id = $1`,
		account.ID, db.Numeric(account.Qty), db.Numeric(account.AvgCost))
	return err
}

func (r *txRepo) ReassignTransactions(ctx context.Context, from []int64, to int64) (int64, error) {
	tag, err := r.tx.Exec(ctx, `UPDATE inventory_transactions SET account_id = $2 WHERE account_id = ANY($1)`, from, to)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *txRepo) ReassignEntries(ctx context.Context, from []int64, to int64) (int64, error) {
	tag, err := r.tx.Exec(ctx, `UPDATE settlement_entries SET account_id = $2, updated_at = NOW() WHERE account_id = ANY($1)`, from, to)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *txRepo) MarkSuperseded(ctx context.Context, ids []int64, primaryID int64) error {
	if _, err := r.tx.Exec(ctx, `UPDATE inventory_accounts
SET superseded_by = $2, qty = 0, avg_cost = 0, updated_at = NOW() WHERE id = ANY($1)`, ids, primaryID); err != nil {
		return err
	}
	// earlier merges into a duplicate now resolve straight to the primary
	_, err := r.tx.Exec(ctx, `UPDATE inventory_accounts SET superseded_by = $2 WHERE superseded_by = ANY($1)`, ids, primaryID)
	return err
}

func (r *txRepo) ClaimIdempotencyKey(ctx context.Context, key string) error {
	return r.idempotency.CheckAndInsert(ctx, r.tx, key, "inventory")
}

func (r *txRepo) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	return r.audit.Record(ctx, r.tx, log)
}

const accountColumns = `id, resource_id, group_id, qty, avg_cost, superseded_by, updated_at`

const transactionColumns = `id, account_id, tx_type, qty, unit_cost, total_cost, occurred_on,
ref_module, ref_id, note, voided, created_by, created_at`

func getAccount(ctx context.Context, q db.Querier, id int64, forUpdate bool) (Account, error) {
	sql := `SELECT ` + accountColumns + ` FROM inventory_accounts WHERE id = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	acc, err := scanAccount(q.QueryRow(ctx, sql, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, fmt.Errorf("%w: %d", ErrUnknownAccount, id)
	}
	return acc, err
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		acc          Account
		qty, avg     pgtype.Numeric
		supersededBy pgtype.Int8
	)
	if err := row.Scan(&acc.ID, &acc.ResourceID, &acc.GroupID, &qty, &avg, &supersededBy, &acc.UpdatedAt); err != nil {
		return Account{}, err
	}
	acc.Qty = db.Decimal(qty)
	acc.AvgCost = db.Decimal(avg)
	acc.SupersededBy = supersededBy.Int64
	return acc, nil
}

func listTransactions(ctx context.Context, q db.Querier, accountID int64) ([]Transaction, error) {
	rows, err := q.Query(ctx, `SELECT `+transactionColumns+`
FROM inventory_transactions WHERE account_id = $1 ORDER BY created_at, id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		tx                   Transaction
		txType               string
		qty, unitCost, total pgtype.Numeric
		occurred             pgtype.Date
		refID                pgtype.UUID
		createdBy            pgtype.Int8
	)
	err := row.Scan(&tx.ID, &tx.AccountID, &txType, &qty, &unitCost, &total, &occurred,
		&tx.RefModule, &refID, &tx.Note, &tx.Voided, &createdBy, &tx.CreatedAt)
	if err != nil {
		return Transaction{}, err
	}
	tx.Type = TransactionType(txType)
	tx.Qty = db.Decimal(qty)
	tx.UnitCost = db.Decimal(unitCost)
	tx.TotalCost = db.Decimal(total)
	tx.OccurredOn = occurred.Time
	if refID.Valid {
		tx.RefID = uuid.UUID(refID.Bytes).String()
	}
	tx.CreatedBy = createdBy.Int64
	return tx, nil
}

func refUUID(s string) pgtype.UUID {
	if s == "" {
		return pgtype.UUID{}
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return pgtype.UUID{}
	}
	return pgtype.UUID{Bytes: id, Valid: true}
}
