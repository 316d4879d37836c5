package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/siteledger/siteledger/internal/platform/lock"
)

// WithTx executes fn within a RepeatableRead transaction. Any error returned
// by fn rolls the whole unit of work back. A serialization failure comes
// back wrapped in lock.ErrConcurrencyConflict so callers can retry.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	if pool == nil {
		return errors.New("platform/db: pool not initialised")
	}
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return asConflict(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return asConflict(fmt.Errorf("platform/db: commit tx: %w", err))
	}

	return nil
}

// IsSerializationFailure reports whether err is a RepeatableRead conflict
// (SQLSTATE 40001) that the caller may retry as a whole.
func IsSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func asConflict(err error) error {
	if IsSerializationFailure(err) && !errors.Is(err, lock.ErrConcurrencyConflict) {
		return fmt.Errorf("%w: %w", lock.ErrConcurrencyConflict, err)
	}
	return err
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
