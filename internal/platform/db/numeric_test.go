package db

import (
	"math/big"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestNumericRoundTrip(t *testing.T) {
	d := decimal.RequireFromString("1234.5678")
	n := Numeric(d)
	require.True(t, n.Valid)
	require.True(t, Decimal(n).Equal(d))
}

func TestDecimalNullIsZero(t *testing.T) {
	require.True(t, Decimal(pgtype.Numeric{}).IsZero())
	require.True(t, Decimal(pgtype.Numeric{Valid: true, NaN: true}).IsZero())
	require.True(t, Decimal(pgtype.Numeric{Int: big.NewInt(-125), Exp: -2, Valid: true}).Equal(decimal.RequireFromString("-1.25")))
}

func TestNullInt8AndDate(t *testing.T) {
	require.False(t, NullInt8(0).Valid)
	require.Equal(t, pgtype.Int8{Int64: 7, Valid: true}, NullInt8(7))

	d := Date(time.Date(2025, 12, 5, 17, 30, 0, 0, time.FixedZone("x", 3600)))
	require.True(t, d.Valid)
	require.Equal(t, 5, d.Time.Day())
	require.Zero(t, d.Time.Hour())
	require.False(t, Date(time.Time{}).Valid)
}
