package export

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/siteledger/siteledger/internal/settlement"
)

func day(d int) time.Time {
	return time.Date(2025, 12, d, 0, 0, 0, 0, time.UTC)
}

func sampleStatement() settlement.Statement {
	scope := settlement.Scope{GroupID: 1, SiteID: 2}
	entries := []settlement.Entry{
		{ID: 1, GroupID: 1, SiteID: 2, OccurredOn: day(1), Total: decimal.NewFromInt(1000)},
		{ID: 2, GroupID: 1, SiteID: 2, OccurredOn: day(10), Total: decimal.NewFromInt(500)},
	}
	payments := []settlement.Payment{
		{ID: 7, GroupID: 1, SiteID: 2, PaidOn: day(5), Amount: decimal.NewFromInt(1200), Reference: "TS-7"},
	}
	return settlement.Statement{
		Scope:       scope,
		GeneratedAt: day(20),
		Cached:      settlement.ScopeItems(scope, entries),
		Outcome:     settlement.Allocate(scope, entries, payments, settlement.DefaultTolerance),
		Stale:       2,
		Payments:    payments,
	}
}

func TestWriteStatement(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteStatement(&buf, sampleStatement()))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(sheetItems)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "entry:1", rows[1][1])
	require.Equal(t, "paid", rows[1][8])
	require.Equal(t, "200", rows[2][6])
	require.Equal(t, "partial", rows[2][8])

	payments, err := f.GetRows(sheetPayments)
	require.NoError(t, err)
	require.Len(t, payments, 2)
	require.Equal(t, "1200", payments[1][3])

	summary, err := f.GetRows(sheetSummary)
	require.NoError(t, err)
	require.Equal(t, "group 1 site 2", summary[0][1])
	require.Equal(t, "300", summary[6][1])
}

type countingSource struct {
	calls atomic.Int32
	st    settlement.Statement
	err   error
}

func (s *countingSource) Statement(context.Context, settlement.Scope) (settlement.Statement, error) {
	s.calls.Add(1)
	return s.st, s.err
}

func TestExporterServeHTTP(t *testing.T) {
	src := &countingSource{st: sampleStatement()}
	exp := NewExporter(src, nil)
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/groups/{group}/scopes/{site}/statement.xlsx", exp)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/groups/1/scopes/2/statement.xlsx", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, ContentType, rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Header().Get("Content-Disposition"), "statement-1-2.xlsx")
	require.NotZero(t, rec.Body.Len())
	require.EqualValues(t, 1, src.calls.Load())
}

func TestExporterPropagatesUnknownScope(t *testing.T) {
	src := &countingSource{err: settlement.ErrUnknownScope}
	exp := NewExporter(src, nil)
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/groups/{group}/scopes/{site}/statement.xlsx", exp)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/groups/9/scopes/0/statement.xlsx", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
