// Package export renders settlement statements as spreadsheets.
package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
	"golang.org/x/sync/singleflight"

	"github.com/siteledger/siteledger/internal/platform/httpx"
	"github.com/siteledger/siteledger/internal/settlement"
)

const (
	sheetItems    = "Items"
	sheetPayments = "Payments"
	sheetSummary  = "Summary"
)

// ContentType is the MIME type of the rendered workbook.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Source loads the statement for a scope.
type Source interface {
	Statement(ctx context.Context, scope settlement.Scope) (settlement.Statement, error)
}

// WriteStatement writes st as an XLSX workbook with items, payments and a summary.
func WriteStatement(w io.Writer, st settlement.Statement) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetItems); err != nil {
		return err
	}
	if _, err := f.NewSheet(sheetPayments); err != nil {
		return err
	}
	if _, err := f.NewSheet(sheetSummary); err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}

	cached := make(map[string]settlement.Item, len(st.Cached))
	for _, item := range st.Cached {
		cached[item.Ref()] = item
	}
	rows := [][]any{{"#", "Ref", "Kind", "Site", "Date", "Amount", "Paid", "Outstanding", "Status", "Cached Paid", "Stale"}}
	for i, item := range st.Outcome.Items {
		old := cached[item.Ref()]
		stale := !old.AmountPaid.Equal(item.AmountPaid) || old.FullyPaid != item.FullyPaid
		rows = append(rows, []any{
			i + 1,
			item.Ref(),
			string(item.Kind),
			item.SiteID,
			item.OccurredOn.Format("2006-01-02"),
			money(item.Amount),
			money(item.AmountPaid),
			money(item.Outstanding()),
			item.Status(),
			money(old.AmountPaid),
			stale,
		})
	}
	if err := writeRows(f, sheetItems, rows, bold); err != nil {
		return err
	}

	applied := map[int64]decimal.Decimal{}
	for _, c := range st.Outcome.Consumptions {
		applied[c.PaymentID] = applied[c.PaymentID].Add(c.Amount)
	}
	rows = [][]any{{"ID", "Date", "Amount", "Applied", "Reference"}}
	for _, p := range st.Payments {
		rows = append(rows, []any{p.ID, p.PaidOn.Format("2006-01-02"), money(p.Amount), money(applied[p.ID]), p.Reference})
	}
	if err := writeRows(f, sheetPayments, rows, bold); err != nil {
		return err
	}

	rows = [][]any{
		{"Scope", st.Scope.String()},
		{"Generated", st.GeneratedAt.Format("2006-01-02 15:04:05")},
		{"Charged", money(st.Outcome.Charged)},
		{"Payments", money(st.Outcome.Capacity)},
		{"Applied", money(st.Outcome.Applied)},
		{"Surplus", money(st.Outcome.Surplus)},
		{"Outstanding", money(st.Outcome.Outstanding)},
		{"Stale items", st.Stale},
	}
	if err := writeRows(f, sheetSummary, rows, 0); err != nil {
		return err
	}
	if err := f.SetColStyle(sheetSummary, "A", bold); err != nil {
		return err
	}
	_, err = f.WriteTo(w)
	return err
}

func writeRows(f *excelize.File, sheet string, rows [][]any, headerStyle int) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("%s row %d: %w", sheet, i+1, err)
		}
	}
	if headerStyle != 0 && len(rows) > 0 {
		last, err := excelize.CoordinatesToCellName(len(rows[0]), 1)
		if err != nil {
			return err
		}
		if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
			return err
		}
	}
	return f.SetColWidth(sheet, "A", "K", 14)
}

func money(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}

// Exporter renders statements on demand. Concurrent requests for the same
// scope share one render.
type Exporter struct {
	source Source
	logger *slog.Logger
	group  singleflight.Group
}

// NewExporter constructs Exporter.
func NewExporter(source Source, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{source: source, logger: logger}
}

// Render builds the workbook bytes for scope.
func (e *Exporter) Render(ctx context.Context, scope settlement.Scope) ([]byte, error) {
	ch := e.group.DoChan(scope.Key(), func() (interface{}, error) {
		st, err := e.source.Statement(context.WithoutCancel(ctx), scope)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := WriteStatement(&buf, st); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

// ServeHTTP serves GET .../scopes/{site}/statement.xlsx.
func (e *Exporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	scope, err := settlement.ScopeFromRequest(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	body, err := e.Render(r.Context(), scope)
	if err != nil {
		e.logger.Warn("render statement", slog.String("scope", scope.Key()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="statement-%d-%d.xlsx"`, scope.GroupID, scope.SiteID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
