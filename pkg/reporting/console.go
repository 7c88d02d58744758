// Package reporting renders engine state for humans: console tables for the
// live session and an Excel workbook for the audit trail.
package reporting

import (
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/quantsys/trading-engine/internal/executor"
	"github.com/quantsys/trading-engine/internal/ledger"
	"github.com/quantsys/trading-engine/internal/risk"
	"github.com/quantsys/trading-engine/pkg/types"
)

// ConsoleReporter writes formatted tables to a writer, stdout by default
type ConsoleReporter struct {
	out io.Writer
}

// NewConsoleReporter creates a console reporter writing to stdout
func NewConsoleReporter() *ConsoleReporter {
	return &ConsoleReporter{out: os.Stdout}
}

// NewConsoleReporterTo creates a console reporter writing to w
func NewConsoleReporterTo(w io.Writer) *ConsoleReporter {
	return &ConsoleReporter{out: w}
}

// PrintPositions renders the ledger's positions with marks applied
func (r *ConsoleReporter) PrintPositions(positions []ledger.Position, marks map[string]float64, cash float64) {
	t := table.NewWriter()
	t.SetOutputMirror(r.out)
	t.SetTitle("POSITIONS")
	t.SetStyle(table.StyleRounded)

	t.AppendHeader(table.Row{"Symbol", "Qty", "Avg Cost", "Mark", "Value", "Unrealized", "Realized"})
	for _, pos := range positions {
		mark := marks[pos.Symbol]
		if mark == 0 {
			mark = pos.AvgCost
		}
		unrealized := (mark - pos.AvgCost) * pos.Quantity
		t.AppendRow(table.Row{
			pos.Symbol,
			fmt.Sprintf("%.4f", pos.Quantity),
			fmt.Sprintf("%.2f", pos.AvgCost),
			fmt.Sprintf("%.2f", mark),
			fmt.Sprintf("%.2f", pos.Notional(mark)),
			fmt.Sprintf("%+.2f", unrealized),
			fmt.Sprintf("%+.2f", pos.RealizedPnl),
		})
	}
	t.AppendFooter(table.Row{"Cash", "", "", "", fmt.Sprintf("%.2f", cash), "", ""})

	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 2, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
	})
	t.Render()
}

// PrintOrders renders the given orders, most useful for the open set
func (r *ConsoleReporter) PrintOrders(orders []types.Order) {
	t := table.NewWriter()
	t.SetOutputMirror(r.out)
	t.SetTitle("ORDERS")
	t.SetStyle(table.StyleRounded)

	t.AppendHeader(table.Row{"ID", "Symbol", "Side", "Qty", "Filled", "Avg Price", "State", "Reason"})
	for _, o := range orders {
		t.AppendRow(table.Row{
			shortID(o.ID),
			o.Symbol,
			string(o.Side),
			fmt.Sprintf("%.4f", o.Quantity),
			fmt.Sprintf("%.4f", o.FilledQty),
			fmt.Sprintf("%.2f", o.AvgFillPrice),
			string(o.State),
			o.Reason,
		})
	}
	t.Render()
}

// PrintRiskStatus renders the circuit breaker state and equity marks
func (r *ConsoleReporter) PrintRiskStatus(snap risk.StateSnapshot) {
	status := "✅ trading"
	if snap.Halted {
		status = fmt.Sprintf("🚨 HALTED (%s)", snap.HaltReason)
	}

	t := table.NewWriter()
	t.SetOutputMirror(r.out)
	t.SetTitle("RISK STATUS")
	t.SetStyle(table.StyleRounded)

	t.AppendRows([]table.Row{
		{"Status", status},
		{"Equity", fmt.Sprintf("$%.2f", snap.Equity)},
		{"Peak Equity", fmt.Sprintf("$%.2f", snap.PeakEquity)},
		{"Day Start Equity", fmt.Sprintf("$%.2f", snap.DayStartEquity)},
		{"Drawdown", fmt.Sprintf("%.2f%%", snap.Drawdown()*100)},
		{"Daily Loss", fmt.Sprintf("%.2f%%", snap.DailyLoss()*100)},
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, WidthMin: 18, Align: text.AlignLeft},
		{Number: 2, WidthMin: 25, Align: text.AlignLeft},
	})
	t.Render()
}

// PrintCycleReport renders the last execution cycle's per-symbol outcomes
func (r *ConsoleReporter) PrintCycleReport(report executor.CycleReport) {
	t := table.NewWriter()
	t.SetOutputMirror(r.out)
	t.SetTitle(fmt.Sprintf("CYCLE %s (%.0fms)",
		report.StartedAt.Format("15:04:05"), float64(report.Duration.Milliseconds())))
	t.SetStyle(table.StyleRounded)

	if report.Halted {
		t.AppendRow(table.Row{"-", "halted", "-", "circuit breaker open"})
		t.Render()
		return
	}

	t.AppendHeader(table.Row{"Symbol", "Action", "Qty", "Detail"})
	for _, rec := range report.Records {
		detail := rec.Detail
		if detail == "" {
			detail = shortID(rec.OrderID)
		}
		t.AppendRow(table.Row{rec.Symbol, string(rec.Action), fmt.Sprintf("%.4f", rec.Quantity), detail})
	}
	t.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
