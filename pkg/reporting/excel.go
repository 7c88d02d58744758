package reporting

import (
	"fmt"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/quantsys/trading-engine/internal/journal"
)

const (
	ordersSheet = "Orders"
	fillsSheet  = "Fills"
	eventsSheet = "Events"
)

// AuditWorkbook writes the journal's audit trail to a styled Excel file
type AuditWorkbook struct {
	Orders []journal.OrderRecord
	Fills  []journal.FillRecord
	Events []journal.EventRecord
}

// Save writes the workbook to path
func (w *AuditWorkbook) Save(path string) error {
	fx := excelize.NewFile()
	defer fx.Close()

	fx.SetSheetName(fx.GetSheetName(0), ordersSheet)
	fx.NewSheet(fillsSheet)
	fx.NewSheet(eventsSheet)

	headerStyle, err := fx.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"366092"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	if err := w.writeOrdersSheet(fx, headerStyle); err != nil {
		return err
	}
	if err := w.writeFillsSheet(fx, headerStyle); err != nil {
		return err
	}
	if err := w.writeEventsSheet(fx, headerStyle); err != nil {
		return err
	}
	return fx.SaveAs(path)
}

func (w *AuditWorkbook) writeOrdersSheet(fx *excelize.File, headerStyle int) error {
	headers := []string{"ID", "Symbol", "Side", "Type", "Quantity", "Limit Price",
		"State", "Filled Qty", "Avg Fill Price", "Signal Score", "Ref Price",
		"Reason", "Created", "Last Transition"}
	writeHeader(fx, ordersSheet, headers, headerStyle)
	fx.SetColWidth(ordersSheet, "A", "A", 38)
	fx.SetColWidth(ordersSheet, "L", "L", 30)
	fx.SetColWidth(ordersSheet, "M", "N", 20)

	for i, o := range w.Orders {
		row := strconv.Itoa(i + 2)
		fx.SetCellValue(ordersSheet, "A"+row, o.ID)
		fx.SetCellValue(ordersSheet, "B"+row, o.Symbol)
		fx.SetCellValue(ordersSheet, "C"+row, o.Side)
		fx.SetCellValue(ordersSheet, "D"+row, o.Type)
		fx.SetCellValue(ordersSheet, "E"+row, o.Quantity)
		fx.SetCellValue(ordersSheet, "F"+row, o.LimitPrice)
		fx.SetCellValue(ordersSheet, "G"+row, o.State)
		fx.SetCellValue(ordersSheet, "H"+row, o.FilledQty)
		fx.SetCellValue(ordersSheet, "I"+row, o.AvgFillPrice)
		fx.SetCellValue(ordersSheet, "J"+row, o.SignalScore)
		fx.SetCellValue(ordersSheet, "K"+row, o.RefPrice)
		fx.SetCellValue(ordersSheet, "L"+row, o.Reason)
		fx.SetCellValue(ordersSheet, "M"+row, o.CreatedAt.Format("2006-01-02 15:04:05"))
		fx.SetCellValue(ordersSheet, "N"+row, o.TransitionAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func (w *AuditWorkbook) writeFillsSheet(fx *excelize.File, headerStyle int) error {
	headers := []string{"Order ID", "Quantity", "Price", "Notional", "Timestamp"}
	writeHeader(fx, fillsSheet, headers, headerStyle)
	fx.SetColWidth(fillsSheet, "A", "A", 38)
	fx.SetColWidth(fillsSheet, "E", "E", 20)

	for i, f := range w.Fills {
		row := strconv.Itoa(i + 2)
		fx.SetCellValue(fillsSheet, "A"+row, f.OrderID)
		fx.SetCellValue(fillsSheet, "B"+row, f.Quantity)
		fx.SetCellValue(fillsSheet, "C"+row, f.Price)
		fx.SetCellValue(fillsSheet, "D"+row, f.Quantity*f.Price)
		fx.SetCellValue(fillsSheet, "E"+row, f.Timestamp.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func (w *AuditWorkbook) writeEventsSheet(fx *excelize.File, headerStyle int) error {
	headers := []string{"Seq", "Type", "Timestamp", "Symbol", "Order ID",
		"From", "To", "Reason", "Quantity", "Avg Cost", "Halted", "Equity"}
	writeHeader(fx, eventsSheet, headers, headerStyle)
	fx.SetColWidth(eventsSheet, "C", "C", 20)
	fx.SetColWidth(eventsSheet, "E", "E", 38)
	fx.SetColWidth(eventsSheet, "H", "H", 30)

	for i, e := range w.Events {
		row := strconv.Itoa(i + 2)
		fx.SetCellValue(eventsSheet, "A"+row, e.Seq)
		fx.SetCellValue(eventsSheet, "B"+row, e.Type)
		fx.SetCellValue(eventsSheet, "C"+row, e.Timestamp.Format("2006-01-02 15:04:05"))
		fx.SetCellValue(eventsSheet, "D"+row, e.Symbol)
		fx.SetCellValue(eventsSheet, "E"+row, e.OrderID)
		fx.SetCellValue(eventsSheet, "F"+row, e.OldState)
		fx.SetCellValue(eventsSheet, "G"+row, e.NewState)
		fx.SetCellValue(eventsSheet, "H"+row, e.Reason)
		fx.SetCellValue(eventsSheet, "I"+row, e.Quantity)
		fx.SetCellValue(eventsSheet, "J"+row, e.AvgCost)
		fx.SetCellValue(eventsSheet, "K"+row, e.Halted)
		fx.SetCellValue(eventsSheet, "L"+row, e.Equity)
	}
	return nil
}

func writeHeader(fx *excelize.File, sheet string, headers []string, style int) {
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		fx.SetCellValue(sheet, cell, h)
	}
	last, _ := excelize.CoordinatesToCellName(len(headers), 1)
	fx.SetCellStyle(sheet, "A1", last, style)
}
