package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/quantsys/trading-engine/internal/journal"
	"github.com/quantsys/trading-engine/pkg/reporting"
)

func main() {
	var (
		dbPath  = flag.String("journal", "data/audit.db", "Journal database path")
		outPath = flag.String("out", "", "Output workbook path (default: audit_<date>.xlsx)")
	)
	flag.Parse()

	if *outPath == "" {
		*outPath = fmt.Sprintf("audit_%s.xlsx", time.Now().Format("2006-01-02"))
	}

	jnl, err := journal.Open(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open journal: %v", err)
	}
	defer jnl.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	orders, err := jnl.Orders(ctx)
	if err != nil {
		log.Fatalf("Failed to read orders: %v", err)
	}
	fills, err := jnl.Fills(ctx)
	if err != nil {
		log.Fatalf("Failed to read fills: %v", err)
	}
	events, err := jnl.Events(ctx)
	if err != nil {
		log.Fatalf("Failed to read events: %v", err)
	}

	workbook := &reporting.AuditWorkbook{Orders: orders, Fills: fills, Events: events}
	if err := workbook.Save(*outPath); err != nil {
		log.Fatalf("Failed to write workbook: %v", err)
	}

	fmt.Printf("Exported %d orders, %d fills, %d events to %s\n",
		len(orders), len(fills), len(events), *outPath)
}
