package risk

// Limits holds the configured risk limits. Read-only at runtime; a reload
// swaps the whole struct through a LimitsHolder so changes take effect on
// the next evaluation, never mid-transaction.
type Limits struct {
	// MaxPositionPct caps one symbol's notional as a fraction of equity.
	MaxPositionPct float64
	// MaxSectorConcentration caps one sector's exposure as a fraction of equity.
	MaxSectorConcentration float64
	// MaxDrawdownPct halts trading when equity falls this far from its peak.
	MaxDrawdownPct float64
	// DailyLossLimitPct halts trading when equity falls this far below the
	// day-start mark.
	DailyLossLimitPct float64
	// MinSignalThreshold is the weakest signal score worth acting on.
	MinSignalThreshold float64
	// Sectors maps symbol to sector for the concentration check. Symbols
	// without an entry are treated as their own sector.
	Sectors map[string]string
}

// SectorOf returns the sector for a symbol, defaulting to the symbol itself
func (l Limits) SectorOf(symbol string) string {
	if sector, ok := l.Sectors[symbol]; ok {
		return sector
	}
	return symbol
}
