// Package risk contains the pre-trade risk gate, the configured limits and
// the background risk monitor that drives the circuit breaker.
package risk

import (
	"fmt"
	"math"

	"github.com/quantsys/trading-engine/internal/ledger"
	"github.com/quantsys/trading-engine/pkg/types"
)

// DenyReason identifies which check vetoed an order
type DenyReason string

const (
	DenyHalted                DenyReason = "Halted"
	DenyBelowThreshold        DenyReason = "BelowThreshold"
	DenyPositionTooLarge      DenyReason = "PositionTooLarge"
	DenyConcentrationExceeded DenyReason = "ConcentrationExceeded"
)

// Proposal describes an order as seen by the gate, before submission
type Proposal struct {
	Symbol      string
	Side        types.Side
	Quantity    float64
	Price       float64 // reference price for notional checks
	SignalScore float64
}

// Verdict is the gate's decision. Denial carries the failing check and a
// human-readable detail preserved on the rejected order.
type Verdict struct {
	Approved bool
	Reason   DenyReason
	Detail   string
}

func approve() Verdict { return Verdict{Approved: true} }

func deny(reason DenyReason, format string, args ...interface{}) Verdict {
	return Verdict{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Evaluate is the pre-trade risk gate. It is a pure function of the proposed
// order, a ledger snapshot, the current risk state and the configured limits;
// checks run in order and short-circuit on the first failure. Approval has no
// side effect beyond the verdict.
func Evaluate(p Proposal, snap ledger.Snapshot, state StateSnapshot, limits Limits) Verdict {
	// Circuit breaker dominates every other input.
	if state.Halted {
		return deny(DenyHalted, "trading halted: %s", state.HaltReason)
	}

	if p.SignalScore < limits.MinSignalThreshold {
		return deny(DenyBelowThreshold, "signal %.3f below threshold %.3f",
			p.SignalScore, limits.MinSignalThreshold)
	}

	equity := state.Equity
	if equity <= 0 {
		return deny(DenyPositionTooLarge, "no equity to size against")
	}

	// Position-size limit: the resulting notional for this symbol as a
	// fraction of equity.
	current := snap.Positions[p.Symbol]
	resultingQty := current.Quantity + p.Quantity*p.Side.Sign()
	resultingNotional := math.Abs(resultingQty) * p.Price
	if maxPct := limits.MaxPositionPct; maxPct > 0 {
		if pct := resultingNotional / equity; pct > maxPct {
			return deny(DenyPositionTooLarge, "%s notional %.2f is %.2f%% of equity, limit %.2f%%",
				p.Symbol, resultingNotional, pct*100, maxPct*100)
		}
	}

	// Concentration limit: the sector's total exposure including this order.
	// Positions other than the proposed symbol are valued at their basis,
	// the only price a pure snapshot carries.
	if maxPct := limits.MaxSectorConcentration; maxPct > 0 {
		sector := limits.SectorOf(p.Symbol)
		exposure := resultingNotional
		for sym, pos := range snap.Positions {
			if sym == p.Symbol || limits.SectorOf(sym) != sector {
				continue
			}
			exposure += pos.Notional(0)
		}
		if pct := exposure / equity; pct > maxPct {
			return deny(DenyConcentrationExceeded, "sector %s exposure %.2f is %.2f%% of equity, limit %.2f%%",
				sector, exposure, pct*100, maxPct*100)
		}
	}

	return approve()
}
