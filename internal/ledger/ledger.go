// Package ledger owns per-symbol position and cost-basis state. It is the
// single writer of positions: fills arrive only from the order state machine,
// and every other component reads snapshots.
package ledger

import (
	"math"
	"sort"
	"sync"
	"time"

	engerr "github.com/quantsys/trading-engine/internal/errors"
	"github.com/quantsys/trading-engine/internal/events"
	"github.com/quantsys/trading-engine/internal/logger"
	"github.com/quantsys/trading-engine/pkg/types"
)

// Position holds the signed quantity and cost basis for one symbol.
// Positive quantity is long, negative is short. AvgCost is the
// quantity-weighted average entry price of the open position and is
// meaningless when Quantity is zero.
type Position struct {
	Symbol      string    `json:"symbol"`
	Quantity    float64   `json:"quantity"`
	AvgCost     float64   `json:"avg_cost"`
	RealizedPnl float64   `json:"realized_pnl"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Notional returns the absolute position value at the given mark price,
// falling back to the cost basis when no mark is available
func (p Position) Notional(mark float64) float64 {
	price := mark
	if price == 0 {
		price = p.AvgCost
	}
	return math.Abs(p.Quantity) * price
}

// Ledger tracks positions, realized P&L and cash for one account.
// Operations on disjoint symbols never block each other; cash is guarded
// separately because every fill touches it.
type Ledger struct {
	mu         sync.RWMutex // guards the maps and cash
	positions  map[string]*Position
	locks      map[string]*sync.Mutex // per-symbol serialization
	cash       float64
	commission float64 // rate applied to every fill's notional

	log *logger.Logger
	bus *events.Bus
}

// New creates a ledger with the given starting cash and commission rate
func New(initialCash, commission float64, log *logger.Logger, bus *events.Bus) *Ledger {
	return &Ledger{
		positions:  make(map[string]*Position),
		locks:      make(map[string]*sync.Mutex),
		cash:       initialCash,
		commission: commission,
		log:        log,
		bus:        bus,
	}
}

func (l *Ledger) symbolLock(symbol string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk, ok := l.locks[symbol]
	if !ok {
		lk = &sync.Mutex{}
		l.locks[symbol] = lk
	}
	return lk
}

// ApplyFill applies one execution to the symbol's position. Same-direction
// fills extend the position at a quantity-weighted average cost; opposing
// fills realize P&L against the basis for the closed portion, and a fill
// crossing through zero opens the remainder as a fresh position at the fill
// price. Returns the realized P&L of the closed portion, if any.
func (l *Ledger) ApplyFill(symbol string, side types.Side, quantity, price float64, ts time.Time) (float64, error) {
	if symbol == "" || quantity <= 0 || price <= 0 {
		err := engerr.New(engerr.CategoryLedgerInconsistency, "ledger", "apply_fill",
			"unreconcilable fill: symbol=%q qty=%.4f price=%.4f", symbol, quantity, price)
		l.log.Error("%v", err)
		return 0, err
	}

	lk := l.symbolLock(symbol)
	lk.Lock()
	defer lk.Unlock()

	l.mu.Lock()
	pos, ok := l.positions[symbol]
	if !ok {
		pos = &Position{Symbol: symbol}
		l.positions[symbol] = pos
	}

	signedQty := quantity * side.Sign()
	oldQty := pos.Quantity
	realized := 0.0

	switch {
	case oldQty == 0 || sameSign(oldQty, signedQty):
		// Flat or extending: recompute the weighted-average basis.
		totalQty := math.Abs(oldQty) + quantity
		pos.AvgCost = (math.Abs(oldQty)*pos.AvgCost + quantity*price) / totalQty
		pos.Quantity = oldQty + signedQty

	case quantity <= math.Abs(oldQty):
		// Reducing: basis unchanged, realize P&L on the closed portion.
		realized = (price - pos.AvgCost) * quantity * direction(oldQty)
		pos.RealizedPnl += realized
		pos.Quantity = oldQty + signedQty

	default:
		// Flipping through zero: close the whole old position, then open
		// the remainder at the fill price as a fresh basis.
		closedQty := math.Abs(oldQty)
		realized = (price - pos.AvgCost) * closedQty * direction(oldQty)
		pos.RealizedPnl += realized
		pos.Quantity = oldQty + signedQty
		pos.AvgCost = price
	}

	pos.UpdatedAt = ts
	notional := quantity * price
	fee := notional * l.commission
	if side == types.SideBuy {
		l.cash -= notional + fee
	} else {
		l.cash += notional - fee
	}
	snapshot := *pos
	l.mu.Unlock()

	l.log.Trade("fill applied: %s %s %.4f @ %.4f (position %.4f @ %.4f, realized %.2f)",
		side, symbol, quantity, price, snapshot.Quantity, snapshot.AvgCost, realized)
	l.bus.Publish(events.Event{
		Type:        events.TypePositionChanged,
		Timestamp:   ts,
		Symbol:      symbol,
		Quantity:    snapshot.Quantity,
		AvgCost:     snapshot.AvgCost,
		RealizedPnl: snapshot.RealizedPnl,
	})
	return realized, nil
}

// Position returns a copy of the symbol's position. The zero value is
// returned for symbols never traded.
func (l *Ledger) Position(symbol string) Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if pos, ok := l.positions[symbol]; ok {
		return *pos
	}
	return Position{Symbol: symbol}
}

// Positions returns a copy of every position, including flat ones retained
// for their realized P&L history, sorted by symbol.
func (l *Ledger) Positions() []Position {
	l.mu.RLock()
	out := make([]Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, *pos)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// RealizedPnl returns the accumulated realized P&L for one symbol
func (l *Ledger) RealizedPnl(symbol string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if pos, ok := l.positions[symbol]; ok {
		return pos.RealizedPnl
	}
	return 0
}

// Cash returns the current cash balance
func (l *Ledger) Cash() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cash
}

// MarketValue returns the mark-to-market value of all open positions.
// Symbols without a mark are valued at their cost basis.
func (l *Ledger) MarketValue(marks map[string]float64) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	total := 0.0
	for sym, pos := range l.positions {
		price := marks[sym]
		if price == 0 {
			price = pos.AvgCost
		}
		total += pos.Quantity * price
	}
	return total
}

// Snapshot returns the read-only view the risk gate evaluates against
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	positions := make(map[string]Position, len(l.positions))
	for sym, pos := range l.positions {
		positions[sym] = *pos
	}
	return Snapshot{Positions: positions, Cash: l.cash}
}

// Snapshot is a point-in-time copy of ledger state
type Snapshot struct {
	Positions map[string]Position
	Cash      float64
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

// direction returns +1 when closing a long earns on price increases,
// -1 for shorts
func direction(openQty float64) float64 {
	if openQty > 0 {
		return 1
	}
	return -1
}
