// Package broker abstracts order routing. The engine talks to one Broker at
// a time: the built-in simulator, Bybit or Alpaca. Executions flow back
// asynchronously through ExecutionCallbacks; the broker never mutates order
// state itself.
package broker

import (
	"context"

	"github.com/quantsys/trading-engine/pkg/types"
)

// ExecutionCallbacks receives asynchronous execution reports. Callbacks may
// arrive from broker-owned goroutines; implementations must be safe for
// concurrent use.
type ExecutionCallbacks interface {
	// OnFill reports a full or partial execution for the order.
	OnFill(fill types.Fill)
	// OnReject reports that the venue refused the order.
	OnReject(orderID, reason string)
	// OnExpire reports that the order lapsed without executing.
	OnExpire(orderID string)
}

// PriceSource supplies current marks per symbol
type PriceSource interface {
	Marks() map[string]float64
}

// incrementalFillPrice recovers the price of the latest execution slice from
// a venue's cumulative quantity and average price. Falls back to the
// cumulative average when the cumulative figures do not decompose cleanly.
func incrementalFillPrice(cumQty, cumAvg, prevQty, prevAvg float64) float64 {
	delta := cumQty - prevQty
	if delta <= 0 {
		return cumAvg
	}
	price := (cumQty*cumAvg - prevQty*prevAvg) / delta
	if price <= 0 {
		return cumAvg
	}
	return price
}

// Broker routes orders to a trading venue
type Broker interface {
	// Name identifies the venue for logs and reports.
	Name() string
	// SetCallbacks registers the execution report receiver. Must be called
	// before the first SubmitOrder.
	SetCallbacks(cb ExecutionCallbacks)
	// SubmitOrder sends the order to the venue. A nil return means the
	// venue acknowledged the order, not that it executed.
	SubmitOrder(ctx context.Context, order *types.Order) error
	// CancelOrder asks the venue to cancel a working order.
	CancelOrder(ctx context.Context, orderID, symbol string) error
	// OpenOrders returns the ids of orders still working at the venue.
	OpenOrders(ctx context.Context, symbol string) ([]string, error)
	// Close releases venue resources and stops background workers.
	Close() error
}
