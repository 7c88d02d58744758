package types

import (
	"time"
)

// Side represents the direction of an order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Sign returns +1 for buys and -1 for sells
func (s Side) Sign() float64 {
	if s == SideBuy {
		return 1
	}
	return -1
}

// Opposite returns the opposing side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType represents the execution style of an order
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderState represents a stage in the order lifecycle
type OrderState string

const (
	OrderStateNew             OrderState = "NEW"
	OrderStatePendingSubmit   OrderState = "PENDING_SUBMIT"
	OrderStateSubmitted       OrderState = "SUBMITTED"
	OrderStatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderStateFilled          OrderState = "FILLED"
	OrderStateCancelled       OrderState = "CANCELLED"
	OrderStateRejected        OrderState = "REJECTED"
	OrderStateExpired         OrderState = "EXPIRED"
)

// IsTerminal reports whether no further fills or cancels can apply
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCancelled, OrderStateRejected, OrderStateExpired:
		return true
	default:
		return false
	}
}

// Order represents a single order with full lifecycle tracking.
// All mutation goes through the order state machine; everything else
// sees copies.
type Order struct {
	ID           string     `json:"id"`
	Symbol       string     `json:"symbol"`
	Side         Side       `json:"side"`
	Quantity     float64    `json:"quantity"`
	Type         OrderType  `json:"type"`
	LimitPrice   float64    `json:"limit_price,omitempty"`
	State        OrderState `json:"state"`
	FilledQty    float64    `json:"filled_qty"`
	AvgFillPrice float64    `json:"avg_fill_price"` // volume-weighted across fills
	Reason       string     `json:"reason,omitempty"`

	// Creation-time context used by the risk gate.
	SignalScore float64 `json:"signal_score"`
	RefPrice    float64 `json:"ref_price"` // mark price at creation, for notional checks

	CreatedAt    time.Time `json:"created_at"`
	TransitionAt time.Time `json:"transition_at"` // last state change
}

// Remaining returns the unfilled quantity
func (o *Order) Remaining() float64 {
	return o.Quantity - o.FilledQty
}

// Notional returns the order value at its reference price, falling back
// to the limit price for limit orders
func (o *Order) Notional() float64 {
	price := o.RefPrice
	if price == 0 {
		price = o.LimitPrice
	}
	return o.Quantity * price
}

// Fill is an immutable execution record reported by the broker.
// The sum of a given order's fill quantities equals that order's FilledQty.
type Fill struct {
	ID        string    `json:"id,omitempty"` // broker execution id, if provided
	OrderID   string    `json:"order_id"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// Key returns the identity used for duplicate-fill detection. Brokers that
// supply an execution ID get exact dedup; otherwise the tuple of order,
// quantity, price and timestamp identifies the fill.
func (f Fill) Key() string {
	if f.ID != "" {
		return f.OrderID + "|" + f.ID
	}
	return f.OrderID + "|" +
		formatFloat(f.Quantity) + "|" +
		formatFloat(f.Price) + "|" +
		f.Timestamp.UTC().Format(time.RFC3339Nano)
}
