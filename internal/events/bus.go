// Package events carries the engine's lifecycle event stream: order state
// changes, position changes and risk state changes, delivered to external
// consumers (notifications, dashboards, the audit journal). Delivery is
// at-least-once; consumers are expected to be idempotent on order id plus
// new state.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantsys/trading-engine/pkg/types"
)

// Type identifies the kind of event
type Type string

const (
	TypeOrderStateChanged Type = "order_state_changed"
	TypePositionChanged   Type = "position_changed"
	TypeRiskStateChanged  Type = "risk_state_changed"
)

// Event is one entry in the ordered lifecycle stream
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol,omitempty"`

	// Order state changes
	OrderID  string           `json:"order_id,omitempty"`
	OldState types.OrderState `json:"old_state,omitempty"`
	NewState types.OrderState `json:"new_state,omitempty"`
	Reason   string           `json:"reason,omitempty"`

	// Position changes
	Quantity    float64 `json:"quantity,omitempty"`
	AvgCost     float64 `json:"avg_cost,omitempty"`
	RealizedPnl float64 `json:"realized_pnl,omitempty"`

	// Risk state changes
	Halted bool    `json:"halted,omitempty"`
	Equity float64 `json:"equity,omitempty"`
}

// Bus fans events out to subscribers over buffered channels. Publishing
// never blocks a core transition: when a subscriber's buffer is full the
// event is dropped for that subscriber and counted, which trades
// completeness on a stalled consumer for liveness of the trading core.
type Bus struct {
	mu      sync.RWMutex
	subs    []chan Event
	dropped atomic.Uint64
}

// NewBus creates an empty event bus
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new consumer and returns its channel. The channel
// is closed when the bus is closed.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers the event to every subscriber without blocking
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many events were discarded due to full subscriber buffers
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
