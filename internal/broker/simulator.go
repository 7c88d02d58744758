package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantsys/trading-engine/internal/errors"
	"github.com/quantsys/trading-engine/internal/logger"
	"github.com/quantsys/trading-engine/pkg/types"
)

// SimulatorConfig tunes the simulated venue
type SimulatorConfig struct {
	// FillDelay is how long an accepted order rests before executing.
	FillDelay time.Duration
	// FillChunks splits each execution into this many partial fills.
	FillChunks int
	// SlippageBps moves market-order fill prices against the taker.
	SlippageBps float64
	// OrderTTL expires resting limit orders that never become marketable.
	OrderTTL time.Duration
}

// DefaultSimulatorConfig returns the paper-trading defaults
func DefaultSimulatorConfig() SimulatorConfig {
	return SimulatorConfig{
		FillDelay:   50 * time.Millisecond,
		FillChunks:  1,
		SlippageBps: 2,
		OrderTTL:    time.Minute,
	}
}

type simOrder struct {
	order  types.Order
	cancel chan struct{}
}

// Simulator is an in-process venue. Orders are acknowledged synchronously
// and execute asynchronously against the supplied marks, which exercises the
// same callback paths a live venue does.
type Simulator struct {
	config SimulatorConfig
	prices PriceSource
	log    *logger.Logger

	mu      sync.Mutex
	cb      ExecutionCallbacks
	pending map[string]*simOrder

	wg     sync.WaitGroup
	closed chan struct{}
}

// NewSimulator creates a simulated broker
func NewSimulator(config SimulatorConfig, prices PriceSource, log *logger.Logger) *Simulator {
	if config.FillChunks <= 0 {
		config.FillChunks = 1
	}
	return &Simulator{
		config:  config,
		prices:  prices,
		log:     log,
		pending: make(map[string]*simOrder),
		closed:  make(chan struct{}),
	}
}

// Name identifies the venue
func (s *Simulator) Name() string { return "simulator" }

// SetCallbacks registers the execution report receiver
func (s *Simulator) SetCallbacks(cb ExecutionCallbacks) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

// SubmitOrder acknowledges the order and schedules its execution
func (s *Simulator) SubmitOrder(ctx context.Context, order *types.Order) error {
	s.mu.Lock()
	cb := s.cb
	s.mu.Unlock()
	if cb == nil {
		return errors.New(errors.CategoryBroker, "simulator", "submit_order",
			"no execution callbacks registered")
	}

	select {
	case <-s.closed:
		return errors.New(errors.CategoryBroker, "simulator", "submit_order",
			"broker is closed")
	default:
	}

	so := &simOrder{order: *order, cancel: make(chan struct{})}
	s.mu.Lock()
	s.pending[order.ID] = so
	s.mu.Unlock()

	s.wg.Add(1)
	go s.execute(so, cb)
	return nil
}

// CancelOrder withdraws a resting order. Orders that already executed
// return a broker error, mirroring a live venue's "order not found".
func (s *Simulator) CancelOrder(ctx context.Context, orderID, symbol string) error {
	s.mu.Lock()
	so, ok := s.pending[orderID]
	if ok {
		delete(s.pending, orderID)
	}
	s.mu.Unlock()

	if !ok {
		return errors.New(errors.CategoryBroker, "simulator", "cancel_order",
			"order %s not found", orderID)
	}
	close(so.cancel)
	return nil
}

// OpenOrders returns the ids of orders still resting. An empty symbol
// matches everything.
func (s *Simulator) OpenOrders(ctx context.Context, symbol string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.pending))
	for id, so := range s.pending {
		if symbol != "" && so.order.Symbol != symbol {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Close stops the simulator and waits for in-flight executions
func (s *Simulator) Close() error {
	close(s.closed)
	s.wg.Wait()
	return nil
}

func (s *Simulator) execute(so *simOrder, cb ExecutionCallbacks) {
	defer s.wg.Done()
	order := so.order

	if !s.sleep(so, s.config.FillDelay) {
		return
	}

	mark, ok := s.prices.Marks()[order.Symbol]
	if !ok || mark <= 0 {
		s.remove(order.ID)
		s.log.Warning("rejecting %s: no market data for %s", order.ID, order.Symbol)
		cb.OnReject(order.ID, "no market data for "+order.Symbol)
		return
	}

	price := s.fillPrice(order, mark)
	if order.Type == types.OrderTypeLimit && !marketable(order, mark) {
		// Rest until the TTL; marks are static per order in the simulator,
		// so a non-marketable limit order expires.
		if !s.sleep(so, s.config.OrderTTL) {
			return
		}
		s.remove(order.ID)
		s.log.Trade("limit order %s expired unfilled", order.ID)
		cb.OnExpire(order.ID)
		return
	}

	chunk := order.Quantity / float64(s.config.FillChunks)
	for i := 0; i < s.config.FillChunks; i++ {
		qty := chunk
		if i == s.config.FillChunks-1 {
			qty = order.Quantity - chunk*float64(s.config.FillChunks-1)
		}
		cb.OnFill(types.Fill{
			ID:        uuid.New().String(),
			OrderID:   order.ID,
			Quantity:  qty,
			Price:     price,
			Timestamp: time.Now(),
		})
		if i < s.config.FillChunks-1 && !s.sleep(so, s.config.FillDelay) {
			return
		}
	}
	s.remove(order.ID)
}

// sleep waits for d unless the order is cancelled or the simulator closes
func (s *Simulator) sleep(so *simOrder, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-so.cancel:
		return false
	case <-s.closed:
		return false
	}
}

func (s *Simulator) remove(orderID string) {
	s.mu.Lock()
	delete(s.pending, orderID)
	s.mu.Unlock()
}

func (s *Simulator) fillPrice(order types.Order, mark float64) float64 {
	if order.Type == types.OrderTypeLimit {
		return order.LimitPrice
	}
	slip := mark * s.config.SlippageBps / 10_000
	if order.Side == types.SideBuy {
		return mark + slip
	}
	return mark - slip
}

// marketable reports whether a limit order crosses the current mark
func marketable(order types.Order, mark float64) bool {
	if order.Side == types.SideBuy {
		return order.LimitPrice >= mark
	}
	return order.LimitPrice <= mark
}
