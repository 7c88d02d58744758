// Package oms owns the order lifecycle. Every order mutation flows through
// the Manager, which serializes transitions per order, applies the risk gate
// before submission, forwards fills to the position ledger and emits the
// audit trail.
package oms

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantsys/trading-engine/internal/broker"
	"github.com/quantsys/trading-engine/internal/errors"
	"github.com/quantsys/trading-engine/internal/events"
	"github.com/quantsys/trading-engine/internal/journal"
	"github.com/quantsys/trading-engine/internal/ledger"
	"github.com/quantsys/trading-engine/internal/logger"
	"github.com/quantsys/trading-engine/internal/monitoring"
	"github.com/quantsys/trading-engine/internal/risk"
	"github.com/quantsys/trading-engine/pkg/types"
)

// validTransitions is the complete lifecycle graph. Terminal states have no
// outgoing edges; everything not listed is an invalid transition.
var validTransitions = map[types.OrderState][]types.OrderState{
	types.OrderStateNew: {
		types.OrderStatePendingSubmit,
		types.OrderStateCancelled,
	},
	types.OrderStatePendingSubmit: {
		types.OrderStateSubmitted,
		types.OrderStateCancelled,
		types.OrderStateRejected,
	},
	types.OrderStateSubmitted: {
		types.OrderStatePartiallyFilled,
		types.OrderStateFilled,
		types.OrderStateCancelled,
		types.OrderStateRejected,
		types.OrderStateExpired,
	},
	types.OrderStatePartiallyFilled: {
		types.OrderStatePartiallyFilled,
		types.OrderStateFilled,
		types.OrderStateCancelled,
		types.OrderStateExpired,
	},
}

func canTransition(from, to types.OrderState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// managedOrder pairs an order with its serialization lock and the set of
// fill keys already applied to it.
type managedOrder struct {
	mu        sync.Mutex
	order     types.Order
	seenFills map[string]struct{}
}

// Manager is the order state machine
type Manager struct {
	ledger  *ledger.Ledger
	state   *risk.State
	limits  *risk.LimitsHolder
	broker  broker.Broker
	retry   broker.RetryConfig
	journal *journal.Journal // optional; nil disables the audit trail
	bus     *events.Bus
	log     *logger.Logger

	mu     sync.RWMutex
	orders map[string]*managedOrder
}

// NewManager creates the order state machine and registers it as the
// broker's execution callback receiver
func NewManager(lgr *ledger.Ledger, state *risk.State, limits *risk.LimitsHolder,
	brk broker.Broker, retry broker.RetryConfig, jnl *journal.Journal,
	bus *events.Bus, log *logger.Logger) *Manager {
	m := &Manager{
		ledger:  lgr,
		state:   state,
		limits:  limits,
		broker:  brk,
		retry:   retry,
		journal: jnl,
		bus:     bus,
		log:     log,
		orders:  make(map[string]*managedOrder),
	}
	brk.SetCallbacks(m)
	return m
}

// Create validates the request and registers a new order in state NEW.
// Validation failures reject the request before any order exists.
func (m *Manager) Create(symbol string, side types.Side, quantity float64,
	orderType types.OrderType, limitPrice, signalScore, refPrice float64) (types.Order, error) {
	if symbol == "" {
		return types.Order{}, errors.New(errors.CategoryValidation, "oms", "create",
			"symbol is required")
	}
	if side != types.SideBuy && side != types.SideSell {
		return types.Order{}, errors.New(errors.CategoryValidation, "oms", "create",
			"invalid side %q", side)
	}
	if quantity <= 0 {
		return types.Order{}, errors.New(errors.CategoryValidation, "oms", "create",
			"quantity must be positive, got %v", quantity)
	}
	if orderType == types.OrderTypeLimit && limitPrice <= 0 {
		return types.Order{}, errors.New(errors.CategoryValidation, "oms", "create",
			"limit orders require a positive limit price")
	}
	if orderType != types.OrderTypeMarket && orderType != types.OrderTypeLimit {
		return types.Order{}, errors.New(errors.CategoryValidation, "oms", "create",
			"invalid order type %q", orderType)
	}

	now := time.Now()
	order := types.Order{
		ID:           uuid.New().String(),
		Symbol:       symbol,
		Side:         side,
		Quantity:     quantity,
		Type:         orderType,
		LimitPrice:   limitPrice,
		State:        types.OrderStateNew,
		SignalScore:  signalScore,
		RefPrice:     refPrice,
		CreatedAt:    now,
		TransitionAt: now,
	}

	mo := &managedOrder{order: order, seenFills: make(map[string]struct{})}
	m.mu.Lock()
	m.orders[order.ID] = mo
	m.mu.Unlock()

	m.journalOrder(&order)
	m.log.Trade("created %s: %s %v %s", order.ID, side, quantity, symbol)
	return order, nil
}

// Submit moves the order to PENDING_SUBMIT, runs the risk gate and routes
// the order to the broker. A gate denial moves the order to REJECTED with
// the failing check preserved; a broker failure after retries does the same.
func (m *Manager) Submit(ctx context.Context, orderID string) error {
	mo, err := m.get(orderID)
	if err != nil {
		return err
	}

	mo.mu.Lock()
	defer mo.mu.Unlock()

	if mo.order.State != types.OrderStateNew {
		return errors.New(errors.CategoryInvalidState, "oms", "submit",
			"order %s is %s, not NEW", orderID, mo.order.State)
	}

	m.transitionLocked(mo, types.OrderStatePendingSubmit, "")

	verdict := risk.Evaluate(risk.Proposal{
		Symbol:      mo.order.Symbol,
		Side:        mo.order.Side,
		Quantity:    mo.order.Quantity,
		Price:       mo.order.RefPrice,
		SignalScore: mo.order.SignalScore,
	}, m.ledger.Snapshot(), m.state.Snapshot(), m.limits.Get())

	if !verdict.Approved {
		m.transitionLocked(mo, types.OrderStateRejected, string(verdict.Reason)+": "+verdict.Detail)
		monitoring.RecordRiskDenial(string(verdict.Reason))
		m.log.Risk("denied %s: %s (%s)", orderID, verdict.Reason, verdict.Detail)
		return errors.New(errors.CategoryRiskDenied, "oms", "submit",
			"%s: %s", verdict.Reason, verdict.Detail)
	}

	// Retries resubmit an identical order; snapshot it once.
	order := mo.order
	submitErr := broker.Retry(ctx, m.retry, func() error {
		return m.broker.SubmitOrder(ctx, &order)
	})
	if submitErr != nil {
		m.transitionLocked(mo, types.OrderStateRejected, "broker: "+submitErr.Error())
		monitoring.RecordError(string(errors.CategoryOf(submitErr)))
		return errors.Wrap(submitErr, errors.CategoryBroker, "oms", "submit")
	}

	m.transitionLocked(mo, types.OrderStateSubmitted, "")
	return nil
}

// ApplyFill applies one execution to its order and forwards it to the
// ledger. Duplicate fills are rejected by their dedup key; a fill larger
// than the remaining quantity is an inconsistency and leaves both the order
// and the ledger untouched.
func (m *Manager) ApplyFill(fill types.Fill) error {
	mo, err := m.get(fill.OrderID)
	if err != nil {
		return err
	}

	mo.mu.Lock()
	defer mo.mu.Unlock()

	if _, seen := mo.seenFills[fill.Key()]; seen {
		return errors.New(errors.CategoryValidation, "oms", "apply_fill",
			"duplicate fill %s for order %s", fill.Key(), fill.OrderID)
	}

	switch mo.order.State {
	case types.OrderStateSubmitted, types.OrderStatePartiallyFilled:
	default:
		return errors.New(errors.CategoryInvalidState, "oms", "apply_fill",
			"order %s is %s, cannot accept fills", fill.OrderID, mo.order.State)
	}

	if fill.Quantity <= 0 || fill.Price <= 0 {
		return errors.New(errors.CategoryLedgerInconsistency, "oms", "apply_fill",
			"fill for %s has qty %v price %v", fill.OrderID, fill.Quantity, fill.Price)
	}
	const epsilon = 1e-9
	if fill.Quantity > mo.order.Remaining()+epsilon {
		return errors.New(errors.CategoryLedgerInconsistency, "oms", "apply_fill",
			"fill qty %v exceeds remaining %v on order %s",
			fill.Quantity, mo.order.Remaining(), fill.OrderID)
	}

	ts := fill.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if _, err := m.ledger.ApplyFill(mo.order.Symbol, mo.order.Side, fill.Quantity, fill.Price, ts); err != nil {
		monitoring.RecordError(string(errors.CategoryOf(err)))
		return err
	}

	// Ledger accepted; now the order must too, or the books diverge.
	mo.seenFills[fill.Key()] = struct{}{}
	prevFilled := mo.order.FilledQty
	mo.order.FilledQty += fill.Quantity
	mo.order.AvgFillPrice = (mo.order.AvgFillPrice*prevFilled + fill.Price*fill.Quantity) / mo.order.FilledQty

	if mo.order.Remaining() <= epsilon {
		mo.order.FilledQty = mo.order.Quantity
		m.transitionLocked(mo, types.OrderStateFilled, "")
	} else {
		m.transitionLocked(mo, types.OrderStatePartiallyFilled, "")
	}

	monitoring.RecordFill(mo.order.Symbol, string(mo.order.Side), fill.Quantity*fill.Price)
	m.journalFill(fill)
	m.log.Trade("fill %s: %v %s @ %v (%v/%v)", fill.OrderID, fill.Quantity,
		mo.order.Symbol, fill.Price, mo.order.FilledQty, mo.order.Quantity)
	return nil
}

// Cancel withdraws a working order. A fill that won the race leaves the
// order FILLED and cancel reports AlreadyFilled; other terminal states are
// invalid to cancel. Working orders transition locally first so no further
// fills can race in, then the venue cancel is best-effort.
func (m *Manager) Cancel(ctx context.Context, orderID, reason string) error {
	mo, err := m.get(orderID)
	if err != nil {
		return err
	}

	mo.mu.Lock()
	defer mo.mu.Unlock()

	switch mo.order.State {
	case types.OrderStateFilled:
		return errors.New(errors.CategoryAlreadyFilled, "oms", "cancel",
			"order %s filled before the cancel", orderID)
	case types.OrderStateCancelled, types.OrderStateRejected, types.OrderStateExpired:
		return errors.New(errors.CategoryInvalidState, "oms", "cancel",
			"order %s is already %s", orderID, mo.order.State)
	}

	atVenue := mo.order.State == types.OrderStateSubmitted ||
		mo.order.State == types.OrderStatePartiallyFilled

	m.transitionLocked(mo, types.OrderStateCancelled, reason)

	if atVenue {
		if err := m.broker.CancelOrder(ctx, orderID, mo.order.Symbol); err != nil {
			// The local state already prevents further fills; the venue
			// residue is reconciled by the broker's poll loop.
			m.log.Warning("venue cancel failed for %s: %v", orderID, err)
		}
	}
	return nil
}

// Get returns a copy of the order
func (m *Manager) Get(orderID string) (types.Order, error) {
	mo, err := m.get(orderID)
	if err != nil {
		return types.Order{}, err
	}
	mo.mu.Lock()
	defer mo.mu.Unlock()
	return mo.order, nil
}

// Orders returns a copy of every tracked order
func (m *Manager) Orders() []types.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Order, 0, len(m.orders))
	for _, mo := range m.orders {
		mo.mu.Lock()
		out = append(out, mo.order)
		mo.mu.Unlock()
	}
	return out
}

// OpenOrders returns the orders that can still fill
func (m *Manager) OpenOrders() []types.Order {
	var open []types.Order
	for _, o := range m.Orders() {
		if !o.State.IsTerminal() {
			open = append(open, o)
		}
	}
	return open
}

// OnFill implements broker.ExecutionCallbacks
func (m *Manager) OnFill(fill types.Fill) {
	if err := m.ApplyFill(fill); err != nil {
		m.log.Error("dropping fill %s: %v", fill.Key(), err)
	}
}

// OnReject implements broker.ExecutionCallbacks
func (m *Manager) OnReject(orderID, reason string) {
	mo, err := m.get(orderID)
	if err != nil {
		m.log.Error("reject for unknown order %s", orderID)
		return
	}

	mo.mu.Lock()
	defer mo.mu.Unlock()
	if !canTransition(mo.order.State, types.OrderStateRejected) {
		m.log.Warning("ignoring reject for %s in state %s", orderID, mo.order.State)
		return
	}
	m.transitionLocked(mo, types.OrderStateRejected, reason)
}

// OnExpire implements broker.ExecutionCallbacks
func (m *Manager) OnExpire(orderID string) {
	mo, err := m.get(orderID)
	if err != nil {
		m.log.Error("expiry for unknown order %s", orderID)
		return
	}

	mo.mu.Lock()
	defer mo.mu.Unlock()
	if !canTransition(mo.order.State, types.OrderStateExpired) {
		m.log.Warning("ignoring expiry for %s in state %s", orderID, mo.order.State)
		return
	}
	m.transitionLocked(mo, types.OrderStateExpired, "expired at venue")
}

func (m *Manager) get(orderID string) (*managedOrder, error) {
	m.mu.RLock()
	mo, ok := m.orders[orderID]
	m.mu.RUnlock()
	if !ok {
		return nil, errors.New(errors.CategoryValidation, "oms", "lookup",
			"unknown order %s", orderID)
	}
	return mo, nil
}

// transitionLocked moves the order to newState. The caller holds mo.mu and
// has already validated the edge.
func (m *Manager) transitionLocked(mo *managedOrder, newState types.OrderState, reason string) {
	oldState := mo.order.State
	mo.order.State = newState
	mo.order.TransitionAt = time.Now()
	if reason != "" {
		mo.order.Reason = reason
	}

	monitoring.RecordOrderTransition(string(oldState), string(newState))
	m.bus.Publish(events.Event{
		Type:      events.TypeOrderStateChanged,
		Timestamp: mo.order.TransitionAt,
		Symbol:    mo.order.Symbol,
		OrderID:   mo.order.ID,
		OldState:  oldState,
		NewState:  newState,
		Reason:    reason,
	})
	m.journalOrder(&mo.order)
}

func (m *Manager) journalOrder(order *types.Order) {
	if m.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.journal.SaveOrder(ctx, order); err != nil {
		m.log.Warning("journal write failed for %s: %v", order.ID, err)
	}
}

func (m *Manager) journalFill(fill types.Fill) {
	if m.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.journal.SaveFill(ctx, fill); err != nil {
		m.log.Warning("journal write failed for fill %s: %v", fill.Key(), err)
	}
}
