package oms

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantsys/trading-engine/internal/broker"
	"github.com/quantsys/trading-engine/internal/errors"
	"github.com/quantsys/trading-engine/internal/events"
	"github.com/quantsys/trading-engine/internal/ledger"
	"github.com/quantsys/trading-engine/internal/logger"
	"github.com/quantsys/trading-engine/internal/risk"
	"github.com/quantsys/trading-engine/pkg/types"
)

// stubBroker records routing calls and returns scripted submit errors
type stubBroker struct {
	mu        sync.Mutex
	cb        broker.ExecutionCallbacks
	submitted []types.Order
	cancelled []string
	submitErr []error // consumed one per SubmitOrder call
}

func (s *stubBroker) Name() string { return "stub" }

func (s *stubBroker) SetCallbacks(cb broker.ExecutionCallbacks) { s.cb = cb }

func (s *stubBroker) Close() error { return nil }

func (s *stubBroker) SubmitOrder(ctx context.Context, order *types.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.submitErr) > 0 {
		err := s.submitErr[0]
		s.submitErr = s.submitErr[1:]
		if err != nil {
			return err
		}
	}
	s.submitted = append(s.submitted, *order)
	return nil
}

func (s *stubBroker) CancelOrder(ctx context.Context, orderID, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, orderID)
	return nil
}

func (s *stubBroker) OpenOrders(ctx context.Context, symbol string) ([]string, error) {
	return nil, nil
}

type testRig struct {
	manager *Manager
	ledger  *ledger.Ledger
	broker  *stubBroker
	events  <-chan events.Event
}

func newTestRig(t *testing.T, limits risk.Limits) *testRig {
	t.Helper()
	bus := events.NewBus()
	eventCh := bus.Subscribe(128)
	lgr := ledger.New(1_000_000, 0, logger.NewNop(), bus)
	brk := &stubBroker{}
	retry := broker.RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, BackoffFactor: 2}
	m := NewManager(lgr, risk.NewState(1_000_000), risk.NewLimitsHolder(limits),
		brk, retry, nil, bus, logger.NewNop())
	return &testRig{manager: m, ledger: lgr, broker: brk, events: eventCh}
}

func submitted(t *testing.T, rig *testRig, symbol string, side types.Side, qty float64) types.Order {
	t.Helper()
	order, err := rig.manager.Create(symbol, side, qty, types.OrderTypeMarket, 0, 0.9, 150.00)
	require.NoError(t, err)
	require.NoError(t, rig.manager.Submit(context.Background(), order.ID))
	return order
}

func TestCreate_Validation(t *testing.T) {
	rig := newTestRig(t, risk.Limits{})

	_, err := rig.manager.Create("", types.SideBuy, 10, types.OrderTypeMarket, 0, 0.9, 150)
	assert.True(t, errors.IsValidation(err))

	_, err = rig.manager.Create("AAPL", "hold", 10, types.OrderTypeMarket, 0, 0.9, 150)
	assert.True(t, errors.IsValidation(err))

	_, err = rig.manager.Create("AAPL", types.SideBuy, 0, types.OrderTypeMarket, 0, 0.9, 150)
	assert.True(t, errors.IsValidation(err))

	_, err = rig.manager.Create("AAPL", types.SideBuy, 10, types.OrderTypeLimit, 0, 0.9, 150)
	assert.True(t, errors.IsValidation(err))

	order, err := rig.manager.Create("AAPL", types.SideBuy, 10, types.OrderTypeMarket, 0, 0.9, 150)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStateNew, order.State)
	assert.NotEmpty(t, order.ID)
}

func TestSubmit_RoutesApprovedOrder(t *testing.T) {
	rig := newTestRig(t, risk.Limits{})

	order := submitted(t, rig, "AAPL", types.SideBuy, 10)

	got, err := rig.manager.Get(order.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStateSubmitted, got.State)
	require.Len(t, rig.broker.submitted, 1)
	assert.Equal(t, order.ID, rig.broker.submitted[0].ID)
}

func TestSubmit_GateDenialRejectsOrder(t *testing.T) {
	rig := newTestRig(t, risk.Limits{MinSignalThreshold: 0.95})

	order, err := rig.manager.Create("AAPL", types.SideBuy, 10, types.OrderTypeMarket, 0, 0.5, 150)
	require.NoError(t, err)

	err = rig.manager.Submit(context.Background(), order.ID)
	require.Error(t, err)
	assert.True(t, errors.IsRiskDenied(err))

	got, err := rig.manager.Get(order.ID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStateRejected, got.State)
	assert.Contains(t, got.Reason, string(risk.DenyBelowThreshold))
	assert.Empty(t, rig.broker.submitted, "denied order must never reach the broker")
}

func TestSubmit_DeniedOrderPassesThroughPendingSubmit(t *testing.T) {
	rig := newTestRig(t, risk.Limits{MinSignalThreshold: 0.99})

	order, err := rig.manager.Create("AAPL", types.SideBuy, 10, types.OrderTypeMarket, 0, 0.5, 150)
	require.NoError(t, err)
	err = rig.manager.Submit(context.Background(), order.ID)
	require.Error(t, err)

	var transitions [][2]types.OrderState
	for len(rig.events) > 0 {
		ev := <-rig.events
		if ev.Type == events.TypeOrderStateChanged && ev.OrderID == order.ID {
			transitions = append(transitions, [2]types.OrderState{ev.OldState, ev.NewState})
		}
	}
	assert.Equal(t, [][2]types.OrderState{
		{types.OrderStateNew, types.OrderStatePendingSubmit},
		{types.OrderStatePendingSubmit, types.OrderStateRejected},
	}, transitions, "denial must reject from PENDING_SUBMIT, never straight from NEW")

	assert.False(t, canTransition(types.OrderStateNew, types.OrderStateRejected))
}

func TestSubmit_RetriesTransientBrokerErrors(t *testing.T) {
	rig := newTestRig(t, risk.Limits{})
	rig.broker.submitErr = []error{
		errors.New(errors.CategoryBroker, "stub", "submit", "transient"),
		errors.New(errors.CategoryBroker, "stub", "submit", "transient"),
	}

	order := submitted(t, rig, "AAPL", types.SideBuy, 10)

	got, _ := rig.manager.Get(order.ID)
	assert.Equal(t, types.OrderStateSubmitted, got.State)
}

func TestSubmit_ExhaustedRetriesRejectOrder(t *testing.T) {
	rig := newTestRig(t, risk.Limits{})
	down := errors.New(errors.CategoryBroker, "stub", "submit", "venue down")
	rig.broker.submitErr = []error{down, down, down}

	order, err := rig.manager.Create("AAPL", types.SideBuy, 10, types.OrderTypeMarket, 0, 0.9, 150)
	require.NoError(t, err)

	err = rig.manager.Submit(context.Background(), order.ID)
	require.Error(t, err)
	assert.True(t, errors.IsBroker(err))

	got, _ := rig.manager.Get(order.ID)
	assert.Equal(t, types.OrderStateRejected, got.State)
}

func TestSubmit_TwiceIsInvalid(t *testing.T) {
	rig := newTestRig(t, risk.Limits{})
	order := submitted(t, rig, "AAPL", types.SideBuy, 10)

	err := rig.manager.Submit(context.Background(), order.ID)
	assert.True(t, errors.IsInvalidState(err))
}

func TestApplyFill_PartialThenComplete(t *testing.T) {
	rig := newTestRig(t, risk.Limits{})
	order := submitted(t, rig, "AAPL", types.SideBuy, 100)

	require.NoError(t, rig.manager.ApplyFill(types.Fill{
		ID: "e1", OrderID: order.ID, Quantity: 40, Price: 150.00, Timestamp: time.Now(),
	}))
	got, _ := rig.manager.Get(order.ID)
	assert.Equal(t, types.OrderStatePartiallyFilled, got.State)
	assert.Equal(t, 40.0, got.FilledQty)

	require.NoError(t, rig.manager.ApplyFill(types.Fill{
		ID: "e2", OrderID: order.ID, Quantity: 60, Price: 151.00, Timestamp: time.Now(),
	}))
	got, _ = rig.manager.Get(order.ID)
	assert.Equal(t, types.OrderStateFilled, got.State)
	assert.Equal(t, 100.0, got.FilledQty)

	// Volume-weighted: (40*150 + 60*151) / 100.
	assert.InDelta(t, 150.60, got.AvgFillPrice, 1e-9)

	pos := rig.ledger.Position("AAPL")
	assert.Equal(t, 100.0, pos.Quantity)
	assert.InDelta(t, 150.60, pos.AvgCost, 1e-9)
}

func TestApplyFill_DuplicateRejected(t *testing.T) {
	rig := newTestRig(t, risk.Limits{})
	order := submitted(t, rig, "AAPL", types.SideBuy, 100)

	fill := types.Fill{ID: "e1", OrderID: order.ID, Quantity: 40, Price: 150.00, Timestamp: time.Now()}
	require.NoError(t, rig.manager.ApplyFill(fill))

	err := rig.manager.ApplyFill(fill)
	assert.True(t, errors.IsValidation(err))

	got, _ := rig.manager.Get(order.ID)
	assert.Equal(t, 40.0, got.FilledQty, "replay must not double-count")
	assert.Equal(t, 40.0, rig.ledger.Position("AAPL").Quantity)
}

func TestApplyFill_OverfillIsInconsistency(t *testing.T) {
	rig := newTestRig(t, risk.Limits{})
	order := submitted(t, rig, "AAPL", types.SideBuy, 10)

	err := rig.manager.ApplyFill(types.Fill{
		ID: "e1", OrderID: order.ID, Quantity: 25, Price: 150.00, Timestamp: time.Now(),
	})
	assert.True(t, errors.IsLedgerInconsistency(err))

	got, _ := rig.manager.Get(order.ID)
	assert.Equal(t, 0.0, got.FilledQty)
	assert.Equal(t, 0.0, rig.ledger.Position("AAPL").Quantity, "rejected fill must not touch the ledger")
}

func TestApplyFill_UnsubmittedOrderRejectsFills(t *testing.T) {
	rig := newTestRig(t, risk.Limits{})
	order, err := rig.manager.Create("AAPL", types.SideBuy, 10, types.OrderTypeMarket, 0, 0.9, 150)
	require.NoError(t, err)

	err = rig.manager.ApplyFill(types.Fill{
		ID: "e1", OrderID: order.ID, Quantity: 5, Price: 150.00, Timestamp: time.Now(),
	})
	assert.True(t, errors.IsInvalidState(err))
}

func TestCancel_WorkingOrder(t *testing.T) {
	rig := newTestRig(t, risk.Limits{})
	order := submitted(t, rig, "AAPL", types.SideBuy, 10)

	require.NoError(t, rig.manager.Cancel(context.Background(), order.ID, "strategy exit"))

	got, _ := rig.manager.Get(order.ID)
	assert.Equal(t, types.OrderStateCancelled, got.State)
	assert.Equal(t, "strategy exit", got.Reason)
	assert.Equal(t, []string{order.ID}, rig.broker.cancelled)
}

func TestCancel_FilledOrderReportsAlreadyFilled(t *testing.T) {
	rig := newTestRig(t, risk.Limits{})
	order := submitted(t, rig, "AAPL", types.SideBuy, 10)
	require.NoError(t, rig.manager.ApplyFill(types.Fill{
		ID: "e1", OrderID: order.ID, Quantity: 10, Price: 150.00, Timestamp: time.Now(),
	}))

	err := rig.manager.Cancel(context.Background(), order.ID, "")
	assert.True(t, errors.IsAlreadyFilled(err))

	got, _ := rig.manager.Get(order.ID)
	assert.Equal(t, types.OrderStateFilled, got.State)
}

func TestCancel_TerminalOrderIsInvalid(t *testing.T) {
	rig := newTestRig(t, risk.Limits{})
	order := submitted(t, rig, "AAPL", types.SideBuy, 10)
	require.NoError(t, rig.manager.Cancel(context.Background(), order.ID, ""))

	err := rig.manager.Cancel(context.Background(), order.ID, "")
	assert.True(t, errors.IsInvalidState(err))
}

func TestCancel_BlocksLaterFills(t *testing.T) {
	rig := newTestRig(t, risk.Limits{})
	order := submitted(t, rig, "AAPL", types.SideBuy, 10)
	require.NoError(t, rig.manager.Cancel(context.Background(), order.ID, ""))

	err := rig.manager.ApplyFill(types.Fill{
		ID: "late", OrderID: order.ID, Quantity: 10, Price: 150.00, Timestamp: time.Now(),
	})
	assert.True(t, errors.IsInvalidState(err))
	assert.Equal(t, 0.0, rig.ledger.Position("AAPL").Quantity)
}

func TestPartialFillThenCancelKeepsPosition(t *testing.T) {
	rig := newTestRig(t, risk.Limits{})
	order := submitted(t, rig, "AAPL", types.SideBuy, 100)
	require.NoError(t, rig.manager.ApplyFill(types.Fill{
		ID: "e1", OrderID: order.ID, Quantity: 30, Price: 150.00, Timestamp: time.Now(),
	}))

	require.NoError(t, rig.manager.Cancel(context.Background(), order.ID, "timeout"))

	got, _ := rig.manager.Get(order.ID)
	assert.Equal(t, types.OrderStateCancelled, got.State)
	assert.Equal(t, 30.0, got.FilledQty)

	assert.Equal(t, 30.0, rig.ledger.Position("AAPL").Quantity, "filled portion survives the cancel")
}

func TestOnRejectAndOnExpire(t *testing.T) {
	rig := newTestRig(t, risk.Limits{})

	rejected := submitted(t, rig, "AAPL", types.SideBuy, 10)
	rig.manager.OnReject(rejected.ID, "insufficient buying power")
	got, _ := rig.manager.Get(rejected.ID)
	assert.Equal(t, types.OrderStateRejected, got.State)
	assert.Equal(t, "insufficient buying power", got.Reason)

	expired := submitted(t, rig, "MSFT", types.SideBuy, 10)
	rig.manager.OnExpire(expired.ID)
	got, _ = rig.manager.Get(expired.ID)
	assert.Equal(t, types.OrderStateExpired, got.State)
}

func TestOnReject_IgnoredInTerminalState(t *testing.T) {
	rig := newTestRig(t, risk.Limits{})
	order := submitted(t, rig, "AAPL", types.SideBuy, 10)
	require.NoError(t, rig.manager.ApplyFill(types.Fill{
		ID: "e1", OrderID: order.ID, Quantity: 10, Price: 150.00, Timestamp: time.Now(),
	}))

	rig.manager.OnReject(order.ID, "late reject")
	got, _ := rig.manager.Get(order.ID)
	assert.Equal(t, types.OrderStateFilled, got.State)
}

func TestTransitionEventsInOrder(t *testing.T) {
	rig := newTestRig(t, risk.Limits{})
	order := submitted(t, rig, "AAPL", types.SideBuy, 10)
	require.NoError(t, rig.manager.ApplyFill(types.Fill{
		ID: "e1", OrderID: order.ID, Quantity: 10, Price: 150.00, Timestamp: time.Now(),
	}))

	var states []types.OrderState
	for len(rig.events) > 0 {
		ev := <-rig.events
		if ev.Type == events.TypeOrderStateChanged && ev.OrderID == order.ID {
			states = append(states, ev.NewState)
		}
	}
	assert.Equal(t, []types.OrderState{
		types.OrderStatePendingSubmit,
		types.OrderStateSubmitted,
		types.OrderStateFilled,
	}, states)
}

func TestOpenOrders(t *testing.T) {
	rig := newTestRig(t, risk.Limits{})
	working := submitted(t, rig, "AAPL", types.SideBuy, 10)
	done := submitted(t, rig, "MSFT", types.SideBuy, 5)
	require.NoError(t, rig.manager.ApplyFill(types.Fill{
		ID: "e1", OrderID: done.ID, Quantity: 5, Price: 400.00, Timestamp: time.Now(),
	}))

	open := rig.manager.OpenOrders()
	require.Len(t, open, 1)
	assert.Equal(t, working.ID, open[0].ID)
}

func TestConcurrentFillAndCancel(t *testing.T) {
	// Whichever wins the per-order lock decides the outcome; the loser must
	// see a categorized error, never a double-apply.
	for i := 0; i < 20; i++ {
		rig := newTestRig(t, risk.Limits{})
		order := submitted(t, rig, "AAPL", types.SideBuy, 10)

		var wg sync.WaitGroup
		var fillErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			fillErr = rig.manager.ApplyFill(types.Fill{
				ID: "e1", OrderID: order.ID, Quantity: 10, Price: 150.00, Timestamp: time.Now(),
			})
		}()
		go func() {
			defer wg.Done()
			cancelErr = rig.manager.Cancel(context.Background(), order.ID, "race")
		}()
		wg.Wait()

		got, _ := rig.manager.Get(order.ID)
		if fillErr == nil {
			assert.Equal(t, types.OrderStateFilled, got.State)
			if cancelErr != nil {
				assert.True(t, errors.IsAlreadyFilled(cancelErr))
			}
			assert.Equal(t, 10.0, rig.ledger.Position("AAPL").Quantity)
		} else {
			assert.Equal(t, types.OrderStateCancelled, got.State)
			assert.True(t, errors.IsInvalidState(fillErr))
			require.NoError(t, cancelErr)
		}
	}
}
