package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantsys/trading-engine/internal/broker"
	"github.com/quantsys/trading-engine/internal/events"
	"github.com/quantsys/trading-engine/internal/ledger"
	"github.com/quantsys/trading-engine/internal/logger"
	"github.com/quantsys/trading-engine/internal/oms"
	"github.com/quantsys/trading-engine/internal/risk"
	"github.com/quantsys/trading-engine/pkg/types"
)

type stubSignals struct {
	sigs []Signal
	err  error
}

func (s *stubSignals) Signals(ctx context.Context) ([]Signal, error) {
	return s.sigs, s.err
}

type stubMarks map[string]float64

func (s stubMarks) Marks() map[string]float64 { return s }

// acceptAllBroker acknowledges every order and executes nothing
type acceptAllBroker struct{}

func (acceptAllBroker) Name() string { return "stub" }

func (acceptAllBroker) SetCallbacks(broker.ExecutionCallbacks) {}

func (acceptAllBroker) SubmitOrder(context.Context, *types.Order) error { return nil }

func (acceptAllBroker) CancelOrder(context.Context, string, string) error { return nil }

func (acceptAllBroker) OpenOrders(context.Context, string) ([]string, error) {
	return nil, nil
}

func (acceptAllBroker) Close() error { return nil }

type rig struct {
	executor *Executor
	manager  *oms.Manager
	ledger   *ledger.Ledger
	signals  *stubSignals
	state    *risk.State
}

func newRig(t *testing.T, limits risk.Limits, marks stubMarks, sizer Sizer) *rig {
	t.Helper()
	bus := events.NewBus()
	lgr := ledger.New(100_000, 0, logger.NewNop(), bus)
	state := risk.NewState(100_000)
	retry := broker.RetryConfig{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 1}
	manager := oms.NewManager(lgr, state, risk.NewLimitsHolder(limits),
		acceptAllBroker{}, retry, nil, bus, logger.NewNop())
	signals := &stubSignals{}
	exec := New(manager, lgr, state, signals, marks, sizer,
		Config{Interval: time.Second, MinTradeNotional: 100}, nil, logger.NewNop())
	return &rig{executor: exec, manager: manager, ledger: lgr, signals: signals, state: state}
}

func findRecord(t *testing.T, report CycleReport, symbol string) CycleRecord {
	t.Helper()
	for _, rec := range report.Records {
		if rec.Symbol == symbol {
			return rec
		}
	}
	t.Fatalf("no record for %s in %+v", symbol, report.Records)
	return CycleRecord{}
}

func TestFixedFraction_TargetQuantity(t *testing.T) {
	sizer := FixedFraction{Fraction: 0.05}

	qty := sizer.TargetQuantity(Signal{Symbol: "AAPL", Score: 1.0, Price: 100}, 100_000)
	assert.InDelta(t, 50.0, qty, 1e-9)

	qty = sizer.TargetQuantity(Signal{Symbol: "AAPL", Score: -0.5, Price: 100}, 100_000)
	assert.InDelta(t, -25.0, qty, 1e-9)

	assert.Zero(t, sizer.TargetQuantity(Signal{Symbol: "AAPL", Score: 1, Price: 0}, 100_000))
}

func TestVolatilityScaled_TargetQuantity(t *testing.T) {
	sizer := VolatilityScaled{BaseFraction: 0.05, TargetVol: 0.10, MaxFraction: 0.20}

	// Twice the target vol halves the allocation.
	qty := sizer.TargetQuantity(Signal{Score: 1.0, Price: 100, Volatility: 0.20}, 100_000)
	assert.InDelta(t, 25.0, qty, 1e-9)

	// Quiet symbols are capped, not sized without bound.
	qty = sizer.TargetQuantity(Signal{Score: 1.0, Price: 100, Volatility: 0.01}, 100_000)
	assert.InDelta(t, 200.0, qty, 1e-9)

	// No volatility reported falls back to the base fraction.
	qty = sizer.TargetQuantity(Signal{Score: 1.0, Price: 100}, 100_000)
	assert.InDelta(t, 50.0, qty, 1e-9)
}

func TestRunCycle_SubmitsTargetDelta(t *testing.T) {
	r := newRig(t, risk.Limits{}, stubMarks{"AAPL": 100}, FixedFraction{Fraction: 0.05})
	r.signals.sigs = []Signal{{Symbol: "AAPL", Score: 1.0}}

	report := r.executor.RunCycle(context.Background())

	rec := findRecord(t, report, "AAPL")
	assert.Equal(t, ActionSubmitted, rec.Action)
	assert.InDelta(t, 50.0, rec.Quantity, 1e-9)

	order, err := r.manager.Get(rec.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStateSubmitted, order.State)
	assert.Equal(t, types.SideBuy, order.Side)
}

func TestRunCycle_SkipsDustRebalance(t *testing.T) {
	r := newRig(t, risk.Limits{}, stubMarks{"AAPL": 100}, FixedFraction{Fraction: 0.05})
	r.signals.sigs = []Signal{{Symbol: "AAPL", Score: 0.0005}} // target notional 5

	report := r.executor.RunCycle(context.Background())

	rec := findRecord(t, report, "AAPL")
	assert.Equal(t, ActionSkipped, rec.Action)
	assert.Contains(t, rec.Detail, "below minimum")
	assert.Empty(t, r.manager.OpenOrders())
}

func TestRunCycle_HaltSkipsEverything(t *testing.T) {
	r := newRig(t, risk.Limits{}, stubMarks{"AAPL": 100}, FixedFraction{Fraction: 0.05})
	r.signals.sigs = []Signal{{Symbol: "AAPL", Score: 1.0}}

	bus := events.NewBus()
	monitor := risk.NewMonitor(r.state, r.ledger, stubMarks{}, risk.NewLimitsHolder(risk.Limits{}),
		bus, logger.NewNop(), time.Second)
	monitor.Halt(risk.HaltReasonManual)

	report := r.executor.RunCycle(context.Background())

	assert.True(t, report.Halted)
	assert.Empty(t, report.Records)
	assert.Empty(t, r.manager.OpenOrders())
}

func TestRunCycle_RecordsGateDenial(t *testing.T) {
	r := newRig(t, risk.Limits{MinSignalThreshold: 0.9}, stubMarks{"AAPL": 100}, FixedFraction{Fraction: 0.05})
	r.signals.sigs = []Signal{{Symbol: "AAPL", Score: 0.5}}

	report := r.executor.RunCycle(context.Background())

	rec := findRecord(t, report, "AAPL")
	assert.Equal(t, ActionDenied, rec.Action)
	assert.Contains(t, rec.Detail, string(risk.DenyBelowThreshold))
}

func TestRunCycle_ExitsDroppedSignals(t *testing.T) {
	// Exits carry full conviction so the signal threshold cannot trap a
	// position the strategy has abandoned.
	r := newRig(t, risk.Limits{MinSignalThreshold: 0.9}, stubMarks{"AAPL": 100}, FixedFraction{Fraction: 0.05})
	_, err := r.ledger.ApplyFill("AAPL", types.SideBuy, 50, 100, time.Now())
	require.NoError(t, err)

	r.signals.sigs = nil
	report := r.executor.RunCycle(context.Background())

	rec := findRecord(t, report, "AAPL")
	assert.Equal(t, ActionExit, rec.Action)
	assert.InDelta(t, 50.0, rec.Quantity, 1e-9)

	order, err := r.manager.Get(rec.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.SideSell, order.Side)
	assert.Equal(t, 1.0, order.SignalScore)
}

func TestRunCycle_ShortPositionExitBuys(t *testing.T) {
	r := newRig(t, risk.Limits{}, stubMarks{"AAPL": 100}, FixedFraction{Fraction: 0.05})
	_, err := r.ledger.ApplyFill("AAPL", types.SideSell, 30, 100, time.Now())
	require.NoError(t, err)

	report := r.executor.RunCycle(context.Background())

	rec := findRecord(t, report, "AAPL")
	require.Equal(t, ActionExit, rec.Action)
	order, err := r.manager.Get(rec.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.SideBuy, order.Side)
	assert.InDelta(t, 30.0, order.Quantity, 1e-9)
}

func TestRunCycle_SkipsSymbolsWithOpenOrders(t *testing.T) {
	r := newRig(t, risk.Limits{}, stubMarks{"AAPL": 100}, FixedFraction{Fraction: 0.05})
	r.signals.sigs = []Signal{{Symbol: "AAPL", Score: 1.0}}

	first := r.executor.RunCycle(context.Background())
	require.Equal(t, ActionSubmitted, findRecord(t, first, "AAPL").Action)

	// The stub broker never fills, so the order is still working.
	second := r.executor.RunCycle(context.Background())
	rec := findRecord(t, second, "AAPL")
	assert.Equal(t, ActionSkipped, rec.Action)
	assert.Equal(t, "order in flight", rec.Detail)
	assert.Len(t, r.manager.Orders(), 1)
}

func TestRunCycle_IsolatesPerSymbolFailures(t *testing.T) {
	r := newRig(t, risk.Limits{}, stubMarks{"MSFT": 400}, FixedFraction{Fraction: 0.05})
	r.signals.sigs = []Signal{
		{Symbol: "AAPL", Score: 1.0}, // no mark and no signal price
		{Symbol: "MSFT", Score: 1.0},
	}

	report := r.executor.RunCycle(context.Background())

	assert.Equal(t, ActionFailed, findRecord(t, report, "AAPL").Action)
	assert.Equal(t, ActionSubmitted, findRecord(t, report, "MSFT").Action)
}

func TestRunCycle_ReducesTowardTarget(t *testing.T) {
	r := newRig(t, risk.Limits{}, stubMarks{"AAPL": 100}, FixedFraction{Fraction: 0.05})
	_, err := r.ledger.ApplyFill("AAPL", types.SideBuy, 80, 100, time.Now())
	require.NoError(t, err)

	// Target is 50 at full conviction; holding 80 means selling 30.
	r.signals.sigs = []Signal{{Symbol: "AAPL", Score: 1.0}}
	report := r.executor.RunCycle(context.Background())

	rec := findRecord(t, report, "AAPL")
	require.Equal(t, ActionSubmitted, rec.Action)
	order, err := r.manager.Get(rec.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.SideSell, order.Side)
	assert.InDelta(t, 30.0, order.Quantity, 1e-9)
}

func TestRunCycle_StoresLastReport(t *testing.T) {
	r := newRig(t, risk.Limits{}, stubMarks{"AAPL": 100}, FixedFraction{Fraction: 0.05})
	r.signals.sigs = []Signal{{Symbol: "AAPL", Score: 1.0}}

	r.executor.RunCycle(context.Background())

	report := r.executor.LastReport()
	assert.False(t, report.StartedAt.IsZero())
	assert.Len(t, report.Records, 1)
}
