package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantsys/trading-engine/internal/logger"
	"github.com/quantsys/trading-engine/pkg/types"
)

type stubMarks map[string]float64

func (s stubMarks) Marks() map[string]float64 { return s }

type recorder struct {
	mu      sync.Mutex
	fills   []types.Fill
	rejects map[string]string
	expired []string
	done    chan struct{} // signalled on every callback
}

func newRecorder() *recorder {
	return &recorder{
		rejects: make(map[string]string),
		done:    make(chan struct{}, 64),
	}
}

func (r *recorder) OnFill(fill types.Fill) {
	r.mu.Lock()
	r.fills = append(r.fills, fill)
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *recorder) OnReject(orderID, reason string) {
	r.mu.Lock()
	r.rejects[orderID] = reason
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *recorder) OnExpire(orderID string) {
	r.mu.Lock()
	r.expired = append(r.expired, orderID)
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for callback %d of %d", i+1, n)
		}
	}
}

func marketOrder(id, symbol string, side types.Side, qty float64) *types.Order {
	return &types.Order{
		ID:       id,
		Symbol:   symbol,
		Side:     side,
		Quantity: qty,
		Type:     types.OrderTypeMarket,
		State:    types.OrderStateSubmitted,
	}
}

func TestSimulator_MarketOrderFills(t *testing.T) {
	config := SimulatorConfig{FillDelay: time.Millisecond, FillChunks: 1, SlippageBps: 0}
	sim := NewSimulator(config, stubMarks{"AAPL": 150.00}, logger.NewNop())
	defer sim.Close()

	rec := newRecorder()
	sim.SetCallbacks(rec)

	require.NoError(t, sim.SubmitOrder(context.Background(), marketOrder("ord-1", "AAPL", types.SideBuy, 10)))
	rec.wait(t, 1)

	require.Len(t, rec.fills, 1)
	assert.Equal(t, "ord-1", rec.fills[0].OrderID)
	assert.Equal(t, 10.0, rec.fills[0].Quantity)
	assert.InDelta(t, 150.00, rec.fills[0].Price, 1e-9)
	assert.NotEmpty(t, rec.fills[0].ID)
}

func TestSimulator_PartialFillChunks(t *testing.T) {
	config := SimulatorConfig{FillDelay: time.Millisecond, FillChunks: 3}
	sim := NewSimulator(config, stubMarks{"AAPL": 150.00}, logger.NewNop())
	defer sim.Close()

	rec := newRecorder()
	sim.SetCallbacks(rec)

	require.NoError(t, sim.SubmitOrder(context.Background(), marketOrder("ord-1", "AAPL", types.SideBuy, 10)))
	rec.wait(t, 3)

	require.Len(t, rec.fills, 3)
	total := 0.0
	for _, f := range rec.fills {
		total += f.Quantity
	}
	assert.InDelta(t, 10.0, total, 1e-9)
}

func TestSimulator_SlippageMovesAgainstTaker(t *testing.T) {
	config := SimulatorConfig{FillDelay: time.Millisecond, FillChunks: 1, SlippageBps: 10}
	sim := NewSimulator(config, stubMarks{"AAPL": 100.00}, logger.NewNop())
	defer sim.Close()

	rec := newRecorder()
	sim.SetCallbacks(rec)

	require.NoError(t, sim.SubmitOrder(context.Background(), marketOrder("buy", "AAPL", types.SideBuy, 1)))
	require.NoError(t, sim.SubmitOrder(context.Background(), marketOrder("sell", "AAPL", types.SideSell, 1)))
	rec.wait(t, 2)

	for _, f := range rec.fills {
		if f.OrderID == "buy" {
			assert.InDelta(t, 100.10, f.Price, 1e-9)
		} else {
			assert.InDelta(t, 99.90, f.Price, 1e-9)
		}
	}
}

func TestSimulator_RejectsUnknownSymbol(t *testing.T) {
	config := SimulatorConfig{FillDelay: time.Millisecond, FillChunks: 1}
	sim := NewSimulator(config, stubMarks{}, logger.NewNop())
	defer sim.Close()

	rec := newRecorder()
	sim.SetCallbacks(rec)

	require.NoError(t, sim.SubmitOrder(context.Background(), marketOrder("ord-1", "ZZZZ", types.SideBuy, 1)))
	rec.wait(t, 1)

	assert.Contains(t, rec.rejects["ord-1"], "no market data")
	assert.Empty(t, rec.fills)
}

func TestSimulator_CancelPreventsFill(t *testing.T) {
	config := SimulatorConfig{FillDelay: 200 * time.Millisecond, FillChunks: 1}
	sim := NewSimulator(config, stubMarks{"AAPL": 150.00}, logger.NewNop())
	defer sim.Close()

	rec := newRecorder()
	sim.SetCallbacks(rec)

	require.NoError(t, sim.SubmitOrder(context.Background(), marketOrder("ord-1", "AAPL", types.SideBuy, 10)))
	require.NoError(t, sim.CancelOrder(context.Background(), "ord-1", "AAPL"))

	time.Sleep(300 * time.Millisecond)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.fills)
}

func TestSimulator_CancelUnknownOrderFails(t *testing.T) {
	sim := NewSimulator(DefaultSimulatorConfig(), stubMarks{}, logger.NewNop())
	defer sim.Close()
	sim.SetCallbacks(newRecorder())

	err := sim.CancelOrder(context.Background(), "missing", "AAPL")
	assert.Error(t, err)
}

func TestSimulator_NonMarketableLimitExpires(t *testing.T) {
	config := SimulatorConfig{FillDelay: time.Millisecond, FillChunks: 1, OrderTTL: 20 * time.Millisecond}
	sim := NewSimulator(config, stubMarks{"AAPL": 150.00}, logger.NewNop())
	defer sim.Close()

	rec := newRecorder()
	sim.SetCallbacks(rec)

	order := marketOrder("ord-1", "AAPL", types.SideBuy, 5)
	order.Type = types.OrderTypeLimit
	order.LimitPrice = 140.00 // below the mark, never crosses
	require.NoError(t, sim.SubmitOrder(context.Background(), order))
	rec.wait(t, 1)

	assert.Equal(t, []string{"ord-1"}, rec.expired)
	assert.Empty(t, rec.fills)
}

func TestSimulator_MarketableLimitFillsAtLimit(t *testing.T) {
	config := SimulatorConfig{FillDelay: time.Millisecond, FillChunks: 1}
	sim := NewSimulator(config, stubMarks{"AAPL": 150.00}, logger.NewNop())
	defer sim.Close()

	rec := newRecorder()
	sim.SetCallbacks(rec)

	order := marketOrder("ord-1", "AAPL", types.SideBuy, 5)
	order.Type = types.OrderTypeLimit
	order.LimitPrice = 151.00
	require.NoError(t, sim.SubmitOrder(context.Background(), order))
	rec.wait(t, 1)

	require.Len(t, rec.fills, 1)
	assert.InDelta(t, 151.00, rec.fills[0].Price, 1e-9)
}

func TestSimulator_OpenOrders(t *testing.T) {
	config := SimulatorConfig{FillDelay: 500 * time.Millisecond, FillChunks: 1}
	sim := NewSimulator(config, stubMarks{"AAPL": 150.00, "MSFT": 400.00}, logger.NewNop())
	defer sim.Close()
	sim.SetCallbacks(newRecorder())

	require.NoError(t, sim.SubmitOrder(context.Background(), marketOrder("a", "AAPL", types.SideBuy, 1)))
	require.NoError(t, sim.SubmitOrder(context.Background(), marketOrder("m", "MSFT", types.SideBuy, 1)))

	all, err := sim.OpenOrders(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	aapl, err := sim.OpenOrders(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, aapl)
}

func TestSimulator_SubmitWithoutCallbacksFails(t *testing.T) {
	sim := NewSimulator(DefaultSimulatorConfig(), stubMarks{"AAPL": 150.00}, logger.NewNop())
	defer sim.Close()

	err := sim.SubmitOrder(context.Background(), marketOrder("ord-1", "AAPL", types.SideBuy, 1))
	assert.Error(t, err)
}
