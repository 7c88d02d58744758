package broker

import (
	"context"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"github.com/quantsys/trading-engine/internal/errors"
	"github.com/quantsys/trading-engine/internal/logger"
	"github.com/quantsys/trading-engine/pkg/types"
)

// AlpacaConfig configures the Alpaca adapter
type AlpacaConfig struct {
	APIKey       string
	APISecret    string
	BaseURL      string // paper or live endpoint
	PollInterval time.Duration
	RateLimit    int // requests per second
}

// AlpacaBroker routes orders to Alpaca. Orders carry our id as the client
// order id; a poll loop reconciles filled quantity deltas into fills.
type AlpacaBroker struct {
	client       *alpaca.Client
	pollInterval time.Duration
	limiter      *RateLimiter
	log          *logger.Logger

	mu      sync.Mutex
	cb      ExecutionCallbacks
	tracked map[string]*alpacaTracked // keyed by our order id

	wg       sync.WaitGroup
	stopChan chan struct{}
}

type alpacaTracked struct {
	venueID   string
	symbol    string
	filledQty float64
	avgPrice  float64
}

// NewAlpacaBroker creates an Alpaca adapter and starts its reconcile loop
func NewAlpacaBroker(config AlpacaConfig, log *logger.Logger) *AlpacaBroker {
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 3
	}

	a := &AlpacaBroker{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    config.APIKey,
			APISecret: config.APISecret,
			BaseURL:   config.BaseURL,
		}),
		pollInterval: config.PollInterval,
		limiter:      NewRateLimiter("alpaca", 2*config.RateLimit, config.RateLimit),
		log:          log,
		tracked:      make(map[string]*alpacaTracked),
		stopChan:     make(chan struct{}),
	}

	a.wg.Add(1)
	go a.reconcileLoop()
	return a
}

// Name identifies the venue
func (a *AlpacaBroker) Name() string { return "alpaca" }

// SetCallbacks registers the execution report receiver
func (a *AlpacaBroker) SetCallbacks(cb ExecutionCallbacks) {
	a.mu.Lock()
	a.cb = cb
	a.mu.Unlock()
}

// SubmitOrder places the order with our id as the client order id
func (a *AlpacaBroker) SubmitOrder(ctx context.Context, order *types.Order) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	qty := decimal.NewFromFloat(order.Quantity)
	req := alpaca.PlaceOrderRequest{
		Symbol:        order.Symbol,
		Qty:           &qty,
		Side:          alpacaSide(order.Side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: order.ID,
	}
	if order.Type == types.OrderTypeLimit {
		limit := decimal.NewFromFloat(order.LimitPrice)
		req.Type = alpaca.Limit
		req.LimitPrice = &limit
	}

	placed, err := a.client.PlaceOrder(req)
	if err != nil {
		return errors.Wrap(err, errors.CategoryBroker, "alpaca", "place_order")
	}

	a.mu.Lock()
	a.tracked[order.ID] = &alpacaTracked{venueID: placed.ID, symbol: order.Symbol}
	a.mu.Unlock()

	a.log.Trade("alpaca accepted %s as %s", order.ID, placed.ID)
	return nil
}

// CancelOrder cancels a working order by our id
func (a *AlpacaBroker) CancelOrder(ctx context.Context, orderID, symbol string) error {
	a.mu.Lock()
	tr, ok := a.tracked[orderID]
	a.mu.Unlock()
	if !ok {
		return errors.New(errors.CategoryBroker, "alpaca", "cancel_order",
			"order %s not tracked", orderID).WithRetryable(false)
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := a.client.CancelOrder(tr.venueID); err != nil {
		return errors.Wrap(err, errors.CategoryBroker, "alpaca", "cancel_order")
	}

	a.mu.Lock()
	delete(a.tracked, orderID)
	a.mu.Unlock()
	return nil
}

// OpenOrders returns the ids of orders still working at the venue
func (a *AlpacaBroker) OpenOrders(ctx context.Context, symbol string) ([]string, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req := alpaca.GetOrdersRequest{Status: "open", Limit: 500}
	if symbol != "" {
		req.Symbols = []string{symbol}
	}
	open, err := a.client.GetOrders(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryBroker, "alpaca", "open_orders")
	}

	ids := make([]string, 0, len(open))
	for _, o := range open {
		ids = append(ids, o.ClientOrderID)
	}
	return ids, nil
}

// Close stops the reconcile loop
func (a *AlpacaBroker) Close() error {
	close(a.stopChan)
	a.wg.Wait()
	return nil
}

func (a *AlpacaBroker) reconcileLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.reconcile()
		case <-a.stopChan:
			return
		}
	}
}

func (a *AlpacaBroker) reconcile() {
	a.mu.Lock()
	cb := a.cb
	ids := make([]string, 0, len(a.tracked))
	for id := range a.tracked {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	if cb == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.pollInterval)
	defer cancel()

	for _, id := range ids {
		if err := a.reconcileOrder(ctx, id, cb); err != nil {
			a.log.Warning("alpaca reconcile %s: %v", id, err)
		}
	}
}

func (a *AlpacaBroker) reconcileOrder(ctx context.Context, orderID string, cb ExecutionCallbacks) error {
	a.mu.Lock()
	tr, ok := a.tracked[orderID]
	a.mu.Unlock()
	if !ok {
		return nil
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	venueOrder, err := a.client.GetOrder(tr.venueID)
	if err != nil {
		return errors.Wrap(err, errors.CategoryBroker, "alpaca", "order_status")
	}

	filled := venueOrder.FilledQty.InexactFloat64()
	avgPrice := 0.0
	if venueOrder.FilledAvgPrice != nil {
		avgPrice = venueOrder.FilledAvgPrice.InexactFloat64()
	}

	if delta := filled - tr.filledQty; delta > 0 {
		cb.OnFill(types.Fill{
			ID:        tr.venueID + "@" + venueOrder.FilledQty.String(),
			OrderID:   orderID,
			Quantity:  delta,
			Price:     incrementalFillPrice(filled, avgPrice, tr.filledQty, tr.avgPrice),
			Timestamp: time.Now(),
		})
		a.mu.Lock()
		tr.filledQty = filled
		tr.avgPrice = avgPrice
		a.mu.Unlock()
	}

	switch venueOrder.Status {
	case "filled", "canceled":
		a.mu.Lock()
		delete(a.tracked, orderID)
		a.mu.Unlock()
	case "rejected":
		a.mu.Lock()
		delete(a.tracked, orderID)
		a.mu.Unlock()
		cb.OnReject(orderID, "rejected by venue")
	case "expired":
		a.mu.Lock()
		delete(a.tracked, orderID)
		a.mu.Unlock()
		cb.OnExpire(orderID)
	}
	return nil
}

func alpacaSide(side types.Side) alpaca.Side {
	if side == types.SideBuy {
		return alpaca.Buy
	}
	return alpaca.Sell
}
