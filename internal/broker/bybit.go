package broker

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	bybit_api "github.com/bybit-exchange/bybit.go.api"

	"github.com/quantsys/trading-engine/internal/errors"
	"github.com/quantsys/trading-engine/internal/logger"
	"github.com/quantsys/trading-engine/pkg/types"
)

// Bybit retCode for throttled requests; the retry layer may attempt these again
const bybitCodeRateLimitExceeded = 10006

// BybitConfig configures the Bybit adapter
type BybitConfig struct {
	APIKey       string
	APISecret    string
	Testnet      bool
	Demo         bool
	Category     string // "spot" or "linear"
	PollInterval time.Duration
	RateLimit    int // requests per second
}

// BybitBroker routes orders to Bybit's unified trading API. The REST API has
// no execution push on this surface, so a poll loop reconciles working
// orders and synthesizes fills from cumulative executed quantity deltas.
type BybitBroker struct {
	client       *bybit_api.Client
	category     string
	pollInterval time.Duration
	limiter      *RateLimiter
	log          *logger.Logger

	mu      sync.Mutex
	cb      ExecutionCallbacks
	tracked map[string]*bybitTracked // keyed by our order id

	wg       sync.WaitGroup
	stopChan chan struct{}
}

type bybitTracked struct {
	venueID   string
	symbol    string
	filledQty float64
	avgPrice  float64
}

// NewBybitBroker creates a Bybit adapter and starts its reconcile loop
func NewBybitBroker(config BybitConfig, log *logger.Logger) *BybitBroker {
	var baseURL string
	if config.Demo {
		baseURL = "https://api-demo.bybit.com"
	} else if config.Testnet {
		baseURL = bybit_api.TESTNET
	} else {
		baseURL = bybit_api.MAINNET
	}

	if config.Category == "" {
		config.Category = "spot"
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 10
	}

	b := &BybitBroker{
		client: bybit_api.NewBybitHttpClient(
			config.APIKey,
			config.APISecret,
			bybit_api.WithBaseURL(baseURL),
		),
		category:     config.Category,
		pollInterval: config.PollInterval,
		limiter:      NewRateLimiter("bybit", 2*config.RateLimit, config.RateLimit),
		log:          log,
		tracked:      make(map[string]*bybitTracked),
		stopChan:     make(chan struct{}),
	}

	b.wg.Add(1)
	go b.reconcileLoop()
	return b
}

// Name identifies the venue
func (b *BybitBroker) Name() string { return "bybit" }

// SetCallbacks registers the execution report receiver
func (b *BybitBroker) SetCallbacks(cb ExecutionCallbacks) {
	b.mu.Lock()
	b.cb = cb
	b.mu.Unlock()
}

// SubmitOrder places the order, carrying our id as the orderLinkId
func (b *BybitBroker) SubmitOrder(ctx context.Context, order *types.Order) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	params := map[string]interface{}{
		"category":    b.category,
		"symbol":      order.Symbol,
		"side":        bybitSide(order.Side),
		"orderType":   bybitOrderType(order.Type),
		"qty":         formatQty(order.Quantity),
		"orderLinkId": order.ID,
	}
	if order.Type == types.OrderTypeLimit {
		params["price"] = formatQty(order.LimitPrice)
		params["timeInForce"] = "GTC"
	}

	result, err := b.client.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
	if err != nil {
		return errors.Wrap(err, errors.CategoryBroker, "bybit", "place_order")
	}

	var ack struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := parseBybitResult(result, "place_order", &ack); err != nil {
		return err
	}

	b.mu.Lock()
	b.tracked[order.ID] = &bybitTracked{venueID: ack.OrderID, symbol: order.Symbol}
	b.mu.Unlock()

	b.log.Trade("bybit accepted %s as %s", order.ID, ack.OrderID)
	return nil
}

// CancelOrder cancels a working order by our id
func (b *BybitBroker) CancelOrder(ctx context.Context, orderID, symbol string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	params := map[string]interface{}{
		"category":    b.category,
		"symbol":      symbol,
		"orderLinkId": orderID,
	}
	result, err := b.client.NewUtaBybitServiceWithParams(params).CancelOrder(ctx)
	if err != nil {
		return errors.Wrap(err, errors.CategoryBroker, "bybit", "cancel_order")
	}
	if err := parseBybitResult(result, "cancel_order", nil); err != nil {
		return err
	}

	b.mu.Lock()
	delete(b.tracked, orderID)
	b.mu.Unlock()
	return nil
}

// OpenOrders returns the ids of orders still working at the venue
func (b *BybitBroker) OpenOrders(ctx context.Context, symbol string) ([]string, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := map[string]interface{}{"category": b.category}
	if symbol != "" {
		params["symbol"] = symbol
	}
	result, err := b.client.NewUtaBybitServiceWithParams(params).GetOpenOrders(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryBroker, "bybit", "open_orders")
	}

	var list struct {
		List []struct {
			OrderLinkID string `json:"orderLinkId"`
		} `json:"list"`
	}
	if err := parseBybitResult(result, "open_orders", &list); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(list.List))
	for _, o := range list.List {
		ids = append(ids, o.OrderLinkID)
	}
	return ids, nil
}

// Close stops the reconcile loop
func (b *BybitBroker) Close() error {
	close(b.stopChan)
	b.wg.Wait()
	return nil
}

func (b *BybitBroker) reconcileLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.reconcile()
		case <-b.stopChan:
			return
		}
	}
}

// reconcile polls every tracked order and reports execution deltas
func (b *BybitBroker) reconcile() {
	b.mu.Lock()
	cb := b.cb
	ids := make([]string, 0, len(b.tracked))
	for id := range b.tracked {
		ids = append(ids, id)
	}
	b.mu.Unlock()
	if cb == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.pollInterval)
	defer cancel()

	for _, id := range ids {
		if err := b.reconcileOrder(ctx, id, cb); err != nil {
			b.log.Warning("bybit reconcile %s: %v", id, err)
		}
	}
}

func (b *BybitBroker) reconcileOrder(ctx context.Context, orderID string, cb ExecutionCallbacks) error {
	b.mu.Lock()
	tr, ok := b.tracked[orderID]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	params := map[string]interface{}{
		"category":    b.category,
		"symbol":      tr.symbol,
		"orderLinkId": orderID,
	}
	result, err := b.client.NewUtaBybitServiceWithParams(params).GetOpenOrders(ctx)
	if err != nil {
		return errors.Wrap(err, errors.CategoryBroker, "bybit", "order_status")
	}

	var list struct {
		List []struct {
			OrderStatus string `json:"orderStatus"`
			CumExecQty  string `json:"cumExecQty"`
			AvgPrice    string `json:"avgPrice"`
			UpdatedTime string `json:"updatedTime"`
		} `json:"list"`
	}
	if err := parseBybitResult(result, "order_status", &list); err != nil {
		return err
	}
	if len(list.List) == 0 {
		return nil
	}
	status := list.List[0]

	cumQty, _ := strconv.ParseFloat(status.CumExecQty, 64)
	avgPrice, _ := strconv.ParseFloat(status.AvgPrice, 64)

	if delta := cumQty - tr.filledQty; delta > 0 {
		cb.OnFill(types.Fill{
			ID:        orderID + "@" + status.CumExecQty,
			OrderID:   orderID,
			Quantity:  delta,
			Price:     incrementalFillPrice(cumQty, avgPrice, tr.filledQty, tr.avgPrice),
			Timestamp: time.Now(),
		})
		b.mu.Lock()
		tr.filledQty = cumQty
		tr.avgPrice = avgPrice
		b.mu.Unlock()
	}

	switch status.OrderStatus {
	case "Filled", "Cancelled":
		b.mu.Lock()
		delete(b.tracked, orderID)
		b.mu.Unlock()
	case "Rejected":
		b.mu.Lock()
		delete(b.tracked, orderID)
		b.mu.Unlock()
		cb.OnReject(orderID, "rejected by venue")
	case "Deactivated", "Expired":
		b.mu.Lock()
		delete(b.tracked, orderID)
		b.mu.Unlock()
		cb.OnExpire(orderID)
	}
	return nil
}

// parseBybitResult checks the envelope retCode and unmarshals Result into out
func parseBybitResult(response interface{}, op string, out interface{}) error {
	serverResp, ok := response.(*bybit_api.ServerResponse)
	if !ok {
		return errors.New(errors.CategoryBroker, "bybit", op, "invalid response type")
	}
	if serverResp.RetCode != 0 {
		err := errors.New(errors.CategoryBroker, "bybit", op,
			"API error: %s (code: %d)", serverResp.RetMsg, serverResp.RetCode)
		// Only throttling is worth retrying; other retCodes are terminal.
		return err.WithRetryable(serverResp.RetCode == bybitCodeRateLimitExceeded)
	}
	if out == nil {
		return nil
	}

	resultBytes, err := json.Marshal(serverResp.Result)
	if err != nil {
		return errors.Wrap(err, errors.CategoryBroker, "bybit", op)
	}
	if err := json.Unmarshal(resultBytes, out); err != nil {
		return errors.Wrap(err, errors.CategoryBroker, "bybit", op)
	}
	return nil
}

func bybitSide(side types.Side) string {
	if side == types.SideBuy {
		return "Buy"
	}
	return "Sell"
}

func bybitOrderType(t types.OrderType) string {
	if t == types.OrderTypeLimit {
		return "Limit"
	}
	return "Market"
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
