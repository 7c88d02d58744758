// Package executor runs the trading loop: on every cycle it turns the
// strategy's signals into target positions, diffs them against the ledger
// and routes the resulting orders through the order state machine.
package executor

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/quantsys/trading-engine/internal/errors"
	"github.com/quantsys/trading-engine/internal/ledger"
	"github.com/quantsys/trading-engine/internal/logger"
	"github.com/quantsys/trading-engine/internal/monitoring"
	"github.com/quantsys/trading-engine/internal/oms"
	"github.com/quantsys/trading-engine/internal/risk"
	"github.com/quantsys/trading-engine/pkg/types"
)

// SignalSource produces the per-symbol signals for one cycle
type SignalSource interface {
	Signals(ctx context.Context) ([]Signal, error)
}

// PriceSource supplies current marks per symbol
type PriceSource interface {
	Marks() map[string]float64
}

// Config tunes the execution loop
type Config struct {
	// Interval between cycles.
	Interval time.Duration
	// MinTradeNotional suppresses rebalance dust below this order value.
	MinTradeNotional float64
}

// Action classifies what the executor did for one symbol in one cycle
type Action string

const (
	ActionSubmitted Action = "submitted"
	ActionExit      Action = "exit"
	ActionSkipped   Action = "skipped"
	ActionDenied    Action = "denied"
	ActionFailed    Action = "failed"
)

// CycleRecord is the outcome for one symbol in one cycle
type CycleRecord struct {
	Symbol   string
	Action   Action
	OrderID  string
	Quantity float64
	Detail   string
}

// CycleReport summarizes one execution cycle
type CycleReport struct {
	StartedAt time.Time
	Duration  time.Duration
	Halted    bool
	Records   []CycleRecord
}

// Executor drives the trading loop
type Executor struct {
	manager *oms.Manager
	ledger  *ledger.Ledger
	state   *risk.State
	signals SignalSource
	prices  PriceSource
	sizer   Sizer
	config  Config
	health  *monitoring.HealthChecker // optional
	log     *logger.Logger

	mu         sync.Mutex
	lastReport CycleReport

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates an execution loop
func New(manager *oms.Manager, lgr *ledger.Ledger, state *risk.State,
	signals SignalSource, prices PriceSource, sizer Sizer, config Config,
	health *monitoring.HealthChecker, log *logger.Logger) *Executor {
	return &Executor{
		manager:  manager,
		ledger:   lgr,
		state:    state,
		signals:  signals,
		prices:   prices,
		sizer:    sizer,
		config:   config,
		health:   health,
		log:      log,
		stopChan: make(chan struct{}),
	}
}

// Start runs the loop until Stop is called
func (e *Executor) Start() {
	e.wg.Add(1)
	go e.loop()
}

// Stop terminates the loop and waits for the current cycle
func (e *Executor) Stop() {
	close(e.stopChan)
	e.wg.Wait()
}

func (e *Executor) loop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), e.config.Interval)
			e.RunCycle(ctx)
			cancel()
		case <-e.stopChan:
			e.log.Info("execution loop stopped")
			return
		}
	}
}

// LastReport returns the most recent cycle report
func (e *Executor) LastReport() CycleReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReport
}

// RunCycle executes one pass: fetch signals, size targets, diff against the
// ledger and submit the deltas. One symbol's failure never stops the rest.
func (e *Executor) RunCycle(ctx context.Context) CycleReport {
	start := time.Now()
	report := CycleReport{StartedAt: start}
	defer func() {
		report.Duration = time.Since(start)
		monitoring.RecordCycle(report.Duration.Seconds())
		if e.health != nil {
			e.health.RecordCycle()
		}
		e.mu.Lock()
		e.lastReport = report
		e.mu.Unlock()
	}()

	snap := e.state.Snapshot()
	if snap.Halted {
		report.Halted = true
		e.log.Risk("cycle skipped: trading halted (%s)", snap.HaltReason)
		return report
	}

	signals, err := e.signals.Signals(ctx)
	if err != nil {
		e.log.Error("signal fetch failed: %v", err)
		if e.health != nil {
			e.health.RecordError(fmt.Sprintf("signals: %v", err))
		}
		return report
	}
	sort.Slice(signals, func(i, j int) bool { return signals[i].Symbol < signals[j].Symbol })

	marks := e.prices.Marks()
	inFlight := e.symbolsWithOpenOrders()
	signalled := make(map[string]bool, len(signals))

	for _, sig := range signals {
		signalled[sig.Symbol] = true
		report.Records = append(report.Records, e.processSignal(ctx, sig, snap.Equity, marks, inFlight))
	}

	// Positions whose signal disappeared are closed at full conviction so
	// the threshold check never blocks a risk-reducing exit.
	for _, rec := range e.processExits(ctx, signalled, marks, inFlight) {
		report.Records = append(report.Records, rec)
	}
	return report
}

func (e *Executor) processSignal(ctx context.Context, sig Signal, equity float64,
	marks map[string]float64, inFlight map[string]bool) CycleRecord {
	rec := CycleRecord{Symbol: sig.Symbol, Action: ActionSkipped}

	if inFlight[sig.Symbol] {
		rec.Detail = "order in flight"
		return rec
	}

	price := marks[sig.Symbol]
	if price <= 0 {
		price = sig.Price
	}
	if price <= 0 {
		rec.Action = ActionFailed
		rec.Detail = "no price available"
		return rec
	}
	sig.Price = price

	target := e.sizer.TargetQuantity(sig, equity)
	current := e.ledger.Position(sig.Symbol).Quantity
	delta := target - current

	if notional := math.Abs(delta) * price; notional < e.config.MinTradeNotional {
		rec.Detail = fmt.Sprintf("delta notional %.2f below minimum", notional)
		return rec
	}

	side := types.SideBuy
	if delta < 0 {
		side = types.SideSell
	}
	return e.submit(ctx, rec, sig.Symbol, side, math.Abs(delta), math.Abs(sig.Score), price, ActionSubmitted)
}

func (e *Executor) processExits(ctx context.Context, signalled map[string]bool,
	marks map[string]float64, inFlight map[string]bool) []CycleRecord {
	var records []CycleRecord

	for _, pos := range e.ledger.Positions() {
		if pos.Quantity == 0 || signalled[pos.Symbol] {
			continue
		}
		rec := CycleRecord{Symbol: pos.Symbol, Action: ActionSkipped}
		if inFlight[pos.Symbol] {
			rec.Detail = "order in flight"
			records = append(records, rec)
			continue
		}

		price := marks[pos.Symbol]
		if price <= 0 {
			price = pos.AvgCost
		}
		side := types.SideSell
		if pos.Quantity < 0 {
			side = types.SideBuy
		}
		records = append(records,
			e.submit(ctx, rec, pos.Symbol, side, math.Abs(pos.Quantity), 1.0, price, ActionExit))
	}
	return records
}

// submit creates and routes one order, classifying the outcome
func (e *Executor) submit(ctx context.Context, rec CycleRecord, symbol string,
	side types.Side, quantity, score, price float64, onSuccess Action) CycleRecord {
	order, err := e.manager.Create(symbol, side, quantity, types.OrderTypeMarket, 0, score, price)
	if err != nil {
		rec.Action = ActionFailed
		rec.Detail = err.Error()
		e.log.Error("create failed for %s: %v", symbol, err)
		return rec
	}
	rec.OrderID = order.ID
	rec.Quantity = quantity

	if err := e.manager.Submit(ctx, order.ID); err != nil {
		if errors.IsRiskDenied(err) {
			rec.Action = ActionDenied
			rec.Detail = err.Error()
			return rec
		}
		rec.Action = ActionFailed
		rec.Detail = err.Error()
		e.log.Error("submit failed for %s: %v", symbol, err)
		return rec
	}

	rec.Action = onSuccess
	e.log.Trade("cycle %s: %s %v %s @ ~%.2f", onSuccess, side, quantity, symbol, price)
	return rec
}

func (e *Executor) symbolsWithOpenOrders() map[string]bool {
	open := make(map[string]bool)
	for _, o := range e.manager.OpenOrders() {
		open[o.Symbol] = true
	}
	return open
}
