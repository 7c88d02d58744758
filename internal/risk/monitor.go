package risk

import (
	"time"

	"github.com/quantsys/trading-engine/internal/events"
	"github.com/quantsys/trading-engine/internal/ledger"
	"github.com/quantsys/trading-engine/internal/logger"
	"github.com/quantsys/trading-engine/internal/monitoring"
)

// MarkSource supplies current prices per symbol for equity computation
type MarkSource interface {
	Marks() map[string]float64
}

// Monitor recomputes portfolio-level risk on a fixed cadence, independent of
// order flow, and drives the circuit breaker. It is the only writer of the
// risk State. A halt is sticky: equity recovery never clears it, only an
// explicit Reset does.
type Monitor struct {
	state    *State
	ledger   *ledger.Ledger
	marks    MarkSource
	limits   *LimitsHolder
	bus      *events.Bus
	log      *logger.Logger
	interval time.Duration

	lastTickDay string // calendar day of the previous tick, for day-start rollover
	stopChan    chan struct{}
}

// NewMonitor creates a risk monitor ticking at the given interval
func NewMonitor(state *State, lgr *ledger.Ledger, marks MarkSource, limits *LimitsHolder,
	bus *events.Bus, log *logger.Logger, interval time.Duration) *Monitor {
	return &Monitor{
		state:    state,
		ledger:   lgr,
		marks:    marks,
		limits:   limits,
		bus:      bus,
		log:      log,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start runs the monitor loop until Stop is called
func (m *Monitor) Start() {
	go m.loop()
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Tick(time.Now())
		case <-m.stopChan:
			m.log.Info("risk monitor stopped")
			return
		}
	}
}

// Stop terminates the monitor loop
func (m *Monitor) Stop() {
	close(m.stopChan)
}

// Tick recomputes equity, peak, drawdown and daily loss, and trips the
// circuit breaker when a limit is breached. Exported so callers can force
// an evaluation outside the cadence.
func (m *Monitor) Tick(now time.Time) StateSnapshot {
	marks := m.marks.Marks()
	equity := m.ledger.Cash() + m.ledger.MarketValue(marks)
	limits := m.limits.Get()

	wasHalted := m.state.Snapshot().Halted

	snap := m.state.update(func(s *StateSnapshot) {
		day := now.Format("2006-01-02")
		if m.lastTickDay != "" && m.lastTickDay != day {
			s.DayStartEquity = equity
		}
		m.lastTickDay = day

		s.Equity = equity
		if equity > s.PeakEquity {
			s.PeakEquity = equity
		}

		if s.Halted {
			return // sticky: never cleared by recovery
		}
		if dd := drawdown(s.PeakEquity, equity); limits.MaxDrawdownPct > 0 && dd >= limits.MaxDrawdownPct {
			s.Halted = true
			s.HaltReason = HaltReasonMaxDrawdown
			return
		}
		if dl := dailyLoss(s.DayStartEquity, equity); limits.DailyLossLimitPct > 0 && dl >= limits.DailyLossLimitPct {
			s.Halted = true
			s.HaltReason = HaltReasonDailyLossLimit
		}
	})

	monitoring.UpdateRiskState(snap.Equity, snap.PeakEquity, snap.Drawdown(), snap.Halted)

	if snap.Halted && !wasHalted {
		m.log.Risk("circuit breaker tripped: %s (equity %.2f, peak %.2f, day start %.2f)",
			snap.HaltReason, snap.Equity, snap.PeakEquity, snap.DayStartEquity)
		m.publishStateChange(snap)
	}
	return snap
}

// Halt trips the circuit breaker manually
func (m *Monitor) Halt(reason HaltReason) {
	snap := m.state.update(func(s *StateSnapshot) {
		s.Halted = true
		s.HaltReason = reason
	})
	m.log.Risk("trading halted: %s", reason)
	monitoring.UpdateRiskState(snap.Equity, snap.PeakEquity, snap.Drawdown(), true)
	m.publishStateChange(snap)
}

// Reset clears a halt. This is the only way a halt is lifted.
func (m *Monitor) Reset() {
	was := m.state.Snapshot()
	if !was.Halted {
		return
	}
	snap := m.state.update(func(s *StateSnapshot) {
		s.Halted = false
		s.HaltReason = HaltReasonNone
	})
	m.log.Risk("circuit breaker reset (was: %s)", was.HaltReason)
	monitoring.UpdateRiskState(snap.Equity, snap.PeakEquity, snap.Drawdown(), false)
	m.publishStateChange(snap)
}

func (m *Monitor) publishStateChange(snap StateSnapshot) {
	m.bus.Publish(events.Event{
		Type:      events.TypeRiskStateChanged,
		Timestamp: snap.UpdatedAt,
		Halted:    snap.Halted,
		Equity:    snap.Equity,
		Reason:    string(snap.HaltReason),
	})
}

func drawdown(peak, equity float64) float64 {
	if peak <= 0 {
		return 0
	}
	return (peak - equity) / peak
}

func dailyLoss(dayStart, equity float64) float64 {
	if dayStart <= 0 || equity >= dayStart {
		return 0
	}
	return (dayStart - equity) / dayStart
}
