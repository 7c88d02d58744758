package risk

import (
	"sync"
	"time"
)

// HaltReason identifies what tripped the circuit breaker
type HaltReason string

const (
	HaltReasonNone           HaltReason = ""
	HaltReasonMaxDrawdown    HaltReason = "MaxDrawdown"
	HaltReasonDailyLossLimit HaltReason = "DailyLossLimit"
	HaltReasonManual         HaltReason = "Manual"
)

// StateSnapshot is a point-in-time copy of the process-wide risk state
type StateSnapshot struct {
	Equity         float64
	PeakEquity     float64
	DayStartEquity float64
	Halted         bool
	HaltReason     HaltReason
	UpdatedAt      time.Time
}

// Drawdown returns the fraction lost from the equity peak
func (s StateSnapshot) Drawdown() float64 {
	if s.PeakEquity <= 0 {
		return 0
	}
	return (s.PeakEquity - s.Equity) / s.PeakEquity
}

// DailyLoss returns the fraction lost from the day-start equity; gains
// report as zero
func (s StateSnapshot) DailyLoss() float64 {
	if s.DayStartEquity <= 0 || s.Equity >= s.DayStartEquity {
		return 0
	}
	return (s.DayStartEquity - s.Equity) / s.DayStartEquity
}

// State is the single-writer risk state: only the Monitor mutates it, the
// gate and the execution loop read snapshots.
type State struct {
	mu   sync.RWMutex
	snap StateSnapshot
}

// NewState initializes the risk state from the starting equity
func NewState(initialEquity float64) *State {
	now := time.Now()
	return &State{snap: StateSnapshot{
		Equity:         initialEquity,
		PeakEquity:     initialEquity,
		DayStartEquity: initialEquity,
		UpdatedAt:      now,
	}}
}

// Snapshot returns a copy of the current risk state
func (s *State) Snapshot() StateSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// update is called by the Monitor only
func (s *State) update(fn func(*StateSnapshot)) StateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.snap)
	s.snap.UpdatedAt = time.Now()
	return s.snap
}
