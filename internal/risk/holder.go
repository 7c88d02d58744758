package risk

import "sync"

// LimitsHolder provides atomic swap-on-reload access to the configured
// limits. Readers always see a complete Limits value.
type LimitsHolder struct {
	mu     sync.RWMutex
	limits Limits
}

// NewLimitsHolder wraps the initial limits
func NewLimitsHolder(limits Limits) *LimitsHolder {
	return &LimitsHolder{limits: limits}
}

// Get returns the current limits
func (h *LimitsHolder) Get() Limits {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.limits
}

// Set replaces the limits; takes effect on the next evaluation
func (h *LimitsHolder) Set(limits Limits) {
	h.mu.Lock()
	h.limits = limits
	h.mu.Unlock()
}
