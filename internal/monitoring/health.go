package monitoring

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

var startTime = time.Now()

// HealthChecker reports engine liveness: the last completed execution cycle,
// broker connectivity and the circuit breaker state.
type HealthChecker struct {
	mu          sync.RWMutex
	lastCycle   time.Time
	isConnected bool
	halted      bool
	errors      []string
}

// HealthStatus is the JSON body served on the health endpoint
type HealthStatus struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	LastCycle   time.Time `json:"last_cycle"`
	IsConnected bool      `json:"is_connected"`
	Halted      bool      `json:"halted"`
	Uptime      string    `json:"uptime"`
	Errors      []string  `json:"errors,omitempty"`
}

// NewHealthChecker creates a health checker
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{
		errors: make([]string, 0),
	}
}

// SetConnected records broker connectivity
func (h *HealthChecker) SetConnected(connected bool) {
	h.mu.Lock()
	h.isConnected = connected
	h.mu.Unlock()
}

// SetHalted records the circuit breaker state
func (h *HealthChecker) SetHalted(halted bool) {
	h.mu.Lock()
	h.halted = halted
	h.mu.Unlock()
}

// RecordCycle marks a completed execution cycle
func (h *HealthChecker) RecordCycle() {
	h.mu.Lock()
	h.lastCycle = time.Now()
	h.mu.Unlock()
}

// RecordError appends an error to the health report, keeping the last ten
func (h *HealthChecker) RecordError(msg string) {
	h.mu.Lock()
	h.errors = append(h.errors, msg)
	if len(h.errors) > 10 {
		h.errors = h.errors[len(h.errors)-10:]
	}
	h.mu.Unlock()
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	status := "healthy"
	if !h.isConnected || (!h.lastCycle.IsZero() && time.Since(h.lastCycle) > 5*time.Minute) {
		status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if h.halted {
		status = "halted"
	}

	health := HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		LastCycle:   h.lastCycle,
		IsConnected: h.isConnected,
		Halted:      h.halted,
		Uptime:      time.Since(startTime).String(),
		Errors:      h.errors,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}
