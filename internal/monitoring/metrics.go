package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Order flow metrics
	orderTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_order_transitions_total",
			Help: "Total number of order state transitions",
		},
		[]string{"from", "to"},
	)

	fillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_fills_total",
			Help: "Total number of fills applied",
		},
		[]string{"symbol", "side"},
	)

	fillNotional = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engine_fill_notional",
			Help:    "Distribution of fill notionals",
			Buckets: prometheus.ExponentialBuckets(10, 4, 8),
		},
		[]string{"symbol"},
	)

	// Risk metrics
	riskDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_risk_denials_total",
			Help: "Total number of orders vetoed by the risk gate",
		},
		[]string{"reason"},
	)

	equityGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_equity",
			Help: "Current portfolio equity",
		},
	)

	peakEquityGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_peak_equity",
			Help: "High-water mark of portfolio equity",
		},
	)

	drawdownGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_drawdown",
			Help: "Current drawdown from the equity peak",
		},
	)

	haltedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_halted",
			Help: "1 when the circuit breaker is tripped",
		},
	)

	// Execution loop metrics
	cyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_cycles_total",
			Help: "Total number of execution cycles",
		},
	)

	cycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "engine_cycle_duration_seconds",
			Help:    "Execution cycle duration",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Error metrics
	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_errors_total",
			Help: "Total number of errors by category",
		},
		[]string{"category"},
	)
)

func init() {
	prometheus.MustRegister(orderTransitionsTotal)
	prometheus.MustRegister(fillsTotal)
	prometheus.MustRegister(fillNotional)
	prometheus.MustRegister(riskDenialsTotal)
	prometheus.MustRegister(equityGauge)
	prometheus.MustRegister(peakEquityGauge)
	prometheus.MustRegister(drawdownGauge)
	prometheus.MustRegister(haltedGauge)
	prometheus.MustRegister(cyclesTotal)
	prometheus.MustRegister(cycleDuration)
	prometheus.MustRegister(errorsTotal)
}

// MetricsHandler handles the Prometheus metrics endpoint
type MetricsHandler struct{}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler() *MetricsHandler {
	return &MetricsHandler{}
}

// ServeHTTP serves the Prometheus metrics endpoint
func (m *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// RecordOrderTransition records an order state transition
func RecordOrderTransition(from, to string) {
	orderTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordFill records an applied fill
func RecordFill(symbol, side string, notional float64) {
	fillsTotal.WithLabelValues(symbol, side).Inc()
	fillNotional.WithLabelValues(symbol).Observe(notional)
}

// RecordRiskDenial records a risk gate veto
func RecordRiskDenial(reason string) {
	riskDenialsTotal.WithLabelValues(reason).Inc()
}

// UpdateRiskState updates the portfolio risk gauges
func UpdateRiskState(equity, peak, drawdown float64, halted bool) {
	equityGauge.Set(equity)
	peakEquityGauge.Set(peak)
	drawdownGauge.Set(drawdown)
	if halted {
		haltedGauge.Set(1)
	} else {
		haltedGauge.Set(0)
	}
}

// RecordCycle records a completed execution cycle
func RecordCycle(seconds float64) {
	cyclesTotal.Inc()
	cycleDuration.Observe(seconds)
}

// RecordError records an error by category
func RecordError(category string) {
	errorsTotal.WithLabelValues(category).Inc()
}
