// Package metrics exposes engine counters and gauges over Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds every engine metric. Wire one instance through the
// engine; the /metrics endpoint serves the default registry.
type Recorder struct {
	opportunities *prometheus.CounterVec
	batchesFired  *prometheus.CounterVec
	tradesClosed  *prometheus.CounterVec
	breakerTrips  prometheus.Counter
	gatewayErrors *prometheus.CounterVec

	openPositions  prometheus.Gauge
	freeMargin     prometheus.Gauge
	regimeStrength prometheus.Gauge
	// realizedPnL is a gauge because losses move it down.
	realizedPnL prometheus.Gauge

	scanDuration prometheus.Histogram
}

// New registers the recorder on the default registry, which the
// /metrics endpoint serves.
func New() *Recorder {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith registers on a caller-owned registry. Tests use this to avoid
// duplicate registration in the shared default registry.
func NewWith(reg prometheus.Registerer) *Recorder {
	auto := promauto.With(reg)
	return &Recorder{
		opportunities: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bot_opportunities_total",
				Help: "Scored opportunities by filter outcome",
			},
			[]string{"side", "outcome"},
		),
		batchesFired: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bot_batches_fired_total",
				Help: "Entry batches fired, split by confirmation vs timeout",
			},
			[]string{"trigger"},
		),
		tradesClosed: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bot_trades_closed_total",
				Help: "Closed positions by close reason",
			},
			[]string{"reason"},
		),
		breakerTrips: auto.NewCounter(
			prometheus.CounterOpts{
				Name: "bot_circuit_breaker_trips_total",
				Help: "Circuit breaker trips",
			},
		),
		gatewayErrors: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bot_gateway_errors_total",
				Help: "Execution gateway failures by class",
			},
			[]string{"class"},
		),
		openPositions: auto.NewGauge(
			prometheus.GaugeOpts{
				Name: "bot_open_positions",
				Help: "Currently open positions",
			},
		),
		freeMargin: auto.NewGauge(
			prometheus.GaugeOpts{
				Name: "bot_free_margin",
				Help: "Free margin in the shared pool",
			},
		),
		regimeStrength: auto.NewGauge(
			prometheus.GaugeOpts{
				Name: "bot_regime_strength",
				Help: "Regime strength, positive bullish, negative bearish",
			},
		),
		realizedPnL: auto.NewGauge(
			prometheus.GaugeOpts{
				Name: "bot_realized_pnl_total",
				Help: "Cumulative realized PnL",
			},
		),
		scanDuration: auto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bot_scan_duration_seconds",
				Help:    "Duration of one full symbol scan",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// RecordOpportunity counts one filter decision.
func (r *Recorder) RecordOpportunity(side string, accepted bool) {
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	r.opportunities.WithLabelValues(side, outcome).Inc()
}

// RecordBatchFired counts one fill.
func (r *Recorder) RecordBatchFired(forced bool) {
	trigger := "confirmation"
	if forced {
		trigger = "timeout"
	}
	r.batchesFired.WithLabelValues(trigger).Inc()
}

// RecordTradeClosed counts one close and accumulates PnL.
func (r *Recorder) RecordTradeClosed(reason string, pnl float64) {
	r.tradesClosed.WithLabelValues(reason).Inc()
	r.realizedPnL.Add(pnl)
}

// RecordBreakerTrip counts one trip.
func (r *Recorder) RecordBreakerTrip() { r.breakerTrips.Inc() }

// RecordGatewayError counts one gateway failure.
func (r *Recorder) RecordGatewayError(transient bool) {
	class := "permanent"
	if transient {
		class = "transient"
	}
	r.gatewayErrors.WithLabelValues(class).Inc()
}

// SetOpenPositions updates the open position gauge.
func (r *Recorder) SetOpenPositions(n int) { r.openPositions.Set(float64(n)) }

// SetFreeMargin updates the free margin gauge.
func (r *Recorder) SetFreeMargin(v float64) { r.freeMargin.Set(v) }

// SetRegime updates the signed regime strength gauge.
func (r *Recorder) SetRegime(signal string, strength int) {
	v := float64(strength)
	if signal == "BEARISH" {
		v = -v
	} else if signal == "NEUTRAL" {
		v = 0
	}
	r.regimeStrength.Set(v)
}

// ObserveScanDuration records one scan pass.
func (r *Recorder) ObserveScanDuration(seconds float64) {
	r.scanDuration.Observe(seconds)
}
