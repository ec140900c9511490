// Package metrics exposes engine counters and gauges for Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/quantframe/trading-core/pkg/types"
)

// Metrics holds every collector the engine updates.
type Metrics struct {
	Cycles          prometheus.Counter
	Signals         *prometheus.CounterVec
	Verdicts        *prometheus.CounterVec
	OrderStates     *prometheus.CounterVec
	Rebalances      prometheus.Counter
	Reconciliations prometheus.Counter
	Corrections     prometheus.Counter
	RiskLevel       prometheus.Gauge
	Equity          prometheus.Gauge
	RealizedPnL     prometheus.Gauge
	UnrealizedPnL   prometheus.Gauge
	OpenPositions   prometheus.Gauge
	CycleDuration   prometheus.Histogram
}

// New creates and registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_cycles_total",
			Help: "Completed orchestrator cycles.",
		}),
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_signals_total",
			Help: "Signals generated, by strategy.",
		}, []string{"strategy"}),
		Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_risk_verdicts_total",
			Help: "Risk evaluation outcomes.",
		}, []string{"outcome"}),
		OrderStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_order_transitions_total",
			Help: "Order state transitions, by resulting status.",
		}, []string{"status"}),
		Rebalances: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_rebalances_total",
			Help: "Allocation rebalances.",
		}),
		Reconciliations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_reconciliations_total",
			Help: "Reconciliation passes against the broker.",
		}),
		Corrections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_reconciliation_corrections_total",
			Help: "Local state corrections from broker truth.",
		}),
		RiskLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_risk_level",
			Help: "Current risk level (0 low through 3 extreme).",
		}),
		Equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_equity",
			Help: "Total portfolio value.",
		}),
		RealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_realized_pnl",
			Help: "Cumulative realized P&L.",
		}),
		UnrealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_unrealized_pnl",
			Help: "Total unrealized P&L.",
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_open_positions",
			Help: "Non-flat positions.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_cycle_duration_seconds",
			Help:    "Orchestrator cycle wall time.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.Cycles, m.Signals, m.Verdicts, m.OrderStates,
		m.Rebalances, m.Reconciliations, m.Corrections,
		m.RiskLevel, m.Equity, m.RealizedPnL, m.UnrealizedPnL,
		m.OpenPositions, m.CycleDuration,
	)
	return m
}

// SetRiskLevel publishes the level as its numeric rank.
func (m *Metrics) SetRiskLevel(level types.RiskLevel) {
	m.RiskLevel.Set(float64(level))
}

// SetGauge sets a decimal-valued gauge.
func SetGauge(g prometheus.Gauge, v decimal.Decimal) {
	f, _ := v.Float64()
	g.Set(f)
}
