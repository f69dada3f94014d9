// Package metrics exposes Prometheus collectors for the trading loop.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector the coordinator updates. All collectors
// are registered on a private registry so tests can create many instances.
type Metrics struct {
	registry *prometheus.Registry

	Decisions        *prometheus.CounterVec
	TradesOpened     prometheus.Counter
	TradesClosed     prometheus.Counter
	HeartbeatSeconds prometheus.Histogram
	ModelLatency     *prometheus.HistogramVec
	ModelFailures    *prometheus.CounterVec
	DailyPnL         prometheus.Gauge
	Equity           prometheus.Gauge
	BreakerOpen      prometheus.Gauge
	OpenTrades       prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_decisions_total",
			Help: "Ensemble decisions by resulting action.",
		}, []string{"action"}),
		TradesOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_trades_opened_total",
			Help: "Trades opened.",
		}),
		TradesClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_trades_closed_total",
			Help: "Trades closed.",
		}),
		HeartbeatSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "coordinator_heartbeat_duration_seconds",
			Help:    "Wall time of one decision cycle.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		ModelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coordinator_model_latency_seconds",
			Help:    "Model inference latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}, []string{"model"}),
		ModelFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_model_failures_total",
			Help: "Model request failures.",
		}, []string{"model"}),
		DailyPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_daily_pnl_usd",
			Help: "Realized PnL since the last daily reset.",
		}),
		Equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_equity_usd",
			Help: "Last observed account equity.",
		}),
		BreakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_circuit_breaker_open",
			Help: "1 when the circuit breaker is open.",
		}),
		OpenTrades: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_open_trades",
			Help: "Currently open trades.",
		}),
	}

	m.registry.MustRegister(
		m.Decisions, m.TradesOpened, m.TradesClosed, m.HeartbeatSeconds,
		m.ModelLatency, m.ModelFailures, m.DailyPnL, m.Equity,
		m.BreakerOpen, m.OpenTrades,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
