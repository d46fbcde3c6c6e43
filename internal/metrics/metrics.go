// Package metrics exposes Prometheus instrumentation for the rebalancing
// engine. All collectors live on a private registry so multiple instances
// (server plus tests) never collide on the default registerer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the engine's collectors.
type Metrics struct {
	registry *prometheus.Registry

	evaluations  *prometheus.CounterVec
	evalDuration *prometheus.HistogramVec
	orders       *prometheus.CounterVec
	orderReplays prometheus.Counter
	fills        prometheus.Counter
	breaches     prometheus.Counter
	alertsActive prometheus.Gauge
	queueDepth   prometheus.Gauge
	poolTasks    *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rebalance_evaluations_total",
				Help: "Evaluation ticks by mode and resulting action",
			},
			[]string{"mode", "action"},
		),
		evalDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rebalance_evaluation_duration_seconds",
				Help:    "Wall time of one evaluation tick",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rebalance_orders_submitted_total",
				Help: "Orders submitted to the broker by side",
			},
			[]string{"side"},
		),
		orderReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rebalance_order_replays_total",
			Help: "Submissions answered from the idempotency store",
		}),
		fills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rebalance_fills_applied_total",
			Help: "Broker fills applied to positions",
		}),
		breaches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rebalance_guardrail_breaches_total",
			Help: "Fills rejected because they would breach a guardrail",
		}),
		alertsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rebalance_alerts_active",
			Help: "Currently raised alerts",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rebalance_pool_queue_depth",
			Help: "Tasks waiting in the dispatch pool",
		}),
		poolTasks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rebalance_pool_tasks_total",
				Help: "Dispatch pool tasks by outcome",
			},
			[]string{"result"},
		),
	}
	m.registry.MustRegister(
		m.evaluations, m.evalDuration, m.orders, m.orderReplays,
		m.fills, m.breaches, m.alertsActive, m.queueDepth, m.poolTasks,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveEvaluation records one finished tick.
func (m *Metrics) ObserveEvaluation(mode, action string, seconds float64) {
	m.evaluations.WithLabelValues(mode, action).Inc()
	m.evalDuration.WithLabelValues(mode).Observe(seconds)
}

// OrderSubmitted counts one broker submission.
func (m *Metrics) OrderSubmitted(side string) {
	m.orders.WithLabelValues(side).Inc()
}

// OrderReplayed counts an idempotent replay.
func (m *Metrics) OrderReplayed() { m.orderReplays.Inc() }

// FillApplied counts one applied fill.
func (m *Metrics) FillApplied() { m.fills.Inc() }

// GuardrailBreach counts one rejected fill.
func (m *Metrics) GuardrailBreach() { m.breaches.Inc() }

// SetActiveAlerts reports the current alert count.
func (m *Metrics) SetActiveAlerts(n int) { m.alertsActive.Set(float64(n)) }

// SetQueueDepth reports the dispatch pool backlog.
func (m *Metrics) SetQueueDepth(n int) { m.queueDepth.Set(float64(n)) }

// PoolTask counts one pool task outcome ("ok", "error", "timeout" or
// "panic").
func (m *Metrics) PoolTask(result string) {
	m.poolTasks.WithLabelValues(result).Inc()
}
