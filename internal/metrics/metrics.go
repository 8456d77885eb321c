// Package metrics exports transport events as Prometheus metrics.
package metrics

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	eventbus "github.com/soketto/graphserve/internal/eventbus"
	events "github.com/soketto/graphserve/internal/events"
)

// Metrics holds every collector the transport layer publishes.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	OperationsTotal   *prometheus.CounterVec
	OperationDuration prometheus.Histogram

	ConnectionsActive   prometheus.Gauge
	ConnectionsTotal    *prometheus.CounterVec
	SubscriptionsActive prometheus.Gauge
	SubscriptionsTotal  *prometheus.CounterVec
	OutcomesForwarded   prometheus.Counter
}

// New creates the collector set.
func New() *Metrics {
	return &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "graphserve",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP transport calls by method and status.",
			},
			[]string{"method", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "graphserve",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP call duration.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "graphserve",
				Subsystem: "graphql",
				Name:      "operations_total",
				Help:      "Dispatched operations by outcome.",
			},
			[]string{"outcome"},
		),
		OperationDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "graphserve",
				Subsystem: "graphql",
				Name:      "operation_duration_seconds",
				Help:      "Engine execution time per operation.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		ConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "graphserve",
				Subsystem: "ws",
				Name:      "connections_active",
				Help:      "Open WebSocket connections.",
			},
		),
		ConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "graphserve",
				Subsystem: "ws",
				Name:      "connections_total",
				Help:      "Closed WebSocket connections by close code.",
			},
			[]string{"code"},
		),
		SubscriptionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "graphserve",
				Subsystem: "ws",
				Name:      "subscriptions_active",
				Help:      "Active subscription operations.",
			},
		),
		SubscriptionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "graphserve",
				Subsystem: "ws",
				Name:      "subscriptions_total",
				Help:      "Finished subscription operations by outcome.",
			},
			[]string{"outcome"},
		),
		OutcomesForwarded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "graphserve",
				Subsystem: "ws",
				Name:      "outcomes_forwarded_total",
				Help:      "Subscription outcomes forwarded to clients.",
			},
		),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		m.RequestsTotal, m.RequestDuration,
		m.OperationsTotal, m.OperationDuration,
		m.ConnectionsActive, m.ConnectionsTotal,
		m.SubscriptionsActive, m.SubscriptionsTotal,
		m.OutcomesForwarded,
	} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Attach subscribes the collector set to the event bus. The returned
// function removes every subscription.
func (m *Metrics) Attach() (detach func()) {
	subs := []func(){
		eventbus.Subscribe(func(_ context.Context, e events.HTTPFinish) {
			m.RequestsTotal.WithLabelValues(e.Request.Method, strconv.Itoa(e.Status)).Inc()
			m.RequestDuration.WithLabelValues(e.Request.Method).Observe(e.Duration.Seconds())
		}),
		eventbus.Subscribe(func(_ context.Context, e events.OperationFinish) {
			outcome := "ok"
			if e.ErrorCount > 0 {
				outcome = "error"
			}
			m.OperationsTotal.WithLabelValues(outcome).Inc()
			m.OperationDuration.Observe(e.Duration.Seconds())
		}),
		eventbus.Subscribe(func(_ context.Context, e events.WSOpen) {
			m.ConnectionsActive.Inc()
		}),
		eventbus.Subscribe(func(_ context.Context, e events.WSClose) {
			m.ConnectionsActive.Dec()
			m.ConnectionsTotal.WithLabelValues(strconv.Itoa(e.CloseCode)).Inc()
		}),
		eventbus.Subscribe(func(_ context.Context, e events.SubscriptionStart) {
			m.SubscriptionsActive.Inc()
		}),
		eventbus.Subscribe(func(_ context.Context, e events.SubscriptionFinish) {
			m.SubscriptionsActive.Dec()
			outcome := "complete"
			if e.Errored {
				outcome = "error"
			}
			m.SubscriptionsTotal.WithLabelValues(outcome).Inc()
			m.OutcomesForwarded.Add(float64(e.Outcomes))
		}),
	}
	return func() {
		for _, unsub := range subs {
			unsub()
		}
	}
}
