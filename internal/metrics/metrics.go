// Package metrics exposes Prometheus instrumentation for the delivery
// pipeline: outbound delivery outcomes and latency, sweep batch sizes, and
// inbound webhook verification outcomes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's collectors. A fresh instance carries its own
// registry so tests never collide on global registration.
type Metrics struct {
	registry *prometheus.Registry

	deliveriesTotal  *prometheus.CounterVec
	deliveryDuration prometheus.Histogram
	sweepBatchSize   prometheus.Histogram
	inboundTotal     *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		deliveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrelay_deliveries_total",
				Help: "Delivery attempts by outcome (sent, retry, exhausted)",
			},
			[]string{"outcome"},
		),
		deliveryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hookrelay_delivery_duration_seconds",
				Help:    "Outbound webhook delivery latency",
				Buckets: prometheus.DefBuckets,
			},
		),
		sweepBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "hookrelay_sweep_batch_size",
				Help:    "Number of due records claimed per retry sweep",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
			},
		),
		inboundTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hookrelay_inbound_webhooks_total",
				Help: "Inbound webhooks by outcome (accepted, unhandled, rejected_*)",
			},
			[]string{"outcome"},
		),
	}

	m.registry.MustRegister(
		m.deliveriesTotal,
		m.deliveryDuration,
		m.sweepBatchSize,
		m.inboundTotal,
	)
	return m
}

// RecordDelivery satisfies the dispatcher's metrics hook.
func (m *Metrics) RecordDelivery(outcome string, duration time.Duration) {
	m.deliveriesTotal.WithLabelValues(outcome).Inc()
	m.deliveryDuration.Observe(duration.Seconds())
}

// RecordSweepBatch satisfies the dispatcher's metrics hook.
func (m *Metrics) RecordSweepBatch(size int) {
	m.sweepBatchSize.Observe(float64(size))
}

// RecordInbound satisfies the receiver's metrics hook.
func (m *Metrics) RecordInbound(outcome string) {
	m.inboundTotal.WithLabelValues(outcome).Inc()
}

// Handler serves the text exposition format for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
