// Package metrics holds the prometheus collectors shared by the gateway, the
// stage workers and the result writer. Each process owns its own registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lara"

// Outcome labels recorded for consumed messages
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeRequeued  = "requeued"
	OutcomeRejected  = "rejected"
	OutcomeDuplicate = "duplicate"
)

// Metrics contains the collectors of one process
type Metrics struct {
	Registry *prometheus.Registry

	MessagesConsumed  *prometheus.CounterVec
	MessageOutcomes   *prometheus.CounterVec
	MessagesPublished *prometheus.CounterVec
	InferenceDuration *prometheus.HistogramVec
	PushDuration      *prometheus.HistogramVec
	JobsSubmitted     *prometheus.CounterVec
	BrokerConnected   prometheus.Gauge
	BrokerReconnects  prometheus.Counter
}

// New creates and registers the collectors for component
func New(component string) *Metrics {
	constLabels := prometheus.Labels{"component": component}

	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		MessagesConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "messages",
				Name:        "consumed_total",
				Help:        "Total number of messages received from the broker",
				ConstLabels: constLabels,
			},
			[]string{"queue"},
		),

		MessageOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "messages",
				Name:        "outcomes_total",
				Help:        "Settled messages by stage and outcome",
				ConstLabels: constLabels,
			},
			[]string{"stage", "outcome"},
		),

		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "messages",
				Name:        "published_total",
				Help:        "Total number of messages published and confirmed",
				ConstLabels: constLabels,
			},
			[]string{"queue"},
		),

		InferenceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Subsystem:   "inference",
				Name:        "duration_seconds",
				Help:        "Inference call duration in seconds",
				Buckets:     []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
				ConstLabels: constLabels,
			},
			[]string{"stage"},
		),

		PushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Subsystem:   "push",
				Name:        "duration_seconds",
				Help:        "System-of-record push duration in seconds",
				Buckets:     prometheus.DefBuckets,
				ConstLabels: constLabels,
			},
			[]string{"stage"},
		),

		JobsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "jobs",
				Name:        "submitted_total",
				Help:        "Jobs accepted by the gateway",
				ConstLabels: constLabels,
			},
			[]string{"source"},
		),

		BrokerConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   "broker",
				Name:        "connected",
				Help:        "Broker connection status (0=disconnected, 1=connected)",
				ConstLabels: constLabels,
			},
		),

		BrokerReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Subsystem:   "broker",
				Name:        "reconnects_total",
				Help:        "Total number of broker reconnections",
				ConstLabels: constLabels,
			},
		),
	}

	m.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.MessagesConsumed,
		m.MessageOutcomes,
		m.MessagesPublished,
		m.InferenceDuration,
		m.PushDuration,
		m.JobsSubmitted,
		m.BrokerConnected,
		m.BrokerReconnects,
	)

	return m
}

// Handler serves the registry in the prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// RecordConsumed increments the consumed counter for queue
func (m *Metrics) RecordConsumed(queue string) {
	m.MessagesConsumed.WithLabelValues(queue).Inc()
}

// RecordOutcome increments the outcome counter
func (m *Metrics) RecordOutcome(stage, outcome string) {
	m.MessageOutcomes.WithLabelValues(stage, outcome).Inc()
}

// RecordPublished increments the published counter for queue
func (m *Metrics) RecordPublished(queue string) {
	m.MessagesPublished.WithLabelValues(queue).Inc()
}

// RecordInference observes an inference duration
func (m *Metrics) RecordInference(stage string, d time.Duration) {
	m.InferenceDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordPush observes a push duration
func (m *Metrics) RecordPush(stage string, d time.Duration) {
	m.PushDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordJobSubmitted increments the accepted job counter
func (m *Metrics) RecordJobSubmitted(source string) {
	m.JobsSubmitted.WithLabelValues(source).Inc()
}

// RecordBrokerStatus updates the broker connection gauge
func (m *Metrics) RecordBrokerStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	m.BrokerConnected.Set(value)
}

// RecordBrokerReconnect increments the reconnection counter
func (m *Metrics) RecordBrokerReconnect() {
	m.BrokerReconnects.Inc()
}
