// Package metrics holds the prometheus collectors of a node.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "koinet"

// Label names.
const (
	LabelOutcome = "outcome"
	LabelType    = "rid_type"
	LabelMode    = "mode"
	LabelResult  = "result"
)

// Label values.
const (
	ResultOK    = "ok"
	ResultError = "error"
	ModeWebhook = "webhook"
	ModePoll    = "poll"
)

// Metrics is the collector set exported on /metrics. Each node owns its own
// registry so several nodes can live in one process.
type Metrics struct {
	Registry *prometheus.Registry

	Classified     *prometheus.CounterVec
	HandlerErrors  *prometheus.CounterVec
	FetchFailures  prometheus.Counter
	Deliveries     *prometheus.CounterVec
	Handshakes     *prometheus.CounterVec
	IndexedRecords prometheus.Gauge
	QueueDepth     prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Classified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "classified_total",
			Help:      "Knowledge objects classified, by outcome and RID type.",
		}, []string{LabelOutcome, LabelType}),
		HandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "handler_errors_total",
			Help:      "Handler failures that halted a knowledge object.",
		}, []string{LabelType}),
		FetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "fetch_failures_total",
			Help:      "Full-bundle fetches that failed and halted processing.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "deliveries_total",
			Help:      "Events delivered to subscribers, by mode and result.",
		}, []string{LabelMode, LabelResult}),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "handshakes_total",
			Help:      "Discovery handshakes, by final state.",
		}, []string{LabelResult}),
		IndexedRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "index",
			Name:      "records",
			Help:      "Records currently held in the search index.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "queue_depth",
			Help:      "Knowledge objects waiting in the work queues.",
		}),
	}
	m.Registry.MustRegister(
		m.Classified,
		m.HandlerErrors,
		m.FetchFailures,
		m.Deliveries,
		m.Handshakes,
		m.IndexedRecords,
		m.QueueDepth,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
