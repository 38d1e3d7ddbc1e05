package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shellybridge"

// Metrics holds every instrument the gateway updates.
type Metrics struct {
	registry *prometheus.Registry

	FactsApplied        *prometheus.CounterVec
	FactErrors          *prometheus.CounterVec
	Changes             *prometheus.CounterVec
	Datagrams           *prometheus.CounterVec
	BrokerClients       prometheus.Gauge
	HTTPRequests        *prometheus.CounterVec
	Commands            *prometheus.CounterVec
	Gestures            *prometheus.CounterVec
	Devices             prometheus.Gauge
	DevicesAvailable    prometheus.Gauge
	PendingCompositions prometheus.Gauge
	Candidates          *prometheus.CounterVec
}

// New creates the instruments on a fresh registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		FactsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "facts",
			Name:      "applied_total",
			Help:      "Fact batches applied to the device engine",
		}, []string{"transport"}),

		FactErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "facts",
			Name:      "errors_total",
			Help:      "Fact batches that carried at least one unformattable value",
		}, []string{"transport"}),

		Changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "changes_total",
			Help:      "Change notifications delivered to subscribers",
		}, []string{"reason"}),

		Datagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coap",
			Name:      "datagrams_total",
			Help:      "CoIoT datagrams received by outcome",
		}, []string{"result"}),

		BrokerClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "clients",
			Help:      "Devices connected to the embedded broker",
		}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Device HTTP requests by outcome",
		}, []string{"result"}),

		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "sent_total",
			Help:      "Outbound unit commands by delivering transport",
		}, []string{"transport"}),

		Gestures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "click",
			Name:      "gestures_total",
			Help:      "Input gestures emitted by the click detector",
		}, []string{"event"}),

		Devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "known",
			Help:      "Devices known to the engine",
		}),

		DevicesAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "available",
			Help:      "Devices currently available",
		}),

		PendingCompositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "pending_compositions",
			Help:      "Devices waiting for a successful mode probe",
		}),

		Candidates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "candidates_total",
			Help:      "Discovery candidates by source",
		}, []string{"source"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.FactsApplied,
		m.FactErrors,
		m.Changes,
		m.Datagrams,
		m.BrokerClients,
		m.HTTPRequests,
		m.Commands,
		m.Gestures,
		m.Devices,
		m.DevicesAvailable,
		m.PendingCompositions,
		m.Candidates,
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTP counts one device HTTP request.
func (m *Metrics) RecordHTTP(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.HTTPRequests.WithLabelValues(result).Inc()
}

// RecordDevices sets the device gauges.
func (m *Metrics) RecordDevices(known, available int) {
	m.Devices.Set(float64(known))
	m.DevicesAvailable.Set(float64(available))
}
