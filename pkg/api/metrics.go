package api

import (
	"github.com/cloudwebrtc/go-sip-phone/pkg/phone"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is a phone.Observer that exports call and connection metrics.
type Metrics struct {
	registry *prometheus.Registry
	calls    *prometheus.CounterVec
	status   *prometheus.GaugeVec
	duration prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "softphone_calls_total",
			Help: "Call history entries by type.",
		}, []string{"type"}),
		status: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "softphone_connection_status",
			Help: "1 for the current connection status, 0 otherwise.",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "softphone_call_duration_seconds",
			Help:    "Duration of answered calls.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
	}
	m.registry.MustRegister(m.calls, m.status, m.duration)
	m.StatusChanged(phone.Disconnected)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) StatusChanged(status phone.ConnectionStatus) {
	for _, s := range phone.AllStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.status.WithLabelValues(string(s)).Set(v)
	}
}

func (m *Metrics) CallRecorded(rec phone.CallRecord) {
	m.calls.WithLabelValues(string(rec.Type)).Inc()
}

func (m *Metrics) CallFinished(rec phone.CallRecord, duration float64) {
	m.duration.Observe(duration)
}
