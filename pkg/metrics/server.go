package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ServerMetrics contains Prometheus metrics for the HTTP and gRPC surfaces
// and the ingest pipeline.
type ServerMetrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	GRPCRequestsTotal    *prometheus.CounterVec
	GRPCRequestDuration  *prometheus.HistogramVec
	ReadingsIngested     *prometheus.CounterVec
	SinkFailures         *prometheus.CounterVec
	LoginAttempts        *prometheus.CounterVec
	TemplateRenderTime   *prometheus.HistogramVec
}

// NewServerMetrics creates and registers server metrics. A nil registerer
// selects the global Registry.
func NewServerMetrics(namespace string, reg prometheus.Registerer) *ServerMetrics {
	m := &ServerMetrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
		),
		GRPCRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "grpc",
				Name:      "requests_total",
				Help:      "Total number of gRPC requests",
			},
			[]string{"method", "code"},
		),
		GRPCRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "grpc",
				Name:      "request_duration_seconds",
				Help:      "Duration of gRPC requests",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		ReadingsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "readings_total",
				Help:      "Total number of readings submitted for ingestion",
			},
			[]string{"source", "result"}, // result: saved, invalid, error
		),
		SinkFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "sink_failures_total",
				Help:      "Total number of failed sink writes",
			},
			[]string{"sink"},
		),
		LoginAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "login_attempts_total",
				Help:      "Total number of dashboard login attempts",
			},
			[]string{"result"}, // result: success, failure
		),
		TemplateRenderTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "template",
				Name:      "render_duration_seconds",
				Help:      "Duration of template rendering",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"template"},
		),
	}

	mustRegister(reg,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.GRPCRequestsTotal,
		m.GRPCRequestDuration,
		m.ReadingsIngested,
		m.SinkFailures,
		m.LoginAttempts,
		m.TemplateRenderTime,
	)

	return m
}
