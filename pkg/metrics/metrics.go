// Package metrics provides Prometheus metrics collection for sensorhub.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace is the default metric namespace.
const Namespace = "sensorhub"

// Registry is the global Prometheus registry for all metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Handler returns an HTTP handler exposing the global registry.
func Handler() http.Handler {
	return HandlerFor(Registry)
}

// HandlerFor returns an HTTP handler exposing the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// MustRegister registers collectors with the global registry.
// Panics if registration fails.
func MustRegister(collectors ...prometheus.Collector) {
	Registry.MustRegister(collectors...)
}

// mustRegister registers collectors with reg, or with the global registry
// when reg is nil.
func mustRegister(reg prometheus.Registerer, collectors ...prometheus.Collector) {
	if reg == nil {
		MustRegister(collectors...)
		return
	}
	reg.MustRegister(collectors...)
}
