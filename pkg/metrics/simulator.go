package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SimulatorMetrics contains Prometheus metrics for the device simulator.
type SimulatorMetrics struct {
	ReadingsSent  *prometheus.CounterVec
	SendDuration  *prometheus.HistogramVec
	ActiveDevices prometheus.Gauge
}

// NewSimulatorMetrics creates and registers simulator metrics. A nil
// registerer selects the global Registry.
func NewSimulatorMetrics(namespace string, reg prometheus.Registerer) *SimulatorMetrics {
	m := &SimulatorMetrics{
		ReadingsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "readings_sent_total",
				Help:      "Total number of simulated readings sent",
			},
			[]string{"transport", "status"}, // status: success, error
		),
		SendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "send_duration_seconds",
				Help:      "Duration of simulated reading sends",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"transport"},
		),
		ActiveDevices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "simulator",
				Name:      "active_devices",
				Help:      "Number of currently running simulated devices",
			},
		),
	}

	mustRegister(reg, m.ReadingsSent, m.SendDuration, m.ActiveDevices)

	return m
}
