package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StoreMetrics contains Prometheus metrics for the readings store.
type StoreMetrics struct {
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
}

// NewStoreMetrics creates and registers store metrics. A nil registerer
// selects the global Registry.
func NewStoreMetrics(namespace string, reg prometheus.Registerer) *StoreMetrics {
	m := &StoreMetrics{
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "operations_total",
				Help:      "Total number of database operations",
			},
			[]string{"operation", "status"}, // operation: insert, latest, history
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "db",
				Name:      "operation_duration_seconds",
				Help:      "Duration of database operations",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}

	mustRegister(reg, m.OperationsTotal, m.OperationDuration)

	return m
}
