package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// brokerBuckets covers a local broker round trip up to a slow store write.
var brokerBuckets = prometheus.ExponentialBuckets(0.001, 2, 14)

// MQMetrics covers both sides of the reading queue: the publisher that
// pushes with confirms and the consumer that hands deliveries to ingest.
type MQMetrics struct {
	// Connection.
	ConnectionStatus  prometheus.Gauge
	ReconnectAttempts prometheus.Counter

	// Publisher, labelled by queue.
	MessagesPushed *prometheus.CounterVec
	PushFailures   *prometheus.CounterVec // queue, reason
	PushDuration   *prometheus.HistogramVec

	// Consumer, labelled by queue.
	MessagesConsumed    *prometheus.CounterVec
	MessagesRequeued    *prometheus.CounterVec
	ConsumptionFailures *prometheus.CounterVec // queue, reason: invalid, store
	ConsumeDuration     *prometheus.HistogramVec
}

// NewMQMetrics creates and registers MQ metrics. A nil registerer selects
// the global Registry.
func NewMQMetrics(namespace string, reg prometheus.Registerer) *MQMetrics {
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mq",
			Name:      name,
			Help:      help,
		}, labels)
	}
	histogram := func(name, help string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mq",
			Name:      name,
			Help:      help,
			Buckets:   brokerBuckets,
		}, []string{"queue"})
	}

	m := &MQMetrics{
		ConnectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mq",
			Name:      "connection_status",
			Help:      "Broker connection status (1=connected, 0=disconnected)",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mq",
			Name:      "reconnect_attempts_total",
			Help:      "Total number of broker reconnection attempts",
		}),
		MessagesPushed:      counter("messages_pushed_total", "Readings published and confirmed by the broker", "queue"),
		PushFailures:        counter("push_failures_total", "Readings the broker did not confirm", "queue", "reason"),
		PushDuration:        histogram("push_duration_seconds", "Time from publish to broker confirm"),
		MessagesConsumed:    counter("messages_consumed_total", "Deliveries stored and acknowledged", "queue"),
		MessagesRequeued:    counter("messages_requeued_total", "Deliveries returned to the queue after a store failure", "queue"),
		ConsumptionFailures: counter("consumption_failures_total", "Deliveries that could not be stored", "queue", "reason"),
		ConsumeDuration:     histogram("consume_duration_seconds", "Time to ingest one delivery"),
	}

	mustRegister(reg,
		m.ConnectionStatus,
		m.ReconnectAttempts,
		m.MessagesPushed,
		m.PushFailures,
		m.PushDuration,
		m.MessagesConsumed,
		m.MessagesRequeued,
		m.ConsumptionFailures,
		m.ConsumeDuration,
	)

	return m
}
