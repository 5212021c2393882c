package app

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"procodus.dev/sensorhub/internal/server"
)

// Session backends.
const (
	SessionMemory   = "memory"
	SessionDatabase = "database"
)

// Config holds everything needed to run the service. Empty addresses and
// URLs disable the matching component.
type Config struct {
	Logger *slog.Logger

	HTTPAddr string
	GRPCAddr string // Optional

	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	APIKey       string
	APIKeyHeader string
	ReadAccess   server.ReadAccess
	Dashboard    server.Credentials
	CORSOrigins  []string

	SessionSecret   string
	SessionTTL      time.Duration
	SessionBackend  string
	JanitorInterval time.Duration // Optional, defaults to 10m

	AMQPURL   string // Optional
	AMQPQueue string

	MQTTBroker   string // Optional
	MQTTTopic    string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string

	InfluxURL    string // Optional
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	MetricsEnabled bool
	// Registry receives all metrics. Defaults to the global registry.
	Registry *prometheus.Registry
}
