package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"procodus.dev/sensorhub/internal/app"
	"procodus.dev/sensorhub/internal/mqttsub"
	"procodus.dev/sensorhub/internal/server"
	"procodus.dev/sensorhub/pkg/mq"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sensorhub service",
	Long: `Run the sensorhub service that:
- Accepts device readings over HTTP, and optionally AMQP and MQTT
- Persists readings to PostgreSQL or SQLite
- Serves latest and history queries over HTTP and optionally gRPC
- Serves the dashboard behind a session login
- Mirrors readings to InfluxDB when configured`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	defineServeFlags(serveCmd.Flags())
	bindServeFlags(serveCmd.Flags())
}

func defineServeFlags(flags *pflag.FlagSet) {
	flags.Int("port", 8000, "HTTP server port")
	flags.Int("grpc-port", 0, "gRPC server port (0 disables gRPC)")
	flags.String("db-url", "", "database URL, required (postgres://... or sqlite://path)")
	flags.Int("db-max-open-conns", 10, "maximum open database connections")
	flags.Int("db-max-idle-conns", 5, "maximum idle database connections")
	flags.Duration("db-conn-max-lifetime", 30*time.Minute, "maximum database connection lifetime")
	flags.String("api-key", "", "API key devices send on ingest")
	flags.String("api-key-header", server.DefaultAPIKeyHeader, "header carrying the API key")
	flags.String("read-access", string(server.ReadSession), "read access mode (session, public)")
	flags.String("session-secret", "", "secret signing session cookies (random when empty)")
	flags.Duration("session-ttl", 12*time.Hour, "session lifetime")
	flags.String("session-backend", app.SessionMemory, "session store (memory, database)")
	flags.String("dashboard-username", "", "dashboard login username")
	flags.String("dashboard-password", "", "dashboard login password")
	flags.String("dashboard-password-hash", "", "bcrypt hash of the dashboard password")
	flags.StringSlice("cors-allowed-origins", nil, "origins allowed to call the API from a browser")
	flags.String("amqp-url", "", "RabbitMQ URL (empty disables the AMQP consumer)")
	flags.String("amqp-queue", mq.DefaultQueue, "RabbitMQ queue for readings")
	flags.String("mqtt-broker", "", "MQTT broker URL (empty disables the MQTT subscriber)")
	flags.String("mqtt-topic", mqttsub.DefaultTopic, "MQTT topic filter for readings")
	flags.String("mqtt-client-id", "", "MQTT client id (unique per process when empty)")
	flags.String("influx-url", "", "InfluxDB URL (empty disables the mirror)")
	flags.String("influx-token", "", "InfluxDB token")
	flags.String("influx-org", "", "InfluxDB organization")
	flags.String("influx-bucket", "", "InfluxDB bucket")
	flags.Bool("metrics", true, "expose Prometheus metrics on /metrics")
}

// bindServeFlags makes the serve flags the lowest-priority source of each key.
func bindServeFlags(flags *pflag.FlagSet) {
	bind := map[string]string{
		"http.port":               "port",
		"grpc.port":               "grpc-port",
		"db.url":                  "db-url",
		"db.max_open_conns":       "db-max-open-conns",
		"db.max_idle_conns":       "db-max-idle-conns",
		"db.conn_max_lifetime":    "db-conn-max-lifetime",
		"auth.api_key":            "api-key",
		"auth.api_key_header":     "api-key-header",
		"auth.read_access":        "read-access",
		"session.secret":          "session-secret",
		"session.ttl":             "session-ttl",
		"session.backend":         "session-backend",
		"dashboard.username":      "dashboard-username",
		"dashboard.password":      "dashboard-password",
		"dashboard.password_hash": "dashboard-password-hash",
		"cors.allowed_origins":    "cors-allowed-origins",
		"amqp.url":                "amqp-url",
		"amqp.queue":              "amqp-queue",
		"mqtt.broker":             "mqtt-broker",
		"mqtt.topic":              "mqtt-topic",
		"mqtt.client_id":          "mqtt-client-id",
		"influx.url":              "influx-url",
		"influx.token":            "influx-token",
		"influx.org":              "influx-org",
		"influx.bucket":           "influx-bucket",
		"metrics.enabled":         "metrics",
	}
	for key, flag := range bind {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting sensorhub service")

	config := serveConfig()
	config.Logger = logger

	a, err := app.New(config)
	if err != nil {
		logger.Error("failed to create service", "error", err)
		return err
	}

	logger.Info("service configuration",
		"http_addr", config.HTTPAddr,
		"grpc_addr", config.GRPCAddr,
		"read_access", config.ReadAccess,
		"session_backend", config.SessionBackend,
		"amqp_enabled", config.AMQPURL != "",
		"mqtt_enabled", config.MQTTBroker != "",
		"influx_enabled", config.InfluxURL != "",
	)

	if err := a.Run(context.Background()); err != nil {
		logger.Error("service error", "error", err)
		return err
	}

	logger.Info("service stopped")
	return nil
}

// serveConfig builds the service configuration from viper.
func serveConfig() *app.Config {
	config := &app.Config{
		HTTPAddr:        fmt.Sprintf(":%d", viper.GetInt("http.port")),
		DatabaseURL:     viper.GetString("db.url"),
		MaxOpenConns:    viper.GetInt("db.max_open_conns"),
		MaxIdleConns:    viper.GetInt("db.max_idle_conns"),
		ConnMaxLifetime: viper.GetDuration("db.conn_max_lifetime"),
		APIKey:          viper.GetString("auth.api_key"),
		APIKeyHeader:    viper.GetString("auth.api_key_header"),
		ReadAccess:      server.ReadAccess(viper.GetString("auth.read_access")),
		Dashboard: server.Credentials{
			Username:     viper.GetString("dashboard.username"),
			Password:     viper.GetString("dashboard.password"),
			PasswordHash: viper.GetString("dashboard.password_hash"),
		},
		CORSOrigins:    viper.GetStringSlice("cors.allowed_origins"),
		SessionSecret:  viper.GetString("session.secret"),
		SessionTTL:     viper.GetDuration("session.ttl"),
		SessionBackend: viper.GetString("session.backend"),
		AMQPURL:        viper.GetString("amqp.url"),
		AMQPQueue:      viper.GetString("amqp.queue"),
		MQTTBroker:     viper.GetString("mqtt.broker"),
		MQTTTopic:      viper.GetString("mqtt.topic"),
		MQTTClientID:   viper.GetString("mqtt.client_id"),
		MQTTUsername:   viper.GetString("mqtt.username"),
		MQTTPassword:   viper.GetString("mqtt.password"),
		InfluxURL:      viper.GetString("influx.url"),
		InfluxToken:    viper.GetString("influx.token"),
		InfluxOrg:      viper.GetString("influx.org"),
		InfluxBucket:   viper.GetString("influx.bucket"),
		MetricsEnabled: viper.GetBool("metrics.enabled"),
	}

	if port := viper.GetInt("grpc.port"); port > 0 {
		config.GRPCAddr = fmt.Sprintf(":%d", port)
	}

	return config
}
